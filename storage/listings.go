package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"flatfinder/pkg/flatfinder"

	"golang.org/x/sync/errgroup"
)

func listingPrefix(chatID int64) string {
	return "listings/" + strconv.FormatInt(chatID, 10) + "/"
}

func listingName(id string) string {
	return url.PathEscape(id) + ".json"
}

// knownLookups bounds concurrent existence checks in Known.
const knownLookups = 16

// Known reports which of ids are already recorded for chatID.
// Only the given ids are looked up, so the cost follows the batch size
// rather than the number of listings ever recorded for the chat.
func (s *Store) Known(ctx context.Context, chatID int64, ids []string) (map[string]bool, error) {
	known := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return known, nil
	}

	var mu sync.Mutex
	seen := make(map[string]bool, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(knownLookups)
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		g.Go(func() error {
			found, err := s.exists(gctx, listingPrefix(chatID)+listingName(id))
			if err != nil {
				return fmt.Errorf("check listing %s: %w", id, err)
			}
			if found {
				mu.Lock()
				known[id] = true
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("known listings for %d: %w", chatID, err)
	}
	return known, nil
}

// Record stores listings. A listing already recorded for the same chat is skipped.
func (s *Store) Record(ctx context.Context, listings ...*flatfinder.Listing) error {
	for _, l := range listings {
		stored := *l
		raw, err := EscapeKeys(l.Raw)
		if err != nil {
			return fmt.Errorf("escape listing %s: %w", l.ID, err)
		}
		stored.Raw = raw

		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("marshal listing %s: %w", l.ID, err)
		}

		created, err := s.create(ctx, listingPrefix(l.ChatID)+listingName(l.ID), data)
		if err != nil {
			return fmt.Errorf("record listing %s: %w", l.ID, err)
		}
		if !created {
			s.logger.Debug("Listing already recorded", "chat_id", l.ChatID, "listing_id", l.ID)
			continue
		}
		s.logger.Debug("Listing recorded", "chat_id", l.ChatID, "listing_id", l.ID)
	}
	return nil
}
