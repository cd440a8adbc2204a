package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"flatfinder/pkg/flatfinder"
)

const (
	subscriberPrefix = "subscribers/"
	maxCASAttempts   = 5
)

func subscriberKey(chatID int64) string {
	return subscriberPrefix + strconv.FormatInt(chatID, 10) + ".json"
}

// CreateSubscriber stores a new subscriber. An existing record is left untouched.
func (s *Store) CreateSubscriber(ctx context.Context, sub *flatfinder.Subscriber) error {
	data, err := json.MarshalIndent(sub, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal subscriber: %w", err)
	}

	created, err := s.create(ctx, subscriberKey(sub.ChatID), data)
	if err != nil {
		return fmt.Errorf("create subscriber: %w", err)
	}
	if !created {
		s.logger.Info("Subscriber already exists", "chat_id", sub.ChatID)
		return nil
	}

	s.logger.Info("Subscriber created", "chat_id", sub.ChatID, "first_name", sub.FirstName)
	return nil
}

// Subscriber loads a subscriber by chat id. It returns ErrNotFound when none exists.
func (s *Store) Subscriber(ctx context.Context, chatID int64) (*flatfinder.Subscriber, error) {
	sub, _, err := s.loadSubscriber(ctx, chatID)
	return sub, err
}

func (s *Store) loadSubscriber(ctx context.Context, chatID int64) (*flatfinder.Subscriber, int64, error) {
	data, generation, found, err := s.read(ctx, subscriberKey(chatID))
	if err != nil {
		return nil, 0, fmt.Errorf("load subscriber %d: %w", chatID, err)
	}
	if !found {
		return nil, 0, ErrNotFound
	}

	var sub flatfinder.Subscriber
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, 0, fmt.Errorf("unmarshal subscriber %d: %w", chatID, err)
	}
	return &sub, generation, nil
}

// FindActive returns all active subscribers ordered by creation time.
func (s *Store) FindActive(ctx context.Context) ([]*flatfinder.Subscriber, error) {
	names, err := s.list(ctx, subscriberPrefix)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}

	var subs []*flatfinder.Subscriber
	for _, name := range names {
		chatID, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			s.logger.Warn("Skipping unexpected subscriber object", "name", name)
			continue
		}
		sub, err := s.Subscriber(ctx, chatID)
		if err != nil {
			s.logger.Warn("Failed to load subscriber", "chat_id", chatID, "error", err)
			continue
		}
		if sub.Active {
			subs = append(subs, sub)
		}
	}

	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].CreatedAt.Before(subs[j].CreatedAt)
		}
		return subs[i].ChatID < subs[j].ChatID
	})
	return subs, nil
}

// SetQuery stores a new search URL and activates the subscriber.
func (s *Store) SetQuery(ctx context.Context, chatID int64, query string) error {
	return s.updateSubscriber(ctx, chatID, func(sub *flatfinder.Subscriber) {
		sub.Query = &query
		sub.Active = true
	})
}

// SetActive pauses or resumes notifications for a subscriber.
func (s *Store) SetActive(ctx context.Context, chatID int64, active bool) error {
	return s.updateSubscriber(ctx, chatID, func(sub *flatfinder.Subscriber) {
		sub.Active = active
	})
}

// updateSubscriber applies fn as an atomic read-modify-write.
// Cloud Storage uses generation preconditions; the local backend holds the store mutex.
func (s *Store) updateSubscriber(ctx context.Context, chatID int64, fn func(*flatfinder.Subscriber)) error {
	if s.local() {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		sub, generation, err := s.loadSubscriber(ctx, chatID)
		if err != nil {
			return err
		}
		fn(sub)

		data, err := json.MarshalIndent(sub, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal subscriber: %w", err)
		}

		err = s.replace(ctx, subscriberKey(chatID), data, generation)
		if errors.Is(err, errConflict) {
			s.logger.Info("Subscriber changed concurrently, retrying update", "chat_id", chatID, "attempt", attempt)
			continue
		}
		if err != nil {
			return fmt.Errorf("save subscriber %d: %w", chatID, err)
		}

		s.logger.Info("Subscriber updated", "chat_id", chatID, "active", sub.Active, "has_query", sub.HasQuery())
		return nil
	}
	return fmt.Errorf("save subscriber %d: %w", chatID, errConflict)
}
