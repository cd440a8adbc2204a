package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"flatfinder/pkg/flatfinder"
)

// Update markers are keyed by math.MaxInt64 minus the id, zero padded, so the
// first name in lexical order is always the highest processed update.
const updatePrefix = "updates/desc/"

type processedUpdate struct {
	ProcessedAt time.Time `json:"processed_at"`
	UpdateID    int64     `json:"update_id"`
}

func updateKey(id int64) string {
	return fmt.Sprintf("%s%019d.json", updatePrefix, math.MaxInt64-id)
}

func updateIDFromName(name string) (int64, error) {
	inv, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
	if err != nil || inv < 0 {
		return 0, fmt.Errorf("malformed update marker %q", name)
	}
	return math.MaxInt64 - inv, nil
}

// UpdateProcessed reports whether an inbound update has been handled.
func (s *Store) UpdateProcessed(ctx context.Context, id int64) (bool, error) {
	found, err := s.exists(ctx, updateKey(id))
	if err != nil {
		return false, fmt.Errorf("check update %d: %w", id, err)
	}
	return found, nil
}

// MarkUpdate records an inbound update as handled. Marking twice is a no-op.
func (s *Store) MarkUpdate(ctx context.Context, id int64) error {
	if id < 0 {
		return fmt.Errorf("invalid update id %d", id)
	}
	data, err := json.Marshal(processedUpdate{UpdateID: id, ProcessedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	if _, err := s.create(ctx, updateKey(id), data); err != nil {
		return fmt.Errorf("mark update %d: %w", id, err)
	}
	return nil
}

// MaxUpdateID returns the highest processed update id, or flatfinder.NoUpdateID if none.
// It reads one marker name regardless of how many updates were processed.
func (s *Store) MaxUpdateID(ctx context.Context) (int64, error) {
	name, found, err := s.first(ctx, updatePrefix)
	if err != nil {
		return 0, fmt.Errorf("find latest update: %w", err)
	}
	if !found {
		return flatfinder.NoUpdateID, nil
	}
	return updateIDFromName(name)
}
