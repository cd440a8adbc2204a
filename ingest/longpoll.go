package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"flatfinder/telegram"
)

// UpdatesAPI is the pull side of the chat transport.
type UpdatesAPI interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]telegram.Update, error)
	DeleteWebhook(ctx context.Context) error
}

// OffsetStore reports the highest processed update id.
type OffsetStore interface {
	MaxUpdateID(ctx context.Context) (int64, error)
}

// LongPoller pulls updates in a loop and hands them over in arrival order.
type LongPoller struct {
	api        UpdatesAPI
	store      OffsetStore
	logger     *slog.Logger
	timeout    time.Duration
	retryPause time.Duration
}

// NewLongPoller creates a poller that blocks up to timeout per request.
func NewLongPoller(api UpdatesAPI, store OffsetStore, timeout time.Duration, logger *slog.Logger) *LongPoller {
	return &LongPoller{
		api:        api,
		store:      store,
		logger:     logger,
		timeout:    timeout,
		retryPause: 5 * time.Second,
	}
}

// Receive polls until ctx is cancelled. Failed cycles are logged and retried after a pause.
func (p *LongPoller) Receive(ctx context.Context, handle HandlerFunc) error {
	if err := p.api.DeleteWebhook(ctx); err != nil {
		p.logger.Warn("Failed to delete webhook before polling", "error", err)
	}
	p.logger.Info("Long polling started", "timeout", p.timeout.String())

	for {
		if ctx.Err() != nil {
			p.logger.Info("Long polling stopped")
			return nil
		}
		if err := p.PollOnce(ctx, handle); err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Error("Poll cycle failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(p.retryPause):
			}
		}
	}
}

// PollOnce fetches one batch starting one past the highest processed id and
// handles it sequentially. It stops at the first update that fails.
func (p *LongPoller) PollOnce(ctx context.Context, handle HandlerFunc) error {
	maxID, err := p.store.MaxUpdateID(ctx)
	if err != nil {
		return fmt.Errorf("max update id: %w", err)
	}

	updates, err := p.api.GetUpdates(ctx, maxID+1, p.timeout)
	if err != nil {
		return fmt.Errorf("get updates: %w", err)
	}
	if len(updates) > 0 {
		p.logger.Debug("Updates received", "count", len(updates), "offset", maxID+1)
	}

	for i := range updates {
		if err := handle(ctx, &updates[i]); err != nil {
			return fmt.Errorf("handle update %d: %w", updates[i].UpdateID, err)
		}
	}
	return nil
}
