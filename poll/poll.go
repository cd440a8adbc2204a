// Package poll crawls subscriber searches and notifies about new listings.
package poll

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"flatfinder/pkg/flatfinder"

	"github.com/oklog/ulid/v2"
)

// Scraper interface for fetching search results.
type Scraper interface {
	Listings(ctx context.Context, chatID int64, searchURL string) ([]*flatfinder.Listing, error)
}

// Store interface for listing and subscriber persistence.
type Store interface {
	Known(ctx context.Context, chatID int64, ids []string) (map[string]bool, error)
	Record(ctx context.Context, listings ...*flatfinder.Listing) error
	FindActive(ctx context.Context) ([]*flatfinder.Subscriber, error)
	Subscriber(ctx context.Context, chatID int64) (*flatfinder.Subscriber, error)
}

// Notifier interface for sending notifications.
type Notifier interface {
	SendListing(ctx context.Context, sub *flatfinder.Subscriber, l *flatfinder.Listing) error
	SendAlert(ctx context.Context, text string) error
}

// Metrics receives crawl outcomes.
type Metrics interface {
	RecordCrawl(d time.Duration, err error)
	RecordNewListings(n int)
	RecordNotified(n int)
}

type nopMetrics struct{}

func (nopMetrics) RecordCrawl(time.Duration, error) {}
func (nopMetrics) RecordNewListings(int)            {}
func (nopMetrics) RecordNotified(int)               {}

// Monitor handles crawling and notification.
type Monitor struct {
	scraper  Scraper
	store    Store
	notifier Notifier
	metrics  Metrics
	logger   *slog.Logger
	locks    keyedMutex
	dryRun   bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithMetrics reports crawl outcomes to m.
func WithMetrics(m Metrics) Option {
	return func(mon *Monitor) { mon.metrics = m }
}

// WithDryRun sends notifications without recording listings.
func WithDryRun(dryRun bool) Option {
	return func(mon *Monitor) { mon.dryRun = dryRun }
}

// New creates a new poll monitor.
func New(scraper Scraper, store Store, notifier Notifier, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		scraper:  scraper,
		store:    store,
		notifier: notifier,
		metrics:  nopMetrics{},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Crawl fetches every result page of query and returns the listings not yet
// recorded for chatID, in source order. It does not persist anything.
func (m *Monitor) Crawl(ctx context.Context, chatID int64, query string) ([]*flatfinder.Listing, error) {
	start := time.Now()
	listings, err := m.crawl(ctx, chatID, query)
	m.metrics.RecordCrawl(time.Since(start), err)
	if err != nil {
		return nil, err
	}
	m.metrics.RecordNewListings(len(listings))
	return listings, nil
}

func (m *Monitor) crawl(ctx context.Context, chatID int64, query string) ([]*flatfinder.Listing, error) {
	listings, err := m.scraper.Listings(ctx, chatID, query)
	if err != nil {
		return nil, fmt.Errorf("fetch listings: %w", err)
	}
	if len(listings) == 0 {
		return nil, nil
	}

	ids := make([]string, len(listings))
	for i, l := range listings {
		ids[i] = l.ID
	}
	known, err := m.store.Known(ctx, chatID, ids)
	if err != nil {
		return nil, fmt.Errorf("check known listings: %w", err)
	}

	var unseen []*flatfinder.Listing
	seen := make(map[string]bool, len(listings))
	for _, l := range listings {
		if known[l.ID] || seen[l.ID] {
			continue
		}
		seen[l.ID] = true
		unseen = append(unseen, l)
	}

	m.logger.Info("Listings fetched for comparison",
		"chat_id", chatID,
		"total_listings", len(listings),
		"new_listings", len(unseen))
	return unseen, nil
}

// CheckSubscriber crawls one subscriber's search and notifies about new listings.
// A listing is recorded only after its notification was sent; a failed send stops
// the run and leaves the remaining listings for the next crawl.
// Failures are also reported to the operator.
func (m *Monitor) CheckSubscriber(ctx context.Context, chatID int64) error {
	unlock := m.locks.Lock(chatID)
	defer unlock()

	sub, err := m.store.Subscriber(ctx, chatID)
	if err != nil {
		err = fmt.Errorf("load subscriber: %w", err)
		m.reportFailure(ctx, chatID, "", err)
		return err
	}
	if !sub.Active || !sub.HasQuery() {
		m.logger.Debug("Skipping subscriber", "chat_id", chatID, "active", sub.Active, "has_query", sub.HasQuery())
		return nil
	}

	if err := m.checkSubscriber(ctx, sub); err != nil {
		m.reportFailure(ctx, chatID, *sub.Query, err)
		return err
	}
	return nil
}

func (m *Monitor) checkSubscriber(ctx context.Context, sub *flatfinder.Subscriber) error {
	m.logger.Info("Starting search check", "chat_id", sub.ChatID, "query", *sub.Query)

	listings, err := m.Crawl(ctx, sub.ChatID, *sub.Query)
	if err != nil {
		return err
	}

	notified := 0
	defer func() { m.metrics.RecordNotified(notified) }()

	for _, l := range listings {
		if err := m.notifier.SendListing(ctx, sub, l); err != nil {
			m.logger.Warn("Notification failed, leaving remaining listings for next crawl",
				"chat_id", sub.ChatID,
				"listing_id", l.ID,
				"remaining", len(listings)-notified)
			return fmt.Errorf("notify: %w", err)
		}
		notified++

		if m.dryRun {
			continue
		}
		if err := m.store.Record(ctx, l); err != nil {
			return fmt.Errorf("record listing %s: %w", l.ID, err)
		}
	}

	if notified > 0 {
		m.logger.Info("New listings delivered", "chat_id", sub.ChatID, "count", notified, "dry_run", m.dryRun)
	}
	return nil
}

func (m *Monitor) reportFailure(ctx context.Context, chatID int64, query string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	m.logger.Error("Search check failed", "chat_id", chatID, "query", query, "error", err)

	alert := fmt.Sprintf("Search check for chat %d failed: %v", chatID, err)
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if alertErr := m.notifier.SendAlert(alertCtx, alert); alertErr != nil {
		m.logger.Warn("Failed to send operator alert", "error", alertErr)
	}
}

// CheckAll checks every active subscriber sequentially. Failures are logged per
// subscriber and do not stop the cycle.
func (m *Monitor) CheckAll(ctx context.Context) error {
	runID := ulid.MustNew(ulid.Now(), rand.Reader).String()
	logger := m.logger.With("run_id", runID)

	subs, err := m.store.FindActive(ctx)
	if err != nil {
		return fmt.Errorf("list active subscribers: %w", err)
	}

	start := time.Now()
	logger.Info("Checking subscribers", "count", len(subs))

	var failed int
	for _, sub := range subs {
		select {
		case <-ctx.Done():
			logger.Info("Context cancelled, stopping check", "error", ctx.Err())
			return ctx.Err()
		default:
		}

		if err := m.CheckSubscriber(ctx, sub.ChatID); err != nil {
			failed++
		}
	}

	logger.Info("Subscriber check completed",
		"total", len(subs),
		"failed", failed,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}
