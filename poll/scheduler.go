package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const triggerTimeout = 10 * time.Minute

// Checker runs crawl cycles.
type Checker interface {
	CheckAll(ctx context.Context) error
	CheckSubscriber(ctx context.Context, chatID int64) error
}

// Scheduler runs a full check on an interval and single-subscriber checks on demand.
type Scheduler struct {
	checker  Checker
	logger   *slog.Logger
	wg       sync.WaitGroup
	interval time.Duration
}

// NewScheduler creates a scheduler that checks every interval.
func NewScheduler(checker Checker, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		checker:  checker,
		logger:   logger,
		interval: interval,
	}
}

// Start checks all subscribers immediately and then on every tick until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Crawl scheduler started", "interval", s.interval.String())

	s.runOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Crawl scheduler stopped")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	if err := s.checker.CheckAll(ctx); err != nil {
		s.logger.Error("Crawl cycle failed", "error", err)
	}
}

// Trigger checks one subscriber in the background without waiting for the next tick.
// The check does not inherit the caller's context.
func (s *Scheduler) Trigger(chatID int64) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), triggerTimeout)
		defer cancel()

		s.logger.Info("Triggered search check", "chat_id", chatID)
		if err := s.checker.CheckSubscriber(ctx, chatID); err != nil {
			s.logger.Warn("Triggered search check failed", "chat_id", chatID, "error", err)
		}
	}()
}

// Wait blocks until all triggered checks have finished.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}
