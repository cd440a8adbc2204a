// Package ingest turns inbound chat updates into dispatched bot commands exactly once per update id.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf16"

	"flatfinder/bot"
	"flatfinder/telegram"
)

// Update outcomes reported to Metrics.
const (
	OutcomeDuplicate   = "duplicate"
	OutcomeUnsupported = "unsupported"
	OutcomeDispatched  = "dispatched"
)

// Store interface for processed-update markers.
type Store interface {
	UpdateProcessed(ctx context.Context, id int64) (bool, error)
	MarkUpdate(ctx context.Context, id int64) error
	MaxUpdateID(ctx context.Context) (int64, error)
}

// Dispatcher runs the handlers for a message.
type Dispatcher interface {
	Dispatch(ctx context.Context, c *bot.Context) error
}

// Metrics receives ingestion outcomes.
type Metrics interface {
	RecordUpdate(outcome string)
	RecordHandlerError(event string)
}

type nopMetrics struct{}

func (nopMetrics) RecordUpdate(string)       {}
func (nopMetrics) RecordHandlerError(string) {}

// HandlerFunc processes one update.
type HandlerFunc func(ctx context.Context, u *telegram.Update) error

// Receiver delivers updates to a HandlerFunc one at a time until ctx is cancelled.
type Receiver interface {
	Receive(ctx context.Context, handle HandlerFunc) error
}

// Ingester deduplicates updates and dispatches supported messages.
type Ingester struct {
	store      Store
	dispatcher Dispatcher
	metrics    Metrics
	logger     *slog.Logger
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithMetrics reports outcomes to m.
func WithMetrics(m Metrics) Option {
	return func(i *Ingester) { i.metrics = m }
}

// New creates an ingester.
func New(store Store, dispatcher Dispatcher, logger *slog.Logger, opts ...Option) *Ingester {
	i := &Ingester{
		store:      store,
		dispatcher: dispatcher,
		metrics:    nopMetrics{},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Handle processes one update. Already processed updates are skipped. Updates
// that are not private text messages are marked processed without dispatch.
// Everything else is dispatched once and then marked, even if a handler failed.
// Only store errors are returned; the update is then left unmarked.
func (i *Ingester) Handle(ctx context.Context, u *telegram.Update) error {
	processed, err := i.store.UpdateProcessed(ctx, u.UpdateID)
	if err != nil {
		return fmt.Errorf("check update %d: %w", u.UpdateID, err)
	}
	if processed {
		i.logger.Debug("Update already processed, skipping", "update_id", u.UpdateID)
		i.metrics.RecordUpdate(OutcomeDuplicate)
		return nil
	}

	if reason := unsupported(u); reason != "" {
		i.logger.Info("Ignoring update", "update_id", u.UpdateID, "reason", reason)
		if err := i.store.MarkUpdate(ctx, u.UpdateID); err != nil {
			return fmt.Errorf("mark update %d: %w", u.UpdateID, err)
		}
		i.metrics.RecordUpdate(OutcomeUnsupported)
		return nil
	}

	c := BuildContext(u.Message)
	i.logger.Info("Processing update",
		"update_id", u.UpdateID,
		"chat_id", c.ChatID,
		"event", bot.EventOf(c).String())

	if err := i.dispatcher.Dispatch(ctx, c); err != nil {
		i.logger.Error("Dispatch failed", "update_id", u.UpdateID, "chat_id", c.ChatID, "error", err)
		i.metrics.RecordHandlerError(bot.EventOf(c).String())
	}

	if err := i.store.MarkUpdate(ctx, u.UpdateID); err != nil {
		return fmt.Errorf("mark update %d: %w", u.UpdateID, err)
	}
	i.metrics.RecordUpdate(OutcomeDispatched)
	return nil
}

func unsupported(u *telegram.Update) string {
	m := u.Message
	switch {
	case m == nil:
		return "no message"
	case m.Text == "":
		return "no text"
	case m.From == nil:
		return "no sender"
	case m.Chat == nil:
		return "no chat"
	case m.Chat.Type != telegram.ChatTypePrivate:
		return "not a private chat"
	default:
		return ""
	}
}

// BuildContext extracts the command from the first bot_command entity of msg.
// Entity offsets count UTF-16 code units. The argument is the text after the
// command and one separator, nil if nothing follows.
func BuildContext(msg *telegram.Message) *bot.Context {
	c := &bot.Context{
		Message:   msg,
		FirstName: msg.From.FirstName,
		Text:      msg.Text,
		ChatID:    msg.Chat.ID,
	}

	units := utf16.Encode([]rune(msg.Text))
	for _, e := range msg.Entities {
		if e.Type != telegram.EntityBotCommand {
			continue
		}
		end := e.Offset + e.Length
		if e.Offset < 0 || e.Length <= 0 || end > len(units) {
			continue
		}

		name := string(utf16.Decode(units[e.Offset:end]))
		c.CommandName = &name
		if end+1 < len(units) {
			arg := string(utf16.Decode(units[end+1:]))
			c.CommandArgument = &arg
		}
		break
	}
	return c
}
