// Package bot routes inbound chat messages to command handlers.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"flatfinder/telegram"
)

// StartCommand is routed to EventStart instead of EventCommand.
const StartCommand = "/start"

// Event is the kind of an inbound message.
type Event int

// Events, one per message shape.
const (
	EventStart Event = iota
	EventCommand
	EventMessage

	eventCount
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventCommand:
		return "command"
	case EventMessage:
		return "message"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// Context is one inbound message prepared for dispatch.
type Context struct {
	Message         *telegram.Message
	CommandName     *string // Leading slash included, nil for plain text
	CommandArgument *string // Text after the command and one space, nil if empty
	FirstName       string
	Text            string
	ChatID          int64
}

// EventOf classifies a context by its command name.
func EventOf(c *Context) Event {
	switch {
	case c.CommandName == nil:
		return EventMessage
	case *c.CommandName == StartCommand:
		return EventStart
	default:
		return EventCommand
	}
}

// Handler handles one dispatched message.
type Handler func(ctx context.Context, c *Context) error

// Router holds the handlers registered for each event. Register at startup only.
type Router struct {
	logger   *slog.Logger
	handlers [eventCount][]Handler
}

// NewRouter creates an empty router.
func NewRouter(logger *slog.Logger) *Router {
	return &Router{logger: logger}
}

// On registers h for e. It panics on an unknown event.
func (r *Router) On(e Event, h Handler) {
	if e < 0 || e >= eventCount {
		panic(fmt.Sprintf("bot: unknown event %d", int(e)))
	}
	if h == nil {
		panic("bot: nil handler")
	}
	r.handlers[e] = append(r.handlers[e], h)
}

// OnCommand registers h for EventCommand, filtered to messages whose command is name.
// It panics if name does not start with '/'.
func (r *Router) OnCommand(name string, h Handler) {
	if !strings.HasPrefix(name, "/") {
		panic(fmt.Sprintf("bot: command %q must start with /", name))
	}
	r.On(EventCommand, func(ctx context.Context, c *Context) error {
		if c.CommandName == nil || *c.CommandName != name {
			return nil
		}
		return h(ctx, c)
	})
}

// Dispatch runs every handler registered for the context's event, in order.
// A failing or panicking handler does not stop the others; all errors are joined.
func (r *Router) Dispatch(ctx context.Context, c *Context) error {
	event := EventOf(c)
	handlers := r.handlers[event]

	r.logger.Debug("Dispatching message", "chat_id", c.ChatID, "event", event.String(), "handlers", len(handlers))

	var errs []error
	for i, h := range handlers {
		if err := r.call(ctx, h, c); err != nil {
			r.logger.Warn("Handler failed", "chat_id", c.ChatID, "event", event.String(), "handler", i, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Router) call(ctx context.Context, h Handler, c *Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Handler panicked", "chat_id", c.ChatID, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, c)
}
