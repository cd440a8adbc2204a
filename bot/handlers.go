package bot

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"flatfinder/pkg/flatfinder"
	"flatfinder/telegram"

	"golang.org/x/crypto/bcrypt"
)

// Reply texts.
const (
	msgNotAuthenticated  = "You are not authenticated. Try /auth <code>PASSWORD</code>."
	msgAlreadyAuth       = "You are already authenticated."
	msgWrongPassword     = "Wrong password. Try again."
	msgAuthenticated     = "Nice, you can now use the other commands."
	msgInvalidSearchURL  = "Please provide a valid immoscout url (copy from the search url from the browser url bar)." + ` <a href="https://www.immobilienscout24.de/Suche/de/berlin/berlin/wohnung-mieten?enteredFrom=one_step_search">Try here.</a>`
	msgAlreadyRunning    = "Already looking for listings for you 💪"
	msgContinue          = "Will continue to look for listings ▶"
	msgAlreadyPaused     = "Already paused"
	msgPause             = "Will pause for now ⏸"
	msgUnexpectedMessage = "Don't know what you mean. Try /start for help."
)

const helpTemplate = `
Welcome %s!

I am the flatfinder bot. I will send you notifications about new listings on <a href="https://www.immobilienscout24.de/">immoscout24</a>.

First authentication by sending the /auth <code>PASSWORD</code> command.
Then try to setup a search with /search <code>URL</code>.

Commands
/start - Shows this help.
/auth <code>PASSWORD</code> - Authenticate for bot usage
/search <code>URL</code> - Set a new immoscout search url. Overwrites any existing search.
/pause - Pauses an existing search. No more messages will be sent.
/continue - Continues an existing search. More messages will come.
`

// Commands returns the command menu shown by chat clients.
func Commands() []telegram.BotCommand {
	return []telegram.BotCommand{
		{Command: "start", Description: "Show help"},
		{Command: "auth", Description: "Authenticate for bot usage. Use like this: /auth PASSWORD"},
		{Command: "search", Description: "Set a new immoscout search url. Overwrites any existing search. Use like this: /search URL"},
		{Command: "pause", Description: "Pauses an existing search. No more messages will be sent."},
		{Command: "continue", Description: "Continues an existing search. More messages will come."},
	}
}

// Store interface for subscriber state.
type Store interface {
	Subscriber(ctx context.Context, chatID int64) (*flatfinder.Subscriber, error)
	CreateSubscriber(ctx context.Context, sub *flatfinder.Subscriber) error
	SetQuery(ctx context.Context, chatID int64, query string) error
	SetActive(ctx context.Context, chatID int64, active bool) error
}

// Replier sends an HTML reply to a chat.
type Replier interface {
	Reply(ctx context.Context, chatID int64, html string) error
}

// Trigger starts an immediate crawl for a subscriber without waiting for it.
type Trigger interface {
	Trigger(chatID int64)
}

// Config holds handler dependencies.
type Config struct {
	Store        Store
	Replier      Replier
	Trigger      Trigger
	ValidateURL  func(string) error
	Logger       *slog.Logger
	Password     string // Plain password, used when PasswordHash is empty
	PasswordHash string // bcrypt hash
	Interval     time.Duration
}

// Handlers implements the bot commands.
type Handlers struct {
	cfg Config
}

// NewHandlers creates the command handlers.
func NewHandlers(cfg Config) *Handlers {
	return &Handlers{cfg: cfg}
}

// Register binds every command to r.
func (h *Handlers) Register(r *Router) {
	r.On(EventStart, h.start)
	r.OnCommand("/auth", h.auth)
	r.OnCommand("/search", h.search)
	r.OnCommand("/continue", h.resume)
	r.OnCommand("/pause", h.pause)
	r.On(EventMessage, h.unexpected)
}

func (h *Handlers) reply(ctx context.Context, chatID int64, msg string) error {
	if err := h.cfg.Replier.Reply(ctx, chatID, msg); err != nil {
		return fmt.Errorf("reply to %d: %w", chatID, err)
	}
	return nil
}

// subscriber returns the stored subscriber, or nil if the chat never authenticated.
func (h *Handlers) subscriber(ctx context.Context, chatID int64) (*flatfinder.Subscriber, error) {
	sub, err := h.cfg.Store.Subscriber(ctx, chatID)
	if errors.Is(err, flatfinder.ErrSubscriberNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load subscriber %d: %w", chatID, err)
	}
	return sub, nil
}

func (h *Handlers) start(ctx context.Context, c *Context) error {
	return h.reply(ctx, c.ChatID, fmt.Sprintf(helpTemplate, html.EscapeString(c.FirstName)))
}

func (h *Handlers) auth(ctx context.Context, c *Context) error {
	sub, err := h.subscriber(ctx, c.ChatID)
	if err != nil {
		return err
	}
	if sub != nil {
		return h.reply(ctx, c.ChatID, msgAlreadyAuth)
	}
	if c.CommandArgument == nil || !h.checkPassword(*c.CommandArgument) {
		h.cfg.Logger.Info("Authentication failed", "chat_id", c.ChatID)
		return h.reply(ctx, c.ChatID, msgWrongPassword)
	}

	newSub, err := flatfinder.NewSubscriber(c.ChatID, c.FirstName)
	if err != nil {
		return fmt.Errorf("new subscriber: %w", err)
	}
	if err := h.cfg.Store.CreateSubscriber(ctx, newSub); err != nil {
		return fmt.Errorf("create subscriber: %w", err)
	}
	h.cfg.Logger.Info("Chat authenticated", "chat_id", c.ChatID)
	return h.reply(ctx, c.ChatID, msgAuthenticated)
}

func (h *Handlers) checkPassword(given string) bool {
	if h.cfg.PasswordHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(h.cfg.PasswordHash), []byte(given)) == nil
	}
	if h.cfg.Password == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(h.cfg.Password), []byte(given)) == 1
}

func (h *Handlers) search(ctx context.Context, c *Context) error {
	sub, err := h.subscriber(ctx, c.ChatID)
	if err != nil {
		return err
	}
	if sub == nil {
		return h.reply(ctx, c.ChatID, msgNotAuthenticated)
	}
	var query string
	if c.CommandArgument != nil {
		query = strings.TrimSpace(*c.CommandArgument)
	}
	if query == "" || h.cfg.ValidateURL(query) != nil {
		return h.reply(ctx, c.ChatID, msgInvalidSearchURL)
	}

	// The stored query is exactly the validated one; the crawler requests it verbatim.
	if err := h.cfg.Store.SetQuery(ctx, c.ChatID, query); err != nil {
		return fmt.Errorf("set query: %w", err)
	}
	h.cfg.Logger.Info("Search query set", "chat_id", c.ChatID, "query", query)
	h.cfg.Trigger.Trigger(c.ChatID)

	msg := fmt.Sprintf("New search url is set. Will query the search every %s.", formatInterval(h.cfg.Interval))
	return h.reply(ctx, c.ChatID, msg)
}

func (h *Handlers) resume(ctx context.Context, c *Context) error {
	sub, err := h.subscriber(ctx, c.ChatID)
	if err != nil {
		return err
	}
	if sub == nil {
		return h.reply(ctx, c.ChatID, msgNotAuthenticated)
	}
	if sub.Active {
		return h.reply(ctx, c.ChatID, msgAlreadyRunning)
	}

	if err := h.cfg.Store.SetActive(ctx, c.ChatID, true); err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	h.cfg.Logger.Info("Subscriber resumed", "chat_id", c.ChatID)
	h.cfg.Trigger.Trigger(c.ChatID)
	return h.reply(ctx, c.ChatID, msgContinue)
}

func (h *Handlers) pause(ctx context.Context, c *Context) error {
	sub, err := h.subscriber(ctx, c.ChatID)
	if err != nil {
		return err
	}
	if sub == nil {
		return h.reply(ctx, c.ChatID, msgNotAuthenticated)
	}
	if !sub.Active {
		return h.reply(ctx, c.ChatID, msgAlreadyPaused)
	}

	if err := h.cfg.Store.SetActive(ctx, c.ChatID, false); err != nil {
		return fmt.Errorf("pause: %w", err)
	}
	h.cfg.Logger.Info("Subscriber paused", "chat_id", c.ChatID)
	return h.reply(ctx, c.ChatID, msgPause)
}

func (h *Handlers) unexpected(ctx context.Context, c *Context) error {
	return h.reply(ctx, c.ChatID, msgUnexpectedMessage)
}

// formatInterval renders 15m as "15min" and 2h as "2h".
func formatInterval(d time.Duration) string {
	switch {
	case d <= 0:
		return "few minutes"
	case d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("%dmin", d/time.Minute)
	default:
		return d.String()
	}
}
