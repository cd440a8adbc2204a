package ingest

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"flatfinder/telegram"
)

// SecretHeader carries the secret registered with setWebhook.
const SecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const maxUpdateBytes = 1 << 20

// WebhookRegistrar registers a push endpoint with the chat transport.
type WebhookRegistrar interface {
	SetWebhook(ctx context.Context, webhookURL, secret string) error
}

// Webhook receives pushed updates over HTTP and processes each one before responding.
type Webhook struct {
	logger *slog.Logger
	handle HandlerFunc
	secret string
	mu     sync.Mutex // held for the duration of one update
}

// NewWebhook creates a webhook that accepts requests carrying secret.
func NewWebhook(secret string, logger *slog.Logger) *Webhook {
	return &Webhook{
		logger: logger,
		secret: secret,
	}
}

// Register points the transport at publicURL.
func (w *Webhook) Register(ctx context.Context, api WebhookRegistrar, publicURL string) error {
	if err := api.SetWebhook(ctx, publicURL, w.secret); err != nil {
		return err
	}
	w.logger.Info("Webhook registered", "url", publicURL)
	return nil
}

// Receive serves pushed updates to handle until ctx is cancelled.
func (w *Webhook) Receive(ctx context.Context, handle HandlerFunc) error {
	w.mu.Lock()
	w.handle = handle
	w.mu.Unlock()
	w.logger.Info("Webhook receiver started")

	<-ctx.Done()

	w.mu.Lock()
	w.handle = nil
	w.mu.Unlock()
	w.logger.Info("Webhook receiver stopped")
	return nil
}

// ServeHTTP handles one pushed update. A non-2xx reply makes the transport redeliver it.
func (w *Webhook) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if subtle.ConstantTimeCompare([]byte(r.Header.Get(SecretHeader)), []byte(w.secret)) != 1 {
		w.logger.Warn("Webhook request with invalid secret", "remote_addr", r.RemoteAddr)
		http.Error(rw, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var u telegram.Update
	if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, maxUpdateBytes)).Decode(&u); err != nil {
		w.logger.Warn("Invalid webhook payload", "error", err)
		http.Error(rw, "Bad request", http.StatusBadRequest)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.handle == nil {
		http.Error(rw, "Not receiving updates", http.StatusServiceUnavailable)
		return
	}

	// Finish the update even if the transport hangs up.
	if err := w.handle(context.WithoutCancel(r.Context()), &u); err != nil {
		w.logger.Error("Failed to process pushed update", "update_id", u.UpdateID, "error", err)
		http.Error(rw, "Internal server error", http.StatusInternalServerError)
		return
	}

	rw.WriteHeader(http.StatusOK)
}
