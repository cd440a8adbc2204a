// Package telegram is a minimal client for the Telegram Bot API.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL  = "https://api.telegram.org"
	defaultSendRate = 20
)

// APIError is a response with ok=false or a non-2xx status.
type APIError struct {
	Method      string
	Description string
	StatusCode  int
	RetryAfter  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: HTTP %d: %s", e.Method, e.StatusCode, e.Description)
}

// IsAPIError checks if an error is a Bot API error.
func IsAPIError(err error) bool {
	var ae *APIError
	return errors.As(err, &ae)
}

// Client calls Bot API methods for one bot token.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
	token      string
	baseURL    string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API host.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithSendRate limits outbound sendMessage calls per second.
func WithSendRate(perSecond float64) Option {
	return func(c *Client) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// New creates a client. httpClient must allow requests longer than the long-poll timeout.
func New(token string, httpClient *http.Client, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient: httpClient,
		limiter:    rate.NewLimiter(defaultSendRate, 1),
		logger:     logger,
		token:      token,
		baseURL:    defaultBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiResponse struct {
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
	OK bool `json:"ok"`
}

// call posts params as JSON to a Bot API method and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/bot"+c.token+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		// The URL carries the token; report only the method.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram %s: %w", method, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("telegram %s: read body: %w", method, err)
	}

	c.logger.Debug("Telegram API call completed",
		"method", method,
		"status_code", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	var ar apiResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return &APIError{Method: method, StatusCode: resp.StatusCode, Description: "invalid response body"}
	}
	if !ar.OK || resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Method: method, StatusCode: resp.StatusCode, Description: ar.Description}
		if ar.Parameters != nil {
			apiErr.RetryAfter = ar.Parameters.RetryAfter
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(ar.Result, out); err != nil {
		return fmt.Errorf("telegram %s: decode result: %w", method, err)
	}
	return nil
}

// SendMessage delivers text to a chat, retrying transient failures.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts SendOptions) error {
	params := struct {
		SendOptions
		Text   string `json:"text"`
		ChatID int64  `json:"chat_id"`
	}{SendOptions: opts, Text: text, ChatID: chatID}

	var lastErr error
	err := retry.Do(
		func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}
			err := c.call(ctx, "sendMessage", params, nil)
			lastErr = err
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 &&
				apiErr.StatusCode != http.StatusTooManyRequests {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(time.Second),
		retry.DelayType(sendDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying sendMessage after error", "attempt", n, "chat_id", chatID, "error", err)
		}),
	)
	if err != nil {
		if lastErr != nil {
			err = lastErr
		}
		return fmt.Errorf("send message to %d: %w", chatID, err)
	}
	return nil
}

var defaultDelay = retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)

// sendDelay waits as long as a 429 response asks for and backs off otherwise.
// retry.MaxDelay still caps the result.
func sendDelay(n uint, err error, cfg *retry.Config) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second
	}
	return defaultDelay(n, err, cfg)
}

// Send delivers an HTML message without link previews.
func (c *Client) Send(ctx context.Context, chatID int64, html string) error {
	return c.SendMessage(ctx, chatID, html, SendOptions{ParseMode: ParseModeHTML, DisableWebPagePreview: true})
}

// GetUpdates long-polls for updates starting at offset, waiting up to timeout.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	params := map[string]any{
		"offset":          offset,
		"timeout":         int(timeout.Seconds()),
		"allowed_updates": []string{"message"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", params, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SetMyCommands replaces the bot's command menu.
func (c *Client) SetMyCommands(ctx context.Context, commands []BotCommand) error {
	return c.call(ctx, "setMyCommands", map[string]any{"commands": commands}, nil)
}

// SetWebhook registers webhookURL for push delivery. Telegram echoes secret in the
// X-Telegram-Bot-Api-Secret-Token header of every push.
func (c *Client) SetWebhook(ctx context.Context, webhookURL, secret string) error {
	params := map[string]any{
		"url":             webhookURL,
		"secret_token":    secret,
		"allowed_updates": []string{"message"},
		"max_connections": 1,
	}
	return c.call(ctx, "setWebhook", params, nil)
}

// DeleteWebhook removes a registered webhook so getUpdates can be used.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", map[string]any{"drop_pending_updates": false}, nil)
}
