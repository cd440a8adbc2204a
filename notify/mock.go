package notify

import (
	"context"
	"log/slog"
)

// MockProvider logs messages instead of sending them. Used for dry runs.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a new mock provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the message instead of sending it.
func (m *MockProvider) Send(ctx context.Context, chatID int64, html string) error {
	m.logger.Info("MOCK MESSAGE",
		"chat_id", chatID,
		"body_length", len(html),
		"body", html)
	return nil
}
