// Package notify formats and delivers chat notifications through a pluggable provider.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"flatfinder/pkg/flatfinder"
)

// Provider delivers an HTML-formatted message to a chat.
type Provider interface {
	Send(ctx context.Context, chatID int64, html string) error
}

// Sender sends listing notifications, command replies and operator alerts.
type Sender struct {
	provider       Provider
	logger         *slog.Logger
	operatorChatID int64 // Zero disables alerts
}

// New creates a new sender with the given provider.
func New(provider Provider, logger *slog.Logger, operatorChatID int64) *Sender {
	return &Sender{
		provider:       provider,
		logger:         logger,
		operatorChatID: operatorChatID,
	}
}

// SendListing notifies a subscriber about one new listing.
func (s *Sender) SendListing(ctx context.Context, sub *flatfinder.Subscriber, l *flatfinder.Listing) error {
	s.logger.Info("Sending listing notification",
		"chat_id", sub.ChatID,
		"listing_id", l.ID,
		"title", l.Title)

	if err := s.provider.Send(ctx, sub.ChatID, FormatListing(l)); err != nil {
		return fmt.Errorf("send listing %s: %w", l.ID, err)
	}
	return nil
}

// Reply answers a command in the chat it came from.
func (s *Sender) Reply(ctx context.Context, chatID int64, html string) error {
	return s.provider.Send(ctx, chatID, html)
}

// SendAlert tells the operator about a failure. It is a no-op without an operator chat.
func (s *Sender) SendAlert(ctx context.Context, text string) error {
	if s.operatorChatID == 0 {
		return nil
	}
	s.logger.Info("Sending operator alert", "operator_chat_id", s.operatorChatID)
	return s.provider.Send(ctx, s.operatorChatID, FormatAlert(text))
}
