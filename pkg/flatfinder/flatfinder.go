// Package flatfinder contains the core domain types for the flat notification service.
package flatfinder

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// NoUpdateID is returned as the highest processed update id when none has been
// recorded yet. It sits one below the lowest id the chat transport hands out.
const NoUpdateID int64 = -1

var (
	// ErrSubscriberNotFound is returned by stores when no subscriber exists for a chat.
	ErrSubscriberNotFound = errors.New("subscriber not found")

	validate = validator.New()
)

// SourceType identifies the site a listing was crawled from.
type SourceType string

// SourceImmoscout is immobilienscout24.de, the only supported source.
const SourceImmoscout SourceType = "IMMOSCOUT"

// Subscriber is a private chat registered to receive listing notifications.
type Subscriber struct {
	CreatedAt time.Time `json:"created_at"`
	Query     *string   `json:"query"`                           // Search URL, nil until /search
	FirstName string    `json:"first_name" validate:"required"` // Display name of the chat owner
	ChatID    int64     `json:"chat_id" validate:"required"`
	Active    bool      `json:"active"` // Whether notifications are delivered
}

// NewSubscriber creates a paused subscriber without a query.
func NewSubscriber(chatID int64, firstName string) (*Subscriber, error) {
	sub := &Subscriber{
		ChatID:    chatID,
		FirstName: firstName,
		CreatedAt: time.Now().UTC(),
	}
	if err := validate.Struct(sub); err != nil {
		return nil, toValidationError(strconv.FormatInt(chatID, 10), err)
	}
	return sub, nil
}

// HasQuery reports whether a search URL is configured.
func (s *Subscriber) HasQuery() bool {
	return s.Query != nil && *s.Query != ""
}

// Listing is one real-estate result, keyed by (ChatID, ID).
type Listing struct {
	Raw    json.RawMessage `json:"raw" validate:"required,min=1"` // Full crawled payload, kept for reference
	ID     string          `json:"id" validate:"required"`
	Source SourceType      `json:"source" validate:"oneof=IMMOSCOUT"`
	Title  string          `json:"title" validate:"required"`
	URL    string          `json:"url" validate:"required,url"`
	Size   float64         `json:"size" validate:"gte=0"` // Living space in m²
	ChatID int64           `json:"chat_id" validate:"required"`
	Rooms  int             `json:"rooms" validate:"gte=0"`
	Price  int             `json:"price" validate:"gte=0"` // Monthly rent in currency units
}

// ListingDetails carries the loosely typed fields a crawler extracted.
// Size, Rooms and Price may be JSON numbers or numeric strings.
type ListingDetails struct {
	Size   any
	Rooms  any
	Price  any
	ID     string
	Source SourceType
	Title  string
	URL    string
}

// NewListing parses and validates crawled details into a Listing.
// Rooms and price are truncated to integers.
func NewListing(chatID int64, d ListingDetails, raw json.RawMessage) (*Listing, error) {
	if d.ID == "" {
		return nil, &ValidationError{Field: "ID", Reason: "required"}
	}

	size, err := parseNumber(d.ID, "Size", d.Size)
	if err != nil {
		return nil, err
	}
	rooms, err := parseNumber(d.ID, "Rooms", d.Rooms)
	if err != nil {
		return nil, err
	}
	price, err := parseNumber(d.ID, "Price", d.Price)
	if err != nil {
		return nil, err
	}

	l := &Listing{
		ChatID: chatID,
		ID:     d.ID,
		Source: d.Source,
		Size:   size,
		Rooms:  int(math.Trunc(rooms)),
		Price:  int(math.Trunc(price)),
		Title:  strings.TrimSpace(d.Title),
		URL:    d.URL,
		Raw:    raw,
	}
	if err := validate.Struct(l); err != nil {
		return nil, toValidationError(d.ID, err)
	}
	return l, nil
}

// ValidationError reports a field that failed parsing or validation.
type ValidationError struct {
	ID     string
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s for %s: %s", e.Field, e.ID, e.Reason)
}

// IsValidationError reports whether err wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func toValidationError(id string, err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return err
	}
	fe := ve[0]
	return &ValidationError{ID: id, Field: fe.Field(), Reason: fmt.Sprintf("failed %q", fe.Tag())}
}

func parseNumber(id, field string, v any) (float64, error) {
	var (
		f   float64
		err error
	)
	switch n := v.(type) {
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		f, err = n.Float64()
	case string:
		f, err = strconv.ParseFloat(strings.TrimSpace(n), 64)
	case nil:
		return 0, &ValidationError{ID: id, Field: field, Reason: "required"}
	default:
		return 0, &ValidationError{ID: id, Field: field, Reason: fmt.Sprintf("unsupported type %T", v)}
	}
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &ValidationError{ID: id, Field: field, Reason: fmt.Sprintf("cannot parse %v as number", v)}
	}
	return f, nil
}
