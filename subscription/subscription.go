// Package subscription manages webhook subscriptions to token events.
package subscription

import (
	"errors"
	"net/url"
	"slices"
	"time"

	"github.com/xraph/chainhook/chainevent"
	"github.com/xraph/chainhook/id"
	"github.com/xraph/chainhook/internal/entity"
)

// ErrForbidden is returned when a caller other than the creator tries to
// delete a subscription.
var ErrForbidden = errors.New("subscription: caller is not the creator")

// Subscription is a receiver URL registered for a set of event types,
// optionally narrowed to a single token.
type Subscription struct {
	entity.Entity

	ID  id.ID  `json:"id"`
	URL string `json:"url"`

	// TokenAddress narrows matching to one token. Empty matches every token.
	TokenAddress string `json:"token_address,omitempty"`

	EventTypes []chainevent.Type `json:"event_types"`

	// Secret signs delivered bodies. It is never serialized.
	Secret string `json:"-"`

	Active bool `json:"active"`

	// RateLimit caps deliveries per rate-limit window. 0 uses the pipeline default.
	RateLimit int `json:"rate_limit,omitempty"`

	CreatedBy       string     `json:"created_by"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	DeletedAt       *time.Time `json:"-"`
}

// Subscribes reports whether t is among the subscription's event types.
func (s *Subscription) Subscribes(t chainevent.Type) bool {
	return slices.Contains(s.EventTypes, t)
}

// Deleted reports whether the subscription was removed by its creator.
func (s *Subscription) Deleted() bool { return s.DeletedAt != nil }

// ListOpts filters and pages subscription listings.
type ListOpts struct {
	CreatedBy string
	Active    *bool
	Offset    int
	Limit     int
}

// ValidationError describes a rejected field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "subscription validation: " + e.Field + ": " + e.Message
}

// ValidateURL accepts absolute http and https URLs with a host.
func ValidateURL(raw string) error {
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return &ValidationError{Field: "url", Message: "invalid URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "url", Message: "scheme must be http or https"}
	}
	if u.Host == "" {
		return &ValidationError{Field: "url", Message: "missing host"}
	}
	return nil
}

// ParseEventTypes validates a non-empty list of taxonomy names, dropping duplicates.
func ParseEventTypes(names []string) ([]chainevent.Type, error) {
	if len(names) == 0 {
		return nil, &ValidationError{Field: "event_types", Message: "at least one event type required"}
	}
	out := make([]chainevent.Type, 0, len(names))
	for _, n := range names {
		t, err := chainevent.ParseType(n)
		if err != nil {
			return nil, &ValidationError{Field: "event_types", Message: "unknown event type " + n}
		}
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out, nil
}
