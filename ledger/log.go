// Package ledger records delivery outcomes and the stream cursor.
//
// A DeliveryLog is one logical row per (subscription, event key). Attempts
// within a retry sequence update that row in place; the row becomes
// Terminal once the sequence succeeds or exhausts its attempts.
package ledger

import (
	"encoding/json"
	"time"

	"github.com/xraph/chainhook/chainevent"
	"github.com/xraph/chainhook/id"
	"github.com/xraph/chainhook/internal/entity"
)

// DeliveryLog is the persisted outcome of delivering one event to one subscription.
type DeliveryLog struct {
	entity.Entity

	ID             id.ID           `json:"id"`
	SubscriptionID id.ID           `json:"subscription_id"`
	EventKey       string          `json:"event_key"`
	EventType      chainevent.Type `json:"event"`

	// Payload is the exact request body that was signed and sent.
	Payload json.RawMessage `json:"payload"`

	// StatusCode is the HTTP status of the last attempt, 0 when none was received.
	StatusCode int `json:"status_code,omitempty"`

	Success bool `json:"success"`

	// Terminal is set once no further automatic attempts will be made.
	Terminal bool `json:"terminal"`

	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}

// Failed reports whether the log is a terminal failure.
func (l *DeliveryLog) Failed() bool { return l.Terminal && !l.Success }

// ListOpts pages delivery log listings.
type ListOpts struct {
	Offset int
	Limit  int
}
