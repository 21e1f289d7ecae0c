// Package delivery drives one (subscription, event) pair through a bounded,
// signed, rate-limited HTTP retry sequence.
package delivery

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/chainhook/chainevent"
	"github.com/xraph/chainhook/id"
)

var (
	// ErrAborted means the sequence stopped because its context ended
	// (shutdown or sequence timeout). The pair has no terminal outcome and
	// must be retried later.
	ErrAborted = errors.New("delivery: aborted")

	// ErrPermanent means the subscription cannot be delivered to as
	// configured (inactive, deleted, or a malformed URL). Nothing was sent.
	ErrPermanent = errors.New("delivery: permanent configuration error")

	// ErrLedgerUnavailable means the idempotency lookup failed, so it is
	// unknown whether the pair was already delivered.
	ErrLedgerUnavailable = errors.New("delivery: ledger unavailable")

	// ErrNotReplayable is returned when replaying a log that is not a
	// terminal failure.
	ErrNotReplayable = errors.New("delivery: log is not a terminal failure")
)

// Payload is the JSON body posted to receivers. The signature travels in
// the X-Webhook-Signature header and covers the encoded body verbatim.
type Payload struct {
	Event     chainevent.Type `json:"event"`
	Timestamp string          `json:"timestamp"`
	Data      map[string]any  `json:"data"`
}

// EncodePayload renders evt as a body stamped with at. Struct fields encode
// in declaration order and map keys in sorted order, so equal inputs always
// produce identical bytes.
func EncodePayload(evt *chainevent.Event, at time.Time) ([]byte, error) {
	body, err := json.Marshal(Payload{
		Event:     evt.Type,
		Timestamp: at.UTC().Format(time.RFC3339),
		Data:      evt.Data(),
	})
	if err != nil {
		return nil, fmt.Errorf("delivery: encode payload: %w", err)
	}
	return body, nil
}

// Attempt is the transient unit of work tracked while a sequence runs.
type Attempt struct {
	SubscriptionID id.ID
	Key            chainevent.Key
	Number         int
	ScheduledAt    time.Time
	State          State
}
