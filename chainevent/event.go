// Package chainevent defines the canonical on-chain token event and the
// positions used to walk the event stream.
package chainevent

import (
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
)

// ErrMalformed marks an upstream event that could not be normalized.
var ErrMalformed = errors.New("chainevent: malformed event")

// Event is one normalized contract event.
type Event struct {
	Type         Type           `json:"event_type"`
	TokenAddress string         `json:"token_address"`
	Fields       map[string]any `json:"fields"`
	TxHash       string         `json:"transaction_hash"`
	Ledger       int64          `json:"ledger"`
	EventIndex   int            `json:"event_index"`
	ObservedAt   time.Time      `json:"observed_at"`
}

// Key returns the idempotency key of the event.
func (e *Event) Key() Key {
	return Key{TxHash: e.TxHash, EventIndex: e.EventIndex}
}

// Position returns the stream position of the event.
func (e *Event) Position() Cursor {
	return Cursor{Ledger: e.Ledger, EventIndex: e.EventIndex}
}

// Data is the webhook "data" object: the normalized fields plus the token
// address, transaction hash and ledger sequence.
func (e *Event) Data() map[string]any {
	out := make(map[string]any, len(e.Fields)+3)
	maps.Copy(out, e.Fields)
	out["tokenAddress"] = e.TokenAddress
	out["transactionHash"] = e.TxHash
	out["ledger"] = e.Ledger
	return out
}

// Key identifies one on-chain event occurrence.
type Key struct {
	TxHash     string
	EventIndex int
}

// String renders the key as "txhash:index".
func (k Key) String() string {
	return k.TxHash + ":" + strconv.Itoa(k.EventIndex)
}

// ParseKey is the inverse of Key.String.
func ParseKey(s string) (Key, error) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 {
		return Key{}, fmt.Errorf("chainevent: bad key %q", s)
	}
	idx, err := strconv.Atoi(s[i+1:])
	if err != nil || idx < 0 {
		return Key{}, fmt.Errorf("chainevent: bad key index in %q", s)
	}
	return Key{TxHash: s[:i], EventIndex: idx}, nil
}

// Cursor is a position in the event stream. Events are ordered by ledger
// sequence, then by index within the ledger.
type Cursor struct {
	Ledger     int64 `json:"ledger"`
	EventIndex int   `json:"event_index"`
}

// Genesis returns the cursor that precedes every event in ledger start.
func Genesis(start int64) Cursor {
	return Cursor{Ledger: start, EventIndex: -1}
}

// Before reports whether c sorts strictly before o.
func (c Cursor) Before(o Cursor) bool {
	if c.Ledger != o.Ledger {
		return c.Ledger < o.Ledger
	}
	return c.EventIndex < o.EventIndex
}

func (c Cursor) String() string {
	return fmt.Sprintf("%d/%d", c.Ledger, c.EventIndex)
}
