// Package source turns the chain's contract event stream into batches of
// canonical events.
//
// A Source is a pure function of the cursor it is given: polling the same
// cursor twice yields the same events, which is what makes re-polling after
// a crash safe. Committing the cursor is left to the caller.
package source

import (
	"context"
	"errors"
	"iter"

	"github.com/xraph/chainhook/chainevent"
)

// ErrTransient marks a poll failure that is worth retrying: network
// errors, timeouts and upstream 5xx or 429 responses.
var ErrTransient = errors.New("source: transient failure")

// Source polls for events strictly after a cursor.
type Source interface {
	Poll(ctx context.Context, since chainevent.Cursor) (*Batch, error)
}

// Batch is the result of one poll.
type Batch struct {
	// Events holds the usable events in stream order.
	Events []*chainevent.Event

	// Next is the position of the last raw event examined, malformed and
	// ignored ones included. It equals the polled cursor when nothing new
	// was seen.
	Next chainevent.Cursor

	Seen      int
	Malformed int
	Ignored   int
}

// All yields the batch's events in stream order.
func (b *Batch) All() iter.Seq[*chainevent.Event] {
	return func(yield func(*chainevent.Event) bool) {
		for _, evt := range b.Events {
			if !yield(evt) {
				return
			}
		}
	}
}

// Len is the number of usable events.
func (b *Batch) Len() int { return len(b.Events) }

// Empty reports whether the poll saw no new raw events at all.
func (b *Batch) Empty() bool { return b.Seen == 0 }
