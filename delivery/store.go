package delivery

import (
	"context"
	"time"

	"github.com/xraph/chainhook/chainevent"
	"github.com/xraph/chainhook/id"
	"github.com/xraph/chainhook/ledger"
	"github.com/xraph/chainhook/ratelimit"
)

// Ledger is what the engine needs from the delivery ledger.
type Ledger interface {
	// Lookup returns the existing row for the pair, or nil.
	Lookup(ctx context.Context, subID id.ID, key chainevent.Key) (*ledger.DeliveryLog, error)
	// Record upserts a row and reports whether it was persisted.
	Record(ctx context.Context, log *ledger.DeliveryLog) bool
}

// Limiter takes one unit of a subscription's delivery budget.
type Limiter interface {
	Take(ctx context.Context, subID id.ID, limit int, now time.Time) (ratelimit.Decision, error)
}

// Toucher stamps a subscription after a successful delivery.
type Toucher interface {
	MarkTriggered(ctx context.Context, subID id.ID, at time.Time)
}
