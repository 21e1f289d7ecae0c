// Package store defines the composite Store interface for all chainhook
// persistence.
//
// Each subsystem defines its own store interface and the aggregate Store
// composes them, so one backend serves subscriptions, the delivery ledger,
// the stream cursor and the rate-limit counters.
package store

import (
	"context"

	"github.com/xraph/chainhook/ledger"
	"github.com/xraph/chainhook/ratelimit"
	"github.com/xraph/chainhook/subscription"
)

// Store is the aggregate persistence interface.
type Store interface {
	subscription.Store
	ledger.Store
	ledger.CursorStore
	ratelimit.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
