package chainhook

import (
	"errors"

	"github.com/xraph/chainhook/subscription"
)

// Sentinel errors returned by Hook operations and store backends.
var (
	// ErrNoStore is returned when a Hook is created without a store.
	ErrNoStore = errors.New("chainhook: store is required")

	// ErrNoSource is returned when a Hook is created without an event source.
	ErrNoSource = errors.New("chainhook: event source is required")

	// ErrInvalidConfig is returned when options contradict each other.
	ErrInvalidConfig = errors.New("chainhook: invalid configuration")

	// ErrSubscriptionNotFound is returned when a subscription does not
	// exist or has been deleted.
	ErrSubscriptionNotFound = errors.New("chainhook: subscription not found")

	// ErrDeliveryLogNotFound is returned when a delivery log cannot be found.
	ErrDeliveryLogNotFound = errors.New("chainhook: delivery log not found")

	// ErrNotTerminal is returned when replaying a delivery whose retry
	// sequence has not finished.
	ErrNotTerminal = errors.New("chainhook: delivery is not terminal")

	// ErrAlreadyDelivered is returned when replaying a successful delivery.
	ErrAlreadyDelivered = errors.New("chainhook: delivery already succeeded")

	// ErrStoreClosed is returned when a store operation is attempted after the store is closed.
	ErrStoreClosed = errors.New("chainhook: store is closed")

	// ErrMigrationFailed is returned when a database migration fails.
	ErrMigrationFailed = errors.New("chainhook: migration failed")

	// ErrCursorRegression is returned when committing a cursor that sorts
	// before the one already stored.
	ErrCursorRegression = errors.New("chainhook: cursor regression")

	// ErrStoreUnavailable wraps failures reading or writing the cursor or
	// the idempotency ledger. Run stops when it sees one.
	ErrStoreUnavailable = errors.New("chainhook: store unavailable")

	// ErrForbidden is returned when a caller may not modify a subscription.
	ErrForbidden = subscription.ErrForbidden
)
