package ledger

import (
	"context"

	"github.com/xraph/chainhook/chainevent"
	"github.com/xraph/chainhook/id"
)

// Store persists delivery logs.
type Store interface {
	// UpsertDeliveryLog inserts the log or, when a row with the same
	// subscription and event key exists, overwrites its outcome fields
	// while keeping the existing ID and CreatedAt.
	UpsertDeliveryLog(ctx context.Context, log *DeliveryLog) error

	// FindDeliveryLog returns the row for (subID, eventKey), or nil and no
	// error when there is none.
	FindDeliveryLog(ctx context.Context, subID id.ID, eventKey string) (*DeliveryLog, error)

	GetDeliveryLog(ctx context.Context, logID id.ID) (*DeliveryLog, error)

	// ListDeliveryLogs returns a subscription's logs, most recent attempt first.
	ListDeliveryLogs(ctx context.Context, subID id.ID, opts ListOpts) ([]*DeliveryLog, error)
}

// CursorStore persists named stream cursors.
type CursorStore interface {
	// GetCursor returns the committed cursor and whether one exists.
	GetCursor(ctx context.Context, name string) (chainevent.Cursor, bool, error)

	// CommitCursor stores c unless it sorts before the committed cursor,
	// in which case the store is left unchanged and an error is returned.
	CommitCursor(ctx context.Context, name string, c chainevent.Cursor) error
}
