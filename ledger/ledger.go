package ledger

import (
	"context"
	"log/slog"

	"github.com/xraph/chainhook/chainevent"
	"github.com/xraph/chainhook/id"
)

// DefaultCursorName names the cursor when a pipeline does not pick one.
const DefaultCursorName = "default"

// Ledger fronts the delivery log and cursor stores.
type Ledger struct {
	logs    Store
	cursors CursorStore
	name    string
	logger  *slog.Logger
}

// New returns a Ledger writing the cursor under name.
func New(logs Store, cursors CursorStore, name string, logger *slog.Logger) *Ledger {
	if name == "" {
		name = DefaultCursorName
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{logs: logs, cursors: cursors, name: name, logger: logger}
}

// Record upserts log. A failed write is logged and reported as false;
// it never interrupts the delivery that produced it.
func (l *Ledger) Record(ctx context.Context, log *DeliveryLog) bool {
	if err := l.logs.UpsertDeliveryLog(ctx, log); err != nil {
		l.logger.ErrorContext(ctx, "record delivery log failed",
			"subscription_id", log.SubscriptionID,
			"event_key", log.EventKey,
			"attempts", log.Attempts,
			"error", err,
		)
		return false
	}
	return true
}

// Lookup returns the existing row for (subID, key) or nil.
func (l *Ledger) Lookup(ctx context.Context, subID id.ID, key chainevent.Key) (*DeliveryLog, error) {
	return l.logs.FindDeliveryLog(ctx, subID, key.String())
}

// Get returns a subscription's logs, most recent first.
func (l *Ledger) Get(ctx context.Context, subID id.ID, opts ListOpts) ([]*DeliveryLog, error) {
	return l.logs.ListDeliveryLogs(ctx, subID, opts)
}

// Entry returns a single log by ID.
func (l *Ledger) Entry(ctx context.Context, logID id.ID) (*DeliveryLog, error) {
	return l.logs.GetDeliveryLog(ctx, logID)
}

// Cursor returns the committed cursor, if any.
func (l *Ledger) Cursor(ctx context.Context) (chainevent.Cursor, bool, error) {
	return l.cursors.GetCursor(ctx, l.name)
}

// Commit advances the committed cursor to c.
func (l *Ledger) Commit(ctx context.Context, c chainevent.Cursor) error {
	if err := l.cursors.CommitCursor(ctx, l.name, c); err != nil {
		return err
	}
	l.logger.DebugContext(ctx, "cursor committed", "cursor", c.String())
	return nil
}
