package bunstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/xraph/chainhook"
	"github.com/xraph/chainhook/chainevent"
	"github.com/xraph/chainhook/id"
	"github.com/xraph/chainhook/ledger"
	"github.com/xraph/chainhook/ratelimit"
	chainhookstore "github.com/xraph/chainhook/store"
	"github.com/xraph/chainhook/subscription"
)

// compile-time interface check
var _ chainhookstore.Store = (*Store)(nil)

// Store implements store.Store using the Bun ORM on PostgreSQL.
type Store struct {
	db *bun.DB
}

// New creates a new Bun-backed store.
func New(db *bun.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying Bun database for direct access.
func (s *Store) DB() *bun.DB { return s.db }

// Migrate creates the required tables using Bun's CreateTable.
func (s *Store) Migrate(ctx context.Context) error {
	models := []any{
		(*subscriptionModel)(nil),
		(*deliveryLogModel)(nil),
		(*cursorModel)(nil),
		(*rateLimitModel)(nil),
	}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().
			Model(model).
			IfNotExists().
			Exec(ctx); err != nil {
			return fmt.Errorf("%w: chainhook/bun: %w", chainhook.ErrMigrationFailed, err)
		}
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_chainhook_subscriptions_active ON chainhook_subscriptions (active) WHERE deleted_at IS NULL",
		"CREATE INDEX IF NOT EXISTS idx_chainhook_subscriptions_created_by ON chainhook_subscriptions (created_by)",
		"CREATE INDEX IF NOT EXISTS idx_chainhook_delivery_logs_recent ON chainhook_delivery_logs (subscription_id, last_attempt_at DESC)",
	}
	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("%w: chainhook/bun: %w", chainhook.ErrMigrationFailed, err)
		}
	}

	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	_, err := s.db.NewInsert().Model(toSubscriptionModel(sub)).Exec(ctx)
	return err
}

func (s *Store) GetSubscription(ctx context.Context, subID id.ID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.db.NewSelect().
		Model(m).
		Where("id = ?", subID.String()).
		Where("deleted_at IS NULL").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, chainhook.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	res, err := s.db.NewUpdate().
		Model(toSubscriptionModel(sub)).
		WherePK().
		Where("deleted_at IS NULL").
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireRow(res, chainhook.ErrSubscriptionNotFound)
}

func (s *Store) ListSubscriptions(ctx context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	var models []subscriptionModel
	q := s.db.NewSelect().
		Model(&models).
		Where("deleted_at IS NULL").
		OrderExpr("created_at ASC")
	if opts.CreatedBy != "" {
		q = q.Where("created_by = ?", opts.CreatedBy)
	}
	if opts.Active != nil {
		q = q.Where("active = ?", *opts.Active)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*subscription.Subscription, len(models))
	for i := range models {
		sub, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = sub
	}
	return result, nil
}

func (s *Store) ListActiveSubscriptions(ctx context.Context) ([]*subscription.Subscription, error) {
	active := true
	return s.ListSubscriptions(ctx, subscription.ListOpts{Active: &active})
}

func (s *Store) SetActive(ctx context.Context, subID id.ID, active bool) error {
	res, err := s.db.NewUpdate().
		Model((*subscriptionModel)(nil)).
		Set("active = ?", active).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", subID.String()).
		Where("deleted_at IS NULL").
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireRow(res, chainhook.ErrSubscriptionNotFound)
}

func (s *Store) TouchTriggered(ctx context.Context, subID id.ID, at time.Time) error {
	res, err := s.db.NewUpdate().
		Model((*subscriptionModel)(nil)).
		Set("last_triggered_at = ?", at.UTC()).
		Where("id = ?", subID.String()).
		Where("deleted_at IS NULL").
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireRow(res, chainhook.ErrSubscriptionNotFound)
}

// ==================== Ledger Store ====================

func (s *Store) UpsertDeliveryLog(ctx context.Context, l *ledger.DeliveryLog) error {
	_, err := s.db.NewInsert().
		Model(toDeliveryLogModel(l)).
		On("CONFLICT (subscription_id, event_key) DO UPDATE").
		Set("event_type = EXCLUDED.event_type").
		Set("payload = EXCLUDED.payload").
		Set("status_code = EXCLUDED.status_code").
		Set("success = EXCLUDED.success").
		Set("terminal = EXCLUDED.terminal").
		Set("attempts = EXCLUDED.attempts").
		Set("last_attempt_at = EXCLUDED.last_attempt_at").
		Set("error_message = EXCLUDED.error_message").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}

func (s *Store) FindDeliveryLog(ctx context.Context, subID id.ID, eventKey string) (*ledger.DeliveryLog, error) {
	m := new(deliveryLogModel)
	err := s.db.NewSelect().
		Model(m).
		Where("subscription_id = ?", subID.String()).
		Where("event_key = ?", eventKey).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil //nolint:nilnil // absence is not an error here
		}
		return nil, err
	}
	return fromDeliveryLogModel(m)
}

func (s *Store) GetDeliveryLog(ctx context.Context, logID id.ID) (*ledger.DeliveryLog, error) {
	m := new(deliveryLogModel)
	err := s.db.NewSelect().
		Model(m).
		Where("id = ?", logID.String()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, chainhook.ErrDeliveryLogNotFound
		}
		return nil, err
	}
	return fromDeliveryLogModel(m)
}

func (s *Store) ListDeliveryLogs(ctx context.Context, subID id.ID, opts ledger.ListOpts) ([]*ledger.DeliveryLog, error) {
	var models []deliveryLogModel
	q := s.db.NewSelect().
		Model(&models).
		Where("subscription_id = ?", subID.String()).
		OrderExpr("last_attempt_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}

	result := make([]*ledger.DeliveryLog, len(models))
	for i := range models {
		l, err := fromDeliveryLogModel(&models[i])
		if err != nil {
			return nil, err
		}
		result[i] = l
	}
	return result, nil
}

// ==================== Cursor Store ====================

func (s *Store) GetCursor(ctx context.Context, name string) (chainevent.Cursor, bool, error) {
	m := new(cursorModel)
	err := s.db.NewSelect().
		Model(m).
		Where("name = ?", name).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return chainevent.Cursor{}, false, nil
		}
		return chainevent.Cursor{}, false, err
	}
	return chainevent.Cursor{Ledger: m.Ledger, EventIndex: m.EventIndex}, true, nil
}

func (s *Store) CommitCursor(ctx context.Context, name string, c chainevent.Cursor) error {
	var models []cursorModel
	err := s.db.NewRaw(`
		INSERT INTO chainhook_cursors (name, ledger, event_index, updated_at)
		VALUES (?, ?, ?, NOW())
		ON CONFLICT (name) DO UPDATE
		SET ledger = EXCLUDED.ledger,
		    event_index = EXCLUDED.event_index,
		    updated_at = EXCLUDED.updated_at
		WHERE (chainhook_cursors.ledger, chainhook_cursors.event_index) <= (EXCLUDED.ledger, EXCLUDED.event_index)
		RETURNING *
	`, name, c.Ledger, c.EventIndex).Scan(ctx, &models)
	if err != nil {
		return err
	}
	if len(models) == 0 {
		return fmt.Errorf("%w: %s", chainhook.ErrCursorRegression, c)
	}
	return nil
}

// ==================== Rate Limit Store ====================

func (s *Store) TakeRateLimit(ctx context.Context, subID id.ID, limit int, window time.Duration, now time.Time) (ratelimit.Counter, error) {
	now = now.UTC()
	secs := window.Seconds()

	var models []rateLimitModel
	err := s.db.NewRaw(`
		INSERT INTO chainhook_rate_limits (subscription_id, request_count, window_start)
		VALUES (?, 1, ?::timestamptz)
		ON CONFLICT (subscription_id) DO UPDATE
		SET request_count = CASE
		        WHEN EXCLUDED.window_start - chainhook_rate_limits.window_start >= make_interval(secs => ?::double precision) THEN 1
		        ELSE LEAST(chainhook_rate_limits.request_count + 1, ?::int + 1)
		    END,
		    window_start = CASE
		        WHEN EXCLUDED.window_start - chainhook_rate_limits.window_start >= make_interval(secs => ?::double precision) THEN EXCLUDED.window_start
		        ELSE chainhook_rate_limits.window_start
		    END
		RETURNING *
	`, subID.String(), now, secs, limit, secs).Scan(ctx, &models)
	if err != nil {
		return ratelimit.Counter{}, err
	}
	if len(models) == 0 {
		return ratelimit.Counter{}, fmt.Errorf("chainhook/bun: rate limit upsert returned no row for %s", subID)
	}
	return models[0].counter(subID), nil
}

func requireRow(res sql.Result, notFound error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
