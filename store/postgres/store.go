package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/pgdriver"
	"github.com/xraph/grove/migrate"

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

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return fmt.Errorf("chainhook/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	if _, err := orch.Migrate(ctx); err != nil {
		return fmt.Errorf("%w: chainhook/postgres: %w", chainhook.ErrMigrationFailed, err)
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Subscription Store ====================

func (s *Store) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	_, err := s.pg.NewInsert(m).Exec(ctx)
	return err
}

func (s *Store) GetSubscription(ctx context.Context, subID id.ID) (*subscription.Subscription, error) {
	m := new(subscriptionModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", subID.String()).
		Where("deleted_at IS NULL").
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, chainhook.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return fromSubscriptionModel(m)
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	m := toSubscriptionModel(sub)
	res, err := s.pg.NewUpdate(m).
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
	q := s.pg.NewSelect(&models).Where("deleted_at IS NULL")

	argIdx := 0
	if opts.CreatedBy != "" {
		argIdx++
		q = q.Where(fmt.Sprintf("created_by = $%d", argIdx), opts.CreatedBy)
	}
	if opts.Active != nil {
		argIdx++
		q = q.Where(fmt.Sprintf("active = $%d", argIdx), *opts.Active)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	q = q.OrderExpr("created_at ASC")

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
	res, err := s.pg.NewUpdate((*subscriptionModel)(nil)).
		Set("active = $1", active).
		Set("updated_at = $2", time.Now().UTC()).
		Where("id = $3", subID.String()).
		Where("deleted_at IS NULL").
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireRow(res, chainhook.ErrSubscriptionNotFound)
}

func (s *Store) TouchTriggered(ctx context.Context, subID id.ID, at time.Time) error {
	res, err := s.pg.NewUpdate((*subscriptionModel)(nil)).
		Set("last_triggered_at = $1", at.UTC()).
		Where("id = $2", subID.String()).
		Where("deleted_at IS NULL").
		Exec(ctx)
	if err != nil {
		return err
	}
	return requireRow(res, chainhook.ErrSubscriptionNotFound)
}

// ==================== Ledger Store ====================

func (s *Store) UpsertDeliveryLog(ctx context.Context, l *ledger.DeliveryLog) error {
	m := toDeliveryLogModel(l)
	_, err := s.pg.NewInsert(m).
		OnConflict("(subscription_id, event_key) DO UPDATE").
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
	err := s.pg.NewSelect(m).
		Where("subscription_id = $1", subID.String()).
		Where("event_key = $2", eventKey).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, nil //nolint:nilnil // absence is not an error here
		}
		return nil, err
	}
	return fromDeliveryLogModel(m)
}

func (s *Store) GetDeliveryLog(ctx context.Context, logID id.ID) (*ledger.DeliveryLog, error) {
	m := new(deliveryLogModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", logID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, chainhook.ErrDeliveryLogNotFound
		}
		return nil, err
	}
	return fromDeliveryLogModel(m)
}

func (s *Store) ListDeliveryLogs(ctx context.Context, subID id.ID, opts ledger.ListOpts) ([]*ledger.DeliveryLog, error) {
	var models []deliveryLogModel
	q := s.pg.NewSelect(&models).
		Where("subscription_id = $1", subID.String()).
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
	err := s.pg.NewSelect(m).
		Where("name = $1", name).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return chainevent.Cursor{}, false, nil
		}
		return chainevent.Cursor{}, false, err
	}
	return m.cursor(), true, nil
}

// CommitCursor upserts the cursor in one statement. The conflict branch only
// fires when the stored position does not sort after c, so an empty
// RETURNING set means the commit would have regressed.
func (s *Store) CommitCursor(ctx context.Context, name string, c chainevent.Cursor) error {
	var models []cursorModel
	err := s.pg.NewRaw(`
		INSERT INTO chainhook_cursors (name, ledger, event_index, updated_at)
		VALUES ($1, $2, $3, NOW())
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

// TakeRateLimit applies ratelimit.Apply inside a single upsert. Every SET
// expression reads the pre-update row.
func (s *Store) TakeRateLimit(ctx context.Context, subID id.ID, limit int, window time.Duration, now time.Time) (ratelimit.Counter, error) {
	var models []rateLimitModel
	err := s.pg.NewRaw(`
		INSERT INTO chainhook_rate_limits (subscription_id, request_count, window_start)
		VALUES ($1, 1, $2::timestamptz)
		ON CONFLICT (subscription_id) DO UPDATE
		SET request_count = CASE
		        WHEN $2::timestamptz - chainhook_rate_limits.window_start >= make_interval(secs => $3::double precision) THEN 1
		        ELSE LEAST(chainhook_rate_limits.request_count + 1, $4::int + 1)
		    END,
		    window_start = CASE
		        WHEN $2::timestamptz - chainhook_rate_limits.window_start >= make_interval(secs => $3::double precision) THEN $2::timestamptz
		        ELSE chainhook_rate_limits.window_start
		    END
		RETURNING *
	`, subID.String(), now.UTC(), window.Seconds(), limit).Scan(ctx, &models)
	if err != nil {
		return ratelimit.Counter{}, err
	}
	if len(models) == 0 {
		return ratelimit.Counter{}, fmt.Errorf("chainhook/postgres: rate limit upsert returned no row for %s", subID)
	}
	return models[0].counter(subID), nil
}

// ==================== Helpers ====================

type rowsAffecter interface {
	RowsAffected() (int64, error)
}

func requireRow(res rowsAffecter, notFound error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return notFound
	}
	return nil
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
