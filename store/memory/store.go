// Package memory provides an in-memory Store implementation for tests and
// single-process deployments.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/xraph/chainhook"
	"github.com/xraph/chainhook/chainevent"
	"github.com/xraph/chainhook/id"
	"github.com/xraph/chainhook/ledger"
	"github.com/xraph/chainhook/ratelimit"
	chainhookstore "github.com/xraph/chainhook/store"
	"github.com/xraph/chainhook/subscription"
)

// compile-time interface check.
var _ chainhookstore.Store = (*Store)(nil)

// Store keeps every record in maps guarded by one mutex. Values are copied
// in and out so callers never share memory with the store.
type Store struct {
	mu sync.RWMutex

	subscriptions map[string]*subscription.Subscription // keyed by ID string
	logs          map[string]*ledger.DeliveryLog        // keyed by ID string
	logsByPair    map[string]string                     // subscription|event key -> log ID
	cursors       map[string]chainevent.Cursor
	counters      map[string]ratelimit.Counter // keyed by subscription ID

	closed bool
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		subscriptions: make(map[string]*subscription.Subscription),
		logs:          make(map[string]*ledger.DeliveryLog),
		logsByPair:    make(map[string]string),
		cursors:       make(map[string]chainevent.Cursor),
		counters:      make(map[string]ratelimit.Counter),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the in-memory store.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping reports ErrStoreClosed after Close.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return chainhook.ErrStoreClosed
	}
	return nil
}

// Close marks the store as closed. Later operations fail with ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// subscription.Store
// ──────────────────────────────────────────────────

func copySubscription(sub *subscription.Subscription) *subscription.Subscription {
	cp := *sub
	cp.EventTypes = slices.Clone(sub.EventTypes)
	if sub.LastTriggeredAt != nil {
		t := *sub.LastTriggeredAt
		cp.LastTriggeredAt = &t
	}
	if sub.DeletedAt != nil {
		t := *sub.DeletedAt
		cp.DeletedAt = &t
	}
	return &cp
}

// CreateSubscription persists a new subscription.
func (s *Store) CreateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return chainhook.ErrStoreClosed
	}

	if _, ok := s.subscriptions[sub.ID.String()]; ok {
		return fmt.Errorf("chainhook/memory: create subscription: duplicate id %s", sub.ID)
	}
	s.subscriptions[sub.ID.String()] = copySubscription(sub)
	return nil
}

// live returns the stored, non-deleted subscription. Callers hold s.mu.
func (s *Store) live(subID id.ID) (*subscription.Subscription, error) {
	if s.closed {
		return nil, chainhook.ErrStoreClosed
	}
	sub, ok := s.subscriptions[subID.String()]
	if !ok || sub.Deleted() {
		return nil, chainhook.ErrSubscriptionNotFound
	}
	return sub, nil
}

// GetSubscription returns a subscription by ID.
func (s *Store) GetSubscription(_ context.Context, subID id.ID) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, err := s.live(subID)
	if err != nil {
		return nil, err
	}
	return copySubscription(sub), nil
}

// UpdateSubscription overwrites an existing subscription.
func (s *Store) UpdateSubscription(_ context.Context, sub *subscription.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.live(sub.ID); err != nil {
		return err
	}
	s.subscriptions[sub.ID.String()] = copySubscription(sub)
	return nil
}

// ListSubscriptions returns subscriptions in creation order.
func (s *Store) ListSubscriptions(_ context.Context, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, chainhook.ErrStoreClosed
	}

	result := make([]*subscription.Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		if sub.Deleted() {
			continue
		}
		if opts.CreatedBy != "" && sub.CreatedBy != opts.CreatedBy {
			continue
		}
		if opts.Active != nil && sub.Active != *opts.Active {
			continue
		}
		result = append(result, copySubscription(sub))
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return applyPagination(result, opts.Offset, opts.Limit), nil
}

// ListActiveSubscriptions returns every active, non-deleted subscription.
func (s *Store) ListActiveSubscriptions(ctx context.Context) ([]*subscription.Subscription, error) {
	active := true
	return s.ListSubscriptions(ctx, subscription.ListOpts{Active: &active})
}

// SetActive toggles a subscription.
func (s *Store) SetActive(_ context.Context, subID id.ID, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.live(subID)
	if err != nil {
		return err
	}
	sub.Active = active
	sub.Touch(time.Now())
	return nil
}

// TouchTriggered stamps LastTriggeredAt.
func (s *Store) TouchTriggered(_ context.Context, subID id.ID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, err := s.live(subID)
	if err != nil {
		return err
	}
	at = at.UTC()
	sub.LastTriggeredAt = &at
	return nil
}

// ──────────────────────────────────────────────────
// ledger.Store
// ──────────────────────────────────────────────────

func pairKey(subID id.ID, eventKey string) string {
	return subID.String() + "|" + eventKey
}

func copyLog(l *ledger.DeliveryLog) *ledger.DeliveryLog {
	cp := *l
	cp.Payload = slices.Clone(l.Payload)
	return &cp
}

// UpsertDeliveryLog inserts or overwrites the row for the log's pair.
func (s *Store) UpsertDeliveryLog(_ context.Context, l *ledger.DeliveryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return chainhook.ErrStoreClosed
	}

	cp := copyLog(l)
	if existingID, ok := s.logsByPair[pairKey(l.SubscriptionID, l.EventKey)]; ok {
		existing := s.logs[existingID]
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
	}
	s.logs[cp.ID.String()] = cp
	s.logsByPair[pairKey(cp.SubscriptionID, cp.EventKey)] = cp.ID.String()
	return nil
}

// FindDeliveryLog returns the row for (subID, eventKey), or nil.
func (s *Store) FindDeliveryLog(_ context.Context, subID id.ID, eventKey string) (*ledger.DeliveryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, chainhook.ErrStoreClosed
	}

	logID, ok := s.logsByPair[pairKey(subID, eventKey)]
	if !ok {
		return nil, nil //nolint:nilnil // absence is not an error here
	}
	return copyLog(s.logs[logID]), nil
}

// GetDeliveryLog returns a log by ID.
func (s *Store) GetDeliveryLog(_ context.Context, logID id.ID) (*ledger.DeliveryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, chainhook.ErrStoreClosed
	}

	l, ok := s.logs[logID.String()]
	if !ok {
		return nil, chainhook.ErrDeliveryLogNotFound
	}
	return copyLog(l), nil
}

// ListDeliveryLogs returns a subscription's logs, most recent attempt first.
func (s *Store) ListDeliveryLogs(_ context.Context, subID id.ID, opts ledger.ListOpts) ([]*ledger.DeliveryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, chainhook.ErrStoreClosed
	}

	var result []*ledger.DeliveryLog
	for _, l := range s.logs {
		if l.SubscriptionID == subID {
			result = append(result, copyLog(l))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].LastAttemptAt.After(result[j].LastAttemptAt)
	})
	return applyPagination(result, opts.Offset, opts.Limit), nil
}

// ──────────────────────────────────────────────────
// ledger.CursorStore
// ──────────────────────────────────────────────────

// GetCursor returns the named cursor.
func (s *Store) GetCursor(_ context.Context, name string) (chainevent.Cursor, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return chainevent.Cursor{}, false, chainhook.ErrStoreClosed
	}

	c, ok := s.cursors[name]
	return c, ok, nil
}

// CommitCursor stores c unless it would move the cursor backwards.
func (s *Store) CommitCursor(_ context.Context, name string, c chainevent.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return chainhook.ErrStoreClosed
	}

	if cur, ok := s.cursors[name]; ok && c.Before(cur) {
		return fmt.Errorf("%w: %s is before %s", chainhook.ErrCursorRegression, c, cur)
	}
	s.cursors[name] = c
	return nil
}

// ──────────────────────────────────────────────────
// ratelimit.Store
// ──────────────────────────────────────────────────

// TakeRateLimit applies one take to the subscription's counter.
func (s *Store) TakeRateLimit(_ context.Context, subID id.ID, limit int, window time.Duration, now time.Time) (ratelimit.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ratelimit.Counter{}, chainhook.ErrStoreClosed
	}

	c := s.counters[subID.String()]
	c.SubscriptionID = subID
	c = ratelimit.Apply(c, limit, window, now.UTC())
	s.counters[subID.String()] = c
	return c, nil
}

func applyPagination[T any](items []*T, offset, limit int) []*T {
	if offset > 0 && offset < len(items) {
		items = items[offset:]
	} else if offset >= len(items) {
		return nil
	}

	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}

	return items
}
