// Package registry answers which subscriptions should receive an event.
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/xraph/chainhook/chainevent"
	"github.com/xraph/chainhook/id"
	"github.com/xraph/chainhook/subscription"
)

// Store is the subset of subscription.Store the registry reads and touches.
type Store interface {
	ListActiveSubscriptions(ctx context.Context) ([]*subscription.Subscription, error)
	TouchTriggered(ctx context.Context, subID id.ID, at time.Time) error
}

// Config configures a Registry.
type Config struct {
	// CacheTTL bounds how stale the active set may be. 0 reads the store on
	// every match.
	CacheTTL time.Duration
}

// Registry caches the active subscription set and matches events against it.
type Registry struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.RWMutex
	active   []*subscription.Subscription
	lastLoad time.Time

	loads singleflight.Group
}

// New returns a Registry over store.
func New(store Store, cfg Config, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, ttl: cfg.CacheTTL, logger: logger}
}

// Matches is the matching rule: the subscription is active and not deleted,
// subscribes to the event's type, and either has no token filter or filters
// on exactly the event's token.
func Matches(sub *subscription.Subscription, evt *chainevent.Event) bool {
	if !sub.Active || sub.Deleted() {
		return false
	}
	if !sub.Subscribes(evt.Type) {
		return false
	}
	return sub.TokenAddress == "" || sub.TokenAddress == evt.TokenAddress
}

// Match returns the subscriptions that should receive evt, in no particular order.
func (r *Registry) Match(ctx context.Context, evt *chainevent.Event) ([]*subscription.Subscription, error) {
	active, err := r.activeSet(ctx)
	if err != nil {
		return nil, err
	}
	var out []*subscription.Subscription
	for _, sub := range active {
		if Matches(sub, evt) {
			out = append(out, sub)
		}
	}
	return out, nil
}

// MarkTriggered records a successful delivery time. Failures are logged only.
func (r *Registry) MarkTriggered(ctx context.Context, subID id.ID, at time.Time) {
	if err := r.store.TouchTriggered(ctx, subID, at.UTC()); err != nil {
		r.logger.WarnContext(ctx, "update last triggered failed",
			"subscription_id", subID, "error", err)
	}
}

// Invalidate drops the cached set so the next match reloads it.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.active = nil
	r.lastLoad = time.Time{}
	r.mu.Unlock()
}

// Refresh reloads the active set from the store.
func (r *Registry) Refresh(ctx context.Context) error {
	_, err := r.load(ctx)
	return err
}

func (r *Registry) activeSet(ctx context.Context) ([]*subscription.Subscription, error) {
	if r.ttl > 0 {
		r.mu.RLock()
		fresh := !r.lastLoad.IsZero() && time.Since(r.lastLoad) < r.ttl
		active := r.active
		r.mu.RUnlock()
		if fresh {
			return active, nil
		}
	}
	return r.load(ctx)
}

// load collapses concurrent reloads into a single store read.
func (r *Registry) load(ctx context.Context) ([]*subscription.Subscription, error) {
	v, err, _ := r.loads.Do("active", func() (any, error) {
		subs, err := r.store.ListActiveSubscriptions(ctx)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.active = subs
		r.lastLoad = time.Now()
		r.mu.Unlock()
		return subs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*subscription.Subscription), nil //nolint:forcetypeassert // only ever stores this type
}
