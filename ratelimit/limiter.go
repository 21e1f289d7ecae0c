// Package ratelimit enforces a fixed-window delivery budget per subscription.
//
// The counter lives in the store so that every process sharing the store
// shares the budget. Within one process, takes for the same subscription are
// additionally serialized so concurrent deliveries never race on the
// read-modify-write.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/chainhook/id"
	"github.com/xraph/chainhook/internal/keylock"
)

// Defaults mirror a budget of one delivery per second averaged over a minute.
const (
	DefaultLimit  = 60
	DefaultWindow = time.Minute
)

// Counter is the persisted window state for one subscription.
type Counter struct {
	SubscriptionID id.ID     `json:"subscription_id"`
	RequestCount   int       `json:"request_count"`
	WindowStart    time.Time `json:"window_start"`
}

// Store atomically applies one take to a subscription's counter.
//
// Implementations must behave exactly like Apply on the stored counter,
// creating it when absent, as a single atomic step.
type Store interface {
	TakeRateLimit(ctx context.Context, subID id.ID, limit int, window time.Duration, now time.Time) (Counter, error)
}

// Apply is the reference window transition. The window restarts at now once
// it is at least window old. The count saturates at limit+1, so a take is
// admitted exactly when the resulting count is within limit.
func Apply(c Counter, limit int, window time.Duration, now time.Time) Counter {
	if c.WindowStart.IsZero() || now.Sub(c.WindowStart) >= window {
		c.WindowStart = now
		c.RequestCount = 0
	}
	if c.RequestCount <= limit {
		c.RequestCount++
	}
	return c
}

// Admitted reports whether c is the result of an admitted take.
func Admitted(c Counter, limit int) bool {
	return c.RequestCount <= limit
}

// Decision is the outcome of Take.
type Decision struct {
	Allowed bool
	Count   int
	// RetryAt is when the current window ends. Meaningful when !Allowed.
	RetryAt time.Time
}

// Limiter applies the window budget through a Store.
type Limiter struct {
	store        Store
	window       time.Duration
	defaultLimit int
	logger       *slog.Logger
	locks        keylock.Map
}

// New returns a Limiter. Non-positive window or limit fall back to the defaults.
func New(store Store, window time.Duration, defaultLimit int, logger *slog.Logger) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		store:        store,
		window:       window,
		defaultLimit: defaultLimit,
		logger:       logger,
	}
}

// Window returns the configured window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Take consumes one unit of subID's budget at now. A limit of 0 selects the
// default limit.
func (l *Limiter) Take(ctx context.Context, subID id.ID, limit int, now time.Time) (Decision, error) {
	if limit <= 0 {
		limit = l.defaultLimit
	}

	unlock := l.locks.Lock(subID.String())
	defer unlock()

	c, err := l.store.TakeRateLimit(ctx, subID, limit, l.window, now)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: take %s: %w", subID, err)
	}

	d := Decision{Allowed: Admitted(c, limit), Count: c.RequestCount, RetryAt: c.WindowStart.Add(l.window)}
	if !d.Allowed {
		l.logger.DebugContext(ctx, "rate limit reached",
			"subscription_id", subID, "limit", limit, "retry_at", d.RetryAt)
	}
	return d, nil
}
