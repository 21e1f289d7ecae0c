package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xraph/chainhook/id"
)

// mapStore is a minimal Store built on Apply. It deliberately does no
// locking of its own so the Limiter's per-key serialization is what keeps
// the counts exact under concurrency.
type mapStore struct {
	counters map[id.ID]Counter
	guard    sync.Mutex
}

func (m *mapStore) TakeRateLimit(_ context.Context, subID id.ID, limit int, window time.Duration, now time.Time) (Counter, error) {
	m.guard.Lock()
	c := m.counters[subID]
	m.guard.Unlock()

	c = Apply(c, limit, window, now)
	c.SubscriptionID = subID

	m.guard.Lock()
	m.counters[subID] = c
	m.guard.Unlock()
	return c, nil
}

func newMapStore() *mapStore { return &mapStore{counters: make(map[id.ID]Counter)} }

func TestApplyAdmitsUpToLimit(t *testing.T) {
	start := time.Date(2026, 2, 23, 11, 0, 0, 0, time.UTC)
	var c Counter
	for i := 1; i <= 3; i++ {
		c = Apply(c, 3, time.Minute, start.Add(time.Duration(i)*time.Second))
		if !Admitted(c, 3) {
			t.Fatalf("take %d should be admitted", i)
		}
	}

	c = Apply(c, 3, time.Minute, start.Add(10*time.Second))
	if Admitted(c, 3) {
		t.Fatal("fourth take in the window should be refused")
	}
	c = Apply(c, 3, time.Minute, start.Add(20*time.Second))
	if c.RequestCount != 4 {
		t.Fatalf("count should saturate at limit+1, got %d", c.RequestCount)
	}
}

func TestApplyResetsAfterWindow(t *testing.T) {
	start := time.Date(2026, 2, 23, 11, 0, 0, 0, time.UTC)
	c := Counter{RequestCount: 2, WindowStart: start}

	c = Apply(c, 1, time.Minute, start.Add(time.Minute))
	if !Admitted(c, 1) || c.RequestCount != 1 || !c.WindowStart.Equal(start.Add(time.Minute)) {
		t.Fatalf("window should restart, got %+v", c)
	}
}

func TestTakeDefersWithWindowEnd(t *testing.T) {
	l := New(newMapStore(), 30*time.Second, 2, nil)
	sub := id.NewSubscriptionID()
	now := time.Date(2026, 2, 23, 11, 0, 0, 0, time.UTC)

	for range 2 {
		d, err := l.Take(context.Background(), sub, 0, now)
		if err != nil || !d.Allowed {
			t.Fatalf("take within default limit refused: %+v, %v", d, err)
		}
	}

	d, err := l.Take(context.Background(), sub, 0, now.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if d.Allowed {
		t.Fatal("third take should be deferred")
	}
	if want := now.Add(30 * time.Second); !d.RetryAt.Equal(want) {
		t.Errorf("RetryAt = %v, want %v", d.RetryAt, want)
	}
}

func TestTakeOverrideLimitPerSubscription(t *testing.T) {
	l := New(newMapStore(), time.Minute, 1, nil)
	a, b := id.NewSubscriptionID(), id.NewSubscriptionID()
	now := time.Now()

	if d, _ := l.Take(context.Background(), a, 5, now); !d.Allowed {
		t.Fatal("first take for a refused")
	}
	if d, _ := l.Take(context.Background(), a, 5, now); !d.Allowed {
		t.Fatal("override limit of 5 should admit a second take")
	}
	if d, _ := l.Take(context.Background(), b, 0, now); !d.Allowed {
		t.Fatal("subscriptions must not share budgets")
	}
}

func TestTakeSerializesConcurrentCallers(t *testing.T) {
	store := newMapStore()
	l := New(store, time.Hour, 50, nil)
	sub := id.NewSubscriptionID()
	now := time.Now()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for range 200 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Take(context.Background(), sub, 0, now)
			if err != nil {
				t.Error(err)
				return
			}
			if d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("allowed = %d, want exactly 50", allowed)
	}
	if l.locks.Len() != 0 {
		t.Errorf("lock table should drain, has %d entries", l.locks.Len())
	}
}
