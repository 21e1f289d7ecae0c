package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xraph/chainhook/chainevent"
	"github.com/xraph/chainhook/id"
	"github.com/xraph/chainhook/registry"
	"github.com/xraph/chainhook/subscription"
)

type countingStore struct {
	mu      sync.Mutex
	subs    []*subscription.Subscription
	lists   int
	touched map[id.ID]time.Time
}

func (s *countingStore) ListActiveSubscriptions(context.Context) ([]*subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	return s.subs, nil
}

func (s *countingStore) TouchTriggered(_ context.Context, subID id.ID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.touched == nil {
		s.touched = make(map[id.ID]time.Time)
	}
	s.touched[subID] = at
	return nil
}

func (s *countingStore) Lists() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists
}

func newSub(token string, types ...chainevent.Type) *subscription.Subscription {
	return &subscription.Subscription{
		ID:           id.NewSubscriptionID(),
		URL:          "https://example.com/hook",
		TokenAddress: token,
		EventTypes:   types,
		Active:       true,
	}
}

func burnEvent(token string) *chainevent.Event {
	return &chainevent.Event{Type: chainevent.TypeBurnSelf, TokenAddress: token, TxHash: "tx", Ledger: 1}
}

func TestMatches(t *testing.T) {
	deleted := newSub("", chainevent.TypeBurnSelf)
	now := time.Now()
	deleted.DeletedAt = &now
	inactive := newSub("", chainevent.TypeBurnSelf)
	inactive.Active = false

	cases := []struct {
		name string
		sub  *subscription.Subscription
		want bool
	}{
		{"any token", newSub("", chainevent.TypeBurnSelf), true},
		{"same token", newSub("CTOKEN", chainevent.TypeBurnSelf), true},
		{"other token", newSub("COTHER", chainevent.TypeBurnSelf), false},
		{"other type", newSub("", chainevent.TypeBurnAdmin), false},
		{"inactive", inactive, false},
		{"deleted", deleted, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := registry.Matches(tc.sub, burnEvent("CTOKEN")); got != tc.want {
				t.Fatalf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMatchFiltersActiveSet(t *testing.T) {
	match := newSub("CTOKEN", chainevent.TypeBurnSelf)
	store := &countingStore{subs: []*subscription.Subscription{
		match,
		newSub("COTHER", chainevent.TypeBurnSelf),
		newSub("", chainevent.TypeTokenCreated),
	}}
	r := registry.New(store, registry.Config{}, nil)

	got, err := r.Match(context.Background(), burnEvent("CTOKEN"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != match.ID {
		t.Fatalf("unexpected matches %v", got)
	}
}

func TestCacheTTL(t *testing.T) {
	store := &countingStore{subs: []*subscription.Subscription{newSub("", chainevent.TypeBurnSelf)}}
	r := registry.New(store, registry.Config{CacheTTL: time.Hour}, nil)

	for range 5 {
		if _, err := r.Match(context.Background(), burnEvent("CTOKEN")); err != nil {
			t.Fatal(err)
		}
	}
	if store.Lists() != 1 {
		t.Fatalf("expected a single store read within the TTL, got %d", store.Lists())
	}

	r.Invalidate()
	if _, err := r.Match(context.Background(), burnEvent("CTOKEN")); err != nil {
		t.Fatal(err)
	}
	if store.Lists() != 2 {
		t.Fatalf("expected a reload after Invalidate, got %d reads", store.Lists())
	}
}

func TestNoCacheReadsEveryTime(t *testing.T) {
	store := &countingStore{}
	r := registry.New(store, registry.Config{}, nil)

	for range 3 {
		if _, err := r.Match(context.Background(), burnEvent("CTOKEN")); err != nil {
			t.Fatal(err)
		}
	}
	if store.Lists() != 3 {
		t.Fatalf("expected 3 store reads, got %d", store.Lists())
	}
}

func TestMarkTriggered(t *testing.T) {
	store := &countingStore{}
	r := registry.New(store, registry.Config{}, nil)
	subID := id.NewSubscriptionID()
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	r.MarkTriggered(context.Background(), subID, at)

	if got := store.touched[subID]; !got.Equal(at) {
		t.Fatalf("expected touch at %v, got %v", at, got)
	}
}

func TestRefreshPrimesCache(t *testing.T) {
	store := &countingStore{subs: []*subscription.Subscription{newSub("", chainevent.TypeBurnSelf)}}
	r := registry.New(store, registry.Config{CacheTTL: time.Hour}, nil)

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, err := r.Match(context.Background(), burnEvent("CTOKEN"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || store.Lists() != 1 {
		t.Fatalf("matches=%d reads=%d, want the primed set and a single read", len(got), store.Lists())
	}
}
