package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/chainhook"
	"github.com/xraph/chainhook/chainevent"
	"github.com/xraph/chainhook/id"
	"github.com/xraph/chainhook/internal/entity"
	"github.com/xraph/chainhook/ledger"
	"github.com/xraph/chainhook/store/memory"
)

func ctx() context.Context { return context.Background() }

func newLedger() *ledger.Ledger {
	s := memory.New()
	return ledger.New(s, s, "", nil)
}

func TestRecordAndLookup(t *testing.T) {
	l := newLedger()
	subID := id.NewSubscriptionID()
	key := chainevent.Key{TxHash: "tx1", EventIndex: 2}
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	row := &ledger.DeliveryLog{
		Entity:         entity.At(at),
		ID:             id.NewDeliveryLogID(),
		SubscriptionID: subID,
		EventKey:       key.String(),
		EventType:      chainevent.TypeBurnSelf,
		Payload:        []byte(`{"event":"token.burn.self"}`),
		Attempts:       1,
		LastAttemptAt:  at,
	}
	if !l.Record(ctx(), row) {
		t.Fatal("expected record to succeed")
	}

	got, err := l.Lookup(ctx(), subID, key)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != row.ID || got.Terminal {
		t.Fatalf("unexpected row %+v", got)
	}

	// A second write for the same pair overwrites the outcome in place.
	next := *row
	next.ID = id.NewDeliveryLogID()
	next.Attempts = 2
	next.Success = true
	next.Terminal = true
	if !l.Record(ctx(), &next) {
		t.Fatal("expected record to succeed")
	}

	got, err = l.Lookup(ctx(), subID, key)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != row.ID || !got.Success || got.Attempts != 2 {
		t.Fatalf("expected in-place update keeping the first ID, got %+v", got)
	}

	entries, err := l.Get(ctx(), subID, ledger.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one row per pair, got %d", len(entries))
	}
}

func TestLookupMissing(t *testing.T) {
	l := newLedger()

	got, err := l.Lookup(ctx(), id.NewSubscriptionID(), chainevent.Key{TxHash: "tx", EventIndex: 0})
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestEntryNotFound(t *testing.T) {
	l := newLedger()

	if _, err := l.Entry(ctx(), id.NewDeliveryLogID()); !errors.Is(err, chainhook.ErrDeliveryLogNotFound) {
		t.Fatalf("expected ErrDeliveryLogNotFound, got %v", err)
	}
}

func TestRecordReportsStoreFailure(t *testing.T) {
	s := memory.New()
	l := ledger.New(s, s, "", nil)
	_ = s.Close()

	if l.Record(ctx(), &ledger.DeliveryLog{ID: id.NewDeliveryLogID(), SubscriptionID: id.NewSubscriptionID()}) {
		t.Fatal("expected record to report failure on a closed store")
	}
}

func TestCursorCommit(t *testing.T) {
	l := newLedger()

	if _, ok, err := l.Cursor(ctx()); err != nil || ok {
		t.Fatalf("expected no cursor, ok=%v err=%v", ok, err)
	}

	c := chainevent.Cursor{Ledger: 100, EventIndex: 3}
	if err := l.Commit(ctx(), c); err != nil {
		t.Fatal(err)
	}
	got, ok, err := l.Cursor(ctx())
	if err != nil || !ok || got != c {
		t.Fatalf("expected %v, got %v ok=%v err=%v", c, got, ok, err)
	}

	// Re-committing the same position is allowed.
	if err := l.Commit(ctx(), c); err != nil {
		t.Fatal(err)
	}

	err = l.Commit(ctx(), chainevent.Cursor{Ledger: 100, EventIndex: 2})
	if !errors.Is(err, chainhook.ErrCursorRegression) {
		t.Fatalf("expected ErrCursorRegression, got %v", err)
	}
}
