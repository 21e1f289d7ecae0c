package delivery_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xraph/chainhook/chainevent"
	"github.com/xraph/chainhook/delivery"
	"github.com/xraph/chainhook/id"
	"github.com/xraph/chainhook/ledger"
	"github.com/xraph/chainhook/observability"
	"github.com/xraph/chainhook/ratelimit"
	"github.com/xraph/chainhook/signature"
	"github.com/xraph/chainhook/subscription"
)

// fakeClock fires every wait immediately, advancing its time by the wait.
// With block set, waits never fire.
type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
	block bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.waits = append(c.waits, d)
	ch := make(chan time.Time, 1)
	if c.block {
		return ch
	}
	c.now = c.now.Add(d)
	ch <- c.now
	return ch
}

func (c *fakeClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

type memLedger struct {
	mu     sync.Mutex
	rows   map[string]*ledger.DeliveryLog
	writes int

	// cancellable counts writes made under a context that shutdown could cancel.
	cancellable int
}

func newMemLedger() *memLedger {
	return &memLedger{rows: make(map[string]*ledger.DeliveryLog)}
}

func (l *memLedger) Lookup(_ context.Context, subID id.ID, key chainevent.Key) (*ledger.DeliveryLog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	row, ok := l.rows[subID.String()+"|"+key.String()]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (l *memLedger) Record(ctx context.Context, log *ledger.DeliveryLog) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ctx.Done() != nil {
		l.cancellable++
	}
	cp := *log
	l.rows[log.SubscriptionID.String()+"|"+log.EventKey] = &cp
	l.writes++
	return true
}

func (l *memLedger) Writes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writes
}

type brokenLedger struct{ memLedger }

func (*brokenLedger) Lookup(context.Context, id.ID, chainevent.Key) (*ledger.DeliveryLog, error) {
	return nil, errors.New("connection reset")
}

// counterStore is an in-memory ratelimit.Store.
type counterStore struct {
	mu       sync.Mutex
	counters map[string]ratelimit.Counter
}

func (s *counterStore) TakeRateLimit(_ context.Context, subID id.ID, limit int, window time.Duration, now time.Time) (ratelimit.Counter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counters == nil {
		s.counters = make(map[string]ratelimit.Counter)
	}
	c := s.counters[subID.String()]
	c.SubscriptionID = subID
	c = ratelimit.Apply(c, limit, window, now)
	s.counters[subID.String()] = c
	return c, nil
}

type touchRecorder struct {
	mu  sync.Mutex
	ids []id.ID
}

func (r *touchRecorder) MarkTriggered(_ context.Context, subID id.ID, _ time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, subID)
}

type harness struct {
	engine  *delivery.Engine
	ledger  *memLedger
	clock   *fakeClock
	touched *touchRecorder
	metrics *observability.Metrics
}

func newHarness(t *testing.T, defaultLimit int, cfg delivery.EngineConfig) *harness {
	t.Helper()
	h := &harness{
		ledger:  newMemLedger(),
		clock:   newFakeClock(),
		touched: &touchRecorder{},
		metrics: observability.NewMetrics(nil),
	}
	if cfg.Clock == nil {
		cfg.Clock = h.clock
	}
	cfg.Metrics = h.metrics
	limiter := ratelimit.New(&counterStore{}, time.Minute, defaultLimit, nil)
	h.engine = delivery.NewEngine(h.ledger, limiter, h.touched, cfg, nil)
	return h
}

// receiver answers with codes in order, repeating the last one.
func receiver(t *testing.T, hits *atomic.Int32, codes ...int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := int(hits.Add(1))
		if n > len(codes) {
			n = len(codes)
		}
		w.WriteHeader(codes[n-1])
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newSub(url string) *subscription.Subscription {
	return &subscription.Subscription{
		ID:         id.NewSubscriptionID(),
		URL:        url,
		EventTypes: []chainevent.Type{chainevent.TypeBurnSelf},
		Secret:     "whsec_engine",
		Active:     true,
		CreatedBy:  "GCREATOR000000000001",
	}
}

func newEvent(tx string, idx int) *chainevent.Event {
	return &chainevent.Event{
		Type:         chainevent.TypeBurnSelf,
		TokenAddress: "CTOKEN00000000000001",
		Fields:       map[string]any{"from": "GHOLDER0000000000001", "amount": "100"},
		TxHash:       tx,
		Ledger:       42,
		EventIndex:   idx,
	}
}

func TestDeliverSuccess(t *testing.T) {
	var got []byte
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		sig = r.Header.Get(signature.HeaderSignature)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := newHarness(t, 0, delivery.EngineConfig{})
	sub := newSub(srv.URL)
	log, err := h.engine.Deliver(context.Background(), sub, newEvent("tx1", 0))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if !log.Success || !log.Terminal || log.Attempts != 1 || log.StatusCode != 200 {
		t.Errorf("unexpected log: %+v", log)
	}
	if string(log.Payload) != string(got) {
		t.Error("ledger payload differs from the body sent")
	}
	if !signature.Verify(got, sub.Secret, sig) {
		t.Error("signature does not verify")
	}

	var p struct {
		Event     string         `json:"event"`
		Timestamp string         `json:"timestamp"`
		Data      map[string]any `json:"data"`
	}
	if err := json.Unmarshal(got, &p); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if p.Event != string(chainevent.TypeBurnSelf) || p.Timestamp != "2024-01-01T00:00:00Z" {
		t.Errorf("unexpected envelope: %+v", p)
	}
	if p.Data["amount"] != "100" || p.Data["transactionHash"] != "tx1" || p.Data["tokenAddress"] != "CTOKEN00000000000001" {
		t.Errorf("unexpected data: %v", p.Data)
	}
	if len(h.touched.ids) != 1 || h.touched.ids[0] != sub.ID {
		t.Errorf("subscription not marked triggered: %v", h.touched.ids)
	}
	if v := testutil.ToFloat64(h.metrics.DeliveriesTotal.WithLabelValues("success")); v != 1 {
		t.Errorf("deliveries_total{success} = %v", v)
	}
}

func TestDeliverEventualSuccess(t *testing.T) {
	var hits atomic.Int32
	srv := receiver(t, &hits, 500, 502, 200)

	h := newHarness(t, 0, delivery.EngineConfig{})
	log, err := h.engine.Deliver(context.Background(), newSub(srv.URL), newEvent("tx2", 0))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if !log.Success || log.Attempts != 3 || log.ErrorMessage != "" {
		t.Errorf("unexpected log: %+v", log)
	}
	if hits.Load() != 3 {
		t.Errorf("hits = %d, want 3", hits.Load())
	}
	// Two progress rows then the terminal one.
	if w := h.ledger.Writes(); w != 3 {
		t.Errorf("ledger writes = %d, want 3", w)
	}
}

func TestDeliverExhausts(t *testing.T) {
	var hits atomic.Int32
	srv := receiver(t, &hits, 500)

	h := newHarness(t, 0, delivery.EngineConfig{})
	log, err := h.engine.Deliver(context.Background(), newSub(srv.URL), newEvent("tx3", 0))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if log.Success || !log.Terminal || log.Attempts != 3 || log.StatusCode != 500 {
		t.Errorf("unexpected log: %+v", log)
	}
	if log.ErrorMessage == "" {
		t.Error("expected an error message")
	}
	if hits.Load() != 3 {
		t.Errorf("hits = %d, want 3", hits.Load())
	}

	waits := h.clock.Waits()
	if len(waits) != 2 || waits[0] != time.Second || waits[1] != 2*time.Second {
		t.Errorf("backoff waits = %v, want [1s 2s]", waits)
	}
	if v := testutil.ToFloat64(h.metrics.AttemptsTotal.WithLabelValues("http_error")); v != 3 {
		t.Errorf("attempts_total{http_error} = %v", v)
	}
}

func TestDeliverTransportErrorsRetry(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	h := newHarness(t, 0, delivery.EngineConfig{})
	log, err := h.engine.Deliver(context.Background(), newSub(url), newEvent("tx4", 0))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if log.Success || log.Attempts != 3 || log.StatusCode != 0 {
		t.Errorf("unexpected log: %+v", log)
	}
}

func TestDeliverIsIdempotent(t *testing.T) {
	var hits atomic.Int32
	srv := receiver(t, &hits, 200)

	h := newHarness(t, 0, delivery.EngineConfig{})
	sub := newSub(srv.URL)
	evt := newEvent("tx5", 1)

	first, err := h.engine.Deliver(context.Background(), sub, evt)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	second, err := h.engine.Deliver(context.Background(), sub, evt)
	if err != nil {
		t.Fatalf("Deliver again: %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}
	if second.ID != first.ID {
		t.Errorf("second delivery returned a different row")
	}
}

func TestDeliverSkipsTerminalFailure(t *testing.T) {
	var hits atomic.Int32
	srv := receiver(t, &hits, 500)

	h := newHarness(t, 0, delivery.EngineConfig{})
	sub := newSub(srv.URL)
	evt := newEvent("tx6", 0)
	if _, err := h.engine.Deliver(context.Background(), sub, evt); err != nil {
		t.Fatal(err)
	}
	log, err := h.engine.Deliver(context.Background(), sub, evt)
	if err != nil {
		t.Fatal(err)
	}
	if !log.Failed() {
		t.Errorf("expected the stored failure, got %+v", log)
	}
	if hits.Load() != 3 {
		t.Errorf("hits = %d, want 3", hits.Load())
	}
}

func TestDeliverResumesProgressRow(t *testing.T) {
	var hits atomic.Int32
	srv := receiver(t, &hits, 200)

	h := newHarness(t, 0, delivery.EngineConfig{})
	sub := newSub(srv.URL)
	evt := newEvent("tx7", 0)
	prior := &ledger.DeliveryLog{
		ID:             id.NewDeliveryLogID(),
		SubscriptionID: sub.ID,
		EventKey:       evt.Key().String(),
		EventType:      evt.Type,
		Payload:        json.RawMessage(`{"event":"burn.self"}`),
		Attempts:       2,
	}
	h.ledger.Record(context.Background(), prior)

	log, err := h.engine.Deliver(context.Background(), sub, evt)
	if err != nil {
		t.Fatal(err)
	}
	if log.ID != prior.ID {
		t.Error("resumed sequence should keep the row ID")
	}
	if string(log.Payload) != string(prior.Payload) {
		t.Error("resumed sequence should resend the stored body")
	}
	if log.Attempts != 1 || !log.Success {
		t.Errorf("unexpected log: %+v", log)
	}
}

func TestDeliverDefersWhenRateLimited(t *testing.T) {
	var hits atomic.Int32
	srv := receiver(t, &hits, 200)

	h := newHarness(t, 1, delivery.EngineConfig{})
	sub := newSub(srv.URL)

	if _, err := h.engine.Deliver(context.Background(), sub, newEvent("tx8", 0)); err != nil {
		t.Fatal(err)
	}
	log, err := h.engine.Deliver(context.Background(), sub, newEvent("tx8", 1))
	if err != nil {
		t.Fatal(err)
	}

	if !log.Success || log.Attempts != 1 {
		t.Errorf("deferred delivery should succeed on its first attempt: %+v", log)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
	waits := h.clock.Waits()
	if len(waits) != 1 || waits[0] != time.Minute {
		t.Errorf("waits = %v, want [1m]", waits)
	}
	if v := testutil.ToFloat64(h.metrics.RateLimitDeferrals); v != 1 {
		t.Errorf("deferrals = %v, want 1", v)
	}
}

func TestDeliverPerSubscriptionLimit(t *testing.T) {
	var hits atomic.Int32
	srv := receiver(t, &hits, 200)

	h := newHarness(t, 1, delivery.EngineConfig{})
	sub := newSub(srv.URL)
	sub.RateLimit = 5

	for i := range 5 {
		if _, err := h.engine.Deliver(context.Background(), sub, newEvent("tx9", i)); err != nil {
			t.Fatal(err)
		}
	}
	if waits := h.clock.Waits(); len(waits) != 0 {
		t.Errorf("no deferral expected under the override, got %v", waits)
	}
}

func TestDeliverPermanentErrors(t *testing.T) {
	var hits atomic.Int32
	srv := receiver(t, &hits, 200)
	h := newHarness(t, 0, delivery.EngineConfig{})

	inactive := newSub(srv.URL)
	inactive.Active = false
	deleted := newSub(srv.URL)
	now := time.Now()
	deleted.DeletedAt = &now

	for name, sub := range map[string]*subscription.Subscription{
		"inactive": inactive,
		"deleted":  deleted,
		"bad url":  newSub("ftp://example.com/hook"),
	} {
		t.Run(name, func(t *testing.T) {
			log, err := h.engine.Deliver(context.Background(), sub, newEvent("tx10", 0))
			if !errors.Is(err, delivery.ErrPermanent) {
				t.Fatalf("err = %v, want ErrPermanent", err)
			}
			if log != nil {
				t.Error("no log expected")
			}
		})
	}
	if hits.Load() != 0 {
		t.Errorf("hits = %d, want 0", hits.Load())
	}
	if h.ledger.Writes() != 0 {
		t.Errorf("ledger writes = %d, want 0", h.ledger.Writes())
	}
}

func TestDeliverLedgerUnavailable(t *testing.T) {
	var hits atomic.Int32
	srv := receiver(t, &hits, 200)

	limiter := ratelimit.New(&counterStore{}, time.Minute, 0, nil)
	e := delivery.NewEngine(&brokenLedger{}, limiter, nil, delivery.EngineConfig{Clock: newFakeClock()}, nil)

	_, err := e.Deliver(context.Background(), newSub(srv.URL), newEvent("tx11", 0))
	if !errors.Is(err, delivery.ErrLedgerUnavailable) {
		t.Fatalf("err = %v, want ErrLedgerUnavailable", err)
	}
	if hits.Load() != 0 {
		t.Error("nothing should be sent when idempotency cannot be checked")
	}
}

func TestDeliverAbortsOnShutdown(t *testing.T) {
	var hits atomic.Int32
	srv := receiver(t, &hits, 500)

	clock := newFakeClock()
	clock.block = true
	h := newHarness(t, 0, delivery.EngineConfig{Clock: clock})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	sub := newSub(srv.URL)
	evt := newEvent("tx12", 0)
	go func() {
		_, err := h.engine.Deliver(ctx, sub, evt)
		done <- err
	}()

	deadline := time.After(5 * time.Second)
	for hits.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("first attempt never arrived")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, delivery.ErrAborted) || !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want ErrAborted wrapping context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Deliver did not return after cancel")
	}

	row, _ := h.ledger.Lookup(context.Background(), sub.ID, evt.Key())
	if row != nil && row.Terminal {
		t.Errorf("aborted sequence left a terminal row: %+v", row)
	}
}

func TestDeliverSequenceTimeout(t *testing.T) {
	var hits atomic.Int32
	srv := receiver(t, &hits, 500)

	clock := newFakeClock()
	clock.block = true
	h := newHarness(t, 0, delivery.EngineConfig{Clock: clock, SequenceTimeout: 50 * time.Millisecond})

	_, err := h.engine.Deliver(context.Background(), newSub(srv.URL), newEvent("tx13", 0))
	if !errors.Is(err, delivery.ErrAborted) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want ErrAborted wrapping DeadlineExceeded", err)
	}
	if !delivery.IsAborted(err) {
		t.Error("IsAborted should report true")
	}
}

func TestDeliverAll(t *testing.T) {
	var okHits, badHits atomic.Int32
	ok := receiver(t, &okHits, 200)
	bad := receiver(t, &badHits, 500)

	h := newHarness(t, 0, delivery.EngineConfig{})
	inactive := newSub(ok.URL)
	inactive.Active = false
	evt := newEvent("tx14", 0)
	tasks := []delivery.Task{
		{Sub: newSub(ok.URL), Event: evt},
		{Sub: newSub(bad.URL), Event: evt},
		{Sub: inactive, Event: evt},
	}

	reports := h.engine.DeliverAll(context.Background(), tasks)
	if len(reports) != 3 {
		t.Fatalf("reports = %d, want 3", len(reports))
	}
	if reports[0].Err != nil || !reports[0].Log.Success {
		t.Errorf("report 0: %+v", reports[0])
	}
	if reports[1].Err != nil || !reports[1].Log.Failed() {
		t.Errorf("report 1: %+v", reports[1])
	}
	if !errors.Is(reports[2].Err, delivery.ErrPermanent) {
		t.Errorf("report 2 err = %v", reports[2].Err)
	}
	for i, r := range reports {
		if r.Task.Sub != tasks[i].Sub {
			t.Errorf("report %d out of order", i)
		}
	}
}

func TestRedeliver(t *testing.T) {
	var hits atomic.Int32
	srv := receiver(t, &hits, 500, 500, 500, 200)

	h := newHarness(t, 0, delivery.EngineConfig{})
	sub := newSub(srv.URL)
	failed, err := h.engine.Deliver(context.Background(), sub, newEvent("tx15", 0))
	if err != nil || !failed.Failed() {
		t.Fatalf("setup: log=%+v err=%v", failed, err)
	}

	replayed, err := h.engine.Redeliver(context.Background(), sub, failed)
	if err != nil {
		t.Fatalf("Redeliver: %v", err)
	}
	if !replayed.Success || replayed.Attempts != 1 || replayed.ID != failed.ID {
		t.Errorf("unexpected replay log: %+v", replayed)
	}
	if string(replayed.Payload) != string(failed.Payload) {
		t.Error("replay must resend the stored body")
	}

	if _, err := h.engine.Redeliver(context.Background(), sub, replayed); !errors.Is(err, delivery.ErrNotReplayable) {
		t.Errorf("replaying a success: err = %v, want ErrNotReplayable", err)
	}
}

func TestRedeliverConcurrentReplaysSendOnce(t *testing.T) {
	var hits atomic.Int32
	srv := receiver(t, &hits, 500, 500, 500, 200)

	h := newHarness(t, 0, delivery.EngineConfig{})
	sub := newSub(srv.URL)
	failed, err := h.engine.Deliver(context.Background(), sub, newEvent("tx17", 0))
	if err != nil || !failed.Failed() {
		t.Fatalf("setup: log=%+v err=%v", failed, err)
	}

	const replays = 4
	var wg sync.WaitGroup
	var succeeded, rejected atomic.Int32
	for range replays {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log, err := h.engine.Redeliver(context.Background(), sub, failed)
			switch {
			case err == nil && log.Success:
				succeeded.Add(1)
			case errors.Is(err, delivery.ErrNotReplayable):
				rejected.Add(1)
			default:
				t.Errorf("Redeliver: log=%+v err=%v", log, err)
			}
		}()
	}
	wg.Wait()

	if succeeded.Load() != 1 || rejected.Load() != replays-1 {
		t.Errorf("succeeded=%d rejected=%d, want 1 and %d", succeeded.Load(), rejected.Load(), replays-1)
	}
	if got := hits.Load(); got != 4 {
		t.Errorf("receiver hits = %d, want 3 original attempts plus 1 replay", got)
	}
}

func TestDeliverRecordsOutcomeWithoutCancellation(t *testing.T) {
	var hits atomic.Int32
	srv := receiver(t, &hits, 500, 200)

	h := newHarness(t, 0, delivery.EngineConfig{SequenceTimeout: time.Minute, RequestTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log, err := h.engine.Deliver(ctx, newSub(srv.URL), newEvent("tx18", 0))
	if err != nil || !log.Success {
		t.Fatalf("Deliver: log=%+v err=%v", log, err)
	}
	if h.ledger.Writes() != 2 {
		t.Fatalf("writes = %d, want 2", h.ledger.Writes())
	}
	h.ledger.mu.Lock()
	defer h.ledger.mu.Unlock()
	if h.ledger.cancellable != 0 {
		t.Errorf("%d outcome writes could be cut short by shutdown", h.ledger.cancellable)
	}
}

type cancelledLedger struct {
	memLedger
	cancel context.CancelFunc
}

// Lookup fails the way a driver does when shutdown cancels the query.
func (l *cancelledLedger) Lookup(ctx context.Context, _ id.ID, _ chainevent.Key) (*ledger.DeliveryLog, error) {
	l.cancel()
	return nil, ctx.Err()
}

func TestDeliverLookupCancelledIsAbort(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := &cancelledLedger{memLedger: memLedger{rows: make(map[string]*ledger.DeliveryLog)}, cancel: cancel}
	limiter := ratelimit.New(&counterStore{}, time.Minute, 0, nil)
	engine := delivery.NewEngine(l, limiter, nil, delivery.EngineConfig{Clock: newFakeClock()}, nil)

	_, err := engine.Deliver(ctx, newSub("https://example.com/hook"), newEvent("tx19", 0))
	if !delivery.IsAborted(err) || errors.Is(err, delivery.ErrLedgerUnavailable) {
		t.Errorf("err = %v, want an abort", err)
	}
}

func TestEncodePayloadDeterministic(t *testing.T) {
	evt := newEvent("tx16", 3)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a, err := delivery.EncodePayload(evt, at)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := delivery.EncodePayload(evt, at)
	if string(a) != string(b) {
		t.Errorf("encodings differ:\n%s\n%s", a, b)
	}
}
