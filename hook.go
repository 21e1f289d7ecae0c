package chainhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xraph/chainhook/chainevent"
	"github.com/xraph/chainhook/delivery"
	"github.com/xraph/chainhook/id"
	"github.com/xraph/chainhook/ledger"
	"github.com/xraph/chainhook/observability"
)

// Cycle summarizes one ProcessOnce call.
type Cycle struct {
	Since chainevent.Cursor
	Next  chainevent.Cursor

	Events    int
	Matches   int
	Succeeded int
	Failed    int
	Permanent int
	Aborted   int

	// Committed reports whether Next was written as the new cursor.
	Committed bool
}

// Complete reports whether every matched pair reached an outcome.
func (c *Cycle) Complete() bool { return c.Aborted == 0 }

// Run polls until ctx ends or a fatal store error occurs. It returns nil
// on cancellation and an error wrapping ErrStoreUnavailable (or
// ErrCursorRegression) otherwise.
func (h *Hook) Run(ctx context.Context) error {
	h.logger.InfoContext(ctx, "chainhook started",
		"poll_interval", h.config.PollInterval, "cursor_name", h.config.CursorName)

	if err := h.registry.Refresh(ctx); err != nil && ctx.Err() == nil {
		h.logger.WarnContext(ctx, "subscription registry warm-up failed", "error", err)
	}

	ticker := time.NewTicker(h.config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := h.ProcessOnce(ctx); err != nil {
			if isFatal(err) {
				h.logger.ErrorContext(ctx, "chainhook stopping on store failure", "error", err)
				return err
			}
			if ctx.Err() == nil {
				h.logger.WarnContext(ctx, "poll cycle failed", "error", err)
			}
		}

		select {
		case <-ctx.Done():
			h.logger.InfoContext(context.WithoutCancel(ctx), "chainhook stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func isFatal(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrCursorRegression)
}

// ProcessOnce runs one poll, match, deliver and commit cycle.
//
// The cursor is committed only when every matched (subscription, event)
// pair reached a terminal outcome or was rejected as permanently
// undeliverable. A cycle cut short by cancellation or a sequence timeout
// leaves the cursor in place so the batch is polled again.
func (h *Hook) ProcessOnce(ctx context.Context) (cycle *Cycle, err error) {
	since, err := h.cursor(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, err
	}
	cycle = &Cycle{Since: since, Next: since}

	ctx, span := h.tracer.StartPollSpan(ctx, since.String())
	defer func() { observability.EndSpan(span, err) }()

	batch, err := h.source.Poll(ctx, since)
	if err != nil {
		return cycle, fmt.Errorf("chainhook: poll since %s: %w", since, err)
	}
	cycle.Events = batch.Len()
	if batch.Empty() {
		return cycle, nil
	}

	var tasks []delivery.Task
	for evt := range batch.All() {
		subs, err := h.registry.Match(ctx, evt)
		if err != nil {
			return cycle, fmt.Errorf("chainhook: match %s: %w", evt.Key(), err)
		}
		for _, sub := range subs {
			tasks = append(tasks, delivery.Task{Sub: sub, Event: evt})
		}
	}
	cycle.Matches = len(tasks)

	for _, r := range h.engine.DeliverAll(ctx, tasks) {
		switch {
		case r.Err == nil && r.Log.Success:
			cycle.Succeeded++
		case r.Err == nil:
			cycle.Failed++
		case errors.Is(r.Err, delivery.ErrPermanent):
			cycle.Permanent++
			h.logger.WarnContext(ctx, "subscription not deliverable",
				"subscription_id", r.Task.Sub.ID, "event_key", r.Task.Event.Key(), "error", r.Err)
		case errors.Is(r.Err, delivery.ErrLedgerUnavailable):
			return cycle, fmt.Errorf("%w: %w", ErrStoreUnavailable, r.Err)
		default:
			cycle.Aborted++
		}
	}

	if !cycle.Complete() || ctx.Err() != nil {
		h.logger.InfoContext(context.WithoutCancel(ctx), "batch incomplete, cursor held",
			"cursor", since.String(), "aborted", cycle.Aborted)
		return cycle, nil
	}

	if err := h.ledger.Commit(ctx, batch.Next); err != nil {
		switch {
		case errors.Is(err, ErrCursorRegression):
			return cycle, err
		case ctx.Err() != nil:
			// Shutdown raced the commit. The batch is re-polled on restart
			// and the ledger suppresses what was already delivered.
			h.logger.InfoContext(context.WithoutCancel(ctx), "shutdown before cursor commit",
				"cursor", since.String())
			return cycle, nil
		}
		return cycle, fmt.Errorf("%w: commit cursor: %w", ErrStoreUnavailable, err)
	}
	cycle.Next = batch.Next
	cycle.Committed = true
	h.metrics.SetCursor(batch.Next.Ledger)

	h.logger.InfoContext(ctx, "batch processed",
		"cursor", batch.Next.String(),
		"events", cycle.Events,
		"matches", cycle.Matches,
		"succeeded", cycle.Succeeded,
		"failed", cycle.Failed,
	)
	return cycle, nil
}

// cursor returns the committed cursor, or the genesis cursor of the
// configured start ledger when none exists.
func (h *Hook) cursor(ctx context.Context) (chainevent.Cursor, error) {
	c, ok, err := h.ledger.Cursor(ctx)
	if err != nil {
		return chainevent.Cursor{}, fmt.Errorf("%w: read cursor: %w", ErrStoreUnavailable, err)
	}
	if !ok {
		return chainevent.Genesis(h.config.StartLedger), nil
	}
	return c, nil
}

// Replay re-delivers a terminally failed delivery from its stored body,
// under the same idempotency key and ledger row.
func (h *Hook) Replay(ctx context.Context, logID id.ID) (*ledger.DeliveryLog, error) {
	prev, err := h.ledger.Entry(ctx, logID)
	if err != nil {
		return nil, err
	}
	switch {
	case !prev.Terminal:
		return nil, ErrNotTerminal
	case prev.Success:
		return nil, ErrAlreadyDelivered
	}

	sub, err := h.subs.Get(ctx, prev.SubscriptionID)
	if err != nil {
		return nil, err
	}
	return h.engine.Redeliver(ctx, sub, prev)
}

// lifecycle runs the poll loop in the background for Start and Stop.
type lifecycle struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Start runs the poll loop in the background until Stop is called or a
// fatal error occurs. Starting a running Hook is a no-op.
func (h *Hook) Start(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done != nil {
		return
	}

	ctx, h.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	h.done = done
	go func() {
		defer close(done)
		err := h.Run(ctx)
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
	}()
}

// Stop cancels the poll loop and waits for in-flight deliveries to finish
// or abort. It returns the loop's fatal error, if any.
func (h *Hook) Stop(ctx context.Context) error {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.mu.Unlock()
	if done == nil {
		return nil
	}
	cancel()

	if _, ok := ctx.Deadline(); !ok && h.config.ShutdownTimeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, h.config.ShutdownTimeout)
		defer stop()
	}
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("chainhook: stop: %w", ctx.Err())
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.done, h.cancel = nil, nil
	return h.err
}

// Done is closed when a started poll loop exits.
func (h *Hook) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}
