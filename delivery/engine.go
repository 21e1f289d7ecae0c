package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/xraph/chainhook/chainevent"
	"github.com/xraph/chainhook/id"
	"github.com/xraph/chainhook/internal/entity"
	"github.com/xraph/chainhook/internal/keylock"
	"github.com/xraph/chainhook/ledger"
	"github.com/xraph/chainhook/observability"
	"github.com/xraph/chainhook/subscription"
)

// EngineConfig holds engine configuration. Zero fields take the defaults
// noted on each.
type EngineConfig struct {
	MaxAttempts    int           // 3
	BaseBackoff    time.Duration // 1s
	RequestTimeout time.Duration // 5s

	// Concurrency bounds in-flight HTTP attempts across all pairs. 16.
	Concurrency int

	// SequenceTimeout bounds one pair's whole retry sequence, waits
	// included. Zero disables the bound.
	SequenceTimeout time.Duration

	HTTPClient *http.Client
	Clock      Clock
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
}

// Task is one (subscription, event) pair to deliver.
type Task struct {
	Sub   *subscription.Subscription
	Event *chainevent.Event
}

// Report is the outcome of a Task. Err is nil for both successful and
// exhausted sequences; Log tells them apart.
type Report struct {
	Task Task
	Log  *ledger.DeliveryLog
	Err  error
}

// Engine runs delivery sequences.
type Engine struct {
	ledger  Ledger
	limiter Limiter
	toucher Toucher
	sender  *Sender
	policy  Policy
	clock   Clock
	sem     *semaphore.Weighted
	locks   keylock.Map
	config  EngineConfig
	logger  *slog.Logger
}

// NewEngine creates a delivery engine. toucher may be nil.
func NewEngine(l Ledger, limiter Limiter, toucher Toucher, cfg EngineConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = DefaultPolicy.BaseDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 16
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	return &Engine{
		ledger:  l,
		limiter: limiter,
		toucher: toucher,
		sender:  NewSender(cfg.RequestTimeout, cfg.HTTPClient),
		policy:  Policy{MaxAttempts: cfg.MaxAttempts, BaseDelay: cfg.BaseBackoff},
		clock:   cfg.Clock,
		sem:     semaphore.NewWeighted(int64(cfg.Concurrency)),
		config:  cfg,
		logger:  logger,
	}
}

// DeliverAll runs every task concurrently and waits for all of them.
// Reports are returned in task order.
func (e *Engine) DeliverAll(ctx context.Context, tasks []Task) []Report {
	reports := make([]Report, len(tasks))
	var g errgroup.Group
	for i, t := range tasks {
		g.Go(func() error {
			log, err := e.Deliver(ctx, t.Sub, t.Event)
			reports[i] = Report{Task: t, Log: log, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

// Deliver runs the retry sequence for (sub, evt) unless the ledger already
// holds a terminal row for the pair, in which case that row is returned
// and nothing is sent.
//
// A nil error means the sequence ended: the returned log tells success from
// exhaustion. ErrPermanent, ErrAborted and ErrLedgerUnavailable are
// returned wrapped.
func (e *Engine) Deliver(ctx context.Context, sub *subscription.Subscription, evt *chainevent.Event) (*ledger.DeliveryLog, error) {
	if err := deliverable(sub); err != nil {
		return nil, err
	}
	key := evt.Key()

	unlock := e.locks.Lock(pairKey(sub.ID, key))
	defer unlock()

	existing, err := e.ledger.Lookup(ctx, sub.ID, key)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrAborted, context.Cause(ctx))
		}
		return nil, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	if existing != nil && existing.Terminal {
		e.logger.DebugContext(ctx, "already delivered",
			"subscription_id", sub.ID, "event_key", key, "success", existing.Success)
		return existing, nil
	}

	now := e.clock.Now()
	log := &ledger.DeliveryLog{
		Entity:         entity.At(now),
		ID:             id.NewDeliveryLogID(),
		SubscriptionID: sub.ID,
		EventKey:       key.String(),
		EventType:      evt.Type,
	}
	if existing != nil {
		// Resume an interrupted sequence under the same row and body.
		log.ID = existing.ID
		log.CreatedAt = existing.CreatedAt
		log.Payload = existing.Payload
	}
	if len(log.Payload) == 0 {
		body, err := EncodePayload(evt, now)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrPermanent, err)
		}
		log.Payload = body
	}
	return e.run(ctx, sub, key, log)
}

// Redeliver starts a fresh retry sequence for a terminally failed log,
// sending the stored body again.
func (e *Engine) Redeliver(ctx context.Context, sub *subscription.Subscription, prev *ledger.DeliveryLog) (*ledger.DeliveryLog, error) {
	if !prev.Failed() {
		return nil, ErrNotReplayable
	}
	if err := deliverable(sub); err != nil {
		return nil, err
	}
	key, err := chainevent.ParseKey(prev.EventKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPermanent, err)
	}

	unlock := e.locks.Lock(pairKey(sub.ID, key))
	defer unlock()

	// A concurrent replay may have finished while this one waited.
	current, err := e.ledger.Lookup(ctx, sub.ID, key)
	switch {
	case err != nil && ctx.Err() != nil:
		return nil, fmt.Errorf("%w: %w", ErrAborted, context.Cause(ctx))
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	case current == nil || current.ID != prev.ID || !current.Failed():
		return nil, ErrNotReplayable
	}

	log := *current
	log.Attempts = 0
	log.StatusCode = 0
	log.Success = false
	log.Terminal = false
	log.ErrorMessage = ""
	log.Touch(e.clock.Now())
	e.logger.InfoContext(ctx, "replaying delivery", "delivery_log_id", log.ID, "subscription_id", sub.ID)
	return e.run(ctx, sub, key, &log)
}

// run drives the state machine until a terminal state or abort.
func (e *Engine) run(ctx context.Context, sub *subscription.Subscription, key chainevent.Key, log *ledger.DeliveryLog) (*ledger.DeliveryLog, error) {
	if e.config.SequenceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.SequenceTimeout)
		defer cancel()
	}
	ctx, span := e.config.Tracer.StartDeliverySpan(ctx, sub.ID.String(), key.String(), string(log.EventType))

	att := &Attempt{
		SubscriptionID: sub.ID,
		Key:            key,
		ScheduledAt:    e.clock.Now(),
		State:          StateQueued,
	}

	for {
		if ctx.Err() != nil {
			return e.abort(ctx, span, att)
		}

		switch att.State {
		case StateQueued:
			dec, err := e.limiter.Take(ctx, sub.ID, sub.RateLimit, e.clock.Now())
			switch {
			case err != nil && ctx.Err() != nil:
				return e.abort(ctx, span, att)
			case err != nil:
				// A broken counter store must not stall delivery.
				e.logger.WarnContext(ctx, "rate limit check failed, sending anyway",
					"subscription_id", sub.ID, "error", err)
				att.moveTo(StateAttempting)
			case !dec.Allowed:
				att.ScheduledAt = dec.RetryAt
				att.moveTo(StateDeferred)
			default:
				att.moveTo(StateAttempting)
			}

		case StateDeferred:
			e.config.Metrics.RecordDeferral()
			e.logger.DebugContext(ctx, "delivery deferred by rate limit",
				"subscription_id", sub.ID, "event_key", key, "until", att.ScheduledAt)
			if !e.wait(ctx, att.ScheduledAt.Sub(e.clock.Now())) {
				return e.abort(ctx, span, att)
			}
			att.moveTo(StateQueued)

		case StateAttempting:
			att.Number++
			res, ok := e.attempt(ctx, sub, log)
			if !ok {
				return e.abort(ctx, span, att)
			}

			// The attempt happened; its outcome is recorded even if
			// shutdown starts now.
			rctx := context.WithoutCancel(ctx)
			now := e.clock.Now()
			log.Attempts = att.Number
			log.StatusCode = res.StatusCode
			log.LastAttemptAt = now
			log.ErrorMessage = res.Message()
			log.Touch(now)

			switch e.policy.Decide(res, att.Number) {
			case Succeed:
				att.moveTo(StateSucceeded)
				log.Success = true
				log.Terminal = true
				e.ledger.Record(rctx, log)
				if e.toucher != nil {
					e.toucher.MarkTriggered(rctx, sub.ID, now)
				}
				e.config.Metrics.RecordDelivery("success")
				observability.EndDeliverySpan(span, att.Number, res.StatusCode, "")
				e.logger.DebugContext(ctx, "delivered",
					"subscription_id", sub.ID, "event_key", key, "attempts", att.Number, "status", res.StatusCode)
				return log, nil

			case Retry:
				att.moveTo(StateAttemptFailed)
				log.Terminal = false
				e.ledger.Record(rctx, log)
				e.logger.DebugContext(ctx, "delivery attempt failed",
					"subscription_id", sub.ID, "event_key", key, "attempt", att.Number, "error", log.ErrorMessage)

			case Exhaust:
				att.moveTo(StateExhausted)
				log.Terminal = true
				e.ledger.Record(rctx, log)
				e.config.Metrics.RecordDelivery("failure")
				observability.EndDeliverySpan(span, att.Number, res.StatusCode, log.ErrorMessage)
				e.logger.WarnContext(ctx, "delivery failed permanently",
					"subscription_id", sub.ID, "event_key", key, "attempts", att.Number, "error", log.ErrorMessage)
				return log, nil
			}

		case StateAttemptFailed:
			if !e.wait(ctx, e.policy.Backoff(att.Number)) {
				return e.abort(ctx, span, att)
			}
			att.ScheduledAt = e.clock.Now()
			att.moveTo(StateQueued)

		default:
			panic(fmt.Sprintf("delivery: unexpected state %s", att.State))
		}
	}
}

// attempt sends one request under the concurrency bound. ok is false when
// the context ended before or during the send.
func (e *Engine) attempt(ctx context.Context, sub *subscription.Subscription, log *ledger.DeliveryLog) (Result, bool) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return Result{}, false
	}
	defer e.sem.Release(1)

	res := e.sender.Send(ctx, Request{
		URL:       sub.URL,
		Secret:    sub.Secret,
		Body:      log.Payload,
		EventType: string(log.EventType),
		Key:       log.EventKey,
		Timestamp: e.clock.Now(),
	})
	if res.Err != nil && ctx.Err() != nil {
		return res, false
	}

	outcome := "success"
	switch {
	case res.Err != nil:
		outcome = "transport_error"
	case !res.OK():
		outcome = "http_error"
	}
	e.config.Metrics.RecordAttempt(outcome, res.Latency.Seconds())
	return res, true
}

func (e *Engine) wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-e.clock.After(d):
		return true
	}
}

func (e *Engine) abort(ctx context.Context, span trace.Span, att *Attempt) (*ledger.DeliveryLog, error) {
	att.moveTo(StateAborted)
	cause := context.Cause(ctx)
	e.config.Metrics.RecordDelivery("aborted")
	observability.EndSpan(span, cause)
	e.logger.InfoContext(context.WithoutCancel(ctx), "delivery aborted",
		"subscription_id", att.SubscriptionID, "event_key", att.Key, "attempts", att.Number, "cause", cause)
	return nil, fmt.Errorf("%w: %w", ErrAborted, cause)
}

func deliverable(sub *subscription.Subscription) error {
	switch {
	case sub.Deleted():
		return fmt.Errorf("%w: subscription %s is deleted", ErrPermanent, sub.ID)
	case !sub.Active:
		return fmt.Errorf("%w: subscription %s is inactive", ErrPermanent, sub.ID)
	}
	if err := subscription.ValidateURL(sub.URL); err != nil {
		return fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	return nil
}

func pairKey(subID id.ID, key chainevent.Key) string {
	return subID.String() + "|" + key.String()
}

// IsAborted reports whether err ended a sequence without an outcome.
func IsAborted(err error) bool { return errors.Is(err, ErrAborted) }
