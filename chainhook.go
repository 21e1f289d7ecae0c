package chainhook

import (
	"log/slog"
	"net/http"

	"github.com/xraph/chainhook/delivery"
	"github.com/xraph/chainhook/ledger"
	"github.com/xraph/chainhook/observability"
	"github.com/xraph/chainhook/ratelimit"
	"github.com/xraph/chainhook/registry"
	"github.com/xraph/chainhook/source"
	"github.com/xraph/chainhook/store"
	"github.com/xraph/chainhook/subscription"
)

// Hook is the event-to-webhook pipeline: it polls the chain, matches events
// against subscriptions, delivers them and commits the cursor.
type Hook struct {
	config     Config
	store      store.Store
	rawSource  source.Source
	source     source.Source
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	httpClient *http.Client
	clock      delivery.Clock

	subs     *subscription.Service
	registry *registry.Registry
	ledger   *ledger.Ledger
	limiter  *ratelimit.Limiter
	engine   *delivery.Engine

	lifecycle
}

// New creates a Hook with the given options.
func New(opts ...Option) (*Hook, error) {
	h := &Hook{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(h); err != nil {
			return nil, err
		}
	}
	if h.store == nil {
		return nil, ErrNoStore
	}
	if h.rawSource == nil {
		return nil, ErrNoSource
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if err := h.config.validate(); err != nil {
		return nil, err
	}
	h.wireServices()
	return h, nil
}

// wireServices initializes the internal services after options have been applied.
func (h *Hook) wireServices() {
	h.subs = subscription.NewService(h.store, h.logger)

	h.registry = registry.New(h.store, registry.Config{
		CacheTTL: h.config.CacheTTL,
	}, h.logger)
	h.subs.OnChange(h.registry.Invalidate)

	h.ledger = ledger.New(h.store, h.store, h.config.CursorName, h.logger)

	h.limiter = ratelimit.New(h.store, h.config.RateWindow, h.config.RateLimit, h.logger)

	h.engine = delivery.NewEngine(h.ledger, h.limiter, h.registry, delivery.EngineConfig{
		MaxAttempts:     h.config.MaxAttempts,
		BaseBackoff:     h.config.BaseBackoff,
		RequestTimeout:  h.config.RequestTimeout,
		Concurrency:     h.config.Concurrency,
		SequenceTimeout: h.config.SequenceTimeout,
		HTTPClient:      h.httpClient,
		Clock:           h.clock,
		Metrics:         h.metrics,
		Tracer:          h.tracer,
	}, h.logger)

	h.source = source.NewRetrying(h.rawSource, h.config.PollRetry, h.metrics, h.logger)
}

// Subscriptions returns the subscription management service.
func (h *Hook) Subscriptions() *subscription.Service { return h.subs }

// Registry returns the subscription matcher.
func (h *Hook) Registry() *registry.Registry { return h.registry }

// Ledger returns the delivery ledger.
func (h *Hook) Ledger() *ledger.Ledger { return h.ledger }

// Store returns the underlying store.
func (h *Hook) Store() store.Store { return h.store }

// Config returns the effective configuration.
func (h *Hook) Config() Config { return h.config }
