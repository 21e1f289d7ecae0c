package chainhook

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/xraph/chainhook/delivery"
	"github.com/xraph/chainhook/observability"
	"github.com/xraph/chainhook/source"
	"github.com/xraph/chainhook/store"
)

// Option configures a Hook.
type Option func(*Hook) error

// WithStore sets the persistence backend.
func WithStore(s store.Store) Option {
	return func(h *Hook) error {
		h.store = s
		return nil
	}
}

// WithSource sets the chain event source. It is wrapped with poll-level
// retries when the Hook is built.
func WithSource(src source.Source) Option {
	return func(h *Hook) error {
		h.rawSource = src
		return nil
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hook) error {
		h.logger = logger
		return nil
	}
}

// WithPollInterval sets how often the chain is polled.
func WithPollInterval(d time.Duration) Option {
	return func(h *Hook) error {
		h.config.PollInterval = d
		return nil
	}
}

// WithConcurrency caps simultaneous outbound delivery requests.
func WithConcurrency(n int) Option {
	return func(h *Hook) error {
		h.config.Concurrency = n
		return nil
	}
}

// WithRequestTimeout sets the HTTP timeout per delivery attempt.
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Hook) error {
		h.config.RequestTimeout = d
		return nil
	}
}

// WithMaxAttempts sets the number of attempts per delivery.
func WithMaxAttempts(n int) Option {
	return func(h *Hook) error {
		h.config.MaxAttempts = n
		return nil
	}
}

// WithBaseBackoff sets the first retry wait.
func WithBaseBackoff(d time.Duration) Option {
	return func(h *Hook) error {
		h.config.BaseBackoff = d
		return nil
	}
}

// WithRateLimit sets the default per-subscription budget of limit
// deliveries per window.
func WithRateLimit(limit int, window time.Duration) Option {
	return func(h *Hook) error {
		h.config.RateLimit = limit
		h.config.RateWindow = window
		return nil
	}
}

// WithSequenceTimeout bounds a whole retry sequence. Zero disables the bound.
func WithSequenceTimeout(d time.Duration) Option {
	return func(h *Hook) error {
		h.config.SequenceTimeout = d
		return nil
	}
}

// WithCacheTTL sets the TTL of the cached active subscription set.
func WithCacheTTL(d time.Duration) Option {
	return func(h *Hook) error {
		h.config.CacheTTL = d
		return nil
	}
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Hook) error {
		h.metrics = m
		return nil
	}
}

// WithTracer records pipeline spans.
func WithTracer(t *observability.Tracer) Option {
	return func(h *Hook) error {
		h.tracer = t
		return nil
	}
}

// WithHTTPClient sets the base client for deliveries. Its timeout and
// redirect policy are overridden.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Hook) error {
		h.httpClient = c
		return nil
	}
}

// WithClock replaces the clock driving backoff and rate-limit waits.
func WithClock(c delivery.Clock) Option {
	return func(h *Hook) error {
		h.clock = c
		return nil
	}
}

// WithStartLedger sets where polling begins when no cursor is stored.
func WithStartLedger(seq int64) Option {
	return func(h *Hook) error {
		h.config.StartLedger = seq
		return nil
	}
}

// WithCursorName keys the committed cursor.
func WithCursorName(name string) Option {
	return func(h *Hook) error {
		h.config.CursorName = name
		return nil
	}
}

// WithPollRetry shapes retries of transient poll failures.
func WithPollRetry(cfg source.RetryConfig) Option {
	return func(h *Hook) error {
		h.config.PollRetry = cfg
		return nil
	}
}

// WithConfig replaces the whole configuration. Later options still apply.
func WithConfig(cfg Config) Option {
	return func(h *Hook) error {
		h.config = cfg
		return nil
	}
}
