package source

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/xraph/chainhook/chainevent"
	"github.com/xraph/chainhook/observability"
)

// RetryConfig shapes poll-level retries.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxTries        uint
}

// DefaultRetryConfig is 500ms doubling up to 30s, six tries in total.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxTries:        6,
	}
}

// Retrying retries transient poll failures of the wrapped Source with
// capped exponential backoff. It never fabricates a batch, so a failed
// poll leaves the caller's cursor where it was.
type Retrying struct {
	src     Source
	cfg     RetryConfig
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewRetrying wraps src. Zero config fields take the defaults.
func NewRetrying(src Source, cfg RetryConfig, metrics *observability.Metrics, logger *slog.Logger) *Retrying {
	def := DefaultRetryConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = def.MaxTries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{src: src, cfg: cfg, metrics: metrics, logger: logger}
}

// Poll implements Source.
func (r *Retrying) Poll(ctx context.Context, since chainevent.Cursor) (*Batch, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.cfg.InitialInterval
	expo.MaxInterval = r.cfg.MaxInterval

	op := func() (*Batch, error) {
		b, err := r.src.Poll(ctx, since)
		if err != nil && !errors.Is(err, ErrTransient) {
			return nil, backoff.Permanent(err)
		}
		return b, err
	}

	b, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(r.cfg.MaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.metrics.RecordPollError()
			r.logger.WarnContext(ctx, "poll failed, retrying",
				"cursor", since.String(), "wait", wait, "error", err)
		}),
	)
	if err != nil {
		r.metrics.RecordPollError()
		return nil, err
	}
	return b, nil
}
