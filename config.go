package chainhook

import (
	"fmt"
	"time"

	"github.com/xraph/chainhook/ledger"
	"github.com/xraph/chainhook/ratelimit"
	"github.com/xraph/chainhook/source"
)

// Config holds the configuration for a Hook.
type Config struct {
	// PollInterval is how often the chain is polled for new events.
	PollInterval time.Duration

	// Concurrency caps simultaneous outbound delivery requests.
	Concurrency int

	// RequestTimeout is the HTTP timeout of a single delivery attempt.
	RequestTimeout time.Duration

	// MaxAttempts is the number of HTTP attempts per (subscription, event).
	MaxAttempts int

	// BaseBackoff is the wait after the first failed attempt; later waits double.
	BaseBackoff time.Duration

	// RateLimit is the default number of deliveries a subscription may
	// receive per RateWindow. Subscriptions may override the limit.
	RateLimit  int
	RateWindow time.Duration

	// SequenceTimeout bounds a whole retry sequence including waits. It
	// must exceed RequestTimeout. Expiry aborts the sequence without a
	// terminal outcome.
	SequenceTimeout time.Duration

	// CacheTTL bounds the staleness of the cached active subscription set.
	// Set to 0 to read the store on every match.
	CacheTTL time.Duration

	// StartLedger is where polling begins when no cursor has been committed.
	StartLedger int64

	// CursorName keys the committed cursor, so several hooks can share a store.
	CursorName string

	// PollRetry shapes retries of transient poll failures.
	PollRetry source.RetryConfig

	// ShutdownTimeout is how long Stop waits for the poll loop when its
	// context carries no deadline.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:    5 * time.Second,
		Concurrency:     16,
		RequestTimeout:  5 * time.Second,
		MaxAttempts:     3,
		BaseBackoff:     time.Second,
		RateLimit:       ratelimit.DefaultLimit,
		RateWindow:      ratelimit.DefaultWindow,
		SequenceTimeout: 2 * time.Minute,
		CacheTTL:        10 * time.Second,
		CursorName:      ledger.DefaultCursorName,
		PollRetry:       source.DefaultRetryConfig(),
		ShutdownTimeout: 30 * time.Second,
	}
}

func (c Config) validate() error {
	switch {
	case c.PollInterval <= 0:
		return fmt.Errorf("%w: poll interval must be positive", ErrInvalidConfig)
	case c.Concurrency <= 0:
		return fmt.Errorf("%w: concurrency must be positive", ErrInvalidConfig)
	case c.MaxAttempts <= 0:
		return fmt.Errorf("%w: max attempts must be positive", ErrInvalidConfig)
	case c.RequestTimeout <= 0:
		return fmt.Errorf("%w: request timeout must be positive", ErrInvalidConfig)
	case c.SequenceTimeout > 0 && c.SequenceTimeout <= c.RequestTimeout:
		return fmt.Errorf("%w: sequence timeout %s must exceed request timeout %s",
			ErrInvalidConfig, c.SequenceTimeout, c.RequestTimeout)
	case c.RateLimit < 0:
		return fmt.Errorf("%w: rate limit must not be negative", ErrInvalidConfig)
	}
	return nil
}
