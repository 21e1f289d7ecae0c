package delivery

import (
	"time"
)

// Decision is what the engine does after an HTTP attempt.
type Decision int

const (
	// Succeed ends the sequence successfully.
	Succeed Decision = iota
	// Retry schedules another attempt after a backoff.
	Retry
	// Exhaust ends the sequence as a terminal failure.
	Exhaust
)

func (d Decision) String() string {
	switch d {
	case Succeed:
		return "succeed"
	case Retry:
		return "retry"
	default:
		return "exhaust"
	}
}

// Policy bounds a retry sequence.
type Policy struct {
	// MaxAttempts is the total number of HTTP attempts, first one included.
	MaxAttempts int
	// BaseDelay is the wait after the first failed attempt. Each later
	// wait doubles.
	BaseDelay time.Duration
}

// DefaultPolicy is three attempts separated by 1s and then 2s.
var DefaultPolicy = Policy{MaxAttempts: 3, BaseDelay: time.Second}

// Decide classifies the result of attempt number n (1-based). Any 2xx
// succeeds. Everything else, transport errors included, is retried until
// the attempt budget is spent.
func (p Policy) Decide(res Result, n int) Decision {
	if res.OK() {
		return Succeed
	}
	if n < p.MaxAttempts {
		return Retry
	}
	return Exhaust
}

// Backoff returns the wait after failed attempt n: BaseDelay * 2^(n-1).
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
	}
	return d
}
