package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chainhook"

// Metrics holds the pipeline's Prometheus instruments. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	AttemptsTotal      *prometheus.CounterVec
	DeliveriesTotal    *prometheus.CounterVec
	DeliveryLatency    prometheus.Histogram
	RateLimitDeferrals prometheus.Counter
	PollEventsTotal    *prometheus.CounterVec
	PollErrorsTotal    prometheus.Counter
	CursorLedger       prometheus.Gauge
}

// NewMetrics creates the instruments and registers them on reg.
// A nil reg leaves them unregistered, which is convenient in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "HTTP delivery attempts by outcome.",
		}, []string{"outcome"}),
		DeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Completed delivery sequences by result.",
		}, []string{"result"}),
		DeliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "latency_seconds",
			Help:      "Latency of individual delivery attempts.",
			Buckets:   prometheus.DefBuckets,
		}),
		RateLimitDeferrals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_deferrals_total",
			Help:      "Attempts deferred to the next rate-limit window.",
		}),
		PollEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "events_total",
			Help:      "Events returned by the chain source by disposition.",
		}, []string{"disposition"}),
		PollErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "errors_total",
			Help:      "Failed poll cycles.",
		}),
		CursorLedger: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cursor_ledger",
			Help:      "Ledger sequence of the last committed cursor.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.AttemptsTotal, m.DeliveriesTotal, m.DeliveryLatency,
			m.RateLimitDeferrals, m.PollEventsTotal, m.PollErrorsTotal, m.CursorLedger,
		)
	}
	return m
}

// RecordAttempt counts one HTTP attempt.
func (m *Metrics) RecordAttempt(outcome string, latencySeconds float64) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(outcome).Inc()
	m.DeliveryLatency.Observe(latencySeconds)
}

// RecordDelivery counts a finished delivery sequence.
func (m *Metrics) RecordDelivery(result string) {
	if m == nil {
		return
	}
	m.DeliveriesTotal.WithLabelValues(result).Inc()
}

// RecordDeferral counts a rate-limit deferral.
func (m *Metrics) RecordDeferral() {
	if m == nil {
		return
	}
	m.RateLimitDeferrals.Inc()
}

// RecordPoll counts polled events by disposition ("accepted", "malformed", "ignored").
func (m *Metrics) RecordPoll(disposition string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.PollEventsTotal.WithLabelValues(disposition).Add(float64(n))
}

// RecordPollError counts a failed poll cycle.
func (m *Metrics) RecordPollError() {
	if m == nil {
		return
	}
	m.PollErrorsTotal.Inc()
}

// SetCursor publishes the committed ledger sequence.
func (m *Metrics) SetCursor(ledger int64) {
	if m == nil {
		return
	}
	m.CursorLedger.Set(float64(ledger))
}
