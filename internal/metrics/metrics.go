package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the bot.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Gauges (current values)
	PendingActions  prometheus.Gauge
	LastBlock       prometheus.Gauge
	MonitorStrategy *prometheus.GaugeVec
	CooldownActive  prometheus.Gauge

	// Counters (cumulative values)
	BlocksDeliveredTotal  prometheus.Counter
	BlocksDroppedTotal    *prometheus.CounterVec
	ReconnectsTotal       prometheus.Counter
	TriggersTotal         *prometheus.CounterVec
	SubmissionsTotal      *prometheus.CounterVec
	NonceInvalidatedTotal *prometheus.CounterVec
	EventFetchErrorsTotal prometheus.Counter

	// Histograms (distributions)
	SubmissionDuration *prometheus.HistogramVec
	BlockDuration      prometheus.Histogram
}

// strategies are the monitor strategy label values
var strategies = []string{"callback", "iterator", "poll"}

// NewMetrics creates and registers all metrics on reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "stakebot"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		// Gauges
		PendingActions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "pending_actions",
			Help:      "Current number of subnets with a pending withdrawal",
		}),
		LastBlock: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "last_block",
			Help:      "Last block number processed by the scheduler",
		}),
		MonitorStrategy: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "strategy",
			Help:      "Header strategy currently in use (1 = active)",
		}, []string{"strategy"}),
		CooldownActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "cooldown_active",
			Help:      "Whether trigger evaluation is suspended by cooldown",
		}),

		// Counters
		BlocksDeliveredTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "blocks_delivered_total",
			Help:      "Total number of block numbers delivered to the scheduler",
		}),
		BlocksDroppedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "blocks_dropped_total",
			Help:      "Total number of headers dropped before delivery",
		}, []string{"reason"}),
		ReconnectsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "reconnects_total",
			Help:      "Total number of header connection reconnects",
		}),
		TriggersTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "triggers_total",
			Help:      "Total number of trigger decisions by outcome",
		}, []string{"outcome"}),
		SubmissionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submit",
			Name:      "submissions_total",
			Help:      "Total number of submissions by action and outcome",
		}, []string{"action", "outcome"}),
		NonceInvalidatedTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "submit",
			Name:      "nonce_invalidated_total",
			Help:      "Total number of nonce invalidations by reason",
		}, []string{"reason"}),
		EventFetchErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "event_fetch_errors_total",
			Help:      "Total number of blocks whose events could not be fetched",
		}),

		// Histograms
		SubmissionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "submit",
			Name:      "submission_duration_seconds",
			Help:      "Time from first attempt to outcome of a submission",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"action"}),
		BlockDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "block_duration_seconds",
			Help:      "Time spent handling one block",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// RecordBlockDelivered increments the delivered blocks counter
func (m *Metrics) RecordBlockDelivered() {
	if m == nil {
		return
	}
	m.BlocksDeliveredTotal.Inc()
}

// RecordBlockDropped increments the dropped headers counter
func (m *Metrics) RecordBlockDropped(reason string) {
	if m == nil {
		return
	}
	m.BlocksDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordReconnect increments the reconnects counter
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.ReconnectsTotal.Inc()
}

// SetStrategy marks strategy as the active monitor strategy
func (m *Metrics) SetStrategy(strategy string) {
	if m == nil {
		return
	}
	for _, s := range strategies {
		v := 0.0
		if s == strategy {
			v = 1
		}
		m.MonitorStrategy.WithLabelValues(s).Set(v)
	}
}

// RecordTrigger increments the trigger counter
func (m *Metrics) RecordTrigger(outcome string) {
	if m == nil {
		return
	}
	m.TriggersTotal.WithLabelValues(outcome).Inc()
}

// RecordSubmission records the outcome and duration of a submission
func (m *Metrics) RecordSubmission(action, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(action, outcome).Inc()
	m.SubmissionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordNonceInvalidated increments the nonce invalidation counter
func (m *Metrics) RecordNonceInvalidated(reason string) {
	if m == nil {
		return
	}
	m.NonceInvalidatedTotal.WithLabelValues(reason).Inc()
}

// RecordEventFetchError increments the event fetch error counter
func (m *Metrics) RecordEventFetchError() {
	if m == nil {
		return
	}
	m.EventFetchErrorsTotal.Inc()
}

// ObserveBlock records the time spent on one block and the block number
func (m *Metrics) ObserveBlock(number uint64, duration time.Duration) {
	if m == nil {
		return
	}
	m.LastBlock.Set(float64(number))
	m.BlockDuration.Observe(duration.Seconds())
}

// UpdatePendingActions updates the pending actions gauge
func (m *Metrics) UpdatePendingActions(count int) {
	if m == nil {
		return
	}
	m.PendingActions.Set(float64(count))
}

// UpdateCooldown updates the cooldown gauge
func (m *Metrics) UpdateCooldown(active bool) {
	if m == nil {
		return
	}
	v := 0.0
	if active {
		v = 1
	}
	m.CooldownActive.Set(v)
}
