package session

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks Prometheus metrics for the session store.
//
// All metrics use the "secmgr_session_" prefix. Methods handle a nil
// receiver gracefully, so a nil *Metrics acts as a no-op (zero overhead
// when metrics are disabled).
type Metrics struct {
	// Creations counts session creations.
	Creations prometheus.Counter

	// Deletions counts session removals by trigger.
	// Labels: reason=[explicit, reaped]
	Deletions *prometheus.CounterVec

	// Active tracks the current number of live sessions (in-memory backend
	// only; Redis-backed deployments read this from the Redis exporter).
	Active prometheus.Gauge

	// DelegationsStored counts stored Kerberos identities by result.
	// Labels: result=[success, rejected]
	DelegationsStored *prometheus.CounterVec

	// TokensIssued counts backend service-token requests by result.
	// Labels: result=[success, failure]
	TokensIssued *prometheus.CounterVec

	// ReapDuration tracks the duration of reaper sweeps.
	ReapDuration prometheus.Histogram

	// ReapedSessions counts sessions removed per sweep.
	ReapedSessions prometheus.Counter
}

var (
	// metricsOnce ensures session metrics are registered exactly once.
	metricsOnce sync.Once
	// metricsInstance holds the singleton metrics instance.
	metricsInstance *Metrics
)

// NewMetrics creates and registers session Prometheus metrics.
//
// If registerer is nil, prometheus.DefaultRegisterer is used. Idempotent:
// repeated calls return the same registered instance.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	metricsOnce.Do(func() {
		if registerer == nil {
			registerer = prometheus.DefaultRegisterer
		}

		m := &Metrics{
			Creations: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "secmgr_session_creations_total",
					Help: "Total sessions created",
				},
			),
			Deletions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "secmgr_session_deletions_total",
					Help: "Total sessions removed by trigger",
				},
				[]string{"reason"},
			),
			Active: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "secmgr_session_active",
					Help: "Current number of live sessions",
				},
			),
			DelegationsStored: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "secmgr_session_delegations_stored_total",
					Help: "Total Kerberos identity store attempts by result",
				},
				[]string{"result"},
			),
			TokensIssued: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "secmgr_session_tokens_issued_total",
					Help: "Total backend service-token requests by result",
				},
				[]string{"result"},
			),
			ReapDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "secmgr_session_reap_duration_seconds",
					Help:    "Reaper sweep duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
			),
			ReapedSessions: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "secmgr_session_reaped_total",
					Help: "Total idle sessions removed by the reaper",
				},
			),
		}

		registerer.MustRegister(
			m.Creations,
			m.Deletions,
			m.Active,
			m.DelegationsStored,
			m.TokensIssued,
			m.ReapDuration,
			m.ReapedSessions,
		)

		metricsInstance = m
	})

	return metricsInstance
}

// RecordCreation records a session creation.
func (m *Metrics) RecordCreation() {
	if m == nil {
		return
	}
	m.Creations.Inc()
	m.Active.Inc()
}

// RecordDeletion records a session removal with its trigger
// (explicit or reaped).
func (m *Metrics) RecordDeletion(reason string) {
	if m == nil {
		return
	}
	m.Deletions.WithLabelValues(reason).Inc()
	m.Active.Dec()
}

// RecordDelegationStored records a Kerberos identity store attempt.
func (m *Metrics) RecordDelegationStored(success bool) {
	if m == nil {
		return
	}
	if success {
		m.DelegationsStored.WithLabelValues("success").Inc()
	} else {
		m.DelegationsStored.WithLabelValues("rejected").Inc()
	}
}

// RecordTokenIssued records a service-token request outcome
// (success or failure).
func (m *Metrics) RecordTokenIssued(result string) {
	if m == nil {
		return
	}
	m.TokensIssued.WithLabelValues(result).Inc()
}

// RecordSweep records one reaper pass.
func (m *Metrics) RecordSweep(duration time.Duration, reaped int) {
	if m == nil {
		return
	}
	m.ReapDuration.Observe(duration.Seconds())
	m.ReapedSessions.Add(float64(reaped))
}
