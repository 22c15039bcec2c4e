package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ChainMetrics records probe activity and the externally visible mode of the
// blockchain selector.
type ChainMetrics struct {
	probes       *prometheus.CounterVec
	probeLatency *prometheus.HistogramVec
	mode         *prometheus.GaugeVec
	breakerState prometheus.Gauge
	hibernating  prometheus.Gauge
}

// VerifierMetrics records verification outcomes and notification delivery.
type VerifierMetrics struct {
	verifications *prometheus.CounterVec
	replaySize    prometheus.Gauge
	dropped       prometheus.Counter
}

var (
	chainMetricsOnce sync.Once
	chainRegistry    *ChainMetrics

	verifierMetricsOnce sync.Once
	verifierRegistry    *VerifierMetrics
)

// Chain returns the lazily-initialised chain selector metrics.
func Chain() *ChainMetrics {
	chainMetricsOnce.Do(func() {
		chainRegistry = &ChainMetrics{
			probes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "posgate",
				Subsystem: "chain",
				Name:      "probes_total",
				Help:      "Total node probes segmented by endpoint and outcome.",
			}, []string{"endpoint", "outcome"}),
			probeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "posgate",
				Subsystem: "chain",
				Name:      "probe_duration_seconds",
				Help:      "Latency distribution for node health probes.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint"}),
			mode: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "posgate",
				Subsystem: "chain",
				Name:      "mode",
				Help:      "Current selector mode; the active mode reports 1, all others 0.",
			}, []string{"mode"}),
			breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "posgate",
				Subsystem: "chain",
				Name:      "breaker_state",
				Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
			}),
			hibernating: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "posgate",
				Subsystem: "chain",
				Name:      "hibernating",
				Help:      "1 while payment verification is suspended, otherwise 0.",
			}),
		}
		prometheus.MustRegister(
			chainRegistry.probes,
			chainRegistry.probeLatency,
			chainRegistry.mode,
			chainRegistry.breakerState,
			chainRegistry.hibernating,
		)
	})
	return chainRegistry
}

// Verifier returns the lazily-initialised verification metrics.
func Verifier() *VerifierMetrics {
	verifierMetricsOnce.Do(func() {
		verifierRegistry = &VerifierMetrics{
			verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "posgate",
				Subsystem: "verify",
				Name:      "transactions_total",
				Help:      "Total verification attempts segmented by outcome code.",
			}, []string{"outcome"}),
			replaySize: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "posgate",
				Subsystem: "verify",
				Name:      "replay_ledger_entries",
				Help:      "Number of consumed transaction hashes currently retained.",
			}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "posgate",
				Subsystem: "notify",
				Name:      "dropped_total",
				Help:      "Notifications dropped because a subscriber buffer was full.",
			}),
		}
		prometheus.MustRegister(
			verifierRegistry.verifications,
			verifierRegistry.replaySize,
			verifierRegistry.dropped,
		)
	})
	return verifierRegistry
}

// ObserveProbe records a single probe attempt.
func (m *ChainMetrics) ObserveProbe(endpoint string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	m.probes.WithLabelValues(endpoint, outcome).Inc()
	m.probeLatency.WithLabelValues(endpoint).Observe(elapsed.Seconds())
}

// SetMode flips the mode gauge so exactly one label reports 1.
func (m *ChainMetrics) SetMode(mode string) {
	if m == nil {
		return
	}
	for _, known := range []string{"local", "public", "hibernation"} {
		value := 0.0
		if known == mode {
			value = 1.0
		}
		m.mode.WithLabelValues(known).Set(value)
	}
}

// SetBreakerState publishes the numeric breaker state.
func (m *ChainMetrics) SetBreakerState(state float64) {
	if m == nil {
		return
	}
	m.breakerState.Set(state)
}

// SetHibernating publishes the hibernation flag.
func (m *ChainMetrics) SetHibernating(hibernating bool) {
	if m == nil {
		return
	}
	if hibernating {
		m.hibernating.Set(1)
		return
	}
	m.hibernating.Set(0)
}

// ObserveVerification counts one verification outcome.
func (m *VerifierMetrics) ObserveVerification(outcome string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(outcome).Inc()
}

// SetReplayLedgerSize publishes the replay ledger entry count.
func (m *VerifierMetrics) SetReplayLedgerSize(n int) {
	if m == nil {
		return
	}
	m.replaySize.Set(float64(n))
}

// ObserveDroppedNotification counts a notification lost to backpressure.
func (m *VerifierMetrics) ObserveDroppedNotification() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
