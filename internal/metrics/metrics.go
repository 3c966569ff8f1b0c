// Package metrics holds the Prometheus collectors shared by the detection
// pipeline. Collectors are registered on a caller-supplied registry so that
// several engines (and tests) never collide on the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the set of pipeline collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	LinesProcessed      prometheus.Counter
	DecodeFailures      prometheus.Counter
	StoreResets         prometheus.Counter
	PersistenceFailures prometheus.Counter
	DetectorMatches     *prometheus.CounterVec
	DetectorFaults      *prometheus.CounterVec
	Alerts              *prometheus.CounterVec
	AnomalyScore        prometheus.Histogram
	Lookups             *prometheus.CounterVec
	BreakerState        *prometheus.GaugeVec
	SubscriberFaults    *prometheus.CounterVec
	BruteForceSources   prometheus.Gauge
}

// New creates and registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LinesProcessed: f.NewCounter(prometheus.CounterOpts{
			Name: "tailguard_lines_processed_total",
			Help: "Plaintext lines pushed through the detection pipeline",
		}),
		DecodeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "tailguard_decode_failures_total",
			Help: "Records that could not be decrypted",
		}),
		StoreResets: f.NewCounter(prometheus.CounterOpts{
			Name: "tailguard_store_resets_total",
			Help: "Resets of the encrypted store after repeated decode failures",
		}),
		PersistenceFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "tailguard_persistence_failures_total",
			Help: "Alert inserts that failed and were left for the next cycle",
		}),
		DetectorMatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tailguard_detector_matches_total",
			Help: "Signature detector matches by detector",
		}, []string{"detector"}),
		DetectorFaults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tailguard_detector_faults_total",
			Help: "Detector errors and recovered panics by detector",
		}, []string{"detector"}),
		Alerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tailguard_alerts_total",
			Help: "Persisted alerts by attack type and severity",
		}, []string{"attack_type", "severity"}),
		AnomalyScore: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tailguard_anomaly_score",
			Help:    "Calibrated anomaly score per line",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		Lookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tailguard_lookups_total",
			Help: "External geo/reputation lookups by collaborator and outcome",
		}, []string{"collaborator", "outcome"}), // outcome: hit, miss, error, rejected, skipped
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tailguard_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
		SubscriberFaults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tailguard_subscriber_faults_total",
			Help: "Event subscriber callbacks that panicked",
		}, []string{"event"}),
		BruteForceSources: f.NewGauge(prometheus.GaugeOpts{
			Name: "tailguard_bruteforce_tracked_sources",
			Help: "Sources currently holding a brute-force window",
		}),
	}
}

func (m *Metrics) LineProcessed() {
	if m != nil {
		m.LinesProcessed.Inc()
	}
}

func (m *Metrics) DecodeFailed() {
	if m != nil {
		m.DecodeFailures.Inc()
	}
}

func (m *Metrics) StoreReset() {
	if m != nil {
		m.StoreResets.Inc()
	}
}

func (m *Metrics) PersistenceFailed() {
	if m != nil {
		m.PersistenceFailures.Inc()
	}
}

func (m *Metrics) DetectorMatched(detector string) {
	if m != nil {
		m.DetectorMatches.WithLabelValues(detector).Inc()
	}
}

func (m *Metrics) DetectorFaulted(detector string) {
	if m != nil {
		m.DetectorFaults.WithLabelValues(detector).Inc()
	}
}

func (m *Metrics) AlertRaised(attackType, severity string) {
	if m != nil {
		m.Alerts.WithLabelValues(attackType, severity).Inc()
	}
}

func (m *Metrics) ObserveScore(score float64) {
	if m != nil {
		m.AnomalyScore.Observe(score)
	}
}

func (m *Metrics) Lookup(collaborator, outcome string) {
	if m != nil {
		m.Lookups.WithLabelValues(collaborator, outcome).Inc()
	}
}

func (m *Metrics) SetBreakerState(name string, state float64) {
	if m != nil {
		m.BreakerState.WithLabelValues(name).Set(state)
	}
}

func (m *Metrics) SubscriberFaulted(event string) {
	if m != nil {
		m.SubscriberFaults.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) SetBruteForceSources(n int) {
	if m != nil {
		m.BruteForceSources.Set(float64(n))
	}
}
