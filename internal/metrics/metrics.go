package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for lifecycle operations.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Lifecycle holds the collectors for call lifecycle operations.
// A nil *Lifecycle is valid and records nothing.
type Lifecycle struct {
	registry *prometheus.Registry

	ops              *prometheus.CounterVec
	providerFailures *prometheus.CounterVec
	completionRaces  prometheus.Counter
	activeStreams    prometheus.Gauge
}

func New() *Lifecycle {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Lifecycle{
		registry: reg,
		ops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meetai",
			Name:      "call_operations_total",
			Help:      "Lifecycle operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		providerFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meetai",
			Name:      "provider_failures_total",
			Help:      "Failed provider bridge calls by operation.",
		}, []string{"op"}),
		completionRaces: f.NewCounter(prometheus.CounterOpts{
			Namespace: "meetai",
			Name:      "call_completion_races_total",
			Help:      "Completions that lost the guarded transition to a concurrent caller.",
		}),
		activeStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "meetai",
			Name:      "event_streams_active",
			Help:      "Open client event streams on this instance.",
		}),
	}
}

func (m *Lifecycle) Op(op, outcome string) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(op, outcome).Inc()
}

func (m *Lifecycle) ProviderFailure(op string) {
	if m == nil {
		return
	}
	m.providerFailures.WithLabelValues(op).Inc()
}

func (m *Lifecycle) CompletionRace() {
	if m == nil {
		return
	}
	m.completionRaces.Inc()
}

func (m *Lifecycle) StreamOpened() {
	if m == nil {
		return
	}
	m.activeStreams.Inc()
}

func (m *Lifecycle) StreamClosed() {
	if m == nil {
		return
	}
	m.activeStreams.Dec()
}

// Handler exposes the registry in the Prometheus text format.
func (m *Lifecycle) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer is exposed for tests.
func (m *Lifecycle) Gatherer() prometheus.Gatherer {
	return m.registry
}
