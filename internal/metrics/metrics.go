// Package metrics exposes Prometheus instrumentation for phase execution:
// counters for starts/successes/failures, a duration histogram, and a gauge
// for the Advisor's current rolling reward average. This is additive
// instrumentation layered on top of PolicyLogger's JSONL event stream, which
// remains the system of record the Advisor reads.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder wraps the registered instruments. The zero value is not usable;
// construct with New.
type Recorder struct {
	registry *prometheus.Registry

	phaseStarts   *prometheus.CounterVec
	phaseSuccess  *prometheus.CounterVec
	phaseFailures *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	rewardAverage prometheus.Gauge
}

// New constructs a Recorder with its own registry (never the global default,
// so multiple Orchestrators in tests don't collide on registration).
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		phaseStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_phase_starts_total",
			Help: "Number of phase invocations started, by phase.",
		}, []string{"phase"}),
		phaseSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_phase_success_total",
			Help: "Number of phase invocations that succeeded, by phase and engine.",
		}, []string{"phase", "engine"}),
		phaseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_phase_failures_total",
			Help: "Number of phase invocations that failed, by phase, engine, and failure kind.",
		}, []string{"phase", "engine", "kind"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_phase_duration_seconds",
			Help:    "Phase invocation duration in seconds, by phase and engine.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}, []string{"phase", "engine"}),
		rewardAverage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_advisor_reward_average",
			Help: "The Advisor's current rolling reward average across recent runs.",
		}),
	}
	reg.MustRegister(r.phaseStarts, r.phaseSuccess, r.phaseFailures, r.phaseDuration, r.rewardAverage)
	return r
}

// PhaseStarted records one phase invocation beginning.
func (r *Recorder) PhaseStarted(phase string) {
	r.phaseStarts.WithLabelValues(phase).Inc()
}

// PhaseSucceeded records one phase invocation's success, along with its
// wall-clock duration. engine is empty for phases without engine routing.
func (r *Recorder) PhaseSucceeded(phase, engine string, seconds float64) {
	r.phaseSuccess.WithLabelValues(phase, engine).Inc()
	r.phaseDuration.WithLabelValues(phase, engine).Observe(seconds)
}

// PhaseFailed records one phase invocation's failure.
func (r *Recorder) PhaseFailed(phase, engine, kind string, seconds float64) {
	r.phaseFailures.WithLabelValues(phase, engine, kind).Inc()
	r.phaseDuration.WithLabelValues(phase, engine).Observe(seconds)
}

// SetRewardAverage updates the Advisor reward gauge.
func (r *Recorder) SetRewardAverage(v float64) {
	r.rewardAverage.Set(v)
}

// Handler serves the registry's metrics in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
