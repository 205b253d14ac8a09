// Package metrics exposes Prometheus collectors fed by engine events.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashureev/simroom/internal/domain"
	"github.com/ashureev/simroom/internal/engine"
)

const namespace = "simroom"

// Metrics counts engine events. It is safe for concurrent use.
type Metrics struct {
	registry *prometheus.Registry

	messages          *prometheus.CounterVec
	violations        *prometheus.CounterVec
	channelsCompleted prometheus.Counter
	submitted         *prometheus.CounterVec
	readiness         prometheus.Histogram
}

var _ engine.Publisher = (*Metrics)(nil)

// New registers the collectors on a fresh registry. active reports the
// number of live engines and may be nil.
func New(active func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Messages appended to channel logs, by role.",
		}, []string{"role"}),
		violations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_total",
			Help:      "Proctoring violations reported, by kind.",
		}, []string{"kind"}),
		channelsCompleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_completed_total",
			Help:      "Channels whose last question was answered.",
		}),
		submitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "simulations_submitted_total",
			Help:      "Simulations finalized, by reason.",
		}, []string{"reason"}),
	}
	m.readiness = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "startup_readiness_score",
		Help:      "Overall startup readiness index of scored simulations.",
		Buckets:   prometheus.LinearBuckets(1, 1, 10),
	})
	if active != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_simulations",
			Help:      "Engines currently held in memory.",
		}, func() float64 { return float64(active()) })
	}
	return m
}

// Publish implements engine.Publisher.
func (m *Metrics) Publish(ev engine.Event) {
	switch ev.Type {
	case engine.EventMessage:
		if ev.Message != nil {
			m.messages.WithLabelValues(string(ev.Message.Role)).Inc()
		}
	case engine.EventViolation:
		m.violations.WithLabelValues(ev.ViolationKind).Inc()
	case engine.EventChannelCompleted:
		m.channelsCompleted.Inc()
	case engine.EventSubmitted:
		m.submitted.WithLabelValues(string(ev.Reason)).Inc()
	}
}

// ObserveScored records the result of a finished evaluation.
func (m *Metrics) ObserveScored(s *domain.Scores) {
	if s == nil {
		return
	}
	m.readiness.Observe(s.OverallStartupReadinessIndex)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
