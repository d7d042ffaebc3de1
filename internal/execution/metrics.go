package execution

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the orchestrator's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Launches       *prometheus.CounterVec
	RestartPolls   prometheus.Counter
	ActiveSessions prometheus.Gauge
	BeforeRunSteps *prometheus.CounterVec
	Events         *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runctl",
			Name:      "launches_total",
			Help:      "Launch attempts by mode and result.",
		}, []string{"mode", "result"}),
		RestartPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "runctl",
			Name:      "restart_polls_total",
			Help:      "Restart termination checks that had to be rescheduled.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "runctl",
			Name:      "active_sessions",
			Help:      "Sessions currently tracked by the registry.",
		}),
		BeforeRunSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runctl",
			Name:      "before_run_steps_total",
			Help:      "Before-run steps by provider and result.",
		}, []string{"provider", "result"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "runctl",
			Name:      "events_total",
			Help:      "Lifecycle events emitted by type.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.Launches, m.RestartPolls, m.ActiveSessions, m.BeforeRunSteps, m.Events)
	}
	return m
}

func (m *Metrics) launch(mode Mode, result string) {
	if m != nil {
		m.Launches.WithLabelValues(string(mode), result).Inc()
	}
}

func (m *Metrics) restartPoll() {
	if m != nil {
		m.RestartPolls.Inc()
	}
}

func (m *Metrics) sessionAdded() {
	if m != nil {
		m.ActiveSessions.Inc()
	}
}

func (m *Metrics) sessionRemoved() {
	if m != nil {
		m.ActiveSessions.Dec()
	}
}

func (m *Metrics) stepDone(provider, result string) {
	if m != nil {
		m.BeforeRunSteps.WithLabelValues(provider, result).Inc()
	}
}

func (m *Metrics) event(t EventType) {
	if m != nil {
		m.Events.WithLabelValues(string(t)).Inc()
	}
}
