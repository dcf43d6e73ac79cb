package saga

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the coordinator's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	StartedTotal   *prometheus.CounterVec
	FinishedTotal  *prometheus.CounterVec
	StepsTotal     *prometheus.CounterVec
	ConflictsTotal prometheus.Counter
	Active         prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StartedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "saga_started_total", Help: "Sagas started by definition."},
			[]string{"definition"},
		),
		FinishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "saga_finished_total", Help: "Sagas reaching a terminal status."},
			[]string{"definition", "status"},
		),
		StepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "saga_steps_total", Help: "Step actions and compensations by outcome."},
			[]string{"definition", "step", "phase", "outcome"},
		),
		ConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "saga_append_conflicts_total", Help: "Optimistic concurrency conflicts while recording saga progress."},
		),
		Active: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "saga_active", Help: "Sagas currently driven by this process."},
		),
	}
	reg.MustRegister(m.StartedTotal, m.FinishedTotal, m.StepsTotal, m.ConflictsTotal, m.Active)
	return m
}

func (m *Metrics) started(def string) {
	if m == nil {
		return
	}
	m.StartedTotal.WithLabelValues(def).Inc()
}

func (m *Metrics) finished(def string, s Status) {
	if m == nil {
		return
	}
	m.FinishedTotal.WithLabelValues(def, string(s)).Inc()
}

func (m *Metrics) step(def, step, phase string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.StepsTotal.WithLabelValues(def, step, phase, outcome).Inc()
}

func (m *Metrics) conflict() {
	if m == nil {
		return
	}
	m.ConflictsTotal.Inc()
}

func (m *Metrics) activeDelta(d float64) {
	if m == nil {
		return
	}
	m.Active.Add(d)
}
