package gate

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	CallsTotal       *prometheus.CounterVec
	AttemptsTotal    *prometheus.CounterVec
	TransitionsTotal *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gate_calls_total", Help: "Gate Execute calls by final outcome."},
			[]string{"collaborator", "outcome"},
		),
		AttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gate_attempts_total", Help: "Individual collaborator attempts by outcome."},
			[]string{"collaborator", "outcome"},
		),
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "gate_breaker_transitions_total", Help: "Circuit breaker state transitions."},
			[]string{"collaborator", "to"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "gate_breaker_state", Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)."},
			[]string{"collaborator"},
		),
	}
	reg.MustRegister(m.CallsTotal, m.AttemptsTotal, m.TransitionsTotal, m.BreakerState)
	return m
}

// TransitionHook returns a hook that keeps the state gauge current.
func (m *Metrics) TransitionHook() TransitionHook {
	return func(t Transition) {
		m.TransitionsTotal.WithLabelValues(t.Collaborator, string(t.To)).Inc()
		m.BreakerState.WithLabelValues(t.Collaborator).Set(stateValue(t.To))
	}
}

func (m *Metrics) call(collaborator string, c Class) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(collaborator, c.String()).Inc()
}

func (m *Metrics) attempt(collaborator string, c Class) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(collaborator, c.String()).Inc()
}

func stateValue(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}
