package projection

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	AppliedTotal *prometheus.CounterVec
	SkippedTotal *prometheus.CounterVec
	Lag          prometheus.Gauge
	Checkpoint   prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AppliedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "projection_applied_total", Help: "Read model upserts applied, by kind."},
			[]string{"kind"},
		),
		SkippedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "projection_skipped_total", Help: "Redelivered events skipped, by kind."},
			[]string{"kind"},
		),
		Lag: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "projection_lag_events", Help: "Committed events not yet projected."},
		),
		Checkpoint: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "projection_checkpoint_position", Help: "Last projected global position."},
		),
	}
	reg.MustRegister(m.AppliedTotal, m.SkippedTotal, m.Lag, m.Checkpoint)
	return m
}

func (m *Metrics) applied(kind string) {
	if m == nil {
		return
	}
	m.AppliedTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) skipped(kind string) {
	if m == nil {
		return
	}
	m.SkippedTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) position(checkpoint, head int64) {
	if m == nil {
		return
	}
	m.Checkpoint.Set(float64(checkpoint))
	lag := head - checkpoint
	if lag < 0 {
		lag = 0
	}
	m.Lag.Set(float64(lag))
}
