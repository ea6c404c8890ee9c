package call

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the handler's Prometheus instruments.
type Metrics struct {
	ActiveCalls prometheus.Gauge
	CallsTotal  *prometheus.CounterVec
	TurnsTotal  prometheus.Counter
}

// NewMetrics builds and, when reg is non-nil, registers the call metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActiveCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "calls_active",
			Help: "Calls currently in a non-terminal state.",
		}),
		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "calls_total",
			Help: "Finished calls by direction and result.",
		}, []string{"direction", "result"}),
		TurnsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "call_turns_total",
			Help: "Caller utterances forwarded to the AI.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ActiveCalls, m.CallsTotal, m.TurnsTotal)
	}
	return m
}
