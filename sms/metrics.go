package sms

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the handler's Prometheus instruments.
type Metrics struct {
	Received          prometheus.Counter
	Sent              prometheus.Counter
	PaymentsConfirmed prometheus.Counter
	ForwardErrors     prometheus.Counter
}

// NewMetrics builds and, when reg is non-nil, registers the SMS counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sms_received_total",
			Help: "Messages drained from modem storage.",
		}),
		Sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sms_sent_total",
			Help: "Messages sent through the fleet.",
		}),
		PaymentsConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sms_payments_confirmed_total",
			Help: "Payment expectations resolved by an incoming message.",
		}),
		ForwardErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sms_forward_errors_total",
			Help: "Messages that could not be delivered to the platform.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Received, m.Sent, m.PaymentsConfirmed, m.ForwardErrors)
	}
	return m
}
