// Package metrics holds the bridge's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bridge"

// Outcome labels for replies and callback deliveries.
const (
	OutcomeSuccess          = "success"
	OutcomeNoHandlers       = "no_handlers"
	OutcomeTimeout          = "timeout"
	OutcomeRecipientFailure = "recipient_failure"
	OutcomeError            = "error"

	OutcomeDelivered   = "delivered"
	OutcomeRejected    = "rejected"
	OutcomeUnreachable = "unreachable"
	OutcomeEncodeError = "encode_error"
)

type Metrics struct {
	registry *prometheus.Registry

	Requests      *prometheus.CounterVec
	BusReplies    *prometheus.CounterVec
	Deliveries    *prometheus.CounterVec
	SendsInflight prometheus.Gauge
}

// New creates the bridge collectors on a fresh registry together with the
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Bridge requests by instruction and HTTP status.",
		}, []string{"instruction", "status"}),
		BusReplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_replies_total",
			Help:      "Settled sends by outcome.",
		}, []string{"outcome"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Callback deliveries by outcome.",
		}, []string{"outcome"}),
		SendsInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sends_inflight",
			Help:      "Sends waiting for the bus to settle.",
		}),
	}

	m.registry.MustRegister(
		m.Requests,
		m.BusReplies,
		m.Deliveries,
		m.SendsInflight,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
