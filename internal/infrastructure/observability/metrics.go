package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry          *prometheus.Registry
	ActiveConnections prometheus.Gauge
	ExchangesTotal    *prometheus.CounterVec
	FramesTotal       *prometheus.CounterVec
	ProxyErrorsTotal  *prometheus.CounterVec
	CertsIssuedTotal  prometheus.Counter
	EvictionsTotal    prometheus.Counter
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ezshark",
			Name:      "active_connections",
			Help:      "Number of in-flight client connections",
		}),
		ExchangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ezshark",
			Name:      "exchanges_total",
			Help:      "Total captured exchanges by terminal state",
		}, []string{"state"}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ezshark",
			Name:      "ws_frames_total",
			Help:      "Total relayed WebSocket frames",
		}, []string{"direction", "opcode"}),
		ProxyErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ezshark",
			Name:      "proxy_errors_total",
			Help:      "Total proxy errors by stage",
		}, []string{"stage"}),
		CertsIssuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ezshark",
			Name:      "certs_issued_total",
			Help:      "Total leaf certificates signed",
		}),
		EvictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ezshark",
			Name:      "evictions_total",
			Help:      "Total exchanges evicted by retention",
		}),
	}
	r.MustRegister(m.ActiveConnections, m.ExchangesTotal, m.FramesTotal, m.ProxyErrorsTotal, m.CertsIssuedTotal, m.EvictionsTotal)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
