package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RelayCollector tracks the development relay.
type RelayCollector struct {
	registry *prometheus.Registry

	clients  prometheus.Gauge
	routed   prometheus.Counter
	rejected *prometheus.CounterVec
}

func NewRelayCollector() *RelayCollector {
	r := &RelayCollector{
		registry: prometheus.NewRegistry(),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedchat_relay_clients",
			Help: "Connected WebSocket clients.",
		}),
		routed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedchat_relay_messages_routed_total",
			Help: "Messages acknowledged and forwarded.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedchat_relay_frames_rejected_total",
			Help: "Frames rejected by reason.",
		}, []string{"reason"}),
	}
	r.registry.MustRegister(r.clients, r.routed, r.rejected)
	return r
}

func (r *RelayCollector) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *RelayCollector) ClientConnected()    { r.clients.Inc() }
func (r *RelayCollector) ClientDisconnected() { r.clients.Dec() }
func (r *RelayCollector) Routed()             { r.routed.Inc() }
func (r *RelayCollector) Rejected(reason string) {
	r.rejected.WithLabelValues(reason).Inc()
}

// RejectedCounter returns the counter for one reject reason.
func (r *RelayCollector) RejectedCounter(reason string) prometheus.Counter {
	return r.rejected.WithLabelValues(reason)
}
