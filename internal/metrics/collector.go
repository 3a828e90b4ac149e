// Package metrics exposes Prometheus counters for the chat client and the
// development relay. Each Collector owns its registry so several can coexist
// in one process (and in tests).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Send outcomes recorded by Collector.Send.
const (
	SendAccepted     = "accepted"
	SendNotConnected = "not_connected"
	SendInvalid      = "invalid"
	SendWriteError   = "write_error"
	SendRejected     = "rejected"
	SendConfirmed    = "confirmed"
)

// Collector aggregates client-side transport metrics. A nil *Collector is
// valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	framesIn        prometheus.Counter
	framesOut       prometheus.Counter
	malformed       prometheus.Counter
	reconnects      prometheus.Counter
	connectFailures prometheus.Counter
	sends           *prometheus.CounterVec
	open            prometheus.Gauge
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	start := time.Now()
	c := &Collector{
		registry: prometheus.NewRegistry(),
		framesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedchat_frames_received_total",
			Help: "Frames received from the relay.",
		}),
		framesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedchat_frames_sent_total",
			Help: "Frames written to the relay.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedchat_frames_malformed_total",
			Help: "Inbound frames dropped because they could not be decoded.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedchat_reconnect_attempts_total",
			Help: "Reconnection attempts scheduled after a failure or transport loss.",
		}),
		connectFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedchat_connection_failures_total",
			Help: "Connections that gave up after exhausting their attempts.",
		}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedchat_sends_total",
			Help: "Send requests by outcome.",
		}, []string{"result"}),
		open: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feedchat_open_connections",
			Help: "Conversations with an open transport.",
		}),
	}
	c.registry.MustRegister(
		c.framesIn, c.framesOut, c.malformed, c.reconnects, c.connectFailures, c.sends, c.open,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "feedchat_uptime_seconds",
			Help: "Time since start in seconds.",
		}, func() float64 { return time.Since(start).Seconds() }),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler renders the registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) FrameIn() {
	if c != nil {
		c.framesIn.Inc()
	}
}

func (c *Collector) FrameOut() {
	if c != nil {
		c.framesOut.Inc()
	}
}

func (c *Collector) Malformed() {
	if c != nil {
		c.malformed.Inc()
	}
}

func (c *Collector) Reconnect() {
	if c != nil {
		c.reconnects.Inc()
	}
}

func (c *Collector) ConnectFailure() {
	if c != nil {
		c.connectFailures.Inc()
	}
}

// Send records the outcome of one send request.
func (c *Collector) Send(result string) {
	if c != nil {
		c.sends.WithLabelValues(result).Inc()
	}
}

// Opened and Closed track the open-connection gauge.
func (c *Collector) Opened() {
	if c != nil {
		c.open.Inc()
	}
}

func (c *Collector) Closed() {
	if c != nil {
		c.open.Dec()
	}
}
