// Package metrics provides Prometheus instrumentation for the chat client:
// connection status, reconnect attempts, inbound frame throughput and the
// outcome of optimistic sends.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Client holds the collectors for one client session. Collectors are
// registered on the registry handed to New so that tests can use a private
// registry per instance.
type Client struct {
	// ConnectionStatus is 1 for the active status label and 0 for the others.
	ConnectionStatus *prometheus.GaugeVec

	// ReconnectAttempts counts scheduled reconnections.
	ReconnectAttempts prometheus.Counter

	// FramesTotal counts inbound frames, labeled by result:
	// "dispatched" or "malformed".
	FramesTotal *prometheus.CounterVec

	// OutboundTotal counts outbound frames, labeled by result:
	// "sent", "dropped" or "failed".
	OutboundTotal *prometheus.CounterVec

	// HandlerPanics counts subscriber handlers that panicked.
	HandlerPanics prometheus.Counter

	// SendLatency records REST round trip time of optimistic sends.
	SendLatency prometheus.Histogram

	// OptimisticSends counts optimistic sends by outcome: "confirmed",
	// "rolled_back" or "deduplicated".
	OptimisticSends *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the collectors and registers them on a fresh registry.
func New() *Client {
	c := &Client{
		ConnectionStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chat_client_connection_status",
			Help: "Current connection status (1 for the active status)",
		}, []string{"status"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_client_reconnect_attempts_total",
			Help: "Total number of scheduled reconnection attempts",
		}),
		FramesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_client_frames_total",
			Help: "Total number of inbound frames",
		}, []string{"result"}), // result = "dispatched", "malformed"
		OutboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_client_outbound_total",
			Help: "Total number of outbound frames",
		}, []string{"result"}), // result = "sent", "dropped", "failed"
		HandlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_client_handler_panics_total",
			Help: "Total number of recovered subscriber panics",
		}),
		SendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_client_send_latency_seconds",
			Help:    "REST latency of optimistic message sends",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		OptimisticSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_client_optimistic_sends_total",
			Help: "Optimistic sends by outcome",
		}, []string{"outcome"}),
		registry: prometheus.NewRegistry(),
	}

	c.registry.MustRegister(
		c.ConnectionStatus,
		c.ReconnectAttempts,
		c.FramesTotal,
		c.OutboundTotal,
		c.HandlerPanics,
		c.SendLatency,
		c.OptimisticSends,
	)
	return c
}

// SetStatus marks status as the single active connection status.
func (c *Client) SetStatus(status string, all []string) {
	if c == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == status {
			v = 1
		}
		c.ConnectionStatus.WithLabelValues(s).Set(v)
	}
}

// Registry exposes the registry for gathering in tests.
func (c *Client) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the Prometheus metrics HTTP handler for this client.
func (c *Client) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
