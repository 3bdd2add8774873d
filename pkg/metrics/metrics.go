// Package metrics exposes Prometheus instruments for the chat lifecycle.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Inbound
	MessagesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txtchat_messages_received_total",
		Help: "Inbound messages decoded from the platform",
	})
	MessagesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txtchat_messages_accepted_total",
		Help: "Inbound messages routed to the response engine",
	})
	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txtchat_messages_dropped_total",
		Help: "Inbound messages dropped by the router, by reason",
	}, []string{"reason"})
	ProtocolErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "txtchat_protocol_errors_total",
		Help: "Malformed frames dropped by the receive loop",
	})

	// Outbound
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txtchat_deliveries_total",
		Help: "Outbound responses by result (sent, pending, dropped, flushed)",
	}, []string{"result"})
	EngineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "txtchat_engine_duration_seconds",
		Help:    "Response engine call duration seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	// Lifecycle
	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "txtchat_reconnects_total",
		Help: "Session teardowns followed by a reconnect, by cause",
	}, []string{"cause"})
	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "txtchat_connection_state",
		Help: "1 for the current lifecycle state of each provider, 0 otherwise",
	}, []string{"provider", "state"})
	SubscribedChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "txtchat_subscribed_channels",
		Help: "Direct channels tracked by the subscription registry",
	})
)

// ObserveSince records the time elapsed since start in obs.
func ObserveSince(obs prometheus.Observer, start time.Time) time.Duration {
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}
