// Package metrics provides Prometheus instrumentation for the Tandem
// listening service. It exposes gauges for connections and online users,
// counters for event, message and sync throughput, and a histogram for hub
// event latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tandem_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of identities in the connection registry.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tandem_online_users",
		Help: "Current number of online user identities",
	})

	// EventsTotal counts hub events handled, labeled by event type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_events_total",
		Help: "Total number of hub events handled",
	}, []string{"type"})

	// EventLatency records the time from enqueue to handler completion.
	EventLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "tandem_event_latency_seconds",
		Help:    "Hub event latency from enqueue to completion in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// MessagesTotal counts chat messages by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"result"}) // result = "delivered", "stored", "invalid", "rejected", "failed"

	// SyncTotal counts sync negotiation steps.
	SyncTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_sync_total",
		Help: "Total number of sync negotiation steps",
	}, []string{"stage"}) // stage = "requested", "dropped", "accepted", "rejected", "undelivered"

	// ModerationFlags counts messages flagged by the moderator.
	ModerationFlags = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tandem_moderation_flags_total",
		Help: "Total number of messages flagged by moderation",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		EventsTotal,
		EventLatency,
		MessagesTotal,
		SyncTotal,
		ModerationFlags,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
