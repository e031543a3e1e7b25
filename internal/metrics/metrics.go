// Package metrics provides Prometheus instrumentation for the presence and
// typing layer. It exposes gauges for live channels and gateway sessions,
// counters for realtime events, signals and failures, and the scrape handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// GatewayConnections tracks the current number of gateway websocket sessions.
	GatewayConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_gateway_connections",
		Help: "Current number of gateway websocket sessions",
	})

	// PresenceEvents counts presence events folded into a PresenceStore,
	// labeled by kind: "sync", "sync_ignored", "join", "leave", "reconnect".
	PresenceEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_events_total",
		Help: "Presence channel events processed by controllers",
	}, []string{"kind"})

	// StaleLeaves counts leave events dropped because the membership token no
	// longer matched the stored one.
	StaleLeaves = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_stale_leaves_total",
		Help: "Leave events ignored due to a membership token mismatch",
	})

	// TypingChannels tracks the number of cached typing channels.
	TypingChannels = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_typing_channels",
		Help: "Typing broadcast channels currently cached",
	})

	// TypingPings counts outgoing typing pings, labeled by result:
	// "sent", "throttled", "failed".
	TypingPings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_typing_pings_total",
		Help: "Outgoing typing pings",
	}, []string{"result"})

	// Notifications counts notifications added to a NotificationStore, by type.
	Notifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_notifications_total",
		Help: "Notifications raised",
	}, []string{"type"})

	// HeartbeatTicks counts heartbeat ticks, labeled by result: "ok", "error", "skipped".
	HeartbeatTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_heartbeat_ticks_total",
		Help: "Last-active heartbeat ticks",
	}, []string{"result"})

	// TransportErrors counts swallowed realtime transport failures, labeled by
	// operation: "subscribe", "unsubscribe", "track", "untrack", "send".
	TransportErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_transport_errors_total",
		Help: "Realtime transport failures absorbed by the presence layer",
	}, []string{"op"})

	// LastActiveLatency records the latency of last-active updates in seconds.
	LastActiveLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "presence_last_active_seconds",
		Help:    "Latency of last-active updates",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		GatewayConnections,
		PresenceEvents,
		StaleLeaves,
		TypingChannels,
		TypingPings,
		Notifications,
		HeartbeatTicks,
		TransportErrors,
		LastActiveLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
