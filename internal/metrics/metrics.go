// Package metrics provides Prometheus instrumentation for the chat sync
// client: gateway request and refresh outcomes, realtime connection state,
// inbound event throughput and timeline sizes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts gateway requests labeled by outcome:
	// "ok", "rejected", "auth_expired" or "network".
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_requests_total",
		Help: "Total number of API gateway requests by outcome",
	}, []string{"outcome"})

	// RequestLatency records round-trip time of gateway requests in seconds,
	// including any credential renewal and replay.
	RequestLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chatsync_request_latency_seconds",
		Help:    "API gateway request latency in seconds",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// RefreshesTotal counts credential renewals labeled by outcome:
	// "ok" or "failed".
	RefreshesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_refreshes_total",
		Help: "Total number of credential renewals by outcome",
	}, []string{"outcome"})

	// ReconnectAttempts counts automatic reconnection attempts.
	ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_reconnect_attempts_total",
		Help: "Total number of realtime reconnection attempts",
	})

	// RealtimeState is 1 for the current realtime channel state and 0 for
	// the others.
	RealtimeState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatsync_realtime_state",
		Help: "Current realtime channel state",
	}, []string{"state"})

	// EventsTotal counts inbound realtime events by name.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_events_total",
		Help: "Total number of inbound realtime events",
	}, []string{"event"})

	// TimelineMessages tracks the number of messages held per conversation.
	TimelineMessages = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chatsync_timeline_messages",
		Help: "Number of messages held in each conversation timeline",
	}, []string{"conversation"})
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestLatency,
		RefreshesTotal,
		ReconnectAttempts,
		RealtimeState,
		EventsTotal,
		TimelineMessages,
	)
}

// SetRealtimeState marks state as current in RealtimeState.
func SetRealtimeState(state string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		RealtimeState.WithLabelValues(s).Set(v)
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
