// Package metrics provides Prometheus instrumentation for realtime session
// clients. It exposes gauges for connection and match states, counters for
// frame throughput and reconnects, and a histogram for dial latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections tracks how many clients are in each connection state.
	Connections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rtclient_connections",
		Help: "Number of clients per connection state",
	}, []string{"state"}) // disconnected | connecting | open | reconnecting

	// Matches tracks how many clients are in each match state.
	Matches = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rtclient_matches",
		Help: "Number of clients per match state",
	}, []string{"state"}) // idle | waiting | matched

	// FramesTotal counts frames by direction ("in", "out") and frame type.
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtclient_frames_total",
		Help: "Total number of frames exchanged with the server",
	}, []string{"direction", "type"})

	// DroppedFramesTotal counts frames that were not applied or not sent,
	// labeled by reason: "malformed", "unknown", "not_connected", "queue_full".
	DroppedFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rtclient_dropped_frames_total",
		Help: "Total number of frames dropped by the client",
	}, []string{"reason"})

	// ReconnectsTotal counts reconnect attempts started by the reconnect timer.
	ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rtclient_reconnects_total",
		Help: "Total number of reconnect attempts",
	})

	// DialLatency records how long it takes to open the transport.
	DialLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rtclient_dial_latency_seconds",
		Help:    "Time to open the websocket transport",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})
)

func init() {
	prometheus.MustRegister(
		Connections,
		Matches,
		FramesTotal,
		DroppedFramesTotal,
		ReconnectsTotal,
		DialLatency,
	)
}

// Transition moves one client from state prev to state next on vec. An empty
// prev means the client is new; an empty next means it is going away.
func Transition(vec *prometheus.GaugeVec, prev, next string) {
	if prev == next {
		return
	}
	if prev != "" {
		vec.WithLabelValues(prev).Dec()
	}
	if next != "" {
		vec.WithLabelValues(next).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
