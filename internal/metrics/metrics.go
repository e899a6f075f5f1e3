// Package metrics provides Prometheus instrumentation for the chat relay.
// It exposes gauges for connection and room counts, counters for message
// throughput and consistency faults, and a histogram for broadcast fan-out
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections
	// at the transport layer.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the relay's global presence count.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_online_users",
		Help: "Current global online user count as seen by the relay core",
	})

	// OccupiedRooms tracks the number of rooms with at least one occupant.
	OccupiedRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_occupied_rooms",
		Help: "Current number of rooms with at least one occupant",
	})

	// MessagesTotal counts room events processed by the router, labeled by
	// kind: "chat", "system", "file", or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_messages_total",
		Help: "Total number of room events processed",
	}, []string{"kind"})

	// BroadcastLatency records the time to fan one event out to a room.
	BroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "parley_broadcast_latency_seconds",
		Help:    "Room broadcast fan-out latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	})

	// ConsistencyFaults counts clamped internal-consistency errors (presence
	// underflow, unregister of an unknown connection).
	ConsistencyFaults = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_consistency_faults_total",
		Help: "Total number of clamped internal-consistency faults",
	})

	// FilesShared counts file-share notices injected by the upload service.
	FilesShared = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_files_shared_total",
		Help: "Total number of file-share notices relayed",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		OccupiedRooms,
		MessagesTotal,
		BroadcastLatency,
		ConsistencyFaults,
		FilesShared,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
