package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the live-share relay.
//
// Naming convention: namespace_subsystem_name
// - namespace: liveshare (application-level grouping)
// - subsystem: websocket, doc, control, room, store (feature-level grouping)
// - name: specific metric (connections_active, frames_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, documents, rooms)
// - Counter: Cumulative events (frames relayed, persistence ops)
// - Histogram: Latency distributions (frame handling time)

var (
	// SyncConnections tracks active sockets on the CRDT sync channel
	SyncConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "liveshare",
		Subsystem: "websocket",
		Name:      "sync_connections_active",
		Help:      "Current number of active CRDT sync connections",
	})

	// ControlConnections tracks active sockets on the control channel
	ControlConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "liveshare",
		Subsystem: "websocket",
		Name:      "control_connections_active",
		Help:      "Current number of active control connections",
	})

	// ActiveDocuments tracks documents currently held in memory
	ActiveDocuments = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "liveshare",
		Subsystem: "doc",
		Name:      "documents_active",
		Help:      "Current number of in-memory documents",
	})

	// ActiveControlRooms tracks control rooms with at least one socket
	ActiveControlRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "liveshare",
		Subsystem: "control",
		Name:      "rooms_active",
		Help:      "Current number of active control rooms",
	})

	// RegisteredRooms tracks rooms known to the registry
	RegisteredRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "liveshare",
		Subsystem: "room",
		Name:      "registered_total",
		Help:      "Current number of registered rooms",
	})

	// RelayedFrames counts frames relayed by channel and frame type
	RelayedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveshare",
		Subsystem: "websocket",
		Name:      "frames_relayed_total",
		Help:      "Total frames relayed to peers",
	}, []string{"channel", "frame_type"})

	// PersistOps counts snapshot writes by outcome
	PersistOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveshare",
		Subsystem: "store",
		Name:      "persist_ops_total",
		Help:      "Total document snapshot writes",
	}, []string{"status"})

	// RateLimitRejections counts requests rejected by the room rate limiter
	RateLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "liveshare",
		Subsystem: "room",
		Name:      "rate_limit_rejections_total",
		Help:      "Total REST requests rejected by the rate limiter",
	})

	// FrameProcessingDuration tracks time spent handling inbound frames
	FrameProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "liveshare",
		Subsystem: "websocket",
		Name:      "frame_processing_seconds",
		Help:      "Time spent processing inbound WebSocket frames",
		Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	}, []string{"channel"})
)
