// Prometheus metrics for the bridge. Counters and gauges only; a loopback
// relay has no latency distribution worth a histogram.
package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// FramesRouted tracks frames delivered to a peer, by message type.
var FramesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "deskbridge",
	Name:      "frames_routed_total",
	Help:      "Total frames delivered to a peer.",
}, []string{"type"})

// FramesDropped tracks frames discarded instead of delivered, by reason
// (no_peer, timeout, queue_overflow, backpressure).
var FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "deskbridge",
	Name:      "frames_dropped_total",
	Help:      "Total frames discarded instead of delivered.",
}, []string{"reason"})

// FrameErrors tracks rejected inbound frames, by error code.
var FrameErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "deskbridge",
	Name:      "frame_errors_total",
	Help:      "Total inbound frames rejected.",
}, []string{"code"})

// PeersActive tracks the active peer count per role (0 or 1).
var PeersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "deskbridge",
	Name:      "peers_active",
	Help:      "Active peers per role.",
}, []string{"role"})

// Supersessions tracks how often a new connection displaced an active peer.
var Supersessions = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "deskbridge",
	Name:      "supersessions_total",
	Help:      "Total peer supersessions.",
})

// QueueDepth tracks pending queued messages per target role.
var QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "deskbridge",
	Name:      "queue_depth",
	Help:      "Messages queued for an absent target role.",
}, []string{"role"})
