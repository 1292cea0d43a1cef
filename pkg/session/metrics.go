package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons reported on the frames_dropped counter.
const (
	dropOwnEcho     = "own-echo"
	dropMalformed   = "malformed"
	dropNotTargeted = "not-targeted"
	dropGuarded     = "guarded"
)

// Metrics can be shared by every session of a process.
type Metrics struct {
	FramesSent         *prometheus.CounterVec
	FramesReceived     *prometheus.CounterVec
	FramesDropped      *prometheus.CounterVec
	LocalUpdates       prometheus.Counter
	ApplyFailures      prometheus.Counter
	SendFailures       prometheus.Counter
	HandshakeFallbacks prometheus.Counter
	ConnectedSessions  prometheus.Gauge
}

// NewMetrics builds the session collectors and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_frames_sent_total",
			Help: "Frames broadcast by sessions, by event.",
		}, []string{"event"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_frames_received_total",
			Help: "Frames accepted from the channel, by event.",
		}, []string{"event"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collab_frames_dropped_total",
			Help: "Frames or updates discarded, by reason.",
		}, []string{"reason"}),
		LocalUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_local_updates_total",
			Help: "Local document updates queued for broadcast.",
		}),
		ApplyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_apply_failures_total",
			Help: "Remote updates that could not be applied.",
		}),
		SendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_send_failures_total",
			Help: "Frames the transport failed to send.",
		}),
		HandshakeFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collab_handshake_fallbacks_total",
			Help: "Handshakes that timed out and assumed the document was synced.",
		}),
		ConnectedSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collab_connected_sessions",
			Help: "Sessions currently connected to their channel.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.FramesSent, m.FramesReceived, m.FramesDropped, m.LocalUpdates,
			m.ApplyFailures, m.SendFailures, m.HandshakeFallbacks, m.ConnectedSessions,
		)
	}
	return m
}
