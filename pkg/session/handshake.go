package session

import (
	"github.com/astromechza/theme-collab/pkg/crdt"
	"github.com/astromechza/theme-collab/pkg/protocol"
	"github.com/astromechza/theme-collab/pkg/schedule"
)

// handshake asks the peers already on the channel for their state. Any targeted response
// marks the session synced; with no peers around it falls back to synced after the timeout.
type handshake struct {
	timer schedule.Timer
}

func (h *handshake) start(s *Session) {
	s.send(protocol.SyncRequest{From: s.replicaID})
	h.timer = s.afterFunc(s.opts.SyncTimeout, func() {
		h.timer = nil
		if s.synced {
			return
		}
		s.log.Info("no sync response, assuming the document is synced", "timeout", s.opts.SyncTimeout)
		s.metrics.HandshakeFallbacks.Inc()
		s.markSynced()
	})
}

func (h *handshake) stop() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

// respond answers a peer's sync-request with our full state, addressed to that peer only,
// and re-announces our presence so the newcomer learns about us without waiting for a heartbeat.
func (h *handshake) respond(s *Session, req protocol.SyncRequest) {
	state, err := s.doc.EncodeStateAsUpdate()
	if err != nil {
		s.log.Error("failed to encode state for sync response", "peer", req.From, "err", err)
		return
	}
	s.send(protocol.SyncResponse{From: s.replicaID, Target: req.From, Payload: state})
	s.presence.announce(s)
}

func (h *handshake) receive(s *Session, resp protocol.SyncResponse) {
	if resp.Target != s.replicaID {
		s.metrics.FramesDropped.WithLabelValues(dropNotTargeted).Inc()
		return
	}
	if err := s.applyRemote(resp.Payload, crdt.OriginSync); err != nil {
		s.metrics.ApplyFailures.Inc()
		s.log.Warn("failed to apply sync response", "peer", resp.From, "err", err)
		return
	}
	if !s.synced {
		h.stop()
		s.log.Info("document synced", "peer", resp.From)
		s.markSynced()
	}
}
