package session

import (
	"github.com/astromechza/theme-collab/pkg/awareness"
	"github.com/astromechza/theme-collab/pkg/protocol"
	"github.com/astromechza/theme-collab/pkg/schedule"
)

// presence keeps the local awareness entry alive on the channel and evicts peers that went
// quiet without saying goodbye.
type presence struct {
	heartbeat schedule.Timer
	sweep     schedule.Timer
}

func (p *presence) start(s *Session) {
	p.heartbeat = s.every(s.opts.HeartbeatInterval, func() {
		s.awareness.Renew()
		p.announce(s)
	})
	p.sweep = s.every(s.opts.PresenceTimeout/10, func() {
		if gone := s.awareness.CheckTimeouts(); len(gone) > 0 {
			s.log.Info("evicted silent peers", "replicas", gone)
		}
	})
}

func (p *presence) stop() {
	for _, t := range []*schedule.Timer{&p.heartbeat, &p.sweep} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

// announce broadcasts the local awareness entry. A removed entry is sent too, which is how
// peers learn that we left.
func (p *presence) announce(s *Session) {
	payload, err := s.awareness.EncodeUpdate(s.replicaID)
	if err != nil {
		s.log.Error("failed to encode presence", "err", err)
		return
	}
	s.send(protocol.Presence{From: s.replicaID, Payload: payload})
}

// onChange rebroadcasts local presence changes while connected.
func (p *presence) onChange(s *Session, ch awareness.Change) {
	if ch.Origin != awareness.OriginLocal || !ch.Touches(s.replicaID) {
		return
	}
	if s.status != StatusConnected {
		return
	}
	p.announce(s)
}
