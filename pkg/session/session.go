// Package session replicates one text document across every replica joined to the same
// broadcast channel. A Session batches local edits, applies remote ones, keeps peers'
// presence fresh and runs the join handshake.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/theme-collab/pkg/awareness"
	"github.com/astromechza/theme-collab/pkg/crdt"
	"github.com/astromechza/theme-collab/pkg/protocol"
	"github.com/astromechza/theme-collab/pkg/schedule"
	"github.com/astromechza/theme-collab/pkg/transport"
)

type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDestroyed    Status = "destroyed"
)

var ErrDestroyed = errors.New("session destroyed")

type Session struct {
	opts      Options
	replicaID string
	channel   string
	log       *slog.Logger
	metrics   *Metrics

	doc       *crdt.Document
	awareness *awareness.Awareness

	mu     sync.Mutex
	status Status
	// gen changes on every connect and teardown so that callbacks from an older
	// subscription or timer become no-ops.
	gen      uint64
	sub      transport.Subscription
	synced   bool
	syncedCh chan struct{}
	identity *awareness.State

	guard    echoGuard
	batch    batcher
	shake    handshake
	presence presence

	listeners    map[int]func(Status)
	nextListener int
	notifyQueue  []Status

	cancelDoc       func()
	cancelAwareness func()
}

// New creates a disconnected session around doc. A fresh document is created when doc is nil.
func New(opts Options, doc *crdt.Document) (*Session, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid session options: %w", err)
	}
	if doc == nil {
		var err error
		if doc, err = crdt.New(opts.ReplicaID); err != nil {
			return nil, err
		}
	}

	s := &Session{
		opts:      opts,
		replicaID: opts.ReplicaID,
		channel:   ChannelName(opts.DocumentID),
		log:       opts.Logger.With("document", opts.DocumentID, "replica", opts.ReplicaID),
		metrics:   opts.Metrics,
		doc:       doc,
		awareness: awareness.New(opts.ReplicaID,
			awareness.WithTimeout(opts.PresenceTimeout),
			awareness.WithClock(opts.Scheduler.Now),
		),
		status:    StatusDisconnected,
		syncedCh:  make(chan struct{}),
		listeners: make(map[int]func(Status)),
	}
	if opts.Identity != nil {
		id := *opts.Identity
		s.identity = &id
	}
	s.batch = batcher{
		interval: opts.DebounceInterval,
		maxDelay: opts.MaxBatchDelay,
		now:      opts.Scheduler.Now,
		after:    s.afterFunc,
		emit: func(update []byte) {
			s.send(protocol.Update{From: s.replicaID, Payload: update})
		},
		log: s.log,
	}
	s.cancelDoc = doc.OnUpdate(s.onDocUpdate)
	s.cancelAwareness = s.awareness.OnChange(func(ch awareness.Change) {
		s.presence.onChange(s, ch)
	})
	return s, nil
}

func (s *Session) ReplicaID() string {
	return s.replicaID
}

func (s *Session) ChannelName() string {
	return s.channel
}

// Document returns the replicated document. Mutate it through Edit only.
func (s *Session) Document() *crdt.Document {
	return s.doc
}

// Awareness returns the presence of every known replica. Mutate the local entry through
// SetPresence or SetCursor only.
func (s *Session) Awareness() *awareness.Awareness {
	return s.awareness
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// IsSynced reports whether the join handshake completed on the current connection.
func (s *Session) IsSynced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced
}

// WaitSynced blocks until the current connection is synced or ctx is done.
func (s *Session) WaitSynced(ctx context.Context) error {
	s.mu.Lock()
	ch := s.syncedCh
	s.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnStatus registers fn for every status transition. It runs outside the session lock.
func (s *Session) OnStatus(fn func(Status)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// Connect subscribes to the document channel. It returns once the subscription is requested;
// the session becomes connected when the transport confirms it. Connecting an already
// connecting or connected session does nothing.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.unlockAndNotify()
	switch s.status {
	case StatusDestroyed:
		return ErrDestroyed
	case StatusConnecting, StatusConnected:
		return nil
	}

	s.gen++
	gen := s.gen
	s.setStatus(StatusConnecting)
	s.log.Info("connecting", "channel", s.channel)
	sub, err := s.opts.Transport.Subscribe(ctx, s.channel, transport.Handler{
		OnStatus: func(st transport.Status, err error) {
			s.onTransportStatus(gen, st, err)
		},
		OnMessage: func(payload []byte) {
			s.onMessage(gen, payload)
		},
	})
	if err != nil {
		s.gen++
		s.setStatus(StatusDisconnected)
		return fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}
	s.sub = sub
	return nil
}

// Disconnect says goodbye to the channel and stops every timer. Local edits made while
// disconnected are kept and sent on the next Connect.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.unlockAndNotify()
	if s.status == StatusDestroyed || s.status == StatusDisconnected {
		return nil
	}
	s.teardown(true)
	return nil
}

// Destroy disconnects and releases the session for good.
func (s *Session) Destroy() error {
	s.mu.Lock()
	defer s.unlockAndNotify()
	if s.status == StatusDestroyed {
		return nil
	}
	if s.status != StatusDisconnected {
		s.teardown(true)
	}
	if s.batch.hasPending() {
		s.log.Warn("dropping unsent edits")
	}
	s.batch.discard()
	s.cancelDoc()
	s.cancelAwareness()
	s.awareness.Destroy()
	s.setStatus(StatusDestroyed)
	s.log.Info("session destroyed")
	return nil
}

// Edit applies fn to the document text. The resulting update is broadcast after the debounce.
func (s *Session) Edit(fn func(t *crdt.Text) error) error {
	s.mu.Lock()
	defer s.unlockAndNotify()
	if s.status == StatusDestroyed {
		return ErrDestroyed
	}
	return s.doc.Edit(fn)
}

// SetPresence replaces the local identity. The cursor is kept unless state carries one.
func (s *Session) SetPresence(state awareness.State) error {
	s.mu.Lock()
	defer s.unlockAndNotify()
	if s.status == StatusDestroyed {
		return ErrDestroyed
	}
	s.awareness.UpdateLocalState(func(cur *awareness.State) {
		cursor := cur.Cursor
		*cur = state
		if cur.Cursor == nil {
			cur.Cursor = cursor
		}
	})
	s.identity = s.awareness.LocalState()
	return nil
}

// SetCursor updates the local selection. A nil cursor clears it.
func (s *Session) SetCursor(c *awareness.Cursor) error {
	s.mu.Lock()
	defer s.unlockAndNotify()
	if s.status == StatusDestroyed {
		return ErrDestroyed
	}
	s.awareness.UpdateLocalState(func(cur *awareness.State) {
		cur.Cursor = c
	})
	s.identity = s.awareness.LocalState()
	return nil
}

func (s *Session) onTransportStatus(gen uint64, st transport.Status, err error) {
	s.mu.Lock()
	defer s.unlockAndNotify()
	if gen != s.gen || s.sub == nil {
		return
	}
	switch st {
	case transport.StatusSubscribed:
		if s.status == StatusConnecting {
			s.onConnected()
		}
	case transport.StatusChannelError, transport.StatusTimedOut:
		s.log.Warn("channel lost", "status", st, "err", err)
		s.teardown(false)
	case transport.StatusClosed:
		s.log.Warn("channel closed by transport")
		s.teardown(false)
	}
}

// onConnected runs once the subscription is confirmed.
func (s *Session) onConnected() {
	if s.identity != nil && s.awareness.LocalState() == nil {
		s.awareness.SetLocalState(s.identity)
	}
	s.setStatus(StatusConnected)
	s.metrics.ConnectedSessions.Inc()
	s.log.Info("connected", "channel", s.channel)

	s.shake.start(s)
	// Peers may have evicted us at our last clock; a fresh one makes them accept us again.
	s.awareness.Renew()
	s.presence.announce(s)
	s.presence.start(s)

	// Peers that joined while we were away have none of our changes, so catch the whole
	// channel up. This also covers anything still pending in the batcher.
	if !s.doc.Pristine() {
		s.batch.discard()
		state, err := s.doc.EncodeStateAsUpdate()
		if err != nil {
			s.log.Error("failed to encode state", "err", err)
			return
		}
		s.send(protocol.Update{From: s.replicaID, Payload: state})
	}
}

// teardown stops everything tied to the current subscription. With goodbye set, peers are
// told that our presence is gone first.
func (s *Session) teardown(goodbye bool) {
	if goodbye && s.status == StatusConnected {
		if local := s.awareness.LocalState(); local != nil {
			s.identity = local
			s.awareness.SetLocalState(nil)
		}
	}
	s.shake.stop()
	s.presence.stop()
	s.batch.stop()
	if s.batch.hasPending() {
		s.log.Info("keeping unsent edits until the next connect")
	}
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.log.Warn("failed to unsubscribe", "channel", s.channel, "err", err)
		}
		s.sub = nil
	}
	if s.status == StatusConnected {
		s.metrics.ConnectedSessions.Dec()
	}
	if s.synced {
		s.synced = false
		s.syncedCh = make(chan struct{})
	}
	s.gen++
	s.setStatus(StatusDisconnected)
	s.log.Info("disconnected", "channel", s.channel)
}

func (s *Session) onMessage(gen uint64, raw []byte) {
	s.mu.Lock()
	defer s.unlockAndNotify()
	if gen != s.gen || s.status != StatusConnected {
		return
	}
	if sender, err := protocol.PeekSender(raw); err == nil && sender == s.replicaID {
		s.metrics.FramesDropped.WithLabelValues(dropOwnEcho).Inc()
		return
	}
	frame, err := protocol.Unmarshal(raw)
	if err != nil {
		s.metrics.FramesDropped.WithLabelValues(dropMalformed).Inc()
		s.log.Warn("failed to decode frame", "err", err)
		return
	}
	s.metrics.FramesReceived.WithLabelValues(string(frame.Event())).Inc()

	switch f := frame.(type) {
	case protocol.Update:
		if err := s.applyRemote(f.Payload, crdt.OriginRemote); err != nil {
			s.metrics.ApplyFailures.Inc()
			s.log.Warn("failed to apply update", "peer", f.From, "err", err)
		}
	case protocol.Presence:
		if err := s.awareness.ApplyUpdate(f.Payload, awareness.OriginRemote); err != nil {
			s.metrics.FramesDropped.WithLabelValues(dropMalformed).Inc()
			s.log.Warn("failed to apply presence", "peer", f.From, "err", err)
		}
	case protocol.SyncRequest:
		s.shake.respond(s, f)
	case protocol.SyncResponse:
		s.shake.receive(s, f)
	}
}

// applyRemote merges a peer's payload with the echo guard held.
func (s *Session) applyRemote(payload []byte, origin crdt.Origin) error {
	return s.guard.run(func() error {
		return s.doc.ApplyUpdate(payload, origin)
	})
}

// onDocUpdate runs synchronously inside doc.Edit or doc.ApplyUpdate, so the session lock is
// already held.
func (s *Session) onDocUpdate(update []byte, origin crdt.Origin) {
	if !origin.IsLocal() {
		return
	}
	if s.guard.active() {
		s.metrics.FramesDropped.WithLabelValues(dropGuarded).Inc()
		return
	}
	s.metrics.LocalUpdates.Inc()
	s.batch.add(update, s.status == StatusConnected)
}

func (s *Session) send(f protocol.Frame) {
	if s.sub == nil {
		return
	}
	raw, err := protocol.Marshal(f)
	if err != nil {
		s.log.Error("failed to encode frame", "event", f.Event(), "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.SendTimeout)
	defer cancel()
	if err := s.sub.Send(ctx, raw); err != nil {
		s.metrics.SendFailures.Inc()
		s.log.Warn("failed to send frame", "event", f.Event(), "err", err)
		return
	}
	s.metrics.FramesSent.WithLabelValues(string(f.Event())).Inc()
}

func (s *Session) markSynced() {
	if !s.synced {
		s.synced = true
		close(s.syncedCh)
	}
}

// afterFunc schedules f under the session lock. It does nothing if the subscription it was
// scheduled for is gone by the time it fires.
func (s *Session) afterFunc(d time.Duration, f func()) schedule.Timer {
	return s.opts.Scheduler.AfterFunc(d, s.guarded(f))
}

func (s *Session) every(d time.Duration, f func()) schedule.Timer {
	return s.opts.Scheduler.Every(d, s.guarded(f))
}

func (s *Session) guarded(f func()) func() {
	gen := s.gen
	return func() {
		s.mu.Lock()
		defer s.unlockAndNotify()
		if s.gen != gen || s.sub == nil {
			return
		}
		f()
	}
}

func (s *Session) setStatus(st Status) {
	if s.status == st {
		return
	}
	s.status = st
	s.notifyQueue = append(s.notifyQueue, st)
}

// unlockAndNotify releases the lock and then tells listeners about queued transitions.
func (s *Session) unlockAndNotify() {
	queue := s.notifyQueue
	s.notifyQueue = nil
	var listeners []func(Status)
	if len(queue) > 0 {
		listeners = make([]func(Status), 0, len(s.listeners))
		for _, fn := range s.listeners {
			listeners = append(listeners, fn)
		}
	}
	s.mu.Unlock()
	for _, st := range queue {
		for _, fn := range listeners {
			fn(st)
		}
	}
}
