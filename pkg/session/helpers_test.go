package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/astromechza/theme-collab/pkg/awareness"
	"github.com/astromechza/theme-collab/pkg/crdt"
	"github.com/astromechza/theme-collab/pkg/protocol"
	"github.com/astromechza/theme-collab/pkg/schedule"
	"github.com/astromechza/theme-collab/pkg/transport"
	"github.com/astromechza/theme-collab/pkg/transport/memory"
)

const testDocument = "sections/header.liquid"

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

// countingTransport counts the frames its subscriptions managed to send, by event.
type countingTransport struct {
	transport.Transport

	mu   sync.Mutex
	sent map[protocol.Event]int
}

func (c *countingTransport) Subscribe(ctx context.Context, channel string, h transport.Handler) (transport.Subscription, error) {
	sub, err := c.Transport.Subscribe(ctx, channel, h)
	if err != nil {
		return nil, err
	}
	return &countingSubscription{Subscription: sub, parent: c}, nil
}

func (c *countingTransport) Sent(e protocol.Event) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[e]
}

func (c *countingTransport) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.sent {
		n += v
	}
	return n
}

type countingSubscription struct {
	transport.Subscription
	parent *countingTransport
}

func (s *countingSubscription) Send(ctx context.Context, payload []byte) error {
	if err := s.Subscription.Send(ctx, payload); err != nil {
		return err
	}
	f, err := protocol.Unmarshal(payload)
	if err != nil {
		return nil
	}
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	if s.parent.sent == nil {
		s.parent.sent = make(map[protocol.Event]int)
	}
	s.parent.sent[f.Event()]++
	return nil
}

type fixture struct {
	hub   *memory.Hub
	sched *schedule.Manual
}

func newFixture(opts ...memory.Option) *fixture {
	return &fixture{hub: memory.NewHub(opts...), sched: schedule.NewManual(epoch)}
}

func (f *fixture) session(t *testing.T, replica string, mutate ...func(*Options)) (*Session, *countingTransport) {
	t.Helper()
	tr := &countingTransport{Transport: f.hub}
	opts := Options{
		DocumentID: testDocument,
		ReplicaID:  replica,
		Identity:   &awareness.State{UserID: replica, DisplayName: "User " + replica, Color: "#336699"},
		Transport:  tr,
		Scheduler:  f.sched,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, m := range mutate {
		m(&opts)
	}
	s, err := New(opts, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Destroy() })
	return s, tr
}

func connect(t *testing.T, s *Session) {
	t.Helper()
	require.NoError(t, s.Connect(context.Background()))
	eventually(t, func() bool { return s.Status() == StatusConnected })
}

func appendText(t *testing.T, s *Session, text string) {
	t.Helper()
	require.NoError(t, s.Edit(func(tx *crdt.Text) error { return tx.Append(text) }))
}

// stateOf builds the full state of a document holding text, written by replica.
func stateOf(t *testing.T, replica, text string) []byte {
	t.Helper()
	d, err := crdt.New(replica)
	require.NoError(t, err)
	require.NoError(t, d.Edit(func(tx *crdt.Text) error { return tx.Append(text) }))
	state, err := d.EncodeStateAsUpdate()
	require.NoError(t, err)
	return state
}

// peer is a raw channel member that speaks the wire protocol directly.
type peer struct {
	sub transport.Subscription

	mu     sync.Mutex
	frames []protocol.Frame
}

func (f *fixture) peer(t *testing.T, onFrame func(protocol.Frame)) *peer {
	t.Helper()
	p := &peer{}
	sub, err := f.hub.Subscribe(context.Background(), ChannelName(testDocument), transport.Handler{
		OnMessage: func(raw []byte) {
			fr, err := protocol.Unmarshal(raw)
			if err != nil {
				return
			}
			p.mu.Lock()
			p.frames = append(p.frames, fr)
			p.mu.Unlock()
			if onFrame != nil {
				onFrame(fr)
			}
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	p.sub = sub
	return p
}

func (p *peer) send(t *testing.T, f protocol.Frame) {
	t.Helper()
	raw, err := protocol.Marshal(f)
	require.NoError(t, err)
	p.sendRaw(t, raw)
}

func (p *peer) sendRaw(t *testing.T, raw []byte) {
	t.Helper()
	require.NoError(t, p.sub.Send(context.Background(), raw))
}

func (p *peer) count(e protocol.Event) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, f := range p.frames {
		if f.Event() == e {
			n++
		}
	}
	return n
}

// fakeTransport hands control of the subscription status to the test.
type fakeTransport struct {
	mu       sync.Mutex
	handlers []transport.Handler
	fail     error
}

func (f *fakeTransport) Subscribe(_ context.Context, channel string, h transport.Handler) (transport.Subscription, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.mu.Lock()
	f.handlers = append(f.handlers, h)
	f.mu.Unlock()
	go h.Status(transport.StatusSubscribed, nil)
	return &fakeSubscription{channel: channel}, nil
}

func (f *fakeTransport) last() transport.Handler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[len(f.handlers)-1]
}

type fakeSubscription struct {
	channel string
	closed  bool
}

func (s *fakeSubscription) Channel() string { return s.channel }

func (s *fakeSubscription) Send(context.Context, []byte) error {
	if s.closed {
		return transport.ErrClosed
	}
	return nil
}

func (s *fakeSubscription) Unsubscribe() error {
	s.closed = true
	return nil
}

var errRefused = errors.New("refused")
