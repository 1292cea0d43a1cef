// Package memory is an in-process broadcast transport, used by tests and by single-process
// demos where every editor lives in the same binary.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/astromechza/theme-collab/pkg/transport"
)

const defaultQueueSize = 256

type Option func(*Hub)

// WithLoopback delivers frames back to their sender too, like Redis pub/sub does.
func WithLoopback() Option {
	return func(h *Hub) { h.loopback = true }
}

// WithQueueSize bounds each subscriber's inbox; frames beyond it are dropped.
func WithQueueSize(n int) Option {
	return func(h *Hub) { h.queueSize = n }
}

// Hub fans frames out to every subscriber of a channel name.
type Hub struct {
	loopback  bool
	queueSize int

	mu       sync.Mutex
	channels map[string]map[*subscription]struct{}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{queueSize: defaultQueueSize, channels: make(map[string]map[*subscription]struct{})}
	for _, o := range opts {
		o(h)
	}
	return h
}

var _ transport.Transport = (*Hub)(nil)

func (h *Hub) Subscribe(ctx context.Context, channel string, handler transport.Handler) (transport.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	s := &subscription{
		hub:     h,
		channel: channel,
		handler: handler,
		inbox:   make(chan []byte, h.queueSize),
		done:    make(chan struct{}),
	}
	h.mu.Lock()
	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*subscription]struct{})
	}
	h.channels[channel][s] = struct{}{}
	h.mu.Unlock()

	go s.deliver()
	return s, nil
}

// Subscribers is the number of live subscriptions on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels[channel])
}

func (h *Hub) publish(from *subscription, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.channels[from.channel] {
		if s == from && !h.loopback {
			continue
		}
		select {
		case s.inbox <- append([]byte(nil), payload...):
		default:
			slog.Warn("dropping frame for slow subscriber", "channel", from.channel)
		}
	}
}

func (h *Hub) remove(s *subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.channels[s.channel]
	if _, ok := subs[s]; !ok {
		return false
	}
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.channels, s.channel)
	}
	return true
}

type subscription struct {
	hub     *Hub
	channel string
	handler transport.Handler
	inbox   chan []byte
	done    chan struct{}
}

func (s *subscription) Channel() string {
	return s.channel
}

func (s *subscription) Send(ctx context.Context, payload []byte) error {
	select {
	case <-s.done:
		return transport.ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.hub.publish(s, payload)
	return nil
}

func (s *subscription) Unsubscribe() error {
	if s.hub.remove(s) {
		close(s.done)
	}
	return nil
}

// deliver feeds the handler from one goroutine so it observes frames in send order.
func (s *subscription) deliver() {
	s.handler.Status(transport.StatusSubscribed, nil)
	for {
		select {
		case payload := <-s.inbox:
			select {
			case <-s.done:
				s.handler.Status(transport.StatusClosed, nil)
				return
			default:
			}
			s.handler.Message(payload)
		case <-s.done:
			s.handler.Status(transport.StatusClosed, nil)
			return
		}
	}
}
