// Package redis carries broadcast frames over Redis PUBLISH/SUBSCRIBE. Redis gives exactly the
// guarantees the session expects from a channel: fan-out to current subscribers, order per
// publisher connection, no persistence.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/astromechza/theme-collab/pkg/transport"
)

// Transport publishes through a shared client and opens one pub/sub connection per subscription.
type Transport struct {
	client goredis.UniversalClient
	prefix string
}

// New wraps client. Channel names are prefixed with prefix on the Redis side.
func New(client goredis.UniversalClient, prefix string) *Transport {
	return &Transport{client: client, prefix: prefix}
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Subscribe(ctx context.Context, channel string, h transport.Handler) (transport.Subscription, error) {
	key := t.prefix + channel
	ps := t.client.Subscribe(ctx, key)
	// Receive blocks until Redis confirms the subscription.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", key, err)
	}
	s := &subscription{
		client:  t.client,
		ps:      ps,
		channel: channel,
		key:     key,
		done:    make(chan struct{}),
	}
	go s.forward(h)
	return s, nil
}

type subscription struct {
	client  goredis.UniversalClient
	ps      *goredis.PubSub
	channel string
	key     string

	once sync.Once
	done chan struct{}
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
	if err := s.client.Publish(ctx, s.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", s.key, err)
	}
	return nil
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	if err != nil {
		return fmt.Errorf("failed to close subscription to %s: %w", s.key, err)
	}
	return nil
}

func (s *subscription) forward(h transport.Handler) {
	h.Status(transport.StatusSubscribed, nil)
	ch := s.ps.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				select {
				case <-s.done:
					h.Status(transport.StatusClosed, nil)
				default:
					slog.Warn("redis subscription ended", "channel", s.key)
					h.Status(transport.StatusChannelError, transport.ErrClosed)
				}
				return
			}
			h.Message([]byte(msg.Payload))
		case <-s.done:
			h.Status(transport.StatusClosed, nil)
			return
		}
	}
}
