// Package websocket reaches a broadcast channel through the relay server: one websocket
// connection per subscription, at <base>/channels/<channel>.
package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"

	"github.com/astromechza/theme-collab/pkg/transport"
)

type Option func(*Transport)

// WithDialTimeout bounds how long Subscribe keeps retrying the dial.
func WithDialTimeout(d time.Duration) Option {
	return func(t *Transport) { t.dialTimeout = d }
}

func WithHeader(h http.Header) Option {
	return func(t *Transport) { t.header = h }
}

type Transport struct {
	base        *url.URL
	dialer      *websocket.Dialer
	header      http.Header
	dialTimeout time.Duration
}

// New returns a transport for the relay at baseURL (http, https, ws or wss).
func New(baseURL string, opts ...Option) (*Transport, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	t := &Transport{base: u, dialer: websocket.DefaultDialer, dialTimeout: 10 * time.Second}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

var _ transport.Transport = (*Transport)(nil)

func (t *Transport) Subscribe(ctx context.Context, channel string, h transport.Handler) (transport.Subscription, error) {
	u := t.base.JoinPath("channels", channel)

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = t.dialTimeout
	var conn *websocket.Conn
	err := backoff.Retry(func() error {
		c, resp, err := t.dialer.DialContext(ctx, u.String(), t.header)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return backoff.Permanent(fmt.Errorf("relay refused %s: %d", u, resp.StatusCode))
			}
			slog.Debug("failed to dial relay, retrying", "url", u.String(), "err", err)
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	s := &subscription{conn: conn, channel: channel, done: make(chan struct{})}
	go s.readPump(h)
	return s, nil
}

type subscription struct {
	conn    *websocket.Conn
	channel string

	writeMu sync.Mutex
	once    sync.Once
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
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	} else {
		_ = s.conn.SetWriteDeadline(time.Time{})
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = s.conn.Close()
	})
	return nil
}

func (s *subscription) readPump(h transport.Handler) {
	h.Status(transport.StatusSubscribed, nil)
	for {
		mt, p, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				h.Status(transport.StatusClosed, nil)
			default:
				_ = s.conn.Close()
				h.Status(transport.StatusChannelError, fmt.Errorf("failed to read message: %w", err))
			}
			return
		}
		switch mt {
		case websocket.TextMessage, websocket.BinaryMessage:
			h.Message(p)
		default:
		}
	}
}
