// Package transport describes the broadcast channel replicas talk over: payloads sent on a
// channel reach every other current subscriber of that channel name, in order per sender, with
// no delivery guarantee and no persistence.
package transport

import (
	"context"
	"errors"
)

type Status string

const (
	StatusSubscribed   Status = "subscribed"
	StatusChannelError Status = "channel-error"
	StatusTimedOut     Status = "timed-out"
	StatusClosed       Status = "closed"
)

var ErrClosed = errors.New("subscription closed")

// Handler receives everything that happens on a subscription. Implementations never call it
// synchronously from Subscribe or Send, and call it from one goroutine at a time.
type Handler struct {
	OnStatus  func(status Status, err error)
	OnMessage func(payload []byte)
}

func (h Handler) Status(status Status, err error) {
	if h.OnStatus != nil {
		h.OnStatus(status, err)
	}
}

func (h Handler) Message(payload []byte) {
	if h.OnMessage != nil {
		h.OnMessage(payload)
	}
}

type Transport interface {
	Subscribe(ctx context.Context, channel string, h Handler) (Subscription, error)
}

type Subscription interface {
	Channel() string
	Send(ctx context.Context, payload []byte) error
	// Unsubscribe leaves the channel. It is safe to call more than once.
	Unsubscribe() error
}
