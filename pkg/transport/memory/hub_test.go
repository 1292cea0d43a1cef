package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/theme-collab/pkg/transport"
)

type recorder struct {
	mu       sync.Mutex
	messages []string
	statuses []transport.Status
}

func (r *recorder) handler() transport.Handler {
	return transport.Handler{
		OnStatus: func(st transport.Status, _ error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.statuses = append(r.statuses, st)
		},
		OnMessage: func(p []byte) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, string(p))
		},
	}
}

func (r *recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func (r *recorder) Statuses() []transport.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Status(nil), r.statuses...)
}

func TestBroadcastReachesOthersInOrder(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	var a, b, other recorder
	subA, err := hub.Subscribe(ctx, "document:header", a.handler())
	require.NoError(t, err)
	_, err = hub.Subscribe(ctx, "document:header", b.handler())
	require.NoError(t, err)
	_, err = hub.Subscribe(ctx, "document:footer", other.handler())
	require.NoError(t, err)

	var want []string
	for i := 0; i < 20; i++ {
		msg := fmt.Sprintf("frame-%d", i)
		want = append(want, msg)
		require.NoError(t, subA.Send(ctx, []byte(msg)))
	}

	require.Eventually(t, func() bool { return len(b.Messages()) == 20 }, time.Second, time.Millisecond)
	assert.Equal(t, want, b.Messages())
	assert.Empty(t, a.Messages(), "no loopback by default")
	assert.Empty(t, other.Messages())
	assert.Equal(t, []transport.Status{transport.StatusSubscribed}, b.Statuses())
}

func TestLoopback(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(WithLoopback())
	var a recorder
	sub, err := hub.Subscribe(ctx, "c", a.handler())
	require.NoError(t, err)
	require.NoError(t, sub.Send(ctx, []byte("echo")))
	require.Eventually(t, func() bool { return len(a.Messages()) == 1 }, time.Second, time.Millisecond)
}

func TestUnsubscribe(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	var a, b recorder
	subA, _ := hub.Subscribe(ctx, "c", a.handler())
	subB, _ := hub.Subscribe(ctx, "c", b.handler())
	assert.Equal(t, 2, hub.Subscribers("c"))

	require.NoError(t, subB.Unsubscribe())
	require.NoError(t, subB.Unsubscribe())
	assert.Equal(t, 1, hub.Subscribers("c"))
	assert.ErrorIs(t, subB.Send(ctx, []byte("x")), transport.ErrClosed)

	require.NoError(t, subA.Send(ctx, []byte("after")))
	require.Eventually(t, func() bool {
		st := b.Statuses()
		return len(st) == 2 && st[1] == transport.StatusClosed
	}, time.Second, time.Millisecond)
	assert.Empty(t, b.Messages())
}

func TestSlowSubscribersLoseFramesInsteadOfBlocking(t *testing.T) {
	ctx := context.Background()
	hub := NewHub(WithQueueSize(1))
	block := make(chan struct{})
	var got int
	var mu sync.Mutex
	_, err := hub.Subscribe(ctx, "c", transport.Handler{OnMessage: func([]byte) {
		<-block
		mu.Lock()
		got++
		mu.Unlock()
	}})
	require.NoError(t, err)
	sender, _ := hub.Subscribe(ctx, "c", transport.Handler{})

	for i := 0; i < 10; i++ {
		require.NoError(t, sender.Send(ctx, []byte("x")))
	}
	close(block)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Less(t, got, 10)
}
