package relay

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/theme-collab/pkg/transport"
	"github.com/astromechza/theme-collab/pkg/transport/websocket"
)

type inbox struct {
	mu   sync.Mutex
	msgs []string
}

func (i *inbox) handler() transport.Handler {
	return transport.Handler{OnMessage: func(p []byte) {
		i.mu.Lock()
		defer i.mu.Unlock()
		i.msgs = append(i.msgs, string(p))
	}}
}

func (i *inbox) get() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.msgs...)
}

func newRelay(t *testing.T, opts Options) (*Server, *httptest.Server, *websocket.Transport) {
	t.Helper()
	s := New(opts)
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		hs.Close()
	})
	tr, err := websocket.New(hs.URL, websocket.WithDialTimeout(time.Second))
	require.NoError(t, err)
	return s, hs, tr
}

func TestRelayFansOutToOtherClientsOnly(t *testing.T) {
	reg := prometheus.NewRegistry()
	s, _, tr := newRelay(t, Options{Registry: reg})
	ctx := context.Background()

	var a, b, elsewhere inbox
	subA, err := tr.Subscribe(ctx, "document:sections/header.liquid", a.handler())
	require.NoError(t, err)
	defer subA.Unsubscribe()
	subB, err := tr.Subscribe(ctx, "document:sections/header.liquid", b.handler())
	require.NoError(t, err)
	defer subB.Unsubscribe()
	subC, err := tr.Subscribe(ctx, "document:sections/footer.liquid", elsewhere.handler())
	require.NoError(t, err)
	defer subC.Unsubscribe()

	require.Eventually(t, func() bool { return s.Clients("document:sections/header.liquid") == 2 }, time.Second, 5*time.Millisecond)

	for _, m := range []string{"1", "2", "3"} {
		require.NoError(t, subA.Send(ctx, []byte(m)))
	}
	require.Eventually(t, func() bool { return len(b.get()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3"}, b.get())
	assert.Empty(t, a.get())
	assert.Empty(t, elsewhere.get())
	assert.Equal(t, 3.0, testutil.ToFloat64(s.metrics.frames.WithLabelValues("relayed")))
	require.Eventually(t, func() bool { return testutil.ToFloat64(s.metrics.clients) == 3 }, time.Second, 5*time.Millisecond)
}

func TestRelayThrottlesChattyClients(t *testing.T) {
	s, _, tr := newRelay(t, Options{FramesPerSecond: 0.001, Burst: 2})
	ctx := context.Background()
	var b inbox
	subA, err := tr.Subscribe(ctx, "c", transport.Handler{})
	require.NoError(t, err)
	defer subA.Unsubscribe()
	subB, err := tr.Subscribe(ctx, "c", b.handler())
	require.NoError(t, err)
	defer subB.Unsubscribe()
	require.Eventually(t, func() bool { return s.Clients("c") == 2 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, subA.Send(ctx, []byte("x")))
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(s.metrics.frames.WithLabelValues("throttled")) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, b.get(), 2)
}

func TestUnsubscribeLeavesRoom(t *testing.T) {
	s, _, tr := newRelay(t, Options{})
	sub, err := tr.Subscribe(context.Background(), "c", transport.Handler{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Clients("c") == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, sub.Unsubscribe())
	require.Eventually(t, func() bool { return s.Clients("c") == 0 }, time.Second, 5*time.Millisecond)
}

func TestServerCloseReportsChannelError(t *testing.T) {
	s, _, tr := newRelay(t, Options{})
	statuses := make(chan transport.Status, 4)
	_, err := tr.Subscribe(context.Background(), "c", transport.Handler{
		OnStatus: func(st transport.Status, _ error) { statuses <- st },
	})
	require.NoError(t, err)
	assert.Equal(t, transport.StatusSubscribed, <-statuses)
	require.Eventually(t, func() bool { return s.Clients("c") == 1 }, time.Second, 5*time.Millisecond)

	s.Close()
	select {
	case st := <-statuses:
		assert.Equal(t, transport.StatusChannelError, st)
	case <-time.After(2 * time.Second):
		t.Fatal("no status after relay shutdown")
	}
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	_, hs, _ := newRelay(t, Options{})
	resp, err := http.Get(hs.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(hs.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "relay_clients"))
}
