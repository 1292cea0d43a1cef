// Package relay is a stateless websocket fan-out: every frame a client sends on a channel is
// forwarded to every other client on the same channel. It never looks inside frames and keeps
// no document state.
package relay

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20
)

type Options struct {
	// SendQueue bounds the frames buffered per client before new ones are dropped.
	SendQueue int
	// FramesPerSecond and Burst throttle what a single client may publish. Zero disables it.
	FramesPerSecond float64
	Burst           int
	// Registry receives the relay metrics and backs /metrics. A private one is used when nil.
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

type Server struct {
	opts    Options
	log     *slog.Logger
	router  *mux.Router
	metrics *metrics

	upgrader websocket.Upgrader

	mu     sync.Mutex
	rooms  map[string]map[*client]struct{}
	closed bool
}

func New(opts Options) *Server {
	if opts.SendQueue <= 0 {
		opts.SendQueue = 256
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		opts:    opts,
		log:     opts.Logger,
		metrics: newMetrics(opts.Registry),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms: make(map[string]map[*client]struct{}),
	}

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.log.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusNoContent)
	})
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	r.Methods(http.MethodGet).Path("/channels/{channel:.+}").HandlerFunc(s.serveChannel)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Clients is the number of clients currently joined to channel.
func (s *Server) Clients(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[channel])
}

// Close disconnects every client and refuses new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	var all []*client
	for _, room := range s.rooms {
		for c := range room {
			all = append(all, c)
		}
	}
	s.mu.Unlock()
	for _, c := range all {
		c.close()
	}
}

func (s *Server) serveChannel(writer http.ResponseWriter, request *http.Request) {
	channel := mux.Vars(request)["channel"]

	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.log.Error("failed to upgrade", "err", err)
		return
	}
	c := &client{
		channel: channel,
		conn:    conn,
		send:    make(chan []byte, s.opts.SendQueue),
		done:    make(chan struct{}),
	}
	if s.opts.FramesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.opts.FramesPerSecond), max(s.opts.Burst, 1))
	}
	if !s.join(c) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	s.log.Info("client joined", "channel", channel, "remote", request.RemoteAddr)

	go c.writePump(s.log)
	s.readPump(c)
}

func (s *Server) join(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.rooms[c.channel] == nil {
		s.rooms[c.channel] = make(map[*client]struct{})
	}
	s.rooms[c.channel][c] = struct{}{}
	s.metrics.clients.Inc()
	return true
}

func (s *Server) leave(c *client) {
	s.mu.Lock()
	room := s.rooms[c.channel]
	if _, ok := room[c]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(s.rooms, c.channel)
		}
		s.metrics.clients.Dec()
	}
	s.mu.Unlock()
	c.close()
}

func (s *Server) readPump(c *client) {
	defer func() {
		s.leave(c)
		s.log.Info("client left", "channel", c.channel)
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("failed to read from client", "channel", c.channel, "err", err)
			}
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			s.metrics.frames.WithLabelValues("throttled").Inc()
			continue
		}
		s.broadcast(c, payload)
	}
}

func (s *Server) broadcast(from *client, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.rooms[from.channel] {
		if c == from {
			continue
		}
		select {
		case c.send <- payload:
			s.metrics.frames.WithLabelValues("relayed").Inc()
		default:
			s.metrics.frames.WithLabelValues("dropped").Inc()
			s.log.Warn("dropping frame for slow client", "channel", c.channel)
		}
	}
}

type client struct {
	channel string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	once sync.Once
	done chan struct{}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *client) writePump(log *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.close()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Warn("failed to write to client", "channel", c.channel, "err", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

type metrics struct {
	clients prometheus.Gauge
	frames  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_clients",
			Help: "Websocket clients currently joined to a channel.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_total",
			Help: "Frames handled by the relay, by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.clients, m.frames)
	return m
}
