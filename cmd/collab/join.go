package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/theme-collab/pkg/awareness"
	"github.com/astromechza/theme-collab/pkg/config"
	"github.com/astromechza/theme-collab/pkg/crdt"
	"github.com/astromechza/theme-collab/pkg/history"
	"github.com/astromechza/theme-collab/pkg/session"
	"github.com/astromechza/theme-collab/pkg/transport"
	"github.com/astromechza/theme-collab/pkg/transport/memory"
	"github.com/astromechza/theme-collab/pkg/transport/redis"
	"github.com/astromechza/theme-collab/pkg/transport/websocket"
)

type joinOptions struct {
	document    string
	userID      string
	name        string
	color       string
	transport   string
	url         string
	redisAddr   string
	historyPath string
	metricsAddr string
}

func newJoinCommand(root *rootOptions) *cobra.Command {
	opts := &joinOptions{}
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a document: stdin lines are appended, remote changes are printed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.apply(cmd, root.cfg)
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return runJoin(cmd.Context(), cfg, opts.metricsAddr, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.document, "document", "", "the document id to join")
	f.StringVar(&opts.userID, "user-id", "", "the user id shown to other editors, random when empty")
	f.StringVar(&opts.name, "name", "", "the display name shown to other editors")
	f.StringVar(&opts.color, "color", "", "the cursor color shown to other editors")
	f.StringVar(&opts.transport, "transport", "", "memory, redis or websocket")
	f.StringVar(&opts.url, "url", "", "the relay url for the websocket transport")
	f.StringVar(&opts.redisAddr, "redis-addr", "", "the redis address for the redis transport")
	f.StringVar(&opts.historyPath, "history", "", "sqlite file to snapshot the document text into")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	return cmd
}

// apply overlays the flags that were set on cfg.
func (o *joinOptions) apply(cmd *cobra.Command, cfg config.Config) config.Config {
	set := func(name string, dst *string, v string) {
		if cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	set("document", &cfg.Document, o.document)
	set("user-id", &cfg.User.ID, o.userID)
	set("name", &cfg.User.Name, o.name)
	set("color", &cfg.User.Color, o.color)
	set("transport", &cfg.Transport.Kind, o.transport)
	set("url", &cfg.Transport.Websocket.URL, o.url)
	set("redis-addr", &cfg.Transport.Redis.Addr, o.redisAddr)
	set("history", &cfg.History.Path, o.historyPath)
	return cfg
}

func buildTransport(ctx context.Context, cfg config.Config) (transport.Transport, func() error, error) {
	nop := func() error { return nil }
	switch cfg.Transport.Kind {
	case config.TransportMemory:
		return memory.NewHub(), nop, nil
	case config.TransportRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Transport.Redis.Addr,
			Password: cfg.Transport.Redis.Password,
			DB:       cfg.Transport.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Transport.Redis.Addr, err)
		}
		return redis.New(client, cfg.Transport.Redis.Prefix), client.Close, nil
	case config.TransportWebsocket:
		t, err := websocket.New(cfg.Transport.Websocket.URL, websocket.WithDialTimeout(cfg.Transport.Websocket.DialTimeout))
		if err != nil {
			return nil, nil, err
		}
		return t, nop, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

// sessionOptions builds the options for key. Every session gets its own replica id: the same
// user may edit one document from several processes at once.
func sessionOptions(cfg config.Config, key session.Key, tr transport.Transport, metrics *session.Metrics) session.Options {
	return session.Options{
		DocumentID: key.DocumentID,
		ReplicaID:  uuid.NewString(),
		Identity: &awareness.State{
			UserID:      key.ParticipantID,
			DisplayName: cfg.User.Name,
			Color:       cfg.User.Color,
		},
		Transport:         tr,
		Logger:            slog.Default(),
		Metrics:           metrics,
		DebounceInterval:  cfg.Session.Debounce,
		MaxBatchDelay:     cfg.Session.MaxBatchDelay,
		HeartbeatInterval: cfg.Session.Heartbeat,
		SyncTimeout:       cfg.Session.SyncTimeout,
		PresenceTimeout:   cfg.Session.PresenceTimeout,
		SendTimeout:       cfg.Session.SendTimeout,
	}
}

func runJoin(ctx context.Context, cfg config.Config, metricsAddr string, in io.Reader, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tr, closeTransport, err := buildTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeTransport()

	var snap *history.Snapshotter
	if cfg.History.Path != "" {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		snap = history.NewSnapshotter(store, slog.Default())
	}

	reg := prometheus.NewRegistry()
	metrics := session.NewMetrics(reg)
	registry := session.NewRegistry(func(key session.Key) (*session.Session, error) {
		return session.New(sessionOptions(cfg, key, tr, metrics), nil)
	})
	defer registry.Close()

	userID := cfg.User.ID
	if userID == "" {
		userID = uuid.NewString()
	}
	sess, err := registry.Acquire(session.Key{DocumentID: cfg.Document, ParticipantID: userID})
	if err != nil {
		return err
	}
	doc := sess.Document()
	slog.Info("joined", "document", cfg.Document, "user", userID, "replica", sess.ReplicaID())

	doc.OnUpdate(func(_ []byte, origin crdt.Origin) {
		if !origin.IsLocal() {
			fmt.Fprintf(out, "--- %s change ---\n%s\n", origin, doc.String())
		}
	})
	sess.Awareness().OnChange(func(ch awareness.Change) {
		if ch.Origin == awareness.OriginLocal {
			return
		}
		slog.Info("presence changed", "added", ch.Added, "removed", ch.Removed, "online", roster(sess.Awareness()))
	})
	lost := make(chan struct{}, 1)
	sess.OnStatus(func(st session.Status) {
		if st == session.StatusDisconnected {
			select {
			case lost <- struct{}{}:
			default:
			}
		}
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return keepConnected(ctx, sess, lost)
	})
	g.Go(func() error {
		if err := sess.WaitSynced(ctx); err == nil {
			slog.Info("synced", "text", doc.String())
		}
		return nil
	})
	g.Go(func() error {
		return appendLines(ctx, sess, in)
	})

	if snap != nil {
		snap.Track(cfg.Document, doc)
		g.Go(func() error {
			snap.Run(ctx, cfg.History.Interval)
			return nil
		})
	}

	if metricsAddr != "" {
		r := mux.NewRouter()
		r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: metricsAddr, Handler: r}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}

	err = g.Wait()
	if cerr := registry.Close(); cerr != nil {
		slog.Error("failed to close sessions", "err", cerr)
	}

	tf := filepath.Join(os.TempDir(), sess.ReplicaID()+".automerge")
	if werr := os.WriteFile(tf, doc.Save(), 0o644); werr != nil {
		slog.Error("failed to dump", "path", tf, "err", werr)
	} else {
		slog.Info("dumped", "path", tf)
	}
	return err
}

// keepConnected connects and reconnects with backoff whenever the session drops, until ctx is done.
func keepConnected(ctx context.Context, sess *session.Session, lost <-chan struct{}) error {
	connect := func() error {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 0
		err := backoff.Retry(func() error {
			if err := sess.Connect(ctx); err != nil {
				slog.Warn("failed to connect, retrying", "err", err)
				return err
			}
			return nil
		}, backoff.WithContext(b, ctx))
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	if err := connect(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-lost:
			if sess.Status() != session.StatusDisconnected {
				continue
			}
			slog.Warn("connection lost, reconnecting")
			if err := connect(); err != nil {
				return err
			}
		}
	}
}

// appendLines appends every line read from in to the document.
func appendLines(ctx context.Context, sess *session.Session, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if err := sess.Edit(func(t *crdt.Text) error { return t.Append(line + "\n") }); err != nil {
				return fmt.Errorf("failed to append line: %w", err)
			}
		}
	}
}

func roster(a *awareness.Awareness) []string {
	var names []string
	for id, st := range a.States() {
		name := st.DisplayName
		if name == "" {
			name = id
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
