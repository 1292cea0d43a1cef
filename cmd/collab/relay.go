package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/theme-collab/pkg/relay"
)

func newRelayCommand(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the websocket relay that editors broadcast through",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := root.cfg.Relay
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			r := relay.New(relay.Options{
				SendQueue:       cfg.SendQueue,
				FramesPerSecond: cfg.FramesPerSecond,
				Burst:           cfg.Burst,
				Registry:        reg,
				Logger:          slog.Default(),
			})
			return serve(cmd.Context(), &http.Server{Addr: cfg.Addr, Handler: r.Handler()}, r.Close)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "localhost:8080", "the address to listen on")
	return cmd
}

// serve runs srv until SIGINT or SIGTERM, then shuts it down and calls onStop.
func serve(ctx context.Context, srv *http.Server, onStop func()) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		// Hijacked websocket connections are not drained by Shutdown, so close them first.
		onStop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
