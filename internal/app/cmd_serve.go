package app

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"querydesk/internal/httpapi"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and event stream",
		Long: `Serve the REST API under /api, execution events as a websocket on
/api/events and Prometheus metrics on /metrics. The config file is watched
and log level, prefetch rows and pool limit are applied without a restart.`,
		Example: `  # Listen on the default address
  querydesk serve

  # Listen on all interfaces with more workers
  querydesk serve --addr :7411 --max-concurrent 16`,
		RunE: runServe,
	}
	cmd.Flags().String("addr", "", "HTTP listen address")
	cmd.Flags().Int("max-concurrent", 0, "Executions dispatched at once")
	cmd.Flags().Int("pool-limit", 0, "Server sessions per open connection")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := stateFrom(cmd)
	a, cleanup, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer cleanup()
	a.Start()

	srv := httpapi.New(httpapi.Config{
		ListenAddr:     a.Config.HTTP.Addr,
		IdleTimeout:    2 * time.Minute,
		DefaultTimeout: a.Config.Engine.DefaultTimeout,
	}, httpapi.Deps{
		Profiles: a.Profiles,
		Conns:    a.Conns,
		Engine:   a.Engine,
		History:  a.History,
		Sessions: a.Sessions,
		Metrics:  a.Metrics,
	}, a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		return st.loader.Watch(gctx, a.Logger, a.Apply)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("server stopped", slog.String("error", err.Error()))
		return err
	}
	return nil
}
