package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/offlinesync/cmd/syncd/handlers"
	"github.com/kimhsiao/offlinesync/internal/app"
	"github.com/kimhsiao/offlinesync/internal/logging"
)

const shutdownTimeout = 10 * time.Second

// NewRunCommand starts the daemon.
func NewRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler and the local control API",
		Long: `Run the adaptive sync scheduler together with the local control API.

The control API listens on server.addr and streams sync events on /ws.

Example:
  syncd run --config syncd.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), opts, func(a *app.App) error {
				return serve(cmd.Context(), a)
			})
		},
	}
}

// newMux builds the control API routes.
func newMux(a *app.App, hub *WSHub) *http.ServeMux {
	mux := http.NewServeMux()
	handlers.NewSyncHandler(a.Engine, a.Scheduler).Register(mux)
	mux.HandleFunc("GET /ws", HandleWebSocket(hub))
	return mux
}

// serve runs the hub, scheduler and HTTP server until ctx is cancelled or one of them fails.
func serve(ctx context.Context, a *app.App) error {
	hub := NewWSHub()
	a.Engine.SetEventHandler(hub)
	defer a.Engine.SetEventHandler(nil)

	srv := &http.Server{
		Addr:              a.Config.Server.Addr,
		Handler:           newMux(a, hub),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})

	g.Go(func() error {
		a.Scheduler.Start(ctx)
		<-ctx.Done()
		a.Scheduler.Stop()
		return nil
	})

	g.Go(func() error {
		logging.Info("Control API listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	logging.Info("Sync daemon stopped")
	return err
}
