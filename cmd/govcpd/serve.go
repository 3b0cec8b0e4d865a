package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/govcp/internal/config"
	"github.com/cuemby/govcp/internal/events"
	"github.com/cuemby/govcp/internal/log"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ops HTTP server and dispatch loop",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.store.Close()

	logger := log.WithComponent("govcpd")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.broker.Start()
	if err := a.loop.Recover(time.Now()); err != nil {
		logger.Warn().Err(err).Msg("dispatch recovery pass failed")
	}
	a.loop.Start()

	httpServer := a.server.NewHTTPServer(cfg.BindAddr)
	serverErrs := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.BindAddr).Msg("ops http server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrs <- err
			return
		}
		serverErrs <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received, draining")
	case err := <-serverErrs:
		if err != nil {
			logger.Error().Err(err).Msg("ops http server failed")
		}
	}

	// Drain order: stop accepting new dispatch work, flush every open SSE
	// connection's "connected: false" frame, then close the HTTP server.
	a.loop.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.broker.Publish(&events.Event{Type: events.EventDispatchLifecycle, Message: "govcpd shutting down"})
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown")
	}
	a.broker.Stop()

	logger.Info().Msg("govcpd stopped")
	return nil
}
