package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := BuildApp(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize app: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	cfg := app.Config
	log := app.Logger
	log.Info().
		Str("environment", string(cfg.Environment)).
		Str("profile", cfg.Profile).
		Str("address", cfg.Server.Address).
		Str("storage_adapter", cfg.Storage.Adapter).
		Msg("starting rewardkit server")

	errc := make(chan error, 2)
	serve := func(name string, srv *http.Server) {
		log.Info().Str("listener", name).Str("address", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("%s listener: %w", name, err)
		}
	}
	go serve("api", app.Server)
	if app.Metrics.Server != nil {
		go serve("metrics", app.Metrics.Server)
	}
	if cfg.Sweeper.Enabled {
		if err := app.Sweeper.Start(); err != nil {
			log.Error().Err(err).Msg("failed to start sweeper")
		}
	}

	exit := 0
	select {
	case <-ctx.Done():
		log.Info().Dur("timeout", cfg.Server.ShutdownTimeout).Msg("shutting down server")
	case err := <-errc:
		log.Error().Err(err).Msg("server failed")
		exit = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := app.Server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during server shutdown")
		exit = 1
	}
	if err := app.Sweeper.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("sweeper did not stop in time")
	}
	if app.Metrics.Server != nil {
		_ = app.Metrics.Server.Shutdown(shutdownCtx)
	}

	log.Info().Msg("server stopped")
	if exit != 0 {
		cancel()
		cleanup()
		os.Exit(exit)
	}
}
