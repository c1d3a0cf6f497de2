package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/jgirmay/presenced/pkg/config"
	"github.com/jgirmay/presenced/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	config.LogConfiguration(logger, cfg)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	components, err := Bootstrap(cfg, logger)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	components.Start(ctx)

	public := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      NewPublicRouter(components, cfg, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	ops := &http.Server{
		Addr:        cfg.Server.OpsAddr,
		Handler:     NewOpsEngine(components, logger),
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 2)
	serve := func(name string, srv *http.Server) {
		logger.Info("[INIT] starting listener", zap.String("listener", name), zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s listener: %w", name, err)
		}
	}
	go serve("public", public)
	go serve("ops", ops)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("[SHUTDOWN] signal received, initiating graceful shutdown")
	case runErr = <-errCh:
		logger.Error("[SHUTDOWN] listener failed, shutting down", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	// stream clients hold hijacked connections that Shutdown does not track
	components.Stream.Close()
	if err := public.Shutdown(shutdownCtx); err != nil {
		logger.Warn("[SHUTDOWN] public server shutdown error", zap.Error(err))
	}
	if err := ops.Shutdown(shutdownCtx); err != nil {
		logger.Warn("[SHUTDOWN] ops server shutdown error", zap.Error(err))
	}
	components.Shutdown()

	logger.Info("[SHUTDOWN] graceful shutdown complete")
	return runErr
}
