// Package main provides the entry point for the clip chain API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/maauso/clipchain-api/internal/bootstrap"
	"github.com/maauso/clipchain-api/internal/config"
	"github.com/maauso/clipchain-api/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration from environment
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Create structured logger
	logger, logCloser := cfg.NewLogger()
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	logger.Info("starting clip chain API",
		slog.Int("port", cfg.Port),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
		slog.String("data_dir", cfg.DataDir),
		slog.Any("providers", cfg.EnabledProviders()),
		slog.Int("max_concurrent_generations", cfg.MaxConcurrentGenerations),
		slog.Int("max_concurrent_chains", cfg.MaxConcurrentChains),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
		slog.Bool("billing_bypass", cfg.BillingBypass),
	)

	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	defer cancelStart()

	// Initialize dependencies using bootstrap
	deps, err := bootstrap.NewDependencies(startCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize dependencies: %w", err)
	}
	if err := deps.Start(startCtx); err != nil {
		_ = deps.Close(context.Background())
		return fmt.Errorf("start orchestrator: %w", err)
	}

	// Initialize HTTP handlers and router
	handlers := server.NewHandlers(deps.Service, logger, server.WithArtifacts(deps.Storage))
	router := server.NewRouter(handlers, logger, server.Config{AllowedOrigins: cfg.AllowedOrigins})

	// Create HTTP server. Event streams stay open, so there is no write timeout.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Graceful shutdown handling
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			slog.String("addr", srv.Addr),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	// Wait for shutdown signal or error
	var runErr error
	select {
	case sig := <-shutdownCh:
		logger.Info("received shutdown signal",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errCh:
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down server...")
	if err := srv.Shutdown(ctx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown failed: %w", err))
	}
	if err := deps.Close(ctx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("close dependencies: %w", err))
	}
	if runErr != nil {
		return runErr
	}

	logger.Info("server stopped gracefully")
	return nil
}
