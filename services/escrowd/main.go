package escrowd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"escrowlane/observability/logging"
	telemetry "escrowlane/observability/otel"
)

// Main initialises and runs the escrow daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/escrowd/config.yaml", "path to escrowd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.Setup("escrowd", cfg.Environment, logging.Options{
		Level:      logging.ParseLevel(cfg.Log.Level),
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "escrowd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := NewService(stopCtx, cfg, logger)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	httpServer := &http.Server{
		Addr: cfg.ListenAddress,
		Handler: NewOpsHandler(logger, OpsConfig{
			Checks:  svc.ReadinessChecks(svc.Engine.Operator()),
			Auth:    NewAuthenticator(cfg.Admin, logger.With(slog.String("component", "admin"))),
			Sweeper: svc.Watcher,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		svc.Watcher.Run(stopCtx)
	}()

	errs := make(chan error, 1)
	go func() {
		logger.Info("escrowd listening", slog.String("addr", cfg.ListenAddress))
		errs <- httpServer.ListenAndServe()
	}()

	var runErr error
	select {
	case <-stopCtx.Done():
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
		stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		_ = httpServer.Close()
		if runErr == nil {
			runErr = err
		}
	}
	<-watcherDone
	return runErr
}
