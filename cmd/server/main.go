// cmd/server/main.go
//
// Demo API showing how traces, metrics and logs line up for the same request.
//
// Environment Variables Required:
//   - APP_NAME: Service name (e.g., "otel-demo-api")
//   - APP_VERSION: Service version (e.g., "1.0.0")
//   - APP_ENV: Environment (development, staging, production)
//
// See internal/config for the optional variables. A .env file in the working
// directory is loaded first when present.
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

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	observability "github.com/gath-stack/otel-demo-api"
	"github.com/gath-stack/otel-demo-api/internal/api"
	"github.com/gath-stack/otel-demo-api/internal/config"
	"github.com/gath-stack/otel-demo-api/internal/logger"
	"github.com/gath-stack/otel-demo-api/internal/workload"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// ========================================
	// 1. Initialize Logger
	// ========================================
	log, err := logger.New(logger.ConfigFor(cfg.LogLevel, cfg.Environment))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = log.Sync()
	}()

	// ========================================
	// 2. Initialize Observability Stack
	// ========================================
	obsStack, err := observability.New(context.Background(), cfg, log, nil)
	if err != nil {
		log.Fatal("Failed to initialize observability", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := obsStack.Shutdown(shutdownCtx); err != nil {
			log.Error("Failed to shutdown observability", zap.Error(err))
		}
	}()

	log = obsStack.EnableLogsExport(log)

	log.Info("Observability initialized",
		zap.Strings("components", cfg.EnabledComponents()),
		zap.Bool("metrics", cfg.MetricsEnabled),
		zap.Bool("tracing", cfg.TracingEnabled),
		zap.Bool("logs", cfg.LogsEnabled))

	// ========================================
	// 3. Setup HTTP Server
	// ========================================
	sim := workload.NewSimulator(obsStack.Tracer(), obsStack.API, workload.Config{
		FailingUserID:        cfg.Demo.FailingUserID,
		DBFailureRate:        cfg.Demo.DBFailureRate,
		ExternalFailureRate:  cfg.Demo.ExternalFailureRate,
		TransformFailureRate: cfg.Demo.TransformFailureRate,
		ExternalEndpoint:     cfg.Demo.ExternalEndpoint,
		BreakerThreshold:     cfg.Demo.BreakerThreshold,
		BreakerTimeout:       30 * time.Second,
		Version:              "1.0",
	}, workload.WithLogger(log))

	apiServer := api.NewServer(sim, obsStack.API, log, api.Options{
		Service:             cfg.ServiceName,
		Version:             cfg.ServiceVersion,
		Environment:         cfg.Environment,
		CollectorMetricsURL: cfg.CollectorMetricsURL,
		PrometheusURL:       prometheusURL(cfg.PrometheusAddr),
		PerformanceUsers:    cfg.Demo.PerformanceUsers,
		RequestTimeout:      time.Duration(cfg.RequestTimeoutSec) * time.Second,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           apiServer.Routes(obsStack.HTTPObservabilityMiddleware()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      time.Duration(cfg.RequestTimeoutSec+5) * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// ========================================
	// 4. Start HTTP Server
	// ========================================
	serverErrors := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting",
			zap.String("addr", server.Addr),
			zap.String("service", cfg.ServiceName),
			zap.String("version", cfg.ServiceVersion))
		serverErrors <- server.ListenAndServe()
	}()

	// ========================================
	// 5. Wait for shutdown signal
	// ========================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", zap.Error(err))
		}
		return
	case sig := <-quit:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	// ========================================
	// 6. Graceful Shutdown
	// ========================================
	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
		_ = server.Close()
	}

	log.Info("Server exited gracefully")
}

// prometheusURL turns a listen address into the URL advertised by /metrics.
func prometheusURL(addr string) string {
	if addr == "" {
		return ""
	}
	if addr[0] == ':' {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/metrics"
}
