// Package observability wires the OpenTelemetry pipelines of the demo API.
//
// A Stack owns the tracer, meter and logger providers, the instrument
// registry and the pre-built metric groups. Configuration is strictly
// environment-based; see package internal/config for the variables.
//
// Components that are disabled fall back to no-op providers, so callers never
// need to check whether tracing or metrics are on before using them.
//
// # Quick Start
//
//	cfg, err := config.LoadFromEnv()
//	if err != nil {
//	    log.Fatal("invalid configuration", zap.Error(err))
//	}
//	stack, err := observability.New(ctx, cfg, log, nil)
//	if err != nil {
//	    log.Fatal("failed to init observability", zap.Error(err))
//	}
//	defer func() {
//	    if err := stack.Shutdown(context.Background()); err != nil {
//	        log.Error("Failed to shutdown observability", zap.Error(err))
//	    }
//	}()
//
//	router := chi.NewRouter()
//	router.Use(stack.HTTPObservabilityMiddleware())
package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/gath-stack/otel-demo-api/internal/config"
	"github.com/gath-stack/otel-demo-api/internal/logger"
	"github.com/gath-stack/otel-demo-api/internal/logs"
	"github.com/gath-stack/otel-demo-api/internal/metrics"
	"github.com/gath-stack/otel-demo-api/internal/tracing"
)

// Logger is the interface for logging operations used throughout the stack.
type Logger = logger.Logger

const instrumentationName = "github.com/gath-stack/otel-demo-api"

// Stack represents a fully initialized observability stack.
//
// The Stack must be shut down with Shutdown() so spans, metrics and logs are
// flushed before the process exits.
type Stack struct {
	cfg          config.Config
	log          Logger
	cleanupFuncs []func(context.Context) error

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	logsProvider   *logs.LogsProvider
	promRegistry   *prometheus.Registry
	metricsServer  *http.Server

	// Registry hands out named instruments. Instruments requested twice are
	// the same instrument.
	Registry *metrics.Registry

	// API holds the application instruments (api_requests_total and friends).
	API *metrics.APIMetrics

	// HTTP provides metrics for HTTP request/response tracking.
	HTTP *metrics.HTTPMetrics

	// Tracing creates the server span of every request.
	Tracing *tracing.HTTPTracing

	// Runtime provides Go runtime metrics. Nil when no metric reader is configured.
	Runtime *metrics.RuntimeMetrics

	// Process provides process and host metrics. Nil when disabled or when no
	// metric reader is configured.
	Process *metrics.ProcessMetrics
}

// InitOptions configures optional behaviors during initialization.
type InitOptions struct {
	// DisableProcessMetrics skips the gopsutil based process metrics. Useful in
	// sandboxes where /proc is not readable.
	DisableProcessMetrics bool

	// MetricReaders are added to the meter provider next to the configured
	// exporters.
	MetricReaders []sdkmetric.Reader

	// SpanProcessors are added to the tracer provider next to the configured
	// exporter.
	SpanProcessors []sdktrace.SpanProcessor

	// SkipGlobals leaves the otel global providers untouched.
	SkipGlobals bool
}

// New builds the stack from cfg. Components started before a failure are shut
// down before the error is returned.
func New(ctx context.Context, cfg config.Config, log Logger, opts *InitOptions) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if opts == nil {
		opts = &InitOptions{}
	}

	log.Info("Initializing observability stack",
		zap.Strings("components", cfg.EnabledComponents()))
	startTime := time.Now()

	s := &Stack{cfg: cfg, log: log}
	if err := s.start(ctx, opts); err != nil {
		if shutdownErr := s.Shutdown(ctx); shutdownErr != nil {
			log.Error("failed to shutdown observability after initialization error",
				zap.Error(shutdownErr))
		}
		return nil, err
	}

	log.Info("Observability stack initialized successfully",
		zap.Bool("metrics", cfg.MetricsEnabled),
		zap.Bool("tracing", cfg.TracingEnabled),
		zap.Bool("logs", cfg.LogsEnabled),
		zap.String("prometheus_addr", cfg.PrometheusAddr),
		zap.Duration("duration", time.Since(startTime)))

	return s, nil
}

func (s *Stack) start(ctx context.Context, opts *InitOptions) error {
	res, err := s.resource(ctx)
	if err != nil {
		return err
	}

	if err := s.initTracing(ctx, res, opts); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	if err := s.initMetrics(ctx, res, opts); err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	if s.cfg.LogsEnabled {
		lp, err := logs.NewLogsProvider(ctx, s.cfg.OTLPEndpoint, instrumentationName, res, logs.Options{})
		if err != nil {
			return fmt.Errorf("failed to initialize logs: %w", err)
		}
		s.logsProvider = lp
		s.addCleanup("logger provider", lp.Shutdown)
	}

	if !opts.SkipGlobals {
		otel.SetTracerProvider(s.tracerProvider)
		otel.SetMeterProvider(s.meterProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}

	return s.initInstruments(opts)
}

// resource describes this service on every exported signal.
func (s *Stack) resource(ctx context.Context) (*resource.Resource, error) {
	res, err := resource.New(
		ctx,
		resource.WithAttributes(
			semconv.ServiceName(s.cfg.ServiceName),
			semconv.ServiceVersion(s.cfg.ServiceVersion),
			semconv.DeploymentEnvironment(s.cfg.Environment),
			semconv.HostName(s.cfg.HostName),
		),
		resource.WithAttributes(
			attribute.String("deployment.id", s.cfg.DeploymentID),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// initTracing installs an SDK tracer provider when tracing is enabled or
// extra processors were given, and a no-op provider otherwise.
func (s *Stack) initTracing(ctx context.Context, res *resource.Resource, opts *InitOptions) error {
	if !s.cfg.TracingEnabled && len(opts.SpanProcessors) == 0 {
		s.tracerProvider = tracenoop.NewTracerProvider()
		return nil
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(s.cfg.TraceSamplingRate))),
	}

	if s.cfg.TracingEnabled {
		s.log.Debug("Initializing trace exporter",
			zap.String("endpoint", s.cfg.OTLPEndpoint),
			zap.Float64("sampling_rate", s.cfg.TraceSamplingRate))

		exporter, err := otlptracegrpc.New(
			ctx,
			otlptracegrpc.WithEndpoint(s.cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter,
			sdktrace.WithMaxExportBatchSize(s.cfg.TraceBatchSize),
		))
	}
	for _, sp := range opts.SpanProcessors {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(sp))
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)
	s.tracerProvider = tp
	s.addCleanup("tracer provider", tp.Shutdown)

	s.log.Info("Tracing initialized",
		zap.Bool("otlp", s.cfg.TracingEnabled),
		zap.String("service", s.cfg.ServiceName))
	return nil
}

// initMetrics installs an SDK meter provider fed by the OTLP periodic reader,
// the Prometheus exporter and any extra readers. Without readers a no-op
// provider is used.
func (s *Stack) initMetrics(ctx context.Context, res *resource.Resource, opts *InitOptions) error {
	var readers []sdkmetric.Reader

	if s.cfg.MetricsEnabled {
		s.log.Debug("Initializing metrics exporter",
			zap.String("endpoint", s.cfg.OTLPEndpoint),
			zap.Int("export_interval_sec", s.cfg.MetricExportIntervalSec))

		exporter, err := otlpmetricgrpc.New(
			ctx,
			otlpmetricgrpc.WithEndpoint(s.cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(
			exporter,
			sdkmetric.WithInterval(time.Duration(s.cfg.MetricExportIntervalSec)*time.Second),
		))
	}

	if s.cfg.PrometheusAddr != "" {
		reg := prometheus.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
		if err != nil {
			return fmt.Errorf("failed to create Prometheus exporter: %w", err)
		}
		s.promRegistry = reg
		readers = append(readers, exporter)
	}

	readers = append(readers, opts.MetricReaders...)

	if len(readers) == 0 {
		s.meterProvider = metricnoop.NewMeterProvider()
		return nil
	}

	mpOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		mpOpts = append(mpOpts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(mpOpts...)
	s.meterProvider = mp
	s.addCleanup("meter provider", mp.Shutdown)

	if s.promRegistry != nil {
		s.metricsServer = startMetricsServer(s.cfg.PrometheusAddr, s.promRegistry, s.log)
		s.addCleanup("prometheus listener", s.metricsServer.Shutdown)
	}

	s.log.Info("Metrics initialized",
		zap.Int("readers", len(readers)),
		zap.String("service", s.cfg.ServiceName))
	return nil
}

// initInstruments builds the registry and the metric groups on top of the
// meter provider.
func (s *Stack) initInstruments(opts *InitOptions) error {
	meter := s.meterProvider.Meter(instrumentationName)

	s.Registry = metrics.NewRegistry(meter, metrics.WithErrorHandler(func(err error) {
		s.log.Warn("Metric recording rejected", zap.Error(err))
	}))

	api, err := metrics.NewAPIMetrics(s.Registry)
	if err != nil {
		return fmt.Errorf("failed to create API metrics: %w", err)
	}
	s.API = api

	httpMetrics, err := metrics.NewHTTPMetrics(s.Registry)
	if err != nil {
		return fmt.Errorf("failed to create HTTP metrics: %w", err)
	}
	s.HTTP = httpMetrics

	s.Tracing = tracing.NewHTTPTracing(s.Tracer(), nil)

	// runtime and process gauges are only worth their callbacks when
	// something reads them
	if _, ok := s.meterProvider.(*sdkmetric.MeterProvider); !ok {
		return nil
	}

	runtimeMetrics, err := metrics.NewRuntimeMetrics(meter)
	if err != nil {
		return fmt.Errorf("failed to create runtime metrics: %w", err)
	}
	s.Runtime = runtimeMetrics
	s.addCleanup("runtime metrics", func(context.Context) error { return runtimeMetrics.Unregister() })
	s.log.Info("Runtime metrics initialized",
		zap.Int("goroutines", metrics.NumGoroutines()),
		zap.Float64("memory_mb", metrics.MemoryUsageMB()))

	if opts.DisableProcessMetrics {
		s.log.Info("Process metrics disabled")
		return nil
	}
	processMetrics, err := metrics.NewProcessMetrics(meter)
	if err != nil {
		return fmt.Errorf("failed to create process metrics: %w", err)
	}
	s.Process = processMetrics
	s.addCleanup("process metrics", func(context.Context) error { return processMetrics.Unregister() })
	return nil
}

func (s *Stack) addCleanup(name string, fn func(context.Context) error) {
	s.cleanupFuncs = append(s.cleanupFuncs, func(ctx context.Context) error {
		s.log.Debug("Shutting down component", zap.String("component", name))
		if err := fn(ctx); err != nil {
			return fmt.Errorf("failed to shutdown %s: %w", name, err)
		}
		return nil
	})
}

// Shutdown flushes pending telemetry and releases every component, last
// started first. It keeps going when a component fails and returns all
// failures joined.
func (s *Stack) Shutdown(ctx context.Context) error {
	if len(s.cleanupFuncs) == 0 {
		s.log.Debug("No cleanup functions registered")
		return nil
	}

	s.log.Info("Shutting down observability stack",
		zap.Int("components", len(s.cleanupFuncs)))

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var errs []error
	for i := len(s.cleanupFuncs) - 1; i >= 0; i-- {
		if err := s.cleanupFuncs[i](shutdownCtx); err != nil {
			s.log.Error("Failed to shutdown component", zap.Error(err))
			errs = append(errs, err)
		}
	}
	s.cleanupFuncs = nil

	if len(errs) > 0 {
		return fmt.Errorf("shutdown had %d errors: %w", len(errs), errors.Join(errs...))
	}

	s.log.Info("Observability stack shutdown complete")
	return nil
}

// Tracer returns the service tracer. It is a no-op tracer when tracing is off.
func (s *Stack) Tracer() trace.Tracer {
	return s.tracerProvider.Tracer(instrumentationName)
}

// HTTPObservabilityMiddleware returns the tracing and HTTP metrics
// middlewares chained, tracing outermost so metrics run inside the server
// span.
//
//	router := chi.NewRouter()
//	router.Use(stack.HTTPObservabilityMiddleware())
func (s *Stack) HTTPObservabilityMiddleware() func(http.Handler) http.Handler {
	traced := s.Tracing.Middleware()
	measured := s.HTTP.Middleware()
	return func(next http.Handler) http.Handler {
		return traced(measured(next))
	}
}

// EnableLogsExport tees l into the OTLP logs pipeline. It returns l unchanged
// when log export is disabled.
func (s *Stack) EnableLogsExport(l *zap.Logger) *zap.Logger {
	if s.logsProvider == nil {
		return l
	}
	level := l.Level()
	return l.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, s.logsProvider.Core(level))
	}))
}

// PrometheusHandler serves the Prometheus exposition of every instrument.
// It returns nil when no Prometheus address is configured.
func (s *Stack) PrometheusHandler() http.Handler {
	if s.promRegistry == nil {
		return nil
	}
	return promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{})
}

// startMetricsServer serves /metrics on addr in the background.
func startMetricsServer(addr string, reg *prometheus.Registry, log Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("Prometheus metrics listener started", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Prometheus metrics listener failed", zap.Error(err))
		}
	}()

	return srv
}
