// Package api serves the demo HTTP API.
//
// Every route goes through the endpoint wrapper, which owns the request-level
// instruments: the request counter is incremented at entry, the duration
// histogram gets exactly one sample per request and every failure is counted,
// recorded on the server span, logged and turned into a JSON error body.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gath-stack/otel-demo-api/internal/logger"
	"github.com/gath-stack/otel-demo-api/internal/metrics"
	"github.com/gath-stack/otel-demo-api/internal/tracing"
	"github.com/gath-stack/otel-demo-api/internal/workload"
)

// UnknownEndpoint labels requests no route matched.
const UnknownEndpoint = "unknown"

// Options describes the service to the index and metrics endpoints and tunes
// request handling.
type Options struct {
	Service     string
	Version     string
	Environment string

	CollectorMetricsURL string
	// PrometheusURL is advertised by /metrics when set.
	PrometheusURL string

	PerformanceUsers int
	// RequestTimeout bounds every request. Zero disables it.
	RequestTimeout time.Duration
}

// Server holds the dependencies of the handlers.
type Server struct {
	opts    Options
	sim     *workload.Simulator
	metrics *metrics.APIMetrics
	log     logger.Logger
	now     func() time.Time
}

// handlerFunc is an http.HandlerFunc that reports failures instead of
// writing them.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// NewServer creates a Server. m and log may be nil.
func NewServer(sim *workload.Simulator, m *metrics.APIMetrics, log logger.Logger, opts Options) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.PerformanceUsers < 1 {
		opts.PerformanceUsers = 3
	}
	return &Server{
		opts:    opts,
		sim:     sim,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

// Routes builds the router. mw run after the request id and real ip
// middlewares and before logging, which is where tracing and HTTP metrics
// belong. The recoverer wraps the whole chain.
//
// Production recommendations:
//   - Pass tracing before HTTP metrics so metric samples carry the server span.
//   - Mount the result directly on http.Server; it answers 404 and 405 itself.
func (s *Server) Routes(mw ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(s.recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mw...)
	r.Use(s.loggingMiddleware)

	r.Get("/", s.endpoint("/", s.index))
	r.Get("/health", s.endpoint("/health", s.health))
	r.Get("/user/{id:[0-9]+}", s.endpoint("/user", s.user))
	r.Get("/simulate-error", s.endpoint("/simulate-error", s.simulateError))
	r.Get("/performance-test", s.endpoint("/performance-test", s.performanceTest))
	r.Get("/metrics", s.endpoint("/metrics", s.metricsInfo))

	r.NotFound(s.endpoint(UnknownEndpoint, func(_ http.ResponseWriter, r *http.Request) error {
		return notFound(r.URL.Path)
	}))
	r.MethodNotAllowed(s.endpoint(UnknownEndpoint, func(_ http.ResponseWriter, r *http.Request) error {
		return methodNotAllowed(r.Method, r.URL.Path)
	}))

	return r
}

// endpoint wraps h with the request-level instruments of endpoint name.
func (s *Server) endpoint(name string, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		ctx := r.Context()
		s.metrics.CountRequest(ctx, name, r.Method)

		outcome := metrics.OutcomeSuccess
		defer func() {
			s.metrics.ObserveRequest(ctx, name, outcome, s.now().Sub(start))
		}()

		if s.opts.RequestTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
			defer cancel()
			r = r.WithContext(ctx)
		}

		if err := s.serve(h, w, r); err != nil {
			outcome = metrics.OutcomeError
			s.handleError(w, r, name, err)
		}
	}
}

// serve runs h and turns a panic into an error.
func (s *Server) serve(h handlerFunc, w http.ResponseWriter, r *http.Request) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.log.Error("Handler panicked",
				append(tracing.LogFields(r.Context()),
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"),
				)...)
			err = &Error{
				Status:  http.StatusInternalServerError,
				Title:   "Internal Server Error",
				Kind:    KindPanic,
				Message: "An unexpected error occurred",
			}
		}
	}()
	return h(w, r)
}

// handleError is the single failure path of a request: it counts the error,
// records it on the server span, logs it with trace correlation and writes
// the JSON body. 5xx responses log at error level, everything else at warn.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	ctx := r.Context()
	apiErr := toAPIError(err, "Internal Server Error")

	s.metrics.CountError(ctx, endpoint, apiErr.Kind)
	tracing.RecordError(trace.SpanFromContext(ctx), err)

	fields := append(tracing.LogFields(ctx),
		zap.String("endpoint", endpoint),
		zap.String("path", r.URL.Path),
		zap.String("error_type", apiErr.Kind),
		zap.Int("status", apiErr.Status),
		zap.Error(err),
	)
	if apiErr.Status >= http.StatusInternalServerError {
		s.log.Error("Request failed", fields...)
	} else {
		s.log.Warn("Request rejected", fields...)
	}

	s.writeError(w, apiErr)
}
