package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gath-stack/otel-demo-api/internal/tracing"
	"github.com/gath-stack/otel-demo-api/internal/workload"
)

var routeList = []string{
	"GET /health",
	"GET /user/{id}",
	"GET /simulate-error",
	"GET /performance-test",
	"GET /metrics",
}

type indexResponse struct {
	Message     string   `json:"message"`
	Service     string   `json:"service"`
	Version     string   `json:"version"`
	Environment string   `json:"environment"`
	Endpoints   []string `json:"endpoints"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type metricsResponse struct {
	Message       string   `json:"message"`
	CollectorURL  string   `json:"collector_url"`
	PrometheusURL string   `json:"prometheus_url,omitempty"`
	Endpoints     []string `json:"endpoints"`
}

// index describes the service and lists the routes.
func (s *Server) index(w http.ResponseWriter, r *http.Request) error {
	s.log.Debug("GET / called", tracing.LogFields(r.Context())...)
	s.writeJSON(w, http.StatusOK, indexResponse{
		Message:     "Go + OpenTelemetry Sample API",
		Service:     s.opts.Service,
		Version:     s.opts.Version,
		Environment: s.opts.Environment,
		Endpoints:   routeList,
	})
	return nil
}

// health always reports healthy. It does not probe the simulated
// dependencies, so orchestrator liveness checks stay cheap.
func (s *Server) health(w http.ResponseWriter, _ *http.Request) error {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:    "healthy",
		Timestamp: s.now().UTC(),
	})
	return nil
}

// user runs the full user pipeline for the id in the path.
//
// The route only matches digits, so a non-numeric id never gets here and is
// answered 404. Ids that overflow uint64 are rejected with 400. A failed
// database query or transformation answers 500; a failed external call is
// absorbed and the record is returned without additional info.
func (s *Server) user(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return badRequest("user id must be an unsigned 64-bit integer")
	}

	s.log.Info("GET /user called", append(tracing.LogFields(ctx), zap.Uint64("user_id", id))...)

	record, err := s.sim.ProcessUser(ctx, id)
	if err != nil {
		return toAPIError(err, "Internal Server Error")
	}

	s.log.Info("User data returned",
		append(tracing.LogFields(ctx),
			zap.Uint64("user_id", id),
			zap.Bool("additional_info", record.AdditionalInfo != nil),
		)...)
	s.writeJSON(w, http.StatusOK, record)
	return nil
}

// simulateError always fails with a 500 through the regular error path.
func (s *Server) simulateError(_ http.ResponseWriter, r *http.Request) error {
	s.log.Warn("GET /simulate-error called - intentional error", tracing.LogFields(r.Context())...)
	return toAPIError(s.sim.Intentional(r.Context()), "Simulated Error")
}

// performanceTest processes PerformanceUsers users under one performance_test
// span and reports the total duration.
//
// Query parameters:
//   - mode: "sequential" (default) or "concurrent". Anything else is a 400.
//
// The first failing user fails the whole test with a 500.
func (s *Server) performanceTest(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	mode, err := workload.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		return badRequest(err.Error())
	}

	result, err := s.sim.PerformanceTest(ctx, s.opts.PerformanceUsers, mode)
	if err != nil {
		return toAPIError(err, "Performance test failed")
	}

	s.writeJSON(w, http.StatusOK, result)
	return nil
}

// metricsInfo points at the collector's metrics endpoint and lists the
// application instruments.
func (s *Server) metricsInfo(w http.ResponseWriter, _ *http.Request) error {
	s.writeJSON(w, http.StatusOK, metricsResponse{
		Message:       "Metrics are available at " + s.opts.CollectorMetricsURL,
		CollectorURL:  s.opts.CollectorMetricsURL,
		PrometheusURL: s.opts.PrometheusURL,
		Endpoints:     s.metrics.Names(),
	})
	return nil
}
