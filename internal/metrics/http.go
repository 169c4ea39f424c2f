package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// UnmatchedRoute is the route label used when chi matched no pattern.
const UnmatchedRoute = "unknown"

// HTTPMetrics provides OpenTelemetry instruments for HTTP server observability
// following the `http.server.*` semantic conventions.
//
// It tracks request count, duration, response size and the number of requests
// currently in flight, grouped by method, route pattern and status code.
type HTTPMetrics struct {
	requestsTotal   *Counter
	requestDuration *Histogram
	responseSize    *Histogram
	activeRequests  *UpDownCounter
}

// NewHTTPMetrics registers the HTTP server instruments on the registry.
//
// Production recommendations:
//   - Instantiate once per service process to ensure consistent aggregation.
//   - Combine with tracing spans for end-to-end latency correlation.
func NewHTTPMetrics(r *Registry) (*HTTPMetrics, error) {
	requestsTotal, err := r.Counter("http.server.requests", "Total number of HTTP requests")
	if err != nil {
		return nil, err
	}

	requestDuration, err := r.Histogram(
		"http.server.duration",
		"HTTP request duration",
		"s",
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
	)
	if err != nil {
		return nil, err
	}

	responseSize, err := r.Histogram(
		"http.server.response.size",
		"HTTP response size in bytes",
		"By",
		100, 1000, 10000, 100000, 1000000,
	)
	if err != nil {
		return nil, err
	}

	activeRequests, err := r.UpDownCounter(
		"http.server.active_requests",
		"Number of active HTTP requests",
		"{request}",
	)
	if err != nil {
		return nil, err
	}

	return &HTTPMetrics{
		requestsTotal:   requestsTotal,
		requestDuration: requestDuration,
		responseSize:    responseSize,
		activeRequests:  activeRequests,
	}, nil
}

// RecordRequest records count, duration and response size for a completed
// request.
func (h *HTTPMetrics) RecordRequest(
	ctx context.Context,
	method, route string,
	statusCode int,
	duration time.Duration,
	responseSize int64,
) {
	labels := Labels{
		"http.method":      method,
		"http.route":       route,
		"http.status_code": strconv.Itoa(statusCode),
	}

	h.requestsTotal.Add(ctx, 1, labels)
	h.requestDuration.Record(ctx, duration.Seconds(), labels)
	h.responseSize.Record(ctx, float64(responseSize), labels)
}

// Middleware returns a chi-compatible middleware that records HTTP metrics for
// every request.
//
// The route pattern is read from chi's RouteContext after the handler ran, so
// metrics are grouped by template (e.g. "/user/{id}") rather than raw path.
func (h *HTTPMetrics) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := r.Context()

			inflight := Labels{"http.method": r.Method}
			h.activeRequests.Add(ctx, 1, inflight)
			defer h.activeRequests.Add(ctx, -1, inflight)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			h.RecordRequest(ctx, r.Method, RoutePattern(r), status, time.Since(start), int64(ww.BytesWritten()))
		})
	}
}

// RoutePattern extracts the matched route template from chi's RouteContext.
// Unmatched requests are reported as UnmatchedRoute to keep label cardinality
// bounded.
func RoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return UnmatchedRoute
}
