package tracing

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// HTTPTracing creates a server span for every inbound HTTP request.
//
// The server span is the root of the request's span tree, or a child of the
// remote parent when the caller sent W3C trace context headers. Its status is
// Error only when the response status is >= 400, i.e. when a failure reached
// the HTTP layer uncaught.
type HTTPTracing struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewHTTPTracing initializes HTTP tracing instrumentation. A nil propagator
// falls back to the global one.
func NewHTTPTracing(tracer trace.Tracer, propagator propagation.TextMapPropagator) *HTTPTracing {
	if propagator == nil {
		propagator = otel.GetTextMapPropagator()
	}
	return &HTTPTracing{
		tracer:     tracer,
		propagator: propagator,
	}
}

// Middleware returns a chi-compatible middleware that creates a span for each
// HTTP request.
//
// The route pattern is captured lazily: the span starts with a temporary name,
// the handler runs (letting chi populate its RouteContext), and the span is
// then renamed to "<method> <pattern>" to keep span names low-cardinality.
func (h *HTTPTracing) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := h.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := h.tracer.Start(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.scheme", scheme(r)),
					attribute.String("http.host", r.Host),
					attribute.String("http.target", r.URL.Path),
					attribute.String("http.user_agent", r.UserAgent()),
					attribute.String("http.client_ip", clientIP(r)),
				),
			)
			defer span.End()

			if reqID := middleware.GetReqID(ctx); reqID != "" {
				span.SetAttributes(attribute.String("http.request_id", reqID))
			}

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			routePattern := routePattern(r)
			span.SetName(r.Method + " " + routePattern)
			span.SetAttributes(
				attribute.String("http.route", routePattern),
				attribute.Int("http.status_code", status),
				attribute.Int("http.response_content_length", ww.BytesWritten()),
			)

			if status >= http.StatusBadRequest {
				span.SetStatus(codes.Error, http.StatusText(status))
				span.SetAttributes(attribute.Bool("error", true))
			} else {
				span.SetStatus(codes.Ok, "")
			}
		})
	}
}

// routePattern extracts the route template from chi's RouteContext. It falls
// back to "unknown" for requests no route matched.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}

// scheme extracts the request scheme (http or https).
func scheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if scheme := r.Header.Get("X-Forwarded-Proto"); scheme != "" {
		return scheme
	}
	return "http"
}

// clientIP extracts the real client IP from common headers.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	return r.RemoteAddr
}
