package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/gath-stack/otel-demo-api/internal/tracing"
)

// loggingMiddleware logs one line per request, correlated with its trace.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		fields := append(tracing.LogFields(r.Context()),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", time.Since(start)),
			zap.Int("bytes", ww.BytesWritten()),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)

		if status >= http.StatusInternalServerError {
			s.log.Warn("HTTP request", fields...)
			return
		}
		s.log.Info("HTTP request", fields...)
	})
}

// recoverer answers with a JSON 500 when a panic escapes everything below it.
// Handlers recover their own panics, so what reaches here comes from a
// middleware and is counted under UnknownEndpoint.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}

			ctx := r.Context()
			s.log.Error("Panic recovered",
				append(tracing.LogFields(ctx),
					zap.Any("panic", rec),
					zap.String("path", r.URL.Path),
					zap.Stack("stack"),
				)...)

			apiErr := &Error{
				Status:  http.StatusInternalServerError,
				Title:   "Internal Server Error",
				Kind:    KindPanic,
				Message: "An unexpected error occurred",
			}
			s.metrics.CountError(ctx, UnknownEndpoint, apiErr.Kind)
			tracing.RecordError(trace.SpanFromContext(ctx), apiErr)
			s.writeError(w, apiErr)
		}()

		next.ServeHTTP(w, r)
	})
}
