// Package tracing builds span trees on top of an OpenTelemetry tracer.
//
// The current span travels in the context.Context passed to every function
// that may open a child span. A child opened from ctx gets the span carried by
// ctx as parent, or becomes a trace root when ctx carries none. The caller's
// context is never modified, so once a child's scope returns the parent is the
// current span again.
//
// Mutations on a span after it ended are ignored by the SDK.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Do runs fn inside a span named name.
//
// The span is current for the duration of fn (through the ctx passed to it)
// and is ended on every exit path. A returned error is recorded on the span
// and sets its status to Error; otherwise the status is Ok. A panic in fn is
// recorded the same way and then re-raised.
func Do[T any](
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	fn func(ctx context.Context, span trace.Span) (T, error),
	opts ...trace.SpanStartOption,
) (result T, err error) {
	ctx, span := tracer.Start(ctx, name, opts...)
	defer span.End()

	defer func() {
		if rec := recover(); rec != nil {
			RecordError(span, fmt.Errorf("panic: %v", rec))
			panic(rec)
		}
	}()

	result, err = fn(ctx, span)
	if err != nil {
		RecordError(span, err)
		return result, err
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}

// Run is Do for functions that only return an error.
func Run(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	fn func(ctx context.Context, span trace.Span) error,
	opts ...trace.SpanStartOption,
) error {
	_, err := Do(ctx, tracer, name, func(ctx context.Context, span trace.Span) (struct{}, error) {
		return struct{}{}, fn(ctx, span)
	}, opts...)
	return err
}

// RecordError records err as an exception event on span and marks the span
// as failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.Bool("error", true))
}

// LogFields returns zap fields correlating a log line with the span carried
// by ctx. It returns nil when ctx carries no valid span.
func LogFields(ctx context.Context) []zap.Field {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}
