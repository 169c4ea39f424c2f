// Package logs ships zap log entries to an OpenTelemetry logs pipeline.
package logs

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/zap/zapcore"
)

// LogsProvider manages the OpenTelemetry logs pipeline.
type LogsProvider struct {
	provider *sdklog.LoggerProvider
	logger   log.Logger
}

// Options tunes the batch processor. Zero values keep the defaults.
type Options struct {
	ExportTimeout time.Duration
	MaxBatchSize  int
}

// NewLogsProvider creates a logs provider exporting over OTLP/gRPC to endpoint
// and registers it as the global logger provider.
func NewLogsProvider(ctx context.Context, endpoint, name string, res *resource.Resource, opts Options) (*LogsProvider, error) {
	exporter, err := otlploggrpc.New(
		ctx,
		otlploggrpc.WithEndpoint(endpoint),
		otlploggrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP log exporter: %w", err)
	}

	if opts.ExportTimeout <= 0 {
		opts.ExportTimeout = 10 * time.Second
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 512
	}

	lp := NewWithProcessor(name, res, sdklog.NewBatchProcessor(exporter,
		sdklog.WithExportTimeout(opts.ExportTimeout),
		sdklog.WithExportMaxBatchSize(opts.MaxBatchSize),
	))
	global.SetLoggerProvider(lp.provider)
	return lp, nil
}

// NewWithProcessor builds a provider around an arbitrary processor. It does
// not touch the global provider.
func NewWithProcessor(name string, res *resource.Resource, processor sdklog.Processor) *LogsProvider {
	opts := []sdklog.LoggerProviderOption{sdklog.WithProcessor(processor)}
	if res != nil {
		opts = append(opts, sdklog.WithResource(res))
	}
	provider := sdklog.NewLoggerProvider(opts...)
	return &LogsProvider{
		provider: provider,
		logger:   provider.Logger(name),
	}
}

// Shutdown flushes pending records and shuts down the provider.
func (lp *LogsProvider) Shutdown(ctx context.Context) error {
	if lp.provider != nil {
		return lp.provider.Shutdown(ctx)
	}
	return nil
}

// Core returns a zapcore.Core that emits entries at or above level to this
// provider. Tee it with the console core to keep local output.
func (lp *LogsProvider) Core(level zapcore.Level) zapcore.Core {
	return &otelCore{
		logger: lp.logger,
		level:  level,
	}
}

// otelCore is a zapcore.Core implementation that sends logs to OpenTelemetry.
type otelCore struct {
	logger log.Logger
	level  zapcore.Level
	fields []zapcore.Field
}

func (c *otelCore) Enabled(level zapcore.Level) bool {
	return level >= c.level
}

func (c *otelCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = append(clone.fields[:len(c.fields):len(c.fields)], fields...)
	return &clone
}

func (c *otelCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c *otelCore) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, field := range c.fields {
		field.AddTo(enc)
	}
	for _, field := range fields {
		field.AddTo(enc)
	}

	attrs := make([]log.KeyValue, 0, len(enc.Fields)+3)
	attrs = append(attrs, log.String("level", entry.Level.String()))
	if entry.LoggerName != "" {
		attrs = append(attrs, log.String("logger", entry.LoggerName))
	}
	if entry.Caller.Defined {
		attrs = append(attrs, log.String("caller", entry.Caller.TrimmedPath()))
	}
	for key, value := range enc.Fields {
		attrs = append(attrs, convertToLogKeyValue(key, value))
	}

	var record log.Record
	record.SetTimestamp(entry.Time)
	record.SetObservedTimestamp(time.Now())
	record.SetBody(log.StringValue(entry.Message))
	record.SetSeverity(convertLevel(entry.Level))
	record.SetSeverityText(entry.Level.CapitalString())
	record.AddAttributes(attrs...)

	c.logger.Emit(context.Background(), record)
	return nil
}

func (c *otelCore) Sync() error {
	return nil
}

// convertLevel converts zap level to OTEL severity.
func convertLevel(level zapcore.Level) log.Severity {
	switch level {
	case zapcore.DebugLevel:
		return log.SeverityDebug
	case zapcore.InfoLevel:
		return log.SeverityInfo
	case zapcore.WarnLevel:
		return log.SeverityWarn
	case zapcore.ErrorLevel:
		return log.SeverityError
	case zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return log.SeverityFatal
	default:
		return log.SeverityInfo
	}
}

// convertToLogKeyValue converts an encoded zap value to an OTEL log.KeyValue.
func convertToLogKeyValue(key string, value any) log.KeyValue {
	switch v := value.(type) {
	case string:
		return log.String(key, v)
	case int:
		return log.Int(key, v)
	case int64:
		return log.Int64(key, v)
	case uint64:
		return log.Int64(key, int64(v)) // #nosec G115 -- ids in this service are small
	case float64:
		return log.Float64(key, v)
	case bool:
		return log.Bool(key, v)
	case time.Duration:
		return log.Float64(key, v.Seconds())
	default:
		return log.String(key, fmt.Sprintf("%v", v))
	}
}
