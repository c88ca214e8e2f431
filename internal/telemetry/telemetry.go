// Package telemetry sets up the OpenTelemetry tracer provider used by the
// acquisition engine and the Pub/Sub publisher.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.uber.org/zap"
)

// Config controls tracing.
type Config struct {
	ServiceName string
	Version     string
	// SampleRatio is the fraction of root spans recorded.
	SampleRatio float64
	// LogSpans writes every finished span to the logger at debug level.
	LogSpans bool
}

// InitTracerProvider builds a tracer provider, installs it globally together
// with the W3C trace-context propagator and returns it so the caller can
// Shutdown on exit.
func InitTracerProvider(ctx context.Context, cfg Config, logger *zap.Logger) (*sdktrace.TracerProvider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "hostile-scraper"
	}
	attrs := []resource.Option{resource.WithAttributes(semconv.ServiceName(cfg.ServiceName))}
	if cfg.Version != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(cfg.Version)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	}
	if cfg.LogSpans && logger != nil {
		opts = append(opts, sdktrace.WithBatcher(NewLogExporter(logger)))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
	)
	return tp, nil
}

// LogExporter is a SpanExporter that writes spans to a zap logger.
type LogExporter struct {
	logger *zap.Logger
}

// NewLogExporter returns a LogExporter writing to logger.
func NewLogExporter(logger *zap.Logger) *LogExporter {
	return &LogExporter{logger: logger.Named("trace")}
}

// ExportSpans logs one debug entry per span.
func (e *LogExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		fields := []zap.Field{
			zap.String("trace_id", s.SpanContext().TraceID().String()),
			zap.String("span_id", s.SpanContext().SpanID().String()),
			zap.Duration("duration", s.EndTime().Sub(s.StartTime())),
			zap.String("status", s.Status().Code.String()),
		}
		if s.Parent().IsValid() {
			fields = append(fields, zap.String("parent_id", s.Parent().SpanID().String()))
		}
		for _, kv := range s.Attributes() {
			fields = append(fields, zap.String(string(kv.Key), kv.Value.Emit()))
		}
		e.logger.Debug(s.Name(), fields...)
	}
	return nil
}

// Shutdown flushes the logger.
func (e *LogExporter) Shutdown(context.Context) error {
	_ = e.logger.Sync()
	return nil
}
