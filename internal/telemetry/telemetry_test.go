package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitTracerProviderLogsSpans(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	tp, err := InitTracerProvider(context.Background(), Config{SampleRatio: 1, LogSpans: true}, zap.New(core))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, parent := otel.Tracer("test").Start(context.Background(), "job.execute")
	_, child := otel.Tracer("test").Start(ctx, "acquire.Fetch")
	child.SetAttributes(attribute.String("path", "solver"))
	child.End()
	parent.End()
	require.NoError(t, tp.ForceFlush(context.Background()))

	entries := logs.FilterMessage("acquire.Fetch").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "solver", fields["path"])
	assert.Equal(t, parent.SpanContext().SpanID().String(), fields["parent_id"])
	assert.Equal(t, "trace", entries[0].LoggerName)
	assert.Equal(t, 1, logs.FilterMessage("job.execute").Len())
}

func TestInitTracerProviderZeroRatioDropsRoots(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	tp, err := InitTracerProvider(context.Background(), Config{SampleRatio: 0, LogSpans: true}, zap.New(core))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := tp.Tracer("test").Start(context.Background(), "dropped")
	assert.False(t, span.SpanContext().IsSampled())
	span.End()
	require.NoError(t, tp.ForceFlush(context.Background()))
	assert.Zero(t, logs.Len())
}
