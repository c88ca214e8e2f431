package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx := context.Background()
	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.CreateTopic(ctx, "jobs")
	require.NoError(t, err)
	return client, srv
}

func TestPublishSendsJSONWithTraceContext(t *testing.T) {
	client, srv := newTestClient(t)
	p := New(client)
	defer p.Close()

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	otel.SetTextMapPropagator(propagation.TraceContext{})

	id, err := p.Publish(ctx, "jobs", map[string]string{"job_id": "j1", "state": "succeeded"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "j1", got["job_id"])
	require.Equal(t, "succeeded", got["state"])
	require.Contains(t, msgs[0].Attributes["traceparent"], span.SpanContext().TraceID().String())
}

func TestPublishValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "jobs", "x")
	require.Error(t, err)

	client, _ := newTestClient(t)
	_, err = New(client).Publish(context.Background(), "", "x")
	require.ErrorContains(t, err, "topic is required")
	_, err = New(client).Publish(context.Background(), "jobs", func() {})
	require.ErrorContains(t, err, "marshal payload")
}

func TestCarrier(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	propagation.TraceContext{}.Inject(context.Background(), c)
	require.Empty(t, c.Keys())

	c.Set("traceparent", "00-abc")
	require.Equal(t, "00-abc", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
}
