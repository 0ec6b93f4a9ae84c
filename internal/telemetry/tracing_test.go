package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestInjectExtractRoundTrip(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), Config{ServiceName: "mediavalidator-test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := Tracer().Start(context.Background(), "enqueue")
	carrier := Inject(ctx)
	span.End()
	require.Contains(t, carrier, "traceparent")

	restored := Extract(context.Background(), carrier)
	sc := trace.SpanContextFromContext(restored)
	require.True(t, sc.IsRemote())
	require.Equal(t, span.SpanContext().TraceID(), sc.TraceID())
}

func TestExtractWithoutCarrierKeepsContext(t *testing.T) {
	ctx := context.Background()
	require.Equal(t, ctx, Extract(ctx, nil))
	require.Nil(t, Inject(context.Background()))
}
