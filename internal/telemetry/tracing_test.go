package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestJobSpanContextReachesCarrier(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), "v0.0.0-test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	ctx, span := Tracer("pipeline").Start(context.Background(), "download")
	sc := span.SpanContext()
	span.End()
	require.True(t, sc.IsValid())
	assert.True(t, sc.IsSampled())

	attrs := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, attrs)
	assert.Contains(t, attrs.Get("traceparent"), sc.TraceID().String())
}
