package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracerProviderWithoutExporter(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), TracingConfig{Version: "test", SampleRatio: 0.5})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, tp.Shutdown(context.Background()))
	}()

	_, span := otel.Tracer("test").Start(context.Background(), "op")
	span.End()
	require.True(t, span.SpanContext().IsValid())
}
