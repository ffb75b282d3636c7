package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/annel0/charsync/internal/config"
)

func TestInitTelemetry_DisabledIsNoop(t *testing.T) {
	shutdown, err := InitTelemetry(context.Background(), config.TelemetryConfig{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInstall_RecordsSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	defer otel.SetTracerProvider(prev)

	rec := tracetest.NewSpanRecorder()
	shutdown, err := install(context.Background(), "test", trace.WithSpanProcessor(rec))
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "session.transition")
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "session.transition", ended[0].Name())
	assert.NoError(t, shutdown(context.Background()))
}
