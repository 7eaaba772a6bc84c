package observability

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "shared-note", "warn")
	logger.Info().Msg("hidden")
	require.Zero(t, buf.Len())

	logger.Warn().Msg("shown")
	require.Contains(t, buf.String(), `"service":"shared-note"`)

	require.Equal(t, zerolog.InfoLevel, NewLogger(&buf, "x", "nonsense").GetLevel())
}

func TestLoggerWithTrace(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	require.Equal(t, base, LoggerWithTrace(context.Background(), base))

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	LoggerWithTrace(ctx, base).Info().Msg("traced")
	require.Contains(t, buf.String(), traceID.String())
}

func TestRegisterRuntimeCollectorsIsIdempotent(t *testing.T) {
	require.NotPanics(t, func() {
		RegisterRuntimeCollectors()
		RegisterRuntimeCollectors()
	})
}
