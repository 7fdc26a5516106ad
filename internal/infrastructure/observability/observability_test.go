package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseLogLevel(tt.in))
		})
	}
}

func TestForComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := ForComponent(InitLogger("info", &buf), "monitor", "user-saga-1")

	logger.Info().Msg("sweep done")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "monitor", entry["component"])
	assert.Equal(t, "user-saga-1", entry["instance_id"])
	assert.Equal(t, "sweep done", entry["message"])
}

func TestNewMetrics_PrivateRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("usersaga", reg)

	m.SagasStarted.WithLabelValues("REGISTRATION").Inc()
	m.SagaTransitions.WithLabelValues("REGISTRATION", "STARTED", "IN_PROGRESS").Inc()
	m.ActiveSagas.WithLabelValues("DELETION").Set(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SagasStarted.WithLabelValues("REGISTRATION")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ActiveSagas.WithLabelValues("DELETION")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "usersaga_sagas_started_total")
	assert.Contains(t, names, "usersaga_saga_transitions_total")
}

func TestNewMetrics_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics("usersaga", reg)
	assert.Panics(t, func() { NewMetrics("usersaga", reg) })
}

func TestInitTracer_Disabled(t *testing.T) {
	shutdown, err := InitTracer("user-saga", "user-saga-1", "", false)
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestTraceID(t *testing.T) {
	assert.Empty(t, TraceID(context.Background()))

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", TraceID(ctx))
}
