package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zapcore"

	"github.com/NeuralNinja23/gencode-orchestrator/internal/config"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/logging"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.False(t, tel.IsEnabled())
	assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.NotNil(t, tel.LoggerProvider())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.Endpoint = "collector.example.com:4317"

	_, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure")
}

func TestNew_EnabledWithInjectedExporters(t *testing.T) {
	prevT, prevM := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevT)
		otel.SetMeterProvider(prevM)
	})

	cfg := NewDefaultConfig()
	cfg.Enabled = true
	spans := tracetest.NewInMemoryExporter()
	reader := sdkmetric.NewManualReader()
	tl := logging.NewTestLogger()

	tel, err := New(context.Background(), cfg,
		WithSpanExporter(spans),
		WithMetricReader(reader),
		WithLogger(tl.Underlying()),
	)
	require.NoError(t, err)
	assert.True(t, tel.IsEnabled())
	tl.AssertLogged(t, zapcore.InfoLevel, "telemetry initialized")

	_, span := otel.Tracer("test").Start(context.Background(), "scheduler.dispatch")
	span.End()

	counter, err := otel.Meter("test").Int64Counter("gencode.test.total")
	require.NoError(t, err)
	counter.Add(context.Background(), 3, metric.WithAttributes(attribute.String("k", "v")))

	require.NoError(t, tel.ForceFlush(context.Background()))
	got := spans.GetSpans()
	require.Len(t, got, 1)
	assert.Equal(t, "scheduler.dispatch", got[0].Name)
	assert.Equal(t, "gencode-orchestrator", resourceServiceName(got[0]))

	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.IsEnabled())
}

func resourceServiceName(s tracetest.SpanStub) string {
	for _, kv := range s.Resource.Attributes() {
		if kv.Key == "service.name" {
			return kv.Value.AsString()
		}
	}
	return ""
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.NotNil(t, tel.LoggerProvider())
	assert.False(t, tel.IsEnabled())
	assert.Equal(t, HealthStatus{Degraded: true}, tel.Health())
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
	tel.SetLoggerProvider(nil)
}

func TestTelemetry_ShutdownUsesConfiguredTimeout(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Shutdown.Timeout = config.Duration(50 * time.Millisecond)
	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, tel.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}

func TestTestTelemetry(t *testing.T) {
	tt := NewTestTelemetry()

	_, span := tt.Tracer("test").Start(context.Background(), "checkpoint.save",
		trace.WithAttributes(attribute.String("run.id", "run-1"), attribute.Int64("sequence", 4)))
	span.End()

	tt.AssertSpanExists(t, "checkpoint.save")
	tt.AssertSpanAttribute(t, "checkpoint.save", "run.id", "run-1")
	tt.AssertSpanAttribute(t, "checkpoint.save", "sequence", int64(4))
	assert.Nil(t, tt.SpanByName("missing"))

	c, err := tt.Meter("test").Int64Counter("gencode.test.saves_total")
	require.NoError(t, err)
	c.Add(context.Background(), 2, metric.WithAttributes(attribute.String("result", "ok")))
	c.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", "error")))

	total, ok := tt.Sum(t, "gencode.test.saves_total")
	require.True(t, ok)
	assert.EqualValues(t, 3, total)

	_, ok = tt.Sum(t, "gencode.test.nothing")
	assert.False(t, ok)
}

func TestTestTelemetry_Install(t *testing.T) {
	tt := NewTestTelemetry()
	tt.Install(t)

	_, span := otel.Tracer("global").Start(context.Background(), "via-global")
	span.End()
	tt.AssertSpanExists(t, "via-global")
}
