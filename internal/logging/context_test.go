package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zapcore"
)

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}

func TestWithRun_IgnoresInvalidIDs(t *testing.T) {
	ctx := context.Background()
	for _, id := range []string{"", "run 1", "run\n1", strings.Repeat("a", maxIDLen+1), "../etc"} {
		assert.Empty(t, RunIDFromContext(WithRun(ctx, id)), "%q", id)
	}
	assert.Equal(t, "run-1", RunIDFromContext(WithRun(ctx, "run-1")))
	assert.Equal(t, "testing_backend", StepFromContext(WithStep(ctx, "testing_backend")))
	assert.Empty(t, RequestIDFromContext(WithRequestID(ctx, "<script>")))
}

func TestTestLogger_Assertions(t *testing.T) {
	tl := NewTestLogger()
	ctx := trace.ContextWithSpanContext(context.Background(), testSpanContext(t))
	ctx = WithStep(WithRun(ctx, "run-9"), "architecture")

	tl.Info(ctx, "run started", RedactedString("authorization", "Bearer xyz"))
	tl.Trace(ctx, "detail")

	tl.AssertLogged(t, zapcore.InfoLevel, "run started")
	tl.AssertLogged(t, TraceLevel, "detail")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "run started")
	tl.AssertField(t, "run started", "run.id", "run-9")
	tl.AssertCorrelated(t, "run started")
	tl.AssertCorrelated(t, "detail", "run.id")
	assert.Equal(t, []string{"run started"}, tl.Messages(zapcore.InfoLevel))
	tl.AssertNoSecrets(t)

	tl.Reset()
	assert.Empty(t, tl.All())
}
