package embeddings

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const embeddingsInstrumentationName = "github.com/NeuralNinja23/gencode-orchestrator/internal/embeddings"

// Metrics holds the embedding instruments.
type Metrics struct {
	meter       metric.Meter
	logger      *zap.Logger
	duration    metric.Float64Histogram
	batchSize   metric.Int64Histogram
	errors      metric.Int64Counter
	cacheLookup metric.Int64Counter
}

// NewMetrics creates the instruments on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{meter: otel.Meter(embeddingsInstrumentationName), logger: logger}
	m.init()
	return m
}

func (m *Metrics) init() {
	warn := func(name string, err error) {
		if err != nil {
			m.logger.Warn("failed to create instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	var err error
	m.duration, err = m.meter.Float64Histogram("gencode.embedding.generation_duration_seconds",
		metric.WithDescription("Embedding request latency by model and operation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 10))
	warn("duration", err)

	m.batchSize, err = m.meter.Int64Histogram("gencode.embedding.batch_size",
		metric.WithDescription("Texts per embedding call"),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 2, 8, 32, 128))
	warn("batch_size", err)

	m.errors, err = m.meter.Int64Counter("gencode.embedding.errors_total",
		metric.WithDescription("Failed embedding calls by model, operation and reason"),
		metric.WithUnit("{error}"))
	warn("errors", err)

	m.cacheLookup, err = m.meter.Int64Counter("gencode.embedding.cache_lookups_total",
		metric.WithDescription("Embedding cache lookups by result (hit, miss)"),
		metric.WithUnit("{lookup}"))
	warn("cache_lookups", err)
}

// RecordGeneration records one provider call. err selects the reason label.
func (m *Metrics) RecordGeneration(ctx context.Context, model, operation string, duration time.Duration, batchSize int, err error) {
	attrs := metric.WithAttributes(attribute.String("model", model), attribute.String("operation", operation))
	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), attrs)
	}
	if batchSize > 0 && m.batchSize != nil {
		m.batchSize.Record(ctx, int64(batchSize), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("model", model),
			attribute.String("operation", operation),
			attribute.String("reason", errorReason(err)),
		))
	}
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, ErrEmptyInput):
		return "empty_input"
	case errors.Is(err, ErrDimensionMismatch):
		return "dimension"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "upstream"
	}
}

// RecordCache counts one cache lookup.
func (m *Metrics) RecordCache(ctx context.Context, hit bool) {
	if m.cacheLookup == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookup.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
