package http

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/NeuralNinja23/gencode-orchestrator/internal/http"

// operations names each API route by what it does to a run or decision.
// Keys are "METHOD route-template".
var operations = map[string]string{
	"GET /health":                        "health",
	"GET /metrics":                       "metrics",
	"POST /api/v1/runs":                  "run.create",
	"GET /api/v1/runs/:id":               "run.get",
	"POST /api/v1/runs/:id/pause":        "run.pause",
	"POST /api/v1/runs/:id/resume":       "run.resume",
	"POST /api/v1/runs/:id/cancel":       "run.cancel",
	"GET /api/v1/runs/:id/budget":        "budget.get",
	"POST /api/v1/runs/:id/budget":       "budget.override",
	"GET /api/v1/decisions/:id":          "decision.get",
	"POST /api/v1/decisions/:id/outcome": "decision.outcome",
}

// HTTPMetrics holds the API instruments.
type HTTPMetrics struct {
	meter    metric.Meter
	logger   *zap.Logger
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
	rejected metric.Int64Counter
}

// NewHTTPMetrics creates the instruments on the global meter provider.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &HTTPMetrics{meter: otel.Meter(httpInstrumentationName), logger: logger}
	m.init()
	return m
}

func (m *HTTPMetrics) init() {
	warn := func(name string, err error) {
		if err != nil {
			m.logger.Warn("failed to create instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	var err error
	m.requests, err = m.meter.Int64Counter("gencode.http.requests_total",
		metric.WithDescription("API requests by operation, route and status code"),
		metric.WithUnit("{request}"))
	warn("requests", err)

	m.latency, err = m.meter.Float64Histogram("gencode.http.request_duration_seconds",
		metric.WithDescription("API request latency by operation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.025, 0.1, 0.5, 1, 5))
	warn("latency", err)

	m.inFlight, err = m.meter.Int64UpDownCounter("gencode.http.active_requests",
		metric.WithDescription("API requests being served"),
		metric.WithUnit("{request}"))
	warn("in_flight", err)

	m.rejected, err = m.meter.Int64Counter("gencode.http.rejections_total",
		metric.WithDescription("Run control and feedback requests refused with a 4xx status"),
		metric.WithUnit("{request}"))
	warn("rejected", err)
}

// MetricsMiddleware records one series per operation. Errors are written
// before recording so the status label matches the response.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			if err := next(c); err != nil {
				c.Error(err)
			}

			route := normalizePath(c.Path())
			op := operationName(c.Request().Method, route)
			status := c.Response().Status
			attrs := metric.WithAttributes(
				attribute.String("operation", op),
				attribute.String("endpoint", route),
				attribute.Int("status", status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.latency != nil {
				m.latency.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("operation", op)))
			}
			if m.rejected != nil && status >= http.StatusBadRequest && status < http.StatusInternalServerError {
				m.rejected.Add(ctx, 1, attrs)
			}
			return nil
		}
	}
}

func operationName(method, route string) string {
	if op, ok := operations[method+" "+route]; ok {
		return op
	}
	return "other"
}

// normalizePath keeps label cardinality bounded. c.Path() is already the
// route template (/api/v1/runs/:id), so only unmatched requests need mapping.
func normalizePath(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
