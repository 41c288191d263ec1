package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/NeuralNinja23/gencode-orchestrator/internal/events"

// DefaultSubjectPrefix is the first subject token.
const DefaultSubjectPrefix = "runs"

// Config configures NATS publishing.
type Config struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// Connect dials NATS with reconnects enabled.
func Connect(cfg Config, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("gencode-orchestrator"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

// NATSPublisher publishes events as JSON to NATS.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger *zap.Logger

	published metric.Int64Counter
}

// NewNATSPublisher creates a publisher on an existing connection. The
// connection stays owned by the caller.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) (*NATSPublisher, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	p := &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
	var err error
	p.published, err = otel.Meter(instrumentationName).Int64Counter(
		"gencode.events.published_total",
		metric.WithDescription("Events published, by type and result"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		logger.Warn("failed to create events counter", zap.Error(err))
	}
	return p, nil
}

// NewPublisher returns a NATS publisher when enabled, Nop otherwise. The
// returned publisher owns its connection.
func NewPublisher(cfg Config, logger *zap.Logger) (Publisher, error) {
	if !cfg.Enabled {
		return Nop{}, nil
	}
	nc, err := Connect(cfg, logger)
	if err != nil {
		return nil, err
	}
	p, err := NewNATSPublisher(nc, cfg.SubjectPrefix, logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	p.owned = true
	return p, nil
}

// Publish sends e. Errors are returned and counted; callers usually only log them.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := Subject(p.prefix, e)
	err = p.nc.Publish(subject, data)
	if p.published != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		p.published.Add(ctx, 1, metric.WithAttributes(
			attribute.String("type", string(e.Type)),
			attribute.String("result", result),
		))
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Flush waits until the server has processed everything published so far.
func (p *NATSPublisher) Flush() error {
	return p.nc.Flush()
}

// Close drains an owned connection.
func (p *NATSPublisher) Close() error {
	if !p.owned {
		return nil
	}
	return p.nc.Drain()
}
