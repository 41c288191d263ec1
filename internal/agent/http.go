package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/NeuralNinja23/gencode-orchestrator/internal/gate"
)

const instrumentationName = "github.com/NeuralNinja23/gencode-orchestrator/internal/agent"

// Config configures one HTTP collaborator.
type Config struct {
	// BaseURL is the collaborator's root URL.
	BaseURL string
	// APIKey is sent as a bearer token when set.
	APIKey string
	// Timeout bounds a single request. Zero means no client-side limit;
	// the scheduler's per-step deadline still applies.
	Timeout time.Duration
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	return nil
}

type client struct {
	cfg      Config
	http     *http.Client
	logger   *zap.Logger
	duration metric.Float64Histogram
}

func newClient(cfg Config, logger *zap.Logger) (*client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
	var err error
	c.duration, err = otel.Meter(instrumentationName).Float64Histogram(
		"gencode.agent.request_duration_seconds",
		metric.WithDescription("Latency of calls to external agents"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("failed to create agent duration histogram", zap.Error(err))
	}
	return c, nil
}

func (c *client) post(ctx context.Context, op, path string, in, out any) (err error) {
	start := time.Now()
	defer func() {
		if c.duration == nil {
			return
		}
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		c.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("operation", op),
			attribute.String("outcome", outcome),
		))
	}()

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s: status %d: %s", ErrUpstream, op, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", op, err)
	}
	return nil
}

// HTTPExecutor calls POST {base}/execute.
type HTTPExecutor struct{ c *client }

// NewHTTPExecutor creates an executor client.
func NewHTTPExecutor(cfg Config, logger *zap.Logger) (*HTTPExecutor, error) {
	c, err := newClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &HTTPExecutor{c: c}, nil
}

// Execute dispatches a step.
func (e *HTTPExecutor) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	var res ExecuteResult
	if err := e.c.post(ctx, "execute", "/execute", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// HTTPReviewer calls POST {base}/review.
type HTTPReviewer struct{ c *client }

// NewHTTPReviewer creates a reviewer client.
func NewHTTPReviewer(cfg Config, logger *zap.Logger) (*HTTPReviewer, error) {
	c, err := newClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &HTTPReviewer{c: c}, nil
}

// Review scores artifacts.
func (r *HTTPReviewer) Review(ctx context.Context, req ReviewRequest) (*gate.Review, error) {
	var res gate.Review
	if err := r.c.post(ctx, "review", "/review", req, &res); err != nil {
		return nil, err
	}
	if res.Score < 0 || res.Score > 10 {
		r.c.logger.Warn("reviewer score out of range", zap.String("step", req.Step), zap.Float64("score", res.Score))
	}
	return &res, nil
}

// HTTPPersister calls POST {base}/persist.
type HTTPPersister struct{ c *client }

// NewHTTPPersister creates a persister client.
func NewHTTPPersister(cfg Config, logger *zap.Logger) (*HTTPPersister, error) {
	c, err := newClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &HTTPPersister{c: c}, nil
}

// Persist commits artifacts.
func (p *HTTPPersister) Persist(ctx context.Context, req PersistRequest) (*PersistResult, error) {
	var res PersistResult
	if err := p.c.post(ctx, "persist", "/persist", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
