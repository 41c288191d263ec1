// Package http exposes run control and outcome feedback over HTTP.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/NeuralNinja23/gencode-orchestrator/internal/budget"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/evolution"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/logging"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/scheduler"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/workflow"
)

// RunService controls runs. *scheduler.Scheduler implements it.
type RunService interface {
	Start(ctx context.Context, req scheduler.StartRequest) (*workflow.Run, error)
	Status(ctx context.Context, runID string) (*workflow.Snapshot, error)
	Pause(ctx context.Context, runID string) (workflow.RunStatus, error)
	Resume(ctx context.Context, runID string) (workflow.RunStatus, error)
	Cancel(ctx context.Context, runID string) (workflow.RunStatus, error)
	OverrideBudget(ctx context.Context, runID string, limit float64) (budget.Snapshot, error)
	Budget(runID string) (budget.Snapshot, error)
}

// DecisionService reads decisions and accepts outcome feedback.
// *evolution.Store implements it.
type DecisionService interface {
	Decision(ctx context.Context, id string) (*evolution.Decision, error)
	ReportOutcome(ctx context.Context, report evolution.OutcomeReport) error
}

// HealthCheck reports a component's state. A non-nil error marks the
// server degraded.
type HealthCheck func(ctx context.Context) error

// Server provides the HTTP endpoints.
type Server struct {
	echo      *echo.Echo
	runs      RunService
	decisions DecisionService
	logger    *logging.Logger
	config    *Config
	checks    map[string]HealthCheck
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// Metrics enables the OTel request instruments.
	Metrics bool
}

// Option configures a Server.
type Option func(*Server)

// WithHealthCheck adds a named component to GET /health.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) { s.checks[name] = check }
}

// NewServer creates a new HTTP server.
func NewServer(runs RunService, decisions DecisionService, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if runs == nil {
		return nil, fmt.Errorf("run service cannot be nil")
	}
	if decisions == nil {
		return nil, fmt.Errorf("decision service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8080,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:      e,
		runs:      runs,
		decisions: decisions,
		logger:    logger,
		config:    cfg,
		checks:    make(map[string]HealthCheck),
	}
	for _, opt := range opts {
		opt(s)
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestContext)
	e.Use(s.requestLog)
	if cfg.Metrics {
		e.Use(NewHTTPMetrics(logger.Underlying()).MetricsMiddleware())
	}

	s.registerRoutes()
	return s, nil
}

// requestContext carries the request id, run id and logger on the request
// context so downstream logs correlate.
func (s *Server) requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
		if id := c.Param("id"); id != "" && isRunRoute(c.Path()) {
			ctx = logging.WithRun(ctx, id)
		}
		ctx = logging.WithLogger(ctx, s.logger)
		c.SetRequest(req.WithContext(ctx))
		return next(c)
	}
}

func isRunRoute(path string) bool {
	const prefix = "/api/v1/runs/"
	return len(path) > len(prefix) && path[:len(prefix)] == prefix
}

func (s *Server) requestLog(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		if err := next(c); err != nil {
			c.Error(err)
		}
		s.logger.Info(c.Request().Context(), "http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/runs", s.handleCreateRun)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.POST("/runs/:id/pause", s.handlePause)
	v1.POST("/runs/:id/resume", s.handleResume)
	v1.POST("/runs/:id/cancel", s.handleCancel)
	v1.GET("/runs/:id/budget", s.handleGetBudget)
	v1.POST("/runs/:id/budget", s.handleOverrideBudget)
	v1.GET("/decisions/:id", s.handleGetDecision)
	v1.POST("/decisions/:id/outcome", s.handleReportOutcome)
}

func (s *Server) handleHealth(c echo.Context) error {
	resp := HealthResponse{Status: "ok"}
	if len(s.checks) == 0 {
		return c.JSON(http.StatusOK, resp)
	}
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp.Components = make(map[string]string, len(names))
	for _, name := range names {
		if err := s.checks[name](c.Request().Context()); err != nil {
			resp.Components[name] = err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Components[name] = "ok"
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCreateRun(c echo.Context) error {
	var req CreateRunRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn(c.Request().Context(), "invalid run request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Template == "" && len(req.Steps) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "template or steps is required")
	}
	if req.BudgetLimit < 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "budget_limit must not be negative")
	}

	start := scheduler.StartRequest{
		RunID:         req.RunID,
		Template:      req.Template,
		Archetype:     req.Archetype,
		BudgetLimit:   req.BudgetLimit,
		PromptContext: req.PromptContext,
	}
	if len(req.Steps) > 0 {
		start.Graph = &workflow.Graph{
			Name:    req.GraphName,
			Version: req.GraphVersion,
			Steps:   req.Steps,
		}
	}

	ctx := c.Request().Context()
	run, err := s.runs.Start(ctx, start)
	if err != nil {
		return s.mapError(c, "start run", err)
	}
	snap, err := s.runs.Status(ctx, run.ID)
	if err != nil {
		return c.JSON(http.StatusCreated, RunResponse{APIVersion: APIVersion, Run: *run})
	}
	return c.JSON(http.StatusCreated, s.withBudget(runResponse(snap)))
}

func (s *Server) handleGetRun(c echo.Context) error {
	snap, err := s.runs.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(c, "get run", err)
	}
	return c.JSON(http.StatusOK, s.withBudget(runResponse(snap)))
}

// withBudget attaches the live budget while the run holds one.
func (s *Server) withBudget(resp RunResponse) RunResponse {
	if b, err := s.runs.Budget(resp.Run.ID); err == nil {
		resp.Budget = budgetView(b)
	}
	return resp
}

func (s *Server) handlePause(c echo.Context) error {
	return s.control(c, "pause run", s.runs.Pause)
}

func (s *Server) handleResume(c echo.Context) error {
	return s.control(c, "resume run", s.runs.Resume)
}

func (s *Server) handleCancel(c echo.Context) error {
	return s.control(c, "cancel run", s.runs.Cancel)
}

func (s *Server) control(c echo.Context, op string, fn func(context.Context, string) (workflow.RunStatus, error)) error {
	id := c.Param("id")
	status, err := fn(c.Request().Context(), id)
	if err != nil {
		return s.mapError(c, op, err)
	}
	s.logger.Info(c.Request().Context(), op, zap.String("status", string(status)))
	return c.JSON(http.StatusOK, StatusResponse{APIVersion: APIVersion, RunID: id, Status: status})
}

func (s *Server) handleGetBudget(c echo.Context) error {
	b, err := s.runs.Budget(c.Param("id"))
	if err != nil {
		return s.mapError(c, "get budget", err)
	}
	view := budgetView(b)
	view.APIVersion = APIVersion
	return c.JSON(http.StatusOK, view)
}

func (s *Server) handleOverrideBudget(c echo.Context) error {
	var req BudgetOverrideRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Limit <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "budget_limit must be positive")
	}
	b, err := s.runs.OverrideBudget(c.Request().Context(), c.Param("id"), req.Limit)
	if err != nil {
		return s.mapError(c, "override budget", err)
	}
	view := budgetView(b)
	view.APIVersion = APIVersion
	return c.JSON(http.StatusOK, view)
}

func (s *Server) handleGetDecision(c echo.Context) error {
	d, err := s.decisions.Decision(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.mapError(c, "get decision", err)
	}
	return c.JSON(http.StatusOK, decisionResponse(d))
}

func (s *Server) handleReportOutcome(c echo.Context) error {
	var req OutcomeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	report := evolution.OutcomeReport{
		DecisionID: c.Param("id"),
		Outcome:    evolution.Outcome(req.Outcome),
		Score:      req.Score,
		Details:    req.Details,
	}
	if err := s.decisions.ReportOutcome(c.Request().Context(), report); err != nil {
		return s.mapError(c, "report outcome", err)
	}
	return c.JSON(http.StatusOK, OutcomeResponse{
		APIVersion: APIVersion,
		DecisionID: report.DecisionID,
		Outcome:    report.Outcome,
	})
}

// mapError converts domain errors to HTTP errors. Unknown errors are logged
// and reported without detail.
func (s *Server) mapError(c echo.Context, op string, err error) error {
	switch {
	case errors.Is(err, scheduler.ErrRunNotFound),
		errors.Is(err, budget.ErrRunNotFound),
		errors.Is(err, evolution.ErrDecisionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrRunExists),
		errors.Is(err, scheduler.ErrRunTerminal),
		errors.Is(err, evolution.ErrOutcomeConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrInvalidRequest),
		errors.Is(err, budget.ErrInvalidLimit),
		errors.Is(err, evolution.ErrInvalidOutcome):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, scheduler.ErrClosed),
		errors.Is(err, evolution.ErrStoreClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	s.logger.Error(c.Request().Context(), op+" failed", zap.Error(err))
	return echo.NewHTTPError(http.StatusInternalServerError, op+" failed")
}

// Handler returns the underlying handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
