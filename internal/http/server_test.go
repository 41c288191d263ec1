package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/NeuralNinja23/gencode-orchestrator/internal/budget"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/evolution"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/logging"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/scheduler"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/workflow"
)

type mockRuns struct {
	mock.Mock
}

func (m *mockRuns) Start(ctx context.Context, req scheduler.StartRequest) (*workflow.Run, error) {
	args := m.Called(ctx, req)
	if r, ok := args.Get(0).(*workflow.Run); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRuns) Status(ctx context.Context, runID string) (*workflow.Snapshot, error) {
	args := m.Called(ctx, runID)
	if s, ok := args.Get(0).(*workflow.Snapshot); ok {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockRuns) Pause(ctx context.Context, runID string) (workflow.RunStatus, error) {
	args := m.Called(ctx, runID)
	return args.Get(0).(workflow.RunStatus), args.Error(1)
}

func (m *mockRuns) Resume(ctx context.Context, runID string) (workflow.RunStatus, error) {
	args := m.Called(ctx, runID)
	return args.Get(0).(workflow.RunStatus), args.Error(1)
}

func (m *mockRuns) Cancel(ctx context.Context, runID string) (workflow.RunStatus, error) {
	args := m.Called(ctx, runID)
	return args.Get(0).(workflow.RunStatus), args.Error(1)
}

func (m *mockRuns) OverrideBudget(ctx context.Context, runID string, limit float64) (budget.Snapshot, error) {
	args := m.Called(ctx, runID, limit)
	return args.Get(0).(budget.Snapshot), args.Error(1)
}

func (m *mockRuns) Budget(runID string) (budget.Snapshot, error) {
	args := m.Called(runID)
	return args.Get(0).(budget.Snapshot), args.Error(1)
}

type mockDecisions struct {
	mock.Mock
}

func (m *mockDecisions) Decision(ctx context.Context, id string) (*evolution.Decision, error) {
	args := m.Called(ctx, id)
	if d, ok := args.Get(0).(*evolution.Decision); ok {
		return d, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockDecisions) ReportOutcome(ctx context.Context, report evolution.OutcomeReport) error {
	return m.Called(ctx, report).Error(0)
}

type testServer struct {
	*Server
	runs      *mockRuns
	decisions *mockDecisions
	log       *logging.TestLogger
}

func setupTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	runs := &mockRuns{}
	decisions := &mockDecisions{}
	log := logging.NewTestLogger()
	s, err := NewServer(runs, decisions, log.Logger, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		runs.AssertExpectations(t)
		decisions.AssertExpectations(t)
	})
	return &testServer{Server: s, runs: runs, decisions: decisions, log: log}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func sampleSnapshot() *workflow.Snapshot {
	score := 8.5
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	g := workflow.Graph{
		Name:    "pair",
		Version: "pair/v1",
		Steps: []workflow.Step{
			{Name: "plan", Criticality: workflow.Critical, MaxAttempts: 3},
			{Name: "build", DependsOn: []string{"plan"}, Criticality: workflow.BestEffort, MaxAttempts: 2},
		},
	}
	return &workflow.Snapshot{
		Run: workflow.Run{
			ID:           "run-1",
			Status:       workflow.RunRunning,
			GraphVersion: g.Version,
			BudgetLimit:  5,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		Graph: g,
		Steps: map[string]*workflow.StepState{
			"plan": {
				Status: workflow.StepAccepted,
				Attempts: []workflow.Attempt{{
					Number:       1,
					InputTokens:  100,
					OutputTokens: 50,
					Cost:         0.2,
					Artifacts:    []workflow.Artifact{{Path: "docs/plan.md", Content: "top secret plan body"}},
					QualityScore: &score,
					Outcome:      workflow.OutcomeAccepted,
					StartedAt:    now,
				}},
			},
			"build": {Status: workflow.StepRunnable},
		},
	}
}

func TestNewServer(t *testing.T) {
	log := logging.NewTestLogger()

	t.Run("uses defaults when config is nil", func(t *testing.T) {
		s, err := NewServer(&mockRuns{}, &mockDecisions{}, log.Logger, nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", s.config.Host)
		assert.Equal(t, 8080, s.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(&mockRuns{}, &mockDecisions{}, nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when services are nil", func(t *testing.T) {
		_, err := NewServer(nil, &mockDecisions{}, log.Logger, nil)
		assert.Error(t, err)
		_, err = NewServer(&mockRuns{}, nil, log.Logger, nil)
		assert.Error(t, err)
	})
}

func TestHandleHealth(t *testing.T) {
	t.Run("ok without checks", func(t *testing.T) {
		ts := setupTestServer(t)
		rec := ts.do(t, http.MethodGet, "/health", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)
	})

	t.Run("degraded when a check fails", func(t *testing.T) {
		ts := setupTestServer(t,
			WithHealthCheck("telemetry", func(context.Context) error { return errors.New("exporter unreachable") }),
			WithHealthCheck("events", func(context.Context) error { return nil }),
		)
		resp := decode[HealthResponse](t, ts.do(t, http.MethodGet, "/health", nil))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "ok", resp.Components["events"])
		assert.Equal(t, "exporter unreachable", resp.Components["telemetry"])
	})
}

func TestHandleCreateRun(t *testing.T) {
	t.Run("starts a template run", func(t *testing.T) {
		ts := setupTestServer(t)
		snap := sampleSnapshot()
		ts.runs.On("Start", mock.Anything, scheduler.StartRequest{
			Template:      "minimal",
			Archetype:     "saas",
			BudgetLimit:   5,
			PromptContext: map[string]string{"idea": "todo app"},
		}).Return(&snap.Run, nil)
		ts.runs.On("Status", mock.Anything, "run-1").Return(snap, nil)
		ts.runs.On("Budget", "run-1").Return(budget.Snapshot{RunID: "run-1", Limit: 5, Spent: 0.2, Status: budget.StatusHealthy}, nil)

		rec := ts.do(t, http.MethodPost, "/api/v1/runs", CreateRunRequest{
			Template:      "minimal",
			Archetype:     "saas",
			BudgetLimit:   5,
			PromptContext: map[string]string{"idea": "todo app"},
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		resp := decode[RunResponse](t, rec)
		assert.Equal(t, "v1", resp.APIVersion)
		assert.Equal(t, "run-1", resp.Run.ID)
		assert.Equal(t, []string{"build"}, resp.Runnable)
		require.NotNil(t, resp.Budget)
		assert.InDelta(t, 4.8, resp.Budget.Remaining, 1e-9)
		require.Contains(t, resp.Steps, "plan")
		require.Len(t, resp.Steps["plan"].Attempts, 1)
		assert.Equal(t, []string{"docs/plan.md"}, resp.Steps["plan"].Attempts[0].Artifacts)
		assert.Equal(t, 150, resp.Steps["plan"].Attempts[0].Tokens)
		assert.NotContains(t, rec.Body.String(), "top secret plan body")
	})

	t.Run("explicit steps become a graph", func(t *testing.T) {
		ts := setupTestServer(t)
		steps := []workflow.Step{{Name: "only", Criticality: workflow.Critical, MaxAttempts: 1}}
		ts.runs.On("Start", mock.Anything, mock.MatchedBy(func(r scheduler.StartRequest) bool {
			return r.Graph != nil && r.Graph.Name == "custom" && len(r.Graph.Steps) == 1 && r.RunID == "my-run"
		})).Return(&workflow.Run{ID: "my-run", Status: workflow.RunRunning}, nil)
		ts.runs.On("Status", mock.Anything, "my-run").Return(nil, scheduler.ErrRunNotFound)

		rec := ts.do(t, http.MethodPost, "/api/v1/runs", CreateRunRequest{RunID: "my-run", GraphName: "custom", Steps: steps})
		require.Equal(t, http.StatusCreated, rec.Code)
		assert.Equal(t, "my-run", decode[RunResponse](t, rec).Run.ID)
	})

	t.Run("missing template and steps", func(t *testing.T) {
		ts := setupTestServer(t)
		rec := ts.do(t, http.MethodPost, "/api/v1/runs", CreateRunRequest{Archetype: "x"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid json", func(t *testing.T) {
		ts := setupTestServer(t)
		rec := ts.do(t, http.MethodPost, "/api/v1/runs", "not json")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("maps scheduler errors", func(t *testing.T) {
		tests := []struct {
			err  error
			code int
		}{
			{fmt.Errorf("%w: cycle", scheduler.ErrInvalidRequest), http.StatusBadRequest},
			{scheduler.ErrRunExists, http.StatusConflict},
			{scheduler.ErrClosed, http.StatusServiceUnavailable},
			{errors.New("disk on fire"), http.StatusInternalServerError},
		}
		for _, tt := range tests {
			ts := setupTestServer(t)
			ts.runs.On("Start", mock.Anything, mock.Anything).Return(nil, tt.err)
			rec := ts.do(t, http.MethodPost, "/api/v1/runs", CreateRunRequest{Template: "fullstack"})
			assert.Equal(t, tt.code, rec.Code, tt.err.Error())
		}
	})

	t.Run("internal errors are logged without leaking detail", func(t *testing.T) {
		ts := setupTestServer(t)
		ts.runs.On("Start", mock.Anything, mock.Anything).Return(nil, errors.New("disk on fire"))
		rec := ts.do(t, http.MethodPost, "/api/v1/runs", CreateRunRequest{Template: "fullstack"})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NotContains(t, rec.Body.String(), "disk on fire")
		ts.log.AssertLogged(t, zapcore.ErrorLevel, "start run failed")
	})
}

func TestHandleGetRun(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		ts := setupTestServer(t)
		ts.runs.On("Status", mock.Anything, "run-1").Return(sampleSnapshot(), nil)
		ts.runs.On("Budget", "run-1").Return(budget.Snapshot{}, budget.ErrRunNotFound)

		rec := ts.do(t, http.MethodGet, "/api/v1/runs/run-1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[RunResponse](t, rec)
		assert.Nil(t, resp.Budget)
		assert.Equal(t, workflow.StepAccepted, resp.Steps["plan"].Status)
		assert.Equal(t, []string{"plan"}, resp.Steps["build"].DependsOn)
	})

	t.Run("not found", func(t *testing.T) {
		ts := setupTestServer(t)
		ts.runs.On("Status", mock.Anything, "nope").Return(nil, fmt.Errorf("%w: nope", scheduler.ErrRunNotFound))
		rec := ts.do(t, http.MethodGet, "/api/v1/runs/nope", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("carries run id on the request context", func(t *testing.T) {
		ts := setupTestServer(t)
		ts.runs.On("Status", mock.MatchedBy(func(ctx context.Context) bool {
			return logging.RunIDFromContext(ctx) == "run-1" && logging.RequestIDFromContext(ctx) != ""
		}), "run-1").Return(sampleSnapshot(), nil)
		ts.runs.On("Budget", "run-1").Return(budget.Snapshot{}, budget.ErrRunNotFound)

		rec := ts.do(t, http.MethodGet, "/api/v1/runs/run-1", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
		ts.log.AssertField(t, "http request", "run.id", "run-1")
	})
}

func TestRunControl(t *testing.T) {
	tests := []struct {
		path   string
		method string
		status workflow.RunStatus
	}{
		{"/api/v1/runs/run-1/pause", "Pause", workflow.RunPaused},
		{"/api/v1/runs/run-1/resume", "Resume", workflow.RunRunning},
		{"/api/v1/runs/run-1/cancel", "Cancel", workflow.RunAborted},
	}
	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			ts := setupTestServer(t)
			ts.runs.On(tt.method, mock.Anything, "run-1").Return(tt.status, nil)

			rec := ts.do(t, http.MethodPost, tt.path, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			resp := decode[StatusResponse](t, rec)
			assert.Equal(t, "run-1", resp.RunID)
			assert.Equal(t, tt.status, resp.Status)
		})
	}

	t.Run("terminal run conflicts", func(t *testing.T) {
		ts := setupTestServer(t)
		ts.runs.On("Pause", mock.Anything, "run-1").Return(workflow.RunStatus(""), scheduler.ErrRunTerminal)
		rec := ts.do(t, http.MethodPost, "/api/v1/runs/run-1/pause", nil)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestHandleBudget(t *testing.T) {
	t.Run("override", func(t *testing.T) {
		ts := setupTestServer(t)
		ts.runs.On("OverrideBudget", mock.Anything, "run-1", 9.0).
			Return(budget.Snapshot{RunID: "run-1", Limit: 9, Spent: 4.9, Status: budget.StatusHealthy}, nil)

		rec := ts.do(t, http.MethodPost, "/api/v1/runs/run-1/budget", BudgetOverrideRequest{Limit: 9})
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[BudgetView](t, rec)
		assert.Equal(t, 9.0, resp.Limit)
		assert.InDelta(t, 4.1, resp.Remaining, 1e-9)
		assert.Equal(t, budget.StatusHealthy, resp.Status)
	})

	t.Run("limit below spent", func(t *testing.T) {
		ts := setupTestServer(t)
		ts.runs.On("OverrideBudget", mock.Anything, "run-1", 1.0).
			Return(budget.Snapshot{}, fmt.Errorf("%w: 1 does not exceed spent", budget.ErrInvalidLimit))
		rec := ts.do(t, http.MethodPost, "/api/v1/runs/run-1/budget", BudgetOverrideRequest{Limit: 1})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("non-positive limit rejected before the scheduler", func(t *testing.T) {
		ts := setupTestServer(t)
		rec := ts.do(t, http.MethodPost, "/api/v1/runs/run-1/budget", BudgetOverrideRequest{Limit: 0})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("get", func(t *testing.T) {
		ts := setupTestServer(t)
		ts.runs.On("Budget", "run-1").Return(budget.Snapshot{RunID: "run-1", Limit: 5, Spent: 4.8, Status: budget.StatusExhausted}, nil)
		resp := decode[BudgetView](t, ts.do(t, http.MethodGet, "/api/v1/runs/run-1/budget", nil))
		assert.Equal(t, budget.StatusExhausted, resp.Status)
		assert.Equal(t, "v1", resp.APIVersion)
	})
}

func TestHandleDecisions(t *testing.T) {
	t.Run("get returns digest only", func(t *testing.T) {
		ts := setupTestServer(t)
		ts.decisions.On("Decision", mock.Anything, "d-1").Return(&evolution.Decision{
			ID:          "d-1",
			QueryDigest: "abc123",
			ContextType: "repair",
			Archetype:   "saas",
			CandidateID: "syntax_fix",
			Mode:        "standard",
			Value:       evolution.Value{"max_edits": 3.0},
			Weights:     map[string]float64{"syntax_fix": 0.9, "logic_fix": 0.1},
			QueryVector: []float32{0.1, 0.2},
		}, nil)

		rec := ts.do(t, http.MethodGet, "/api/v1/decisions/d-1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		resp := decode[DecisionResponse](t, rec)
		assert.Equal(t, "abc123", resp.QueryDigest)
		assert.Equal(t, 0.9, resp.Weights["syntax_fix"])
		assert.NotContains(t, rec.Body.String(), "query_vector")
	})

	t.Run("get unknown", func(t *testing.T) {
		ts := setupTestServer(t)
		ts.decisions.On("Decision", mock.Anything, "d-x").Return(nil, evolution.ErrDecisionNotFound)
		assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/v1/decisions/d-x", nil).Code)
	})

	t.Run("report outcome", func(t *testing.T) {
		ts := setupTestServer(t)
		score := 7.5
		ts.decisions.On("ReportOutcome", mock.Anything, evolution.OutcomeReport{
			DecisionID: "d-1",
			Outcome:    evolution.OutcomeSuccess,
			Score:      &score,
		}).Return(nil)

		rec := ts.do(t, http.MethodPost, "/api/v1/decisions/d-1/outcome", OutcomeRequest{Outcome: "success", Score: &score})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, evolution.OutcomeSuccess, decode[OutcomeResponse](t, rec).Outcome)
	})

	t.Run("outcome errors", func(t *testing.T) {
		tests := []struct {
			err  error
			code int
		}{
			{evolution.ErrOutcomeConflict, http.StatusConflict},
			{evolution.ErrInvalidOutcome, http.StatusBadRequest},
			{evolution.ErrDecisionNotFound, http.StatusNotFound},
			{evolution.ErrStoreClosed, http.StatusServiceUnavailable},
		}
		for _, tt := range tests {
			ts := setupTestServer(t)
			ts.decisions.On("ReportOutcome", mock.Anything, mock.Anything).Return(tt.err)
			rec := ts.do(t, http.MethodPost, "/api/v1/decisions/d-1/outcome", OutcomeRequest{Outcome: "failure"})
			assert.Equal(t, tt.code, rec.Code, tt.err.Error())
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}
