package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/NeuralNinja23/gencode-orchestrator/internal/agent"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/budget"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/checkpoint"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/evolution"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/events"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/gate"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/repair"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/workflow"
)

var (
	// ErrRunNotFound is returned for unknown runs.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunExists is returned when starting a run id that is already known.
	ErrRunExists = errors.New("run already exists")
	// ErrInvalidRequest wraps start request validation failures.
	ErrInvalidRequest = errors.New("invalid run request")
	// ErrRunTerminal is returned when an operation needs a live run.
	ErrRunTerminal = errors.New("run has finished")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("scheduler is shut down")
)

// Config tunes dispatch.
type Config struct {
	// MaxConcurrentSteps bounds in-flight steps per run (default 3).
	MaxConcurrentSteps int
	// StepTimeout is the deadline of one dispatch, review included (default 10m).
	StepTimeout time.Duration
	// Workers bounds concurrent executor calls across all runs. Zero means
	// only the per-run limit applies.
	Workers int
	// DispatchRate limits dispatches per second across all runs. Zero disables it.
	DispatchRate float64
	// DispatchBurst is the limiter burst (default MaxConcurrentSteps).
	DispatchBurst int
	// DefaultBudget is the budget limit of runs started without one (default 5.0).
	DefaultBudget float64
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentSteps: 3,
		StepTimeout:        10 * time.Minute,
		DefaultBudget:      5.0,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxConcurrentSteps <= 0 {
		c.MaxConcurrentSteps = d.MaxConcurrentSteps
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = d.StepTimeout
	}
	if c.DispatchBurst <= 0 {
		c.DispatchBurst = c.MaxConcurrentSteps
	}
	if c.DefaultBudget <= 0 {
		c.DefaultBudget = d.DefaultBudget
	}
}

// Gate judges attempts.
type Gate interface {
	Evaluate(ctx context.Context, in gate.Input) (*gate.Verdict, error)
}

// Repairer picks repair strategies for healed retries.
type Repairer interface {
	DecideRepair(ctx context.Context, errorText, archetype string, retryCount int) (*repair.Decision, error)
}

// OutcomeReporter receives feedback for routing decisions.
type OutcomeReporter interface {
	ReportOutcome(ctx context.Context, report evolution.OutcomeReport) error
}

// Approver decides whether a proposed constraint mutation may be applied.
type Approver interface {
	ApproveMutation(ctx context.Context, runID, step string, d *repair.Decision) bool
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, runID, step string, d *repair.Decision) bool

// ApproveMutation calls f.
func (f ApproverFunc) ApproveMutation(ctx context.Context, runID, step string, d *repair.Decision) bool {
	return f(ctx, runID, step, d)
}

// Deps are the scheduler's collaborators. Budget, Checkpoints, Gate,
// Executor and Reviewer are required.
type Deps struct {
	Budget      *budget.Manager
	Checkpoints checkpoint.Service
	Gate        Gate
	Executor    agent.Executor
	Reviewer    agent.Reviewer

	// Persister receives accepted artifacts.
	Persister agent.Persister
	// Repair supplies hints for healed retries.
	Repair Repairer
	// Outcomes receives feedback for repair and policy decisions.
	Outcomes OutcomeReporter
	// Approver gates transformational repairs. Without one, mutations are
	// never applied.
	Approver Approver
	// Events receives lifecycle events.
	Events events.Publisher
}

func (d *Deps) validate() error {
	switch {
	case d.Budget == nil:
		return errors.New("budget manager is required")
	case d.Checkpoints == nil:
		return errors.New("checkpoint service is required")
	case d.Gate == nil:
		return errors.New("gate is required")
	case d.Executor == nil:
		return errors.New("executor is required")
	case d.Reviewer == nil:
		return errors.New("reviewer is required")
	}
	if d.Events == nil {
		d.Events = events.Nop{}
	}
	return nil
}

// StartRequest describes a new run.
type StartRequest struct {
	// RunID is optional; a UUID is generated when empty.
	RunID string
	// Template names a built-in graph. Ignored when Graph is set.
	Template string
	Graph    *workflow.Graph

	Archetype     string
	BudgetLimit   float64
	PromptContext map[string]string
}

func (r StartRequest) graph() (workflow.Graph, error) {
	var g workflow.Graph
	switch {
	case r.Graph != nil:
		g = *r.Graph
		g.Steps = append([]workflow.Step(nil), r.Graph.Steps...)
		if g.Version == "" {
			g.Version = "custom/v1"
		}
	case r.Template != "":
		t, err := workflow.Template(r.Template)
		if err != nil {
			return g, err
		}
		g = t
	default:
		return g, errors.New("template or graph is required")
	}
	if err := g.Validate(); err != nil {
		return g, err
	}
	return g, nil
}
