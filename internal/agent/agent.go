package agent

import (
	"context"
	"errors"

	"github.com/NeuralNinja23/gencode-orchestrator/internal/gate"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/workflow"
)

var (
	// ErrInvalidConfig indicates a client was configured without an endpoint.
	ErrInvalidConfig = errors.New("invalid agent configuration")
	// ErrUpstream wraps non-2xx responses.
	ErrUpstream = errors.New("agent request failed")
)

// ExecuteRequest is one dispatch of a step.
type ExecuteRequest struct {
	RunID          string            `json:"run_id"`
	Step           string            `json:"step_name"`
	Attempt        int               `json:"attempt_number"`
	PromptContext  map[string]string `json:"prompt_context,omitempty"`
	TokenAllowance int               `json:"token_allowance"`
	// RepairHint is the repair strategy chosen for this retry, if any.
	RepairHint map[string]any `json:"repair_hint,omitempty"`
}

// ExecuteResult is what the executor reports back.
type ExecuteResult struct {
	Artifacts    []workflow.Artifact `json:"artifacts"`
	InputTokens  int                 `json:"input_tokens"`
	OutputTokens int                 `json:"output_tokens"`
	Cost         float64             `json:"cost"`
	// RawError is set when the agent failed, possibly after producing
	// partial artifacts.
	RawError string `json:"raw_error,omitempty"`
}

// ReviewRequest asks for a judgement of a step's artifacts.
type ReviewRequest struct {
	RunID     string              `json:"run_id"`
	Step      string              `json:"step_name"`
	Artifacts []workflow.Artifact `json:"artifacts"`
}

// PersistRequest hands accepted artifacts to durable storage.
type PersistRequest struct {
	RunID     string              `json:"run_id"`
	Step      string              `json:"step_name"`
	Artifacts []workflow.Artifact `json:"artifacts"`
}

// PersistResult reports which artifact paths were committed.
type PersistResult struct {
	Written  []string `json:"written"`
	Rejected []string `json:"rejected"`
}

// Executor runs a step. A returned error means the call itself failed;
// agent-side failures are reported in ExecuteResult.RawError.
type Executor interface {
	Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
}

// Reviewer scores artifacts on 0..10.
type Reviewer interface {
	Review(ctx context.Context, req ReviewRequest) (*gate.Review, error)
}

// Persister commits accepted artifacts.
type Persister interface {
	Persist(ctx context.Context, req PersistRequest) (*PersistResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	return f(ctx, req)
}

// ReviewerFunc adapts a function to Reviewer.
type ReviewerFunc func(ctx context.Context, req ReviewRequest) (*gate.Review, error)

// Review calls f.
func (f ReviewerFunc) Review(ctx context.Context, req ReviewRequest) (*gate.Review, error) {
	return f(ctx, req)
}
