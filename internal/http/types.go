package http

import (
	"time"

	"github.com/NeuralNinja23/gencode-orchestrator/internal/budget"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/evolution"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/workflow"
)

// APIVersion is stamped on every response body.
const APIVersion = "v1"

// CreateRunRequest is the request body for POST /api/v1/runs. Either
// Template or Steps must be set.
type CreateRunRequest struct {
	RunID         string            `json:"run_id,omitempty"`
	Template      string            `json:"template,omitempty"`
	Steps         []workflow.Step   `json:"steps,omitempty"`
	GraphName     string            `json:"graph_name,omitempty"`
	GraphVersion  string            `json:"graph_version,omitempty"`
	Archetype     string            `json:"archetype,omitempty"`
	BudgetLimit   float64           `json:"budget_limit,omitempty"`
	PromptContext map[string]string `json:"prompt_context,omitempty"`
}

// BudgetOverrideRequest is the request body for POST /api/v1/runs/:id/budget.
type BudgetOverrideRequest struct {
	Limit float64 `json:"budget_limit"`
}

// OutcomeRequest is the request body for POST /api/v1/decisions/:id/outcome.
type OutcomeRequest struct {
	Outcome string         `json:"outcome"`
	Score   *float64       `json:"score,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// RunResponse is returned by the run endpoints.
type RunResponse struct {
	APIVersion string               `json:"api_version"`
	Run        workflow.Run         `json:"run"`
	Budget     *BudgetView          `json:"budget,omitempty"`
	Runnable   []string             `json:"runnable,omitempty"`
	Steps      map[string]*StepView `json:"steps,omitempty"`
}

// StatusResponse is returned by the pause, resume and cancel endpoints.
type StatusResponse struct {
	APIVersion string             `json:"api_version"`
	RunID      string             `json:"run_id"`
	Status     workflow.RunStatus `json:"status"`
}

// BudgetView is a budget snapshot with the derived remaining amount.
type BudgetView struct {
	APIVersion string        `json:"api_version,omitempty"`
	Limit      float64       `json:"budget_limit"`
	Spent      float64       `json:"spent"`
	Reserved   float64       `json:"reserved"`
	Remaining  float64       `json:"remaining"`
	Status     budget.Status `json:"status"`
}

// StepView is one step's state. Artifact content is never returned.
type StepView struct {
	Status      workflow.StepStatus  `json:"status"`
	Criticality workflow.Criticality `json:"criticality"`
	MaxAttempts int                  `json:"max_attempts"`
	DependsOn   []string             `json:"depends_on,omitempty"`
	Attempts    []AttemptView        `json:"attempts,omitempty"`
}

// AttemptView is one attempt with artifact paths only.
type AttemptView struct {
	Number       int                     `json:"attempt_number"`
	Tokens       int                     `json:"tokens"`
	Cost         float64                 `json:"cost"`
	Artifacts    []string                `json:"artifacts,omitempty"`
	QualityScore *float64                `json:"quality_score,omitempty"`
	Outcome      workflow.AttemptOutcome `json:"outcome"`
	ErrorClass   workflow.ErrorClass     `json:"error_class,omitempty"`
	Error        string                  `json:"error,omitempty"`
	Verdict      string                  `json:"verdict,omitempty"`
	Persisted    []string                `json:"persisted,omitempty"`
	Rejected     []string                `json:"persist_rejected,omitempty"`
	StartedAt    time.Time               `json:"started_at"`
	CompletedAt  time.Time               `json:"completed_at,omitempty"`
}

// DecisionResponse is a stored routing decision. The raw query is never
// stored, so only its digest appears here.
type DecisionResponse struct {
	APIVersion       string             `json:"api_version"`
	ID               string             `json:"decision_id"`
	QueryDigest      string             `json:"query_digest"`
	ContextType      string             `json:"context_type"`
	Archetype        string             `json:"archetype"`
	CandidateID      string             `json:"candidate_id"`
	Mode             string             `json:"mode"`
	Entropy          float64            `json:"entropy"`
	Value            evolution.Value    `json:"synthesized_value"`
	Weights          map[string]float64 `json:"attention_weights"`
	SourceArchetypes []string           `json:"source_archetypes,omitempty"`
	Outcome          *evolution.Outcome `json:"outcome,omitempty"`
	OutcomeScore     *float64           `json:"outcome_score,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
}

// OutcomeResponse acknowledges an outcome report.
type OutcomeResponse struct {
	APIVersion string            `json:"api_version"`
	DecisionID string            `json:"decision_id"`
	Outcome    evolution.Outcome `json:"outcome"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func budgetView(s budget.Snapshot) *BudgetView {
	return &BudgetView{
		Limit:     s.Limit,
		Spent:     s.Spent,
		Reserved:  s.Reserved,
		Remaining: s.Remaining(),
		Status:    s.Status,
	}
}

func runResponse(snap *workflow.Snapshot) RunResponse {
	resp := RunResponse{
		APIVersion: APIVersion,
		Run:        snap.Run,
		Steps:      make(map[string]*StepView, len(snap.Graph.Steps)),
	}
	if !snap.Run.Status.IsTerminal() {
		resp.Runnable = snap.Runnable()
	}
	for _, step := range snap.Graph.Steps {
		view := &StepView{
			Criticality: step.Criticality,
			MaxAttempts: step.MaxAttempts,
			DependsOn:   step.DependsOn,
		}
		if st := snap.Steps[step.Name]; st != nil {
			view.Status = st.Status
			for _, a := range st.Attempts {
				view.Attempts = append(view.Attempts, attemptView(a))
			}
		}
		resp.Steps[step.Name] = view
	}
	return resp
}

func attemptView(a workflow.Attempt) AttemptView {
	v := AttemptView{
		Number:       a.Number,
		Tokens:       a.InputTokens + a.OutputTokens,
		Cost:         a.Cost,
		QualityScore: a.QualityScore,
		Outcome:      a.Outcome,
		ErrorClass:   a.ErrorClass,
		Error:        a.Error,
		Verdict:      a.Verdict,
		Persisted:    a.Persisted,
		Rejected:     a.Rejected,
		StartedAt:    a.StartedAt,
		CompletedAt:  a.CompletedAt,
	}
	for _, art := range a.Artifacts {
		v.Artifacts = append(v.Artifacts, art.Path)
	}
	return v
}

func decisionResponse(d *evolution.Decision) DecisionResponse {
	return DecisionResponse{
		APIVersion:       APIVersion,
		ID:               d.ID,
		QueryDigest:      d.QueryDigest,
		ContextType:      d.ContextType,
		Archetype:        d.Archetype,
		CandidateID:      d.CandidateID,
		Mode:             d.Mode,
		Entropy:          d.Entropy,
		Value:            d.Value,
		Weights:          d.Weights,
		SourceArchetypes: d.SourceArchetypes,
		Outcome:          d.Outcome,
		OutcomeScore:     d.OutcomeScore,
		CreatedAt:        d.CreatedAt,
	}
}
