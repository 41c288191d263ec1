package workflow

import (
	"time"
)

// RunStatus is the lifecycle state of a WorkflowRun.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// IsTerminal returns true if no further transitions are possible.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunAborted
}

// StepStatus is the scheduling state of a step within a run.
type StepStatus string

const (
	StepBlocked  StepStatus = "blocked"
	StepRunnable StepStatus = "runnable"
	StepInFlight StepStatus = "in_flight"
	StepAccepted StepStatus = "accepted"
	StepRejected StepStatus = "rejected"
	StepSkipped  StepStatus = "skipped"
	StepAborted  StepStatus = "aborted"
)

// ValidStepTransitions defines allowed step transitions.
var ValidStepTransitions = map[StepStatus][]StepStatus{
	StepBlocked:  {StepRunnable, StepSkipped, StepAborted},
	StepRunnable: {StepInFlight, StepSkipped, StepAborted, StepBlocked},
	StepInFlight: {StepAccepted, StepRunnable, StepRejected, StepSkipped, StepAborted},
	StepAccepted: {},
	StepRejected: {},
	StepSkipped:  {},
	StepAborted:  {},
}

// CanTransitionTo checks if a transition from s to target is valid.
func (s StepStatus) CanTransitionTo(target StepStatus) bool {
	for _, t := range ValidStepTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// IsTerminal returns true for accepted, rejected, skipped and aborted.
func (s StepStatus) IsTerminal() bool {
	return s == StepAccepted || s == StepRejected || s == StepSkipped || s == StepAborted
}

// Satisfies reports whether a dependency in this status unblocks its dependents.
func (s StepStatus) Satisfies() bool {
	return s == StepAccepted || s == StepSkipped
}

// Criticality decides what exhausting a step's attempts does to the run.
type Criticality string

const (
	// Critical steps abort the run when they exhaust their attempts.
	Critical Criticality = "critical"
	// BestEffort steps are recorded and skipped.
	BestEffort Criticality = "best-effort"
)

// Step is a named node in the dependency graph. Steps are static per template.
type Step struct {
	Name        string      `json:"name"`
	DependsOn   []string    `json:"depends_on,omitempty"`
	Criticality Criticality `json:"criticality"`
	MaxAttempts int         `json:"max_attempts"`

	// AllowPartial marks steps whose errored attempts still count as
	// progress when they produced artifacts.
	AllowPartial bool `json:"allow_partial,omitempty"`

	// Description is used as routing context; it is never sent verbatim to a reviewer.
	Description string `json:"description,omitempty"`
}

// IsCritical returns true for critical steps.
func (s Step) IsCritical() bool {
	return s.Criticality == Critical
}

// Graph is a versioned, acyclic set of steps.
type Graph struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Steps   []Step `json:"steps"`
}

// Step returns the step named name.
func (g *Graph) Step(name string) (Step, bool) {
	for _, s := range g.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return Step{}, false
}

// Run is one generation session.
type Run struct {
	ID           string    `json:"run_id"`
	Status       RunStatus `json:"status"`
	GraphVersion string    `json:"graph_version"`
	Archetype    string    `json:"archetype,omitempty"`
	BudgetLimit  float64   `json:"budget_limit"`
	Spent        float64   `json:"spent"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// PromptContext is opaque to the orchestrator and forwarded to the executor.
	PromptContext map[string]string `json:"prompt_context,omitempty"`

	Failure *FailureReport `json:"failure,omitempty"`
}

// FailureReport is the user-visible summary of a failed run.
type FailureReport struct {
	Step       string     `json:"step"`
	LastScore  *float64   `json:"last_score,omitempty"`
	ErrorClass ErrorClass `json:"error_class"`
	Message    string     `json:"message,omitempty"`
}

// AttemptOutcome is the terminal classification of a StepAttempt.
type AttemptOutcome string

const (
	OutcomePending  AttemptOutcome = "pending"
	OutcomeAccepted AttemptOutcome = "accepted"
	OutcomeRejected AttemptOutcome = "rejected"
	OutcomeErrored  AttemptOutcome = "errored"
)

// Artifact is one produced item. The orchestrator never inspects Content.
type Artifact struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Attempt is one execution of a step.
type Attempt struct {
	Number       int            `json:"attempt_number"`
	InputTokens  int            `json:"input_tokens"`
	OutputTokens int            `json:"output_tokens"`
	Cost         float64        `json:"cost"`
	Allowance    int            `json:"token_allowance"`
	Artifacts    []Artifact     `json:"artifacts,omitempty"`
	QualityScore *float64       `json:"quality_score,omitempty"`
	Outcome      AttemptOutcome `json:"outcome"`
	ErrorClass   ErrorClass     `json:"error_class,omitempty"`
	Error        string         `json:"error,omitempty"`
	Verdict      string         `json:"verdict,omitempty"`

	// RepairDecisionID is the repair hint that was fed into this attempt.
	RepairDecisionID string `json:"repair_decision_id,omitempty"`
	// MutationDecisionID is the approved constraint mutation applied with the hint.
	MutationDecisionID string `json:"mutation_decision_id,omitempty"`
	// PolicyDecisionID is the supervisor-policy decision that judged this attempt.
	PolicyDecisionID string `json:"policy_decision_id,omitempty"`

	Persisted []string `json:"persisted,omitempty"`
	Rejected  []string `json:"persist_rejected,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Final reports whether the attempt's outcome is set.
func (a *Attempt) Final() bool {
	return a.Outcome != "" && a.Outcome != OutcomePending
}

// StepState is the per-run scheduling state of a step.
type StepState struct {
	Status   StepStatus `json:"status"`
	Attempts []Attempt  `json:"attempts,omitempty"`

	// PendingRepair carries the repair hint to attach to the next attempt.
	PendingRepair string `json:"pending_repair,omitempty"`
	// PendingMutation is the approved mutation decision applied with the repair.
	PendingMutation string `json:"pending_mutation,omitempty"`
	// RepairHint is the value of the pending repair, forwarded to the executor.
	RepairHint map[string]any `json:"repair_hint,omitempty"`
}

// LastAttempt returns the most recent attempt, or nil.
func (s *StepState) LastAttempt() *Attempt {
	if len(s.Attempts) == 0 {
		return nil
	}
	return &s.Attempts[len(s.Attempts)-1]
}

// Snapshot is a checkpointable view of a run.
type Snapshot struct {
	Run   Run                   `json:"run"`
	Graph Graph                 `json:"graph"`
	Steps map[string]*StepState `json:"steps"`
}

// Copy returns a deep copy of the snapshot.
func (s *Snapshot) Copy() *Snapshot {
	out := &Snapshot{
		Run:   s.Run,
		Graph: cloneGraph(s.Graph),
		Steps: make(map[string]*StepState, len(s.Steps)),
	}
	if s.Run.Failure != nil {
		f := *s.Run.Failure
		out.Run.Failure = &f
	}
	if s.Run.PromptContext != nil {
		out.Run.PromptContext = make(map[string]string, len(s.Run.PromptContext))
		for k, v := range s.Run.PromptContext {
			out.Run.PromptContext[k] = v
		}
	}
	for name, st := range s.Steps {
		cp := &StepState{
			Status:          st.Status,
			PendingRepair:   st.PendingRepair,
			PendingMutation: st.PendingMutation,
			RepairHint:      copyHint(st.RepairHint),
		}
		for _, a := range st.Attempts {
			a.Artifacts = append([]Artifact(nil), a.Artifacts...)
			a.Persisted = append([]string(nil), a.Persisted...)
			a.Rejected = append([]string(nil), a.Rejected...)
			if a.QualityScore != nil {
				score := *a.QualityScore
				a.QualityScore = &score
			}
			cp.Attempts = append(cp.Attempts, a)
		}
		out.Steps[name] = cp
	}
	return out
}

// Clone returns a deep copy of the snapshot for checkpointing, dropping
// pending attempts.
//
// In-flight steps are recorded as runnable: an unfinished attempt is never
// durable, so a resumed run dispatches it again.
func (s *Snapshot) Clone() *Snapshot {
	out := s.Copy()
	for _, st := range out.Steps {
		final := st.Attempts[:0]
		for _, a := range st.Attempts {
			if a.Final() {
				final = append(final, a)
			}
		}
		if len(final) == 0 {
			final = nil
		}
		st.Attempts = final
		if st.Status == StepInFlight {
			st.Status = StepRunnable
		}
	}
	return out
}

func copyHint(h map[string]any) map[string]any {
	if h == nil {
		return nil
	}
	out := make(map[string]any, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func cloneGraph(g Graph) Graph {
	out := Graph{Name: g.Name, Version: g.Version, Steps: make([]Step, len(g.Steps))}
	for i, s := range g.Steps {
		s.DependsOn = append([]string(nil), s.DependsOn...)
		out.Steps[i] = s
	}
	return out
}
