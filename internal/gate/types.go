package gate

import (
	"github.com/NeuralNinja23/gencode-orchestrator/internal/evolution"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/workflow"
)

// ContextPolicy is the routing context type of supervisor-policy decisions.
const ContextPolicy = "supervisor_policy"

// Action is what the scheduler does next with a step.
type Action string

const (
	ActionAccept Action = "accept"
	ActionRetry  Action = "retry"
	ActionHeal   Action = "heal"
	ActionAbort  Action = "abort"
)

// Severity of an issue.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether an issue of this severity is a structural violation.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Issue is one finding from the reviewer or a structural check.
type Issue struct {
	Check    string   `json:"check,omitempty"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Path     string   `json:"path,omitempty"`
}

// Review is the opaque external judgement of an attempt.
type Review struct {
	Score  float64 `json:"score"`
	Issues []Issue `json:"issues,omitempty"`
}

// Policy is the synthesized supervisor policy.
type Policy struct {
	Retries        int     `json:"retries"`
	ForceHeal      bool    `json:"force_heal"`
	AbortThreshold float64 `json:"abort_threshold"`
}

// PolicyFromValue reads a policy out of a routed value, falling back to def
// for missing fields.
func PolicyFromValue(v evolution.Value, def Policy) Policy {
	p := def
	if n, ok := evolution.Number(v["retries"]); ok && n >= 0 {
		p.Retries = int(n + 0.5)
	}
	if b, ok := v["force_heal"].(bool); ok {
		p.ForceHeal = b
	}
	if n, ok := evolution.Number(v["abort_threshold"]); ok {
		p.AbortThreshold = n
	}
	return p
}

// Input is everything the gate looks at.
type Input struct {
	Archetype string
	Step      workflow.Step
	Attempt   *workflow.Attempt
	// Review is nil when the attempt was not reviewed.
	Review *Review
	// BudgetExhausted suppresses retries.
	BudgetExhausted bool
}

// Verdict is the gate's decision on an attempt.
type Verdict struct {
	Action Action `json:"action"`
	// ErrorClass is the step-level classification. Aborts carry
	// critical_step_failure or best_effort_step_failure.
	ErrorClass workflow.ErrorClass `json:"error_class,omitempty"`
	// Cause classifies the attempt itself.
	Cause  workflow.ErrorClass `json:"cause,omitempty"`
	Reason string              `json:"reason"`

	Score  *float64 `json:"score,omitempty"`
	Issues []Issue  `json:"issues,omitempty"`

	Policy           Policy `json:"policy"`
	PolicyDecisionID string `json:"policy_decision_id,omitempty"`
	// AllowedAttempts is min(max_attempts, 1 + policy retries).
	AllowedAttempts int `json:"allowed_attempts"`

	// RepairText is the error text to route through the repair ladder on heal.
	RepairText string `json:"repair_text,omitempty"`
}

// Retrying reports whether the step will be dispatched again.
func (v *Verdict) Retrying() bool {
	return v.Action == ActionRetry || v.Action == ActionHeal
}
