package repair

import (
	"errors"

	"github.com/NeuralNinja23/gencode-orchestrator/internal/evolution"
)

// Context types recorded on repair decisions.
const (
	ContextRepair   = "repair"
	ContextMutation = "repair_mutation"
)

var (
	// ErrNotTransformational is returned when approving a decision that needs no approval.
	ErrNotTransformational = errors.New("decision does not require approval")
)

// Tier is an escalation level.
type Tier string

const (
	TierStandard         Tier = "standard"
	TierExploratory      Tier = "exploratory"
	TierTransformational Tier = "transformational"
)

// TierFor maps a retry count onto a tier. transformational reports whether
// the third tier is permitted.
func TierFor(retryCount int, transformational bool) Tier {
	switch {
	case retryCount <= 1:
		return TierStandard
	case retryCount == 2 || !transformational:
		return TierExploratory
	default:
		return TierTransformational
	}
}

// Operator is a constraint mutation.
type Operator string

const (
	// OperatorDrop relaxes strict or validation constraints.
	OperatorDrop Operator = "DROP"
	// OperatorVary toggles the diff strategy and doubles max_edits.
	OperatorVary Operator = "VARY"
	// OperatorAdd widens allowed capabilities such as extra imports.
	OperatorAdd Operator = "ADD"
)

// Decision is a selected repair strategy.
type Decision struct {
	DecisionID string             `json:"decision_id"`
	Tier       Tier               `json:"tier"`
	Category   ErrorCategory      `json:"category"`
	Strategy   string             `json:"strategy"`
	Mode       string             `json:"mode"`
	Weights    map[string]float64 `json:"weights"`

	// Value is the strategy to apply. For transformational decisions it
	// remains the unmutated value until Approve.
	Value evolution.Value `json:"value"`

	// SourceArchetypes lists archetypes whose patterns were blended in.
	SourceArchetypes []string `json:"source_archetypes,omitempty"`

	// Transformational fields.
	Operator         Operator        `json:"operator,omitempty"`
	Proposed         evolution.Value `json:"proposed,omitempty"`
	MutationID       string          `json:"mutation_decision_id,omitempty"`
	RequiresApproval bool            `json:"requires_approval"`
	Approved         bool            `json:"approved"`
}

// Approve applies the proposed mutation.
func (d *Decision) Approve() (evolution.Value, error) {
	if !d.RequiresApproval {
		return nil, ErrNotTransformational
	}
	d.Approved = true
	d.Value = d.Proposed.Clone()
	return d.Value, nil
}

// DecisionIDs returns every routing decision backing this repair, for
// outcome feedback.
func (d *Decision) DecisionIDs() []string {
	ids := []string{d.DecisionID}
	if d.MutationID != "" {
		ids = append(ids, d.MutationID)
	}
	return ids
}

// Hint returns the value to forward to the executor.
func (d *Decision) Hint() map[string]any {
	out := map[string]any{
		"strategy": d.Strategy,
		"tier":     string(d.Tier),
		"category": string(d.Category),
	}
	for k, v := range d.Value {
		out[k] = v
	}
	return out
}
