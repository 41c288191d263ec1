package evolution

import (
	"errors"
	"time"
)

var (
	// ErrDecisionNotFound is returned for unknown decision ids.
	ErrDecisionNotFound = errors.New("decision not found")
	// ErrVectorNotFound is returned by repositories for unknown keys.
	ErrVectorNotFound = errors.New("evolved vector not found")
	// ErrOutcomeConflict is returned when a decision already carries a different outcome.
	ErrOutcomeConflict = errors.New("decision already has a different outcome")
	// ErrInvalidOutcome is returned for unknown outcomes or out-of-range scores.
	ErrInvalidOutcome = errors.New("invalid outcome")
	// ErrInvalidDecision is returned when a decision is missing required fields.
	ErrInvalidDecision = errors.New("invalid decision")
)

// Outcome is the reported result of acting on a decision.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailure Outcome = "failure"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeSuccess || o == OutcomePartial || o == OutcomeFailure
}

// signal maps an outcome onto [0,1] for the success-rate average.
func (o Outcome) signal() float64 {
	switch o {
	case OutcomeSuccess:
		return 1
	case OutcomePartial:
		return 0.5
	default:
		return 0
	}
}

// Decision is one attention-routing call.
type Decision struct {
	ID string `json:"decision_id"`
	// QueryDigest is a SHA-256 of the query. The raw query is never stored.
	QueryDigest string  `json:"query_digest"`
	ContextType string  `json:"context_type"`
	Archetype   string  `json:"archetype"`
	CandidateID string  `json:"candidate_id"`
	Mode        string  `json:"mode"`
	Entropy     float64 `json:"entropy"`

	Value   Value              `json:"synthesized_value"`
	Weights map[string]float64 `json:"attention_weights"`

	// CandidateValues holds each candidate's base value, seeding new vectors.
	CandidateValues map[string]Value `json:"candidate_values,omitempty"`
	// SourceArchetypes lists archetypes whose patterns were blended in.
	SourceArchetypes []string `json:"source_archetypes,omitempty"`

	Outcome        *Outcome       `json:"outcome,omitempty"`
	OutcomeScore   *float64       `json:"outcome_score,omitempty"`
	OutcomeDetails map[string]any `json:"outcome_details,omitempty"`
	OutcomeAt      *time.Time     `json:"outcome_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// QueryVector is the embedded query, used for pattern indexing only.
	QueryVector []float32 `json:"-"`
}

// Clone returns a deep copy.
func (d *Decision) Clone() *Decision {
	out := *d
	out.Value = d.Value.Clone()
	out.Weights = make(map[string]float64, len(d.Weights))
	for k, v := range d.Weights {
		out.Weights[k] = v
	}
	if d.CandidateValues != nil {
		out.CandidateValues = make(map[string]Value, len(d.CandidateValues))
		for k, v := range d.CandidateValues {
			out.CandidateValues[k] = v.Clone()
		}
	}
	out.SourceArchetypes = append([]string(nil), d.SourceArchetypes...)
	out.QueryVector = append([]float32(nil), d.QueryVector...)
	if d.Outcome != nil {
		o := *d.Outcome
		out.Outcome = &o
	}
	if d.OutcomeScore != nil {
		s := *d.OutcomeScore
		out.OutcomeScore = &s
	}
	if d.OutcomeAt != nil {
		t := *d.OutcomeAt
		out.OutcomeAt = &t
	}
	if d.OutcomeDetails != nil {
		out.OutcomeDetails = make(map[string]any, len(d.OutcomeDetails))
		for k, v := range d.OutcomeDetails {
			out.OutcomeDetails[k] = v
		}
	}
	return &out
}

// Key addresses one EvolvedVector.
type Key struct {
	ContextType string `json:"context_type"`
	Archetype   string `json:"archetype"`
	CandidateID string `json:"candidate_id"`
}

func (k Key) String() string {
	return k.ContextType + "/" + k.Archetype + "/" + k.CandidateID
}

// Vector is the learned adjustment for one candidate.
type Vector struct {
	Key          Key       `json:"key"`
	BaseValue    Value     `json:"base_value"`
	EvolvedValue Value     `json:"evolved_value"`
	Confidence   float64   `json:"confidence"`
	SuccessRate  float64   `json:"success_rate"`
	SampleCount  int       `json:"sample_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (v *Vector) Clone() *Vector {
	out := *v
	out.BaseValue = v.BaseValue.Clone()
	out.EvolvedValue = v.EvolvedValue.Clone()
	return &out
}

// OutcomeReport is the feedback for one decision.
type OutcomeReport struct {
	DecisionID string         `json:"decision_id"`
	Outcome    Outcome        `json:"outcome"`
	Score      *float64       `json:"score,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Pattern is a successful decision returned by a similarity search.
type Pattern struct {
	DecisionID  string    `json:"decision_id"`
	Archetype   string    `json:"archetype"`
	ContextType string    `json:"context_type"`
	CandidateID string    `json:"candidate_id"`
	Value       Value     `json:"value"`
	Similarity  float64   `json:"similarity"`
	Vector      []float32 `json:"-"`
}

// PatternQuery selects patterns for SearchSimilar.
type PatternQuery struct {
	Vector           []float32
	ContextType      string
	ExcludeArchetype string
	MinSimilarity    float64
	Limit            int
}
