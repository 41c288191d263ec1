package attention

import (
	"errors"

	"github.com/NeuralNinja23/gencode-orchestrator/internal/evolution"
)

var (
	// ErrNoCandidates is returned when a request has no candidates.
	ErrNoCandidates = errors.New("at least one candidate is required")
	// ErrDuplicateCandidate is returned when two candidates share an id.
	ErrDuplicateCandidate = errors.New("duplicate candidate id")
	// ErrEmptyQuery is returned when neither a query nor a query vector is given.
	ErrEmptyQuery = errors.New("query is required")
)

// Mode is the attention regime used for a decision.
type Mode string

const (
	ModeStandard      Mode = "standard"
	ModeCombinational Mode = "combinational"
)

// Candidate is one option to blend.
type Candidate struct {
	ID          string
	Description string
	Value       evolution.Value
	// Vector, when set, is used instead of embedding Description.
	Vector []float32
}

// Request is one routing call.
type Request struct {
	Query       string
	ContextType string
	Archetype   string
	Candidates  []Candidate

	// QueryVector, when set, is used instead of embedding Query.
	QueryVector []float32
	// ForceCombinational skips the entropy check and uses the soft sharpness.
	ForceCombinational bool
	// SourceArchetypes is recorded on the decision for observability.
	SourceArchetypes []string
}

// Result is the outcome of a routing call.
type Result struct {
	DecisionID string             `json:"decision_id"`
	Selected   string             `json:"selected"`
	Value      evolution.Value    `json:"value"`
	Weights    map[string]float64 `json:"weights"`
	Mode       Mode               `json:"mode"`
	Entropy    float64            `json:"entropy"`

	// QueryVector is the embedded query, reusable by callers.
	QueryVector []float32 `json:"-"`
}

// Config tunes the router.
type Config struct {
	// Sharpness scales similarity scores before softmax (default 20).
	Sharpness float64
	// SoftSharpness is used in combinational mode (default 2).
	SoftSharpness float64
	// EntropyThreshold in nats above which combinational mode is used (default 1.5).
	EntropyThreshold float64
	// NormalizedEntropyThreshold is the same test relative to ln(n) (default 0.9).
	NormalizedEntropyThreshold float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		Sharpness:                  20.0,
		SoftSharpness:              2.0,
		EntropyThreshold:           1.5,
		NormalizedEntropyThreshold: 0.9,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Sharpness <= 0 {
		c.Sharpness = d.Sharpness
	}
	if c.SoftSharpness <= 0 {
		c.SoftSharpness = d.SoftSharpness
	}
	if c.EntropyThreshold <= 0 {
		c.EntropyThreshold = d.EntropyThreshold
	}
	if c.NormalizedEntropyThreshold <= 0 {
		c.NormalizedEntropyThreshold = d.NormalizedEntropyThreshold
	}
}
