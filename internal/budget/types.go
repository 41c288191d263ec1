package budget

import (
	"errors"
	"fmt"
)

var (
	// ErrBudgetExhausted is returned when no allowance can be granted or a
	// recorded cost reached the limit.
	ErrBudgetExhausted = errors.New("budget exhausted")
	// ErrRunNotFound is returned for runs that were never opened.
	ErrRunNotFound = errors.New("budget run not found")
	// ErrRunExists is returned when opening a run twice.
	ErrRunExists = errors.New("budget run already open")
	// ErrInvalidLimit is returned for non-positive limits or overrides that
	// do not exceed current spend.
	ErrInvalidLimit = errors.New("invalid budget limit")
	// ErrInvalidCost is returned for negative costs.
	ErrInvalidCost = errors.New("invalid cost")
)

// Status classifies how much of a run's budget is used.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusTight     Status = "tight"
	StatusExhausted Status = "exhausted"
)

// Policy is the static allowance table and thresholds.
type Policy struct {
	// DefaultTokens is the allowance for steps missing from StepTokens.
	DefaultTokens int `koanf:"default_tokens"`
	// StepTokens maps step names to their base token allowance.
	StepTokens map[string]int `koanf:"step_tokens"`
	// RetryScale multiplies the base allowance for attempts after the first.
	RetryScale float64 `koanf:"retry_scale"`
	// CostPer1KTokens converts tokens to currency.
	CostPer1KTokens float64 `koanf:"cost_per_1k_tokens"`
	// TightThreshold is the spent ratio at which status becomes tight.
	TightThreshold float64 `koanf:"tight_threshold"`
	// ExhaustedThreshold is the spent ratio at which status becomes exhausted.
	ExhaustedThreshold float64 `koanf:"exhausted_threshold"`
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		DefaultTokens: 8000,
		StepTokens: map[string]int{
			"architecture":         12000,
			"backend_models":       10000,
			"backend_routes":       14000,
			"frontend_mock":        12000,
			"frontend_integration": 16000,
			"testing_backend":      8000,
			"testing_frontend":     8000,
		},
		RetryScale:         1.25,
		CostPer1KTokens:    0.01,
		TightThreshold:     0.70,
		ExhaustedThreshold: 0.95,
	}
}

// Validate checks the policy.
func (p Policy) Validate() error {
	if p.DefaultTokens <= 0 {
		return fmt.Errorf("default_tokens must be positive, got %d", p.DefaultTokens)
	}
	for step, n := range p.StepTokens {
		if n <= 0 {
			return fmt.Errorf("step_tokens[%s] must be positive, got %d", step, n)
		}
	}
	if p.RetryScale < 1 {
		return fmt.Errorf("retry_scale must be >= 1, got %v", p.RetryScale)
	}
	if p.CostPer1KTokens <= 0 {
		return fmt.Errorf("cost_per_1k_tokens must be positive, got %v", p.CostPer1KTokens)
	}
	if p.TightThreshold <= 0 || p.TightThreshold >= p.ExhaustedThreshold || p.ExhaustedThreshold > 1 {
		return fmt.Errorf("thresholds must satisfy 0 < tight < exhausted <= 1, got %v/%v",
			p.TightThreshold, p.ExhaustedThreshold)
	}
	return nil
}

// BaseTokens returns the allowance for step before budget capping.
func (p Policy) BaseTokens(step string, attempt int) int {
	base, ok := p.StepTokens[step]
	if !ok {
		base = p.DefaultTokens
	}
	if attempt > 1 {
		scaled := float64(base) * p.RetryScale
		base = int(scaled)
		if float64(base) < scaled {
			base++
		}
	}
	return base
}

func (p Policy) costPerToken() float64 {
	return p.CostPer1KTokens / 1000
}

// Allowance is a token ceiling for one attempt.
type Allowance struct {
	RunID   string `json:"run_id"`
	Step    string `json:"step"`
	Attempt int    `json:"attempt"`
	Tokens  int    `json:"tokens"`
	// Reserved is the currency held back until Record or Release.
	Reserved float64 `json:"reserved"`
	// Capped is true when the remaining budget lowered the allowance.
	Capped bool `json:"capped"`
}

// Snapshot is a point-in-time view of a run's budget.
type Snapshot struct {
	RunID    string  `json:"run_id"`
	Limit    float64 `json:"limit"`
	Spent    float64 `json:"spent"`
	Reserved float64 `json:"reserved"`
	Status   Status  `json:"status"`
}

// Remaining is the unspent, unreserved budget.
func (s Snapshot) Remaining() float64 {
	r := s.Limit - s.Spent - s.Reserved
	if r < 0 {
		return 0
	}
	return r
}
