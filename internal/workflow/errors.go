package workflow

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// ErrorClass is the failure taxonomy reported on attempts and failed runs.
type ErrorClass string

const (
	ErrorNone                  ErrorClass = ""
	ErrorTransientAgent        ErrorClass = "transient_agent_error"
	ErrorQualityRejection      ErrorClass = "quality_rejection"
	ErrorBudgetExhausted       ErrorClass = "budget_exhausted"
	ErrorStructuralViolation   ErrorClass = "structural_violation"
	ErrorCriticalStepFailure   ErrorClass = "critical_step_failure"
	ErrorBestEffortStepFailure ErrorClass = "best_effort_step_failure"
	ErrorCancelled             ErrorClass = "cancelled"
)

// EscalatesToRun reports whether this class fails the whole run.
func (c ErrorClass) EscalatesToRun() bool {
	return c == ErrorCriticalStepFailure || c == ErrorCancelled
}

// Graph validation errors.
var (
	ErrEmptyGraph        = errors.New("graph has no steps")
	ErrEmptyStepName     = errors.New("step name is required")
	ErrDuplicateStep     = errors.New("duplicate step name")
	ErrUnknownDependency = errors.New("step depends on unknown step")
	ErrCyclicGraph       = errors.New("graph contains a cycle")
	ErrInvalidAttempts   = errors.New("max_attempts must be positive")
	ErrUnknownTemplate   = errors.New("unknown workflow template")
)

// maxErrorMessageLen bounds stored executor error text.
const maxErrorMessageLen = 200

// SanitizeError reduces raw executor error text to a single bounded line.
// Stack traces and multi-line dumps never leave the dispatch boundary.
func SanitizeError(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.IndexAny(raw, "\r\n"); i >= 0 {
		raw = strings.TrimSpace(raw[:i])
	}
	if len(raw) <= maxErrorMessageLen {
		return raw
	}
	cut := maxErrorMessageLen
	for cut > 0 && !utf8.RuneStart(raw[cut]) {
		cut--
	}
	return raw[:cut] + "..."
}
