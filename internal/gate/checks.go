package gate

import (
	"fmt"
	"path"
	"strings"

	"github.com/NeuralNinja23/gencode-orchestrator/internal/workflow"
)

// Check validates the shape of an attempt's artifacts. Checks never look at
// what the content means, only that it is present and well-formed.
type Check interface {
	Name() string
	Check(step workflow.Step, artifacts []workflow.Artifact) []Issue
}

// EmptyContentCheck flags artifacts with blank content.
type EmptyContentCheck struct{}

// Name returns the check identifier.
func (EmptyContentCheck) Name() string { return "empty-content" }

// Check flags every artifact whose content is only whitespace.
func (c EmptyContentCheck) Check(_ workflow.Step, artifacts []workflow.Artifact) []Issue {
	var issues []Issue
	for _, a := range artifacts {
		if strings.TrimSpace(a.Content) == "" {
			issues = append(issues, Issue{
				Check:    c.Name(),
				Severity: SeverityError,
				Message:  "artifact is empty",
				Path:     a.Path,
			})
		}
	}
	return issues
}

// DuplicatePathCheck flags artifacts that share a path.
type DuplicatePathCheck struct{}

// Name returns the check identifier.
func (DuplicatePathCheck) Name() string { return "duplicate-path" }

// Check flags repeated and missing paths.
func (c DuplicatePathCheck) Check(_ workflow.Step, artifacts []workflow.Artifact) []Issue {
	var issues []Issue
	seen := make(map[string]bool, len(artifacts))
	for _, a := range artifacts {
		if a.Path == "" {
			issues = append(issues, Issue{Check: c.Name(), Severity: SeverityError, Message: "artifact has no path"})
			continue
		}
		if seen[a.Path] {
			issues = append(issues, Issue{Check: c.Name(), Severity: SeverityError, Message: "duplicate artifact path", Path: a.Path})
		}
		seen[a.Path] = true
	}
	return issues
}

// RequiredPathsCheck requires, per step, at least one artifact matching each
// glob pattern (path.Match syntax).
type RequiredPathsCheck struct {
	Patterns map[string][]string
}

// Name returns the check identifier.
func (RequiredPathsCheck) Name() string { return "required-paths" }

// Check flags patterns with no matching artifact as critical.
func (c RequiredPathsCheck) Check(step workflow.Step, artifacts []workflow.Artifact) []Issue {
	var issues []Issue
	for _, pattern := range c.Patterns[step.Name] {
		found := false
		for _, a := range artifacts {
			if ok, _ := path.Match(pattern, a.Path); ok {
				found = true
				break
			}
		}
		if !found {
			issues = append(issues, Issue{
				Check:    c.Name(),
				Severity: SeverityCritical,
				Message:  fmt.Sprintf("no artifact matches %q", pattern),
			})
		}
	}
	return issues
}

// DefaultChecks returns the checks applied when none are configured.
func DefaultChecks() []Check {
	return []Check{EmptyContentCheck{}, DuplicatePathCheck{}}
}
