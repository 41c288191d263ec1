package workflow

import (
	"fmt"
	"sort"
)

// Validate checks names, dependencies and acyclicity.
func (g *Graph) Validate() error {
	if len(g.Steps) == 0 {
		return ErrEmptyGraph
	}
	seen := make(map[string]bool, len(g.Steps))
	for _, s := range g.Steps {
		if s.Name == "" {
			return ErrEmptyStepName
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateStep, s.Name)
		}
		if s.MaxAttempts <= 0 {
			return fmt.Errorf("%w: step %s", ErrInvalidAttempts, s.Name)
		}
		seen[s.Name] = true
	}
	for _, s := range g.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return fmt.Errorf("%w: %s -> %s", ErrUnknownDependency, s.Name, dep)
			}
		}
	}
	if _, err := g.TopoOrder(); err != nil {
		return err
	}
	return nil
}

// TopoOrder returns step names in dependency order (Kahn's algorithm).
// Ties are broken by name so the order is deterministic.
func (g *Graph) TopoOrder() ([]string, error) {
	indegree := make(map[string]int, len(g.Steps))
	dependents := g.Dependents()
	for _, s := range g.Steps {
		indegree[s.Name] += 0
		for range s.DependsOn {
			indegree[s.Name]++
		}
	}

	var ready []string
	for name, d := range indegree {
		if d == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.Steps))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)

		var next []string
		for _, child := range dependents[name] {
			indegree[child]--
			if indegree[child] == 0 {
				next = append(next, child)
			}
		}
		sort.Strings(next)
		ready = append(ready, next...)
		sort.Strings(ready)
	}

	if len(order) != len(g.Steps) {
		return nil, ErrCyclicGraph
	}
	return order, nil
}

// Dependents maps each step to the steps that depend on it.
func (g *Graph) Dependents() map[string][]string {
	out := make(map[string][]string, len(g.Steps))
	for _, s := range g.Steps {
		for _, dep := range s.DependsOn {
			out[dep] = append(out[dep], s.Name)
		}
	}
	return out
}

// PathLengths returns, per step, the number of steps on the longest
// downstream chain starting at that step (itself included).
func (g *Graph) PathLengths() map[string]int {
	order, err := g.TopoOrder()
	if err != nil {
		return map[string]int{}
	}
	dependents := g.Dependents()
	lengths := make(map[string]int, len(order))
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		longest := 0
		for _, child := range dependents[name] {
			if lengths[child] > longest {
				longest = lengths[child]
			}
		}
		lengths[name] = longest + 1
	}
	return lengths
}

// NewStepStates returns the initial per-step state for a graph.
func NewStepStates(g *Graph) map[string]*StepState {
	states := make(map[string]*StepState, len(g.Steps))
	for _, s := range g.Steps {
		status := StepBlocked
		if len(s.DependsOn) == 0 {
			status = StepRunnable
		}
		states[s.Name] = &StepState{Status: status}
	}
	return states
}

// DependenciesSatisfied reports whether every dependency of step is accepted or skipped.
func DependenciesSatisfied(step Step, states map[string]*StepState) bool {
	for _, dep := range step.DependsOn {
		st, ok := states[dep]
		if !ok || !st.Status.Satisfies() {
			return false
		}
	}
	return true
}

// Unblock promotes blocked steps whose dependencies are satisfied and
// returns the names that changed.
func Unblock(g *Graph, states map[string]*StepState) []string {
	var changed []string
	for _, s := range g.Steps {
		st := states[s.Name]
		if st == nil || st.Status != StepBlocked {
			continue
		}
		if DependenciesSatisfied(s, states) {
			st.Status = StepRunnable
			changed = append(changed, s.Name)
		}
	}
	return changed
}

// RunnableSteps returns the runnable step names ordered for dispatch:
// critical steps first, then longest downstream path, then name.
func RunnableSteps(g *Graph, states map[string]*StepState) []string {
	lengths := g.PathLengths()
	var out []Step
	for _, s := range g.Steps {
		st := states[s.Name]
		if st == nil || st.Status != StepRunnable {
			continue
		}
		if !DependenciesSatisfied(s, states) {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IsCritical() != b.IsCritical() {
			return a.IsCritical()
		}
		if lengths[a.Name] != lengths[b.Name] {
			return lengths[a.Name] > lengths[b.Name]
		}
		return a.Name < b.Name
	})
	names := make([]string, len(out))
	for i, s := range out {
		names[i] = s.Name
	}
	return names
}

// Runnable returns the dispatchable steps of a snapshot.
func (s *Snapshot) Runnable() []string {
	return RunnableSteps(&s.Graph, s.Steps)
}
