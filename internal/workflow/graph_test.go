package workflow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraph_Validate(t *testing.T) {
	tests := []struct {
		name    string
		steps   []Step
		wantErr error
	}{
		{
			name:    "empty",
			wantErr: ErrEmptyGraph,
		},
		{
			name:    "unnamed step",
			steps:   []Step{{MaxAttempts: 1}},
			wantErr: ErrEmptyStepName,
		},
		{
			name:    "duplicate",
			steps:   []Step{{Name: "a", MaxAttempts: 1}, {Name: "a", MaxAttempts: 1}},
			wantErr: ErrDuplicateStep,
		},
		{
			name:    "zero attempts",
			steps:   []Step{{Name: "a"}},
			wantErr: ErrInvalidAttempts,
		},
		{
			name:    "unknown dependency",
			steps:   []Step{{Name: "a", DependsOn: []string{"ghost"}, MaxAttempts: 1}},
			wantErr: ErrUnknownDependency,
		},
		{
			name: "cycle",
			steps: []Step{
				{Name: "a", DependsOn: []string{"c"}, MaxAttempts: 1},
				{Name: "b", DependsOn: []string{"a"}, MaxAttempts: 1},
				{Name: "c", DependsOn: []string{"b"}, MaxAttempts: 1},
			},
			wantErr: ErrCyclicGraph,
		},
		{
			name: "diamond",
			steps: []Step{
				{Name: "a", MaxAttempts: 1},
				{Name: "b", DependsOn: []string{"a"}, MaxAttempts: 1},
				{Name: "c", DependsOn: []string{"a"}, MaxAttempts: 1},
				{Name: "d", DependsOn: []string{"b", "c"}, MaxAttempts: 1},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := Graph{Name: "t", Steps: tt.steps}
			err := g.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestGraph_TopoOrder(t *testing.T) {
	g, err := Template(TemplateFullstack)
	require.NoError(t, err)

	order, err := g.TopoOrder()
	require.NoError(t, err)
	require.Len(t, order, len(g.Steps))

	pos := make(map[string]int, len(order))
	for i, name := range order {
		pos[name] = i
	}
	for _, s := range g.Steps {
		for _, dep := range s.DependsOn {
			assert.Less(t, pos[dep], pos[s.Name], "%s must come after %s", s.Name, dep)
		}
	}
}

func TestGraph_PathLengths(t *testing.T) {
	g, err := Template(TemplateFullstack)
	require.NoError(t, err)

	lengths := g.PathLengths()
	assert.Equal(t, 5, lengths["architecture"])
	assert.Equal(t, 3, lengths["frontend_mock"])
	assert.Equal(t, 4, lengths["backend_models"])
	assert.Equal(t, 1, lengths["testing_frontend"])
}

func TestRunnableSteps_Ordering(t *testing.T) {
	g := Graph{Steps: []Step{
		{Name: "root", Criticality: Critical, MaxAttempts: 1},
		{Name: "zeta", DependsOn: []string{"root"}, Criticality: BestEffort, MaxAttempts: 1},
		{Name: "long", DependsOn: []string{"root"}, Criticality: BestEffort, MaxAttempts: 1},
		{Name: "long_child", DependsOn: []string{"long"}, Criticality: BestEffort, MaxAttempts: 1},
		{Name: "alpha", DependsOn: []string{"root"}, Criticality: BestEffort, MaxAttempts: 1},
		{Name: "crit", DependsOn: []string{"root"}, Criticality: Critical, MaxAttempts: 1},
	}}
	require.NoError(t, g.Validate())

	states := NewStepStates(&g)
	assert.Equal(t, []string{"root"}, RunnableSteps(&g, states))

	states["root"].Status = StepAccepted
	changed := Unblock(&g, states)
	assert.ElementsMatch(t, []string{"zeta", "long", "alpha", "crit"}, changed)

	assert.Equal(t, []string{"crit", "long", "alpha", "zeta"}, RunnableSteps(&g, states))
}

func TestUnblock_SkippedDependencySatisfies(t *testing.T) {
	g := Graph{Steps: []Step{
		{Name: "a", Criticality: BestEffort, MaxAttempts: 1},
		{Name: "b", DependsOn: []string{"a"}, Criticality: Critical, MaxAttempts: 1},
	}}
	states := NewStepStates(&g)
	assert.Equal(t, StepBlocked, states["b"].Status)

	states["a"].Status = StepSkipped
	assert.Equal(t, []string{"b"}, Unblock(&g, states))
	assert.Equal(t, StepRunnable, states["b"].Status)
}

func TestUnblock_RejectedDependencyBlocks(t *testing.T) {
	g := Graph{Steps: []Step{
		{Name: "a", Criticality: Critical, MaxAttempts: 1},
		{Name: "b", DependsOn: []string{"a"}, Criticality: Critical, MaxAttempts: 1},
	}}
	states := NewStepStates(&g)
	states["a"].Status = StepRejected
	assert.Empty(t, Unblock(&g, states))
	assert.Empty(t, RunnableSteps(&g, states))
}

func TestSnapshot_Clone(t *testing.T) {
	score := 8.5
	g, err := Template(TemplateMinimal)
	require.NoError(t, err)

	snap := &Snapshot{
		Run:   Run{ID: "run-1", Status: RunRunning, PromptContext: map[string]string{"goal": "todo app"}},
		Graph: g,
		Steps: NewStepStates(&g),
	}
	snap.Steps["plan"].Status = StepAccepted
	snap.Steps["plan"].Attempts = []Attempt{{Number: 1, Outcome: OutcomeAccepted, QualityScore: &score}}
	snap.Steps["implement"].Status = StepInFlight
	snap.Steps["implement"].Attempts = []Attempt{{Number: 1, Outcome: OutcomePending}}

	cp := snap.Clone()

	assert.Equal(t, StepRunnable, cp.Steps["implement"].Status)
	assert.Empty(t, cp.Steps["implement"].Attempts)
	assert.Len(t, cp.Steps["plan"].Attempts, 1)

	cp.Run.PromptContext["goal"] = "changed"
	cp.Graph.Steps[1].DependsOn[0] = "changed"
	assert.Equal(t, "todo app", snap.Run.PromptContext["goal"])
	assert.Equal(t, "plan", snap.Graph.Steps[1].DependsOn[0])
	assert.Equal(t, StepInFlight, snap.Steps["implement"].Status)
}

func TestSnapshot_CopyKeepsInFlight(t *testing.T) {
	score := 4.0
	g, err := Template(TemplateMinimal)
	require.NoError(t, err)

	snap := &Snapshot{Run: Run{ID: "run-1"}, Graph: g, Steps: NewStepStates(&g)}
	snap.Steps["plan"].Status = StepInFlight
	snap.Steps["plan"].Attempts = []Attempt{
		{Number: 1, Outcome: OutcomeRejected, QualityScore: &score},
		{Number: 2, Outcome: OutcomePending},
	}
	snap.Steps["plan"].RepairHint = map[string]any{"mode": "minimal"}

	cp := snap.Copy()
	assert.Equal(t, StepInFlight, cp.Steps["plan"].Status)
	require.Len(t, cp.Steps["plan"].Attempts, 2)

	*cp.Steps["plan"].Attempts[0].QualityScore = 9
	cp.Steps["plan"].RepairHint["mode"] = "rewrite"
	assert.Equal(t, 4.0, score)
	assert.Equal(t, "minimal", snap.Steps["plan"].RepairHint["mode"])
}

func TestStepStatus_Transitions(t *testing.T) {
	assert.True(t, StepBlocked.CanTransitionTo(StepRunnable))
	assert.True(t, StepRunnable.CanTransitionTo(StepInFlight))
	assert.True(t, StepInFlight.CanTransitionTo(StepRunnable))
	assert.False(t, StepBlocked.CanTransitionTo(StepInFlight))
	assert.False(t, StepAccepted.CanTransitionTo(StepRunnable))
	assert.True(t, StepSkipped.Satisfies())
	assert.False(t, StepRejected.Satisfies())
}

func TestTemplates(t *testing.T) {
	assert.Equal(t, []string{TemplateFullstack, TemplateMinimal}, TemplateNames())

	for _, name := range TemplateNames() {
		t.Run(name, func(t *testing.T) {
			g, err := Template(name)
			require.NoError(t, err)
			require.NoError(t, g.Validate())
			assert.NotEmpty(t, g.Version)
		})
	}

	_, err := Template("nope")
	assert.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestTemplate_ReturnsFreshCopy(t *testing.T) {
	a, err := Template(TemplateMinimal)
	require.NoError(t, err)
	a.Steps[0].Name = "mutated"

	b, err := Template(TemplateMinimal)
	require.NoError(t, err)
	assert.Equal(t, "plan", b.Steps[0].Name)
}

func TestSanitizeError(t *testing.T) {
	assert.Equal(t, "", SanitizeError("  "))
	assert.Equal(t, "boom", SanitizeError("boom\n\tat foo.go:12\n\tat bar.go:40"))

	long := strings.Repeat("x", 500)
	got := SanitizeError(long)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.LessOrEqual(t, len(got), maxErrorMessageLen+3)

	multi := strings.Repeat("é", 150)
	got = SanitizeError(multi)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.True(t, strings.HasPrefix(got, "é"))
}

func TestErrorClass_EscalatesToRun(t *testing.T) {
	assert.True(t, ErrorCriticalStepFailure.EscalatesToRun())
	assert.True(t, ErrorCancelled.EscalatesToRun())
	assert.False(t, ErrorQualityRejection.EscalatesToRun())
	assert.False(t, ErrorBestEffortStepFailure.EscalatesToRun())
}
