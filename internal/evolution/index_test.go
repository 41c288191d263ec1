package evolution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func indexed(id, archetype, contextType string, vec []float32) *Decision {
	return &Decision{
		ID:          id,
		Archetype:   archetype,
		ContextType: contextType,
		CandidateID: "logic-fix",
		Value:       Value{"max_edits": 6, "apply_diff": false},
		QueryVector: vec,
	}
}

func TestPatternIndex_SearchFilters(t *testing.T) {
	idx, err := NewPatternIndex("", nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, indexed("same", "crud_api", "repair", []float32{1, 0, 0})))
	require.NoError(t, idx.Add(ctx, indexed("other", "dashboard", "repair", []float32{0.95, 0.31, 0})))
	require.NoError(t, idx.Add(ctx, indexed("far", "game", "repair", []float32{0, 0, 1})))
	require.NoError(t, idx.Add(ctx, indexed("policy", "dashboard", "supervisor_policy", []float32{1, 0, 0})))
	require.NoError(t, idx.Add(ctx, indexed("novec", "dashboard", "repair", nil)))
	assert.Equal(t, 4, idx.Count())

	got, err := idx.Search(ctx, PatternQuery{
		Vector:           []float32{1, 0, 0},
		ContextType:      "repair",
		ExcludeArchetype: "crud_api",
		MinSimilarity:    0.5,
		Limit:            5,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "other", got[0].DecisionID)
	assert.Equal(t, "dashboard", got[0].Archetype)
	edits, ok := Number(got[0].Value["max_edits"])
	require.True(t, ok)
	assert.Equal(t, 6.0, edits)
}

func TestPatternIndex_EmptySearch(t *testing.T) {
	idx, err := NewPatternIndex("", nil)
	require.NoError(t, err)

	got, err := idx.Search(context.Background(), PatternQuery{Vector: []float32{1, 0}})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestPatternIndex_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	idx, err := NewPatternIndex(dir, nil)
	require.NoError(t, err)
	require.NoError(t, idx.Add(ctx, indexed("p1", "crud_api", "repair", []float32{0, 1, 0})))

	reopened, err := NewPatternIndex(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Count())
}
