package evolution

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRepository_EmptyPathIsInMemory(t *testing.T) {
	repo, err := NewRepository("")
	require.NoError(t, err)
	assert.IsType(t, &InMemoryRepository{}, repo)

	repo, err = NewRepository(t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &FileRepository{}, repo)
}

func TestFileRepository_ReopenKeepsDecisionsAndVectors(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	key := Key{ContextType: "repair", Archetype: "crud_api", CandidateID: "syntax-fix"}

	repo, err := NewFileRepository(dir)
	require.NoError(t, err)
	first, err := NewStore(DefaultConfig(), repo, nil, nil)
	require.NoError(t, err)
	require.NoError(t, first.RecordDecision(ctx, testDecision("d1")))
	require.NoError(t, first.RecordDecision(ctx, testDecision("d2")))
	require.NoError(t, first.ReportOutcome(ctx, OutcomeReport{DecisionID: "d1", Outcome: OutcomeSuccess, Score: ptr(8)}))
	before, ok, err := first.Evolved(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, first.Close())

	reopened, err := NewFileRepository(dir)
	require.NoError(t, err)
	assert.Equal(t, repo.Len(), reopened.Len())
	second, err := NewStore(DefaultConfig(), reopened, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	after, ok, err := second.Evolved(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, before.SampleCount, after.SampleCount)
	assert.InDelta(t, before.SuccessRate, after.SuccessRate, 1e-9)
	assert.InDelta(t, before.Confidence, after.Confidence, 1e-9)
	wantEdits, _ := Number(before.EvolvedValue["max_edits"])
	gotEdits, _ := Number(after.EvolvedValue["max_edits"])
	assert.InDelta(t, wantEdits, gotEdits, 1e-9)

	d1, err := second.Decision(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, d1.Outcome)
	assert.Equal(t, OutcomeSuccess, *d1.Outcome)
	assert.Equal(t, []float32{1, 0, 0}, d1.QueryVector)

	// A decision made before the restart still takes feedback after it.
	require.NoError(t, second.ReportOutcome(ctx, OutcomeReport{DecisionID: "d2", Outcome: OutcomeSuccess}))
	v, _, err := second.Evolved(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, before.SampleCount+1, v.SampleCount)
}

func TestFileRepository_ReportedDecisionIsIndexedAfterRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	repo, err := NewFileRepository(filepath.Join(dir, "repo"))
	require.NoError(t, err)
	first, err := NewStore(DefaultConfig(), repo, nil, nil)
	require.NoError(t, err)
	require.NoError(t, first.RecordDecision(ctx, testDecision("d1")))

	reopened, err := NewFileRepository(filepath.Join(dir, "repo"))
	require.NoError(t, err)
	index, err := NewPatternIndex("", nil)
	require.NoError(t, err)
	second, err := NewStore(DefaultConfig(), reopened, index, nil)
	require.NoError(t, err)

	require.NoError(t, second.ReportOutcome(ctx, OutcomeReport{DecisionID: "d1", Outcome: OutcomeSuccess}))
	assert.Equal(t, 1, index.Count())
}

func TestFileRepository_RejectsUnsafeIDs(t *testing.T) {
	repo, err := NewFileRepository(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	d := testDecision("../escape")
	assert.ErrorIs(t, repo.SaveDecision(ctx, d), ErrInvalidDecision)
	_, err = repo.GetDecision(ctx, "../escape")
	assert.ErrorIs(t, err, ErrDecisionNotFound)
	_, err = repo.GetDecision(ctx, "missing")
	assert.ErrorIs(t, err, ErrDecisionNotFound)
}

func TestFileRepository_CorruptVectorFailsOpen(t *testing.T) {
	dir := t.TempDir()
	_, err := NewFileRepository(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, vectorsDir, "bad.json"), []byte("{"), 0o600))

	_, err = NewFileRepository(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.json")
}
