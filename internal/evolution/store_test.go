package evolution

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, index *PatternIndex) *Store {
	t.Helper()
	s, err := NewStore(DefaultConfig(), NewInMemoryRepository(), index, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ptr(f float64) *float64 { return &f }

func testDecision(id string) *Decision {
	return &Decision{
		ID:          id,
		QueryDigest: "digest",
		ContextType: "repair",
		Archetype:   "crud_api",
		CandidateID: "syntax-fix",
		Mode:        "standard",
		Value:       Value{"max_edits": 4, "apply_diff": true, "mode": "minimal"},
		Weights:     map[string]float64{"syntax-fix": 0.7, "logic-fix": 0.25, "dependency-fix": 0.05},
		CandidateValues: map[string]Value{
			"syntax-fix":     {"max_edits": 2, "apply_diff": true, "mode": "minimal"},
			"logic-fix":      {"max_edits": 8, "apply_diff": false, "mode": "rewrite"},
			"dependency-fix": {"max_edits": 3, "apply_diff": true, "mode": "manifest"},
		},
		QueryVector: []float32{1, 0, 0},
	}
}

func TestNewStore_RequiresRepository(t *testing.T) {
	_, err := NewStore(DefaultConfig(), nil, nil, nil)
	require.Error(t, err)
}

func TestStore_RecordAndGetDecision(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	require.NoError(t, s.RecordDecision(ctx, testDecision("d1")))

	got, err := s.Decision(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "syntax-fix", got.CandidateID)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Nil(t, got.Outcome)

	_, err = s.Decision(ctx, "missing")
	assert.ErrorIs(t, err, ErrDecisionNotFound)

	assert.ErrorIs(t, s.RecordDecision(ctx, &Decision{}), ErrInvalidDecision)
}

func TestStore_ReportOutcome_CreatesVectors(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, s.RecordDecision(ctx, testDecision("d1")))

	require.NoError(t, s.ReportOutcome(ctx, OutcomeReport{DecisionID: "d1", Outcome: OutcomeSuccess, Score: ptr(8)}))

	v, ok, err := s.Evolved(ctx, Key{ContextType: "repair", Archetype: "crud_api", CandidateID: "syntax-fix"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, v.SampleCount)
	assert.InDelta(t, 1.0, v.SuccessRate, 1e-9)
	assert.InDelta(t, 1-1.0/3, v.Confidence, 1e-9)
	// alpha = min(0.3, 2/2) = 0.3; 2 + 0.3*(4-2)
	edits, _ := Number(v.EvolvedValue["max_edits"])
	assert.InDelta(t, 2.6, edits, 1e-9)
	assert.Equal(t, 2, v.BaseValue["max_edits"])

	_, ok, err = s.Evolved(ctx, Key{ContextType: "repair", Archetype: "crud_api", CandidateID: "logic-fix"})
	require.NoError(t, err)
	assert.True(t, ok, "candidate above attribution weight is credited")

	_, ok, err = s.Evolved(ctx, Key{ContextType: "repair", Archetype: "crud_api", CandidateID: "dependency-fix"})
	require.NoError(t, err)
	assert.False(t, ok, "candidate below attribution weight is not credited")
}

func TestStore_ReportOutcome_Idempotent(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, s.RecordDecision(ctx, testDecision("d1")))

	report := OutcomeReport{DecisionID: "d1", Outcome: OutcomeFailure, Score: ptr(2)}
	require.NoError(t, s.ReportOutcome(ctx, report))
	require.NoError(t, s.ReportOutcome(ctx, report))

	v, _, err := s.Evolved(ctx, Key{ContextType: "repair", Archetype: "crud_api", CandidateID: "syntax-fix"})
	require.NoError(t, err)
	assert.Equal(t, 1, v.SampleCount)

	err = s.ReportOutcome(ctx, OutcomeReport{DecisionID: "d1", Outcome: OutcomeSuccess, Score: ptr(9)})
	assert.ErrorIs(t, err, ErrOutcomeConflict)
}

func TestStore_ReportOutcome_ConcurrentDuplicates(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	require.NoError(t, s.RecordDecision(ctx, testDecision("d1")))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.ReportOutcome(ctx, OutcomeReport{DecisionID: "d1", Outcome: OutcomeSuccess}))
		}()
	}
	wg.Wait()

	v, _, err := s.Evolved(ctx, Key{ContextType: "repair", Archetype: "crud_api", CandidateID: "syntax-fix"})
	require.NoError(t, err)
	assert.Equal(t, 1, v.SampleCount)
}

func TestStore_ReportOutcome_Validation(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	assert.ErrorIs(t, s.ReportOutcome(ctx, OutcomeReport{DecisionID: "x", Outcome: "meh"}), ErrInvalidOutcome)
	assert.ErrorIs(t, s.ReportOutcome(ctx, OutcomeReport{DecisionID: "x", Outcome: OutcomeSuccess, Score: ptr(11)}), ErrInvalidOutcome)
	assert.ErrorIs(t, s.ReportOutcome(ctx, OutcomeReport{DecisionID: "x", Outcome: OutcomeSuccess}), ErrDecisionNotFound)
}

func TestStore_SampleCountMonotonicAndRatesConverge(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	key := Key{ContextType: "repair", Archetype: "crud_api", CandidateID: "syntax-fix"}

	prev := 0
	prevConf := 0.0
	for i := 0; i < 30; i++ {
		id := "d" + string(rune('a'+i))
		require.NoError(t, s.RecordDecision(ctx, testDecision(id)))
		outcome := OutcomeSuccess
		if i%3 == 0 {
			outcome = OutcomeFailure
		}
		require.NoError(t, s.ReportOutcome(ctx, OutcomeReport{DecisionID: id, Outcome: outcome}))

		v, ok, err := s.Evolved(ctx, key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.GreaterOrEqual(t, v.SampleCount, prev)
		assert.GreaterOrEqual(t, v.Confidence, prevConf)
		assert.LessOrEqual(t, v.Confidence, 0.95)
		assert.GreaterOrEqual(t, v.SuccessRate, 0.0)
		assert.LessOrEqual(t, v.SuccessRate, 1.0)
		prev = v.SampleCount
		prevConf = v.Confidence
	}
	assert.Equal(t, 30, prev)
	assert.InDelta(t, 0.95, prevConf, 1e-9)
}

func TestStore_FailureMovesTowardBase(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()
	key := Key{ContextType: "repair", Archetype: "crud_api", CandidateID: "syntax-fix"}

	require.NoError(t, s.RecordDecision(ctx, testDecision("s1")))
	require.NoError(t, s.ReportOutcome(ctx, OutcomeReport{DecisionID: "s1", Outcome: OutcomeSuccess}))
	v, _, _ := s.Evolved(ctx, key)
	afterSuccess, _ := Number(v.EvolvedValue["max_edits"])

	require.NoError(t, s.RecordDecision(ctx, testDecision("f1")))
	require.NoError(t, s.ReportOutcome(ctx, OutcomeReport{DecisionID: "f1", Outcome: OutcomeFailure}))
	v, _, _ = s.Evolved(ctx, key)
	afterFailure, _ := Number(v.EvolvedValue["max_edits"])

	assert.Greater(t, afterSuccess, 2.0)
	assert.Less(t, afterFailure, afterSuccess)
	assert.Less(t, v.SuccessRate, 1.0)
}

func TestStore_Closed(t *testing.T) {
	s, err := NewStore(DefaultConfig(), NewInMemoryRepository(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, _, err = s.Evolved(context.Background(), Key{})
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, s.RecordDecision(context.Background(), testDecision("x")), ErrStoreClosed)
}

func TestStore_SuccessIsIndexedForPatternSearch(t *testing.T) {
	index, err := NewPatternIndex("", nil)
	require.NoError(t, err)
	s := newTestStore(t, index)
	ctx := context.Background()

	ok := testDecision("ok")
	bad := testDecision("bad")
	bad.QueryVector = []float32{0.9, 0.1, 0}
	require.NoError(t, s.RecordDecision(ctx, ok))
	require.NoError(t, s.RecordDecision(ctx, bad))
	require.NoError(t, s.ReportOutcome(ctx, OutcomeReport{DecisionID: "ok", Outcome: OutcomeSuccess}))
	require.NoError(t, s.ReportOutcome(ctx, OutcomeReport{DecisionID: "bad", Outcome: OutcomeFailure}))

	assert.Equal(t, 1, index.Count())

	patterns, err := s.SearchSimilar(ctx, PatternQuery{Vector: []float32{1, 0, 0}, ContextType: "repair", Limit: 5})
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, "ok", patterns[0].DecisionID)
	assert.Equal(t, "crud_api", patterns[0].Archetype)
	assert.InDelta(t, 1.0, patterns[0].Similarity, 1e-5)
}

func TestStore_SearchSimilarWithoutIndex(t *testing.T) {
	s := newTestStore(t, nil)
	patterns, err := s.SearchSimilar(context.Background(), PatternQuery{Vector: []float32{1}})
	require.NoError(t, err)
	assert.Empty(t, patterns)
}
