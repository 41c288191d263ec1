package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/NeuralNinja23/gencode-orchestrator/internal/workflow"
)

func testSnapshot(t *testing.T, runID string) *workflow.Snapshot {
	t.Helper()
	g, err := workflow.Template(workflow.TemplateFullstack)
	require.NoError(t, err)
	return &workflow.Snapshot{
		Run:   workflow.Run{ID: runID, Status: workflow.RunRunning, GraphVersion: g.Version, BudgetLimit: 10},
		Graph: g,
		Steps: workflow.NewStepStates(&g),
	}
}

func stores(t *testing.T) map[string]Store {
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return map[string]Store{"memory": NewMemoryStore(), "file": fs}
}

func TestNewService_RequiresStore(t *testing.T) {
	_, err := NewService(nil, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checkpoint store is required")
}

func TestService_SaveAndLoadLatest(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			svc, err := NewService(store, nil)
			require.NoError(t, err)
			ctx := context.Background()

			_, err = svc.LoadLatest(ctx, "run-1")
			assert.ErrorIs(t, err, ErrNotFound)

			snap := testSnapshot(t, "run-1")
			seq1, err := svc.Save(ctx, snap, "start")
			require.NoError(t, err)
			snap.Steps["architecture"].Status = workflow.StepAccepted
			seq2, err := svc.Save(ctx, snap, "step accepted")
			require.NoError(t, err)

			assert.Equal(t, uint64(1), seq1)
			assert.Equal(t, uint64(2), seq2)

			cp, err := svc.LoadLatest(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, uint64(2), cp.Sequence)
			assert.Equal(t, "step accepted", cp.Reason)
			assert.Equal(t, workflow.StepAccepted, cp.Snapshot.Steps["architecture"].Status)

			first, err := svc.Get(ctx, "run-1", 1)
			require.NoError(t, err)
			assert.Equal(t, workflow.StepRunnable, first.Snapshot.Steps["architecture"].Status)

			infos, err := svc.List(ctx, "run-1")
			require.NoError(t, err)
			require.Len(t, infos, 2)
			assert.Equal(t, []uint64{1, 2}, []uint64{infos[0].Sequence, infos[1].Sequence})

			runs, err := svc.Runs(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"run-1"}, runs)
		})
	}
}

func TestService_SaveIsolatesSnapshot(t *testing.T) {
	svc, err := NewService(NewMemoryStore(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	snap := testSnapshot(t, "run-1")
	_, err = svc.Save(ctx, snap, "start")
	require.NoError(t, err)
	snap.Steps["architecture"].Status = workflow.StepAborted

	cp, err := svc.LoadLatest(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StepRunnable, cp.Snapshot.Steps["architecture"].Status)
}

func TestService_InFlightWorkIsNotCheckpointed(t *testing.T) {
	svc, err := NewService(NewMemoryStore(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	snap := testSnapshot(t, "run-1")
	arch := snap.Steps["architecture"]
	arch.Status = workflow.StepInFlight
	arch.Attempts = []workflow.Attempt{
		{Number: 1, Outcome: workflow.OutcomeRejected},
		{Number: 2, Outcome: workflow.OutcomePending, Artifacts: []workflow.Artifact{{Path: "partial.md"}}},
	}
	_, err = svc.Save(ctx, snap, "dispatch")
	require.NoError(t, err)

	cp, err := svc.LoadLatest(ctx, "run-1")
	require.NoError(t, err)
	got := cp.Snapshot.Steps["architecture"]
	assert.Equal(t, workflow.StepRunnable, got.Status)
	require.Len(t, got.Attempts, 1)
	assert.Equal(t, 1, got.Attempts[0].Number)
}

// Resuming reproduces the runnable set that existed at the last save.
func TestService_ResumeReproducesRunnableSet(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	svc, err := NewService(store, nil)
	require.NoError(t, err)
	ctx := context.Background()

	snap := testSnapshot(t, "run-d")
	snap.Steps["architecture"].Status = workflow.StepAccepted
	workflow.Unblock(&snap.Graph, snap.Steps)
	snap.Steps["frontend_mock"].Status = workflow.StepInFlight
	before := workflow.RunnableSteps(&snap.Graph, snap.Clone().Steps)
	_, err = svc.Save(ctx, snap, "dispatch")
	require.NoError(t, err)

	restarted, err := NewService(store, nil)
	require.NoError(t, err)
	cp, err := restarted.LoadLatest(ctx, "run-d")
	require.NoError(t, err)
	assert.Equal(t, before, cp.Snapshot.Runnable())
	assert.ElementsMatch(t, []string{"backend_models", "frontend_mock"}, before)
}

func TestService_SequenceContinuesAfterRestart(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	svc, err := NewService(store, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := svc.Save(ctx, testSnapshot(t, "run-1"), "tick")
		require.NoError(t, err)
	}

	again, err := NewService(store, nil)
	require.NoError(t, err)
	seq, err := again.Save(ctx, testSnapshot(t, "run-1"), "resume")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

func TestService_SequenceSkipsCorruptNewestFile(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	svc, err := NewService(store, nil)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := svc.Save(ctx, testSnapshot(t, "run-1"), "tick")
		require.NoError(t, err)
	}
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "run-1", seqName(3)), []byte(`{"id":"torn"`), 0o600))

	last, err := store.LastSequence(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), last)

	again, err := NewService(store, nil)
	require.NoError(t, err)
	for want := uint64(4); want <= 5; want++ {
		seq, err := again.Save(ctx, testSnapshot(t, "run-1"), "resume")
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}
	cp, err := again.LoadLatest(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), cp.Sequence)
}

func TestStore_LastSequence(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			last, err := store.LastSequence(ctx, "run-1")
			require.NoError(t, err)
			assert.Zero(t, last)

			for _, seq := range []uint64{1, 2, 7} {
				require.NoError(t, store.Append(ctx, &Checkpoint{ID: "cp", RunID: "run-1", Sequence: seq, Snapshot: testSnapshot(t, "run-1")}))
			}
			last, err = store.LastSequence(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, uint64(7), last)
		})
	}
}

func TestService_ConcurrentSavesGetDistinctSequences(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	svc, err := NewService(store, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	seen := map[uint64]bool{}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := svc.Save(context.Background(), testSnapshot(t, "run-1"), "parallel")
			assert.NoError(t, err)
			mu.Lock()
			seen[seq] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 20)
}

func TestService_Closed(t *testing.T) {
	svc, err := NewService(NewMemoryStore(), nil)
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	_, err = svc.Save(context.Background(), testSnapshot(t, "run-1"), "x")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = svc.LoadLatest(context.Background(), "run-1")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestService_InvalidRunID(t *testing.T) {
	svc, err := NewService(NewMemoryStore(), nil)
	require.NoError(t, err)
	for _, id := range []string{"", "..", "../etc", "a/b", ".hidden"} {
		_, err := svc.Save(context.Background(), testSnapshot(t, id), "x")
		assert.ErrorIs(t, err, ErrInvalidRunID, id)
	}
}

func TestFileStore_NeverOverwrites(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	successes := testutil.ToFloat64(FileWritesTotal.WithLabelValues("success"))
	conflicts := testutil.ToFloat64(FileWritesTotal.WithLabelValues("conflict"))

	cp := &Checkpoint{ID: "a", RunID: "run-1", Sequence: 1, Snapshot: testSnapshot(t, "run-1")}
	require.NoError(t, store.Append(ctx, cp))

	dup := &Checkpoint{ID: "b", RunID: "run-1", Sequence: 1, Snapshot: testSnapshot(t, "run-1")}
	assert.ErrorIs(t, store.Append(ctx, dup), ErrSequenceExists)
	assert.Equal(t, successes+1, testutil.ToFloat64(FileWritesTotal.WithLabelValues("success")))
	assert.Equal(t, conflicts+1, testutil.ToFloat64(FileWritesTotal.WithLabelValues("conflict")))

	got, err := store.Get(ctx, "run-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)

	entries, err := os.ReadDir(filepath.Join(store.Dir(), "run-1"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are removed")
}

func TestFileStore_IgnoresPartialWrites(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, &Checkpoint{ID: "good", RunID: "run-1", Sequence: 1, Snapshot: testSnapshot(t, "run-1")}))

	runDir := filepath.Join(store.Dir(), "run-1")
	require.NoError(t, os.WriteFile(filepath.Join(runDir, ".tmp-123"), []byte(`{"id":"half`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, seqName(2)), []byte(`{"id":"torn"`), 0o600))

	skipped := testutil.ToFloat64(CorruptFilesSkipped)
	cp, err := store.Latest(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "good", cp.ID)
	assert.Equal(t, skipped+1, testutil.ToFloat64(CorruptFilesSkipped))

	infos, err := store.List(ctx, "run-1")
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestFileStore_Permissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "checkpoints")
	_, err := NewFileStore(dir)
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestNewStore(t *testing.T) {
	s, err := NewStore(Config{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = NewStore(Config{Directory: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)
}
