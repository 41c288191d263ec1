package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Store is the durable side of checkpointing.
type Store interface {
	// Append stores cp. It returns ErrSequenceExists if the run already has
	// that sequence.
	Append(ctx context.Context, cp *Checkpoint) error
	// Latest returns the highest-sequence complete checkpoint, or ErrNotFound.
	Latest(ctx context.Context, runID string) (*Checkpoint, error)
	// Get returns one checkpoint by sequence.
	Get(ctx context.Context, runID string, seq uint64) (*Checkpoint, error)
	// List returns checkpoint infos in ascending sequence order.
	List(ctx context.Context, runID string) ([]Info, error)
	// Runs returns every run id with at least one checkpoint.
	Runs(ctx context.Context) ([]string, error)
	// LastSequence returns the highest sequence taken for a run, readable or
	// not, or 0 when the run has none.
	LastSequence(ctx context.Context, runID string) (uint64, error)
}

// MemoryStore keeps checkpoints in memory. Stored checkpoints are encoded so
// later mutation of a snapshot cannot reach them.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]map[uint64][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]map[uint64][]byte)}
}

// Append stores cp.
func (m *MemoryStore) Append(_ context.Context, cp *Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	seqs, ok := m.runs[cp.RunID]
	if !ok {
		seqs = make(map[uint64][]byte)
		m.runs[cp.RunID] = seqs
	}
	if _, exists := seqs[cp.Sequence]; exists {
		return ErrSequenceExists
	}
	seqs[cp.Sequence] = data
	return nil
}

// Latest returns the newest checkpoint for runID.
func (m *MemoryStore) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	m.mu.RLock()
	var latest uint64
	for seq := range m.runs[runID] {
		if seq > latest {
			latest = seq
		}
	}
	m.mu.RUnlock()
	if latest == 0 {
		return nil, ErrNotFound
	}
	return m.Get(ctx, runID, latest)
}

// LastSequence returns the highest stored sequence.
func (m *MemoryStore) LastSequence(_ context.Context, runID string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last uint64
	for seq := range m.runs[runID] {
		last = max(last, seq)
	}
	return last, nil
}

// Get returns one checkpoint.
func (m *MemoryStore) Get(_ context.Context, runID string, seq uint64) (*Checkpoint, error) {
	m.mu.RLock()
	data, ok := m.runs[runID][seq]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decoding checkpoint: %w", err)
	}
	return &cp, nil
}

// List returns infos in sequence order.
func (m *MemoryStore) List(ctx context.Context, runID string) ([]Info, error) {
	m.mu.RLock()
	seqs := make([]uint64, 0, len(m.runs[runID]))
	for seq := range m.runs[runID] {
		seqs = append(seqs, seq)
	}
	m.mu.RUnlock()
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	infos := make([]Info, 0, len(seqs))
	for _, seq := range seqs {
		cp, err := m.Get(ctx, runID, seq)
		if err != nil {
			return nil, err
		}
		infos = append(infos, cp.info())
	}
	return infos, nil
}

// Runs returns the run ids in sorted order.
func (m *MemoryStore) Runs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.runs))
	for id := range m.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
