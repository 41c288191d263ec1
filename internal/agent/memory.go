package agent

import (
	"context"
	"sort"
	"sync"

	"github.com/NeuralNinja23/gencode-orchestrator/internal/workflow"
)

// MemoryPersister keeps committed artifacts in memory, keyed by run and path.
// A later write of the same path replaces the earlier one.
type MemoryPersister struct {
	mu   sync.RWMutex
	runs map[string]map[string]workflow.Artifact
}

// NewMemoryPersister creates an empty persister.
func NewMemoryPersister() *MemoryPersister {
	return &MemoryPersister{runs: make(map[string]map[string]workflow.Artifact)}
}

// Persist stores every artifact with a path; artifacts without one are rejected.
func (m *MemoryPersister) Persist(_ context.Context, req PersistRequest) (*PersistResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	files, ok := m.runs[req.RunID]
	if !ok {
		files = make(map[string]workflow.Artifact)
		m.runs[req.RunID] = files
	}
	res := &PersistResult{}
	for _, a := range req.Artifacts {
		if a.Path == "" {
			res.Rejected = append(res.Rejected, a.Path)
			continue
		}
		files[a.Path] = a
		res.Written = append(res.Written, a.Path)
	}
	return res, nil
}

// Paths returns the committed paths of a run in sorted order.
func (m *MemoryPersister) Paths(runID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := make([]string, 0, len(m.runs[runID]))
	for p := range m.runs[runID] {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Artifact returns one committed artifact.
func (m *MemoryPersister) Artifact(runID, path string) (workflow.Artifact, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.runs[runID][path]
	return a, ok
}
