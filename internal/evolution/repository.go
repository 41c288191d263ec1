package evolution

import (
	"context"
	"sync"
)

// Repository persists decisions and evolved vectors.
type Repository interface {
	// SaveDecision inserts or replaces a decision.
	SaveDecision(ctx context.Context, d *Decision) error
	// GetDecision returns ErrDecisionNotFound for unknown ids.
	GetDecision(ctx context.Context, id string) (*Decision, error)
	// SaveVector inserts or replaces a vector.
	SaveVector(ctx context.Context, v *Vector) error
	// GetVector returns ErrVectorNotFound for unknown keys.
	GetVector(ctx context.Context, key Key) (*Vector, error)
	// ListVectors returns every vector with the given context type and archetype.
	ListVectors(ctx context.Context, contextType, archetype string) ([]*Vector, error)
}

// InMemoryRepository is an in-memory Repository.
type InMemoryRepository struct {
	mu        sync.RWMutex
	decisions map[string]*Decision
	vectors   map[Key]*Vector
}

// NewInMemoryRepository creates an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		decisions: make(map[string]*Decision),
		vectors:   make(map[Key]*Vector),
	}
}

// SaveDecision stores a copy of d.
func (r *InMemoryRepository) SaveDecision(ctx context.Context, d *Decision) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decisions[d.ID] = d.Clone()
	return nil
}

// GetDecision returns a copy of the stored decision.
func (r *InMemoryRepository) GetDecision(ctx context.Context, id string) (*Decision, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.decisions[id]
	if !ok {
		return nil, ErrDecisionNotFound
	}
	return d.Clone(), nil
}

// SaveVector stores a copy of v.
func (r *InMemoryRepository) SaveVector(ctx context.Context, v *Vector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vectors[v.Key] = v.Clone()
	return nil
}

// GetVector returns a copy of the stored vector.
func (r *InMemoryRepository) GetVector(ctx context.Context, key Key) (*Vector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.vectors[key]
	if !ok {
		return nil, ErrVectorNotFound
	}
	return v.Clone(), nil
}

// ListVectors returns copies of matching vectors.
func (r *InMemoryRepository) ListVectors(ctx context.Context, contextType, archetype string) ([]*Vector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Vector
	for k, v := range r.vectors {
		if k.ContextType == contextType && k.Archetype == archetype {
			out = append(out, v.Clone())
		}
	}
	return out, nil
}
