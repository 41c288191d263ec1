package evolution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

const patternCollection = "routing_patterns"

// maxPatternScan bounds how many neighbours are fetched before filtering.
const maxPatternScan = 200

var errNoEmbedding = errors.New("pattern index stores precomputed embeddings only")

// PatternIndex indexes successful decisions by query vector in chromem.
type PatternIndex struct {
	mu     sync.Mutex
	db     *chromem.DB
	coll   *chromem.Collection
	logger *zap.Logger
}

// NewPatternIndex opens the index. An empty path keeps it in memory.
func NewPatternIndex(path string, logger *zap.Logger) (*PatternIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	if path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("creating pattern index directory: %w", err)
		}
		var err error
		db, err = chromem.NewPersistentDB(path, true)
		if err != nil {
			return nil, fmt.Errorf("opening pattern index: %w", err)
		}
	}

	coll, err := db.GetOrCreateCollection(patternCollection, nil, rejectEmbedding)
	if err != nil {
		return nil, fmt.Errorf("creating pattern collection: %w", err)
	}

	logger.Info("pattern index ready",
		zap.String("path", path),
		zap.Int("patterns", coll.Count()),
	)
	return &PatternIndex{db: db, coll: coll, logger: logger}, nil
}

func rejectEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedding
}

// Add indexes a successful decision. Content carries no query text.
func (p *PatternIndex) Add(ctx context.Context, d *Decision) error {
	if len(d.QueryVector) == 0 {
		return nil
	}
	value, err := json.Marshal(d.Value)
	if err != nil {
		return fmt.Errorf("encoding pattern value: %w", err)
	}

	doc := chromem.Document{
		ID:        d.ID,
		Embedding: append([]float32(nil), d.QueryVector...),
		Content:   d.ContextType + ":" + d.CandidateID,
		Metadata: map[string]string{
			"archetype":    d.Archetype,
			"context_type": d.ContextType,
			"candidate_id": d.CandidateID,
			"value":        string(value),
		},
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.coll.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("indexing pattern %s: %w", d.ID, err)
	}
	return nil
}

// Count returns the number of indexed patterns.
func (p *PatternIndex) Count() int {
	return p.coll.Count()
}

// Search returns patterns ordered by similarity, highest first.
func (p *PatternIndex) Search(ctx context.Context, q PatternQuery) ([]Pattern, error) {
	if len(q.Vector) == 0 {
		return nil, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 3
	}

	p.mu.Lock()
	n := p.coll.Count()
	p.mu.Unlock()
	if n == 0 {
		return nil, nil
	}
	if n > maxPatternScan {
		n = maxPatternScan
	}

	results, err := p.coll.QueryEmbedding(ctx, q.Vector, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying patterns: %w", err)
	}

	var out []Pattern
	for _, r := range results {
		sim := float64(r.Similarity)
		if sim < q.MinSimilarity {
			continue
		}
		if q.ContextType != "" && r.Metadata["context_type"] != q.ContextType {
			continue
		}
		if q.ExcludeArchetype != "" && r.Metadata["archetype"] == q.ExcludeArchetype {
			continue
		}
		var value Value
		if err := json.Unmarshal([]byte(r.Metadata["value"]), &value); err != nil {
			p.logger.Warn("skipping undecodable pattern", zap.String("decision_id", r.ID), zap.Error(err))
			continue
		}
		out = append(out, Pattern{
			DecisionID:  r.ID,
			Archetype:   r.Metadata["archetype"],
			ContextType: r.Metadata["context_type"],
			CandidateID: r.Metadata["candidate_id"],
			Value:       value,
			Similarity:  sim,
			Vector:      r.Embedding,
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
