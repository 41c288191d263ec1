package evolution

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

const (
	decisionsDir = "decisions"
	vectorsDir   = "vectors"
)

var decisionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// decisionRecord keeps the query vector that Decision leaves out of its JSON
// form, so a decision reported after a restart is still indexed as a pattern.
type decisionRecord struct {
	Decision    *Decision `json:"decision"`
	QueryVector []float32 `json:"query_vector,omitempty"`
}

// FileRepository stores one JSON file per decision under dir/decisions and
// one per evolved vector under dir/vectors. Vectors are loaded at open and
// served from memory; decisions are read from disk on demand.
//
// Files are replaced atomically: a temp file is synced and renamed over the
// old one.
type FileRepository struct {
	dir string

	mu      sync.RWMutex
	vectors map[Key]*Vector
}

// NewRepository opens the repository at path. An empty path keeps
// everything in memory.
func NewRepository(path string) (Repository, error) {
	if path == "" {
		return NewInMemoryRepository(), nil
	}
	return NewFileRepository(path)
}

// NewFileRepository opens or creates a repository rooted at dir.
func NewFileRepository(dir string) (*FileRepository, error) {
	if dir == "" {
		return nil, errors.New("repository directory is required")
	}
	for _, sub := range []string{decisionsDir, vectorsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("creating repository directory: %w", err)
		}
	}
	r := &FileRepository{dir: dir, vectors: make(map[Key]*Vector)}
	if err := r.loadVectors(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRepository) loadVectors() error {
	vdir := filepath.Join(r.dir, vectorsDir)
	entries, err := os.ReadDir(vdir)
	if err != nil {
		return fmt.Errorf("reading vector directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(vdir, e.Name()))
		if err != nil {
			return fmt.Errorf("reading vector %s: %w", e.Name(), err)
		}
		var v Vector
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("decoding vector %s: %w", e.Name(), err)
		}
		r.vectors[v.Key] = &v
	}
	return nil
}

// Len returns the number of stored vectors.
func (r *FileRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.vectors)
}

func vectorFile(k Key) string {
	sum := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:16]) + ".json"
}

func (r *FileRepository) decisionPath(id string) (string, error) {
	if !decisionIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: id %q", ErrInvalidDecision, id)
	}
	return filepath.Join(r.dir, decisionsDir, id+".json"), nil
}

// SaveDecision writes d.
func (r *FileRepository) SaveDecision(ctx context.Context, d *Decision) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := r.decisionPath(d.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(decisionRecord{Decision: d, QueryVector: d.QueryVector})
	if err != nil {
		return fmt.Errorf("encoding decision: %w", err)
	}
	return writeFileAtomic(path, data)
}

// GetDecision reads a decision.
func (r *FileRepository) GetDecision(_ context.Context, id string) (*Decision, error) {
	path, err := r.decisionPath(id)
	if err != nil {
		return nil, ErrDecisionNotFound
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrDecisionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading decision: %w", err)
	}
	var rec decisionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding decision %s: %w", id, err)
	}
	if rec.Decision == nil {
		return nil, fmt.Errorf("decision %s: empty record", id)
	}
	rec.Decision.QueryVector = rec.QueryVector
	return rec.Decision, nil
}

// SaveVector writes v and updates the in-memory copy.
func (r *FileRepository) SaveVector(ctx context.Context, v *Vector) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding vector: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := writeFileAtomic(filepath.Join(r.dir, vectorsDir, vectorFile(v.Key)), data); err != nil {
		return err
	}
	r.vectors[v.Key] = v.Clone()
	return nil
}

// GetVector returns a copy of the stored vector.
func (r *FileRepository) GetVector(_ context.Context, key Key) (*Vector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.vectors[key]
	if !ok {
		return nil, ErrVectorNotFound
	}
	return v.Clone(), nil
}

// ListVectors returns copies of matching vectors.
func (r *FileRepository) ListVectors(_ context.Context, contextType, archetype string) ([]*Vector, error) {
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

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	return nil
}
