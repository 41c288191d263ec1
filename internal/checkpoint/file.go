package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
)

var seqFilePattern = regexp.MustCompile(`^(\d{20})\.json$`)

// FileStore writes one JSON file per checkpoint under dir/<run_id>/.
//
// A checkpoint becomes visible only once it has been fully written and
// synced: Append writes a temporary file and hard-links it to the final
// name, which fails instead of replacing an existing sequence.
type FileStore struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates a store rooted at dir, creating it with 0700.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating checkpoint directory: %w", err)
	}
	return &FileStore{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// Dir returns the root directory.
func (f *FileStore) Dir() string {
	return f.dir
}

func (f *FileStore) runLock(runID string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		f.locks[runID] = l
	}
	return l
}

func seqName(seq uint64) string {
	return fmt.Sprintf("%020d.json", seq)
}

// Append writes cp atomically.
func (f *FileStore) Append(ctx context.Context, cp *Checkpoint) error {
	if err := ValidateRunID(cp.RunID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l := f.runLock(cp.RunID)
	l.Lock()
	defer l.Unlock()

	size, err := f.write(cp)
	switch {
	case err == nil:
		recordWrite("success", size)
	case errors.Is(err, ErrSequenceExists):
		recordWrite("conflict", 0)
	default:
		recordWrite("error", 0)
	}
	return err
}

func (f *FileStore) write(cp *Checkpoint) (int, error) {
	runDir := filepath.Join(f.dir, cp.RunID)
	if err := os.MkdirAll(runDir, 0o700); err != nil {
		return 0, fmt.Errorf("creating run directory: %w", err)
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return 0, fmt.Errorf("encoding checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(runDir, ".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("syncing checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("closing checkpoint: %w", err)
	}

	final := filepath.Join(runDir, seqName(cp.Sequence))
	if err := os.Link(tmpName, final); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return 0, ErrSequenceExists
		}
		return 0, fmt.Errorf("publishing checkpoint: %w", err)
	}
	syncDir(runDir)
	return len(data), nil
}

// syncDir makes the new directory entry durable; failure only weakens
// durability, never atomicity.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// sequences lists published sequence numbers in ascending order.
func (f *FileStore) sequences(runID string) ([]uint64, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(f.dir, runID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading run directory: %w", err)
	}
	var seqs []uint64
	for _, e := range entries {
		m := seqFilePattern.FindStringSubmatch(e.Name())
		if m == nil || e.IsDir() {
			continue
		}
		seq, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// LastSequence returns the highest published sequence, including files that
// no longer decode.
func (f *FileStore) LastSequence(_ context.Context, runID string) (uint64, error) {
	seqs, err := f.sequences(runID)
	if err != nil || len(seqs) == 0 {
		return 0, err
	}
	return seqs[len(seqs)-1], nil
}

// Latest returns the newest readable checkpoint. Files that fail to decode
// are skipped.
func (f *FileStore) Latest(ctx context.Context, runID string) (*Checkpoint, error) {
	seqs, err := f.sequences(runID)
	if err != nil {
		return nil, err
	}
	for i := len(seqs) - 1; i >= 0; i-- {
		cp, err := f.Get(ctx, runID, seqs[i])
		if err == nil {
			return cp, nil
		}
		CorruptFilesSkipped.Inc()
	}
	return nil, ErrNotFound
}

// Get reads one checkpoint.
func (f *FileStore) Get(_ context.Context, runID string, seq uint64) (*Checkpoint, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(f.dir, runID, seqName(seq)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %d: %w", seq, err)
	}
	if cp.Snapshot == nil {
		return nil, fmt.Errorf("checkpoint %d has no snapshot", seq)
	}
	return &cp, nil
}

// List returns infos in ascending sequence order.
func (f *FileStore) List(ctx context.Context, runID string) ([]Info, error) {
	seqs, err := f.sequences(runID)
	if err != nil {
		return nil, err
	}
	infos := make([]Info, 0, len(seqs))
	for _, seq := range seqs {
		cp, err := f.Get(ctx, runID, seq)
		if err != nil {
			continue
		}
		infos = append(infos, cp.info())
	}
	return infos, nil
}

// Runs returns every run directory holding at least one checkpoint.
func (f *FileStore) Runs(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || ValidateRunID(e.Name()) != nil {
			continue
		}
		seqs, err := f.sequences(e.Name())
		if err != nil || len(seqs) == 0 {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}
