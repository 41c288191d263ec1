package checkpoint

import (
	"errors"
	"regexp"
	"time"

	"github.com/NeuralNinja23/gencode-orchestrator/internal/workflow"
)

var (
	// ErrNotFound is returned when a run has no checkpoint.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrSequenceExists is returned when a sequence is written twice.
	ErrSequenceExists = errors.New("checkpoint sequence already exists")
	// ErrInvalidRunID is returned for run ids that are not safe path components.
	ErrInvalidRunID = errors.New("invalid run id")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("checkpoint manager is closed")
)

var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateRunID rejects ids that could escape the checkpoint directory.
func ValidateRunID(runID string) error {
	if !runIDPattern.MatchString(runID) || runID == "." || runID == ".." {
		return ErrInvalidRunID
	}
	return nil
}

// Checkpoint is one saved snapshot of a run.
type Checkpoint struct {
	// ID is a unique identifier for this checkpoint.
	ID string `json:"id"`

	// RunID is the run this checkpoint belongs to.
	RunID string `json:"run_id"`

	// Sequence is monotonic per run, starting at 1.
	Sequence uint64 `json:"sequence"`

	// Reason describes the transition that triggered the save.
	Reason string `json:"reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	Snapshot *workflow.Snapshot `json:"snapshot"`
}

// Info describes a stored checkpoint without its snapshot.
type Info struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Sequence  uint64    `json:"sequence"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *Checkpoint) info() Info {
	return Info{ID: c.ID, RunID: c.RunID, Sequence: c.Sequence, Reason: c.Reason, CreatedAt: c.CreatedAt}
}
