package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/NeuralNinja23/gencode-orchestrator/internal/workflow"
)

const instrumentationName = "github.com/NeuralNinja23/gencode-orchestrator/internal/checkpoint"

// Service provides checkpoint operations.
type Service interface {
	// Save stores a copy of snap and returns its sequence number.
	Save(ctx context.Context, snap *workflow.Snapshot, reason string) (uint64, error)

	// LoadLatest returns the newest checkpoint for a run, or ErrNotFound.
	LoadLatest(ctx context.Context, runID string) (*Checkpoint, error)

	// Get returns a checkpoint by sequence.
	Get(ctx context.Context, runID string, seq uint64) (*Checkpoint, error)

	// List returns the checkpoints of a run in sequence order.
	List(ctx context.Context, runID string) ([]Info, error)

	// Runs returns every run with a checkpoint.
	Runs(ctx context.Context) ([]string, error)

	// Close closes the service.
	Close() error
}

// Config configures checkpoint storage.
type Config struct {
	// Directory holds checkpoint files. Empty keeps checkpoints in memory.
	Directory string `koanf:"directory"`
}

// NewStore builds the store described by cfg.
func NewStore(cfg Config) (Store, error) {
	if cfg.Directory == "" {
		return NewMemoryStore(), nil
	}
	return NewFileStore(cfg.Directory)
}

// service implements Service.
type service struct {
	store  Store
	logger *zap.Logger

	seqMu sync.Mutex
	// next holds the last assigned sequence per run.
	next map[string]uint64

	tracer       trace.Tracer
	meter        metric.Meter
	saveCounter  metric.Int64Counter
	loadCounter  metric.Int64Counter
	saveDuration metric.Float64Histogram

	mu     sync.RWMutex
	closed bool
}

// NewService creates a checkpoint service over store.
func NewService(store Store, logger *zap.Logger) (Service, error) {
	if store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		store:  store,
		logger: logger,
		next:   make(map[string]uint64),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error

	s.saveCounter, err = s.meter.Int64Counter(
		"gencode.checkpoint.saves_total",
		metric.WithDescription("Total number of checkpoints saved"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		s.logger.Warn("failed to create save counter", zap.Error(err))
	}

	s.loadCounter, err = s.meter.Int64Counter(
		"gencode.checkpoint.loads_total",
		metric.WithDescription("Total number of latest-checkpoint loads"),
		metric.WithUnit("{load}"),
	)
	if err != nil {
		s.logger.Warn("failed to create load counter", zap.Error(err))
	}

	s.saveDuration, err = s.meter.Float64Histogram(
		"gencode.checkpoint.save_duration_seconds",
		metric.WithDescription("Time taken to persist a checkpoint"),
		metric.WithUnit("s"),
	)
	if err != nil {
		s.logger.Warn("failed to create save duration histogram", zap.Error(err))
	}
}

func (s *service) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// nextSequence assigns the sequence after the highest stored one. The store
// is consulted once per run so numbering continues across restarts; an
// unreadable newest file still holds its number.
func (s *service) nextSequence(ctx context.Context, runID string) (uint64, error) {
	if last, ok := s.next[runID]; ok {
		return last + 1, nil
	}
	last, err := s.store.LastSequence(ctx, runID)
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

// Save stores snap under the next sequence number.
func (s *service) Save(ctx context.Context, snap *workflow.Snapshot, reason string) (uint64, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.save")
	defer span.End()

	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if snap == nil {
		return 0, errors.New("snapshot is required")
	}
	runID := snap.Run.ID
	if err := ValidateRunID(runID); err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.String("run_id", runID), attribute.String("reason", reason))

	start := time.Now()

	// Sequence assignment and append stay together so two saves for the
	// same run cannot race for a number.
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	seq, err := s.nextSequence(ctx, runID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("reading checkpoint sequence: %w", err)
	}

	cp := &Checkpoint{
		ID:        uuid.New().String(),
		RunID:     runID,
		Sequence:  seq,
		Reason:    reason,
		CreatedAt: time.Now().UTC(),
		Snapshot:  snap.Clone(),
	}
	if err := s.store.Append(ctx, cp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, fmt.Errorf("saving checkpoint: %w", err)
	}
	s.next[runID] = seq

	if s.saveCounter != nil {
		s.saveCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	if s.saveDuration != nil {
		s.saveDuration.Record(ctx, time.Since(start).Seconds())
	}

	s.logger.Debug("saved checkpoint",
		zap.String("run_id", runID),
		zap.Uint64("sequence", seq),
		zap.String("reason", reason),
	)
	span.SetAttributes(attribute.Int64("sequence", int64(seq)))
	return seq, nil
}

// LoadLatest returns the newest checkpoint.
func (s *service) LoadLatest(ctx context.Context, runID string) (*Checkpoint, error) {
	ctx, span := s.tracer.Start(ctx, "checkpoint.load_latest")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runID))

	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}

	cp, err := s.store.Latest(ctx, runID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}
	if s.loadCounter != nil {
		s.loadCounter.Add(ctx, 1)
	}
	s.logger.Info("loaded checkpoint",
		zap.String("run_id", runID),
		zap.Uint64("sequence", cp.Sequence),
	)
	return cp, nil
}

// Get returns one checkpoint.
func (s *service) Get(ctx context.Context, runID string, seq uint64) (*Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, runID, seq)
}

// List returns the checkpoints of a run.
func (s *service) List(ctx context.Context, runID string) ([]Info, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.store.List(ctx, runID)
}

// Runs returns every run with a checkpoint.
func (s *service) Runs(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.store.Runs(ctx)
}

// Close closes the service.
func (s *service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
