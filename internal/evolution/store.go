package evolution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/NeuralNinja23/gencode-orchestrator/internal/evolution"

// ErrStoreClosed is returned after Close.
var ErrStoreClosed = errors.New("evolution store is closed")

// Config tunes the learning rule.
type Config struct {
	// MaxAlpha caps the EMA learning rate (default 0.3).
	MaxAlpha float64
	// MaxConfidence caps vector confidence (default 0.95).
	MaxConfidence float64
	// MinAttributionWeight is the smallest attention weight for which a
	// candidate is credited with a decision's outcome (default 0.2). The
	// selected candidate is always credited.
	MinAttributionWeight float64
	// ReadCacheTTL bounds staleness of vector reads (default 30s).
	ReadCacheTTL time.Duration
	// ReadCacheSize bounds the read cache (default 1024).
	ReadCacheSize int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxAlpha:             0.3,
		MaxConfidence:        0.95,
		MinAttributionWeight: 0.2,
		ReadCacheTTL:         30 * time.Second,
		ReadCacheSize:        1024,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxAlpha <= 0 {
		c.MaxAlpha = d.MaxAlpha
	}
	if c.MaxConfidence <= 0 {
		c.MaxConfidence = d.MaxConfidence
	}
	if c.MinAttributionWeight <= 0 {
		c.MinAttributionWeight = d.MinAttributionWeight
	}
	if c.ReadCacheTTL <= 0 {
		c.ReadCacheTTL = d.ReadCacheTTL
	}
	if c.ReadCacheSize <= 0 {
		c.ReadCacheSize = d.ReadCacheSize
	}
}

// Store owns decisions and evolved vectors. Updates to one vector key are
// serialized; reads go through a short-lived cache.
type Store struct {
	cfg    Config
	repo   Repository
	index  *PatternIndex
	logger *zap.Logger

	locks *keyedMutex
	reads *expirable.LRU[Key, *Vector]

	tracer          trace.Tracer
	meter           metric.Meter
	decisionCounter metric.Int64Counter
	outcomeCounter  metric.Int64Counter
	updateCounter   metric.Int64Counter

	mu     sync.RWMutex
	closed bool
}

// NewStore creates a Store. index may be nil, which disables pattern search.
func NewStore(cfg Config, repo Repository, index *PatternIndex, logger *zap.Logger) (*Store, error) {
	if repo == nil {
		return nil, errors.New("repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	s := &Store{
		cfg:    cfg,
		repo:   repo,
		index:  index,
		logger: logger,
		locks:  newKeyedMutex(),
		reads:  expirable.NewLRU[Key, *Vector](cfg.ReadCacheSize, nil, cfg.ReadCacheTTL),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *Store) initMetrics() {
	var err error

	s.decisionCounter, err = s.meter.Int64Counter(
		"gencode.evolution.decisions_total",
		metric.WithDescription("Routing decisions recorded, labeled by context type and mode"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		s.logger.Warn("failed to create decision counter", zap.Error(err))
	}

	s.outcomeCounter, err = s.meter.Int64Counter(
		"gencode.evolution.outcomes_total",
		metric.WithDescription("Outcomes reported against routing decisions"),
		metric.WithUnit("{outcome}"),
	)
	if err != nil {
		s.logger.Warn("failed to create outcome counter", zap.Error(err))
	}

	s.updateCounter, err = s.meter.Int64Counter(
		"gencode.evolution.vector_updates_total",
		metric.WithDescription("Evolved vector EMA updates"),
		metric.WithUnit("{update}"),
	)
	if err != nil {
		s.logger.Warn("failed to create vector update counter", zap.Error(err))
	}
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Evolved returns the learned vector for key, or false when none exists.
func (s *Store) Evolved(ctx context.Context, key Key) (*Vector, bool, error) {
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}
	if v, ok := s.reads.Get(key); ok {
		return v.Clone(), true, nil
	}
	v, err := s.repo.GetVector(ctx, key)
	if errors.Is(err, ErrVectorNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("loading vector %s: %w", key, err)
	}
	s.reads.Add(key, v.Clone())
	return v, true, nil
}

// RecordDecision persists a new routing decision.
func (s *Store) RecordDecision(ctx context.Context, d *Decision) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if d == nil || d.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDecision)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if err := s.repo.SaveDecision(ctx, d); err != nil {
		return fmt.Errorf("saving decision %s: %w", d.ID, err)
	}
	if s.decisionCounter != nil {
		s.decisionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("context_type", d.ContextType),
			attribute.String("mode", d.Mode),
		))
	}
	return nil
}

// Decision returns a stored decision.
func (s *Store) Decision(ctx context.Context, id string) (*Decision, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.repo.GetDecision(ctx, id)
}

// ReportOutcome applies feedback for a decision exactly once. Repeating an
// identical report is a no-op; a different report is ErrOutcomeConflict.
func (s *Store) ReportOutcome(ctx context.Context, report OutcomeReport) error {
	ctx, span := s.tracer.Start(ctx, "evolution.report_outcome")
	defer span.End()
	span.SetAttributes(
		attribute.String("decision_id", report.DecisionID),
		attribute.String("outcome", string(report.Outcome)),
	)

	if err := s.checkOpen(); err != nil {
		return err
	}
	if !report.Outcome.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidOutcome, report.Outcome)
	}
	if report.Score != nil && (*report.Score < 0 || *report.Score > 10 || math.IsNaN(*report.Score)) {
		return fmt.Errorf("%w: score %v outside 0..10", ErrInvalidOutcome, *report.Score)
	}

	unlock := s.locks.Lock("decision:" + report.DecisionID)
	defer unlock()

	d, err := s.repo.GetDecision(ctx, report.DecisionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decision lookup failed")
		return err
	}

	if d.Outcome != nil {
		if *d.Outcome == report.Outcome && sameScore(d.OutcomeScore, report.Score) {
			span.SetAttributes(attribute.Bool("duplicate", true))
			return nil
		}
		span.SetStatus(codes.Error, "outcome conflict")
		return fmt.Errorf("%w: %s", ErrOutcomeConflict, d.ID)
	}

	now := time.Now().UTC()
	outcome := report.Outcome
	d.Outcome = &outcome
	d.OutcomeScore = report.Score
	d.OutcomeDetails = report.Details
	d.OutcomeAt = &now
	if err := s.repo.SaveDecision(ctx, d); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "saving outcome failed")
		return fmt.Errorf("saving outcome for %s: %w", d.ID, err)
	}

	for _, id := range s.attributed(d) {
		if err := s.updateVector(ctx, d, id); err != nil {
			span.RecordError(err)
			s.logger.Error("evolved vector update failed",
				zap.String("decision_id", d.ID),
				zap.String("candidate_id", id),
				zap.Error(err),
			)
		}
	}

	if outcome == OutcomeSuccess && s.index != nil {
		if err := s.index.Add(ctx, d); err != nil {
			s.logger.Warn("pattern indexing failed", zap.String("decision_id", d.ID), zap.Error(err))
		}
	}

	if s.outcomeCounter != nil {
		s.outcomeCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("context_type", d.ContextType),
			attribute.String("outcome", string(outcome)),
		))
	}
	s.logger.Debug("outcome recorded",
		zap.String("decision_id", d.ID),
		zap.String("context_type", d.ContextType),
		zap.String("outcome", string(outcome)),
	)
	return nil
}

func sameScore(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// attributed returns the candidates credited with a decision's outcome.
func (s *Store) attributed(d *Decision) []string {
	var out []string
	for id, w := range d.Weights {
		if _, ok := d.CandidateValues[id]; !ok {
			continue
		}
		if id == d.CandidateID || w >= s.cfg.MinAttributionWeight {
			out = append(out, id)
		}
	}
	return out
}

// updateVector applies one EMA step to the vector of candidate id.
func (s *Store) updateVector(ctx context.Context, d *Decision, id string) error {
	key := Key{ContextType: d.ContextType, Archetype: d.Archetype, CandidateID: id}
	unlock := s.locks.Lock("vector:" + key.String())
	defer unlock()

	v, err := s.repo.GetVector(ctx, key)
	switch {
	case errors.Is(err, ErrVectorNotFound):
		base := d.CandidateValues[id]
		v = &Vector{Key: key, BaseValue: base.Clone(), EvolvedValue: base.Clone()}
	case err != nil:
		return err
	}

	outcome := *d.Outcome
	n := v.SampleCount
	alpha := math.Min(s.cfg.MaxAlpha, 2/float64(n+2))

	// Credit is shared in proportion to the candidate's weight.
	top := d.Weights[d.CandidateID]
	if top > 0 && id != d.CandidateID {
		alpha *= math.Min(1, d.Weights[id]/top)
	}

	sig := outcome.signal()
	if n == 0 {
		v.SuccessRate = sig
	} else {
		v.SuccessRate += alpha * (sig - v.SuccessRate)
	}

	switch outcome {
	case OutcomeSuccess:
		v.EvolvedValue = mix(v.EvolvedValue, d.Value, alpha, id == d.CandidateID, false)
	case OutcomePartial:
		v.EvolvedValue = mix(v.EvolvedValue, d.Value, alpha/2, false, false)
	case OutcomeFailure:
		v.EvolvedValue = mix(v.EvolvedValue, v.BaseValue, alpha, true, false)
	}

	v.SampleCount = n + 1
	v.Confidence = math.Min(s.cfg.MaxConfidence, 1-1/float64(v.SampleCount+2))
	v.UpdatedAt = time.Now().UTC()

	if err := s.repo.SaveVector(ctx, v); err != nil {
		return fmt.Errorf("saving vector %s: %w", key, err)
	}
	s.reads.Add(key, v.Clone())

	if s.updateCounter != nil {
		s.updateCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("context_type", key.ContextType)))
	}
	return nil
}

// SearchSimilar returns successful decisions near q.Vector.
func (s *Store) SearchSimilar(ctx context.Context, q PatternQuery) ([]Pattern, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if s.index == nil {
		return nil, nil
	}
	ctx, span := s.tracer.Start(ctx, "evolution.search_similar")
	defer span.End()

	patterns, err := s.index.Search(ctx, q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("results_count", len(patterns)))
	return patterns, nil
}

// Close stops the store. Further calls fail with ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.reads.Purge()
	return nil
}
