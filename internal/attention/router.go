package attention

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/NeuralNinja23/gencode-orchestrator/internal/embeddings"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/evolution"
)

const instrumentationName = "github.com/NeuralNinja23/gencode-orchestrator/internal/attention"

// DecisionStore is the part of the evolution store the router needs.
type DecisionStore interface {
	Evolved(ctx context.Context, key evolution.Key) (*evolution.Vector, bool, error)
	RecordDecision(ctx context.Context, d *evolution.Decision) error
}

// Router computes attention-weighted syntheses.
type Router struct {
	cfg      Config
	embedder embeddings.Embedder
	store    DecisionStore
	logger   *zap.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	routeCounter metric.Int64Counter
	entropyHist  metric.Float64Histogram
}

// NewRouter creates a Router. store may be nil, in which case no evolved
// values are applied and decisions are not persisted.
func NewRouter(cfg Config, embedder embeddings.Embedder, store DecisionStore, logger *zap.Logger) (*Router, error) {
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	r := &Router{
		cfg:      cfg,
		embedder: embedder,
		store:    store,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	r.initMetrics()
	return r, nil
}

func (r *Router) initMetrics() {
	var err error

	r.routeCounter, err = r.meter.Int64Counter(
		"gencode.attention.routes_total",
		metric.WithDescription("Routing calls, labeled by context type and attention mode"),
		metric.WithUnit("{route}"),
	)
	if err != nil {
		r.logger.Warn("failed to create route counter", zap.Error(err))
	}

	r.entropyHist, err = r.meter.Float64Histogram(
		"gencode.attention.entropy",
		metric.WithDescription("Shannon entropy (nats) of the sharp attention weights"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 0.75, 1.0, 1.25, 1.5, 2.0, 3.0),
	)
	if err != nil {
		r.logger.Warn("failed to create entropy histogram", zap.Error(err))
	}
}

// Route scores the candidates against the query and synthesizes a value.
func (r *Router) Route(ctx context.Context, req Request) (*Result, error) {
	ctx, span := r.tracer.Start(ctx, "attention.route")
	defer span.End()
	span.SetAttributes(
		attribute.String("context_type", req.ContextType),
		attribute.String("archetype", req.Archetype),
		attribute.Int("candidates", len(req.Candidates)),
	)

	if err := validate(req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	queryVec, candVecs, err := r.embed(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return nil, err
	}

	values := make([]evolution.Value, len(req.Candidates))
	for i, c := range req.Candidates {
		values[i] = r.effectiveValue(ctx, req, c)
	}

	scores := make([]float64, len(req.Candidates))
	for i := range req.Candidates {
		scores[i] = embeddings.Dot(queryVec, candVecs[i])
	}

	weights := Softmax(scores, r.cfg.Sharpness)
	entropy := Entropy(weights)
	mode := ModeStandard
	if req.ForceCombinational || r.highEntropy(entropy, len(weights)) {
		mode = ModeCombinational
		weights = Softmax(scores, r.cfg.SoftSharpness)
	}

	selected := 0
	for i := range weights {
		if weights[i] > weights[selected] {
			selected = i
		}
	}

	result := &Result{
		DecisionID:  uuid.New().String(),
		Selected:    req.Candidates[selected].ID,
		Value:       synthesize(values, weights),
		Weights:     make(map[string]float64, len(weights)),
		Mode:        mode,
		Entropy:     entropy,
		QueryVector: queryVec,
	}
	baseValues := make(map[string]evolution.Value, len(req.Candidates))
	for i, c := range req.Candidates {
		result.Weights[c.ID] = weights[i]
		baseValues[c.ID] = c.Value.Clone()
	}

	if r.store != nil {
		d := &evolution.Decision{
			ID:               result.DecisionID,
			QueryDigest:      Digest(req.Query, queryVec),
			ContextType:      req.ContextType,
			Archetype:        req.Archetype,
			CandidateID:      result.Selected,
			Mode:             string(mode),
			Entropy:          entropy,
			Value:            result.Value.Clone(),
			Weights:          result.Weights,
			CandidateValues:  baseValues,
			SourceArchetypes: req.SourceArchetypes,
			CreatedAt:        time.Now().UTC(),
			QueryVector:      queryVec,
		}
		if err := r.store.RecordDecision(ctx, d); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "recording decision failed")
			return nil, fmt.Errorf("recording decision: %w", err)
		}
	}

	attrs := metric.WithAttributes(
		attribute.String("context_type", req.ContextType),
		attribute.String("mode", string(mode)),
	)
	if r.routeCounter != nil {
		r.routeCounter.Add(ctx, 1, attrs)
	}
	if r.entropyHist != nil {
		r.entropyHist.Record(ctx, entropy, attrs)
	}
	span.SetAttributes(
		attribute.String("decision_id", result.DecisionID),
		attribute.String("selected", result.Selected),
		attribute.String("mode", string(mode)),
		attribute.Float64("entropy", entropy),
	)
	r.logger.Debug("routed",
		zap.String("decision_id", result.DecisionID),
		zap.String("context_type", req.ContextType),
		zap.String("selected", result.Selected),
		zap.String("mode", string(mode)),
		zap.Float64("entropy", entropy),
	)
	return result, nil
}

func validate(req Request) error {
	if len(req.Candidates) == 0 {
		return ErrNoCandidates
	}
	if req.Query == "" && len(req.QueryVector) == 0 {
		return ErrEmptyQuery
	}
	seen := make(map[string]bool, len(req.Candidates))
	for _, c := range req.Candidates {
		if seen[c.ID] {
			return fmt.Errorf("%w: %s", ErrDuplicateCandidate, c.ID)
		}
		seen[c.ID] = true
	}
	return nil
}

// highEntropy applies both the absolute and the normalized threshold. With
// two candidates the maximum entropy is ln 2, so the absolute test alone
// could never trigger.
func (r *Router) highEntropy(h float64, n int) bool {
	if h >= r.cfg.EntropyThreshold {
		return true
	}
	if n < 2 {
		return false
	}
	return h/math.Log(float64(n)) >= r.cfg.NormalizedEntropyThreshold
}

func (r *Router) embed(ctx context.Context, req Request) ([]float32, [][]float32, error) {
	queryVec := req.QueryVector
	if len(queryVec) == 0 {
		v, err := r.embedder.EmbedQuery(ctx, req.Query)
		if err != nil {
			return nil, nil, fmt.Errorf("embedding query: %w", err)
		}
		queryVec = v
	}

	vecs := make([][]float32, len(req.Candidates))
	var missing []int
	var texts []string
	for i, c := range req.Candidates {
		if len(c.Vector) > 0 {
			vecs[i] = c.Vector
			continue
		}
		missing = append(missing, i)
		texts = append(texts, c.Description)
	}
	if len(texts) > 0 {
		embedded, err := r.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			return nil, nil, fmt.Errorf("embedding candidates: %w", err)
		}
		for j, i := range missing {
			vecs[i] = embedded[j]
		}
	}
	return queryVec, vecs, nil
}

// effectiveValue blends the evolved value of c into its base value in
// proportion to confidence. Non-numeric fields switch only above 0.5.
func (r *Router) effectiveValue(ctx context.Context, req Request, c Candidate) evolution.Value {
	if r.store == nil {
		return c.Value.Clone()
	}
	key := evolution.Key{ContextType: req.ContextType, Archetype: req.Archetype, CandidateID: c.ID}
	v, ok, err := r.store.Evolved(ctx, key)
	if err != nil {
		r.logger.Warn("evolved value unavailable", zap.String("key", key.String()), zap.Error(err))
		return c.Value.Clone()
	}
	if !ok || v.SampleCount == 0 {
		return c.Value.Clone()
	}
	return evolution.Blend(c.Value, v.EvolvedValue, v.Confidence, v.Confidence > 0.5)
}

// Digest hashes the query. Callers that only hold a vector get a digest of
// the vector bytes instead.
func Digest(query string, vec []float32) string {
	h := sha256.New()
	if query != "" {
		h.Write([]byte(query))
	} else {
		for _, f := range vec {
			b := math.Float32bits(f)
			h.Write([]byte{byte(b >> 24), byte(b >> 16), byte(b >> 8), byte(b)})
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
