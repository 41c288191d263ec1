package repair

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/NeuralNinja23/gencode-orchestrator/internal/attention"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/embeddings"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/evolution"
)

const instrumentationName = "github.com/NeuralNinja23/gencode-orchestrator/internal/repair"

// Config gates escalation.
type Config struct {
	// TransformationalEnabled opts into the third tier.
	TransformationalEnabled bool `koanf:"transformational_enabled"`
	// Sandboxed declares that the executor runs in an isolated sandbox.
	Sandboxed bool `koanf:"sandboxed"`
	// AutoApproveMutations approves transformational proposals without an
	// operator. Off by default; the two switches above only make tier 3
	// reachable.
	AutoApproveMutations bool `koanf:"auto_approve_mutations"`
	// PatternMinSimilarity filters cross-archetype patterns (default 0.75).
	PatternMinSimilarity float64 `koanf:"pattern_min_similarity"`
	// PatternLimit caps blended patterns (default 3).
	PatternLimit int `koanf:"pattern_limit"`
}

// DefaultConfig returns the defaults: transformational repairs disabled.
func DefaultConfig() Config {
	return Config{PatternMinSimilarity: 0.75, PatternLimit: 3}
}

// PatternSearcher finds successful decisions near a query vector.
type PatternSearcher interface {
	SearchSimilar(ctx context.Context, q evolution.PatternQuery) ([]evolution.Pattern, error)
}

// Router decides repairs. It is safe for concurrent use.
type Router struct {
	cfg        Config
	attention  *attention.Router
	embedder   embeddings.Embedder
	patterns   PatternSearcher
	classifier *Classifier
	candidates []attention.Candidate
	logger     *zap.Logger

	tracer  trace.Tracer
	counter metric.Int64Counter
}

// NewRouter creates a repair router. patterns may be nil, in which case the
// exploratory tier blends nothing extra.
func NewRouter(cfg Config, router *attention.Router, embedder embeddings.Embedder, patterns PatternSearcher, logger *zap.Logger) (*Router, error) {
	if router == nil {
		return nil, errors.New("attention router is required")
	}
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultConfig()
	if cfg.PatternMinSimilarity <= 0 {
		cfg.PatternMinSimilarity = d.PatternMinSimilarity
	}
	if cfg.PatternLimit <= 0 {
		cfg.PatternLimit = d.PatternLimit
	}

	r := &Router{
		cfg:        cfg,
		attention:  router,
		embedder:   embedder,
		patterns:   patterns,
		classifier: NewClassifier(),
		candidates: Strategies(),
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
	}

	var err error
	r.counter, err = otel.Meter(instrumentationName).Int64Counter(
		"gencode.repair.decisions_total",
		metric.WithDescription("Repair decisions, labeled by tier and error category"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		logger.Warn("failed to create repair counter", zap.Error(err))
	}
	return r, nil
}

// Strategies returns the static repair candidate set.
func Strategies() []attention.Candidate {
	return []attention.Candidate{
		{
			ID:          "syntax-fix",
			Description: "syntax error, unexpected token, parse failure, unterminated string or bracket",
			Value:       evolution.Value{"max_edits": 2, "apply_diff": true, "mode": "minimal"},
		},
		{
			ID:          "dependency-fix",
			Description: "missing module, unresolved import, package not found, dependency version mismatch",
			Value:       evolution.Value{"max_edits": 3, "apply_diff": true, "mode": "manifest"},
		},
		{
			ID:          "type-fix",
			Description: "type error, incompatible types, undefined attribute or symbol",
			Value:       evolution.Value{"max_edits": 4, "apply_diff": true, "mode": "targeted"},
		},
		{
			ID:          "logic-fix",
			Description: "wrong result, incorrect behaviour, failing assertion, broken control flow",
			Value:       evolution.Value{"max_edits": 8, "apply_diff": false, "mode": "rewrite"},
		},
		{
			ID:          "quality-fix",
			Description: "low review score, incomplete output, missing files or features, poor structure",
			Value:       evolution.Value{"max_edits": 10, "apply_diff": false, "mode": "regenerate"},
		},
	}
}

// DecideRepair picks a strategy for errorText at the tier implied by retryCount.
func (r *Router) DecideRepair(ctx context.Context, errorText, archetype string, retryCount int) (*Decision, error) {
	tier := TierFor(retryCount, r.cfg.TransformationalEnabled && r.cfg.Sandboxed)
	category := r.classifier.Classify(errorText)

	ctx, span := r.tracer.Start(ctx, "repair.decide")
	defer span.End()
	span.SetAttributes(
		attribute.String("tier", string(tier)),
		attribute.String("category", string(category)),
		attribute.Int("retry_count", retryCount),
	)

	query := "category: " + string(category) + "\n" + errorText
	queryVec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return nil, fmt.Errorf("embedding error text: %w", err)
	}

	req := attention.Request{
		Query:       query,
		QueryVector: queryVec,
		ContextType: ContextRepair,
		Archetype:   archetype,
		Candidates:  append([]attention.Candidate(nil), r.candidates...),
	}

	if tier != TierStandard {
		req.Candidates, req.SourceArchetypes = r.withPatterns(ctx, req.Candidates, queryVec, archetype)
		req.ForceCombinational = len(req.SourceArchetypes) > 0
	}

	res, err := r.attention.Route(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "routing failed")
		return nil, fmt.Errorf("routing repair: %w", err)
	}

	d := &Decision{
		DecisionID:       res.DecisionID,
		Tier:             tier,
		Category:         category,
		Strategy:         res.Selected,
		Mode:             string(res.Mode),
		Weights:          res.Weights,
		Value:            res.Value,
		SourceArchetypes: req.SourceArchetypes,
	}

	if tier == TierTransformational {
		if err := r.proposeMutation(ctx, d, errorText, archetype, queryVec); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "mutation failed")
			return nil, err
		}
	}

	if r.counter != nil {
		r.counter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tier", string(tier)),
			attribute.String("category", string(category)),
		))
	}
	r.logger.Debug("repair decided",
		zap.String("decision_id", d.DecisionID),
		zap.String("tier", string(tier)),
		zap.String("category", string(category)),
		zap.String("strategy", d.Strategy),
		zap.Strings("source_archetypes", d.SourceArchetypes),
	)
	return d, nil
}

// withPatterns appends successful patterns from other archetypes.
func (r *Router) withPatterns(ctx context.Context, cands []attention.Candidate, queryVec []float32, archetype string) ([]attention.Candidate, []string) {
	if r.patterns == nil {
		return cands, nil
	}
	found, err := r.patterns.SearchSimilar(ctx, evolution.PatternQuery{
		Vector:           queryVec,
		ContextType:      ContextRepair,
		ExcludeArchetype: archetype,
		MinSimilarity:    r.cfg.PatternMinSimilarity,
		Limit:            r.cfg.PatternLimit,
	})
	if err != nil {
		r.logger.Warn("pattern search failed", zap.Error(err))
		return cands, nil
	}

	seen := map[string]bool{}
	var sources []string
	for _, p := range found {
		if len(p.Vector) == 0 {
			continue
		}
		cands = append(cands, attention.Candidate{
			ID:     "pattern:" + p.DecisionID,
			Vector: p.Vector,
			Value:  p.Value,
		})
		if !seen[p.Archetype] {
			seen[p.Archetype] = true
			sources = append(sources, p.Archetype)
		}
	}
	sort.Strings(sources)
	return cands, sources
}

var (
	dropPattern = regexp.MustCompile(`(?i)(?:strict|validation|validator|schema|lint|type\s*check)`)
	addPattern  = regexp.MustCompile(`(?i)(?:import|not\s+allowed|forbidden|module\s+not\s+found|no\s+module\s+named|permission\s+denied)`)
)

// SelectOperator chooses a mutation operator by keyword.
func SelectOperator(errorText string) Operator {
	switch {
	case dropPattern.MatchString(errorText):
		return OperatorDrop
	case addPattern.MatchString(errorText):
		return OperatorAdd
	default:
		return OperatorVary
	}
}

// Mutate applies op to base and returns the proposed value.
func Mutate(op Operator, base evolution.Value) evolution.Value {
	out := base.Clone()
	if out == nil {
		out = evolution.Value{}
	}
	switch op {
	case OperatorDrop:
		out["strict"] = false
		out["validation"] = "relaxed"
	case OperatorAdd:
		out["allow_extra_imports"] = true
	case OperatorVary:
		diff, _ := out["apply_diff"].(bool)
		out["apply_diff"] = !diff
		edits, ok := evolution.Number(out["max_edits"])
		if !ok || edits <= 0 {
			edits = 1
		}
		out["max_edits"] = int(edits) * 2
	}
	return out
}

// proposeMutation attaches a transformational proposal to d and records it
// as its own routing decision so the operator's success is learned.
func (r *Router) proposeMutation(ctx context.Context, d *Decision, errorText, archetype string, queryVec []float32) error {
	op := SelectOperator(errorText)
	proposed := Mutate(op, d.Value)

	res, err := r.attention.Route(ctx, attention.Request{
		Query:       "mutation: " + string(op) + "\n" + errorText,
		QueryVector: queryVec,
		ContextType: ContextMutation,
		Archetype:   archetype,
		Candidates: []attention.Candidate{{
			ID:     "mutation:" + string(op),
			Vector: queryVec,
			Value:  proposed,
		}},
	})
	if err != nil {
		return fmt.Errorf("recording mutation: %w", err)
	}

	d.Operator = op
	d.Proposed = res.Value
	d.MutationID = res.DecisionID
	d.RequiresApproval = true
	return nil
}
