package gate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/NeuralNinja23/gencode-orchestrator/internal/attention"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/evolution"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/workflow"
)

const instrumentationName = "github.com/NeuralNinja23/gencode-orchestrator/internal/gate"

// ErrNoAttempt is returned when Evaluate is called without an attempt.
var ErrNoAttempt = errors.New("attempt is required")

// Policy candidate ids, one per problem nature.
const (
	NatureZeroArtifacts = "zero-artifacts"
	NatureTransient     = "transient-error"
	NatureLowScore      = "low-score"
	NatureStructural    = "structural-violation"
)

var natureQueries = map[string]string{
	NatureZeroArtifacts: "zero artifacts produced",
	NatureTransient:     "agent error or timeout",
	NatureLowScore:      "score below threshold",
	NatureStructural:    "critical structural violation",
}

// Config holds the gate thresholds.
type Config struct {
	// AcceptThreshold is the lowest accepted score (default 7.0).
	AcceptThreshold float64 `koanf:"accept_threshold"`
	// StructuralScoreCap caps the score of attempts with blocking issues (default 5.0).
	StructuralScoreCap float64 `koanf:"structural_score_cap"`
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{AcceptThreshold: 7.0, StructuralScoreCap: 5.0}
}

// PolicyRouter routes the supervisor-policy query.
type PolicyRouter interface {
	Route(ctx context.Context, req attention.Request) (*attention.Result, error)
}

// Policies returns the static supervisor policy candidates.
func Policies() []attention.Candidate {
	return []attention.Candidate{
		{
			ID:          NatureZeroArtifacts,
			Description: "zero artifacts produced, empty output, nothing was generated",
			Value:       evolution.Value{"retries": 3, "force_heal": true, "abort_threshold": 0.0},
		},
		{
			ID:          NatureTransient,
			Description: "agent error or timeout, network failure, no response from the executor",
			Value:       evolution.Value{"retries": 3, "force_heal": false, "abort_threshold": 0.0},
		},
		{
			ID:          NatureLowScore,
			Description: "score below threshold, reviewer rejected weak or incomplete output",
			Value:       evolution.Value{"retries": 3, "force_heal": false, "abort_threshold": 1.0},
		},
		{
			ID:          NatureStructural,
			Description: "critical structural violation, malformed or missing required artifacts",
			Value:       evolution.Value{"retries": 2, "force_heal": true, "abort_threshold": 1.0},
		},
	}
}

func staticPolicy(nature string) Policy {
	for _, c := range Policies() {
		if c.ID == nature {
			return PolicyFromValue(c.Value, Policy{})
		}
	}
	return Policy{Retries: 2}
}

// Supervisor evaluates attempts. It is safe for concurrent use.
type Supervisor struct {
	cfg    Config
	router PolicyRouter
	checks []Check
	logger *zap.Logger

	tracer   trace.Tracer
	verdicts metric.Int64Counter
}

// NewSupervisor creates a supervisor. A nil router uses the static
// policies; nil checks use DefaultChecks.
func NewSupervisor(cfg Config, router PolicyRouter, checks []Check, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultConfig()
	if cfg.AcceptThreshold <= 0 {
		cfg.AcceptThreshold = d.AcceptThreshold
	}
	if cfg.StructuralScoreCap <= 0 {
		cfg.StructuralScoreCap = d.StructuralScoreCap
	}
	if checks == nil {
		checks = DefaultChecks()
	}
	s := &Supervisor{
		cfg:    cfg,
		router: router,
		checks: checks,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
	}
	var err error
	s.verdicts, err = otel.Meter(instrumentationName).Int64Counter(
		"gencode.gate.verdicts_total",
		metric.WithDescription("Gate verdicts by action and cause"),
		metric.WithUnit("{verdict}"),
	)
	if err != nil {
		logger.Warn("failed to create verdict counter", zap.Error(err))
	}
	return s
}

// AcceptThreshold returns the configured accept threshold.
func (s *Supervisor) AcceptThreshold() float64 {
	return s.cfg.AcceptThreshold
}

// Evaluate decides what happens after an attempt.
func (s *Supervisor) Evaluate(ctx context.Context, in Input) (*Verdict, error) {
	if in.Attempt == nil {
		return nil, ErrNoAttempt
	}
	a := in.Attempt

	ctx, span := s.tracer.Start(ctx, "gate.evaluate")
	defer span.End()
	span.SetAttributes(
		attribute.String("step", in.Step.Name),
		attribute.Int("attempt", a.Number),
	)

	errored := a.Outcome == workflow.OutcomeErrored
	progress := len(a.Artifacts) > 0 && (!errored || in.Step.AllowPartial)
	reviewed := progress && in.Review != nil

	v := &Verdict{AllowedAttempts: in.Step.MaxAttempts}
	if progress {
		for _, c := range s.checks {
			v.Issues = append(v.Issues, c.Check(in.Step, a.Artifacts)...)
		}
	}
	if in.Review != nil {
		v.Issues = append(v.Issues, in.Review.Issues...)
	}
	structural := hasBlocking(v.Issues)

	if reviewed {
		score := clampScore(in.Review.Score)
		if structural && score > s.cfg.StructuralScoreCap {
			score = s.cfg.StructuralScoreCap
		}
		v.Score = &score
	}

	switch {
	case in.BudgetExhausted:
		v.Cause = workflow.ErrorBudgetExhausted
		v.AllowedAttempts = a.Number
		if reviewed {
			v.Action = ActionAccept
			v.Reason = "budget exhausted, accepting best available"
		} else {
			s.abort(v, in.Step, "budget exhausted with no reviewed artifacts")
		}
	case reviewed && !structural && *v.Score >= s.cfg.AcceptThreshold:
		v.Action = ActionAccept
		v.Reason = "accepted"
	default:
		s.judge(ctx, in, v, errored, progress, reviewed, structural)
	}

	s.record(ctx, in, v)
	span.SetAttributes(attribute.String("action", string(v.Action)), attribute.String("cause", string(v.Cause)))
	return v, nil
}

// judge applies the policy-driven part of the decision rule. Artifacts the
// reviewer never scored are treated like an agent error.
func (s *Supervisor) judge(ctx context.Context, in Input, v *Verdict, errored, progress, reviewed, structural bool) {
	a := in.Attempt

	var nature string
	switch {
	case !progress && errored:
		nature = NatureTransient
		v.Cause = a.ErrorClass
		if v.Cause == workflow.ErrorNone {
			v.Cause = workflow.ErrorTransientAgent
		}
	case !progress:
		nature = NatureZeroArtifacts
		v.Cause = workflow.ErrorStructuralViolation
	case structural:
		nature = NatureStructural
		v.Cause = workflow.ErrorStructuralViolation
	case !reviewed:
		nature = NatureTransient
		v.Cause = workflow.ErrorTransientAgent
	default:
		nature = NatureLowScore
		v.Cause = workflow.ErrorQualityRejection
	}

	v.Policy, v.PolicyDecisionID = s.policy(ctx, nature, in, v.Issues)
	v.AllowedAttempts = min(in.Step.MaxAttempts, 1+v.Policy.Retries)
	if v.AllowedAttempts < 1 {
		v.AllowedAttempts = 1
	}
	v.RepairText = repairText(a, nature, v)

	switch {
	case v.Score != nil && *v.Score < v.Policy.AbortThreshold:
		s.abort(v, in.Step, fmt.Sprintf("score %.2f below abort threshold %.2f", *v.Score, v.Policy.AbortThreshold))
	case a.Number >= v.AllowedAttempts:
		s.abort(v, in.Step, fmt.Sprintf("%s after %d of %d attempts", nature, a.Number, v.AllowedAttempts))
	case nature == NatureLowScore || nature == NatureStructural || v.Policy.ForceHeal:
		v.Action = ActionHeal
		v.Reason = nature
	default:
		v.Action = ActionRetry
		v.Reason = nature
	}
}

func (s *Supervisor) abort(v *Verdict, step workflow.Step, reason string) {
	v.Action = ActionAbort
	v.Reason = reason
	if step.IsCritical() {
		v.ErrorClass = workflow.ErrorCriticalStepFailure
	} else {
		v.ErrorClass = workflow.ErrorBestEffortStepFailure
	}
}

// policy routes the supervisor policy for nature, falling back to the
// static candidate value when routing is unavailable.
func (s *Supervisor) policy(ctx context.Context, nature string, in Input, issues []Issue) (Policy, string) {
	def := staticPolicy(nature)
	if s.router == nil {
		return def, ""
	}

	var b strings.Builder
	b.WriteString(natureQueries[nature])
	for i, issue := range issues {
		if i == 3 {
			break
		}
		b.WriteString("\n")
		b.WriteString(issue.Message)
	}

	res, err := s.router.Route(ctx, attention.Request{
		Query:       b.String(),
		ContextType: ContextPolicy,
		Archetype:   in.Archetype,
		Candidates:  Policies(),
	})
	if err != nil {
		s.logger.Warn("supervisor policy routing failed, using static policy",
			zap.String("nature", nature), zap.Error(err))
		return def, ""
	}
	return PolicyFromValue(res.Value, def), res.DecisionID
}

func (s *Supervisor) record(ctx context.Context, in Input, v *Verdict) {
	if s.verdicts != nil {
		s.verdicts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("action", string(v.Action)),
			attribute.String("cause", string(v.Cause)),
		))
	}
	fields := []zap.Field{
		zap.String("step", in.Step.Name),
		zap.Int("attempt", in.Attempt.Number),
		zap.String("action", string(v.Action)),
		zap.String("reason", v.Reason),
	}
	if v.Score != nil {
		fields = append(fields, zap.Float64("score", *v.Score))
	}
	s.logger.Debug("gate verdict", fields...)
}

func repairText(a *workflow.Attempt, nature string, v *Verdict) string {
	var parts []string
	if a.Error != "" {
		parts = append(parts, a.Error)
	}
	for _, issue := range v.Issues {
		if issue.Path != "" {
			parts = append(parts, issue.Path+": "+issue.Message)
		} else {
			parts = append(parts, issue.Message)
		}
	}
	if len(parts) == 0 {
		if v.Score != nil {
			return fmt.Sprintf("%s: score %.1f", natureQueries[nature], *v.Score)
		}
		return natureQueries[nature]
	}
	return strings.Join(parts, "\n")
}

func hasBlocking(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity.Blocking() {
			return true
		}
	}
	return false
}

func clampScore(s float64) float64 {
	switch {
	case s < 0:
		return 0
	case s > 10:
		return 10
	default:
		return s
	}
}
