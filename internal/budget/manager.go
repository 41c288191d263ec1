package budget

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/NeuralNinja23/gencode-orchestrator/internal/budget"

// epsilon absorbs float rounding when comparing against the limit.
const epsilon = 1e-9

// tokenSlack absorbs float rounding when converting currency to whole tokens.
const tokenSlack = 1e-6

type runState struct {
	mu           sync.Mutex
	limit        float64
	spent        float64
	reservations map[string]float64
}

func (r *runState) reserved() float64 {
	var sum float64
	for _, v := range r.reservations {
		sum += v
	}
	return sum
}

func reservationKey(step string, attempt int) string {
	return step + "#" + strconv.Itoa(attempt)
}

// Manager tracks budgets for many runs. Each run has its own mutex.
type Manager struct {
	policy  Policy
	emitter EventEmitter
	logger  *zap.Logger

	mu   sync.RWMutex
	runs map[string]*runState

	spentCounter     metric.Float64Counter
	allowanceHist    metric.Int64Histogram
	exhaustedCounter metric.Int64Counter
}

// NewManager creates a Manager. emitter may be nil.
func NewManager(policy Policy, emitter EventEmitter, logger *zap.Logger) (*Manager, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid budget policy: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		policy:  policy,
		emitter: emitter,
		logger:  logger,
		runs:    make(map[string]*runState),
	}
	m.initMetrics()
	return m, nil
}

func (m *Manager) initMetrics() {
	meter := otel.Meter(instrumentationName)
	var err error

	m.spentCounter, err = meter.Float64Counter(
		"gencode.budget.spent",
		metric.WithDescription("Currency recorded against run budgets"),
	)
	if err != nil {
		m.logger.Warn("failed to create spent counter", zap.Error(err))
	}

	m.allowanceHist, err = meter.Int64Histogram(
		"gencode.budget.allowance_tokens",
		metric.WithDescription("Token allowances granted per attempt"),
		metric.WithUnit("{token}"),
		metric.WithExplicitBucketBoundaries(500, 1000, 2000, 4000, 8000, 16000, 32000),
	)
	if err != nil {
		m.logger.Warn("failed to create allowance histogram", zap.Error(err))
	}

	m.exhaustedCounter, err = meter.Int64Counter(
		"gencode.budget.exhausted_total",
		metric.WithDescription("Allowance or record calls refused because the budget was exhausted"),
		metric.WithUnit("{refusal}"),
	)
	if err != nil {
		m.logger.Warn("failed to create exhausted counter", zap.Error(err))
	}
}

// Policy returns the policy in use.
func (m *Manager) Policy() Policy {
	return m.policy
}

// Open starts tracking a run.
func (m *Manager) Open(runID string, limit float64) error {
	return m.open(runID, limit, 0, false)
}

// Restore starts tracking a run with prior spend, replacing any existing state.
func (m *Manager) Restore(runID string, limit, spent float64) error {
	return m.open(runID, limit, spent, true)
}

func (m *Manager) open(runID string, limit, spent float64, replace bool) error {
	if limit <= 0 || math.IsNaN(limit) || math.IsInf(limit, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidLimit, limit)
	}
	if spent < 0 {
		return fmt.Errorf("%w: spent %v", ErrInvalidCost, spent)
	}
	if spent > limit {
		spent = limit
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; ok && !replace {
		return fmt.Errorf("%w: %s", ErrRunExists, runID)
	}
	m.runs[runID] = &runState{limit: limit, spent: spent, reservations: make(map[string]float64)}
	return nil
}

// Close stops tracking a run.
func (m *Manager) Close(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
}

func (m *Manager) run(runID string) (*runState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, nil
}

// Allowance returns the token ceiling for an attempt and reserves its cost.
// A second call for the same step and attempt replaces the earlier reservation.
func (m *Manager) Allowance(ctx context.Context, runID, step string, attempt int) (Allowance, error) {
	r, err := m.run(runID)
	if err != nil {
		return Allowance{}, err
	}

	base := m.policy.BaseTokens(step, attempt)
	perToken := m.policy.costPerToken()
	key := reservationKey(step, attempt)

	r.mu.Lock()
	delete(r.reservations, key)
	remaining := r.limit - r.spent - r.reserved()
	maxTokens := int(math.Floor(remaining/perToken + tokenSlack))
	tokens := base
	capped := false
	if tokens > maxTokens {
		tokens = maxTokens
		capped = true
	}
	if tokens <= 0 {
		r.mu.Unlock()
		if m.exhaustedCounter != nil {
			m.exhaustedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "allowance")))
		}
		return Allowance{}, fmt.Errorf("%w: run %s has %.4f remaining", ErrBudgetExhausted, runID, math.Max(remaining, 0))
	}
	reserved := float64(tokens) * perToken
	if reserved > remaining {
		reserved = remaining
	}
	r.reservations[key] = reserved
	r.mu.Unlock()

	if m.allowanceHist != nil {
		m.allowanceHist.Record(ctx, int64(tokens), metric.WithAttributes(attribute.String("step", step)))
	}
	return Allowance{
		RunID:    runID,
		Step:     step,
		Attempt:  attempt,
		Tokens:   tokens,
		Reserved: reserved,
		Capped:   capped,
	}, nil
}

// Release drops the reservation for an attempt without spending it.
func (m *Manager) Release(runID, step string, attempt int) {
	r, err := m.run(runID)
	if err != nil {
		return
	}
	r.mu.Lock()
	delete(r.reservations, reservationKey(step, attempt))
	r.mu.Unlock()
}

// Record adds an attempt's actual cost to the run and releases its
// reservation. A cost that would exceed the limit clamps spent at the limit
// and returns ErrBudgetExhausted.
func (m *Manager) Record(ctx context.Context, runID, step string, attempt int, cost float64) (Snapshot, error) {
	if cost < 0 || math.IsNaN(cost) {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidCost, cost)
	}
	r, err := m.run(runID)
	if err != nil {
		return Snapshot{}, err
	}

	var events []Event
	var recordErr error

	r.mu.Lock()
	delete(r.reservations, reservationKey(step, attempt))
	before := r.spent
	after := before + cost
	if after > r.limit+epsilon {
		after = r.limit
		recordErr = fmt.Errorf("%w: run %s cost %.4f exceeds remaining %.4f", ErrBudgetExhausted, runID, cost, r.limit-before)
	}
	r.spent = after
	events = m.crossings(runID, before, after, r.limit)
	snap := m.snapshotLocked(runID, r)
	r.mu.Unlock()

	if m.spentCounter != nil {
		m.spentCounter.Add(ctx, after-before, metric.WithAttributes(attribute.String("step", step)))
	}
	if recordErr != nil && m.exhaustedCounter != nil {
		m.exhaustedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "record")))
	}
	m.emit(events)
	return snap, recordErr
}

// crossings returns the threshold events crossed between two spend levels.
func (m *Manager) crossings(runID string, before, after, limit float64) []Event {
	var out []Event
	rb, ra := before/limit, after/limit
	if rb < m.policy.TightThreshold && ra >= m.policy.TightThreshold && ra < m.policy.ExhaustedThreshold {
		out = append(out, Event{Type: EventWarning, RunID: runID, Spent: after, Limit: limit, Ratio: ra})
	}
	if rb < m.policy.ExhaustedThreshold && ra >= m.policy.ExhaustedThreshold {
		out = append(out, Event{Type: EventExhausted, RunID: runID, Spent: after, Limit: limit, Ratio: ra})
	}
	return out
}

func (m *Manager) emit(events []Event) {
	if m.emitter == nil {
		return
	}
	for _, e := range events {
		m.emitter.Emit(e)
	}
}

// Override raises a run's limit. The new limit must exceed current spend.
func (m *Manager) Override(runID string, limit float64) (Snapshot, error) {
	r, err := m.run(runID)
	if err != nil {
		return Snapshot{}, err
	}

	r.mu.Lock()
	if limit <= r.spent || math.IsNaN(limit) || math.IsInf(limit, 0) {
		spent := r.spent
		r.mu.Unlock()
		return Snapshot{}, fmt.Errorf("%w: %v does not exceed spent %.4f", ErrInvalidLimit, limit, spent)
	}
	r.limit = limit
	snap := m.snapshotLocked(runID, r)
	r.mu.Unlock()

	m.logger.Info("budget limit overridden",
		zap.String("run.id", runID),
		zap.Float64("limit", limit),
		zap.Float64("spent", snap.Spent),
	)
	m.emit([]Event{{Type: EventOverride, RunID: runID, Spent: snap.Spent, Limit: limit, Ratio: snap.Spent / limit}})
	return snap, nil
}

// Status returns the current budget snapshot of a run.
func (m *Manager) Status(runID string) (Snapshot, error) {
	r, err := m.run(runID)
	if err != nil {
		return Snapshot{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return m.snapshotLocked(runID, r), nil
}

func (m *Manager) snapshotLocked(runID string, r *runState) Snapshot {
	return Snapshot{
		RunID:    runID,
		Limit:    r.limit,
		Spent:    r.spent,
		Reserved: r.reserved(),
		Status:   m.classify(r.spent, r.limit),
	}
}

func (m *Manager) classify(spent, limit float64) Status {
	ratio := spent / limit
	switch {
	case ratio >= m.policy.ExhaustedThreshold:
		return StatusExhausted
	case ratio >= m.policy.TightThreshold:
		return StatusTight
	default:
		return StatusHealthy
	}
}
