package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/NeuralNinja23/gencode-orchestrator/internal/budget"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/checkpoint"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/events"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/workflow"
)

const instrumentationName = "github.com/NeuralNinja23/gencode-orchestrator/internal/scheduler"

// runEntry is the live state of one run.
type runEntry struct {
	id            string
	archetype     string
	promptContext map[string]string

	mu       sync.Mutex
	snap     *workflow.Snapshot
	inFlight map[string]int
	// policies holds the supervisor-policy decisions consumed by each step,
	// reported once the step settles.
	policies map[string][]string

	// ctx is cancelled to abandon in-flight attempts; bg carries the same
	// values without cancellation for bookkeeping.
	ctx    context.Context
	bg     context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	done     chan struct{}
	doneOnce sync.Once
}

// maybeDoneLocked closes done once the run is terminal and idle.
func (e *runEntry) maybeDoneLocked() {
	if e.snap.Run.Status.IsTerminal() && len(e.inFlight) == 0 {
		e.doneOnce.Do(func() { close(e.done) })
	}
}

// Scheduler runs workflow graphs. It is safe for concurrent use.
type Scheduler struct {
	cfg     Config
	deps    Deps
	logger  *zap.Logger
	limiter *rate.Limiter

	workers *semaphore.Weighted

	mu     sync.RWMutex
	runs   map[string]*runEntry
	closed atomic.Bool

	tracer     trace.Tracer
	meter      metric.Meter
	dispatches metric.Int64Counter
	attempts   metric.Int64Counter
	finished   metric.Int64Counter
	inFlight   metric.Int64UpDownCounter
}

// New creates a scheduler.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Scheduler, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.DispatchRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), cfg.DispatchBurst)
	}

	var workers *semaphore.Weighted
	if cfg.Workers > 0 {
		workers = semaphore.NewWeighted(int64(cfg.Workers))
	}

	s := &Scheduler{
		workers: workers,
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		limiter: limiter,
		runs:    make(map[string]*runEntry),
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *Scheduler) initMetrics() {
	var err error

	s.dispatches, err = s.meter.Int64Counter(
		"gencode.scheduler.dispatches_total",
		metric.WithDescription("Step dispatches to the executor"),
		metric.WithUnit("{dispatch}"),
	)
	if err != nil {
		s.logger.Warn("failed to create dispatch counter", zap.Error(err))
	}

	s.attempts, err = s.meter.Int64Counter(
		"gencode.scheduler.attempts_total",
		metric.WithDescription("Finished attempts by outcome and verdict"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		s.logger.Warn("failed to create attempt counter", zap.Error(err))
	}

	s.finished, err = s.meter.Int64Counter(
		"gencode.scheduler.runs_finished_total",
		metric.WithDescription("Runs reaching a terminal status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		s.logger.Warn("failed to create run counter", zap.Error(err))
	}

	s.inFlight, err = s.meter.Int64UpDownCounter(
		"gencode.scheduler.in_flight_steps",
		metric.WithDescription("Steps currently dispatched"),
		metric.WithUnit("{step}"),
	)
	if err != nil {
		s.logger.Warn("failed to create in-flight counter", zap.Error(err))
	}
}

func (s *Scheduler) isClosed() bool {
	return s.closed.Load()
}

func (s *Scheduler) lookup(runID string) (*runEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.runs[runID]
	return e, ok
}

func (s *Scheduler) newEntry(ctx context.Context, snap *workflow.Snapshot) *runEntry {
	bg := context.WithoutCancel(ctx)
	runCtx, cancel := context.WithCancel(bg)
	pc := make(map[string]string, len(snap.Run.PromptContext))
	for k, v := range snap.Run.PromptContext {
		pc[k] = v
	}
	return &runEntry{
		id:            snap.Run.ID,
		archetype:     snap.Run.Archetype,
		promptContext: pc,
		snap:          snap,
		inFlight:      make(map[string]int),
		policies:      make(map[string][]string),
		ctx:           runCtx,
		bg:            bg,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
}

// Start creates a run, checkpoints it and dispatches its first steps.
func (s *Scheduler) Start(ctx context.Context, req StartRequest) (*workflow.Run, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.start")
	defer span.End()

	g, err := req.graph()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	if err := checkpoint.ValidateRunID(runID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	limit := req.BudgetLimit
	if limit <= 0 {
		limit = s.cfg.DefaultBudget
	}
	span.SetAttributes(attribute.String("run_id", runID), attribute.String("graph", g.Version))

	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := s.runs[runID]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRunExists, runID)
	}
	if _, err := s.deps.Checkpoints.LoadLatest(ctx, runID); err == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRunExists, runID)
	} else if !errors.Is(err, checkpoint.ErrNotFound) {
		s.mu.Unlock()
		return nil, fmt.Errorf("checking checkpoints: %w", err)
	}
	if err := s.deps.Budget.Open(runID, limit); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	now := time.Now().UTC()
	snap := &workflow.Snapshot{
		Run: workflow.Run{
			ID:            runID,
			Status:        workflow.RunRunning,
			GraphVersion:  g.Version,
			Archetype:     req.Archetype,
			BudgetLimit:   limit,
			CreatedAt:     now,
			UpdatedAt:     now,
			PromptContext: req.PromptContext,
		},
		Graph: g,
		Steps: workflow.NewStepStates(&g),
	}
	snap = snap.Copy()
	e := s.newEntry(ctx, snap)
	s.runs[runID] = e
	s.mu.Unlock()

	e.mu.Lock()
	if err := s.save(e, "start"); err != nil {
		e.mu.Unlock()
		s.mu.Lock()
		delete(s.runs, runID)
		s.mu.Unlock()
		s.deps.Budget.Close(runID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "initial checkpoint failed")
		return nil, err
	}
	run := e.snap.Copy().Run
	post := []func(){s.publishFn(e, events.New(events.RunStarted, runID))}
	post = append(post, s.progress(e)...)
	e.mu.Unlock()
	runAll(post)

	s.logger.Info("run started",
		zap.String("run.id", runID),
		zap.String("graph", g.Version),
		zap.String("archetype", req.Archetype),
		zap.Float64("budget_limit", limit),
	)
	return &run, nil
}

// Advance dispatches whatever is runnable. It is safe to call repeatedly.
func (s *Scheduler) Advance(ctx context.Context, runID string) (workflow.RunStatus, error) {
	e, ok := s.lookup(runID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	e.mu.Lock()
	post := s.progress(e)
	status := e.snap.Run.Status
	e.mu.Unlock()
	runAll(post)
	return status, nil
}

// Pause stops new dispatch. In-flight attempts still complete.
func (s *Scheduler) Pause(ctx context.Context, runID string) (workflow.RunStatus, error) {
	e, ok := s.lookup(runID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.snap.Run.Status {
	case workflow.RunPaused:
		return workflow.RunPaused, nil
	case workflow.RunRunning:
	default:
		return e.snap.Run.Status, ErrRunTerminal
	}
	e.snap.Run.Status = workflow.RunPaused
	e.snap.Run.UpdatedAt = time.Now().UTC()
	if err := s.save(e, "pause"); err != nil {
		s.logger.Error("checkpoint failed", zap.String("run.id", runID), zap.Error(err))
	}
	s.publish(e, events.New(events.RunPaused, runID))
	s.logger.Info("run paused", zap.String("run.id", runID))
	return workflow.RunPaused, nil
}

// Resume continues a paused run, or rebuilds an unknown run from its latest
// checkpoint.
func (s *Scheduler) Resume(ctx context.Context, runID string) (workflow.RunStatus, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.resume")
	defer span.End()
	span.SetAttributes(attribute.String("run_id", runID))

	if e, ok := s.lookup(runID); ok {
		return s.resumeLive(e, false), nil
	}
	if s.isClosed() {
		return "", ErrClosed
	}

	cp, err := s.deps.Checkpoints.LoadLatest(ctx, runID)
	if errors.Is(err, checkpoint.ErrNotFound) || errors.Is(err, checkpoint.ErrInvalidRunID) {
		return "", fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "loading checkpoint failed")
		return "", fmt.Errorf("loading checkpoint: %w", err)
	}
	snap := cp.Snapshot.Clone()
	if err := snap.Graph.Validate(); err != nil {
		return "", fmt.Errorf("checkpointed graph: %w", err)
	}

	s.mu.Lock()
	if e, ok := s.runs[runID]; ok {
		s.mu.Unlock()
		return s.resumeLive(e, false), nil
	}
	e := s.newEntry(ctx, snap)
	if snap.Run.Status.IsTerminal() {
		e.maybeDoneLocked()
		s.runs[runID] = e
		s.mu.Unlock()
		return snap.Run.Status, nil
	}
	if err := s.deps.Budget.Restore(runID, snap.Run.BudgetLimit, snap.Run.Spent); err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("restoring budget: %w", err)
	}
	s.runs[runID] = e
	s.mu.Unlock()

	s.logger.Info("run restored from checkpoint",
		zap.String("run.id", runID),
		zap.Uint64("sequence", cp.Sequence),
		zap.Strings("runnable", snap.Runnable()),
	)
	return s.resumeLive(e, true), nil
}

func (s *Scheduler) resumeLive(e *runEntry, restored bool) workflow.RunStatus {
	e.mu.Lock()
	var post []func()
	if !e.snap.Run.Status.IsTerminal() {
		if restored || e.snap.Run.Status == workflow.RunPaused {
			e.snap.Run.Status = workflow.RunRunning
			e.snap.Run.UpdatedAt = time.Now().UTC()
			if err := s.save(e, "resume"); err != nil {
				s.logger.Error("checkpoint failed", zap.String("run.id", e.id), zap.Error(err))
			}
			post = append(post, s.publishFn(e, events.New(events.RunResumed, e.id)))
		}
		post = append(post, s.progress(e)...)
	}
	status := e.snap.Run.Status
	e.mu.Unlock()
	runAll(post)
	return status
}

// Cancel aborts a run. In-flight attempts are abandoned and their results
// discarded.
func (s *Scheduler) Cancel(ctx context.Context, runID string) (workflow.RunStatus, error) {
	e, ok := s.lookup(runID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	e.mu.Lock()
	if e.snap.Run.Status.IsTerminal() {
		status := e.snap.Run.Status
		e.mu.Unlock()
		return status, nil
	}
	e.snap.Run.Failure = &workflow.FailureReport{
		ErrorClass: workflow.ErrorCancelled,
		Message:    "cancelled by user",
	}
	for _, st := range e.snap.Steps {
		if !st.Status.IsTerminal() {
			st.Status = workflow.StepAborted
		}
		st.Attempts = finalAttempts(st.Attempts)
	}
	e.cancel()
	s.finishLocked(e, workflow.RunAborted)
	if err := s.save(e, "cancel"); err != nil {
		s.logger.Error("checkpoint failed", zap.String("run.id", runID), zap.Error(err))
	}
	e.maybeDoneLocked()
	e.mu.Unlock()

	s.publish(e, events.New(events.RunAborted, runID))
	s.logger.Info("run cancelled", zap.String("run.id", runID))
	return workflow.RunAborted, nil
}

// Status returns a copy of the run's snapshot. Runs not loaded in this
// process are read from their latest checkpoint.
func (s *Scheduler) Status(ctx context.Context, runID string) (*workflow.Snapshot, error) {
	if e, ok := s.lookup(runID); ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.snap.Copy(), nil
	}
	cp, err := s.deps.Checkpoints.LoadLatest(ctx, runID)
	if errors.Is(err, checkpoint.ErrNotFound) || errors.Is(err, checkpoint.ErrInvalidRunID) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, err
	}
	return cp.Snapshot, nil
}

// Runnable returns the steps that would be dispatched next, in order.
func (s *Scheduler) Runnable(runID string) ([]string, error) {
	e, ok := s.lookup(runID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap.Runnable(), nil
}

// OverrideBudget raises a run's budget limit and continues dispatch.
func (s *Scheduler) OverrideBudget(ctx context.Context, runID string, limit float64) (budget.Snapshot, error) {
	e, ok := s.lookup(runID)
	if !ok {
		return budget.Snapshot{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	e.mu.Lock()
	if e.snap.Run.Status.IsTerminal() {
		e.mu.Unlock()
		return budget.Snapshot{}, ErrRunTerminal
	}
	snap, err := s.deps.Budget.Override(runID, limit)
	if err != nil {
		e.mu.Unlock()
		return budget.Snapshot{}, err
	}
	e.snap.Run.BudgetLimit = snap.Limit
	e.snap.Run.UpdatedAt = time.Now().UTC()
	if err := s.save(e, "budget override"); err != nil {
		s.logger.Error("checkpoint failed", zap.String("run.id", runID), zap.Error(err))
	}
	post := s.progress(e)
	e.mu.Unlock()
	runAll(post)
	return snap, nil
}

// Budget returns the live budget snapshot of a run.
func (s *Scheduler) Budget(runID string) (budget.Snapshot, error) {
	return s.deps.Budget.Status(runID)
}

// Wait blocks until the run is terminal and no attempt is in flight.
func (s *Scheduler) Wait(ctx context.Context, runID string) (workflow.RunStatus, error) {
	e, ok := s.lookup(runID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	select {
	case <-e.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.snap.Run.Status, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Shutdown stops dispatch and abandons in-flight attempts without touching
// their checkpoints, so every unfinished run can be resumed later.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed.Store(true)
	entries := make([]*runEntry, 0, len(s.runs))
	for _, e := range s.runs {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		// Dispatch happens under e.mu, so no attempt starts after this.
		e.mu.Lock()
		e.cancel()
		e.mu.Unlock()
	}
	waited := make(chan struct{})
	go func() {
		for _, e := range entries {
			_ = e.group.Wait()
		}
		close(waited)
	}()
	select {
	case <-waited:
		s.logger.Info("scheduler stopped", zap.Int("runs", len(entries)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finishLocked moves the run to a terminal status and releases its budget.
func (s *Scheduler) finishLocked(e *runEntry, status workflow.RunStatus) {
	if b, err := s.deps.Budget.Status(e.id); err == nil {
		e.snap.Run.Spent = b.Spent
	}
	e.snap.Run.Status = status
	e.snap.Run.UpdatedAt = time.Now().UTC()
	s.deps.Budget.Close(e.id)
	if s.finished != nil {
		s.finished.Add(e.bg, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
}

// save checkpoints the run. Callers hold e.mu, which keeps sequence order
// equal to transition order.
func (s *Scheduler) save(e *runEntry, reason string) error {
	_, err := s.deps.Checkpoints.Save(e.bg, e.snap, reason)
	return err
}

func (s *Scheduler) publish(e *runEntry, ev events.Event) {
	if err := s.deps.Events.Publish(e.bg, ev); err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("run.id", ev.RunID),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}

func (s *Scheduler) publishFn(e *runEntry, ev events.Event) func() {
	return func() { s.publish(e, ev) }
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

func finalAttempts(in []workflow.Attempt) []workflow.Attempt {
	out := in[:0]
	for _, a := range in {
		if a.Final() {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
