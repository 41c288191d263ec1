package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/NeuralNinja23/gencode-orchestrator/internal/agent"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/budget"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/evolution"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/events"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/gate"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/repair"
	"github.com/NeuralNinja23/gencode-orchestrator/internal/workflow"
)

// dispatch is one attempt handed to a worker goroutine.
type dispatch struct {
	step      workflow.Step
	req       agent.ExecuteRequest
	repairID  string
	mutateID  string
	startedAt time.Time
}

// progress unblocks, skips, dispatches and completes. Callers hold e.mu;
// the returned actions must run after it is released.
func (s *Scheduler) progress(e *runEntry) []func() {
	var post []func()
	if e.snap.Run.Status.IsTerminal() {
		return post
	}
	workflow.Unblock(&e.snap.Graph, e.snap.Steps)
	if e.snap.Run.Status != workflow.RunRunning || s.isClosed() {
		return post
	}

	exhausted := false
	if b, err := s.deps.Budget.Status(e.id); err == nil {
		e.snap.Run.Spent = b.Spent
		exhausted = b.Status == budget.StatusExhausted
	}

	changed := false
	if exhausted {
		for _, name := range e.snap.Runnable() {
			step, _ := e.snap.Graph.Step(name)
			if step.IsCritical() {
				continue
			}
			e.snap.Steps[name].Status = workflow.StepSkipped
			changed = true
			post = append(post, s.stepEvent(e, events.StepSkipped, name, 0, map[string]any{
				"reason": string(workflow.ErrorBudgetExhausted),
			}))
			s.logger.Info("step skipped, budget exhausted",
				zap.String("run.id", e.id), zap.String("step.name", name))
		}
		if changed {
			return append(post, s.settle(e)...)
		}
	}

	if s.allTerminal(e) && len(e.inFlight) == 0 {
		return append(post, s.completeRun(e)...)
	}

	for _, name := range e.snap.Runnable() {
		if len(e.inFlight) >= s.cfg.MaxConcurrentSteps {
			break
		}
		step, _ := e.snap.Graph.Step(name)
		st := e.snap.Steps[name]
		number := len(st.Attempts) + 1

		if number > step.MaxAttempts {
			if step.IsCritical() {
				return append(post, s.failRun(e, name, lastScore(st), workflow.ErrorCriticalStepFailure,
					fmt.Sprintf("step %s exhausted %d attempts", name, step.MaxAttempts))...)
			}
			st.Status = workflow.StepSkipped
			changed = true
			post = append(post, s.stepEvent(e, events.StepSkipped, name, 0, nil))
			continue
		}

		allowance, err := s.deps.Budget.Allowance(e.bg, e.id, name, number)
		if err != nil {
			if !errors.Is(err, budget.ErrBudgetExhausted) {
				s.logger.Error("allowance failed",
					zap.String("run.id", e.id), zap.String("step.name", name), zap.Error(err))
				break
			}
			if !step.IsCritical() {
				st.Status = workflow.StepSkipped
				changed = true
				post = append(post, s.stepEvent(e, events.StepSkipped, name, 0, map[string]any{
					"reason": string(workflow.ErrorBudgetExhausted),
				}))
				continue
			}
			if idx := bestAttempt(st); idx >= 0 {
				st.Status = workflow.StepAccepted
				changed = true
				post = append(post, s.persistLate(e, step, idx))
				post = append(post, s.stepEvent(e, events.StepAccepted, name, st.Attempts[idx].Number, map[string]any{
					"reason": "best available after budget exhausted",
				}))
				post = append(post, s.policyOutcomes(e, name, evolution.OutcomePartial)...)
				continue
			}
			return append(post, s.failRun(e, name, lastScore(st), workflow.ErrorBudgetExhausted,
				"budget exhausted before the step produced an acceptable attempt")...)
		}

		d := dispatch{
			step:      step,
			repairID:  st.PendingRepair,
			mutateID:  st.PendingMutation,
			startedAt: time.Now().UTC(),
			req: agent.ExecuteRequest{
				RunID:          e.id,
				Step:           name,
				Attempt:        number,
				PromptContext:  e.promptContext,
				TokenAllowance: allowance.Tokens,
				RepairHint:     st.RepairHint,
			},
		}
		st.Status = workflow.StepInFlight
		st.Attempts = append(st.Attempts, workflow.Attempt{
			Number:             number,
			Allowance:          allowance.Tokens,
			Outcome:            workflow.OutcomePending,
			RepairDecisionID:   d.repairID,
			MutationDecisionID: d.mutateID,
			StartedAt:          d.startedAt,
		})
		e.inFlight[name] = number
		e.group.Go(func() error {
			s.runAttempt(e, d)
			return nil
		})

		if s.dispatches != nil {
			s.dispatches.Add(e.bg, 1, metric.WithAttributes(attribute.String("step", name)))
		}
		post = append(post, s.stepEvent(e, events.StepDispatched, name, number, map[string]any{
			"token_allowance": allowance.Tokens,
			"capped":          allowance.Capped,
		}))
		s.logger.Debug("step dispatched",
			zap.String("run.id", e.id),
			zap.String("step.name", name),
			zap.Int("attempt", number),
			zap.Int("token_allowance", allowance.Tokens),
		)
		changed = true
	}

	if changed {
		return append(post, s.settle(e)...)
	}
	if len(e.inFlight) == 0 && len(e.snap.Runnable()) == 0 && !s.allTerminal(e) {
		return append(post, s.failRun(e, "", nil, workflow.ErrorCriticalStepFailure,
			"no step can make progress")...)
	}
	return post
}

// settle checkpoints a transition and continues progress from it.
func (s *Scheduler) settle(e *runEntry) []func() {
	if err := s.save(e, "transition"); err != nil {
		s.logger.Error("checkpoint failed", zap.String("run.id", e.id), zap.Error(err))
	}
	return s.progress(e)
}

func (s *Scheduler) allTerminal(e *runEntry) bool {
	for _, st := range e.snap.Steps {
		if !st.Status.IsTerminal() {
			return false
		}
	}
	return true
}

func (s *Scheduler) completeRun(e *runEntry) []func() {
	s.finishLocked(e, workflow.RunCompleted)
	if err := s.save(e, "completed"); err != nil {
		s.logger.Error("checkpoint failed", zap.String("run.id", e.id), zap.Error(err))
	}
	e.maybeDoneLocked()
	s.logger.Info("run completed",
		zap.String("run.id", e.id),
		zap.Float64("spent", e.snap.Run.Spent),
	)
	ev := events.New(events.RunCompleted, e.id)
	ev.Data = map[string]any{"spent": e.snap.Run.Spent}
	return []func(){s.publishFn(e, ev)}
}

// failRun fails the run, aborts every unfinished step and abandons in-flight
// attempts.
func (s *Scheduler) failRun(e *runEntry, step string, score *float64, class workflow.ErrorClass, msg string) []func() {
	e.snap.Run.Failure = &workflow.FailureReport{
		Step:       step,
		LastScore:  score,
		ErrorClass: class,
		Message:    workflow.SanitizeError(msg),
	}
	for _, st := range e.snap.Steps {
		if !st.Status.IsTerminal() {
			st.Status = workflow.StepAborted
		}
		st.Attempts = finalAttempts(st.Attempts)
	}
	e.cancel()
	s.finishLocked(e, workflow.RunFailed)
	if err := s.save(e, "failed"); err != nil {
		s.logger.Error("checkpoint failed", zap.String("run.id", e.id), zap.Error(err))
	}
	e.maybeDoneLocked()
	s.logger.Warn("run failed",
		zap.String("run.id", e.id),
		zap.String("step.name", step),
		zap.String("error_class", string(class)),
		zap.String("reason", msg),
	)
	ev := events.New(events.RunFailed, e.id)
	ev.Step = step
	ev.Data = map[string]any{"error_class": string(class), "message": e.snap.Run.Failure.Message}
	if score != nil {
		ev.Data["last_score"] = *score
	}
	return []func(){s.publishFn(e, ev)}
}

// runAttempt executes, reviews and judges one attempt without holding e.mu.
func (s *Scheduler) runAttempt(e *runEntry, d dispatch) {
	ctx, span := s.tracer.Start(e.ctx, "scheduler.attempt", trace.WithAttributes(
		attribute.String("run_id", e.id),
		attribute.String("step", d.step.Name),
		attribute.Int("attempt", d.req.Attempt),
	))
	defer span.End()

	if s.inFlight != nil {
		s.inFlight.Add(e.bg, 1)
		defer s.inFlight.Add(e.bg, -1)
	}
	log := s.logger.With(
		zap.String("run.id", e.id),
		zap.String("step.name", d.step.Name),
		zap.Int("attempt", d.req.Attempt),
	)

	if err := s.limiter.Wait(ctx); err != nil {
		s.abandon(e, d)
		return
	}
	if s.workers != nil {
		if err := s.workers.Acquire(ctx, 1); err != nil {
			s.abandon(e, d)
			return
		}
		defer s.workers.Release(1)
	}

	stepCtx, cancel := context.WithTimeout(ctx, s.cfg.StepTimeout)
	defer cancel()

	a := workflow.Attempt{
		Number:             d.req.Attempt,
		Allowance:          d.req.TokenAllowance,
		RepairDecisionID:   d.repairID,
		MutationDecisionID: d.mutateID,
		StartedAt:          d.startedAt,
	}

	res, err := s.deps.Executor.Execute(stepCtx, d.req)
	if e.ctx.Err() != nil {
		s.abandon(e, d)
		return
	}
	rawErr := ""
	switch {
	case err != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded):
		rawErr = fmt.Sprintf("step timed out after %s", s.cfg.StepTimeout)
	case err != nil:
		rawErr = err.Error()
	case res == nil:
		rawErr = "executor returned no result"
	case res.RawError != "":
		rawErr = res.RawError
	}
	if res != nil {
		a.Artifacts = res.Artifacts
		a.InputTokens = res.InputTokens
		a.OutputTokens = res.OutputTokens
		a.Cost = res.Cost
	}
	if rawErr != "" {
		a.Outcome = workflow.OutcomeErrored
		a.ErrorClass = workflow.ErrorTransientAgent
		a.Error = workflow.SanitizeError(rawErr)
		span.RecordError(errors.New(a.Error))
		log.Warn("attempt errored", zap.String("error", a.Error), zap.Int("artifacts", len(a.Artifacts)))
	}

	if a.Cost < 0 {
		log.Warn("executor reported negative cost", zap.Float64("cost", a.Cost))
		a.Cost = 0
	}
	exhausted := false
	b, err := s.deps.Budget.Record(e.bg, e.id, d.step.Name, a.Number, a.Cost)
	switch {
	case errors.Is(err, budget.ErrBudgetExhausted):
		exhausted = true
		log.Warn("attempt cost exceeded the remaining budget", zap.Float64("cost", a.Cost))
	case err != nil:
		log.Warn("failed to record cost", zap.Error(err))
	default:
		exhausted = b.Status == budget.StatusExhausted
	}

	var review *gate.Review
	progressed := len(a.Artifacts) > 0 && (a.Outcome != workflow.OutcomeErrored || d.step.AllowPartial)
	if progressed {
		review, err = s.deps.Reviewer.Review(stepCtx, agent.ReviewRequest{
			RunID:     e.id,
			Step:      d.step.Name,
			Artifacts: a.Artifacts,
		})
		if e.ctx.Err() != nil {
			s.abandon(e, d)
			return
		}
		if err == nil && review == nil {
			err = errors.New("reviewer returned no review")
		}
		if err != nil {
			msg := err.Error()
			if errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
				msg = fmt.Sprintf("step timed out after %s", s.cfg.StepTimeout)
			}
			review = nil
			a.Outcome = workflow.OutcomeErrored
			a.ErrorClass = workflow.ErrorTransientAgent
			a.Error = workflow.SanitizeError("review failed: " + msg)
			log.Warn("review failed", zap.Error(err))
		}
	}

	verdict, err := s.deps.Gate.Evaluate(e.bg, gate.Input{
		Archetype:       e.archetype,
		Step:            d.step,
		Attempt:         &a,
		Review:          review,
		BudgetExhausted: exhausted,
	})
	if err != nil {
		log.Error("gate evaluation failed", zap.Error(err))
		span.RecordError(err)
		verdict = fallbackVerdict(d.step, a.Number)
	}

	a.QualityScore = verdict.Score
	a.Verdict = string(verdict.Action)
	a.PolicyDecisionID = verdict.PolicyDecisionID
	switch {
	case verdict.Action == gate.ActionAccept:
		a.Outcome = workflow.OutcomeAccepted
	case a.Outcome != workflow.OutcomeErrored:
		a.Outcome = workflow.OutcomeRejected
	}
	if verdict.Action != gate.ActionAccept && a.ErrorClass == workflow.ErrorNone {
		a.ErrorClass = verdict.Cause
	}

	if verdict.Action == gate.ActionAccept && s.deps.Persister != nil {
		a.Persisted, a.Rejected = s.persist(e, d.step.Name, a.Artifacts, log)
	}

	var rd *repair.Decision
	if verdict.Action == gate.ActionHeal && s.deps.Repair != nil {
		rd, err = s.deps.Repair.DecideRepair(e.bg, verdict.RepairText, e.archetype, a.Number)
		if err != nil {
			log.Warn("repair routing failed, retrying without a hint", zap.Error(err))
			rd = nil
		}
		if rd != nil && rd.RequiresApproval && s.deps.Approver != nil &&
			s.deps.Approver.ApproveMutation(e.bg, e.id, d.step.Name, rd) {
			if _, err := rd.Approve(); err != nil {
				log.Warn("mutation approval failed", zap.Error(err))
			}
		}
	}

	a.CompletedAt = time.Now().UTC()
	if verdict.Action == gate.ActionAbort {
		span.SetStatus(codes.Error, verdict.Reason)
	}
	if s.attempts != nil {
		s.attempts.Add(e.bg, 1, metric.WithAttributes(
			attribute.String("outcome", string(a.Outcome)),
			attribute.String("verdict", string(verdict.Action)),
		))
	}
	log.Info("attempt finished",
		zap.String("outcome", string(a.Outcome)),
		zap.String("verdict", string(verdict.Action)),
		zap.String("reason", verdict.Reason),
		zap.Float64("cost", a.Cost),
	)
	s.complete(e, d.step, a, verdict, rd)
}

// persist hands accepted artifacts to the persister. A failed call marks
// every artifact rejected.
func (s *Scheduler) persist(e *runEntry, step string, artifacts []workflow.Artifact, log *zap.Logger) (written, rejected []string) {
	res, err := s.deps.Persister.Persist(e.bg, agent.PersistRequest{RunID: e.id, Step: step, Artifacts: artifacts})
	if err != nil {
		log.Warn("persisting artifacts failed", zap.Error(err))
		for _, art := range artifacts {
			rejected = append(rejected, art.Path)
		}
		return nil, rejected
	}
	if len(res.Rejected) > 0 {
		log.Warn("persister rejected artifacts", zap.Strings("paths", res.Rejected))
	}
	return res.Written, res.Rejected
}

// persistLate persists a previously rejected attempt accepted as the best
// available one.
func (s *Scheduler) persistLate(e *runEntry, step workflow.Step, idx int) func() {
	artifacts := append([]workflow.Artifact(nil), e.snap.Steps[step.Name].Attempts[idx].Artifacts...)
	return func() {
		if s.deps.Persister == nil {
			return
		}
		log := s.logger.With(zap.String("run.id", e.id), zap.String("step.name", step.Name))
		written, rejected := s.persist(e, step.Name, artifacts, log)

		e.mu.Lock()
		defer e.mu.Unlock()
		st := e.snap.Steps[step.Name]
		if idx < len(st.Attempts) {
			st.Attempts[idx].Persisted = written
			st.Attempts[idx].Rejected = rejected
			if err := s.save(e, "persisted"); err != nil {
				log.Error("checkpoint failed", zap.Error(err))
			}
		}
	}
}

// abandon drops an attempt whose run was cancelled or shut down.
func (s *Scheduler) abandon(e *runEntry, d dispatch) {
	s.deps.Budget.Release(e.id, d.step.Name, d.req.Attempt)
	e.mu.Lock()
	if e.inFlight[d.step.Name] == d.req.Attempt {
		delete(e.inFlight, d.step.Name)
	}
	e.maybeDoneLocked()
	e.mu.Unlock()
	s.logger.Debug("attempt abandoned",
		zap.String("run.id", e.id),
		zap.String("step.name", d.step.Name),
		zap.Int("attempt", d.req.Attempt),
	)
}

// complete applies a judged attempt to the run.
func (s *Scheduler) complete(e *runEntry, step workflow.Step, a workflow.Attempt, v *gate.Verdict, rd *repair.Decision) {
	e.mu.Lock()
	if e.inFlight[step.Name] == a.Number {
		delete(e.inFlight, step.Name)
	}
	if e.snap.Run.Status.IsTerminal() || e.ctx.Err() != nil || s.isClosed() {
		e.maybeDoneLocked()
		e.mu.Unlock()
		return
	}

	st := e.snap.Steps[step.Name]
	prev := lastScore(st)
	if n := len(st.Attempts); n > 0 && st.Attempts[n-1].Number == a.Number {
		st.Attempts[n-1] = a
	} else {
		st.Attempts = append(st.Attempts, a)
	}
	if a.PolicyDecisionID != "" {
		e.policies[step.Name] = append(e.policies[step.Name], a.PolicyDecisionID)
	}

	var post []func()
	post = append(post, s.repairOutcomes(e, a, v, prev)...)

	switch v.Action {
	case gate.ActionAccept:
		st.Status = workflow.StepAccepted
		st.PendingRepair, st.PendingMutation, st.RepairHint = "", "", nil
		post = append(post, s.policyOutcomes(e, step.Name, evolution.OutcomeSuccess)...)
		data := map[string]any{"persisted": len(a.Persisted)}
		if a.QualityScore != nil {
			data["score"] = *a.QualityScore
		}
		post = append(post, s.stepEvent(e, events.StepAccepted, step.Name, a.Number, data))

	case gate.ActionRetry, gate.ActionHeal:
		st.Status = workflow.StepRunnable
		st.PendingRepair, st.PendingMutation, st.RepairHint = "", "", nil
		if rd != nil {
			st.PendingRepair = rd.DecisionID
			st.RepairHint = rd.Hint()
			if rd.Approved {
				st.PendingMutation = rd.MutationID
			}
		}
		data := map[string]any{"action": string(v.Action), "cause": string(v.Cause)}
		if a.QualityScore != nil {
			data["score"] = *a.QualityScore
		}
		if rd != nil {
			data["repair_tier"] = string(rd.Tier)
			data["repair_strategy"] = rd.Strategy
		}
		post = append(post, s.stepEvent(e, events.StepRetrying, step.Name, a.Number, data))

	case gate.ActionAbort:
		post = append(post, s.policyOutcomes(e, step.Name, evolution.OutcomeFailure)...)
		if step.IsCritical() {
			st.Status = workflow.StepRejected
			msg := v.Reason
			if a.Error != "" {
				msg = a.Error
			}
			post = append(post, s.stepEvent(e, events.StepAborted, step.Name, a.Number, map[string]any{
				"error_class": string(v.ErrorClass),
			}))
			post = append(post, s.failRun(e, step.Name, a.QualityScore, v.ErrorClass, msg)...)
			e.mu.Unlock()
			runAll(post)
			return
		}
		st.Status = workflow.StepSkipped
		post = append(post, s.stepEvent(e, events.StepSkipped, step.Name, a.Number, map[string]any{
			"error_class": string(v.ErrorClass),
			"reason":      v.Reason,
		}))
	}

	if b, err := s.deps.Budget.Status(e.id); err == nil {
		e.snap.Run.Spent = b.Spent
	}
	if err := s.save(e, "attempt"); err != nil {
		s.logger.Error("checkpoint failed", zap.String("run.id", e.id), zap.Error(err))
	}
	post = append(post, s.progress(e)...)
	e.maybeDoneLocked()
	e.mu.Unlock()
	runAll(post)
}

// repairOutcomes scores the repair decisions that fed an attempt: accepted
// is a success, an improved score is partial, anything else a failure.
func (s *Scheduler) repairOutcomes(e *runEntry, a workflow.Attempt, v *gate.Verdict, prev *float64) []func() {
	if s.deps.Outcomes == nil {
		return nil
	}
	outcome := evolution.OutcomeFailure
	switch {
	case v.Action == gate.ActionAccept:
		outcome = evolution.OutcomeSuccess
	case a.QualityScore != nil && prev != nil && *a.QualityScore > *prev:
		outcome = evolution.OutcomePartial
	}
	var post []func()
	for _, id := range []string{a.RepairDecisionID, a.MutationDecisionID} {
		if id == "" {
			continue
		}
		post = append(post, s.reportFn(e, evolution.OutcomeReport{
			DecisionID: id,
			Outcome:    outcome,
			Score:      a.QualityScore,
			Details:    map[string]any{"attempt": a.Number, "verdict": string(v.Action)},
		}))
	}
	return post
}

// policyOutcomes scores every supervisor-policy decision consumed by a step
// once the step settles.
func (s *Scheduler) policyOutcomes(e *runEntry, step string, outcome evolution.Outcome) []func() {
	ids := e.policies[step]
	delete(e.policies, step)
	if s.deps.Outcomes == nil {
		return nil
	}
	post := make([]func(), 0, len(ids))
	for _, id := range ids {
		post = append(post, s.reportFn(e, evolution.OutcomeReport{
			DecisionID: id,
			Outcome:    outcome,
			Details:    map[string]any{"step": step},
		}))
	}
	return post
}

func (s *Scheduler) reportFn(e *runEntry, report evolution.OutcomeReport) func() {
	return func() {
		if err := s.deps.Outcomes.ReportOutcome(e.bg, report); err != nil {
			s.logger.Warn("failed to report decision outcome",
				zap.String("run.id", e.id),
				zap.String("decision_id", report.DecisionID),
				zap.Error(err))
		}
	}
}

func (s *Scheduler) stepEvent(e *runEntry, t events.Type, step string, attempt int, data map[string]any) func() {
	ev := events.New(t, e.id)
	ev.Step = step
	ev.Attempt = attempt
	ev.Data = data
	return s.publishFn(e, ev)
}

// fallbackVerdict keeps a step moving when the gate itself fails.
func fallbackVerdict(step workflow.Step, attempt int) *gate.Verdict {
	v := &gate.Verdict{
		Action:          gate.ActionRetry,
		Cause:           workflow.ErrorTransientAgent,
		Reason:          "gate unavailable",
		AllowedAttempts: step.MaxAttempts,
	}
	if attempt >= step.MaxAttempts {
		v.Action = gate.ActionAbort
		v.ErrorClass = workflow.ErrorBestEffortStepFailure
		if step.IsCritical() {
			v.ErrorClass = workflow.ErrorCriticalStepFailure
		}
	}
	return v
}

// bestAttempt returns the index of the highest-scoring reviewed attempt
// with artifacts, or -1.
func bestAttempt(st *workflow.StepState) int {
	best := -1
	for i, a := range st.Attempts {
		if !a.Final() || len(a.Artifacts) == 0 || a.QualityScore == nil {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		if score(a) > score(st.Attempts[best]) {
			best = i
		}
	}
	return best
}

func score(a workflow.Attempt) float64 {
	if a.QualityScore == nil {
		return -1
	}
	return *a.QualityScore
}

// lastScore returns the score of the latest scored attempt.
func lastScore(st *workflow.StepState) *float64 {
	for i := len(st.Attempts) - 1; i >= 0; i-- {
		if s := st.Attempts[i].QualityScore; s != nil {
			v := *s
			return &v
		}
	}
	return nil
}
