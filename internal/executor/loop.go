package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmarsh/valet/internal/correction"
	"github.com/dmarsh/valet/internal/evaluator"
	"github.com/dmarsh/valet/internal/models"
	"github.com/dmarsh/valet/internal/registry"
)

// Store is the slice of the execution store the loop persists through.
type Store interface {
	SaveSession(session *models.ExecutionSession) error
	SaveCheckpoint(cp *models.ExecutionCheckpoint) error
}

// Logger receives lifecycle notifications for display. Satisfied by
// logger.ConsoleLogger.
type Logger interface {
	StepStarted(sessionID, stepID, description string)
	StepCompleted(sessionID, stepID string, duration time.Duration)
	StepFailed(sessionID, stepID, errText string)
	CorrectionApplied(sessionID, stepID string, strategy models.CorrectionStrategy, reasoning string)
	SessionStatus(sessionID string, status models.SessionStatus)
	SessionSummary(sessionID string, result *models.ExecutionResult)
}

// LoopConfig holds the execution loop's tuning knobs. Zero values fall
// back to defaults.
type LoopConfig struct {
	MaxIterations    int               // Iteration budget when the session carries none
	CheckpointEvery  int               // Iterations between checkpoints
	RetryBaseDelay   time.Duration     // First backoff delay
	RetryMaxDelay    time.Duration     // Backoff ceiling
	AlternativeTools map[string]string // Tool -> substitute for alternative_tool

	// Decompose splits a step into sub-steps for decompose_step. Nil
	// uses the built-in per-item split.
	Decompose func(step *models.PlanStep) []models.PlanStep

	// Approve gates each step when set; returning false skips the step.
	Approve func(ctx context.Context, step *models.PlanStep) (bool, error)
}

const (
	defaultMaxIterations   = 50
	defaultCheckpointEvery = 5
	defaultRetryBaseDelay  = 500 * time.Millisecond
	defaultRetryMaxDelay   = 30 * time.Second
)

func (c *LoopConfig) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = defaultMaxIterations
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = defaultCheckpointEvery
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaultRetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
}

// LoopDeps bundles the loop's collaborators. Store, Vars, Events, and
// Logger may be nil.
type LoopDeps struct {
	Steps      *StepExecutor
	Evaluator  *evaluator.Evaluator
	Correction *correction.Engine
	Store      Store
	Vars       registry.Registry
	Events     *Queue
	Logger     Logger
}

// Loop is the top-level driver: it iterates ready steps, evaluates
// outcomes, applies correction strategies on failure, checkpoints
// periodically, and finalizes an ExecutionResult.
type Loop struct {
	steps      *StepExecutor
	evaluator  *evaluator.Evaluator
	correction *correction.Engine
	store      Store
	vars       registry.Registry
	events     *Queue
	log        Logger
	cfg        LoopConfig
}

// NewLoop composes an execution loop.
func NewLoop(deps LoopDeps, cfg LoopConfig) *Loop {
	cfg.applyDefaults()
	log := deps.Logger
	if log == nil {
		log = nopLogger{}
	}
	return &Loop{
		steps:      deps.Steps,
		evaluator:  deps.Evaluator,
		correction: deps.Correction,
		store:      deps.Store,
		vars:       deps.Vars,
		events:     deps.Events,
		log:        log,
		cfg:        cfg,
	}
}

// appliedCorrection remembers the last strategy applied to a step so
// its next outcome can be reported back to the correction engine.
type appliedCorrection struct {
	failureID string
	strategy  models.CorrectionStrategy
	tool      string
}

// Run drives a session to a terminal status. One step executes per
// iteration; cancellation is checked at the top of every iteration and
// before each checkpoint. Business failures (abort, unachieved goal)
// return a result with Success=false and a nil error; ErrSessionCancelled
// and ErrIterationBudget are returned alongside the result.
func (l *Loop) Run(ctx context.Context, session *models.ExecutionSession) (*models.ExecutionResult, error) {
	if session.Plan == nil {
		return nil, fmt.Errorf("session %s has no plan", session.ID)
	}
	if session.Status.IsTerminal() {
		return nil, fmt.Errorf("session %s already terminal (%s)", session.ID, session.Status)
	}
	if err := session.Plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	if session.MaxIterations <= 0 {
		session.MaxIterations = l.cfg.MaxIterations
	}
	if session.Variables == nil {
		session.Variables = make(map[string]any)
	}

	if session.Status != models.SessionExecuting {
		if err := l.transition(session, models.SessionExecuting); err != nil {
			return nil, err
		}
	}
	session.Plan.Status = models.PlanExecuting

	previousStrategies := make(map[string][]models.CorrectionStrategy)
	corrections := make(map[string]appliedCorrection)

	for {
		if ctx.Err() != nil {
			return l.finalizeCancelled(session)
		}
		if session.IterationCount >= session.MaxIterations {
			result := l.finalize(session, models.SessionFailed, fmt.Sprintf(
				"%s: %d iterations consumed before the plan completed", ErrIterationBudget, session.IterationCount))
			return result, ErrIterationBudget
		}

		plan := session.Plan
		completed := plan.CompletedStepIDs()
		ready := l.steps.GetReadySteps(plan.Steps, completed, executingIDs(plan))
		if len(ready) == 0 {
			if blocked := pendingCount(plan); blocked > 0 {
				result := l.finalize(session, models.SessionFailed, fmt.Sprintf(
					"no executable steps remain: %d pending steps blocked by failed dependencies", blocked))
				return result, nil
			}
			return l.finalizePlan(session)
		}

		step := ready[0]

		if l.cfg.Approve != nil {
			approved, err := l.awaitApproval(ctx, session, step)
			if err != nil {
				return l.finalizeCancelled(session)
			}
			if !approved {
				step.Status = models.StepSkipped
				session.IterationCount++
				continue
			}
		}

		l.log.StepStarted(session.ID, step.ID, step.Description)
		step.Status = models.StepExecuting
		result := l.steps.Execute(ctx, step, ExecOptions{
			SessionID: session.ID,
			PlanID:    plan.ID,
			UserID:    session.UserID,
			Variables: session.Variables,
		})
		step.Result = result
		session.IterationCount++
		session.UpdatedAt = time.Now()

		eval := l.evaluator.EvaluateStep(step, result)
		if eval.Succeeded {
			l.completeStep(session, step, result, corrections)
		} else {
			terminal, err := l.handleFailure(ctx, session, step, result, previousStrategies, corrections)
			if err != nil {
				return l.finalizeCancelled(session)
			}
			if terminal {
				result := l.finalize(session, models.SessionFailed, fmt.Sprintf(
					"execution aborted after step %s failed: %s", step.ID, step.Error))
				return result, nil
			}
		}

		if session.IterationCount%l.cfg.CheckpointEvery == 0 {
			// Cancellation is re-checked so a cancelled session never
			// commits one more checkpoint.
			if ctx.Err() != nil {
				return l.finalizeCancelled(session)
			}
			l.saveCheckpoint(session)
		}
	}
}

// completeStep marks a step completed, merges its captured variables,
// and reports a pending correction as successful.
func (l *Loop) completeStep(session *models.ExecutionSession, step *models.PlanStep, result *models.StepResult, corrections map[string]appliedCorrection) {
	step.Status = models.StepCompleted
	step.Error = ""
	for name, value := range result.Variables {
		session.Variables[name] = value
	}
	session.Plan.CurrentStepIndex = len(session.Plan.CompletedStepIDs())
	l.log.StepCompleted(session.ID, step.ID, result.Duration)

	if rec, ok := corrections[step.ID]; ok {
		_ = l.correction.RecordCorrectionResult(rec.failureID, true, rec.strategy, rec.tool)
		delete(corrections, step.ID)
	}
}

// handleFailure asks the correction engine for a strategy and applies
// it, consulting the engine again when a strategy is not applicable to
// this step. Returns terminal=true when execution must abort.
func (l *Loop) handleFailure(ctx context.Context, session *models.ExecutionSession, step *models.PlanStep, result *models.StepResult, previousStrategies map[string][]models.CorrectionStrategy, corrections map[string]appliedCorrection) (bool, error) {
	step.Status = models.StepFailed
	step.Error = result.Error
	l.log.StepFailed(session.ID, step.ID, result.Error)

	if rec, ok := corrections[step.ID]; ok {
		_ = l.correction.RecordCorrectionResult(rec.failureID, false, rec.strategy, rec.tool)
		delete(corrections, step.ID)
	}

	if err := l.transition(session, models.SessionCorrecting); err != nil {
		return true, nil
	}

	failure := models.TrackedFailure{
		StepID:    step.ID,
		PlanID:    session.Plan.ID,
		ToolName:  step.Tool,
		Error:     result.Error,
		Category:  evaluator.CategorizeResult(result),
		Arguments: step.Arguments,
	}

	publish(l.events, Event{
		Type:      EventFailureTracked,
		SessionID: session.ID,
		PlanID:    session.Plan.ID,
		StepID:    step.ID,
		Error:     result.Error,
	})

	// A strategy the step cannot use (no alternative tool configured,
	// nothing to decompose) counts as tried and selection moves on.
	for attempt := 0; attempt <= len(models.EscalationLadder); attempt++ {
		tracked, selection := l.correction.HandleFailure(failure, step, session.ID, previousStrategies[step.ID])
		previousStrategies[step.ID] = append(previousStrategies[step.ID], selection.Strategy)

		if selection.Strategy == models.StrategyAbortExecution {
			return true, nil
		}

		applied, err := l.applyStrategy(ctx, session, step, selection)
		if err != nil {
			return false, err
		}
		if applied {
			l.log.CorrectionApplied(session.ID, step.ID, selection.Strategy, selection.Reasoning)
			publish(l.events, Event{
				Type:      EventCorrectionApplied,
				SessionID: session.ID,
				PlanID:    session.Plan.ID,
				StepID:    step.ID,
				Strategy:  string(selection.Strategy),
			})
			corrections[step.ID] = appliedCorrection{
				failureID: tracked.ID,
				strategy:  selection.Strategy,
				tool:      step.Tool,
			}
			return false, l.transition(session, models.SessionExecuting)
		}

		_ = l.correction.RecordCorrectionResult(tracked.ID, false, selection.Strategy, step.Tool)
	}

	return true, nil
}

// applyStrategy mutates the step or plan per the selected strategy.
// Returns false when the strategy cannot apply to this step.
func (l *Loop) applyStrategy(ctx context.Context, session *models.ExecutionSession, step *models.PlanStep, selection models.StrategySelection) (bool, error) {
	switch selection.Strategy {
	case models.StrategyRetryBackoff:
		if step.RetryCount >= step.MaxRetries {
			return false, nil
		}
		step.Status = models.StepRetrying
		if err := l.backoff(ctx, step.RetryCount); err != nil {
			return false, err
		}
		step.RetryCount++
		step.Status = models.StepPending
		return true, nil

	case models.StrategyParameterVariation:
		step.Arguments = varyArguments(step.Arguments, step.RetryCount+1)
		step.RetryCount++
		step.Status = models.StepPending
		return true, nil

	case models.StrategyAlternativeTool:
		alt, ok := l.cfg.AlternativeTools[step.Tool]
		if !ok || alt == "" {
			return false, nil
		}
		step.Tool = alt
		step.RetryCount++
		step.Status = models.StepPending
		return true, nil

	case models.StrategyDecomposeStep:
		decompose := l.cfg.Decompose
		if decompose == nil {
			decompose = defaultDecompose
		}
		subs := decompose(step)
		if len(subs) == 0 {
			return false, nil
		}
		insertSubSteps(session.Plan, step.ID, subs)
		return true, nil

	case models.StrategySkipStep:
		step.Status = models.StepSkipped
		return true, nil

	default:
		return false, nil
	}
}

// backoff sleeps for an exponentially growing delay, honoring
// cancellation.
func (l *Loop) backoff(ctx context.Context, retryCount int) error {
	delay := l.cfg.RetryBaseDelay << retryCount
	if delay > l.cfg.RetryMaxDelay || delay <= 0 {
		delay = l.cfg.RetryMaxDelay
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// awaitApproval runs the configured approval gate through the
// waiting_approval sub-state.
func (l *Loop) awaitApproval(ctx context.Context, session *models.ExecutionSession, step *models.PlanStep) (bool, error) {
	if err := l.transition(session, models.SessionWaitingApproval); err != nil {
		return false, err
	}
	approved, err := l.cfg.Approve(ctx, step)
	if err != nil {
		return false, err
	}
	return approved, l.transition(session, models.SessionExecuting)
}

// varyArguments copies the arguments, drops empty string values, and
// stamps the attempt number so the tool sees a changed call.
func varyArguments(args map[string]any, attempt int) map[string]any {
	varied := make(map[string]any, len(args)+1)
	for key, value := range args {
		if s, ok := value.(string); ok && s == "" {
			continue
		}
		varied[key] = value
	}
	varied["attempt"] = attempt
	return varied
}

// defaultDecompose splits a step whose arguments carry an "items" list
// into one sub-step per item. Steps without a list cannot be split.
func defaultDecompose(step *models.PlanStep) []models.PlanStep {
	items, ok := step.Arguments["items"].([]any)
	if !ok || len(items) < 2 {
		return nil
	}

	subs := make([]models.PlanStep, len(items))
	for i, item := range items {
		args := make(map[string]any, len(step.Arguments))
		for key, value := range step.Arguments {
			if key != "items" {
				args[key] = value
			}
		}
		args["item"] = item

		subs[i] = models.PlanStep{
			ID:          fmt.Sprintf("%s.%d", step.ID, i+1),
			Description: fmt.Sprintf("%s (part %d/%d)", step.Description, i+1, len(items)),
			Tool:        step.Tool,
			Arguments:   args,
			MaxRetries:  step.MaxRetries,
			Status:      models.StepPending,
		}
	}
	return subs
}

// insertSubSteps splices sub-steps into the plan after the decomposed
// step, preserving dependency ordering: subs inherit the original's
// dependencies, chain sequentially, and dependents of the original are
// re-pointed at the last sub-step. Orders are renumbered.
func insertSubSteps(plan *models.Plan, stepID string, subs []models.PlanStep) {
	idx := -1
	for i := range plan.Steps {
		if plan.Steps[i].ID == stepID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	original := &plan.Steps[idx]
	original.Status = models.StepSkipped
	original.Error = fmt.Sprintf("decomposed into %d sub-steps", len(subs))

	for i := range subs {
		if i == 0 {
			subs[i].DependsOn = append([]string(nil), original.DependsOn...)
		} else {
			subs[i].DependsOn = []string{subs[i-1].ID}
		}
	}

	lastSub := subs[len(subs)-1].ID
	for i := range plan.Steps {
		for j, dep := range plan.Steps[i].DependsOn {
			if dep == stepID {
				plan.Steps[i].DependsOn[j] = lastSub
			}
		}
	}

	steps := make([]models.PlanStep, 0, len(plan.Steps)+len(subs))
	steps = append(steps, plan.Steps[:idx+1]...)
	steps = append(steps, subs...)
	steps = append(steps, plan.Steps[idx+1:]...)
	for i := range steps {
		steps[i].Order = i + 1
	}
	plan.Steps = steps
	plan.Version++
}

// finalizePlan runs the plan-level judgment and finishes the session.
func (l *Loop) finalizePlan(session *models.ExecutionSession) (*models.ExecutionResult, error) {
	eval := l.evaluator.EvaluatePlan(session.Plan)

	status := models.SessionCompleted
	errText := ""
	if !eval.GoalAchieved {
		if eval.Failed > 0 {
			status = models.SessionFailed
			errText = fmt.Sprintf("%d of %d steps failed", eval.Failed, len(session.Plan.Steps))
		} else if !eval.IsComplete {
			// Skipped steps keep the session completed but not achieved
			errText = fmt.Sprintf("%d steps were skipped", eval.Skipped)
		}
	}

	result := &models.ExecutionResult{
		Success:        eval.GoalAchieved,
		Error:          errText,
		StepsCompleted: eval.Completed,
		StepsFailed:    eval.Failed,
		StepsSkipped:   eval.Skipped,
		TotalSteps:     len(session.Plan.Steps),
		Confidence:     eval.Confidence,
		Reasoning:      eval.Reasoning,
		Duration:       time.Since(session.StartedAt),
	}

	l.finish(session, status, result)
	return result, nil
}

// finalize finishes the session with an error-shaped result.
func (l *Loop) finalize(session *models.ExecutionSession, status models.SessionStatus, errText string) *models.ExecutionResult {
	eval := l.evaluator.EvaluatePlan(session.Plan)
	result := &models.ExecutionResult{
		Success:        false,
		Error:          errText,
		StepsCompleted: eval.Completed,
		StepsFailed:    eval.Failed,
		StepsSkipped:   eval.Skipped,
		TotalSteps:     len(session.Plan.Steps),
		Confidence:     eval.Confidence,
		Reasoning:      eval.Reasoning,
		Duration:       time.Since(session.StartedAt),
	}
	l.finish(session, status, result)
	return result
}

func (l *Loop) finalizeCancelled(session *models.ExecutionSession) (*models.ExecutionResult, error) {
	result := l.finalize(session, models.SessionCancelled, ErrSessionCancelled.Error())
	return result, ErrSessionCancelled
}

// finish transitions to the terminal status, persists the session, and
// reports the summary.
func (l *Loop) finish(session *models.ExecutionSession, status models.SessionStatus, result *models.ExecutionResult) {
	if session.Plan != nil {
		if status == models.SessionCompleted {
			session.Plan.Status = models.PlanCompleted
		} else {
			session.Plan.Status = models.PlanFailed
		}
	}
	session.Result = result
	_ = l.transition(session, status)
	l.saveSession(session)
	l.log.SessionSummary(session.ID, result)
}

// transition moves the session state machine, logging and publishing
// the change.
func (l *Loop) transition(session *models.ExecutionSession, status models.SessionStatus) error {
	if session.Status == status {
		return nil
	}
	if err := session.Transition(status); err != nil {
		return err
	}
	l.log.SessionStatus(session.ID, status)
	publish(l.events, Event{
		Type:      EventSessionStatus,
		SessionID: session.ID,
		Status:    string(status),
	})
	return nil
}

func (l *Loop) saveCheckpoint(session *models.ExecutionSession) {
	if l.store == nil {
		return
	}

	state, err := json.Marshal(session)
	if err != nil {
		return
	}
	_ = l.store.SaveCheckpoint(&models.ExecutionCheckpoint{
		SessionID:  session.ID,
		StepIndex:  session.Plan.CurrentStepIndex,
		TotalSteps: len(session.Plan.Steps),
		State:      state,
		SavedAt:    time.Now(),
	})
	l.saveSession(session)
}

func (l *Loop) saveSession(session *models.ExecutionSession) {
	if l.store != nil {
		_ = l.store.SaveSession(session)
	}
}

func executingIDs(plan *models.Plan) map[string]bool {
	ids := make(map[string]bool)
	for _, step := range plan.Steps {
		if step.Status == models.StepExecuting || step.Status == models.StepRetrying {
			ids[step.ID] = true
		}
	}
	return ids
}

func pendingCount(plan *models.Plan) int {
	count := 0
	for _, step := range plan.Steps {
		if step.Status == models.StepPending || step.Status == models.StepExecuting {
			count++
		}
	}
	return count
}

// nopLogger discards all lifecycle notifications.
type nopLogger struct{}

func (nopLogger) StepStarted(string, string, string)            {}
func (nopLogger) StepCompleted(string, string, time.Duration)   {}
func (nopLogger) StepFailed(string, string, string)             {}
func (nopLogger) SessionStatus(string, models.SessionStatus)    {}
func (nopLogger) SessionSummary(string, *models.ExecutionResult) {}
func (nopLogger) CorrectionApplied(string, string, models.CorrectionStrategy, string) {
}
