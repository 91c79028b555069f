// Package executor drives plan execution: the step executor resolves
// dependencies and runs one step at a time; the execution loop iterates
// ready steps, applies corrections on failure, and checkpoints.
package executor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dmarsh/valet/internal/models"
	"github.com/dmarsh/valet/internal/registry"
)

// DefaultStepTimeout bounds a single tool call.
const DefaultStepTimeout = 30 * time.Second

// ToolExecutor performs one tool call. Satisfied by tools.Executor.
type ToolExecutor interface {
	Execute(ctx context.Context, call models.ToolCall, execCtx models.ExecContext) (*models.ToolResult, error)
}

// StepExecutor executes single plan steps: dependency checks, argument
// resolution through the variable registry, the timeout race, and
// output variable capture.
type StepExecutor struct {
	tools   ToolExecutor
	vars    registry.Registry
	timeout time.Duration
	events  *Queue
}

// NewStepExecutor creates a step executor. The registry and queue may
// be nil; a non-positive timeout gets the default.
func NewStepExecutor(tools ToolExecutor, vars registry.Registry, timeout time.Duration, events *Queue) *StepExecutor {
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	return &StepExecutor{tools: tools, vars: vars, timeout: timeout, events: events}
}

// CheckDependencies reports whether every dependency of the step is in
// completedIDs, and which ids are missing.
func (se *StepExecutor) CheckDependencies(step *models.PlanStep, completedIDs map[string]bool) (bool, []string) {
	var missing []string
	for _, dep := range step.DependsOn {
		if !completedIDs[dep] {
			missing = append(missing, dep)
		}
	}
	return len(missing) == 0, missing
}

// GetReadySteps returns the steps eligible to execute: pending, not
// completed or in progress, and with every dependency completed. Sorted
// by ascending order for a deterministic pick.
func (se *StepExecutor) GetReadySteps(steps []models.PlanStep, completedIDs, inProgressIDs map[string]bool) []*models.PlanStep {
	var ready []*models.PlanStep
	for i := range steps {
		step := &steps[i]
		if step.Status != models.StepPending || completedIDs[step.ID] || inProgressIDs[step.ID] {
			continue
		}
		if ok, _ := se.CheckDependencies(step, completedIDs); ok {
			ready = append(ready, step)
		}
	}

	sort.Slice(ready, func(i, j int) bool { return ready[i].Order < ready[j].Order })
	return ready
}

// ExecOptions carries the ambient identifiers for one step execution.
type ExecOptions struct {
	SessionID      string
	PlanID         string
	ConversationID string
	TurnID         string
	UserID         string
	Variables      map[string]any // Step-local context, wins over registry values
}

// Execute runs one step: resolves its arguments against the merged
// variable view, races the tool call against the per-step timeout, and
// captures output variables on success. A step with no tool trivially
// succeeds.
func (se *StepExecutor) Execute(ctx context.Context, step *models.PlanStep, opts ExecOptions) *models.StepResult {
	start := time.Now()
	publish(se.events, Event{
		Type:      EventStepStarted,
		SessionID: opts.SessionID,
		PlanID:    opts.PlanID,
		StepID:    step.ID,
	})

	result := se.execute(ctx, step, opts)
	result.Duration = time.Since(start)

	if result.Success {
		se.captureVariables(step.ID, result)
		publish(se.events, Event{
			Type:      EventStepCompleted,
			SessionID: opts.SessionID,
			PlanID:    opts.PlanID,
			StepID:    step.ID,
			Duration:  result.Duration,
		})
	} else {
		publish(se.events, Event{
			Type:      EventStepFailed,
			SessionID: opts.SessionID,
			PlanID:    opts.PlanID,
			StepID:    step.ID,
			Error:     result.Error,
			Duration:  result.Duration,
		})
	}

	return result
}

func (se *StepExecutor) execute(ctx context.Context, step *models.PlanStep, opts ExecOptions) *models.StepResult {
	// Bookkeeping step: nothing to call
	if step.Tool == "" {
		return &models.StepResult{Success: true}
	}

	merged := se.mergedVariables(opts.Variables)
	args := step.Arguments
	if se.vars != nil {
		args = se.vars.ResolveArguments(step.Arguments, merged)
	}

	call := models.ToolCall{
		ID:        uuid.NewString(),
		Name:      step.Tool,
		Arguments: args,
		Timestamp: time.Now(),
	}
	execCtx := models.ExecContext{
		ConversationID: opts.ConversationID,
		TurnID:         opts.TurnID,
		UserID:         opts.UserID,
		Variables:      merged,
	}

	type outcome struct {
		result *models.ToolResult
		err    error
	}

	callCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		r, err := se.tools.Execute(callCtx, call, execCtx)
		done <- outcome{result: r, err: err}
	}()

	timer := time.NewTimer(se.timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		return stepResultFrom(out.result, out.err)
	case <-timer.C:
		// The in-flight call is abandoned; callCtx cancellation asks it
		// to stop but its result is discarded either way.
		return &models.StepResult{
			Success: false,
			Error:   fmt.Sprintf("%s after %s", ErrStepTimeout, se.timeout),
			ToolResult: &models.ToolResult{
				Status:    "failed",
				Success:   false,
				Error:     ErrStepTimeout.Error(),
				ErrorCode: "TIMEOUT",
			},
		}
	case <-ctx.Done():
		return &models.StepResult{
			Success: false,
			Error:   ctx.Err().Error(),
		}
	}
}

// mergedVariables overlays step-local context onto the registry export.
func (se *StepExecutor) mergedVariables(local map[string]any) map[string]any {
	merged := make(map[string]any)
	if se.vars != nil {
		for name, value := range se.vars.Export() {
			merged[name] = value
		}
	}
	for name, value := range local {
		merged[name] = value
	}
	return merged
}

func stepResultFrom(tr *models.ToolResult, err error) *models.StepResult {
	if err != nil {
		return &models.StepResult{Success: false, Error: err.Error()}
	}
	if tr == nil {
		return &models.StepResult{Success: false, Error: "tool returned no result"}
	}

	success := tr.Status == "executed" && tr.Success
	result := &models.StepResult{
		Success:    success,
		Output:     tr.Output,
		ToolResult: tr,
	}
	if !success {
		result.Error = tr.Error
		if result.Error == "" {
			result.Error = fmt.Sprintf("tool call finished with status %q", tr.Status)
		}
	}
	return result
}

// commonOutputKeys are output fields captured under step-prefixed names
// when the tool did not export variables explicitly.
var commonOutputKeys = []string{"id", "result", "data", "content", "items", "value", "output"}

// captureVariables fills result.Variables and writes them into the
// registry under the execution scope.
func (se *StepExecutor) captureVariables(stepID string, result *models.StepResult) {
	captured := make(map[string]any)

	if result.ToolResult != nil && result.ToolResult.Variables != nil {
		// Explicit exports are taken verbatim
		for name, value := range result.ToolResult.Variables {
			captured[name] = value
		}
	} else if obj, ok := result.Output.(map[string]any); ok {
		for _, key := range commonOutputKeys {
			if value, exists := obj[key]; exists {
				captured[stepID+"_"+key] = value
			}
		}
	}

	if result.Output != nil {
		captured[stepID+"_output"] = result.Output
	}

	if len(captured) == 0 {
		return
	}

	result.Variables = captured
	if se.vars != nil {
		for name, value := range captured {
			se.vars.Set(name, value, registry.SetOptions{
				Scope:    registry.ScopeExecution,
				SourceID: stepID,
			})
		}
	}
}
