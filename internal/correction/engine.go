// Package correction composes the failure ledger, pattern learner, and
// strategy selector into one per-failure decision point.
package correction

import (
	"github.com/dmarsh/valet/internal/ledger"
	"github.com/dmarsh/valet/internal/learner"
	"github.com/dmarsh/valet/internal/models"
	"github.com/dmarsh/valet/internal/strategy"
)

// Stats aggregates the ledger and learner summaries.
type Stats struct {
	Ledger  ledger.Stats
	Learner learner.Summary
}

// Engine is the per-failure decision point: it tracks the failure,
// records it with the learner, and asks the selector what to do next.
// All collaborators are injected; the engine owns the ledger's
// lifecycle via Destroy.
type Engine struct {
	ledger   *ledger.Ledger
	learner  *learner.Learner
	selector *strategy.Selector
}

// NewEngine composes a correction engine from its three subsystems.
func NewEngine(l *ledger.Ledger, ln *learner.Learner, sel *strategy.Selector) *Engine {
	return &Engine{ledger: l, learner: ln, selector: sel}
}

// HandleFailure tracks a failure, records it with the learner, gathers
// session-scoped history, and selects the next correction strategy. The
// tracked failure is returned with StrategyAttempted stamped.
func (e *Engine) HandleFailure(failure models.TrackedFailure, step *models.PlanStep, sessionID string, previous []models.CorrectionStrategy) (*models.TrackedFailure, models.StrategySelection) {
	tracked := e.ledger.Track(failure, sessionID)

	if tracked.ToolName != "" {
		e.learner.RecordFailure(tracked.ToolName, tracked.Error, tracked.Arguments)
	}

	sessionFailures := e.ledger.GetBySession(sessionID)

	selection := e.selector.Select(tracked, step, strategy.Context{
		PreviousStrategies: previous,
		SessionFailures:    sessionFailures,
	})

	// Best effort: the failure was just tracked, so this only fails if
	// the ledger evicted it already.
	_ = e.ledger.SetStrategyAttempted(tracked.ID, selection.Strategy)
	tracked.StrategyAttempted = selection.Strategy

	return tracked, selection
}

// RecordCorrectionResult stamps the correction outcome on the tracked
// failure and feeds the learner, keeping both subsystems consistent.
func (e *Engine) RecordCorrectionResult(failureID string, succeeded bool, appliedStrategy models.CorrectionStrategy, toolName string) error {
	if err := e.ledger.RecordCorrectionResult(failureID, succeeded); err != nil {
		return err
	}

	if toolName != "" {
		if succeeded {
			e.learner.RecordCorrectionSuccess(toolName, appliedStrategy)
		} else {
			e.learner.RecordCorrectionFailure(toolName, appliedStrategy)
		}
	}

	return nil
}

// GetStats returns the combined ledger and learner summaries.
func (e *Engine) GetStats() Stats {
	return Stats{
		Ledger:  e.ledger.GetStats(),
		Learner: e.learner.GetSummary(),
	}
}

// GetSessionFailures returns the failures tracked for one session.
func (e *Engine) GetSessionFailures(sessionID string) []models.TrackedFailure {
	return e.ledger.GetBySession(sessionID)
}

// GetRecommendedStrategy surfaces the learner's recommendation for a tool.
func (e *Engine) GetRecommendedStrategy(tool string) (models.CorrectionStrategy, bool) {
	return e.learner.GetRecommendedStrategy(tool)
}

// ClearSession drops one session's failures from the ledger.
func (e *Engine) ClearSession(sessionID string) {
	e.ledger.ClearSession(sessionID)
}

// Clear resets the ledger, the learner, and the selector's escalation
// state.
func (e *Engine) Clear() {
	e.ledger.Clear()
	e.learner.Clear()
	e.selector.ClearPatterns()
}

// Destroy cascades into the ledger's Destroy so its sweep timer cannot
// keep the process alive.
func (e *Engine) Destroy() {
	e.ledger.Destroy()
	e.learner.Clear()
	e.selector.ClearPatterns()
}
