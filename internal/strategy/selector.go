// Package strategy picks the next correction strategy for a classified
// failure, escalating along a fixed ladder and never repeating a
// strategy already tried for the same failure chain.
package strategy

import (
	"fmt"
	"sync"
	"time"

	"github.com/dmarsh/valet/internal/evaluator"
	"github.com/dmarsh/valet/internal/ledger"
	"github.com/dmarsh/valet/internal/learner"
	"github.com/dmarsh/valet/internal/models"
)

const (
	// DefaultSpikeThreshold is how many failures of the same tool or
	// category within the window count as a degraded-tool signal.
	DefaultSpikeThreshold = 3

	// DefaultSpikeWindow is the trailing window for spike detection.
	DefaultSpikeWindow = 5 * time.Minute

	// Base confidences by selection source; each previously tried
	// strategy subtracts 0.1, floored at minConfidence.
	learnedConfidence  = 0.9
	categoryConfidence = 0.7
	ladderConfidence   = 0.5
	minConfidence      = 0.2
)

// Config holds selector tuning knobs. Zero values fall back to defaults.
type Config struct {
	SpikeThreshold int           // Failure count that signals a degraded tool
	SpikeWindow    time.Duration // Trailing window for spike detection
}

// Context carries the history the selector weighs for one decision.
type Context struct {
	PreviousStrategies []models.CorrectionStrategy // Strategies already tried for this failure chain
	SessionFailures    []models.TrackedFailure     // Failures observed in this session
}

// Selector picks correction strategies. It consults the ledger for
// spike detection and the learner for recommendations; both are
// injected, never global.
type Selector struct {
	cfg     Config
	ledger  *ledger.Ledger
	learner *learner.Learner

	mu         sync.Mutex
	escalation map[string]int // Tool -> highest ladder rank already suggested
}

// NewSelector creates a Selector. The ledger and learner may be nil;
// selection then falls back to category defaults and the ladder.
func NewSelector(l *ledger.Ledger, ln *learner.Learner, cfg Config) *Selector {
	if cfg.SpikeThreshold <= 0 {
		cfg.SpikeThreshold = DefaultSpikeThreshold
	}
	if cfg.SpikeWindow <= 0 {
		cfg.SpikeWindow = DefaultSpikeWindow
	}
	return &Selector{
		cfg:        cfg,
		ledger:     l,
		learner:    ln,
		escalation: make(map[string]int),
	}
}

// Select chooses the next correction strategy for a failure. The chosen
// strategy is never one already present in PreviousStrategies; when the
// natural candidate was tried, selection advances along the escalation
// ladder. A repeating tool or category spike skips the retry rungs.
func (s *Selector) Select(failure *models.TrackedFailure, step *models.PlanStep, sctx Context) models.StrategySelection {
	tried := make(map[models.CorrectionStrategy]bool, len(sctx.PreviousStrategies))
	maxTriedRank := -1
	for _, prev := range sctx.PreviousStrategies {
		tried[prev] = true
		if rank := models.LadderRank(prev); rank > maxTriedRank {
			maxTriedRank = rank
		}
	}

	confidence := func(base float64) float64 {
		c := base - 0.1*float64(len(sctx.PreviousStrategies))
		if c < minConfidence {
			c = minConfidence
		}
		return c
	}

	// Learned pattern first: a strategy that has worked for this tool
	// before outranks the category default.
	if s.learner != nil && failure.ToolName != "" {
		if recommended, ok := s.learner.GetRecommendedStrategy(failure.ToolName); ok && !tried[recommended] {
			return s.finish(failure.ToolName, models.StrategySelection{
				Strategy:   recommended,
				Confidence: confidence(learnedConfidence),
				Reasoning:  fmt.Sprintf("%s has previously recovered tool %s", recommended, failure.ToolName),
			})
		}
	}

	spiking := s.isSpiking(failure, sctx)

	candidate, suggested := evaluator.SuggestCorrectionStrategy(failure.Category, step.RetryCount, step.MaxRetries)
	if suggested {
		// A degraded tool should not be retried indefinitely: skip
		// ahead in the ladder instead of re-queueing the same call.
		if spiking && candidate == models.StrategyRetryBackoff {
			if next, ok := nextOnLadder(models.LadderRank(candidate), tried); ok {
				return s.finish(failure.ToolName, models.StrategySelection{
					Strategy:   next,
					Confidence: confidence(categoryConfidence),
					Reasoning:  fmt.Sprintf("repeated %s failures, escalating past retry to %s", failure.Category, next),
				})
			}
		}
		if !tried[candidate] {
			return s.finish(failure.ToolName, models.StrategySelection{
				Strategy:   candidate,
				Confidence: confidence(categoryConfidence),
				Reasoning:  fmt.Sprintf("default handling for %s (retry %d/%d)", failure.Category, step.RetryCount, step.MaxRetries),
			})
		}
	}

	// Everything natural was tried: advance along the ladder past the
	// most drastic strategy attempted so far.
	if next, ok := nextOnLadder(maxTriedRank, tried); ok {
		return s.finish(failure.ToolName, models.StrategySelection{
			Strategy:   next,
			Confidence: confidence(ladderConfidence),
			Reasoning:  fmt.Sprintf("escalating ladder after %d failed strategies", len(sctx.PreviousStrategies)),
		})
	}

	// Ladder exhausted
	return models.StrategySelection{
		Strategy:   models.StrategyAbortExecution,
		Confidence: minConfidence,
		Reasoning:  "all correction strategies exhausted",
	}
}

// isSpiking reports whether the failing tool or category is repeating
// beyond the threshold, using the ledger's detectors plus the
// session-scoped history passed by the caller.
func (s *Selector) isSpiking(failure *models.TrackedFailure, sctx Context) bool {
	if s.ledger != nil {
		if failure.ToolName != "" && s.ledger.HasRepeatedFailures(failure.ToolName, s.cfg.SpikeThreshold, s.cfg.SpikeWindow) {
			return true
		}
		if s.ledger.HasCategorySpike(failure.Category, s.cfg.SpikeThreshold, s.cfg.SpikeWindow) {
			return true
		}
	}

	count := 0
	cutoff := time.Now().Add(-s.cfg.SpikeWindow)
	for _, f := range sctx.SessionFailures {
		sameTool := failure.ToolName != "" && f.ToolName == failure.ToolName
		sameCategory := f.Category == failure.Category
		if (sameTool || sameCategory) && !f.Timestamp.Before(cutoff) {
			count++
		}
	}
	return count >= s.cfg.SpikeThreshold
}

// nextOnLadder returns the first untried strategy with a rank strictly
// greater than afterRank.
func nextOnLadder(afterRank int, tried map[models.CorrectionStrategy]bool) (models.CorrectionStrategy, bool) {
	for rank := afterRank + 1; rank < len(models.EscalationLadder); rank++ {
		candidate := models.EscalationLadder[rank]
		if !tried[candidate] {
			return candidate, true
		}
	}
	return "", false
}

// finish records the per-tool escalation high-water mark and returns
// the selection.
func (s *Selector) finish(tool string, selection models.StrategySelection) models.StrategySelection {
	if tool != "" {
		s.mu.Lock()
		if rank := models.LadderRank(selection.Strategy); rank > s.escalation[tool] {
			s.escalation[tool] = rank
		}
		s.mu.Unlock()
	}
	return selection
}

// EscalationRank returns the highest ladder rank suggested for a tool
// so far, or 0 if the tool has not escalated.
func (s *Selector) EscalationRank(tool string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.escalation[tool]
}

// ClearPatterns resets the selector's internal per-tool escalation
// state. Independent of the learner's own state.
func (s *Selector) ClearPatterns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escalation = make(map[string]int)
}
