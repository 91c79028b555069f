// Package learner mines correction outcomes into per-tool, per-strategy
// confidence scores. Patterns persist for the lifetime of the process
// unless explicitly cleared; unlike the ledger they are not time-retained.
package learner

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmarsh/valet/internal/evaluator"
	"github.com/dmarsh/valet/internal/models"
)

const (
	// DefaultMinConfidence is the floor a success pattern must clear
	// before it is recommended.
	DefaultMinConfidence = 0.5

	// successGain pulls confidence toward 1.0 on each confirmed success.
	successGain = 0.3

	// failureDecay pulls confidence toward 0 on each failed correction
	// without deleting the pattern, so a once-reliable strategy can fall
	// out of favor without losing history.
	failureDecay = 0.7
)

// Summary describes the learner's accumulated state.
type Summary struct {
	TotalPatterns   int                 // Patterns currently held
	ByType          map[models.PatternType]int
	ToolsTracked    int                 // Distinct tools with at least one pattern
	TopRecommenders []string            // Tools with a recommendable strategy
}

// Learner accumulates LearnedPattern entries keyed by (tool, strategy)
// for correction outcomes and (tool, category) for raw failures.
// Construct with New; never a global.
type Learner struct {
	mu            sync.Mutex
	minConfidence float64
	patterns      map[string]*models.LearnedPattern
}

// New creates a Learner. minConfidence <= 0 falls back to the default.
func New(minConfidence float64) *Learner {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &Learner{
		minConfidence: minConfidence,
		patterns:      make(map[string]*models.LearnedPattern),
	}
}

func successKey(tool string, strategy models.CorrectionStrategy) string {
	return fmt.Sprintf("success|%s|%s", tool, strategy)
}

func failureKey(tool string, category models.FailureCategory) string {
	return fmt.Sprintf("failure|%s|%s", tool, category)
}

// RecordFailure notes a raw failure for a tool, keyed by the error's
// category. Repeated observations raise occurrence counts, not
// confidence: failure patterns describe, they do not recommend.
func (ln *Learner) RecordFailure(tool, errText string, args map[string]any) {
	category := evaluator.CategorizeFailure(errText)

	ln.mu.Lock()
	defer ln.mu.Unlock()

	key := failureKey(tool, category)
	now := time.Now()
	if p, ok := ln.patterns[key]; ok {
		p.Occurrences++
		p.LastSeen = now
		return
	}

	ln.patterns[key] = &models.LearnedPattern{
		ID:          uuid.NewString(),
		Type:        models.PatternFailure,
		AppliesTo:   tool,
		Category:    category,
		Description: fmt.Sprintf("tool %s fails with %s", tool, category),
		Occurrences: 1,
		LastSeen:    now,
		CreatedAt:   now,
	}
}

// RecordCorrectionSuccess raises confidence in a (tool, strategy) pair
// toward 1.0 and increments its occurrence count.
func (ln *Learner) RecordCorrectionSuccess(tool string, strategy models.CorrectionStrategy) {
	ln.mu.Lock()
	defer ln.mu.Unlock()

	key := successKey(tool, strategy)
	now := time.Now()
	p, ok := ln.patterns[key]
	if !ok {
		p = &models.LearnedPattern{
			ID:             uuid.NewString(),
			Type:           models.PatternSuccess,
			AppliesTo:      tool,
			Strategy:       strategy,
			Description:    fmt.Sprintf("%s recovers tool %s", strategy, tool),
			Recommendation: fmt.Sprintf("apply %s when %s fails", strategy, tool),
			Confidence:     0,
			CreatedAt:      now,
		}
		ln.patterns[key] = p
	}

	p.Occurrences++
	p.Confidence += (1.0 - p.Confidence) * successGain
	p.LastSeen = now
}

// RecordCorrectionFailure decays confidence in a (tool, strategy) pair
// toward 0 without deleting the pattern.
func (ln *Learner) RecordCorrectionFailure(tool string, strategy models.CorrectionStrategy) {
	ln.mu.Lock()
	defer ln.mu.Unlock()

	key := successKey(tool, strategy)
	now := time.Now()
	p, ok := ln.patterns[key]
	if !ok {
		p = &models.LearnedPattern{
			ID:          uuid.NewString(),
			Type:        models.PatternSuccess,
			AppliesTo:   tool,
			Strategy:    strategy,
			Description: fmt.Sprintf("%s recovers tool %s", strategy, tool),
			Confidence:  0,
			CreatedAt:   now,
		}
		ln.patterns[key] = p
	}

	p.Occurrences++
	p.Confidence *= failureDecay
	p.LastSeen = now
}

// GetPatterns returns a snapshot of all patterns, newest first.
func (ln *Learner) GetPatterns() []models.LearnedPattern {
	ln.mu.Lock()
	defer ln.mu.Unlock()

	result := make([]models.LearnedPattern, 0, len(ln.patterns))
	for _, p := range ln.patterns {
		result = append(result, *p)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastSeen.After(result[j].LastSeen)
	})
	return result
}

// GetRecommendedStrategy returns the highest-confidence strategy
// recorded as successful for the tool. The second return value is false
// when no pattern clears the minimum confidence floor.
func (ln *Learner) GetRecommendedStrategy(tool string) (models.CorrectionStrategy, bool) {
	ln.mu.Lock()
	defer ln.mu.Unlock()

	var best *models.LearnedPattern
	for _, p := range ln.patterns {
		if p.Type != models.PatternSuccess || p.AppliesTo != tool {
			continue
		}
		if p.Confidence < ln.minConfidence {
			continue
		}
		if best == nil || p.Confidence > best.Confidence {
			best = p
		}
	}

	if best == nil {
		return "", false
	}
	return best.Strategy, true
}

// GetSummary describes the learner's accumulated state.
func (ln *Learner) GetSummary() Summary {
	ln.mu.Lock()
	defer ln.mu.Unlock()

	summary := Summary{ByType: make(map[models.PatternType]int)}
	tools := make(map[string]bool)
	recommenders := make(map[string]bool)

	for _, p := range ln.patterns {
		summary.TotalPatterns++
		summary.ByType[p.Type]++
		tools[p.AppliesTo] = true
		if p.Type == models.PatternSuccess && p.Confidence >= ln.minConfidence {
			recommenders[p.AppliesTo] = true
		}
	}

	summary.ToolsTracked = len(tools)
	for tool := range recommenders {
		summary.TopRecommenders = append(summary.TopRecommenders, tool)
	}
	sort.Strings(summary.TopRecommenders)

	return summary
}

// Clear removes all learned patterns.
func (ln *Learner) Clear() {
	ln.mu.Lock()
	defer ln.mu.Unlock()

	ln.patterns = make(map[string]*models.LearnedPattern)
}
