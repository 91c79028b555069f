package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmarsh/valet/internal/ledger"
	"github.com/dmarsh/valet/internal/learner"
	"github.com/dmarsh/valet/internal/models"
)

func newSelector(t *testing.T) (*Selector, *ledger.Ledger, *learner.Learner) {
	t.Helper()
	l := ledger.New(ledger.Config{MaxFailures: 100})
	t.Cleanup(l.Destroy)
	ln := learner.New(0.4)
	return NewSelector(l, ln, Config{SpikeThreshold: 3, SpikeWindow: time.Minute}), l, ln
}

func networkFailure() *models.TrackedFailure {
	return &models.TrackedFailure{
		StepID:   "s1",
		ToolName: "fetch_weather",
		Error:    "connection refused",
		Category: models.CategoryNetworkError,
	}
}

func TestSelectCategoryDefault(t *testing.T) {
	s, _, _ := newSelector(t)
	step := &models.PlanStep{ID: "s1", MaxRetries: 3}

	selection := s.Select(networkFailure(), step, Context{})
	assert.Equal(t, models.StrategyRetryBackoff, selection.Strategy)
	assert.InDelta(t, 0.7, selection.Confidence, 1e-9)
	assert.NotEmpty(t, selection.Reasoning)
}

func TestSelectNeverRepeatsPreviousStrategy(t *testing.T) {
	s, _, _ := newSelector(t)
	step := &models.PlanStep{ID: "s1", MaxRetries: 3}

	previous := []models.CorrectionStrategy{}
	seen := map[models.CorrectionStrategy]bool{}
	for i := 0; i < len(models.EscalationLadder); i++ {
		selection := s.Select(networkFailure(), step, Context{PreviousStrategies: previous})
		assert.False(t, seen[selection.Strategy],
			"strategy %s suggested twice for the same chain", selection.Strategy)
		seen[selection.Strategy] = true
		previous = append(previous, selection.Strategy)
	}

	// Once everything was tried, only abort remains
	selection := s.Select(networkFailure(), step, Context{PreviousStrategies: previous})
	assert.Equal(t, models.StrategyAbortExecution, selection.Strategy)
}

func TestSelectPrefersLearnedPattern(t *testing.T) {
	s, _, ln := newSelector(t)
	step := &models.PlanStep{ID: "s1", MaxRetries: 3}

	// Teach the learner that alternative_tool works for this tool
	for i := 0; i < 3; i++ {
		ln.RecordCorrectionSuccess("fetch_weather", models.StrategyAlternativeTool)
	}

	selection := s.Select(networkFailure(), step, Context{})
	assert.Equal(t, models.StrategyAlternativeTool, selection.Strategy)
	assert.InDelta(t, 0.9, selection.Confidence, 1e-9)
	assert.Contains(t, selection.Reasoning, "previously recovered")
}

func TestSelectLearnedPatternAlreadyTriedFallsThrough(t *testing.T) {
	s, _, ln := newSelector(t)
	step := &models.PlanStep{ID: "s1", MaxRetries: 3}

	for i := 0; i < 3; i++ {
		ln.RecordCorrectionSuccess("fetch_weather", models.StrategyAlternativeTool)
	}

	selection := s.Select(networkFailure(), step, Context{
		PreviousStrategies: []models.CorrectionStrategy{models.StrategyAlternativeTool},
	})
	assert.NotEqual(t, models.StrategyAlternativeTool, selection.Strategy)
}

func TestSelectSpikeSkipsRetry(t *testing.T) {
	s, l, _ := newSelector(t)
	step := &models.PlanStep{ID: "s1", MaxRetries: 5}

	// Three recent failures for the same tool trip the spike detector
	for i := 0; i < 3; i++ {
		l.Track(models.TrackedFailure{
			StepID:   "s1",
			ToolName: "fetch_weather",
			Category: models.CategoryNetworkError,
		}, "sess-1")
	}

	selection := s.Select(networkFailure(), step, Context{})
	assert.NotEqual(t, models.StrategyRetryBackoff, selection.Strategy)
	assert.Contains(t, selection.Reasoning, "escalating past retry")
}

func TestSelectSessionHistorySpike(t *testing.T) {
	// No ledger entries; spike comes from the session history snapshot
	s := NewSelector(nil, nil, Config{SpikeThreshold: 3, SpikeWindow: time.Minute})
	step := &models.PlanStep{ID: "s1", MaxRetries: 5}

	now := time.Now()
	history := []models.TrackedFailure{
		{ToolName: "fetch_weather", Category: models.CategoryNetworkError, Timestamp: now},
		{ToolName: "fetch_weather", Category: models.CategoryNetworkError, Timestamp: now},
		{ToolName: "fetch_weather", Category: models.CategoryNetworkError, Timestamp: now},
	}

	selection := s.Select(networkFailure(), step, Context{SessionFailures: history})
	assert.NotEqual(t, models.StrategyRetryBackoff, selection.Strategy)
}

func TestSelectConfidenceDropsWithPriorAttempts(t *testing.T) {
	s, _, _ := newSelector(t)
	step := &models.PlanStep{ID: "s1", MaxRetries: 5}

	fresh := s.Select(networkFailure(), step, Context{})
	worn := s.Select(networkFailure(), step, Context{
		PreviousStrategies: []models.CorrectionStrategy{models.StrategyRetryBackoff},
	})
	assert.Greater(t, fresh.Confidence, worn.Confidence)
	assert.GreaterOrEqual(t, worn.Confidence, 0.2)
}

func TestClearPatternsResetsEscalation(t *testing.T) {
	s, _, _ := newSelector(t)
	step := &models.PlanStep{ID: "s1", MaxRetries: 3}

	s.Select(networkFailure(), step, Context{
		PreviousStrategies: []models.CorrectionStrategy{
			models.StrategyRetryBackoff,
			models.StrategyParameterVariation,
			models.StrategyAlternativeTool,
		},
	})
	require.Greater(t, s.EscalationRank("fetch_weather"), 0)

	s.ClearPatterns()
	assert.Zero(t, s.EscalationRank("fetch_weather"))
}
