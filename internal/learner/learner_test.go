package learner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmarsh/valet/internal/models"
)

func TestRecordCorrectionSuccessRaisesConfidence(t *testing.T) {
	ln := New(0.5)

	ln.RecordCorrectionSuccess("fetch_weather", models.StrategyRetryBackoff)
	patterns := ln.GetPatterns()
	require.Len(t, patterns, 1)
	first := patterns[0].Confidence
	assert.Greater(t, first, 0.0)
	assert.Less(t, first, 1.0)

	ln.RecordCorrectionSuccess("fetch_weather", models.StrategyRetryBackoff)
	patterns = ln.GetPatterns()
	require.Len(t, patterns, 1)
	assert.Greater(t, patterns[0].Confidence, first)
	assert.Equal(t, 2, patterns[0].Occurrences)
}

func TestRecordCorrectionFailureDecaysWithoutDeleting(t *testing.T) {
	ln := New(0.5)

	// Build up confidence, then decay it
	for i := 0; i < 5; i++ {
		ln.RecordCorrectionSuccess("fetch_weather", models.StrategyRetryBackoff)
	}
	_, ok := ln.GetRecommendedStrategy("fetch_weather")
	require.True(t, ok)

	for i := 0; i < 5; i++ {
		ln.RecordCorrectionFailure("fetch_weather", models.StrategyRetryBackoff)
	}

	// Pattern survives with low confidence but is no longer recommended
	patterns := ln.GetPatterns()
	require.Len(t, patterns, 1)
	assert.Greater(t, patterns[0].Confidence, 0.0)
	_, ok = ln.GetRecommendedStrategy("fetch_weather")
	assert.False(t, ok)
}

func TestGetRecommendedStrategyPicksHighestConfidence(t *testing.T) {
	ln := New(0.3)

	ln.RecordCorrectionSuccess("fetch_weather", models.StrategyRetryBackoff)
	ln.RecordCorrectionSuccess("fetch_weather", models.StrategyRetryBackoff)
	ln.RecordCorrectionSuccess("fetch_weather", models.StrategyAlternativeTool)

	strategy, ok := ln.GetRecommendedStrategy("fetch_weather")
	require.True(t, ok)
	assert.Equal(t, models.StrategyRetryBackoff, strategy)
}

func TestGetRecommendedStrategyUnknownTool(t *testing.T) {
	ln := New(0.5)
	_, ok := ln.GetRecommendedStrategy("never_seen")
	assert.False(t, ok)
}

func TestRecordFailureAccumulatesOccurrences(t *testing.T) {
	ln := New(0.5)

	ln.RecordFailure("fetch_weather", "connection refused", nil)
	ln.RecordFailure("fetch_weather", "network unreachable", nil)
	ln.RecordFailure("fetch_weather", "request timed out", nil)

	patterns := ln.GetPatterns()
	// Two distinct categories: network_error (x2) and timeout (x1)
	require.Len(t, patterns, 2)

	var networkOccurrences int
	for _, p := range patterns {
		assert.Equal(t, models.PatternFailure, p.Type)
		// Failure patterns never recommend
		assert.Zero(t, p.Confidence)
		if p.Category == models.CategoryNetworkError {
			networkOccurrences = p.Occurrences
		}
	}
	assert.Equal(t, 2, networkOccurrences)
}

func TestSummaryAndClear(t *testing.T) {
	ln := New(0.3)

	ln.RecordFailure("a", "timeout", nil)
	ln.RecordCorrectionSuccess("a", models.StrategyRetryBackoff)
	ln.RecordCorrectionSuccess("b", models.StrategySkipStep)

	summary := ln.GetSummary()
	assert.Equal(t, 3, summary.TotalPatterns)
	assert.Equal(t, 1, summary.ByType[models.PatternFailure])
	assert.Equal(t, 2, summary.ByType[models.PatternSuccess])
	assert.Equal(t, 2, summary.ToolsTracked)
	assert.Equal(t, []string{"a", "b"}, summary.TopRecommenders)

	ln.Clear()
	assert.Empty(t, ln.GetPatterns())
	assert.Zero(t, ln.GetSummary().TotalPatterns)
}
