package models

import "time"

// FailureCategory is a coarse classification of why a step failed.
// The set is closed; anything unrecognized resolves to CategoryUnknown.
type FailureCategory string

const (
	CategoryValidationError  FailureCategory = "validation_error"
	CategoryPermissionDenied FailureCategory = "permission_denied"
	CategoryNotFound         FailureCategory = "resource_not_found"
	CategoryTimeout          FailureCategory = "timeout"
	CategoryRateLimit        FailureCategory = "rate_limit"
	CategoryNetworkError     FailureCategory = "network_error"
	CategoryToolError        FailureCategory = "tool_error"
	CategoryUnknown          FailureCategory = "unknown"
)

// CategoryPriority lists categories in classification priority order.
// Error strings can contain multiple keywords ("timeout" inside a
// "tool error" message), so the scan is first-match-wins in this order.
var CategoryPriority = []FailureCategory{
	CategoryTimeout,
	CategoryRateLimit,
	CategoryNotFound,
	CategoryPermissionDenied,
	CategoryValidationError,
	CategoryNetworkError,
	CategoryToolError,
}

// CorrectionStrategy is one of a fixed escalation ladder of remedies
// applied after a step failure.
type CorrectionStrategy string

const (
	StrategyRetryBackoff       CorrectionStrategy = "retry_with_backoff"
	StrategyParameterVariation CorrectionStrategy = "parameter_variation"
	StrategyAlternativeTool    CorrectionStrategy = "alternative_tool"
	StrategyDecomposeStep      CorrectionStrategy = "decompose_step"
	StrategySkipStep           CorrectionStrategy = "skip_step"
	StrategyAbortExecution     CorrectionStrategy = "abort_execution"
)

// EscalationLadder orders strategies least to most drastic. The Strategy
// Selector never re-suggests a tried strategy; it advances along this ladder.
var EscalationLadder = []CorrectionStrategy{
	StrategyRetryBackoff,
	StrategyParameterVariation,
	StrategyAlternativeTool,
	StrategyDecomposeStep,
	StrategySkipStep,
	StrategyAbortExecution,
}

// LadderRank returns the position of a strategy on the escalation ladder,
// or -1 for an unknown strategy.
func LadderRank(s CorrectionStrategy) int {
	for i, candidate := range EscalationLadder {
		if candidate == s {
			return i
		}
	}
	return -1
}

// TrackedFailure is one failure record held by the ledger. Created by the
// ledger on track; mutated only to set StrategyAttempted and
// CorrectionSucceeded; removed only by the retention sweep, eviction,
// or an explicit session/global clear.
type TrackedFailure struct {
	ID                  string             // Unique failure id, assigned by the ledger
	StepID              string             // Step that failed
	PlanID              string             // Plan the step belongs to (optional)
	ChainID             string             // Correction chain this failure belongs to (optional)
	ToolName            string             // Tool that was being invoked (optional)
	Error               string             // Error text
	Category            FailureCategory    // Classified failure category
	Arguments           map[string]any     // Snapshot of the step arguments at failure time
	Timestamp           time.Time          // When the failure was tracked
	StrategyAttempted   CorrectionStrategy // Strategy applied in response (empty until selected)
	CorrectionSucceeded *bool              // Outcome of the correction (nil until recorded)
}

// PatternType classifies a learned pattern.
type PatternType string

const (
	PatternFailure      PatternType = "failure_pattern"
	PatternSuccess      PatternType = "success_pattern"
	PatternOptimization PatternType = "optimization"
)

// LearnedPattern is a confidence-scored association between a tool,
// a strategy or category, and an observed outcome. Patterns accumulate
// monotonically until explicitly cleared.
type LearnedPattern struct {
	ID             string             // Unique pattern id
	Type           PatternType        // failure_pattern, success_pattern, or optimization
	AppliesTo      string             // Tool or step the pattern applies to
	Strategy       CorrectionStrategy // Strategy this pattern scores (success patterns)
	Category       FailureCategory    // Category this pattern tracks (failure patterns)
	Description    string             // What was observed
	Recommendation string             // What to do about it
	Confidence     float64            // Score in [0,1]
	Occurrences    int                // How many times this pattern was observed
	LastSeen       time.Time          // Most recent observation
	CreatedAt      time.Time          // First observation
}
