// Package evaluator turns raw step and plan results into structured
// judgments: success, failure category, suggested correction strategy,
// and whether execution should continue.
//
// The rule-based path is always computed and is authoritative. An
// optional LLM refinement can override recognized fields, but any LLM
// failure silently falls back to the rule-based result.
package evaluator

import (
	"fmt"
	"math"
	"strings"

	"github.com/dmarsh/valet/internal/models"
)

// categoryKeywords maps each failure category to the substrings that
// identify it. The scan follows models.CategoryPriority first-match-wins:
// order matters because error strings can contain multiple keywords.
var categoryKeywords = map[models.FailureCategory][]string{
	models.CategoryTimeout:          {"timeout", "timed out", "deadline exceeded"},
	models.CategoryRateLimit:        {"rate limit", "too many requests", "429"},
	models.CategoryNotFound:         {"not found", "no such", "does not exist", "404"},
	models.CategoryPermissionDenied: {"permission denied", "forbidden", "unauthorized", "access denied", "403", "401"},
	models.CategoryValidationError:  {"validation", "invalid", "bad request", "missing required", "400"},
	models.CategoryNetworkError:     {"network", "connection", "econnrefused", "econnreset", "unreachable", "dns"},
	models.CategoryToolError:        {"tool error", "tool failed", "execution failed", "tool"},
}

// errorCodeCategories maps structured tool error codes to categories.
// When the tool executor supplies a code, it is preferred over free-text
// matching.
var errorCodeCategories = map[string]models.FailureCategory{
	"TIMEOUT":           models.CategoryTimeout,
	"RATE_LIMIT":        models.CategoryRateLimit,
	"NOT_FOUND":         models.CategoryNotFound,
	"PERMISSION_DENIED": models.CategoryPermissionDenied,
	"VALIDATION_ERROR":  models.CategoryValidationError,
	"NETWORK_ERROR":     models.CategoryNetworkError,
	"TOOL_ERROR":        models.CategoryToolError,
}

// Evaluator produces step and plan evaluations. Construct with New;
// the LLM client is optional and nil disables refinement.
type Evaluator struct {
	llm LLMClient
}

// New creates an Evaluator. Pass nil to disable LLM refinement.
func New(llm LLMClient) *Evaluator {
	return &Evaluator{llm: llm}
}

// CategorizeFailure classifies error text into a failure category by
// first-match-wins substring scan in priority order. Never fails: an
// unrecognized error resolves to CategoryUnknown.
func CategorizeFailure(errText string) models.FailureCategory {
	lowered := strings.ToLower(errText)
	for _, category := range models.CategoryPriority {
		for _, keyword := range categoryKeywords[category] {
			if strings.Contains(lowered, keyword) {
				return category
			}
		}
	}
	return models.CategoryUnknown
}

// CategorizeResult classifies a step result, preferring a structured
// error code from the tool executor over free-text matching.
func CategorizeResult(result *models.StepResult) models.FailureCategory {
	if result == nil {
		return models.CategoryUnknown
	}
	if result.ToolResult != nil && result.ToolResult.ErrorCode != "" {
		if category, ok := errorCodeCategories[strings.ToUpper(result.ToolResult.ErrorCode)]; ok {
			return category
		}
	}
	return CategorizeFailure(result.Error)
}

// SuggestCorrectionStrategy maps a failure category and retry state onto
// the escalation ladder. The second return value is false when no
// strategy is suggested (unknown category past its first attempt).
func SuggestCorrectionStrategy(category models.FailureCategory, retryCount, maxRetries int) (models.CorrectionStrategy, bool) {
	// Retries exhausted: escalate to a terminal per-step action.
	if retryCount >= maxRetries {
		switch category {
		case models.CategoryNotFound, models.CategoryPermissionDenied:
			return models.StrategySkipStep, true
		case models.CategoryToolError:
			return models.StrategyAlternativeTool, true
		case models.CategoryTimeout:
			return models.StrategyDecomposeStep, true
		default:
			return models.StrategyAbortExecution, true
		}
	}

	switch category {
	case models.CategoryTimeout, models.CategoryRateLimit, models.CategoryNetworkError:
		return models.StrategyRetryBackoff, true
	case models.CategoryValidationError:
		return models.StrategyParameterVariation, true
	case models.CategoryNotFound:
		return models.StrategyAlternativeTool, true
	case models.CategoryPermissionDenied:
		return models.StrategySkipStep, true
	case models.CategoryToolError:
		if retryCount == 0 {
			return models.StrategyRetryBackoff, true
		}
		return models.StrategyAlternativeTool, true
	default:
		// Unknown: conservative single retry, then stop suggesting.
		if retryCount == 0 {
			return models.StrategyRetryBackoff, true
		}
		return "", false
	}
}

// EvaluateStep computes the rule-based judgment for one step result.
func (e *Evaluator) EvaluateStep(step *models.PlanStep, result *models.StepResult) models.StepEvaluation {
	if result != nil && result.Success {
		return models.StepEvaluation{
			Succeeded:      true,
			ShouldContinue: true,
			Reasoning:      fmt.Sprintf("step %s completed successfully", step.ID),
		}
	}

	category := CategorizeResult(result)
	strategy, suggested := SuggestCorrectionStrategy(category, step.RetryCount, step.MaxRetries)

	eval := models.StepEvaluation{
		Succeeded:         false,
		Category:          category,
		SuggestedStrategy: strategy,
		NeedsCorrection:   suggested && strategy != models.StrategyAbortExecution,
		ShouldContinue:    strategy != models.StrategyAbortExecution,
		Reasoning:         fmt.Sprintf("step %s failed with %s (retry %d/%d)", step.ID, category, step.RetryCount, step.MaxRetries),
	}
	if suggested {
		eval.Reasoning += fmt.Sprintf(", suggesting %s", strategy)
	}
	return eval
}

// wellKnownKeys are output fields preferred when capturing variables,
// checked in this order.
var wellKnownKeys = []string{"data", "result", "items", "content"}

// ExtractVariables pulls capturable values from a raw step output.
// An explicit capturedVariables field wins; otherwise a single
// well-known key is preferred; small objects are captured whole;
// primitives are wrapped under "value".
func ExtractVariables(output any) map[string]any {
	if output == nil {
		return nil
	}

	obj, isMap := output.(map[string]any)
	if !isMap {
		return map[string]any{"value": output}
	}

	if captured, ok := obj["capturedVariables"].(map[string]any); ok {
		return captured
	}

	for _, key := range wellKnownKeys {
		if value, ok := obj[key]; ok {
			return map[string]any{key: value}
		}
	}

	if len(obj) <= 5 {
		return obj
	}

	// Too many keys to capture wholesale
	return nil
}

// EvaluatePlan computes the plan-level judgment: completion, goal
// achievement, and a weighted confidence score.
func (e *Evaluator) EvaluatePlan(plan *models.Plan) models.PlanEvaluation {
	var completed, failed, skipped int
	for _, step := range plan.Steps {
		switch step.Status {
		case models.StepCompleted:
			completed++
		case models.StepFailed:
			failed++
		case models.StepSkipped:
			skipped++
		}
	}

	total := len(plan.Steps)
	isComplete := total > 0 && completed == total

	return models.PlanEvaluation{
		IsComplete:   isComplete,
		GoalAchieved: isComplete && failed == 0,
		Confidence:   CalculateConfidence(plan.Steps),
		Reasoning:    fmt.Sprintf("%d/%d steps completed, %d failed, %d skipped", completed, total, failed, skipped),
		Completed:    completed,
		Failed:       failed,
		Skipped:      skipped,
	}
}

// CalculateConfidence scores a plan's steps: 1.0 per completed step,
// 0.5 per skipped step, 0 otherwise, divided by total and rounded to
// two decimals.
func CalculateConfidence(steps []models.PlanStep) float64 {
	if len(steps) == 0 {
		return 0
	}

	var score float64
	for _, step := range steps {
		switch step.Status {
		case models.StepCompleted:
			score += 1.0
		case models.StepSkipped:
			score += 0.5
		}
	}

	return math.Round(score/float64(len(steps))*100) / 100
}
