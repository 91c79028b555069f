package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dmarsh/valet/internal/models"
)

// LLMClient is the optional natural-language evaluator. The response is
// free text expected to contain one JSON object. Absence of this
// collaborator disables refinement without affecting correctness.
type LLMClient interface {
	Evaluate(ctx context.Context, prompt string) (string, error)
}

// llmRefinement is the subset of fields the LLM may override. Only
// recognized fields with valid values are merged over the rule-based
// baseline.
type llmRefinement struct {
	Succeeded         *bool   `json:"succeeded"`
	ShouldContinue    *bool   `json:"should_continue"`
	NeedsCorrection   *bool   `json:"needs_correction"`
	Category          string  `json:"category"`
	SuggestedStrategy string  `json:"suggested_strategy"`
	Reasoning         string  `json:"reasoning"`
	Confidence        float64 `json:"confidence"`
}

// EvaluateStepRefined computes the rule-based judgment and, when an LLM
// client is configured, refines it. Any LLM failure (network error,
// timeout, malformed JSON, no JSON found) silently falls back to the
// rule-based result; LLM failure is never surfaced to the caller.
func (e *Evaluator) EvaluateStepRefined(ctx context.Context, goal *models.Goal, plan *models.Plan, step *models.PlanStep, result *models.StepResult) models.StepEvaluation {
	baseline := e.EvaluateStep(step, result)

	if e.llm == nil {
		return baseline
	}

	prompt := buildStepPrompt(goal, plan, step, result, baseline)
	response, err := e.llm.Evaluate(ctx, prompt)
	if err != nil {
		return baseline
	}

	refinement, ok := tryParseRefinement(response)
	if !ok {
		return baseline
	}

	return mergeRefinement(baseline, refinement)
}

// buildStepPrompt embeds the rule-based judgment and goal/plan context
// so the LLM refines rather than re-derives.
func buildStepPrompt(goal *models.Goal, plan *models.Plan, step *models.PlanStep, result *models.StepResult, baseline models.StepEvaluation) string {
	var sb strings.Builder
	sb.WriteString("You are evaluating one step of an autonomous execution plan.\n\n")

	if goal != nil {
		fmt.Fprintf(&sb, "Goal: %s\n", goal.Description)
	}
	if plan != nil {
		fmt.Fprintf(&sb, "Plan: %d steps, currently at index %d\n", len(plan.Steps), plan.CurrentStepIndex)
	}
	fmt.Fprintf(&sb, "Step: %s (%s)\n", step.ID, step.Description)
	if step.Tool != "" {
		fmt.Fprintf(&sb, "Tool: %s\n", step.Tool)
	}

	if result != nil {
		fmt.Fprintf(&sb, "Succeeded: %v\n", result.Success)
		if result.Error != "" {
			fmt.Fprintf(&sb, "Error: %s\n", result.Error)
		}
	}

	sb.WriteString("\nRule-based judgment:\n")
	fmt.Fprintf(&sb, "  category: %s\n", baseline.Category)
	fmt.Fprintf(&sb, "  suggested_strategy: %s\n", baseline.SuggestedStrategy)
	fmt.Fprintf(&sb, "  should_continue: %v\n", baseline.ShouldContinue)

	sb.WriteString(`
Respond with one JSON object. Recognized fields (all optional):
{"succeeded": bool, "should_continue": bool, "needs_correction": bool,
 "category": string, "suggested_strategy": string, "reasoning": string}
Valid categories: validation_error, permission_denied, resource_not_found,
timeout, rate_limit, network_error, tool_error, unknown.
Valid strategies: retry_with_backoff, parameter_variation, alternative_tool,
decompose_step, skip_step, abort_execution.
Only include fields you want to override.
`)

	return sb.String()
}

// tryParseRefinement extracts the first balanced JSON object from free
// text and parses it. Returns ok=false on any failure; callers fall
// back to the rule-based result.
func tryParseRefinement(response string) (llmRefinement, bool) {
	var refinement llmRefinement

	raw, ok := extractBalancedJSON(response)
	if !ok {
		return refinement, false
	}
	if err := json.Unmarshal([]byte(raw), &refinement); err != nil {
		return refinement, false
	}
	return refinement, true
}

// extractBalancedJSON returns the first balanced {...} object in text,
// tracking string literals and escapes so braces inside strings do not
// confuse the depth count.
func extractBalancedJSON(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return text[start : i+1], true
				}
			}
		}
	}

	return "", false
}

// mergeRefinement applies recognized refinement fields over the
// rule-based baseline. Unrecognized category or strategy values are
// ignored rather than propagated.
func mergeRefinement(baseline models.StepEvaluation, refinement llmRefinement) models.StepEvaluation {
	merged := baseline

	if refinement.Succeeded != nil {
		merged.Succeeded = *refinement.Succeeded
	}
	if refinement.ShouldContinue != nil {
		merged.ShouldContinue = *refinement.ShouldContinue
	}
	if refinement.NeedsCorrection != nil {
		merged.NeedsCorrection = *refinement.NeedsCorrection
	}
	if category := models.FailureCategory(refinement.Category); refinement.Category != "" && isValidCategory(category) {
		merged.Category = category
	}
	if strategy := models.CorrectionStrategy(refinement.SuggestedStrategy); refinement.SuggestedStrategy != "" && models.LadderRank(strategy) >= 0 {
		merged.SuggestedStrategy = strategy
	}
	if refinement.Reasoning != "" {
		merged.Reasoning = refinement.Reasoning
	}

	return merged
}

// isValidCategory reports whether the category is in the closed set.
func isValidCategory(category models.FailureCategory) bool {
	if category == models.CategoryUnknown {
		return true
	}
	for _, known := range models.CategoryPriority {
		if category == known {
			return true
		}
	}
	return false
}
