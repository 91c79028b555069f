package evaluator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmarsh/valet/internal/models"
)

type stubLLM struct {
	response string
	err      error
	called   bool
}

func (s *stubLLM) Evaluate(ctx context.Context, prompt string) (string, error) {
	s.called = true
	return s.response, s.err
}

func failingStep() (*models.PlanStep, *models.StepResult) {
	step := &models.PlanStep{ID: "s1", Description: "fetch data", Tool: "http_get", MaxRetries: 3}
	result := &models.StepResult{Success: false, Error: "connection refused"}
	return step, result
}

func TestEvaluateStepRefinedNoLLM(t *testing.T) {
	e := New(nil)
	step, result := failingStep()

	eval := e.EvaluateStepRefined(context.Background(), nil, nil, step, result)
	assert.Equal(t, models.CategoryNetworkError, eval.Category)
}

func TestEvaluateStepRefinedLLMError(t *testing.T) {
	llm := &stubLLM{err: errors.New("llm unavailable")}
	e := New(llm)
	step, result := failingStep()

	baseline := e.EvaluateStep(step, result)
	eval := e.EvaluateStepRefined(context.Background(), nil, nil, step, result)

	// LLM failure must yield the rule-based evaluation unchanged
	assert.True(t, llm.called)
	assert.Equal(t, baseline, eval)
}

func TestEvaluateStepRefinedNonJSONResponse(t *testing.T) {
	llm := &stubLLM{response: "I think this step probably failed because of the network."}
	e := New(llm)
	step, result := failingStep()

	baseline := e.EvaluateStep(step, result)
	eval := e.EvaluateStepRefined(context.Background(), nil, nil, step, result)
	assert.Equal(t, baseline, eval)
}

func TestEvaluateStepRefinedMalformedJSON(t *testing.T) {
	llm := &stubLLM{response: `{"category": "network_error", unparseable`}
	e := New(llm)
	step, result := failingStep()

	baseline := e.EvaluateStep(step, result)
	eval := e.EvaluateStepRefined(context.Background(), nil, nil, step, result)
	assert.Equal(t, baseline, eval)
}

func TestEvaluateStepRefinedMergesRecognizedFields(t *testing.T) {
	llm := &stubLLM{response: `The step hit a quota limit.
{"category": "rate_limit", "suggested_strategy": "retry_with_backoff", "reasoning": "quota exhausted upstream"}`}
	e := New(llm)
	step, result := failingStep()

	eval := e.EvaluateStepRefined(context.Background(), nil, nil, step, result)
	assert.Equal(t, models.CategoryRateLimit, eval.Category)
	assert.Equal(t, models.StrategyRetryBackoff, eval.SuggestedStrategy)
	assert.Equal(t, "quota exhausted upstream", eval.Reasoning)
}

func TestEvaluateStepRefinedRejectsInvalidEnums(t *testing.T) {
	llm := &stubLLM{response: `{"category": "cosmic_rays", "suggested_strategy": "pray"}`}
	e := New(llm)
	step, result := failingStep()

	baseline := e.EvaluateStep(step, result)
	eval := e.EvaluateStepRefined(context.Background(), nil, nil, step, result)

	// Unrecognized enum values are ignored, not propagated
	assert.Equal(t, baseline.Category, eval.Category)
	assert.Equal(t, baseline.SuggestedStrategy, eval.SuggestedStrategy)
}

func TestExtractBalancedJSON(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
		ok   bool
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`, true},
		{"object in prose", `sure! {"a": {"b": 2}} hope that helps`, `{"a": {"b": 2}}`, true},
		{"brace inside string", `{"msg": "use { carefully"}`, `{"msg": "use { carefully"}`, true},
		{"escaped quote", `{"msg": "say \"hi\" {ok}"}`, `{"msg": "say \"hi\" {ok}"}`, true},
		{"no object", "nothing here", "", false},
		{"unbalanced", `{"a": 1`, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := extractBalancedJSON(tt.text)
			require.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
