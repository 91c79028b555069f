package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmarsh/valet/internal/evaluator"
	"github.com/dmarsh/valet/internal/models"
	"github.com/dmarsh/valet/internal/registry"
)

// fakeTools scripts tool behavior by tool name and records calls.
type fakeTools struct {
	mu      sync.Mutex
	handler func(call models.ToolCall) (*models.ToolResult, error)
	calls   []models.ToolCall
}

func (f *fakeTools) Execute(ctx context.Context, call models.ToolCall, _ models.ExecContext) (*models.ToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	if f.handler == nil {
		return &models.ToolResult{Status: "executed", Success: true}, nil
	}
	return f.handler(call)
}

func (f *fakeTools) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTools) lastCall() models.ToolCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func TestCheckDependencies(t *testing.T) {
	se := NewStepExecutor(&fakeTools{}, nil, 0, nil)
	step := &models.PlanStep{ID: "c", DependsOn: []string{"a", "b"}}

	ok, missing := se.CheckDependencies(step, map[string]bool{"a": true})
	assert.False(t, ok)
	assert.Equal(t, []string{"b"}, missing)

	ok, missing = se.CheckDependencies(step, map[string]bool{"a": true, "b": true})
	assert.True(t, ok)
	assert.Empty(t, missing)
}

func TestGetReadyStepsExcludesUnsatisfiedDependencies(t *testing.T) {
	se := NewStepExecutor(&fakeTools{}, nil, 0, nil)
	steps := []models.PlanStep{
		{ID: "a", Order: 1, Status: models.StepCompleted},
		{ID: "b", Order: 2, Status: models.StepPending, DependsOn: []string{"a"}},
		{ID: "c", Order: 3, Status: models.StepPending, DependsOn: []string{"b"}},
		{ID: "d", Order: 4, Status: models.StepExecuting},
	}

	ready := se.GetReadySteps(steps, map[string]bool{"a": true}, map[string]bool{"d": true})
	require.Len(t, ready, 1)
	assert.Equal(t, "b", ready[0].ID)
}

func TestGetReadyStepsSortedByOrder(t *testing.T) {
	se := NewStepExecutor(&fakeTools{}, nil, 0, nil)
	steps := []models.PlanStep{
		{ID: "late", Order: 9, Status: models.StepPending},
		{ID: "early", Order: 2, Status: models.StepPending},
	}

	ready := se.GetReadySteps(steps, nil, nil)
	require.Len(t, ready, 2)
	assert.Equal(t, "early", ready[0].ID)
}

func TestExecuteBookkeepingStepSucceeds(t *testing.T) {
	tools := &fakeTools{}
	se := NewStepExecutor(tools, nil, 0, nil)

	result := se.Execute(context.Background(), &models.PlanStep{ID: "s1"}, ExecOptions{})
	assert.True(t, result.Success)
	assert.Zero(t, tools.callCount())
}

func TestExecuteResolvesArgumentsThroughRegistry(t *testing.T) {
	tools := &fakeTools{}
	vars := registry.NewInMemory()
	vars.Set("city", "Berlin", registry.SetOptions{})
	se := NewStepExecutor(tools, vars, 0, nil)

	step := &models.PlanStep{
		ID:        "s1",
		Tool:      "echo",
		Arguments: map[string]any{"query": "weather in {{city}}"},
	}
	result := se.Execute(context.Background(), step, ExecOptions{})

	require.True(t, result.Success)
	assert.Equal(t, "weather in Berlin", tools.lastCall().Arguments["query"])
}

func TestExecuteStepLocalVariablesWin(t *testing.T) {
	tools := &fakeTools{}
	vars := registry.NewInMemory()
	vars.Set("city", "Berlin", registry.SetOptions{})
	se := NewStepExecutor(tools, vars, 0, nil)

	step := &models.PlanStep{ID: "s1", Tool: "echo", Arguments: map[string]any{"q": "{{city}}"}}
	se.Execute(context.Background(), step, ExecOptions{
		Variables: map[string]any{"city": "Paris"},
	})

	assert.Equal(t, "Paris", tools.lastCall().Arguments["q"])
}

func TestExecuteTimeoutClassifiesAsTimeout(t *testing.T) {
	tools := &fakeTools{handler: func(models.ToolCall) (*models.ToolResult, error) {
		time.Sleep(200 * time.Millisecond)
		return &models.ToolResult{Status: "executed", Success: true}, nil
	}}
	se := NewStepExecutor(tools, nil, 20*time.Millisecond, nil)

	step := &models.PlanStep{ID: "s1", Tool: "slow"}
	result := se.Execute(context.Background(), step, ExecOptions{})

	require.False(t, result.Success)
	assert.Contains(t, result.Error, "timed out")
	assert.Equal(t, models.CategoryTimeout, evaluator.CategorizeResult(result))
}

func TestExecuteToolErrorBecomesFailedResult(t *testing.T) {
	tools := &fakeTools{handler: func(models.ToolCall) (*models.ToolResult, error) {
		return nil, errors.New("connection refused")
	}}
	se := NewStepExecutor(tools, nil, 0, nil)

	result := se.Execute(context.Background(), &models.PlanStep{ID: "s1", Tool: "x"}, ExecOptions{})
	require.False(t, result.Success)
	assert.Equal(t, models.CategoryNetworkError, evaluator.CategorizeResult(result))
}

func TestExecuteCapturesExplicitVariablesVerbatim(t *testing.T) {
	tools := &fakeTools{handler: func(models.ToolCall) (*models.ToolResult, error) {
		return &models.ToolResult{
			Status:    "executed",
			Success:   true,
			Output:    "raw",
			Variables: map[string]any{"temperature": 21},
		}, nil
	}}
	vars := registry.NewInMemory()
	se := NewStepExecutor(tools, vars, 0, nil)

	result := se.Execute(context.Background(), &models.PlanStep{ID: "s1", Tool: "x"}, ExecOptions{})

	assert.Equal(t, 21, result.Variables["temperature"])
	assert.Equal(t, "raw", result.Variables["s1_output"])
	assert.Equal(t, 21, vars.Export()["temperature"])
}

func TestExecuteCapturesCommonKeysPrefixed(t *testing.T) {
	tools := &fakeTools{handler: func(models.ToolCall) (*models.ToolResult, error) {
		return &models.ToolResult{
			Status:  "executed",
			Success: true,
			Output:  map[string]any{"data": "payload", "noise": true},
		}, nil
	}}
	se := NewStepExecutor(tools, registry.NewInMemory(), 0, nil)

	result := se.Execute(context.Background(), &models.PlanStep{ID: "s1", Tool: "x"}, ExecOptions{})

	assert.Equal(t, "payload", result.Variables["s1_data"])
	assert.NotContains(t, result.Variables, "s1_noise")
	assert.NotNil(t, result.Variables["s1_output"])
}

func TestExecutePublishesLifecycleEvents(t *testing.T) {
	q := NewQueue(8)
	se := NewStepExecutor(&fakeTools{}, nil, 0, q)

	se.Execute(context.Background(), &models.PlanStep{ID: "s1", Tool: "echo"}, ExecOptions{SessionID: "sess"})

	started := <-q.Events()
	assert.Equal(t, EventStepStarted, started.Type)
	assert.Equal(t, "sess", started.SessionID)

	completed := <-q.Events()
	assert.Equal(t, EventStepCompleted, completed.Type)
}
