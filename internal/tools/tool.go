// Package tools holds the in-process tool surface: the Tool interface,
// a name-keyed registry, and the executor adapter the step executor
// calls through.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dmarsh/valet/internal/models"
)

// Tool is one agent capability invocable from a plan step.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, args map[string]any) (*models.ToolResult, error)
}

// Registry manages the set of available tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any existing tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the tool registered under name, or nil.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Executor dispatches tool calls against a registry. It satisfies the
// step executor's consumed interface.
type Executor struct {
	registry *Registry
}

// NewExecutor creates an executor backed by a registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

// Execute looks up the named tool and runs it. An unregistered tool
// name fails the call with a NOT_FOUND code rather than an error so the
// evaluator classifies it.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall, _ models.ExecContext) (*models.ToolResult, error) {
	tool := e.registry.Get(call.Name)
	if tool == nil {
		return &models.ToolResult{
			Status:    "failed",
			Success:   false,
			Error:     fmt.Sprintf("tool %q is not registered", call.Name),
			ErrorCode: "NOT_FOUND",
		}, nil
	}

	result, err := tool.Execute(ctx, call.Arguments)
	if err != nil {
		return &models.ToolResult{
			Status:  "failed",
			Success: false,
			Error:   err.Error(),
		}, nil
	}
	if result == nil {
		result = &models.ToolResult{Success: true}
	}
	if result.Status == "" {
		result.Status = "executed"
	}
	return result, nil
}
