package models

import (
	"errors"
	"fmt"
)

// StepStatus tracks the lifecycle of a single plan step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepExecuting StepStatus = "executing"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepRetrying  StepStatus = "retrying"
	StepSkipped   StepStatus = "skipped"
)

// PlanStatus tracks the lifecycle of a plan.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanExecuting PlanStatus = "executing"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

// PlanStep is one unit of work in a plan, optionally bound to a tool call.
type PlanStep struct {
	ID          string         // Unique step identifier within the plan
	Order       int            // Execution order, unique and monotonic within a plan
	Description string         // What this step does
	Tool        string         // Tool name to invoke (empty = bookkeeping step)
	Arguments   map[string]any // Tool arguments, resolved against the variable registry
	DependsOn   []string       // Step IDs that must complete before this step
	Status      StepStatus     // Current lifecycle status
	RetryCount  int            // Retries attempted so far
	MaxRetries  int            // Retry budget for this step
	Result      *StepResult    // Result of the last execution attempt (nil if not run)
	Error       string         // Error text from the last failed attempt
}

// Plan is an ordered, dependency-annotated decomposition of a goal into steps.
type Plan struct {
	ID               string     // Unique plan identifier
	GoalID           string     // Goal this plan implements
	Steps            []PlanStep // Ordered steps
	Status           PlanStatus // Current lifecycle status
	CurrentStepIndex int        // Index of the step the loop is working on
	Version          int        // Optimistic concurrency version
}

// StepByID returns a pointer to the step with the given id, or nil.
func (p *Plan) StepByID(id string) *PlanStep {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// CompletedStepIDs returns the set of step ids whose status is completed.
func (p *Plan) CompletedStepIDs() map[string]bool {
	completed := make(map[string]bool)
	for _, step := range p.Steps {
		if step.Status == StepCompleted {
			completed[step.ID] = true
		}
	}
	return completed
}

// Validate checks step ids are unique, orders are unique, dependencies
// reference existing steps, and the dependency graph is acyclic.
// A plan violating any of these is a caller error.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return errors.New("plan has no steps")
	}

	ids := make(map[string]bool)
	orders := make(map[int]bool)
	for _, step := range p.Steps {
		if step.ID == "" {
			return errors.New("step has empty id")
		}
		if ids[step.ID] {
			return fmt.Errorf("step %s: duplicate step id", step.ID)
		}
		ids[step.ID] = true
		if orders[step.Order] {
			return fmt.Errorf("step %s: duplicate order %d", step.ID, step.Order)
		}
		orders[step.Order] = true
	}

	for _, step := range p.Steps {
		for _, dep := range step.DependsOn {
			if !ids[dep] {
				return fmt.Errorf("step %s: depends on non-existent step %s", step.ID, dep)
			}
		}
	}

	if HasCyclicDependencies(p.Steps) {
		return errors.New("plan has circular step dependencies")
	}

	return nil
}

// HasCyclicDependencies detects circular dependencies in a list of steps
// using DFS with color marking (white=unvisited, gray=visiting, black=visited)
func HasCyclicDependencies(steps []PlanStep) bool {
	// Build adjacency list: step id -> list of dependent step ids
	graph := make(map[string][]string)
	stepMap := make(map[string]bool)

	for _, step := range steps {
		stepMap[step.ID] = true
		graph[step.ID] = []string{}
	}

	// Build edges: if step A depends on B, then B -> A
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			// Self-reference is a cycle
			if dep == step.ID {
				return true
			}
			// Only add edge if dependency exists
			if stepMap[dep] {
				graph[dep] = append(graph[dep], step.ID)
			}
		}
	}

	const (
		white = 0 // not visited
		gray  = 1 // currently visiting
		black = 2 // visited
	)

	colors := make(map[string]int)
	for id := range stepMap {
		colors[id] = white
	}

	var dfs func(string) bool
	dfs = func(node string) bool {
		colors[node] = gray

		for _, neighbor := range graph[node] {
			if colors[neighbor] == gray {
				// Back edge found - cycle detected
				return true
			}
			if colors[neighbor] == white && dfs(neighbor) {
				return true
			}
		}

		colors[node] = black
		return false
	}

	for id := range stepMap {
		if colors[id] == white {
			if dfs(id) {
				return true
			}
		}
	}

	return false
}
