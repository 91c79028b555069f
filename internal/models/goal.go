// Package models defines the goal/plan/step data model and the
// failure, pattern, and session types shared across the engine.
package models

import (
	"errors"
	"time"
)

// GoalPriority orders goals by urgency.
type GoalPriority string

const (
	PriorityLow    GoalPriority = "low"
	PriorityNormal GoalPriority = "normal"
	PriorityHigh   GoalPriority = "high"
	PriorityUrgent GoalPriority = "urgent"
)

// GoalStatus tracks the lifecycle of a goal.
type GoalStatus string

const (
	GoalPending   GoalStatus = "pending"
	GoalExecuting GoalStatus = "executing"
	GoalCompleted GoalStatus = "completed"
	GoalFailed    GoalStatus = "failed"
	GoalCancelled GoalStatus = "cancelled"
)

// Goal is the desired outcome supplied to the engine. Immutable once
// execution starts, except status and timestamps.
type Goal struct {
	ID              string       // Unique goal identifier
	Description     string       // What the user wants done
	Constraints     []string     // Optional constraints on how
	SuccessCriteria []string     // Optional criteria for achievement
	Priority        GoalPriority // Scheduling priority
	Status          GoalStatus   // Current lifecycle status
	CreatedAt       time.Time    // When the goal was created
	UpdatedAt       time.Time    // Last mutation
}

// Validate checks the goal carries the minimum required fields.
func (g *Goal) Validate() error {
	if g.ID == "" {
		return errors.New("goal has empty id")
	}
	if g.Description == "" {
		return errors.New("goal has empty description")
	}
	switch g.Priority {
	case "", PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
	default:
		return errors.New("goal has unknown priority " + string(g.Priority))
	}
	return nil
}
