package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the execution session state machine:
//
//	initializing -> planning -> executing <-> {waiting_approval, correcting}
//	executing -> {completed, failed, cancelled, paused}
//
// waiting_approval and correcting are sub-states that always return to
// executing or terminate.
type SessionStatus string

const (
	SessionInitializing    SessionStatus = "initializing"
	SessionPlanning        SessionStatus = "planning"
	SessionExecuting       SessionStatus = "executing"
	SessionWaitingApproval SessionStatus = "waiting_approval"
	SessionCorrecting      SessionStatus = "correcting"
	SessionCompleted       SessionStatus = "completed"
	SessionFailed          SessionStatus = "failed"
	SessionCancelled       SessionStatus = "cancelled"
	SessionPaused          SessionStatus = "paused"
)

// sessionTransitions encodes the legal state machine edges.
var sessionTransitions = map[SessionStatus][]SessionStatus{
	SessionInitializing:    {SessionPlanning, SessionExecuting, SessionFailed, SessionCancelled},
	SessionPlanning:        {SessionExecuting, SessionFailed, SessionCancelled},
	SessionExecuting:       {SessionWaitingApproval, SessionCorrecting, SessionCompleted, SessionFailed, SessionCancelled, SessionPaused},
	SessionWaitingApproval: {SessionExecuting, SessionFailed, SessionCancelled},
	SessionCorrecting:      {SessionExecuting, SessionFailed, SessionCancelled},
	SessionPaused:          {SessionExecuting, SessionCancelled},
}

// IsTerminal reports whether the status admits no further transitions.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal edge.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	for _, allowed := range sessionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ExecutionSession is one run of the engine against a goal. Owned
// exclusively by the execution loop for its lifetime; persisted as a
// snapshot via the execution store.
type ExecutionSession struct {
	ID             string           // Unique session identifier
	Goal           Goal             // The goal being executed
	Plan           *Plan            // The plan driving execution (nil until planning completes)
	Status         SessionStatus    // Current state machine status
	IterationCount int              // Loop iterations consumed
	MaxIterations  int              // Iteration budget
	Variables      map[string]any   // Variables captured from step outputs
	Failures       []TrackedFailure // Failures observed during this session
	Patterns       []LearnedPattern // Patterns learned during this session
	StartedAt      time.Time        // When the session started
	UpdatedAt      time.Time        // Last mutation
	CompletedAt    *time.Time       // When the session reached a terminal status
	Result         *ExecutionResult // Final result (nil until terminal)
	UserID         string           // Owning user (optional)
}

// NewSession creates an initializing session for the given goal.
func NewSession(goal Goal, maxIterations int) *ExecutionSession {
	now := time.Now()
	return &ExecutionSession{
		ID:            generateSessionID(),
		Goal:          goal,
		Status:        SessionInitializing,
		MaxIterations: maxIterations,
		Variables:     make(map[string]any),
		StartedAt:     now,
		UpdatedAt:     now,
	}
}

// Transition moves the session to the next status, enforcing the state
// machine. Returns an error on an illegal edge.
func (s *ExecutionSession) Transition(next SessionStatus) error {
	if !s.Status.CanTransition(next) {
		return fmt.Errorf("illegal session transition %s -> %s", s.Status, next)
	}
	s.Status = next
	s.UpdatedAt = time.Now()
	if next.IsTerminal() {
		now := time.Now()
		s.CompletedAt = &now
	}
	return nil
}

// generateSessionID creates a unique session identifier.
// Format: session-YYYYMMDD-HHMMSS-<short uuid>
func generateSessionID() string {
	now := time.Now()
	return fmt.Sprintf("session-%s-%s", now.Format("20060102-150405"), uuid.NewString()[:8])
}

// ExecutionCheckpoint is a point-in-time snapshot of a session for crash
// recovery. Checkpointing is not transactional with step execution: a
// crash between a step completing and the next checkpoint can replay
// that step on resume.
type ExecutionCheckpoint struct {
	SessionID  string    // Session this checkpoint belongs to
	StepIndex  int       // Index of the next step to execute
	TotalSteps int       // Total steps in the plan at snapshot time
	State      []byte    // Serialized session snapshot (JSON)
	SavedAt    time.Time // When the checkpoint was written
}

// PlanCheckpoint is a plan-scoped snapshot, used when a plan is shared
// across session restarts.
type PlanCheckpoint struct {
	PlanID     string    // Plan this checkpoint belongs to
	StepIndex  int       // Index of the next step to execute
	TotalSteps int       // Total steps in the plan at snapshot time
	State      []byte    // Serialized plan snapshot (JSON)
	SavedAt    time.Time // When the checkpoint was written
}
