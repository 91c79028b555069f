package executor

import "errors"

// Sentinel errors callers branch on.
var (
	// ErrSessionCancelled is returned by Run when the session's context
	// is cancelled before the plan finishes.
	ErrSessionCancelled = errors.New("session cancelled")

	// ErrIterationBudget is returned by Run when the session exhausts
	// its iteration budget without completing. Distinct from an explicit
	// abort_execution.
	ErrIterationBudget = errors.New("iteration budget exhausted")

	// ErrStepTimeout marks a step that lost the race against its
	// per-step timeout. Kept distinct from generic tool errors so the
	// evaluator classifies it as a timeout, not unknown.
	ErrStepTimeout = errors.New("step execution timed out")
)
