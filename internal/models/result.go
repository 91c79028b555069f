package models

import "time"

// ToolCall identifies one invocation handed to the tool executor.
type ToolCall struct {
	ID        string         // Unique call id
	Name      string         // Registered tool name
	Arguments map[string]any // Resolved arguments
	Timestamp time.Time      // When the call was issued
}

// ExecContext carries the ambient identifiers and variables a tool call
// executes under.
type ExecContext struct {
	ConversationID string         // Conversation the session belongs to
	TurnID         string         // Turn within the conversation
	UserID         string         // Acting user
	Variables      map[string]any // Merged variable snapshot
}

// ToolResult is the structured result returned by the tool executor.
type ToolResult struct {
	Status    string         // Executor status: "executed", "failed", "rejected"
	Success   bool           // Whether the tool call itself succeeded
	Output    any            // Raw tool output
	Error     string         // Error text if the call failed
	ErrorCode string         // Structured error code, preferred over text matching when set
	Variables map[string]any // Values the tool explicitly exported for capture
}

// StepResult represents the outcome of executing a single plan step.
type StepResult struct {
	Success    bool           // Whether the step succeeded
	Output     any            // Captured output from the tool call
	ToolResult *ToolResult    // Structured tool result (nil for bookkeeping steps)
	Error      string         // Error text if the step failed
	Duration   time.Duration  // Time taken to execute
	Variables  map[string]any // Variables captured from the output
}

// StepEvaluation is the Outcome Evaluator's judgment of one step result.
// Ephemeral: folded into the step's result, never persisted on its own.
type StepEvaluation struct {
	Succeeded         bool               // Whether the step succeeded
	ShouldContinue    bool               // Whether the session should keep executing
	NeedsCorrection   bool               // Whether a correction strategy should be applied
	Category          FailureCategory    // Failure classification (empty on success)
	SuggestedStrategy CorrectionStrategy // Suggested correction (empty if none)
	Reasoning         string             // Human-readable explanation
}

// PlanEvaluation is the Outcome Evaluator's judgment of a whole plan.
type PlanEvaluation struct {
	IsComplete   bool    // Every step reached completed status
	GoalAchieved bool    // Complete with zero failed steps
	Confidence   float64 // Weighted completion score in [0,1], two decimals
	Reasoning    string  // Templated summary of completed/failed counts
	Completed    int     // Steps completed
	Failed       int     // Steps failed
	Skipped      int     // Steps skipped
}

// StrategySelection is the Strategy Selector's ephemeral output.
type StrategySelection struct {
	Strategy   CorrectionStrategy // The chosen correction strategy
	Confidence float64            // Selector confidence in [0,1]
	Reasoning  string             // Short human-readable rationale
}

// ExecutionResult is the final, user-visible outcome of a session.
type ExecutionResult struct {
	Success        bool          // Whether the goal was achieved
	Error          string        // Error text for failed sessions
	StepsCompleted int           // Steps that completed
	StepsFailed    int           // Steps that failed
	StepsSkipped   int           // Steps that were skipped
	TotalSteps     int           // Total steps in the plan
	Confidence     float64       // Plan-level confidence score
	Reasoning      string        // Plan-level evaluation summary
	Duration       time.Duration // Total execution time
}
