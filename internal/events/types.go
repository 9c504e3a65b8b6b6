// Package events provides event types and utilities for the Kandev event system.
package events

// Event types for tasks
const (
	TaskCreated      = "task.created"
	TaskUpdated      = "task.updated"
	TaskStateChanged = "task.state_changed"
	TaskDeleted      = "task.deleted"
)

// Event types for Docker-backed agent instances
const (
	AgentStarted   = "agent.started"
	AgentStopped   = "agent.stopped"
	AgentCompleted = "agent.completed"
	AgentFailed    = "agent.failed"
)

// Event types for task attempts and their execution chain
const (
	AttemptCreated        = "attempt.created"
	AttemptWorktreeReady  = "attempt.worktree_ready"
	AttemptExpired        = "attempt.expired"
	AttemptCleanedUp      = "attempt.cleaned_up"
)

// Event types for execution processes
const (
	ExecutionStarted   = "execution.started"
	ExecutionRunning   = "execution.running"
	ExecutionCompleted = "execution.completed"
	ExecutionFailed    = "execution.failed"
	ExecutionKilled    = "execution.killed"
)

// Event types for the log message stream
const (
	LogMessage = "log.message" // Base subject for per-execution log messages
)

// Event types for the diff stream
const (
	DiffUpdated = "diff.updated" // Base subject for per-attempt diff updates
)

// Event types for accounting/analytics
const (
	// TaskAttemptFinished fires once accounting has settled a CodingAgent
	// execution, carrying task/attempt/execution ids and the final status
	// for out-of-core subscribers (notification side-channel, analytics).
	TaskAttemptFinished = "analytics.task_attempt_finished"
)

// BuildExecutionSubject creates a subject for log messages scoped to one
// execution process.
func BuildExecutionSubject(executionProcessID string) string {
	return LogMessage + "." + executionProcessID
}

// BuildExecutionWildcardSubject creates a wildcard subscription for all log
// messages across every execution process.
func BuildExecutionWildcardSubject() string {
	return LogMessage + ".*"
}

// BuildDiffSubject creates a subject for diff updates scoped to one task
// attempt.
func BuildDiffSubject(taskAttemptID string) string {
	return DiffUpdated + "." + taskAttemptID
}
