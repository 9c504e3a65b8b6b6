// Package store persists the task-attempt execution core's entities:
// attempts, their process chain, follow-up drafts, accounting artifacts,
// and activity/cost rows. It mirrors internal/task/repository's split
// between an in-memory implementation (tests, ephemeral deployments) and
// a sqlite-backed one.
package store

import (
	"context"
	"errors"

	v1 "github.com/kandev/kandev/pkg/api/v1"
)

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("execution store: not found")

// Store is the persistence surface the execution core's components (C4
// through C9) are built against.
type Store interface {
	CreateProject(ctx context.Context, project *v1.Project) error
	GetProject(ctx context.Context, id string) (*v1.Project, error)
	ListProjects(ctx context.Context) ([]*v1.Project, error)

	CreateTaskAttempt(ctx context.Context, attempt *v1.TaskAttempt) error
	GetTaskAttempt(ctx context.Context, id string) (*v1.TaskAttempt, error)
	UpdateTaskAttempt(ctx context.Context, attempt *v1.TaskAttempt) error
	ListTaskAttemptsByTask(ctx context.Context, taskID string) ([]*v1.TaskAttempt, error)
	// ListTaskAttempts returns every non-deleted attempt, for the cleanup
	// scheduler's sweeps which are not scoped to a single task.
	ListTaskAttempts(ctx context.Context) ([]*v1.TaskAttempt, error)

	CreateExecutionProcess(ctx context.Context, process *v1.ExecutionProcess) error
	GetExecutionProcess(ctx context.Context, id string) (*v1.ExecutionProcess, error)
	UpdateExecutionProcess(ctx context.Context, process *v1.ExecutionProcess) error
	ListExecutionProcessesByAttempt(ctx context.Context, attemptID string) ([]*v1.ExecutionProcess, error)
	ListRunningExecutionProcessesByAttempt(ctx context.Context, attemptID string) ([]*v1.ExecutionProcess, error)

	GetFollowUpDraft(ctx context.Context, attemptID string) (*v1.FollowUpDraft, error)
	UpsertFollowUpDraft(ctx context.Context, draft *v1.FollowUpDraft) error
	// TryMarkSending atomically sets Sending=true and returns true iff it
	// transitioned from false; a false return means another sender already
	// owns the draft.
	TryMarkSending(ctx context.Context, attemptID string) (bool, error)
	ClearSending(ctx context.Context, attemptID string) error
	ClearQueued(ctx context.Context, attemptID string) error

	UpsertExecutionSummary(ctx context.Context, summary *v1.ExecutionSummary) error
	GetExecutionSummary(ctx context.Context, executionProcessID string) (*v1.ExecutionSummary, error)

	CreateExecutionArtifact(ctx context.Context, artifact *v1.ExecutionArtifact) error
	ListExecutionArtifactsByAttempt(ctx context.Context, attemptID string) ([]*v1.ExecutionArtifact, error)

	CreateActivityLog(ctx context.Context, entry *v1.ActivityLog) error
	ListActivityLogsByTask(ctx context.Context, taskID string) ([]*v1.ActivityLog, error)

	CreateVibeTransaction(ctx context.Context, tx *v1.VibeTransaction) error
	UpdateVibeTransaction(ctx context.Context, tx *v1.VibeTransaction) error
	ListVibeTransactionsByTask(ctx context.Context, taskID string) ([]*v1.VibeTransaction, error)

	CreateAgentFlow(ctx context.Context, flow *v1.AgentFlow) error
	UpdateAgentFlowStatus(ctx context.Context, id string, status v1.AgentFlowStatus) error
	GetAgentFlowByExecutionProcess(ctx context.Context, executionProcessID string) (*v1.AgentFlow, error)
	CreateAgentFlowEvent(ctx context.Context, event *v1.AgentFlowEvent) error

	Close() error
}
