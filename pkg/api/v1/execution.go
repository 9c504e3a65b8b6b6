package v1

import "time"

// RunReason is the role a spawned process plays within a task attempt's chain.
type RunReason string

const (
	RunReasonCodingAgent   RunReason = "CODING_AGENT"
	RunReasonCleanupScript RunReason = "CLEANUP_SCRIPT"
	RunReasonSetupScript   RunReason = "SETUP_SCRIPT"
	RunReasonDevServer     RunReason = "DEV_SERVER"
)

// ExecutionStatus is the terminal-or-running state of an ExecutionProcess.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusKilled    ExecutionStatus = "KILLED"
)

// ExecutorActionType tags the variant carried by an ExecutorAction.
type ExecutorActionType string

const (
	ExecutorActionCodingAgentInitialRequest  ExecutorActionType = "CODING_AGENT_INITIAL_REQUEST"
	ExecutorActionCodingAgentFollowUpRequest ExecutorActionType = "CODING_AGENT_FOLLOW_UP_REQUEST"
	ExecutorActionScriptRequest              ExecutorActionType = "SCRIPT_REQUEST"
)

// ScriptKind distinguishes the two script-backed ExecutorAction variants.
type ScriptKind string

const (
	ScriptKindCleanup ScriptKind = "cleanup"
	ScriptKindSetup   ScriptKind = "setup"
)

// CodingAgentRequest carries the parameters of a coding-agent spawn, initial
// or follow-up.
type CodingAgentRequest struct {
	ExecutorProfileID string   `json:"executor_profile_id"`
	Prompt             string   `json:"prompt"`
	Variant            *string  `json:"variant,omitempty"`
	SessionID          *string  `json:"session_id,omitempty"`
	ImageIDs           []string `json:"image_ids,omitempty"`
}

// ScriptRequest carries the parameters of a setup or cleanup script spawn.
type ScriptRequest struct {
	Kind   ScriptKind `json:"kind"`
	Script string     `json:"script"`
}

// ExecutorAction is the tagged, spawn-capable description of what to run.
// It may chain into a NextAction, which the exit monitor starts after this
// one completes successfully.
type ExecutorAction struct {
	Type                ExecutorActionType   `json:"type"`
	CodingAgentRequest  *CodingAgentRequest  `json:"coding_agent_request,omitempty"`
	ScriptRequest       *ScriptRequest       `json:"script_request,omitempty"`
	NextAction          *ExecutorAction      `json:"next_action,omitempty"`
}

// ExecutorProfileID returns the executor profile carried by a coding-agent
// variant, or "" for script variants.
func (a *ExecutorAction) ExecutorProfileID() string {
	if a == nil || a.CodingAgentRequest == nil {
		return ""
	}
	return a.CodingAgentRequest.ExecutorProfileID
}

// ExecutionProcess is one spawned child in an attempt's chain.
type ExecutionProcess struct {
	ID               string          `json:"id"`
	TaskAttemptID    string          `json:"task_attempt_id"`
	RunReason        RunReason       `json:"run_reason"`
	Action           ExecutorAction  `json:"action"`
	Status           ExecutionStatus `json:"status"`
	ExitCode         *int            `json:"exit_code,omitempty"`
	WasKilled        bool            `json:"was_killed"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	BeforeHeadCommit string          `json:"before_head_commit,omitempty"`
	AfterHeadCommit  string          `json:"after_head_commit,omitempty"`
	SessionID        *string         `json:"session_id,omitempty"`
	Summary          *string         `json:"summary,omitempty"`
}

// IsTerminal reports whether the process has reached one of the three
// terminal statuses.
func (p *ExecutionProcess) IsTerminal() bool {
	switch p.Status {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusKilled:
		return true
	default:
		return false
	}
}

// TaskAttempt is a single user-initiated run on a task; it owns one worktree
// and a sequence of ExecutionProcesses.
type TaskAttempt struct {
	ID                string     `json:"id"`
	TaskID            string     `json:"task_id"`
	ExecutorProfileID string     `json:"executor_profile_id"`
	BaseBranch        string     `json:"base_branch"`
	ContainerRef      *string    `json:"container_ref,omitempty"`
	Branch            *string    `json:"branch,omitempty"`
	WorktreeDeleted   bool       `json:"worktree_deleted"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         time.Time  `json:"expires_at"`
	Deleted           bool       `json:"deleted"`
}

// Project is a Git-backed repository that task attempts are created against.
type Project struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	RepoPath       string   `json:"repo_path"`
	CopyFiles      []string `json:"copy_files,omitempty"`
	SetupScript    string   `json:"setup_script,omitempty"`
	DevScript      string   `json:"dev_script,omitempty"`
	CleanupScript  string   `json:"cleanup_script,omitempty"`
}

// FollowUpDraft is a per-attempt singleton describing a queued next prompt.
type FollowUpDraft struct {
	TaskAttemptID string   `json:"task_attempt_id"`
	Prompt        string   `json:"prompt"`
	Variant       *string  `json:"variant,omitempty"`
	ImageIDs      []string `json:"image_ids,omitempty"`
	Queued        bool     `json:"queued"`
	Sending       bool     `json:"sending"`
}

// ExecutionContext is the cached view C4/C5/C8 decisions are made against,
// loaded in one call after completion is recorded.
type ExecutionContext struct {
	TaskAttempt      TaskAttempt
	Task             Task
	Project          Project
	ExecutionProcess ExecutionProcess
}

// ArtifactKind tags the variant of an ExecutionArtifact.
type ArtifactKind string

const (
	ArtifactKindDiffSummary ArtifactKind = "DIFF_SUMMARY"
	ArtifactKindErrorReport ArtifactKind = "ERROR_REPORT"
	ArtifactKindCheckpoint  ArtifactKind = "CHECKPOINT"
)

// ExecutionArtifact is a best-effort accounting side-effect produced after a
// coding-agent run.
type ExecutionArtifact struct {
	ID                 string                 `json:"id"`
	ExecutionProcessID string                 `json:"execution_process_id"`
	TaskAttemptID      string                 `json:"task_attempt_id"`
	Kind               ArtifactKind           `json:"kind"`
	Content            string                 `json:"content"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
}

// ExecutionSummary is the diff-stat rollup attached to an execution process
// and its owning task attempt.
type ExecutionSummary struct {
	ExecutionProcessID string    `json:"execution_process_id"`
	TaskAttemptID      string    `json:"task_attempt_id"`
	FilesAdded         int       `json:"files_added"`
	FilesDeleted       int       `json:"files_deleted"`
	FilesModified      int       `json:"files_modified"`
	Additions          int       `json:"additions"`
	Deletions          int       `json:"deletions"`
	CreatedAt          time.Time `json:"created_at"`
}

// ActivityLog is a single audit row keyed by task id.
type ActivityLog struct {
	ID        string                 `json:"id"`
	TaskID    string                 `json:"task_id"`
	EventType string                 `json:"event_type"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// VibeTransaction is the per-task cost-settlement row.
type VibeTransaction struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	AmountCents  int64     `json:"amount_cents"`
	Model        string    `json:"model"`
	Settled      bool      `json:"settled"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AgentFlowStatus is the lifecycle state of an AgentFlow row.
type AgentFlowStatus string

const (
	AgentFlowStatusRunning   AgentFlowStatus = "RUNNING"
	AgentFlowStatusCompleted AgentFlowStatus = "COMPLETED"
	AgentFlowStatusFailed    AgentFlowStatus = "FAILED"
)

// AgentFlow tracks one coding-agent run's phase lifecycle for the purpose of
// emitting phase_started / phase_completed / flow_completed / flow_failed
// events.
type AgentFlow struct {
	ID                 string          `json:"id"`
	ExecutionProcessID string          `json:"execution_process_id"`
	TaskID             string          `json:"task_id"`
	Status             AgentFlowStatus `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
}

// AgentFlowEventType tags the variant of an AgentFlowEvent.
type AgentFlowEventType string

const (
	AgentFlowEventPhaseStarted   AgentFlowEventType = "phase_started"
	AgentFlowEventPhaseCompleted AgentFlowEventType = "phase_completed"
	AgentFlowEventFlowCompleted  AgentFlowEventType = "flow_completed"
	AgentFlowEventFlowFailed     AgentFlowEventType = "flow_failed"
)

// AgentFlowEvent is one emitted lifecycle event for an AgentFlow.
type AgentFlowEvent struct {
	ID         string             `json:"id"`
	FlowID     string             `json:"flow_id"`
	Type       AgentFlowEventType `json:"type"`
	Phase      string             `json:"phase,omitempty"`
	Error      string             `json:"error,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
}
