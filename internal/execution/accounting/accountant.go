// Package accounting implements the Artifact & Accounting step (C8): the
// best-effort bookkeeping run after a CodingAgent execution process exits —
// diff-stat summaries, agent-flow lifecycle events, VIBE cost settlement,
// artifacts, an activity log row, a collaborator upsert, and an analytics
// event onto the shared event bus.
package accounting

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/events"
	"github.com/kandev/kandev/internal/events/bus"
	"github.com/kandev/kandev/internal/execution/msgstore"
	"github.com/kandev/kandev/internal/execution/store"
	v1 "github.com/kandev/kandev/pkg/api/v1"
)

// errorMessageMaxLen and checkpointMaxLen bound how much of a backward-scanned
// message-store entry is persisted into an artifact.
const (
	errorMessageMaxLen = 8192
	checkpointMaxLen   = 8192
)

// Config parameterizes the VIBE cost-settlement fallback used when no
// measured token counts are available from the execution's message store.
type Config struct {
	// TokensPerSecond estimates throughput when no TokenCount messages were
	// observed, used against the execution's wall-clock duration.
	TokensPerSecond float64
	// InputOutputRatio is the assumed input:output token ratio applied to
	// the estimated total (e.g. 3.0 means 3 input tokens per output token).
	InputOutputRatio float64
}

// CentsPerThousandTokens prices the VIBE ledger. The source system's exact
// pricing model is out of scope here; this is a simple, documented stand-in
// that scales with token volume rather than a hardcoded flat fee.
const CentsPerThousandTokens = 10

// TaskCollaboratorUpdater is the narrow slice of task persistence the
// accountant needs to upsert a collaborator row. Declared on the consumer
// side so this package never imports internal/task and stays free of a
// dependency back into the kanban core; a nil updater simply skips the step.
type TaskCollaboratorUpdater interface {
	UpsertCollaborator(ctx context.Context, taskID, name, role, status string) error
}

// Accountant runs the §4.8 sequence for one completed CodingAgent execution.
type Accountant struct {
	store         store.Store
	eventBus      bus.EventBus
	collaborators TaskCollaboratorUpdater
	cfg           Config
	logger        *logger.Logger
}

// NewAccountant constructs an Accountant. eventBus and collaborators may be
// nil; the corresponding steps are then skipped with a debug log rather than
// failing the overall best-effort sequence.
func NewAccountant(st store.Store, eventBus bus.EventBus, collaborators TaskCollaboratorUpdater, cfg Config, log *logger.Logger) *Accountant {
	if log == nil {
		log = logger.Default()
	}
	if cfg.TokensPerSecond <= 0 {
		cfg.TokensPerSecond = 90
	}
	if cfg.InputOutputRatio <= 0 {
		cfg.InputOutputRatio = 3.0
	}
	return &Accountant{
		store:         st,
		eventBus:      eventBus,
		collaborators: collaborators,
		cfg:           cfg,
		logger:        log.WithFields(zap.String("component", "accountant")),
	}
}

// Record runs every best-effort subcall for one finished CodingAgent
// execution process. Called from C9's RecordCompletion, itself invoked from
// the Exit Monitor's step 7. ms is the execution's message store, looked up
// by the caller before it is dropped.
func (a *Accountant) Record(ctx context.Context, execCtx v1.ExecutionContext, ms *msgstore.Store) {
	proc := execCtx.ExecutionProcess
	attempt := execCtx.TaskAttempt
	task := execCtx.Task
	log := a.logger.WithFields(zap.String("execution_process_id", proc.ID), zap.String("task_attempt_id", attempt.ID))

	stats, statsErr := a.recordExecutionSummary(ctx, log, execCtx)
	a.recordFlowEvents(ctx, log, proc)
	a.settleVibeCost(ctx, log, task.ID, proc, ms)
	a.recordArtifacts(ctx, log, execCtx, stats, statsErr, ms)
	a.recordActivityLog(ctx, log, task.ID, execCtx)
	a.upsertCollaborator(ctx, log, task.ID, proc)
	a.publishAnalyticsEvent(ctx, log, execCtx)
}

func (a *Accountant) recordExecutionSummary(ctx context.Context, log *logger.Logger, execCtx v1.ExecutionContext) (diffStats, error) {
	if execCtx.TaskAttempt.ContainerRef == nil {
		return diffStats{}, fmt.Errorf("attempt has no worktree to diff")
	}
	stats, err := computeDiffStats(ctx, *execCtx.TaskAttempt.ContainerRef, execCtx.ExecutionProcess.BeforeHeadCommit)
	if err != nil {
		log.Warn("failed to compute execution summary diff stats", zap.Error(err))
		return stats, err
	}

	summary := &v1.ExecutionSummary{
		ExecutionProcessID: execCtx.ExecutionProcess.ID,
		TaskAttemptID:      execCtx.TaskAttempt.ID,
		FilesAdded:         stats.filesAdded,
		FilesDeleted:       stats.filesDeleted,
		FilesModified:      stats.filesModified,
		Additions:          stats.additions,
		Deletions:          stats.deletions,
		CreatedAt:          time.Now().UTC(),
	}
	if err := a.store.UpsertExecutionSummary(ctx, summary); err != nil {
		log.Warn("failed to persist execution summary", zap.Error(err))
	}
	return stats, nil
}

func (a *Accountant) recordFlowEvents(ctx context.Context, log *logger.Logger, proc v1.ExecutionProcess) {
	flow, err := a.store.GetAgentFlowByExecutionProcess(ctx, proc.ID)
	if err != nil {
		log.Debug("no agent flow row for execution process", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	switch proc.Status {
	case v1.ExecutionStatusCompleted:
		a.createFlowEvent(ctx, log, flow.ID, v1.AgentFlowEventPhaseCompleted, string(proc.RunReason), "", now)
		a.createFlowEvent(ctx, log, flow.ID, v1.AgentFlowEventFlowCompleted, "", "", now)
		if err := a.store.UpdateAgentFlowStatus(ctx, flow.ID, v1.AgentFlowStatusCompleted); err != nil {
			log.Warn("failed to mark agent flow completed", zap.Error(err))
		}
	case v1.ExecutionStatusFailed, v1.ExecutionStatusKilled:
		errMsg := fmt.Sprintf("execution process exited with status %s", proc.Status)
		if proc.ExitCode != nil {
			errMsg = fmt.Sprintf("%s (exit code %d)", errMsg, *proc.ExitCode)
		}
		a.createFlowEvent(ctx, log, flow.ID, v1.AgentFlowEventFlowFailed, string(proc.RunReason), errMsg, now)
		if err := a.store.UpdateAgentFlowStatus(ctx, flow.ID, v1.AgentFlowStatusFailed); err != nil {
			log.Warn("failed to mark agent flow failed", zap.Error(err))
		}
	}
}

func (a *Accountant) createFlowEvent(ctx context.Context, log *logger.Logger, flowID string, eventType v1.AgentFlowEventType, phase, errMsg string, occurredAt time.Time) {
	event := &v1.AgentFlowEvent{
		FlowID:     flowID,
		Type:       eventType,
		Phase:      phase,
		Error:      errMsg,
		OccurredAt: occurredAt,
	}
	if err := a.store.CreateAgentFlowEvent(ctx, event); err != nil {
		log.Warn("failed to record agent flow event", zap.String("event_type", string(eventType)), zap.Error(err))
	}
}

// settleVibeCost extracts measured token counts from the message store,
// falling back to an elapsed-time heuristic when none were observed, and
// updates (or creates) the task's VIBE transaction.
func (a *Accountant) settleVibeCost(ctx context.Context, log *logger.Logger, taskID string, proc v1.ExecutionProcess, ms *msgstore.Store) {
	var inputTokens, outputTokens int
	if ms != nil {
		inputTokens, outputTokens = ms.TotalTokenCount()
	}

	if inputTokens == 0 && outputTokens == 0 {
		elapsed := estimateElapsed(proc)
		total := elapsed.Seconds() * a.cfg.TokensPerSecond
		outputTokens = int(total / (a.cfg.InputOutputRatio + 1))
		inputTokens = int(total) - outputTokens
	}

	model := proc.Action.ExecutorProfileID()
	amountCents := int64((inputTokens + outputTokens) * CentsPerThousandTokens / 1000)

	existing, err := a.store.ListVibeTransactionsByTask(ctx, taskID)
	if err != nil {
		log.Warn("failed to list vibe transactions", zap.Error(err))
		return
	}

	var pending *v1.VibeTransaction
	for _, tx := range existing {
		if !tx.Settled && tx.AmountCents == 0 {
			pending = tx
			break
		}
	}

	if pending != nil {
		pending.InputTokens = inputTokens
		pending.OutputTokens = outputTokens
		pending.AmountCents = amountCents
		pending.Model = model
		pending.Settled = true
		if err := a.store.UpdateVibeTransaction(ctx, pending); err != nil {
			log.Warn("failed to settle vibe transaction", zap.Error(err))
		}
		return
	}

	tx := &v1.VibeTransaction{
		TaskID:       taskID,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		AmountCents:  amountCents,
		Model:        model,
		Settled:      true,
	}
	if err := a.store.CreateVibeTransaction(ctx, tx); err != nil {
		log.Warn("failed to create vibe transaction", zap.Error(err))
	}
}

func estimateElapsed(proc v1.ExecutionProcess) time.Duration {
	if proc.CompletedAt == nil {
		return 0
	}
	elapsed := proc.CompletedAt.Sub(proc.StartedAt)
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

func (a *Accountant) recordArtifacts(ctx context.Context, log *logger.Logger, execCtx v1.ExecutionContext, stats diffStats, statsErr error, ms *msgstore.Store) {
	proc := execCtx.ExecutionProcess
	now := time.Now().UTC()

	if statsErr == nil && (stats.filesAdded+stats.filesDeleted+stats.filesModified) > 0 {
		content := fmt.Sprintf("%d files changed (%d added, %d deleted, %d modified), %d insertions(+), %d deletions(-)",
			stats.filesAdded+stats.filesDeleted+stats.filesModified, stats.filesAdded, stats.filesDeleted, stats.filesModified,
			stats.additions, stats.deletions)
		a.createArtifact(ctx, log, v1.ArtifactKindDiffSummary, execCtx, content, map[string]interface{}{
			"files_added": stats.filesAdded, "files_deleted": stats.filesDeleted, "files_modified": stats.filesModified,
			"additions": stats.additions, "deletions": stats.deletions,
		}, now)
	}

	if proc.Status == v1.ExecutionStatusFailed {
		content := fmt.Sprintf("execution process exited with code %v", proc.ExitCode)
		if ms != nil {
			if text, found := ms.LastErrorMessage(errorMessageMaxLen); found {
				content = text
			}
		}
		a.createArtifact(ctx, log, v1.ArtifactKindErrorReport, execCtx, content, nil, now)
	}

	if ms != nil {
		if text, found := ms.LastAssistantMessage(checkpointMaxLen); found {
			a.createArtifact(ctx, log, v1.ArtifactKindCheckpoint, execCtx, text, nil, now)
		}
	}
}

func (a *Accountant) createArtifact(ctx context.Context, log *logger.Logger, kind v1.ArtifactKind, execCtx v1.ExecutionContext, content string, metadata map[string]interface{}, createdAt time.Time) {
	artifact := &v1.ExecutionArtifact{
		ExecutionProcessID: execCtx.ExecutionProcess.ID,
		TaskAttemptID:      execCtx.TaskAttempt.ID,
		Kind:               kind,
		Content:            content,
		Metadata:           metadata,
		CreatedAt:          createdAt,
	}
	if err := a.store.CreateExecutionArtifact(ctx, artifact); err != nil {
		log.Warn("failed to persist artifact", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (a *Accountant) recordActivityLog(ctx context.Context, log *logger.Logger, taskID string, execCtx v1.ExecutionContext) {
	proc := execCtx.ExecutionProcess
	metadata := map[string]interface{}{
		"execution_process_id": proc.ID,
		"task_attempt_id":      execCtx.TaskAttempt.ID,
		"executor":             proc.Action.ExecutorProfileID(),
		"status":               string(proc.Status),
	}
	if proc.ExitCode != nil {
		metadata["exit_code"] = *proc.ExitCode
	}
	entry := &v1.ActivityLog{
		TaskID:    taskID,
		EventType: "execution_completed",
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.CreateActivityLog(ctx, entry); err != nil {
		log.Warn("failed to persist activity log", zap.Error(err))
	}
}

func (a *Accountant) upsertCollaborator(ctx context.Context, log *logger.Logger, taskID string, proc v1.ExecutionProcess) {
	if a.collaborators == nil {
		log.Debug("no task collaborator updater configured; skipping")
		return
	}
	executor := proc.Action.ExecutorProfileID()
	if err := a.collaborators.UpsertCollaborator(ctx, taskID, executor, "agent", string(proc.Status)); err != nil {
		log.Warn("failed to upsert task collaborator", zap.Error(err))
	}
}

func (a *Accountant) publishAnalyticsEvent(ctx context.Context, log *logger.Logger, execCtx v1.ExecutionContext) {
	if a.eventBus == nil {
		log.Debug("no event bus configured; skipping analytics event")
		return
	}
	event := bus.NewEvent(events.TaskAttemptFinished, "execution-core", map[string]interface{}{
		"task_id":              execCtx.Task.ID,
		"task_attempt_id":      execCtx.TaskAttempt.ID,
		"execution_process_id": execCtx.ExecutionProcess.ID,
		"status":               string(execCtx.ExecutionProcess.Status),
	})
	if err := a.eventBus.Publish(ctx, events.TaskAttemptFinished, event); err != nil {
		log.Warn("failed to publish analytics event", zap.Error(err))
	}
}
