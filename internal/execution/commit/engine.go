// Package commit implements the commit & chain engine (C5): committing a
// coding-agent or cleanup-script run's working-tree changes, starting the
// next action in an ExecutorAction chain, and draining a queued follow-up
// prompt once an attempt goes idle.
package commit

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/execution/store"
	v1 "github.com/kandev/kandev/pkg/api/v1"
)

// Starter is the subset of the container facade (C9) the chain engine calls
// back into to spawn the next process in an attempt's chain. Declared here,
// rather than imported from C9, to avoid a cycle: C9 depends on this
// package, not the other way around.
type Starter interface {
	StartExecution(ctx context.Context, attempt *v1.TaskAttempt, action v1.ExecutorAction, runReason v1.RunReason) (*v1.ExecutionProcess, error)
}

// WorktreeEnsurer re-materializes a worktree directory that may have been
// deleted externally before a queued follow-up is spawned into it.
type WorktreeEnsurer interface {
	EnsureWorktreeExists(ctx context.Context, repoPath, branchName, targetPath string) error
}

// ImageAttacher resolves a follow-up draft's image ids against the task,
// copies them into the worktree, and rewrites the prompt's image references
// to the worktree-absolute paths the coding agent can read.
type ImageAttacher interface {
	AttachImages(ctx context.Context, taskID, worktreeDir string, imageIDs []string, prompt string) (string, error)
}

// Engine is the commit & chain engine. It is safe for concurrent use across
// attempts; commits against the same worktree are serialized, commits
// against different worktrees are not.
type Engine struct {
	store    store.Store
	starter  Starter
	worktree WorktreeEnsurer
	images   ImageAttacher
	logger   *logger.Logger

	locks *worktreeLocks
}

// NewEngine constructs an Engine. images may be nil; draft image ids are
// then left unresolved and the prompt is passed through unchanged.
func NewEngine(st store.Store, starter Starter, wt WorktreeEnsurer, images ImageAttacher, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		store:    st,
		starter:  starter,
		worktree: wt,
		images:   images,
		logger:   log.WithFields(zap.String("component", "commit-engine")),
		locks:    newWorktreeLocks(),
	}
}

// TryCommitChanges commits the worktree's current changes under a message
// derived from the just-finished execution process, iff that process's
// run_reason is one the chain engine is responsible for committing after.
// It returns false, with no error, for every run_reason it does not own and
// for a worktree with nothing to commit — both are expected outcomes, not
// failures.
func (e *Engine) TryCommitChanges(ctx context.Context, execCtx v1.ExecutionContext) (bool, error) {
	process := execCtx.ExecutionProcess
	if process.RunReason != v1.RunReasonCodingAgent && process.RunReason != v1.RunReasonCleanupScript {
		return false, nil
	}

	attempt := execCtx.TaskAttempt
	if attempt.ContainerRef == nil {
		return false, fmt.Errorf("commit engine: task attempt %s has no worktree", attempt.ID)
	}
	dir := *attempt.ContainerRef

	if !e.locks.tryLock(dir) {
		return false, ErrOperationInProgress
	}
	defer e.locks.unlock(dir)

	message := deriveCommitMessage(process, attempt)
	committed, err := commitAll(ctx, dir, message)
	if err != nil {
		e.logger.Error("commit failed", zap.String("task_attempt_id", attempt.ID), zap.Error(err))
		return false, err
	}
	if committed {
		e.logger.Info("committed worktree changes",
			zap.String("task_attempt_id", attempt.ID), zap.String("message", message))
	}
	return committed, nil
}

// HeadCommit returns the worktree's current HEAD sha, used by the exit
// monitor to capture after_head_commit once TryCommitChanges returns.
func (e *Engine) HeadCommit(ctx context.Context, attempt v1.TaskAttempt) (string, error) {
	if attempt.ContainerRef == nil {
		return "", fmt.Errorf("commit engine: task attempt %s has no worktree", attempt.ID)
	}
	return headCommit(ctx, *attempt.ContainerRef)
}

// CommitStats returns the files-changed/insertions/deletions summary for a
// commit, used to populate an ExecutionSummary artifact.
func (e *Engine) CommitStats(ctx context.Context, attempt v1.TaskAttempt, commitSHA string) (filesChanged, insertions, deletions int) {
	if attempt.ContainerRef == nil || commitSHA == "" {
		return 0, 0, 0
	}
	return commitStats(ctx, *attempt.ContainerRef, commitSHA)
}

func deriveCommitMessage(process v1.ExecutionProcess, attempt v1.TaskAttempt) string {
	switch process.RunReason {
	case v1.RunReasonCodingAgent:
		if process.Summary != nil && strings.TrimSpace(*process.Summary) != "" {
			return strings.TrimSpace(*process.Summary)
		}
		return fmt.Sprintf("Agent changes for task attempt %s", attempt.ID)
	case v1.RunReasonCleanupScript:
		return fmt.Sprintf("Cleanup script changes for task attempt %s", attempt.ID)
	default:
		return "Automated commit"
	}
}

// TryStartNextAction starts the process chained onto the one that just
// finished, if any, deriving its run_reason from the chained action's own
// shape rather than blindly inheriting the caller's.
func (e *Engine) TryStartNextAction(ctx context.Context, attempt *v1.TaskAttempt, process v1.ExecutionProcess) (*v1.ExecutionProcess, error) {
	if process.Action.NextAction == nil {
		return nil, nil
	}
	next := *process.Action.NextAction
	runReason := deriveNextRunReason(process.RunReason, next)
	return e.starter.StartExecution(ctx, attempt, next, runReason)
}

func deriveNextRunReason(caller v1.RunReason, next v1.ExecutorAction) v1.RunReason {
	if next.Type == v1.ExecutorActionScriptRequest && next.ScriptRequest != nil {
		switch next.ScriptRequest.Kind {
		case v1.ScriptKindCleanup:
			return v1.RunReasonCleanupScript
		case v1.ScriptKindSetup:
			return v1.RunReasonSetupScript
		}
	}
	return caller
}

// TryConsumeQueuedFollowup drains a queued follow-up draft for attempt once
// it has gone idle: it resolves the draft's images, spawns a follow-up
// coding-agent request, and clears the queue. It returns false, with no
// error, when there is nothing queued, another process is still running
// against the attempt, or another caller is already sending this attempt's
// draft — all expected, non-error outcomes.
func (e *Engine) TryConsumeQueuedFollowup(ctx context.Context, attempt *v1.TaskAttempt, project v1.Project) (bool, error) {
	draft, err := e.store.GetFollowUpDraft(ctx, attempt.ID)
	if err != nil {
		if err == store.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	if !draft.Queued {
		return false, nil
	}

	running, err := e.store.ListRunningExecutionProcessesByAttempt(ctx, attempt.ID)
	if err != nil {
		return false, err
	}
	if len(running) > 0 {
		return false, nil
	}

	acquired, err := e.store.TryMarkSending(ctx, attempt.ID)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}
	// Released as soon as the spawn call below returns, win or lose — not
	// held across the follow-up's own execution lifetime.
	defer func() {
		if err := e.store.ClearSending(ctx, attempt.ID); err != nil {
			e.logger.Warn("failed to clear follow-up sending guard",
				zap.String("task_attempt_id", attempt.ID), zap.Error(err))
		}
	}()

	if attempt.ContainerRef == nil || attempt.Branch == nil {
		return false, fmt.Errorf("commit engine: task attempt %s has no materialized worktree", attempt.ID)
	}
	worktreeDir := *attempt.ContainerRef
	if e.worktree != nil {
		if err := e.worktree.EnsureWorktreeExists(ctx, project.RepoPath, *attempt.Branch, worktreeDir); err != nil {
			return false, fmt.Errorf("re-materialize worktree: %w", err)
		}
	}

	prompt := draft.Prompt
	if len(draft.ImageIDs) > 0 && e.images != nil {
		prompt, err = e.images.AttachImages(ctx, attempt.TaskID, worktreeDir, draft.ImageIDs, prompt)
		if err != nil {
			return false, fmt.Errorf("attach draft images: %w", err)
		}
	}

	sessionID, err := e.latestSessionID(ctx, attempt.ID)
	if err != nil {
		return false, err
	}
	if sessionID == nil {
		return false, fmt.Errorf("commit engine: no session id found for task attempt %s", attempt.ID)
	}

	executorProfileID, err := e.latestCodingAgentProfile(ctx, attempt.ID)
	if err != nil {
		return false, err
	}

	action := v1.ExecutorAction{
		Type: v1.ExecutorActionCodingAgentFollowUpRequest,
		CodingAgentRequest: &v1.CodingAgentRequest{
			ExecutorProfileID: executorProfileID,
			Prompt:            prompt,
			Variant:           draft.Variant,
			SessionID:         sessionID,
			ImageIDs:          draft.ImageIDs,
		},
	}
	if project.CleanupScript != "" {
		action.NextAction = &v1.ExecutorAction{
			Type: v1.ExecutorActionScriptRequest,
			ScriptRequest: &v1.ScriptRequest{
				Kind:   v1.ScriptKindCleanup,
				Script: project.CleanupScript,
			},
		}
	}

	if _, err := e.starter.StartExecution(ctx, attempt, action, v1.RunReasonCodingAgent); err != nil {
		return false, fmt.Errorf("start follow-up execution: %w", err)
	}

	if err := e.store.ClearQueued(ctx, attempt.ID); err != nil {
		e.logger.Warn("failed to clear queued follow-up draft",
			zap.String("task_attempt_id", attempt.ID), zap.Error(err))
	}

	e.logger.Info("started queued follow-up", zap.String("task_attempt_id", attempt.ID))
	return true, nil
}

// latestSessionID returns the session id of the most recently started
// execution process on attemptID that recorded one, or nil if none has.
func (e *Engine) latestSessionID(ctx context.Context, attemptID string) (*string, error) {
	procs, err := e.store.ListExecutionProcessesByAttempt(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	for i := len(procs) - 1; i >= 0; i-- {
		if procs[i].SessionID != nil {
			return procs[i].SessionID, nil
		}
	}
	return nil, nil
}

// latestCodingAgentProfile resolves the executor_profile_id of attemptID's
// most recently started execution process. It aborts if that process is not
// itself a coding-agent run — a queued follow-up only ever continues a
// coding-agent session, never a bare script.
func (e *Engine) latestCodingAgentProfile(ctx context.Context, attemptID string) (string, error) {
	procs, err := e.store.ListExecutionProcessesByAttempt(ctx, attemptID)
	if err != nil {
		return "", err
	}
	if len(procs) == 0 {
		return "", fmt.Errorf("commit engine: no execution processes found for task attempt %s", attemptID)
	}
	latest := procs[len(procs)-1]
	if latest.RunReason != v1.RunReasonCodingAgent {
		return "", fmt.Errorf("commit engine: latest execution process for task attempt %s is not a coding agent run", attemptID)
	}
	return latest.Action.ExecutorProfileID(), nil
}
