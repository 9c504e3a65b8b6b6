package container

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	appErrors "github.com/kandev/kandev/internal/common/errors"
	"github.com/kandev/kandev/internal/execution/msgstore"
	"github.com/kandev/kandev/internal/execution/process"
	v1 "github.com/kandev/kandev/pkg/api/v1"
)

// StartExecution spawns action at attempt's worktree directory, attaches
// message-store forwarders, registers the child with the process
// supervisor, and spawns an Exit Monitor goroutine. It satisfies
// commit.Starter so the chain engine can call back into it to start
// chained actions and queued follow-ups.
func (s *Service) StartExecution(ctx context.Context, attempt *v1.TaskAttempt, action v1.ExecutorAction, runReason v1.RunReason) (*v1.ExecutionProcess, error) {
	if attempt.ContainerRef == nil {
		return nil, appErrors.NotFound("task attempt worktree", attempt.ID)
	}
	worktreeDir := *attempt.ContainerRef

	if runReason == v1.RunReasonCodingAgent && !s.slots.acquire(attempt.ID) {
		return nil, appErrors.ServiceUnavailable("execution slots")
	}

	command, err := commandForAction(action)
	if err != nil {
		s.slots.release(attempt.ID)
		return nil, appErrors.BadRequest(err.Error())
	}

	beforeHead, _ := headCommit(ctx, worktreeDir)

	proc := &v1.ExecutionProcess{
		ID:               uuid.New().String(),
		TaskAttemptID:    attempt.ID,
		RunReason:        runReason,
		Action:           action,
		Status:           v1.ExecutionStatusRunning,
		StartedAt:        time.Now().UTC(),
		BeforeHeadCommit: beforeHead,
	}
	if err := s.store.CreateExecutionProcess(ctx, proc); err != nil {
		s.slots.release(attempt.ID)
		return nil, appErrors.Persistence(fmt.Sprintf("persist execution process for attempt %s", attempt.ID), err)
	}

	child, stdoutR, stderrR, err := process.Spawn(context.Background(), proc.ID, process.SpawnRequest{
		Command: command,
		Dir:     worktreeDir,
	})
	if err != nil {
		s.slots.release(attempt.ID)
		proc.Status = v1.ExecutionStatusFailed
		now := time.Now().UTC()
		proc.CompletedAt = &now
		_ = s.store.UpdateExecutionProcess(ctx, proc)
		return nil, appErrors.Process(fmt.Sprintf("spawn execution process for attempt %s", attempt.ID), err)
	}

	ms := msgstore.New()
	s.msgMu.Lock()
	s.msgs[proc.ID] = ms
	s.msgMu.Unlock()

	go ms.ForwardStdout(context.Background(), stdoutR)
	go ms.ForwardStderr(context.Background(), stderrR)

	s.supervisor.Add(proc.ID, child)

	if s.mon != nil {
		s.mon.Watch(proc.ID, child)
	} else {
		s.logger.Error("no exit monitor attached; execution process will never be finalized",
			zap.String("execution_process_id", proc.ID))
	}

	s.recordActivityLog(ctx, attempt.TaskID, "execution_started", proc)
	if runReason == v1.RunReasonCodingAgent {
		s.startAgentFlow(ctx, proc)
	}

	return proc, nil
}

func (s *Service) recordActivityLog(ctx context.Context, taskID, eventType string, proc *v1.ExecutionProcess) {
	entry := &v1.ActivityLog{
		TaskID:    taskID,
		EventType: eventType,
		Metadata: map[string]interface{}{
			"execution_process_id": proc.ID,
			"task_attempt_id":      proc.TaskAttemptID,
			"executor":             proc.Action.ExecutorProfileID(),
			"run_reason":           string(proc.RunReason),
		},
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateActivityLog(ctx, entry); err != nil {
		s.logger.Warn("failed to persist activity log", zap.String("event_type", eventType), zap.Error(err))
	}
}

func (s *Service) startAgentFlow(ctx context.Context, proc *v1.ExecutionProcess) {
	flow := &v1.AgentFlow{
		ID:                 uuid.New().String(),
		ExecutionProcessID: proc.ID,
		TaskID:             proc.TaskAttemptID,
		Status:             v1.AgentFlowStatusRunning,
		CreatedAt:          time.Now().UTC(),
	}
	if err := s.store.CreateAgentFlow(ctx, flow); err != nil {
		s.logger.Warn("failed to persist agent flow", zap.String("execution_process_id", proc.ID), zap.Error(err))
		return
	}
	event := &v1.AgentFlowEvent{
		FlowID:     flow.ID,
		Type:       v1.AgentFlowEventPhaseStarted,
		Phase:      string(proc.RunReason),
		OccurredAt: time.Now().UTC(),
	}
	if err := s.store.CreateAgentFlowEvent(ctx, event); err != nil {
		s.logger.Warn("failed to persist phase_started event", zap.String("execution_process_id", proc.ID), zap.Error(err))
	}
}

// StopExecution marks proc Killed in persistence before signalling the
// child, so the Exit Monitor observes the flag and skips its normal exit
// classification; kills the process group; removes it from the supervisor;
// propagates Finished into the message store; and, unless the run reason is
// DevServer, moves the task to InReview.
func (s *Service) StopExecution(ctx context.Context, proc *v1.ExecutionProcess, attempt *v1.TaskAttempt) error {
	child, ok := s.supervisor.Get(proc.ID)
	if !ok {
		return appErrors.NotFound("execution process child handle", proc.ID)
	}

	proc.WasKilled = true
	proc.Status = v1.ExecutionStatusKilled
	now := time.Now().UTC()
	proc.CompletedAt = &now
	if err := s.store.UpdateExecutionProcess(ctx, proc); err != nil {
		return appErrors.Persistence(fmt.Sprintf("mark execution process %s killed", proc.ID), err)
	}

	if err := s.supervisor.KillProcessGroup(ctx, child); err != nil {
		s.logger.Warn("failed to kill process group", zap.String("execution_process_id", proc.ID), zap.Error(err))
	}
	s.supervisor.Remove(proc.ID)

	if ms, ok := s.MessageStore(proc.ID); ok {
		ms.PushFinished()
	}

	if proc.RunReason != v1.RunReasonDevServer && s.tasks != nil {
		if err := s.tasks.UpdateTaskState(ctx, attempt.TaskID, v1.TaskStateInReview); err != nil {
			s.logger.Warn("failed to move task to in-review after stop", zap.String("task_id", attempt.TaskID), zap.Error(err))
		}
	}

	if attempt.ContainerRef != nil {
		if sha, err := headCommit(ctx, *attempt.ContainerRef); err == nil && sha != "" {
			proc.AfterHeadCommit = sha
			if err := s.store.UpdateExecutionProcess(ctx, proc); err != nil {
				s.logger.Warn("failed to persist after_head_commit on stop", zap.Error(err))
			}
		}
	}

	s.slots.release(proc.TaskAttemptID)
	return nil
}

// LoadExecutionContext loads the cached ExecutionContext for a completed
// execution process, for the exit monitor's post-processing sequence.
func (s *Service) LoadExecutionContext(ctx context.Context, executionProcessID string) (*v1.ExecutionContext, error) {
	proc, err := s.store.GetExecutionProcess(ctx, executionProcessID)
	if err != nil {
		return nil, err
	}
	attempt, err := s.store.GetTaskAttempt(ctx, proc.TaskAttemptID)
	if err != nil {
		return nil, err
	}

	execCtx := &v1.ExecutionContext{
		TaskAttempt:      *attempt,
		ExecutionProcess: *proc,
	}

	if s.tasks != nil {
		if task, err := s.tasks.GetTaskForExecution(ctx, attempt.TaskID); err != nil {
			s.logger.Warn("failed to load task for execution context", zap.String("task_id", attempt.TaskID), zap.Error(err))
		} else {
			execCtx.Task = task
			if task.ProjectID != "" {
				if project, err := s.store.GetProject(ctx, task.ProjectID); err != nil {
					s.logger.Warn("failed to load project for execution context", zap.String("project_id", task.ProjectID), zap.Error(err))
				} else {
					execCtx.Project = *project
				}
			}
		}
	}

	return execCtx, nil
}

// MessageStore returns the live message store for an execution process, if
// one is still registered.
func (s *Service) MessageStore(executionProcessID string) (*msgstore.Store, bool) {
	s.msgMu.RLock()
	defer s.msgMu.RUnlock()
	ms, ok := s.msgs[executionProcessID]
	return ms, ok
}

// DropMessageStore removes an execution's message store once the exit
// monitor has finished propagating Finished to any subscribers.
func (s *Service) DropMessageStore(executionProcessID string) {
	s.msgMu.Lock()
	defer s.msgMu.Unlock()
	delete(s.msgs, executionProcessID)
}

// ReleaseExecutionSlot frees the execution-slot admission claim held by
// taskAttemptID, a no-op if it never held one.
func (s *Service) ReleaseExecutionSlot(taskAttemptID string) {
	s.slots.release(taskAttemptID)
}

// FinalizeAttempt moves the owning task to InReview once an attempt's
// process chain has gone idle with nothing queued behind it.
func (s *Service) FinalizeAttempt(ctx context.Context, attempt *v1.TaskAttempt) error {
	if s.tasks == nil {
		return nil
	}
	return s.tasks.UpdateTaskState(ctx, attempt.TaskID, v1.TaskStateInReview)
}

// RecordCompletion runs the accountant's best-effort sequence for a
// finished CodingAgent execution. It always returns nil; every failure
// inside the accountant is already logged at its own call site, matching
// §7's "accounting is best-effort" propagation policy — returning an error
// here would only cause the exit monitor to log the same failure twice.
func (s *Service) RecordCompletion(ctx context.Context, execCtx v1.ExecutionContext) error {
	ms, _ := s.MessageStore(execCtx.ExecutionProcess.ID)
	s.accountant.Record(ctx, execCtx, ms)
	return nil
}

func headCommit(ctx context.Context, dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("no worktree directory")
	}
	return runGit(ctx, dir, "rev-parse", "HEAD")
}
