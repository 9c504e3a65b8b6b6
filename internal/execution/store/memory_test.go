package store

import (
	"context"
	"testing"
	"time"

	v1 "github.com/kandev/kandev/pkg/api/v1"
)

func TestMemoryStore_TaskAttemptLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	attempt := &v1.TaskAttempt{TaskID: "task-1", BaseBranch: "main", CreatedAt: time.Now().UTC(), ExpiresAt: time.Now().Add(time.Hour)}
	if err := s.CreateTaskAttempt(ctx, attempt); err != nil {
		t.Fatalf("CreateTaskAttempt: %v", err)
	}
	if attempt.ID == "" {
		t.Fatal("expected an id to be assigned")
	}

	got, err := s.GetTaskAttempt(ctx, attempt.ID)
	if err != nil {
		t.Fatalf("GetTaskAttempt: %v", err)
	}
	if got.TaskID != "task-1" {
		t.Fatalf("expected task-1, got %s", got.TaskID)
	}

	branch := "vk/abc123-fix"
	got.Branch = &branch
	if err := s.UpdateTaskAttempt(ctx, got); err != nil {
		t.Fatalf("UpdateTaskAttempt: %v", err)
	}

	reGot, _ := s.GetTaskAttempt(ctx, attempt.ID)
	if reGot.Branch == nil || *reGot.Branch != branch {
		t.Fatal("expected branch update to persist")
	}

	if _, err := s.GetTaskAttempt(ctx, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	list, err := s.ListTaskAttemptsByTask(ctx, "task-1")
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one attempt for task-1, got %d (err=%v)", len(list), err)
	}
}

func TestMemoryStore_FollowUpDraftSendingGuard(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.UpsertFollowUpDraft(ctx, &v1.FollowUpDraft{TaskAttemptID: "attempt-1", Prompt: "keep going", Queued: true}); err != nil {
		t.Fatalf("UpsertFollowUpDraft: %v", err)
	}

	ok, err := s.TryMarkSending(ctx, "attempt-1")
	if err != nil || !ok {
		t.Fatalf("expected first TryMarkSending to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = s.TryMarkSending(ctx, "attempt-1")
	if err != nil || ok {
		t.Fatalf("expected second concurrent TryMarkSending to be refused, got ok=%v err=%v", ok, err)
	}

	if err := s.ClearSending(ctx, "attempt-1"); err != nil {
		t.Fatalf("ClearSending: %v", err)
	}

	ok, err = s.TryMarkSending(ctx, "attempt-1")
	if err != nil || !ok {
		t.Fatalf("expected TryMarkSending to succeed again after ClearSending, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryStore_ExecutionProcessRunningFilter(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	running := &v1.ExecutionProcess{TaskAttemptID: "attempt-1", RunReason: v1.RunReasonCodingAgent, Status: v1.ExecutionStatusRunning, StartedAt: time.Now().UTC()}
	done := &v1.ExecutionProcess{TaskAttemptID: "attempt-1", RunReason: v1.RunReasonCodingAgent, Status: v1.ExecutionStatusCompleted, StartedAt: time.Now().UTC()}
	if err := s.CreateExecutionProcess(ctx, running); err != nil {
		t.Fatalf("CreateExecutionProcess: %v", err)
	}
	if err := s.CreateExecutionProcess(ctx, done); err != nil {
		t.Fatalf("CreateExecutionProcess: %v", err)
	}

	runningOnly, err := s.ListRunningExecutionProcessesByAttempt(ctx, "attempt-1")
	if err != nil {
		t.Fatalf("ListRunningExecutionProcessesByAttempt: %v", err)
	}
	if len(runningOnly) != 1 || runningOnly[0].ID != running.ID {
		t.Fatalf("expected exactly the running process, got %+v", runningOnly)
	}
}

func TestMemoryStore_AgentFlowByExecutionProcess(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	flow := &v1.AgentFlow{ExecutionProcessID: "exec-1", TaskID: "task-1", Status: v1.AgentFlowStatusRunning}
	if err := s.CreateAgentFlow(ctx, flow); err != nil {
		t.Fatalf("CreateAgentFlow: %v", err)
	}

	got, err := s.GetAgentFlowByExecutionProcess(ctx, "exec-1")
	if err != nil {
		t.Fatalf("GetAgentFlowByExecutionProcess: %v", err)
	}
	if got.ID != flow.ID {
		t.Fatal("expected to resolve the flow by its execution process id")
	}

	if err := s.UpdateAgentFlowStatus(ctx, flow.ID, v1.AgentFlowStatusCompleted); err != nil {
		t.Fatalf("UpdateAgentFlowStatus: %v", err)
	}
	got, _ = s.GetAgentFlowByExecutionProcess(ctx, "exec-1")
	if got.Status != v1.AgentFlowStatusCompleted {
		t.Fatalf("expected status to be updated, got %s", got.Status)
	}
}
