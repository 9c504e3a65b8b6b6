package commit

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/execution/store"
	v1 "github.com/kandev/kandev/pkg/api/v1"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func setupGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		if output, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v failed: %v: %s", args, err, output)
		}
	}
	run("init", "-b", "main")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "README.md")
	run("commit", "-m", "initial")
	return dir
}

type fakeStarter struct {
	calls []v1.RunReason
	err   error
}

func (f *fakeStarter) StartExecution(_ context.Context, _ *v1.TaskAttempt, _ v1.ExecutorAction, runReason v1.RunReason) (*v1.ExecutionProcess, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, runReason)
	return &v1.ExecutionProcess{RunReason: runReason}, nil
}

func TestTryCommitChanges_CommitsDirtyWorktree(t *testing.T) {
	dir := setupGitRepo(t)
	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("content\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	eng := NewEngine(store.NewMemoryStore(), &fakeStarter{}, nil, nil, newTestLogger())
	attempt := v1.TaskAttempt{ID: "attempt-1", ContainerRef: &dir}
	summary := "Implemented the thing"
	execCtx := v1.ExecutionContext{
		TaskAttempt:      attempt,
		ExecutionProcess: v1.ExecutionProcess{RunReason: v1.RunReasonCodingAgent, Summary: &summary},
	}

	committed, err := eng.TryCommitChanges(context.Background(), execCtx)
	if err != nil {
		t.Fatalf("TryCommitChanges: %v", err)
	}
	if !committed {
		t.Fatal("expected a commit to have been made")
	}

	sha, err := eng.HeadCommit(context.Background(), attempt)
	if err != nil || sha == "" {
		t.Fatalf("expected a head commit, got %q err=%v", sha, err)
	}

	filesChanged, insertions, _ := eng.CommitStats(context.Background(), attempt, sha)
	if filesChanged != 1 || insertions != 1 {
		t.Fatalf("expected 1 file / 1 insertion, got files=%d insertions=%d", filesChanged, insertions)
	}
}

func TestTryCommitChanges_NoOpOnCleanWorktree(t *testing.T) {
	dir := setupGitRepo(t)
	eng := NewEngine(store.NewMemoryStore(), &fakeStarter{}, nil, nil, newTestLogger())

	execCtx := v1.ExecutionContext{
		TaskAttempt:      v1.TaskAttempt{ID: "attempt-1", ContainerRef: &dir},
		ExecutionProcess: v1.ExecutionProcess{RunReason: v1.RunReasonCodingAgent},
	}

	committed, err := eng.TryCommitChanges(context.Background(), execCtx)
	if err != nil {
		t.Fatalf("TryCommitChanges: %v", err)
	}
	if committed {
		t.Fatal("expected no commit on a clean worktree")
	}
}

func TestTryCommitChanges_SkipsUnrelatedRunReason(t *testing.T) {
	dir := setupGitRepo(t)
	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	eng := NewEngine(store.NewMemoryStore(), &fakeStarter{}, nil, nil, newTestLogger())

	execCtx := v1.ExecutionContext{
		TaskAttempt:      v1.TaskAttempt{ID: "attempt-1", ContainerRef: &dir},
		ExecutionProcess: v1.ExecutionProcess{RunReason: v1.RunReasonDevServer},
	}

	committed, err := eng.TryCommitChanges(context.Background(), execCtx)
	if err != nil {
		t.Fatalf("TryCommitChanges: %v", err)
	}
	if committed {
		t.Fatal("expected no commit for a dev-server run reason")
	}
}

func TestTryStartNextAction_DerivesCleanupRunReason(t *testing.T) {
	starter := &fakeStarter{}
	eng := NewEngine(store.NewMemoryStore(), starter, nil, nil, newTestLogger())

	attempt := &v1.TaskAttempt{ID: "attempt-1"}
	process := v1.ExecutionProcess{
		RunReason: v1.RunReasonCodingAgent,
		Action: v1.ExecutorAction{
			Type: v1.ExecutorActionCodingAgentInitialRequest,
			NextAction: &v1.ExecutorAction{
				Type:          v1.ExecutorActionScriptRequest,
				ScriptRequest: &v1.ScriptRequest{Kind: v1.ScriptKindCleanup, Script: "rm -rf tmp"},
			},
		},
	}

	next, err := eng.TryStartNextAction(context.Background(), attempt, process)
	if err != nil {
		t.Fatalf("TryStartNextAction: %v", err)
	}
	if next == nil {
		t.Fatal("expected the chained action to start")
	}
	if len(starter.calls) != 1 || starter.calls[0] != v1.RunReasonCleanupScript {
		t.Fatalf("expected a cleanup-script run reason, got %v", starter.calls)
	}
}

func TestTryStartNextAction_NoChainIsNoop(t *testing.T) {
	starter := &fakeStarter{}
	eng := NewEngine(store.NewMemoryStore(), starter, nil, nil, newTestLogger())

	attempt := &v1.TaskAttempt{ID: "attempt-1"}
	process := v1.ExecutionProcess{RunReason: v1.RunReasonCodingAgent}

	next, err := eng.TryStartNextAction(context.Background(), attempt, process)
	if err != nil {
		t.Fatalf("TryStartNextAction: %v", err)
	}
	if next != nil {
		t.Fatal("expected no next action to be started")
	}
	if len(starter.calls) != 0 {
		t.Fatalf("expected no spawn, got %v", starter.calls)
	}
}

func TestTryConsumeQueuedFollowup_StartsAndClearsQueue(t *testing.T) {
	dir := setupGitRepo(t)
	st := store.NewMemoryStore()
	starter := &fakeStarter{}
	eng := NewEngine(st, starter, nil, nil, newTestLogger())

	branch := "vk/abc123-fix"
	attempt := &v1.TaskAttempt{ID: "attempt-1", TaskID: "task-1", ExecutorProfileID: "claude-code", ContainerRef: &dir, Branch: &branch}
	if err := st.CreateTaskAttempt(context.Background(), attempt); err != nil {
		t.Fatal(err)
	}
	priorSession := "session-abc"
	if err := st.CreateExecutionProcess(context.Background(), &v1.ExecutionProcess{
		TaskAttemptID: "attempt-1",
		RunReason:     v1.RunReasonCodingAgent,
		Status:        v1.ExecutionStatusCompleted,
		SessionID:     &priorSession,
		Action: v1.ExecutorAction{
			Type:               v1.ExecutorActionCodingAgentInitialRequest,
			CodingAgentRequest: &v1.CodingAgentRequest{ExecutorProfileID: "claude-code"},
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertFollowUpDraft(context.Background(), &v1.FollowUpDraft{TaskAttemptID: "attempt-1", Prompt: "keep going", Queued: true}); err != nil {
		t.Fatal(err)
	}

	started, err := eng.TryConsumeQueuedFollowup(context.Background(), attempt, v1.Project{RepoPath: dir})
	if err != nil {
		t.Fatalf("TryConsumeQueuedFollowup: %v", err)
	}
	if !started {
		t.Fatal("expected the queued follow-up to start")
	}
	if len(starter.calls) != 1 || starter.calls[0] != v1.RunReasonCodingAgent {
		t.Fatalf("expected one coding-agent spawn, got %v", starter.calls)
	}

	draft, err := st.GetFollowUpDraft(context.Background(), "attempt-1")
	if err != nil {
		t.Fatal(err)
	}
	if draft.Queued {
		t.Fatal("expected the draft to be dequeued")
	}
	if draft.Sending {
		t.Fatal("expected the sending guard to be released after the spawn call returns")
	}
}

func TestTryConsumeQueuedFollowup_NoopWhenNothingQueued(t *testing.T) {
	st := store.NewMemoryStore()
	starter := &fakeStarter{}
	eng := NewEngine(st, starter, nil, nil, newTestLogger())

	attempt := &v1.TaskAttempt{ID: "attempt-1", TaskID: "task-1"}
	started, err := eng.TryConsumeQueuedFollowup(context.Background(), attempt, v1.Project{})
	if err != nil {
		t.Fatalf("TryConsumeQueuedFollowup: %v", err)
	}
	if started {
		t.Fatal("expected no-op when no draft is queued")
	}
	if len(starter.calls) != 0 {
		t.Fatal("expected no spawn")
	}
}

func TestTryConsumeQueuedFollowup_NoopWhileAnotherProcessRuns(t *testing.T) {
	dir := setupGitRepo(t)
	st := store.NewMemoryStore()
	starter := &fakeStarter{}
	eng := NewEngine(st, starter, nil, nil, newTestLogger())

	branch := "vk/abc123-fix"
	attempt := &v1.TaskAttempt{ID: "attempt-1", TaskID: "task-1", ContainerRef: &dir, Branch: &branch}
	if err := st.CreateTaskAttempt(context.Background(), attempt); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertFollowUpDraft(context.Background(), &v1.FollowUpDraft{TaskAttemptID: "attempt-1", Prompt: "keep going", Queued: true}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateExecutionProcess(context.Background(), &v1.ExecutionProcess{TaskAttemptID: "attempt-1", Status: v1.ExecutionStatusRunning}); err != nil {
		t.Fatal(err)
	}

	started, err := eng.TryConsumeQueuedFollowup(context.Background(), attempt, v1.Project{RepoPath: dir})
	if err != nil {
		t.Fatalf("TryConsumeQueuedFollowup: %v", err)
	}
	if started {
		t.Fatal("expected no-op while a process is still running")
	}
	if len(starter.calls) != 0 {
		t.Fatal("expected no spawn")
	}
}

func TestTryConsumeQueuedFollowup_AbortsWithNoSessionID(t *testing.T) {
	dir := setupGitRepo(t)
	st := store.NewMemoryStore()
	starter := &fakeStarter{}
	eng := NewEngine(st, starter, nil, nil, newTestLogger())

	branch := "vk/abc123-fix"
	attempt := &v1.TaskAttempt{ID: "attempt-1", TaskID: "task-1", ExecutorProfileID: "claude-code", ContainerRef: &dir, Branch: &branch}
	if err := st.CreateTaskAttempt(context.Background(), attempt); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateExecutionProcess(context.Background(), &v1.ExecutionProcess{
		TaskAttemptID: "attempt-1",
		RunReason:     v1.RunReasonCodingAgent,
		Status:        v1.ExecutionStatusCompleted,
		Action: v1.ExecutorAction{
			Type:               v1.ExecutorActionCodingAgentInitialRequest,
			CodingAgentRequest: &v1.CodingAgentRequest{ExecutorProfileID: "claude-code"},
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertFollowUpDraft(context.Background(), &v1.FollowUpDraft{TaskAttemptID: "attempt-1", Prompt: "keep going", Queued: true}); err != nil {
		t.Fatal(err)
	}

	started, err := eng.TryConsumeQueuedFollowup(context.Background(), attempt, v1.Project{RepoPath: dir})
	if err == nil {
		t.Fatal("expected an error when no execution process on the attempt carries a session id")
	}
	if started {
		t.Fatal("expected no spawn on abort")
	}
	if len(starter.calls) != 0 {
		t.Fatal("expected no spawn")
	}
}

func TestTryConsumeQueuedFollowup_AbortsWhenLatestProcessIsNotCodingAgent(t *testing.T) {
	dir := setupGitRepo(t)
	st := store.NewMemoryStore()
	starter := &fakeStarter{}
	eng := NewEngine(st, starter, nil, nil, newTestLogger())

	branch := "vk/abc123-fix"
	attempt := &v1.TaskAttempt{ID: "attempt-1", TaskID: "task-1", ExecutorProfileID: "claude-code", ContainerRef: &dir, Branch: &branch}
	if err := st.CreateTaskAttempt(context.Background(), attempt); err != nil {
		t.Fatal(err)
	}
	session := "session-abc"
	earlier := time.Now().Add(-time.Hour)
	if err := st.CreateExecutionProcess(context.Background(), &v1.ExecutionProcess{
		TaskAttemptID: "attempt-1",
		RunReason:     v1.RunReasonCodingAgent,
		Status:        v1.ExecutionStatusCompleted,
		SessionID:     &session,
		StartedAt:     earlier,
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.CreateExecutionProcess(context.Background(), &v1.ExecutionProcess{
		TaskAttemptID: "attempt-1",
		RunReason:     v1.RunReasonCleanupScript,
		Status:        v1.ExecutionStatusCompleted,
		StartedAt:     time.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertFollowUpDraft(context.Background(), &v1.FollowUpDraft{TaskAttemptID: "attempt-1", Prompt: "keep going", Queued: true}); err != nil {
		t.Fatal(err)
	}

	started, err := eng.TryConsumeQueuedFollowup(context.Background(), attempt, v1.Project{RepoPath: dir})
	if err == nil {
		t.Fatal("expected an error when the latest execution process is not a coding-agent run")
	}
	if started {
		t.Fatal("expected no spawn on abort")
	}
	if len(starter.calls) != 0 {
		t.Fatal("expected no spawn")
	}
}

func TestTryConsumeQueuedFollowup_ChainsCleanupScript(t *testing.T) {
	dir := setupGitRepo(t)
	st := store.NewMemoryStore()
	starter := &fakeStarter{}
	eng := NewEngine(st, starter, nil, nil, newTestLogger())

	branch := "vk/abc123-fix"
	attempt := &v1.TaskAttempt{ID: "attempt-1", TaskID: "task-1", ExecutorProfileID: "claude-code", ContainerRef: &dir, Branch: &branch}
	if err := st.CreateTaskAttempt(context.Background(), attempt); err != nil {
		t.Fatal(err)
	}
	session := "session-abc"
	if err := st.CreateExecutionProcess(context.Background(), &v1.ExecutionProcess{
		TaskAttemptID: "attempt-1",
		RunReason:     v1.RunReasonCodingAgent,
		Status:        v1.ExecutionStatusCompleted,
		SessionID:     &session,
		Action: v1.ExecutorAction{
			Type:               v1.ExecutorActionCodingAgentInitialRequest,
			CodingAgentRequest: &v1.CodingAgentRequest{ExecutorProfileID: "claude-code"},
		},
	}); err != nil {
		t.Fatal(err)
	}
	if err := st.UpsertFollowUpDraft(context.Background(), &v1.FollowUpDraft{TaskAttemptID: "attempt-1", Prompt: "keep going", Queued: true}); err != nil {
		t.Fatal(err)
	}

	started, err := eng.TryConsumeQueuedFollowup(context.Background(), attempt, v1.Project{RepoPath: dir, CleanupScript: "rm -rf tmp"})
	if err != nil {
		t.Fatalf("TryConsumeQueuedFollowup: %v", err)
	}
	if !started {
		t.Fatal("expected the queued follow-up to start")
	}
	if len(starter.calls) != 1 || starter.calls[0] != v1.RunReasonCodingAgent {
		t.Fatalf("expected one coding-agent spawn, got %v", starter.calls)
	}
}
