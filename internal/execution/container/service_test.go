package container

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/execution/accounting"
	"github.com/kandev/kandev/internal/execution/commit"
	"github.com/kandev/kandev/internal/execution/diffstream"
	"github.com/kandev/kandev/internal/execution/process"
	"github.com/kandev/kandev/internal/execution/store"
	"github.com/kandev/kandev/internal/execution/worktree"
	v1 "github.com/kandev/kandev/pkg/api/v1"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func runGitT(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoErrorf(t, err, "git %v: %s", args, out)
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGitT(t, dir, "init")
	runGitT(t, dir, "config", "user.email", "test@example.com")
	runGitT(t, dir, "config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	runGitT(t, dir, "add", ".")
	runGitT(t, dir, "commit", "-m", "initial")
	return dir
}

type fakeTaskStatusUpdater struct {
	states map[string]v1.TaskState
	task   v1.Task
}

func newFakeTaskStatusUpdater(task v1.Task) *fakeTaskStatusUpdater {
	return &fakeTaskStatusUpdater{states: make(map[string]v1.TaskState), task: task}
}

func (f *fakeTaskStatusUpdater) UpdateTaskState(_ context.Context, id string, state v1.TaskState) error {
	f.states[id] = state
	return nil
}

func (f *fakeTaskStatusUpdater) GetTaskForExecution(_ context.Context, id string) (v1.Task, error) {
	f.task.ID = id
	return f.task, nil
}

func newTestService(t *testing.T, tasks TaskStatusUpdater) (*Service, store.Store, *worktree.Manager) {
	t.Helper()
	st := store.NewMemoryStore()
	log := newTestLogger()

	wtCfg := worktree.Config{Enabled: true, BasePath: t.TempDir()}
	require.NoError(t, wtCfg.Validate())
	wt, err := worktree.NewManager(wtCfg, log)
	require.NoError(t, err)

	sup := process.NewSupervisor(log)
	diffs := diffstream.NewEngine(diffstream.Config{MaxCumulativeBytes: 1 << 20}, log)
	accountant := accounting.NewAccountant(st, nil, nil, accounting.Config{TokensPerSecond: 10, InputOutputRatio: 0.5}, log)

	svc := NewService(st, wt, sup, diffs, accountant, tasks, nil, Config{MaxSlots: 2}, log)
	chain := commit.NewEngine(st, svc, wt, nil, log)
	svc.AttachChain(chain)
	return svc, st, wt
}

func TestCreate_MaterializesWorktreeAndPersistsContainerRef(t *testing.T) {
	repoPath := initRepo(t)
	svc, st, _ := newTestService(t, nil)

	project := v1.Project{ID: "proj-1", RepoPath: repoPath}
	task := v1.Task{ID: "task-1", Title: "Fix the thing"}
	attempt := &v1.TaskAttempt{ID: "attempt-1", TaskID: task.ID, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, st.CreateTaskAttempt(context.Background(), attempt))

	dir, err := svc.Create(context.Background(), attempt, task, project)
	require.NoError(t, err)
	assert.DirExists(t, dir)

	got, err := st.GetTaskAttempt(context.Background(), attempt.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ContainerRef)
	assert.Equal(t, dir, *got.ContainerRef)
	require.NotNil(t, got.Branch)
	assert.Contains(t, *got.Branch, worktree.BranchPrefix)
}

func TestIsContainerClean_MissingWorktreeIsClean(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	attempt := v1.TaskAttempt{ID: "a1", ContainerRef: &missing}

	clean, err := svc.IsContainerClean(context.Background(), attempt)
	require.NoError(t, err)
	assert.True(t, clean)
}

func TestIsContainerClean_DirtyWorktreeReportsFalse(t *testing.T) {
	repoPath := initRepo(t)
	svc, st, _ := newTestService(t, nil)

	project := v1.Project{ID: "proj-1", RepoPath: repoPath}
	task := v1.Task{ID: "task-1", Title: "Fix the thing"}
	attempt := &v1.TaskAttempt{ID: "attempt-1", TaskID: task.ID, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, st.CreateTaskAttempt(context.Background(), attempt))

	dir, err := svc.Create(context.Background(), attempt, task, project)
	require.NoError(t, err)

	clean, err := svc.IsContainerClean(context.Background(), *attempt)
	require.NoError(t, err)
	assert.True(t, clean)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("change\n"), 0o644))

	clean, err = svc.IsContainerClean(context.Background(), *attempt)
	require.NoError(t, err)
	assert.False(t, clean)
}

func TestDelete_MissingWorktreeIsNotAnError(t *testing.T) {
	repoPath := initRepo(t)
	svc, st, _ := newTestService(t, nil)
	missing := filepath.Join(t.TempDir(), "gone")
	attempt := &v1.TaskAttempt{ID: "a1", ContainerRef: &missing, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, st.CreateTaskAttempt(context.Background(), attempt))

	err := svc.Delete(context.Background(), attempt, v1.Project{RepoPath: repoPath})
	require.NoError(t, err)

	got, err := st.GetTaskAttempt(context.Background(), "a1")
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.True(t, got.WorktreeDeleted)
}

func TestStartExecution_RunsScriptActionAndRegistersMessageStore(t *testing.T) {
	repoPath := initRepo(t)
	svc, st, _ := newTestService(t, nil)

	project := v1.Project{ID: "proj-1", RepoPath: repoPath}
	task := v1.Task{ID: "task-1", Title: "Run a script"}
	attempt := &v1.TaskAttempt{ID: "attempt-1", TaskID: task.ID, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, st.CreateTaskAttempt(context.Background(), attempt))
	_, err := svc.Create(context.Background(), attempt, task, project)
	require.NoError(t, err)

	action := v1.ExecutorAction{
		Type:          v1.ExecutorActionScriptRequest,
		ScriptRequest: &v1.ScriptRequest{Script: "echo hi > out.txt", Kind: v1.ScriptKindSetup},
	}
	proc, err := svc.StartExecution(context.Background(), attempt, action, v1.RunReasonSetupScript)
	require.NoError(t, err)
	require.NotNil(t, proc)
	assert.Equal(t, v1.ExecutionStatusRunning, proc.Status)

	ms, ok := svc.MessageStore(proc.ID)
	require.True(t, ok)
	require.NotNil(t, ms)
}

func TestStartExecution_RejectsWhenSlotsExhausted(t *testing.T) {
	repoPath := initRepo(t)
	st := store.NewMemoryStore()
	log := newTestLogger()
	wtCfg := worktree.Config{Enabled: true, BasePath: t.TempDir()}
	require.NoError(t, wtCfg.Validate())
	wt, err := worktree.NewManager(wtCfg, log)
	require.NoError(t, err)
	sup := process.NewSupervisor(log)
	diffs := diffstream.NewEngine(diffstream.Config{MaxCumulativeBytes: 1 << 20}, log)
	accountant := accounting.NewAccountant(st, nil, nil, accounting.Config{TokensPerSecond: 10, InputOutputRatio: 0.5}, log)
	svc := NewService(st, wt, sup, diffs, accountant, nil, nil, Config{MaxSlots: 1}, log)
	chain := commit.NewEngine(st, svc, wt, nil, log)
	svc.AttachChain(chain)

	project := v1.Project{ID: "proj-1", RepoPath: repoPath}
	task := v1.Task{ID: "task-1", Title: "Two attempts"}

	a1 := &v1.TaskAttempt{ID: "a1", TaskID: task.ID, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, st.CreateTaskAttempt(context.Background(), a1))
	_, err = svc.Create(context.Background(), a1, task, project)
	require.NoError(t, err)

	a2 := &v1.TaskAttempt{ID: "a2", TaskID: task.ID, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, st.CreateTaskAttempt(context.Background(), a2))
	_, err = svc.Create(context.Background(), a2, task, project)
	require.NoError(t, err)

	agentAction := v1.ExecutorAction{
		Type: v1.ExecutorActionCodingAgentInitialRequest,
		CodingAgentRequest: &v1.CodingAgentRequest{
			ExecutorProfileID: "claude-code",
			Prompt:            "sleep 1",
		},
	}

	proc1, err := svc.StartExecution(context.Background(), a1, agentAction, v1.RunReasonCodingAgent)
	require.NoError(t, err)
	require.NotNil(t, proc1)

	_, err = svc.StartExecution(context.Background(), a2, agentAction, v1.RunReasonCodingAgent)
	require.Error(t, err)

	svc.ReleaseExecutionSlot(a1.ID)
	proc3, err := svc.StartExecution(context.Background(), a2, agentAction, v1.RunReasonCodingAgent)
	require.NoError(t, err)
	require.NotNil(t, proc3)
}

func TestStopExecution_MarksKilledAndSkipsInReviewForDevServer(t *testing.T) {
	repoPath := initRepo(t)
	tasks := newFakeTaskStatusUpdater(v1.Task{})
	svc, st, _ := newTestService(t, tasks)

	project := v1.Project{ID: "proj-1", RepoPath: repoPath}
	task := v1.Task{ID: "task-1", Title: "Dev server"}
	attempt := &v1.TaskAttempt{ID: "attempt-1", TaskID: task.ID, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, st.CreateTaskAttempt(context.Background(), attempt))
	_, err := svc.Create(context.Background(), attempt, task, project)
	require.NoError(t, err)

	action := v1.ExecutorAction{
		Type:          v1.ExecutorActionScriptRequest,
		ScriptRequest: &v1.ScriptRequest{Script: "sleep 5"},
	}
	proc, err := svc.StartExecution(context.Background(), attempt, action, v1.RunReasonDevServer)
	require.NoError(t, err)

	require.NoError(t, svc.StopExecution(context.Background(), proc, attempt))

	got, err := st.GetExecutionProcess(context.Background(), proc.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ExecutionStatusKilled, got.Status)
	assert.True(t, got.WasKilled)
	assert.Empty(t, tasks.states[task.ID])
}

func TestTryCommitChanges_CommitsDirtyWorktreeAfterCodingAgentRun(t *testing.T) {
	repoPath := initRepo(t)
	svc, st, _ := newTestService(t, nil)

	project := v1.Project{ID: "proj-1", RepoPath: repoPath}
	task := v1.Task{ID: "task-1", Title: "Coding agent task"}
	attempt := &v1.TaskAttempt{ID: "attempt-1", TaskID: task.ID, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, st.CreateTaskAttempt(context.Background(), attempt))
	dir, err := svc.Create(context.Background(), attempt, task, project)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "agent-output.txt"), []byte("changed\n"), 0o644))

	proc := v1.ExecutionProcess{
		ID:            "proc-1",
		TaskAttemptID: attempt.ID,
		RunReason:     v1.RunReasonCodingAgent,
		Status:        v1.ExecutionStatusCompleted,
	}
	execCtx := v1.ExecutionContext{TaskAttempt: *attempt, ExecutionProcess: proc, Task: task, Project: project}

	committed, err := svc.TryCommitChanges(context.Background(), execCtx)
	require.NoError(t, err)
	assert.True(t, committed)

	clean, err := svc.IsContainerClean(context.Background(), *attempt)
	require.NoError(t, err)
	assert.True(t, clean)
}
