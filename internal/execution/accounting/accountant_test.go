package accounting

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/execution/msgstore"
	"github.com/kandev/kandev/internal/execution/store"
	v1 "github.com/kandev/kandev/pkg/api/v1"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func strPtr(s string) *string { return &s }

// initRepoWithCommit creates a bare-ish working repo with an initial commit
// and returns its path plus the commit sha.
func initRepoWithCommit(t *testing.T) (dir, sha string) {
	t.Helper()
	dir = t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, writeFile(dir+"/README.md", "hello\n"))
	run("add", ".")
	run("commit", "-m", "initial")

	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	require.NoError(t, err)
	sha = trimNL(string(out))
	return dir, sha
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func trimNL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

type fakeCollaboratorUpdater struct {
	calls []string
}

func (f *fakeCollaboratorUpdater) UpsertCollaborator(_ context.Context, taskID, name, role, status string) error {
	f.calls = append(f.calls, taskID+"/"+name+"/"+role+"/"+status)
	return nil
}

func baseExecCtx(repoPath, beforeCommit string, status v1.ExecutionStatus) v1.ExecutionContext {
	completedAt := time.Now().UTC()
	return v1.ExecutionContext{
		Task:    v1.Task{ID: "task-1"},
		Project: v1.Project{ID: "proj-1", RepoPath: repoPath},
		TaskAttempt: v1.TaskAttempt{
			ID:           "attempt-1",
			TaskID:       "task-1",
			ContainerRef: strPtr(repoPath),
		},
		ExecutionProcess: v1.ExecutionProcess{
			ID:               "exec-1",
			TaskAttemptID:    "attempt-1",
			RunReason:        v1.RunReasonCodingAgent,
			Status:           status,
			StartedAt:        completedAt.Add(-2 * time.Second),
			CompletedAt:      &completedAt,
			BeforeHeadCommit: beforeCommit,
			Action: v1.ExecutorAction{
				Type:               v1.ExecutorActionCodingAgentInitialRequest,
				CodingAgentRequest: &v1.CodingAgentRequest{ExecutorProfileID: "claude-code"},
			},
		},
	}
}

func TestRecord_SuccessfulRunWritesSummaryArtifactsAndVibeTransaction(t *testing.T) {
	repoPath, sha := initRepoWithCommit(t)
	require.NoError(t, writeFile(repoPath+"/new_file.txt", "added content\n"))
	cmd := exec.Command("git", "add", ".")
	cmd.Dir = repoPath
	require.NoError(t, cmd.Run())
	cmd = exec.Command("git", "commit", "-m", "add file")
	cmd.Dir = repoPath
	require.NoError(t, cmd.Run())

	st := store.NewMemoryStore()
	collab := &fakeCollaboratorUpdater{}
	accountant := NewAccountant(st, nil, collab, Config{}, newTestLogger())

	execCtx := baseExecCtx(repoPath, sha, v1.ExecutionStatusCompleted)
	require.NoError(t, st.CreateTaskAttempt(context.Background(), &execCtx.TaskAttempt))

	ms := msgstore.New()
	ms.PushTokenCount(100, 50)
	ms.PushJSONPatch(v1.NormalizedEntry{Type: v1.NormalizedEntryAssistantMessage, Content: "done"})

	accountant.Record(context.Background(), execCtx, ms)

	summary, err := st.GetExecutionSummary(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.FilesAdded)

	artifacts, err := st.ListExecutionArtifactsByAttempt(context.Background(), "attempt-1")
	require.NoError(t, err)
	var sawDiffSummary, sawCheckpoint bool
	for _, a := range artifacts {
		switch a.Kind {
		case v1.ArtifactKindDiffSummary:
			sawDiffSummary = true
		case v1.ArtifactKindCheckpoint:
			sawCheckpoint = true
		}
	}
	assert.True(t, sawDiffSummary)
	assert.True(t, sawCheckpoint)

	txs, err := st.ListVibeTransactionsByTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, 100, txs[0].InputTokens)
	assert.Equal(t, 50, txs[0].OutputTokens)
	assert.True(t, txs[0].Settled)

	logs, err := st.ListActivityLogsByTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "execution_completed", logs[0].EventType)

	require.Len(t, collab.calls, 1)
	assert.Equal(t, "task-1/claude-code/agent/COMPLETED", collab.calls[0])
}

func TestRecord_FailedRunWritesErrorReportAndFlowFailedEvent(t *testing.T) {
	repoPath, sha := initRepoWithCommit(t)

	st := store.NewMemoryStore()
	accountant := NewAccountant(st, nil, nil, Config{}, newTestLogger())

	execCtx := baseExecCtx(repoPath, sha, v1.ExecutionStatusFailed)
	exitCode := 1
	execCtx.ExecutionProcess.ExitCode = &exitCode
	require.NoError(t, st.CreateTaskAttempt(context.Background(), &execCtx.TaskAttempt))

	flow := &v1.AgentFlow{ID: "flow-1", ExecutionProcessID: "exec-1", TaskID: "task-1", Status: v1.AgentFlowStatusRunning}
	require.NoError(t, st.CreateAgentFlow(context.Background(), flow))

	accountant.Record(context.Background(), execCtx, nil)

	gotFlow, err := st.GetAgentFlowByExecutionProcess(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Equal(t, v1.AgentFlowStatusFailed, gotFlow.Status)

	artifacts, err := st.ListExecutionArtifactsByAttempt(context.Background(), "attempt-1")
	require.NoError(t, err)
	var sawErrorReport bool
	for _, a := range artifacts {
		if a.Kind == v1.ArtifactKindErrorReport {
			sawErrorReport = true
		}
	}
	assert.True(t, sawErrorReport)
}

func TestSettleVibeCost_FallsBackToElapsedTimeHeuristicWhenNoTokensObserved(t *testing.T) {
	st := store.NewMemoryStore()
	accountant := NewAccountant(st, nil, nil, Config{TokensPerSecond: 100, InputOutputRatio: 3}, newTestLogger())

	completedAt := time.Now().UTC()
	proc := v1.ExecutionProcess{
		ID:            "exec-2",
		TaskAttemptID: "attempt-2",
		StartedAt:     completedAt.Add(-10 * time.Second),
		CompletedAt:   &completedAt,
		Action: v1.ExecutorAction{
			CodingAgentRequest: &v1.CodingAgentRequest{ExecutorProfileID: "claude-code"},
		},
	}

	accountant.settleVibeCost(context.Background(), newTestLogger(), "task-2", proc, nil)

	txs, err := st.ListVibeTransactionsByTask(context.Background(), "task-2")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Greater(t, txs[0].InputTokens+txs[0].OutputTokens, 0)
}
