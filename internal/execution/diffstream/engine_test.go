package diffstream

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
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v failed: %v: %s", args, err, out)
	}
}

// setupProjectWithAttemptBranch creates a project repo with an initial
// commit on main, then a worktree checked out on a feature branch.
func setupProjectWithAttemptBranch(t *testing.T) (repoPath, worktreePath string) {
	t.Helper()
	repoPath = t.TempDir()
	runGitT(t, repoPath, "init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("hello\n"), 0o644))
	runGitT(t, repoPath, "add", "README.md")
	runGitT(t, repoPath, "commit", "-m", "initial")

	worktreePath = filepath.Join(t.TempDir(), "wt")
	runGitT(t, repoPath, "worktree", "add", "-b", "vk/attempt-1", worktreePath, "main")
	return repoPath, worktreePath
}

func TestEngine_LiveStream_CleanWorktreeEmitsNoDiffs(t *testing.T) {
	_, worktreePath := setupProjectWithAttemptBranch(t)

	engine := NewEngine(Config{MaxCumulativeBytes: 150 * 1024, WatcherDebounce: 20 * time.Millisecond}, newTestLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	diffs, err := engine.computeWorktreeDiff(ctx, worktreePath, "HEAD", nil)
	require.NoError(t, err)
	assert.Empty(t, diffs)
}

func TestEngine_ComputeWorktreeDiff_ModifiedFile(t *testing.T) {
	_, worktreePath := setupProjectWithAttemptBranch(t)

	require.NoError(t, os.WriteFile(filepath.Join(worktreePath, "README.md"), []byte("hello\nworld\n"), 0o644))

	engine := NewEngine(Config{MaxCumulativeBytes: 150 * 1024}, newTestLogger())
	diffs, err := engine.computeWorktreeDiff(context.Background(), worktreePath, "HEAD", nil)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, "README.md", diffs[0].Path)
	assert.Equal(t, v1.ChangeKindModified, diffs[0].ChangeKind)
	require.NotNil(t, diffs[0].NewContent)
	assert.Equal(t, "hello\nworld\n", *diffs[0].NewContent)
}

func TestEngine_ComputeCommitDiff_AddedFile(t *testing.T) {
	repoPath, worktreePath := setupProjectWithAttemptBranch(t)
	require.NoError(t, os.WriteFile(filepath.Join(worktreePath, "new.txt"), []byte("added content\n"), 0o644))
	runGitT(t, worktreePath, "add", "new.txt")
	runGitT(t, worktreePath, "commit", "-m", "add new file")

	// Merge the feature branch into main, simulating a completed attempt.
	runGitT(t, repoPath, "merge", "--no-ff", "-m", "merge attempt", "vk/attempt-1")

	out, err := runGit(context.Background(), repoPath, "log", "--merges", "--format=%H", "-1", "main")
	require.NoError(t, err)
	mergeSHA := trimNL(out)

	engine := NewEngine(Config{MaxCumulativeBytes: 150 * 1024}, newTestLogger())
	diffs, err := engine.computeCommitDiff(context.Background(), repoPath, mergeSHA)
	require.NoError(t, err)
	require.Len(t, diffs, 1)
	assert.Equal(t, "new.txt", diffs[0].Path)
	assert.Equal(t, v1.ChangeKindAdded, diffs[0].ChangeKind)
	require.NotNil(t, diffs[0].NewContent)
	assert.Equal(t, "added content\n", *diffs[0].NewContent)
}

func trimNL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
