package commit

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// worktreeLocks guards against two commits racing inside the same worktree
// directory. The commit engine serves every attempt in the process, so the
// lock is keyed by worktree path rather than being a single global flag the
// way a per-workspace GitOperator would hold it.
type worktreeLocks struct {
	mu    sync.Mutex
	inUse map[string]bool
}

func newWorktreeLocks() *worktreeLocks {
	return &worktreeLocks{inUse: make(map[string]bool)}
}

func (w *worktreeLocks) tryLock(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inUse[path] {
		return false
	}
	w.inUse[path] = true
	return true
}

func (w *worktreeLocks) unlock(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inUse, path)
}

func runGitCommand(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += stderr.String()
	}
	if err != nil {
		return output, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return output, nil
}

func hasUncommittedChanges(ctx context.Context, dir string) (bool, error) {
	output, err := runGitCommand(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("check uncommitted changes: %w", err)
	}
	return strings.TrimSpace(output) != "", nil
}

// commitAll stages every tracked and untracked change and commits it. It
// returns false (with no error) when there was nothing to commit, so a
// caller can distinguish "no-op" from "failure".
func commitAll(ctx context.Context, dir, message string) (bool, error) {
	hasChanges, err := hasUncommittedChanges(ctx, dir)
	if err != nil {
		return false, err
	}
	if !hasChanges {
		return false, nil
	}

	if _, err := runGitCommand(ctx, dir, "add", "-A"); err != nil {
		return false, fmt.Errorf("stage changes: %w", err)
	}
	if _, err := runGitCommand(ctx, dir, "commit", "-m", message); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func headCommit(ctx context.Context, dir string) (string, error) {
	output, err := runGitCommand(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}

// commitStats parses "git show --stat --format=" output's trailing summary
// line ("N files changed, M insertions(+), K deletions(-)").
func commitStats(ctx context.Context, dir, commitSHA string) (filesChanged, insertions, deletions int) {
	output, err := runGitCommand(ctx, dir, "show", "--stat", "--format=", commitSHA)
	if err != nil {
		return 0, 0, 0
	}

	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) == 0 {
		return 0, 0, 0
	}
	summary := lines[len(lines)-1]

	if idx := strings.Index(summary, " file"); idx > 0 {
		parts := strings.Fields(strings.TrimSpace(summary[:idx]))
		if len(parts) > 0 {
			_, _ = fmt.Sscanf(parts[len(parts)-1], "%d", &filesChanged)
		}
	}
	if idx := strings.Index(summary, " insertion"); idx > 0 {
		start := strings.LastIndex(summary[:idx], " ") + 1
		if start > 0 && start < idx {
			_, _ = fmt.Sscanf(summary[start:idx], "%d", &insertions)
		}
	}
	if idx := strings.Index(summary, " deletion"); idx > 0 {
		start := strings.LastIndex(summary[:idx], " ") + 1
		if start > 0 && start < idx {
			_, _ = fmt.Sscanf(summary[start:idx], "%d", &deletions)
		}
	}
	return filesChanged, insertions, deletions
}
