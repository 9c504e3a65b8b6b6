package container

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// runGit mirrors the same small git-subprocess helper each execution-core
// package (commit, diffstream, accounting) keeps its own copy of.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// isWorktreeClean reports whether a worktree has no uncommitted changes.
func isWorktreeClean(ctx context.Context, dir string) (bool, error) {
	out, err := runGit(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out == "", nil
}
