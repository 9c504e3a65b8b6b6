package diffstream

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	v1 "github.com/kandev/kandev/pkg/api/v1"
)

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// mergeBase returns the merge-base commit of two refs in dir.
func mergeBase(ctx context.Context, dir, a, b string) (string, error) {
	out, err := runGit(ctx, dir, "merge-base", a, b)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// isAncestor reports whether ancestor is an ancestor of descendant.
func isAncestor(ctx context.Context, dir, ancestor, descendant string) bool {
	cmd := exec.CommandContext(ctx, "git", "merge-base", "--is-ancestor", ancestor, descendant)
	cmd.Dir = dir
	return cmd.Run() == nil
}

// commitsAhead counts commits reachable from head but not from base.
func commitsAhead(ctx context.Context, dir, base, head string) (int, error) {
	out, err := runGit(ctx, dir, "rev-list", "--count", base+".."+head)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse rev-list count: %w", err)
	}
	return n, nil
}

// isWorktreeClean reports whether dir has no uncommitted changes.
func isWorktreeClean(ctx context.Context, dir string) (bool, error) {
	out, err := runGit(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

// findMergeCommit locates the merge commit that brought branch into
// baseBranch in the project repository. Best-effort: if branch's own ref no
// longer exists (it may have been pruned after merging), this can only
// approximate by taking the most recent merge commit on baseBranch whose
// first-parent message references the branch name.
func findMergeCommit(ctx context.Context, repoPath, branch, baseBranch string) (string, error) {
	if out, err := runGit(ctx, repoPath, "log", "--merges", "--ancestry-path",
		"--format=%H", "--reverse", branch+".."+baseBranch); err == nil {
		lines := strings.Fields(out)
		if len(lines) > 0 {
			return lines[0], nil
		}
	}

	out, err := runGit(ctx, repoPath, "log", "--merges", "--grep="+branch,
		"--format=%H", "-1", baseBranch)
	if err != nil {
		return "", err
	}
	sha := strings.TrimSpace(out)
	if sha == "" {
		return "", fmt.Errorf("no merge commit found for branch %q on %q", branch, baseBranch)
	}
	return sha, nil
}

// nameStatusEntry is one row of `git diff --name-status`.
type nameStatusEntry struct {
	status ChangeStatus
	path   string
	// oldPath is set for renames/copies.
	oldPath string
}

// ChangeStatus is the raw single-letter git status code.
type ChangeStatus byte

const (
	ChangeStatusAdded      ChangeStatus = 'A'
	ChangeStatusDeleted    ChangeStatus = 'D'
	ChangeStatusModified   ChangeStatus = 'M'
	ChangeStatusRenamed    ChangeStatus = 'R'
	ChangeStatusCopied     ChangeStatus = 'C'
	ChangeStatusTypeChange ChangeStatus = 'T'
)

func parseNameStatus(output string) []nameStatusEntry {
	var entries []nameStatusEntry
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		code := fields[0]
		status := ChangeStatus(code[0])
		switch {
		case status == ChangeStatusRenamed || status == ChangeStatusCopied:
			if len(fields) < 3 {
				continue
			}
			entries = append(entries, nameStatusEntry{status: status, oldPath: fields[1], path: fields[2]})
		default:
			entries = append(entries, nameStatusEntry{status: status, path: fields[1]})
		}
	}
	return entries
}

// numstatEntry is one row of `git diff --numstat`.
type numstatEntry struct {
	additions int
	deletions int
	path      string
}

func parseNumstat(output string) map[string]numstatEntry {
	result := make(map[string]numstatEntry)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		// Binary files report "-" for both counts.
		additions, _ := strconv.Atoi(fields[0])
		deletions, _ := strconv.Atoi(fields[1])
		path := strings.Join(fields[2:], " ")
		result[path] = numstatEntry{additions: additions, deletions: deletions, path: path}
	}
	return result
}

func toChangeKind(status ChangeStatus) v1.ChangeKind {
	switch status {
	case ChangeStatusAdded:
		return v1.ChangeKindAdded
	case ChangeStatusDeleted:
		return v1.ChangeKindDeleted
	case ChangeStatusRenamed:
		return v1.ChangeKindRenamed
	case ChangeStatusCopied:
		return v1.ChangeKindCopied
	case ChangeStatusTypeChange:
		return v1.ChangeKindPermissionChange
	default:
		return v1.ChangeKindModified
	}
}

// showFile reads a path's content at a specific revision. A missing path (the
// file did not exist at that revision) is reported as ok=false rather than an
// error.
func showFile(ctx context.Context, repoPath, rev, path string) (content string, ok bool) {
	out, err := runGit(ctx, repoPath, "show", rev+":"+path)
	if err != nil {
		return "", false
	}
	return out, true
}
