package diffstream

import (
	"context"
	"os"
	"strings"

	v1 "github.com/kandev/kandev/pkg/api/v1"
)

// computeCommitDiff computes the full diff introduced by a single commit
// (used for the merged-only finite stream, where the "worktree" is the
// commit's own tree in the project repository).
func (e *Engine) computeCommitDiff(ctx context.Context, repoPath, commitSHA string) ([]v1.Diff, error) {
	nameStatusOut, err := runGit(ctx, repoPath, "show", "--name-status", "--format=", commitSHA)
	if err != nil {
		return nil, err
	}
	numstatOut, err := runGit(ctx, repoPath, "show", "--numstat", "--format=", commitSHA)
	if err != nil {
		return nil, err
	}
	numstat := parseNumstat(numstatOut)
	entries := parseNameStatus(nameStatusOut)

	parentRev := commitSHA + "^"
	diffs := make([]v1.Diff, 0, len(entries))
	for _, entry := range entries {
		d := v1.Diff{Path: entry.path, ChangeKind: toChangeKind(entry.status)}

		if entry.status != ChangeStatusAdded {
			oldPath := entry.path
			if entry.oldPath != "" {
				oldPath = entry.oldPath
			}
			if content, ok := showFile(ctx, repoPath, parentRev, oldPath); ok {
				d.OldContent = &content
			}
		}
		if entry.status != ChangeStatusDeleted {
			if content, ok := showFile(ctx, repoPath, commitSHA, entry.path); ok {
				d.NewContent = &content
			}
		}

		if stat, ok := numstat[entry.path]; ok {
			additions, deletions := stat.additions, stat.deletions
			d.Additions = &additions
			d.Deletions = &deletions
		}

		diffs = append(diffs, d)
	}
	return diffs, nil
}

// computeWorktreeDiff computes the diff of the live worktree against
// baseCommit. When pathFilter is non-empty the comparison (and resulting
// diff set) is restricted to those relative paths, for recomputation after a
// watcher batch; a nil/empty filter computes the full diff.
func (e *Engine) computeWorktreeDiff(ctx context.Context, worktreeDir, baseCommit string, pathFilter []string) ([]v1.Diff, error) {
	args := []string{"diff", "--name-status", baseCommit}
	numstatArgs := []string{"diff", "--numstat", baseCommit}
	if len(pathFilter) > 0 {
		args = append(args, "--")
		args = append(args, pathFilter...)
		numstatArgs = append(numstatArgs, "--")
		numstatArgs = append(numstatArgs, pathFilter...)
	}

	nameStatusOut, err := runGit(ctx, worktreeDir, args...)
	if err != nil {
		return nil, err
	}
	numstatOut, err := runGit(ctx, worktreeDir, numstatArgs...)
	if err != nil {
		return nil, err
	}
	numstat := parseNumstat(numstatOut)
	entries := parseNameStatus(nameStatusOut)

	tracked := make(map[string]bool, len(entries))
	diffs := make([]v1.Diff, 0, len(entries))
	for _, entry := range entries {
		tracked[entry.path] = true
		d := v1.Diff{Path: entry.path, ChangeKind: toChangeKind(entry.status)}

		if entry.status != ChangeStatusAdded {
			oldPath := entry.path
			if entry.oldPath != "" {
				oldPath = entry.oldPath
			}
			if content, ok := showFile(ctx, worktreeDir, baseCommit, oldPath); ok {
				d.OldContent = &content
			}
		}
		if entry.status != ChangeStatusDeleted {
			if data, err := os.ReadFile(joinPath(worktreeDir, entry.path)); err == nil {
				content := string(data)
				d.NewContent = &content
			}
		}

		if stat, ok := numstat[entry.path]; ok {
			additions, deletions := stat.additions, stat.deletions
			d.Additions = &additions
			d.Deletions = &deletions
		}

		diffs = append(diffs, d)
	}

	// Untracked new files appear neither in --name-status (which only shows
	// tracked changes against baseCommit) nor need a base comparison; surface
	// them as ADDED when they fall within the watched path filter.
	if len(pathFilter) > 0 {
		untracked, err := runGit(ctx, worktreeDir, "ls-files", "--others", "--exclude-standard")
		if err == nil {
			untrackedSet := make(map[string]bool)
			for _, p := range strings.Split(strings.TrimSpace(untracked), "\n") {
				if p != "" {
					untrackedSet[p] = true
				}
			}
			for _, p := range pathFilter {
				if !untrackedSet[p] || tracked[p] {
					continue
				}
				data, err := os.ReadFile(joinPath(worktreeDir, p))
				if err != nil {
					continue
				}
				content := string(data)
				additions := strings.Count(content, "\n") + 1
				zero := 0
				diffs = append(diffs, v1.Diff{
					Path: p, ChangeKind: v1.ChangeKindAdded, NewContent: &content,
					Additions: &additions, Deletions: &zero,
				})
			}
		}
	}

	return diffs, nil
}
