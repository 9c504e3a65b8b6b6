package accounting

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
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

// diffStats is the §4.8 execution-summary rollup: file-kind counts plus
// summed additions/deletions for a worktree against a base commit. Renames
// and copies count as modifications; permission-only changes (typechange,
// no content delta) are ignored entirely.
type diffStats struct {
	filesAdded    int
	filesDeleted  int
	filesModified int
	additions     int
	deletions     int
}

func computeDiffStats(ctx context.Context, worktreeDir, baseCommit string) (diffStats, error) {
	var stats diffStats

	nameStatusOut, err := runGit(ctx, worktreeDir, "diff", "--name-status", baseCommit)
	if err != nil {
		return stats, err
	}
	numstatOut, err := runGit(ctx, worktreeDir, "diff", "--numstat", baseCommit)
	if err != nil {
		return stats, err
	}

	type counts struct{ additions, deletions int }
	byPath := make(map[string]counts)
	for _, line := range strings.Split(numstatOut, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		add, _ := strconv.Atoi(fields[0])
		del, _ := strconv.Atoi(fields[1])
		path := strings.Join(fields[2:], " ")
		byPath[path] = counts{additions: add, deletions: del}
	}

	for _, line := range strings.Split(nameStatusOut, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		code := fields[0][0]
		path := fields[len(fields)-1]

		switch code {
		case 'A':
			stats.filesAdded++
		case 'D':
			stats.filesDeleted++
		case 'T':
			// Permission/mode-only change with no content delta: ignored.
			continue
		default:
			// M, R, C (modified, renamed, copied) all count as modifications.
			stats.filesModified++
		}

		if c, ok := byPath[path]; ok {
			stats.additions += c.additions
			stats.deletions += c.deletions
		}
	}

	return stats, nil
}
