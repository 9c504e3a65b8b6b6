package worktree

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
)

// BranchPrefix is the fixed prefix applied to every feature branch the
// manager creates. Unlike the branch prefix in the rest of the backend's
// worktree code, this one is not operator-configurable: it identifies
// branches created by this execution core.
const BranchPrefix = "vk/"

// Config holds configuration for the worktree manager.
type Config struct {
	// Enabled controls whether worktree provisioning is active. When false,
	// task attempts run against the project's own checkout directly.
	Enabled bool `mapstructure:"enabled"`

	// BasePath is the base directory under which all worktrees live.
	// Supports ~ expansion for the home directory.
	BasePath string `mapstructure:"basePath"`
}

// Validate fills in defaults and rejects malformed configuration.
func (c *Config) Validate() error {
	if c.BasePath == "" {
		c.BasePath = "~/.kandev/worktrees"
	}
	return nil
}

// ExpandedBasePath returns BasePath with a leading ~ expanded to the user's
// home directory.
func (c *Config) ExpandedBasePath() (string, error) {
	path := c.BasePath
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[2:])
	}
	return path, nil
}

// WorktreePath joins the base directory with a worktree directory name.
func (c *Config) WorktreePath(dirName string) (string, error) {
	basePath, err := c.ExpandedBasePath()
	if err != nil {
		return "", err
	}
	return filepath.Join(basePath, dirName), nil
}

// shortID returns the first n characters of a uuid, used as the
// deterministic attempt-derived component of worktree and branch names.
func shortID(id string, n int) string {
	if len(id) <= n {
		return id
	}
	return id[:n]
}

// branchID lowercases a task title, replaces every non-alphanumeric rune
// with a hyphen, collapses consecutive hyphens, and trims leading/trailing
// hyphens, producing the derived branch-id component of a worktree name.
func branchID(title string, maxLen int) string {
	if title == "" {
		return ""
	}

	lower := strings.ToLower(title)
	var sb strings.Builder
	for _, r := range lower {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('-')
		}
	}
	result := collapseHyphens.ReplaceAllString(sb.String(), "-")
	result = strings.Trim(result, "-")

	if len(result) > maxLen {
		result = strings.TrimRight(result[:maxLen], "-")
	}
	return result
}

var collapseHyphens = regexp.MustCompile(`-+`)

// DeriveNames deterministically computes the worktree directory name and
// feature branch name for a task attempt:
//
//	directory = <short_attempt_uuid>-<branch_id(task_title)>
//	branch    = vk/<short_attempt_uuid>-<branch_id(task_title)>
func DeriveNames(attemptID, taskTitle string) (dirName, branchName string) {
	short := shortID(attemptID, 8)
	id := branchID(taskTitle, 32)
	if id == "" {
		id = short
	}
	suffix := short + "-" + id
	return suffix, BranchPrefix + suffix
}
