package worktree

import "errors"

// Sentinel errors returned by Manager operations. Callers (C9) wrap these
// into errors.Worktree via errors.Is checks.
var (
	ErrWorktreeExists    = errors.New("worktree already exists")
	ErrWorktreeNotFound  = errors.New("worktree not found")
	ErrRepoNotGit        = errors.New("path is not a git repository")
	ErrInvalidBaseBranch = errors.New("invalid base branch")
	ErrWorktreeCorrupted = errors.New("worktree directory is not a valid git worktree")
	ErrGitCommandFailed  = errors.New("git command failed")
)
