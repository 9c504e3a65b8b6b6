// Package worktree implements the Worktree Manager (C1): creation,
// re-materialization, and cleanup of isolated Git worktrees backing task
// attempts.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
)

const (
	defaultGitFetchTimeout = 8 * time.Second
	defaultGitPullTimeout  = 8 * time.Second
)

// repoLockEntry tracks a repository lock and its reference count, so the
// backing mutex map never grows unbounded across the life of the process.
type repoLockEntry struct {
	mu       *sync.Mutex
	refCount int
}

// Manager performs the Git plumbing behind task-attempt worktrees. It holds
// no attempt state of its own — container_ref/branch bookkeeping is the
// caller's (C9's) concern; the manager only ever deals in paths and branch
// names.
type Manager struct {
	config Config
	logger *logger.Logger

	repoLocks  map[string]*repoLockEntry
	repoLockMu sync.Mutex

	fetchTimeout time.Duration
	pullTimeout  time.Duration
}

// NewManager validates cfg, ensures the worktree base directory exists, and
// returns a ready Manager.
func NewManager(cfg Config, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid worktree config: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}

	basePath, err := cfg.ExpandedBasePath()
	if err != nil {
		return nil, fmt.Errorf("expand worktree base path: %w", err)
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree base directory: %w", err)
	}

	return &Manager{
		config:       cfg,
		logger:       log.WithFields(zap.String("component", "worktree-manager")),
		repoLocks:    make(map[string]*repoLockEntry),
		fetchTimeout: defaultGitFetchTimeout,
		pullTimeout:  defaultGitPullTimeout,
	}, nil
}

// GetWorktreeBaseDir returns the process-wide base directory under which all
// worktrees live.
func (m *Manager) GetWorktreeBaseDir() (string, error) {
	return m.config.ExpandedBasePath()
}

func (m *Manager) getRepoLock(repoPath string) *sync.Mutex {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	if entry, ok := m.repoLocks[repoPath]; ok {
		entry.refCount++
		return entry.mu
	}
	entry := &repoLockEntry{mu: &sync.Mutex{}, refCount: 1}
	m.repoLocks[repoPath] = entry
	return entry.mu
}

func (m *Manager) releaseRepoLock(repoPath string) {
	m.repoLockMu.Lock()
	defer m.repoLockMu.Unlock()

	entry, ok := m.repoLocks[repoPath]
	if !ok {
		return
	}
	entry.refCount--
	if entry.refCount <= 0 {
		delete(m.repoLocks, repoPath)
	}
}

// CreateWorktree creates a Git worktree at targetPath, checked out on
// branchName. If createBranch is true the branch is cut from baseBranch's
// tip; otherwise the existing branch is checked out. Idempotent: if
// targetPath already holds a worktree `.git` pointer file (see IsValid), it
// succeeds without modification; which repository that pointer names is
// not checked.
func (m *Manager) CreateWorktree(ctx context.Context, repoPath, branchName, targetPath, baseBranch string, createBranch bool) error {
	if m.IsValid(targetPath) {
		m.logger.Debug("reusing existing worktree",
			zap.String("path", targetPath), zap.String("branch", branchName))
		return nil
	}

	if !m.isGitRepo(repoPath) {
		return ErrRepoNotGit
	}

	lock := m.getRepoLock(repoPath)
	lock.Lock()
	defer func() {
		lock.Unlock()
		m.releaseRepoLock(repoPath)
	}()

	if createBranch {
		baseRef := m.pullBaseBranch(repoPath, baseBranch)
		if !m.branchExists(repoPath, baseRef) {
			return fmt.Errorf("%w: %s", ErrInvalidBaseBranch, baseRef)
		}
		if err := m.gitWorktreeAdd(ctx, repoPath, targetPath, baseRef, branchName); err != nil {
			return err
		}
	} else {
		if !m.branchExists(repoPath, branchName) {
			return fmt.Errorf("%w: %s", ErrInvalidBaseBranch, branchName)
		}
		if err := m.gitWorktreeAddExisting(ctx, repoPath, targetPath, branchName); err != nil {
			return err
		}
	}

	m.logger.Info("created worktree",
		zap.String("repository_path", repoPath),
		zap.String("path", targetPath),
		zap.String("branch", branchName))
	return nil
}

// EnsureWorktreeExists re-materializes a worktree that was deleted
// externally (its directory gone from disk) at the same path on the same
// branch. A no-op if the worktree is already present and valid.
func (m *Manager) EnsureWorktreeExists(ctx context.Context, repoPath, branchName, targetPath string) error {
	if m.IsValid(targetPath) {
		return nil
	}

	// Prune stale metadata left by the vanished directory before re-adding.
	pruneCmd := m.newNonInteractiveGitCmd(ctx, repoPath, "worktree", "prune")
	if output, err := pruneCmd.CombinedOutput(); err != nil {
		m.logger.Debug("git worktree prune failed", zap.String("output", string(output)), zap.Error(err))
	}

	lock := m.getRepoLock(repoPath)
	lock.Lock()
	defer func() {
		lock.Unlock()
		m.releaseRepoLock(repoPath)
	}()

	if !m.branchExists(repoPath, branchName) {
		return fmt.Errorf("%w: %s", ErrInvalidBaseBranch, branchName)
	}
	if err := m.gitWorktreeAddExisting(ctx, repoPath, targetPath, branchName); err != nil {
		return err
	}

	m.logger.Info("re-materialized worktree",
		zap.String("path", targetPath), zap.String("branch", branchName))
	return nil
}

// CleanupWorktree removes targetPath and, if repoPath is non-empty, prunes
// the Git metadata for it in that repository. A missing directory is not an
// error.
func (m *Manager) CleanupWorktree(ctx context.Context, targetPath, repoPath string) error {
	if repoPath != "" {
		lock := m.getRepoLock(repoPath)
		lock.Lock()
		defer func() {
			lock.Unlock()
			m.releaseRepoLock(repoPath)
		}()
	}

	if _, err := os.Stat(targetPath); os.IsNotExist(err) {
		return nil
	}

	if repoPath != "" {
		cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", targetPath)
		cmd.Dir = repoPath
		if output, err := cmd.CombinedOutput(); err != nil {
			m.logger.Debug("git worktree remove failed, falling back to rm -rf",
				zap.String("output", string(output)), zap.Error(err))
			if rmErr := m.forceRemoveDir(ctx, targetPath); rmErr != nil {
				return fmt.Errorf("%w: %v", ErrGitCommandFailed, rmErr)
			}
			pruneCmd := exec.CommandContext(ctx, "git", "worktree", "prune")
			pruneCmd.Dir = repoPath
			if err := pruneCmd.Run(); err != nil {
				m.logger.Debug("git worktree prune failed", zap.Error(err))
			}
		}
		return nil
	}

	return m.forceRemoveDir(ctx, targetPath)
}

// IsValid reports whether path is a directory containing a valid Git
// worktree `.git` pointer file.
func (m *Manager) IsValid(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	content, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(content), "gitdir:")
}

func (m *Manager) gitWorktreeAdd(ctx context.Context, repoPath, targetPath, baseRef, branchName string) error {
	cmd := m.newNonInteractiveGitCmd(ctx, repoPath, "worktree", "add", "-b", branchName, targetPath, baseRef)
	output, err := cmd.CombinedOutput()
	if err != nil {
		m.logger.Error("git worktree add failed", zap.String("output", string(output)), zap.Error(err))
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, string(output))
	}
	return nil
}

func (m *Manager) gitWorktreeAddExisting(ctx context.Context, repoPath, targetPath, branchName string) error {
	cmd := m.newNonInteractiveGitCmd(ctx, repoPath, "worktree", "add", targetPath, branchName)
	output, err := cmd.CombinedOutput()
	if err != nil {
		m.logger.Error("git worktree add (existing branch) failed", zap.String("output", string(output)), zap.Error(err))
		return fmt.Errorf("%w: %s", ErrGitCommandFailed, string(output))
	}
	return nil
}

func (m *Manager) isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err != nil {
		return false
	}
	return info.IsDir() || info.Mode().IsRegular()
}

func (m *Manager) branchExists(repoPath, branch string) bool {
	cmd := exec.Command("git", "rev-parse", "--verify", branch)
	cmd.Dir = repoPath
	return cmd.Run() == nil
}

func (m *Manager) currentBranch(repoPath string) string {
	cmd := exec.Command("git", "rev-parse", "--abbrev-ref", "HEAD")
	cmd.Dir = repoPath
	output, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(output))
}

// newNonInteractiveGitCmd builds a git invocation that can never block on a
// credential prompt and is bounded so a hung credential helper cannot wedge
// worktree creation.
func (m *Manager) newNonInteractiveGitCmd(ctx context.Context, repoPath string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GCM_INTERACTIVE=Never",
		"GIT_ASKPASS=echo",
		"SSH_ASKPASS=/bin/false",
		"GIT_SSH_COMMAND=ssh -oBatchMode=yes",
	)
	cmd.WaitDelay = 500 * time.Millisecond
	return cmd
}

func classifyGitFallbackReason(cmdErr error, cmdOutput string, ctxErr error) string {
	if errors.Is(ctxErr, context.DeadlineExceeded) || errors.Is(cmdErr, context.DeadlineExceeded) {
		return "timeout"
	}
	out := strings.ToLower(cmdOutput)
	if strings.Contains(out, "authentication failed") ||
		strings.Contains(out, "terminal prompts disabled") ||
		strings.Contains(out, "could not read username") ||
		strings.Contains(out, "username for 'https://") ||
		strings.Contains(out, "askpass") {
		return "non_interactive_auth_failed"
	}
	return "git_command_failed"
}

// pullBaseBranch best-effort fetches origin and returns the ref to build the
// worktree from. Three scenarios:
//
//  1. baseBranch is already a remote ref ("origin/main"): fetch, use as-is.
//  2. baseBranch is a local branch and it is currently checked out: pull
//     --ff-only to update it in place.
//  3. baseBranch is a local branch but a different branch is checked out:
//     prefer origin/<branch> if it exists.
//
// Fetch/pull failures are logged and the function falls back to the best
// available ref rather than failing worktree creation outright.
func (m *Manager) pullBaseBranch(repoPath, baseBranch string) string {
	localBranch := strings.TrimPrefix(baseBranch, "origin/")
	isRemoteRef := localBranch != baseBranch

	fetchCtx, cancel := context.WithTimeout(context.Background(), m.fetchTimeout)
	defer cancel()

	fetchArgs := []string{"fetch", "origin"}
	if localBranch != "" {
		fetchArgs = append(fetchArgs, localBranch)
	}
	fetchCmd := m.newNonInteractiveGitCmd(fetchCtx, repoPath, fetchArgs...)
	if output, err := fetchCmd.CombinedOutput(); err != nil {
		m.logger.Warn("git fetch failed before worktree creation; continuing with fallback ref",
			zap.String("branch", baseBranch),
			zap.String("reason", classifyGitFallbackReason(err, string(output), fetchCtx.Err())),
			zap.String("fallback_ref", baseBranch),
			zap.Error(err))
		return baseBranch
	}

	if isRemoteRef {
		return "origin/" + localBranch
	}

	remoteRef := "origin/" + localBranch
	if m.currentBranch(repoPath) == baseBranch {
		pullCtx, cancelPull := context.WithTimeout(context.Background(), m.pullTimeout)
		defer cancelPull()

		pullCmd := m.newNonInteractiveGitCmd(pullCtx, repoPath, "pull", "--ff-only", "origin", baseBranch)
		if output, err := pullCmd.CombinedOutput(); err != nil {
			m.logger.Warn("git pull failed before worktree creation; continuing with remote ref",
				zap.String("branch", baseBranch),
				zap.String("reason", classifyGitFallbackReason(err, string(output), pullCtx.Err())),
				zap.String("remote_ref", remoteRef),
				zap.Error(err))
			return remoteRef
		}
		return baseBranch
	}

	if m.branchExists(repoPath, remoteRef) {
		return remoteRef
	}
	return baseBranch
}

// forceRemoveDir removes a directory, retrying transient failures before
// falling back to a shelled-out rm -rf.
func (m *Manager) forceRemoveDir(ctx context.Context, dir string) error {
	const maxRetries = 3
	const retryDelay = 200 * time.Millisecond

	for i := range maxRetries {
		if err := os.RemoveAll(dir); err == nil {
			return nil
		} else if i < maxRetries-1 {
			m.logger.Debug("os.RemoveAll failed, retrying",
				zap.String("path", dir), zap.Int("attempt", i+1), zap.Error(err))
			time.Sleep(retryDelay)
		}
	}

	cmd := exec.CommandContext(ctx, "rm", "-rf", dir)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("rm -rf failed: %w (output: %s)", err, string(output))
	}
	return nil
}

// ReconcileOrphans walks the worktree base directory and removes any
// subdirectory not present in claimedPaths (absolute worktree paths still
// referenced by a live task attempt). Used by the cleanup scheduler's
// startup orphan scan (C7).
func (m *Manager) ReconcileOrphans(ctx context.Context, claimedPaths map[string]bool) error {
	basePath, err := m.config.ExpandedBasePath()
	if err != nil {
		return fmt.Errorf("expand worktree base path: %w", err)
	}

	entries, err := os.ReadDir(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read worktree base directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(basePath, entry.Name())
		if claimedPaths[path] {
			continue
		}
		m.logger.Info("cleaning up orphaned worktree", zap.String("path", path))
		if err := m.CleanupWorktree(ctx, path, ""); err != nil {
			m.logger.Warn("failed to remove orphaned worktree", zap.String("path", path), zap.Error(err))
		}
	}
	return nil
}
