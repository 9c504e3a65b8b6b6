// Package cleanup implements the Cleanup Scheduler (C7): a periodic sweep
// that reconciles task-attempt worktree bookkeeping with what is actually on
// disk, reclaims expired attempts, and, once at startup, removes worktrees
// no live attempt claims.
package cleanup

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/execution/store"
	"github.com/kandev/kandev/internal/execution/worktree"
	v1 "github.com/kandev/kandev/pkg/api/v1"
)

// Interval is how often the scheduler's sweep runs. It is a fixed constant
// rather than a config knob, matching the source behaviour described for
// this loop.
const Interval = 1800 * time.Second

// DisableOrphanCleanupEnv opts the startup orphan scan out when set to any
// non-empty value.
const DisableOrphanCleanupEnv = "DISABLE_WORKTREE_ORPHAN_CLEANUP"

// WorktreeRemover is the subset of the Worktree Manager the scheduler needs.
// Declared here, on the consumer side, so this package never imports a C9
// facade type.
type WorktreeRemover interface {
	CleanupWorktree(ctx context.Context, targetPath, repoPath string) error
	ReconcileOrphans(ctx context.Context, claimedPaths map[string]bool) error
	GetWorktreeBaseDir() (string, error)
}

var _ WorktreeRemover = (*worktree.Manager)(nil)

// Scheduler runs the periodic and startup sweeps described in §4.7.
type Scheduler struct {
	store     store.Store
	worktrees WorktreeRemover
	logger    *logger.Logger

	projectRepoPath func(ctx context.Context, attempt *v1.TaskAttempt) (string, error)
}

// NewScheduler constructs a cleanup scheduler. projectRepoPath resolves the
// project repository path for an attempt, needed so `git worktree remove`
// can be run from the right repo; it may return "" if unknown, in which case
// cleanup falls back to a plain directory removal.
func NewScheduler(st store.Store, wt WorktreeRemover, projectRepoPath func(ctx context.Context, attempt *v1.TaskAttempt) (string, error), log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Default()
	}
	return &Scheduler{
		store:           st,
		worktrees:       wt,
		projectRepoPath: projectRepoPath,
		logger:          log.WithFields(zap.String("component", "cleanup-scheduler")),
	}
}

// Run blocks, performing one startup orphan scan (unless opted out) and then
// ticking every Interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if os.Getenv(DisableOrphanCleanupEnv) == "" {
		s.cleanupOrphanedWorktrees(ctx)
	} else {
		s.logger.Info("orphan worktree cleanup disabled via environment variable", zap.String("env", DisableOrphanCleanupEnv))
	}

	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.checkExternallyDeletedWorktrees(ctx)
	s.cleanupExpiredAttempts(ctx)
}

// checkExternallyDeletedWorktrees marks worktree_deleted=true for any
// attempt whose container_ref no longer exists on disk, without touching
// anything that is still present.
func (s *Scheduler) checkExternallyDeletedWorktrees(ctx context.Context) {
	attempts, err := s.store.ListTaskAttempts(ctx)
	if err != nil {
		s.logger.Warn("failed to list task attempts", zap.Error(err))
		return
	}

	for _, attempt := range attempts {
		if attempt.WorktreeDeleted || attempt.ContainerRef == nil {
			continue
		}
		if _, statErr := os.Stat(*attempt.ContainerRef); !os.IsNotExist(statErr) {
			continue
		}
		attempt.WorktreeDeleted = true
		if err := s.store.UpdateTaskAttempt(ctx, attempt); err != nil {
			s.logger.Warn("failed to mark externally-deleted worktree", zap.String("attempt_id", attempt.ID), zap.Error(err))
		}
	}
}

// cleanupExpiredAttempts reclaims the worktree of any attempt past its TTL
// that still has one.
func (s *Scheduler) cleanupExpiredAttempts(ctx context.Context) {
	attempts, err := s.store.ListTaskAttempts(ctx)
	if err != nil {
		s.logger.Warn("failed to list task attempts", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	for _, attempt := range attempts {
		if attempt.WorktreeDeleted || attempt.ContainerRef == nil {
			continue
		}
		if !now.After(attempt.ExpiresAt) {
			continue
		}

		repoPath := ""
		if s.projectRepoPath != nil {
			if p, err := s.projectRepoPath(ctx, attempt); err == nil {
				repoPath = p
			}
		}

		if err := s.worktrees.CleanupWorktree(ctx, *attempt.ContainerRef, repoPath); err != nil {
			s.logger.Warn("failed to clean up expired attempt's worktree", zap.String("attempt_id", attempt.ID), zap.Error(err))
			continue
		}
		attempt.WorktreeDeleted = true
		if err := s.store.UpdateTaskAttempt(ctx, attempt); err != nil {
			s.logger.Warn("failed to mark expired attempt's worktree deleted", zap.String("attempt_id", attempt.ID), zap.Error(err))
		}
	}
}

// cleanupOrphanedWorktrees walks the worktree base directory and removes any
// subdirectory not claimed by a live attempt's container_ref. Startup-only.
func (s *Scheduler) cleanupOrphanedWorktrees(ctx context.Context) {
	attempts, err := s.store.ListTaskAttempts(ctx)
	if err != nil {
		s.logger.Warn("failed to list task attempts for orphan scan", zap.Error(err))
		return
	}

	claimed := make(map[string]bool, len(attempts))
	for _, attempt := range attempts {
		if attempt.ContainerRef != nil {
			claimed[*attempt.ContainerRef] = true
		}
	}

	if err := s.worktrees.ReconcileOrphans(ctx, claimed); err != nil {
		s.logger.Warn("orphan worktree scan failed", zap.Error(err))
	}
}
