// Package diffstream computes and streams per-attempt file diffs to
// subscribers, applying a cumulative-byte omit policy and, for attempts
// still in flight, a debounced filesystem watcher that recomputes diffs as
// the worktree changes.
package diffstream

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/errors"
	"github.com/kandev/kandev/internal/common/logger"
	v1 "github.com/kandev/kandev/pkg/api/v1"
)

// Config tunes the engine's omit policy and watcher debounce. It is sourced
// from config.ExecutionConfig at wiring time.
type Config struct {
	MaxCumulativeBytes int
	WatcherDebounce    time.Duration
}

// Engine computes and streams diffs for task attempts.
type Engine struct {
	cfg    Config
	logger *logger.Logger
}

// NewEngine constructs a diff stream engine.
func NewEngine(cfg Config, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{cfg: cfg, logger: log.WithFields(zap.String("component", "diff-stream-engine"))}
}

// Stream dispatches to the merged-only or live stream depending on the
// attempt's current state, per the Diff Stream Engine's two stream shapes.
// The returned message channel closes when the stream is finished (merged
// diff fully sent, or the subscriber's ctx is cancelled for a live stream).
// The error channel carries at most one error and is closed alongside it.
func (e *Engine) Stream(ctx context.Context, attempt v1.TaskAttempt, project v1.Project) (<-chan v1.DiffMessage, <-chan error) {
	out := make(chan v1.DiffMessage)
	errs := make(chan error, 1)

	merged, baseCommit, mergeCommit, err := e.classify(ctx, attempt, project)
	if err != nil {
		close(out)
		errs <- err
		close(errs)
		return out, errs
	}

	if merged {
		go e.streamMerged(ctx, project, mergeCommit, out, errs)
	} else {
		worktreeDir := ""
		if attempt.ContainerRef != nil {
			worktreeDir = *attempt.ContainerRef
		}
		go e.streamLive(ctx, worktreeDir, baseCommit, out, errs)
	}
	return out, errs
}

// classify decides whether the attempt's diff is now a finite merged-commit
// diff or a live worktree diff, and resolves the base commit the live diff
// is computed against.
//
// An attempt whose worktree no longer exists (already cleaned up after
// merge) is treated as merged. A present worktree is merged-only when it has
// no uncommitted changes and its branch has been fully merged into the base
// branch with zero commits ahead.
func (e *Engine) classify(ctx context.Context, attempt v1.TaskAttempt, project v1.Project) (merged bool, baseCommit, mergeCommit string, err error) {
	baseBranch := attempt.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}

	base, err := mergeBase(ctx, project.RepoPath, branchRefOrHead(attempt), baseBranch)
	if err != nil {
		base, err = mergeBase(ctx, project.RepoPath, "HEAD", baseBranch)
		if err != nil {
			return false, "", "", errors.Worktree("failed to resolve merge-base for diff stream", err)
		}
	}
	baseCommit = base

	worktreeMissing := attempt.ContainerRef == nil
	if !worktreeMissing {
		if _, statErr := os.Stat(*attempt.ContainerRef); os.IsNotExist(statErr) {
			worktreeMissing = true
		}
	}

	branch := ""
	if attempt.Branch != nil {
		branch = *attempt.Branch
	}

	if worktreeMissing {
		if branch == "" {
			return false, baseCommit, "", errors.NotFound("attempt worktree", attempt.ID)
		}
		sha, findErr := findMergeCommit(ctx, project.RepoPath, branch, baseBranch)
		if findErr != nil {
			return false, baseCommit, "", errors.Worktree("failed to locate merge commit for deleted worktree", findErr)
		}
		return true, baseCommit, sha, nil
	}

	clean, cleanErr := isWorktreeClean(ctx, *attempt.ContainerRef)
	if cleanErr != nil {
		return false, baseCommit, "", nil
	}
	if !clean {
		return false, baseCommit, "", nil
	}
	if branch == "" || !isAncestor(ctx, project.RepoPath, branch, baseBranch) {
		return false, baseCommit, "", nil
	}
	ahead, aheadErr := commitsAhead(ctx, *attempt.ContainerRef, baseCommit, "HEAD")
	if aheadErr != nil || ahead > 0 {
		return false, baseCommit, "", nil
	}
	sha, findErr := findMergeCommit(ctx, project.RepoPath, branch, baseBranch)
	if findErr != nil {
		// Merged and clean, but the merge commit can't be precisely located;
		// fall back to a live diff against base rather than failing the
		// stream outright.
		return false, baseCommit, "", nil
	}
	return true, baseCommit, sha, nil
}

func branchRefOrHead(attempt v1.TaskAttempt) string {
	if attempt.Branch != nil && *attempt.Branch != "" {
		return *attempt.Branch
	}
	return "HEAD"
}

func (e *Engine) streamMerged(ctx context.Context, project v1.Project, mergeCommit string, out chan<- v1.DiffMessage, errs chan<- error) {
	defer close(out)
	defer close(errs)

	diffs, err := e.computeCommitDiff(ctx, project.RepoPath, mergeCommit)
	if err != nil {
		errs <- errors.Worktree("failed to compute merged diff", err)
		return
	}

	tracker := newOmitTracker(e.cfg.MaxCumulativeBytes)
	for i := range diffs {
		d := diffs[i]
		if !tracker.apply(&d) {
			continue
		}
		select {
		case out <- v1.DiffMessage{Op: v1.DiffMessageAdd, Path: d.Path, Diff: &d}:
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) streamLive(ctx context.Context, worktreeDir, baseCommit string, out chan<- v1.DiffMessage, errs chan<- error) {
	defer close(out)
	defer close(errs)

	tracker := newOmitTracker(e.cfg.MaxCumulativeBytes)
	present := make(map[string]bool)

	diffs, err := e.computeWorktreeDiff(ctx, worktreeDir, baseCommit, nil)
	if err != nil {
		errs <- errors.Worktree("failed to compute initial diff", err)
		return
	}
	for i := range diffs {
		d := diffs[i]
		present[d.Path] = true
		if !tracker.apply(&d) {
			continue
		}
		select {
		case out <- v1.DiffMessage{Op: v1.DiffMessageAdd, Path: d.Path, Diff: &d}:
		case <-ctx.Done():
			return
		}
	}

	watcher, err := newPathWatcher(worktreeDir, e.cfg.WatcherDebounce, e.logger)
	if err != nil {
		errs <- errors.Io("failed to start diff stream watcher", err)
		return
	}
	defer watcher.close()

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	batches := make(chan []string)
	watchErrs := make(chan error, 1)
	go watcher.run(watchCtx, batches, watchErrs)

	for {
		select {
		case <-ctx.Done():
			return

		case watchErr, ok := <-watchErrs:
			if !ok {
				continue
			}
			select {
			case errs <- errors.Io("diff stream watcher error", watchErr):
			default:
			}

		case paths, ok := <-batches:
			if !ok {
				return
			}
			changed, err := e.computeWorktreeDiff(ctx, worktreeDir, baseCommit, paths)
			if err != nil {
				select {
				case errs <- errors.Worktree("failed to recompute diff batch", err):
				default:
				}
				return
			}
			newlyPresent := make(map[string]bool, len(changed))
			for i := range changed {
				d := changed[i]
				newlyPresent[d.Path] = true
				present[d.Path] = true
				if !tracker.apply(&d) {
					continue
				}
				select {
				case out <- v1.DiffMessage{Op: v1.DiffMessageAdd, Path: d.Path, Diff: &d}:
				case <-ctx.Done():
					return
				}
			}
			for _, p := range paths {
				if newlyPresent[p] || !present[p] {
					continue
				}
				delete(present, p)
				select {
				case out <- v1.DiffMessage{Op: v1.DiffMessageRemove, Path: p}:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func joinPath(dir, rel string) string {
	return filepath.Join(dir, rel)
}
