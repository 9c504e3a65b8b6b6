// Package container implements the Container Service Facade (C9): the
// composition root over the worktree manager, process supervisor, commit &
// chain engine, diff stream engine, and accountant. It is the only
// component the rest of the system (HTTP handlers, the kanban task layer)
// needs to hold a reference to in order to drive an attempt's full
// lifecycle.
package container

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	appErrors "github.com/kandev/kandev/internal/common/errors"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/execution/accounting"
	"github.com/kandev/kandev/internal/execution/commit"
	"github.com/kandev/kandev/internal/execution/diffstream"
	"github.com/kandev/kandev/internal/execution/monitor"
	"github.com/kandev/kandev/internal/execution/msgstore"
	"github.com/kandev/kandev/internal/execution/process"
	"github.com/kandev/kandev/internal/execution/store"
	"github.com/kandev/kandev/internal/execution/worktree"
	v1 "github.com/kandev/kandev/pkg/api/v1"
)

// TaskStatusUpdater is the narrow slice of task persistence the facade
// needs to move a task's state, e.g. to InReview on finalize, and to load
// the wire-shape Task an ExecutionContext carries. Declared here rather
// than imported from internal/task/repository, the same consumer-side
// inversion C8's TaskCollaboratorUpdater uses — internal/task/models.Task
// has its own storage shape, so the adapter converting it to v1.Task lives
// in the wiring layer (cmd), not here.
type TaskStatusUpdater interface {
	UpdateTaskState(ctx context.Context, id string, state v1.TaskState) error
	GetTaskForExecution(ctx context.Context, id string) (v1.Task, error)
}

// ImageCopier resolves task-associated image ids into files materialized
// inside a worktree, for the create op. Optional; nil skips the step.
type ImageCopier interface {
	CopyImagesToWorktree(ctx context.Context, taskID, worktreeDir string) error
}

// Config parameterizes the facade itself. The diff stream engine, commit
// engine, and cleanup scheduler are constructed separately with their own
// configs and handed in already built, so this only carries what Service
// uses directly.
type Config struct {
	// MaxSlots bounds concurrently running CodingAgent execution processes.
	// Zero means unbounded.
	MaxSlots int
}

// Service is the container facade. It satisfies monitor.Facade and
// commit.Starter, and owns a *commit.Engine that satisfies
// monitor.ChainEngine.
type Service struct {
	store      store.Store
	worktrees  *worktree.Manager
	supervisor *process.Supervisor
	chain      *commit.Engine
	diffs      *diffstream.Engine
	accountant *accounting.Accountant
	tasks      TaskStatusUpdater
	images     ImageCopier
	logger     *logger.Logger
	cfg        Config

	mon *monitor.Monitor

	msgMu  sync.RWMutex
	msgs   map[string]*msgstore.Store

	slots *slotAdmission
}

var _ monitor.Facade = (*Service)(nil)
var _ commit.Starter = (*Service)(nil)

// NewService constructs a Service. diffs is built by the caller (it has its
// own constructor and consumer-side dependencies) and handed in ready to
// use. chain is left nil here: commit.NewEngine takes this Service as its
// Starter, so the engine can only be built after the Service exists — call
// AttachChain once construction order permits. AttachMonitor must likewise
// be called once, to close the Facade/ChainEngine cycle with the monitor
// that depends on this Service. Neither op that needs chain or mon (start,
// stop, commit) runs before wiring finishes.
func NewService(st store.Store, wt *worktree.Manager, sup *process.Supervisor, diffs *diffstream.Engine, accountant *accounting.Accountant, tasks TaskStatusUpdater, images ImageCopier, cfg Config, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		store:      st,
		worktrees:  wt,
		supervisor: sup,
		diffs:      diffs,
		accountant: accountant,
		tasks:      tasks,
		images:     images,
		logger:     log.WithFields(zap.String("component", "container-facade")),
		cfg:        cfg,
		msgs:       make(map[string]*msgstore.Store),
		slots:      newSlotAdmission(cfg.MaxSlots),
	}
}

// AttachChain wires the commit & chain engine built with this Service as
// its Starter. Must be called exactly once before TryCommitChanges.
func (s *Service) AttachChain(c *commit.Engine) {
	s.chain = c
}

// AttachMonitor wires the Exit Monitor this service spawns processes
// against. Must be called exactly once before StartExecution.
func (s *Service) AttachMonitor(m *monitor.Monitor) {
	s.mon = m
}

// Create derives the worktree directory and branch names for attempt,
// materializes the worktree off the project's base branch, copies the
// project's configured files and any task-associated images in, and
// persists container_ref/branch onto attempt.
func (s *Service) Create(ctx context.Context, attempt *v1.TaskAttempt, task v1.Task, project v1.Project) (string, error) {
	dirName, branchName := worktree.DeriveNames(attempt.ID, task.Title)
	targetPath, err := s.worktrees.GetWorktreeBaseDir()
	if err != nil {
		return "", appErrors.Io("resolve worktree base directory", err)
	}
	targetPath = filepath.Join(targetPath, dirName)

	baseBranch := attempt.BaseBranch
	if baseBranch == "" {
		baseBranch = "main"
	}
	if err := s.worktrees.CreateWorktree(ctx, project.RepoPath, branchName, targetPath, baseBranch, true); err != nil {
		return "", appErrors.Worktree(fmt.Sprintf("create worktree for attempt %s", attempt.ID), err)
	}

	if err := copyProjectFiles(project, targetPath); err != nil {
		return "", appErrors.Io("copy project files into worktree", err)
	}

	if s.images != nil {
		if err := s.images.CopyImagesToWorktree(ctx, task.ID, targetPath); err != nil {
			s.logger.Warn("failed to copy task images into worktree",
				zap.String("task_attempt_id", attempt.ID), zap.Error(err))
		}
	}

	attempt.ContainerRef = &targetPath
	attempt.Branch = &branchName
	if err := s.store.UpdateTaskAttempt(ctx, attempt); err != nil {
		return "", appErrors.Persistence(fmt.Sprintf("persist container_ref for attempt %s", attempt.ID), err)
	}

	return targetPath, nil
}

// copyProjectFiles copies every path listed in project.CopyFiles (relative
// to the project's repo root) into the worktree at the same relative path.
// A source file that doesn't exist is skipped, not an error: copy_files
// commonly lists optional local config (.env, IDE settings) that may not
// exist on every checkout.
func copyProjectFiles(project v1.Project, targetDir string) error {
	for _, rel := range project.CopyFiles {
		src := filepath.Join(project.RepoPath, rel)
		info, err := os.Stat(src)
		if err != nil {
			continue
		}
		if info.IsDir() {
			continue
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("read %s: %w", rel, err)
		}
		dst := filepath.Join(targetDir, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", rel, err)
		}
		if err := os.WriteFile(dst, data, info.Mode()); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

// EnsureContainerExists idempotently re-materializes attempt's worktree if
// it was externally deleted, checking out the same branch.
func (s *Service) EnsureContainerExists(ctx context.Context, attempt *v1.TaskAttempt, project v1.Project) (string, error) {
	if attempt.ContainerRef == nil || attempt.Branch == nil {
		return "", appErrors.NotFound("task attempt worktree", attempt.ID)
	}
	targetPath := *attempt.ContainerRef
	if err := s.worktrees.EnsureWorktreeExists(ctx, project.RepoPath, *attempt.Branch, targetPath); err != nil {
		return "", appErrors.Worktree(fmt.Sprintf("re-materialize worktree for attempt %s", attempt.ID), err)
	}
	if attempt.WorktreeDeleted {
		attempt.WorktreeDeleted = false
		if err := s.store.UpdateTaskAttempt(ctx, attempt); err != nil {
			s.logger.Warn("failed to clear worktree_deleted flag", zap.String("task_attempt_id", attempt.ID), zap.Error(err))
		}
	}
	return targetPath, nil
}

// IsContainerClean reports whether attempt's worktree has no uncommitted
// changes. A missing worktree is considered clean.
func (s *Service) IsContainerClean(ctx context.Context, attempt v1.TaskAttempt) (bool, error) {
	if attempt.ContainerRef == nil {
		return true, nil
	}
	if !s.worktrees.IsValid(*attempt.ContainerRef) {
		return true, nil
	}
	clean, err := isWorktreeClean(ctx, *attempt.ContainerRef)
	if err != nil {
		return false, appErrors.Worktree(fmt.Sprintf("check worktree cleanliness for attempt %s", attempt.ID), err)
	}
	return clean, nil
}

// Delete cleans up attempt's worktree (pruned against the project repo) and
// marks it deleted. A missing worktree is not an error.
func (s *Service) Delete(ctx context.Context, attempt *v1.TaskAttempt, project v1.Project) error {
	if attempt.ContainerRef != nil {
		if err := s.worktrees.CleanupWorktree(ctx, *attempt.ContainerRef, project.RepoPath); err != nil {
			return appErrors.Worktree(fmt.Sprintf("delete worktree for attempt %s", attempt.ID), err)
		}
	}
	attempt.Deleted = true
	attempt.WorktreeDeleted = true
	if err := s.store.UpdateTaskAttempt(ctx, attempt); err != nil {
		return appErrors.Persistence(fmt.Sprintf("mark attempt %s deleted", attempt.ID), err)
	}
	return nil
}

// TryCommitChanges delegates to the commit & chain engine (§4.5).
func (s *Service) TryCommitChanges(ctx context.Context, execCtx v1.ExecutionContext) (bool, error) {
	return s.chain.TryCommitChanges(ctx, execCtx)
}

// GetDiff dispatches to the diff stream engine (§4.6).
func (s *Service) GetDiff(ctx context.Context, attempt v1.TaskAttempt, project v1.Project) (<-chan v1.DiffMessage, <-chan error) {
	return s.diffs.Stream(ctx, attempt, project)
}
