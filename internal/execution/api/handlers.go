// Package api exposes the container facade (C9) over HTTP: one handler per
// lifecycle op, plus a server-sent-events endpoint for the diff stream.
package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	appErrors "github.com/kandev/kandev/internal/common/errors"
	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/execution/container"
	"github.com/kandev/kandev/internal/execution/store"
	v1 "github.com/kandev/kandev/pkg/api/v1"
)

// Handler serves the execution HTTP surface.
type Handler struct {
	svc    *container.Service
	store  store.Store
	tasks  container.TaskStatusUpdater
	logger *logger.Logger
}

// NewHandler constructs a Handler.
func NewHandler(svc *container.Service, st store.Store, tasks container.TaskStatusUpdater, log *logger.Logger) *Handler {
	return &Handler{svc: svc, store: st, tasks: tasks, logger: log.WithFields(zap.String("component", "execution-api"))}
}

func (h *Handler) respondErr(c *gin.Context, err error) {
	var appErr *appErrors.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	wrapped := appErrors.InternalError("unexpected error", err)
	c.JSON(wrapped.HTTPStatus, wrapped)
}

// loadAttempt fetches the TaskAttempt named by the :attemptId path param.
func (h *Handler) loadAttempt(c *gin.Context) (*v1.TaskAttempt, bool) {
	id := c.Param("attemptId")
	attempt, err := h.store.GetTaskAttempt(c.Request.Context(), id)
	if err != nil {
		h.respondErr(c, appErrors.NotFound("task attempt", id))
		return nil, false
	}
	return attempt, true
}

// loadAttemptAndProject additionally resolves the attempt's owning task and
// project, for ops that need the project's repo path.
func (h *Handler) loadAttemptAndProject(c *gin.Context) (*v1.TaskAttempt, v1.Task, v1.Project, bool) {
	attempt, ok := h.loadAttempt(c)
	if !ok {
		return nil, v1.Task{}, v1.Project{}, false
	}
	task, err := h.tasks.GetTaskForExecution(c.Request.Context(), attempt.TaskID)
	if err != nil {
		h.respondErr(c, appErrors.NotFound("task", attempt.TaskID))
		return nil, v1.Task{}, v1.Project{}, false
	}
	project, err := h.store.GetProject(c.Request.Context(), task.ProjectID)
	if err != nil {
		h.respondErr(c, appErrors.NotFound("project", task.ProjectID))
		return nil, v1.Task{}, v1.Project{}, false
	}
	return attempt, task, *project, true
}

// CreateContainer materializes a worktree for an attempt.
// POST /attempts/:attemptId/container
func (h *Handler) CreateContainer(c *gin.Context) {
	attempt, task, project, ok := h.loadAttemptAndProject(c)
	if !ok {
		return
	}
	dir, err := h.svc.Create(c.Request.Context(), attempt, task, project)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"container_ref": dir})
}

// EnsureContainer re-materializes an attempt's worktree if it was externally
// deleted.
// POST /attempts/:attemptId/container/ensure
func (h *Handler) EnsureContainer(c *gin.Context) {
	attempt, _, project, ok := h.loadAttemptAndProject(c)
	if !ok {
		return
	}
	dir, err := h.svc.EnsureContainerExists(c.Request.Context(), attempt, project)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"container_ref": dir})
}

// IsContainerClean reports whether an attempt's worktree has no uncommitted
// changes.
// GET /attempts/:attemptId/container/clean
func (h *Handler) IsContainerClean(c *gin.Context) {
	attempt, ok := h.loadAttempt(c)
	if !ok {
		return
	}
	clean, err := h.svc.IsContainerClean(c.Request.Context(), *attempt)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"clean": clean})
}

// startExecutionRequest is the request body for StartExecution.
type startExecutionRequest struct {
	Action    v1.ExecutorAction `json:"action" binding:"required"`
	RunReason v1.RunReason      `json:"run_reason" binding:"required"`
}

// StartExecution spawns an action against an attempt's worktree.
// POST /attempts/:attemptId/executions
func (h *Handler) StartExecution(c *gin.Context) {
	attempt, ok := h.loadAttempt(c)
	if !ok {
		return
	}
	var req startExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := appErrors.BadRequest("invalid request body: " + err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	proc, err := h.svc.StartExecution(c.Request.Context(), attempt, req.Action, req.RunReason)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, proc)
}

// StopExecution force-terminates a running execution process.
// POST /attempts/:attemptId/executions/:executionId/stop
func (h *Handler) StopExecution(c *gin.Context) {
	attempt, ok := h.loadAttempt(c)
	if !ok {
		return
	}
	execID := c.Param("executionId")
	proc, err := h.store.GetExecutionProcess(c.Request.Context(), execID)
	if err != nil {
		h.respondErr(c, appErrors.NotFound("execution process", execID))
		return
	}
	if err := h.svc.StopExecution(c.Request.Context(), proc, attempt); err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// GetDiff streams an attempt's diff as server-sent events, one event per
// v1.DiffMessage, until the stream finishes or the client disconnects.
// GET /attempts/:attemptId/diff
func (h *Handler) GetDiff(c *gin.Context) {
	attempt, _, project, ok := h.loadAttemptAndProject(c)
	if !ok {
		return
	}

	msgs, errs := h.svc.GetDiff(c.Request.Context(), *attempt, project)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-msgs:
			if !ok {
				return false
			}
			c.SSEvent("diff", msg)
			return true
		case err, ok := <-errs:
			if !ok {
				return true
			}
			if err != nil {
				h.logger.Warn("diff stream error", zap.String("task_attempt_id", attempt.ID), zap.Error(err))
				c.SSEvent("error", gin.H{"message": err.Error()})
			}
			return false
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// DeleteContainer removes an attempt's worktree and marks it deleted.
// DELETE /attempts/:attemptId/container
func (h *Handler) DeleteContainer(c *gin.Context) {
	attempt, _, project, ok := h.loadAttemptAndProject(c)
	if !ok {
		return
	}
	if err := h.svc.Delete(c.Request.Context(), attempt, project); err != nil {
		h.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
