package main

import (
	"context"

	"github.com/kandev/kandev/internal/task/repository"
	v1 "github.com/kandev/kandev/pkg/api/v1"
)

// taskStatusAdapter satisfies container.TaskStatusUpdater over
// internal/task/repository.Repository, using models.Task's own ToAPI
// conversion rather than re-deriving the v1.Task shape here.
type taskStatusAdapter struct {
	repo repository.Repository
}

func newTaskStatusAdapter(repo repository.Repository) *taskStatusAdapter {
	return &taskStatusAdapter{repo: repo}
}

func (a *taskStatusAdapter) UpdateTaskState(ctx context.Context, id string, state v1.TaskState) error {
	return a.repo.UpdateTaskState(ctx, id, state)
}

func (a *taskStatusAdapter) GetTaskForExecution(ctx context.Context, id string) (v1.Task, error) {
	task, err := a.repo.GetTask(ctx, id)
	if err != nil {
		return v1.Task{}, err
	}
	return *task.ToAPI(), nil
}
