// Package service holds the kanban task board's business logic, sitting
// between internal/task/api's HTTP handlers and internal/task/repository's
// persistence. Thin by design: validation, default-filling, and the
// task.* event publishes live here, storage shape and querying stay in the
// repository.
package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/events"
	"github.com/kandev/kandev/internal/events/bus"
	"github.com/kandev/kandev/internal/task/models"
	"github.com/kandev/kandev/internal/task/repository"
	v1 "github.com/kandev/kandev/pkg/api/v1"
)

// Service implements the kanban board's task/board/column operations.
type Service struct {
	repo     repository.Repository
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewService constructs a Service over repo, publishing task.* events onto
// eventBus (nil skips publishing, the same optional-bus convention
// internal/execution/accounting uses).
func NewService(repo repository.Repository, eventBus bus.EventBus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{repo: repo, eventBus: eventBus, logger: log}
}

func (s *Service) publish(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "task-service", data)
	if err := s.eventBus.Publish(ctx, eventType, event); err != nil {
		s.logger.Warn("failed to publish task event", zap.String("event_type", eventType), zap.Error(err))
	}
}

// CreateTaskRequest carries the fields needed to create a task.
type CreateTaskRequest struct {
	BoardID     string
	ColumnID    string
	Title       string
	Description string
	Priority    int
	AgentType   string
	Metadata    map[string]interface{}
}

// CreateTask inserts a new task in its initial column.
func (s *Service) CreateTask(ctx context.Context, req *CreateTaskRequest) (*models.Task, error) {
	task := &models.Task{
		BoardID:     req.BoardID,
		ColumnID:    req.ColumnID,
		Title:       req.Title,
		Description: req.Description,
		Priority:    req.Priority,
		AgentType:   req.AgentType,
		State:       v1.TaskStateTODO,
		Metadata:    req.Metadata,
	}
	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	s.publish(ctx, events.TaskCreated, map[string]interface{}{"task_id": task.ID, "board_id": task.BoardID})
	return task, nil
}

// GetTask fetches a task by id.
func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return s.repo.GetTask(ctx, id)
}

// UpdateTaskRequest carries the optional fields an update may change.
type UpdateTaskRequest struct {
	Title       *string
	Description *string
	Priority    *int
	AgentType   *string
	Metadata    map[string]interface{}
}

// UpdateTask applies the non-nil fields of req onto the stored task.
func (s *Service) UpdateTask(ctx context.Context, id string, req *UpdateTaskRequest) (*models.Task, error) {
	task, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Title != nil {
		task.Title = *req.Title
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.Priority != nil {
		task.Priority = *req.Priority
	}
	if req.AgentType != nil {
		task.AgentType = *req.AgentType
	}
	if req.Metadata != nil {
		task.Metadata = req.Metadata
	}
	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	s.publish(ctx, events.TaskUpdated, map[string]interface{}{"task_id": task.ID})
	return task, nil
}

// DeleteTask removes a task.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	if err := s.repo.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.publish(ctx, events.TaskDeleted, map[string]interface{}{"task_id": id})
	return nil
}

// ListTasks returns every task on boardID.
func (s *Service) ListTasks(ctx context.Context, boardID string) ([]*models.Task, error) {
	return s.repo.ListTasks(ctx, boardID)
}

// UpdateTaskState transitions a task to state.
func (s *Service) UpdateTaskState(ctx context.Context, id string, state v1.TaskState) (*models.Task, error) {
	if err := s.repo.UpdateTaskState(ctx, id, state); err != nil {
		return nil, err
	}
	task, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.TaskStateChanged, map[string]interface{}{"task_id": id, "state": string(state)})
	return task, nil
}

// MoveTask reassigns a task to a different column and board position.
func (s *Service) MoveTask(ctx context.Context, id, columnID string, position int) (*models.Task, error) {
	task, err := s.repo.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	task.ColumnID = columnID
	task.Position = position
	if err := s.repo.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	s.publish(ctx, events.TaskUpdated, map[string]interface{}{"task_id": task.ID, "column_id": columnID})
	return task, nil
}

// CreateBoardRequest carries the fields needed to create a board.
type CreateBoardRequest struct {
	Name        string
	Description string
	OwnerID     string
}

// CreateBoard inserts a new board.
func (s *Service) CreateBoard(ctx context.Context, req *CreateBoardRequest) (*models.Board, error) {
	board := &models.Board{
		Name:        req.Name,
		Description: req.Description,
		OwnerID:     req.OwnerID,
	}
	if err := s.repo.CreateBoard(ctx, board); err != nil {
		return nil, err
	}
	return board, nil
}

// GetBoard fetches a board by id.
func (s *Service) GetBoard(ctx context.Context, id string) (*models.Board, error) {
	return s.repo.GetBoard(ctx, id)
}

// UpdateBoardRequest carries the optional fields an update may change.
type UpdateBoardRequest struct {
	Name        *string
	Description *string
}

// UpdateBoard applies the non-nil fields of req onto the stored board.
func (s *Service) UpdateBoard(ctx context.Context, id string, req *UpdateBoardRequest) (*models.Board, error) {
	board, err := s.repo.GetBoard(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		board.Name = *req.Name
	}
	if req.Description != nil {
		board.Description = *req.Description
	}
	if err := s.repo.UpdateBoard(ctx, board); err != nil {
		return nil, err
	}
	return board, nil
}

// DeleteBoard removes a board.
func (s *Service) DeleteBoard(ctx context.Context, id string) error {
	return s.repo.DeleteBoard(ctx, id)
}

// ListBoards returns every board.
func (s *Service) ListBoards(ctx context.Context) ([]*models.Board, error) {
	return s.repo.ListBoards(ctx)
}

// CreateColumnRequest carries the fields needed to create a column.
type CreateColumnRequest struct {
	BoardID  string
	Name     string
	Position int
	State    v1.TaskState
}

// CreateColumn inserts a new column on a board.
func (s *Service) CreateColumn(ctx context.Context, req *CreateColumnRequest) (*models.Column, error) {
	column := &models.Column{
		BoardID:  req.BoardID,
		Name:     req.Name,
		Position: req.Position,
		State:    req.State,
	}
	if err := s.repo.CreateColumn(ctx, column); err != nil {
		return nil, err
	}
	return column, nil
}

// GetColumn fetches a column by id.
func (s *Service) GetColumn(ctx context.Context, id string) (*models.Column, error) {
	return s.repo.GetColumn(ctx, id)
}

// ListColumns returns every column on boardID.
func (s *Service) ListColumns(ctx context.Context, boardID string) ([]*models.Column, error) {
	return s.repo.ListColumns(ctx, boardID)
}
