package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowlinehq/flowline/pkg/eventbus"
	"github.com/flowlinehq/flowline/pkg/events"
	"github.com/flowlinehq/flowline/pkg/locker"
	"github.com/flowlinehq/flowline/pkg/models"
	"github.com/flowlinehq/flowline/pkg/otelhelper"
	"github.com/flowlinehq/flowline/pkg/persistence"
	"github.com/flowlinehq/flowline/pkg/schema"
)

// Task is the application service for workflow task commands.
type Task struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	locker      locker.Locker
	validator   *validator.Validate
	tracer      trace.Tracer
	logger      *slog.Logger
}

// NewTask creates a new workflow task service.
func NewTask(
	p persistence.Persistence,
	publisher eventbus.EventPublisher,
	l locker.Locker,
	validate *validator.Validate,
	logger *slog.Logger,
) *Task {
	return &Task{
		persistence: p,
		publisher:   publisher,
		locker:      l,
		validator:   validate,
		tracer:      otel.Tracer("flowline.services.task"),
		logger:      logger,
	}
}

// CreateTaskRequest carries the fields to create a task under an instance.
type CreateTaskRequest struct {
	InstanceID     string `validate:"required"`
	StepID         string
	Name           string `validate:"required"`
	Description    string
	TaskType       string `validate:"omitempty,oneof=manual approval review form automated"`
	Priority       string `validate:"omitempty,oneof=low normal high urgent"`
	AssignmentType string `validate:"omitempty,oneof=manual automatic role_based"`
	FormData       map[string]any
	FormSchema     map[string]any
	DueDate        *time.Time
	SLAHours       *int `validate:"omitempty,min=1"`
	SLADeadline    *time.Time
}

// CreateTask creates a PENDING task for an existing instance.
func (s *Task) CreateTask(ctx context.Context, req CreateTaskRequest) (*models.WorkflowTask, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "task.create",
		attribute.String(otelhelper.InstanceIDKey, req.InstanceID),
	)
	defer span.End()

	err := s.validator.Struct(req)
	if err != nil {
		return nil, NewValidationError("CreateTask", "INVALID_REQUEST", err.Error(), ErrInvalidRequest)
	}

	exists, err := s.persistence.InstanceRepository().Exists(ctx, req.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to check workflow instance: %w", err)
	}

	if !exists {
		return nil, ErrInstanceNotFound
	}

	task, err := models.NewWorkflowTask(models.TaskProps{
		InstanceID:     req.InstanceID,
		StepID:         req.StepID,
		Name:           req.Name,
		Description:    req.Description,
		TaskType:       models.TaskType(req.TaskType),
		Priority:       models.Priority(req.Priority),
		AssignmentType: models.AssignmentType(req.AssignmentType),
		FormData:       req.FormData,
		FormSchema:     req.FormSchema,
		DueDate:        req.DueDate,
		SLAHours:       req.SLAHours,
		SLADeadline:    req.SLADeadline,
	})
	if err != nil {
		return nil, NewValidationError("CreateTask", "INVALID_REQUEST", err.Error(), ErrInvalidRequest)
	}

	err = s.persistence.TaskRepository().Save(ctx, task)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to save workflow task: %w", err)
	}

	s.publishEvents(ctx, task.ID(), task.UncommittedEvents())
	task.ClearEvents()

	return task, nil
}

// FetchByID retrieves a task by its ID.
func (s *Task) FetchByID(ctx context.Context, id string) (*models.WorkflowTask, error) {
	task, err := s.persistence.TaskRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if task == nil {
		return nil, ErrTaskNotFound
	}

	return task, nil
}

// ListTasksRequest contains options for listing tasks.
type ListTasksRequest struct {
	Limit  int `validate:"min=0,max=100"`
	Offset int `validate:"min=0"`

	InstanceID string
	AssigneeID string
	Status     *models.TaskStatus
	TaskType   *models.TaskType
	Priority   *models.Priority

	SortBy    string
	SortOrder string
}

// ListTasksResponse contains the result of listing tasks.
type ListTasksResponse struct {
	Tasks       []*models.WorkflowTask
	TotalCount  int64
	HasNextPage bool
}

// ListTasks retrieves tasks with filtering, sorting, and pagination.
func (s *Task) ListTasks(ctx context.Context, req ListTasksRequest) (*ListTasksResponse, error) {
	err := s.validateListTasksRequest(&req)
	if err != nil {
		return nil, err
	}

	result, err := s.persistence.TaskRepository().ListTasks(ctx, persistence.ListTasksOptions{
		Limit:      req.Limit,
		Offset:     req.Offset,
		InstanceID: req.InstanceID,
		AssigneeID: req.AssigneeID,
		Status:     req.Status,
		TaskType:   req.TaskType,
		Priority:   req.Priority,
		SortBy:     req.SortBy,
		SortOrder:  req.SortOrder,
	})
	if err != nil {
		if persistence.IsInvalidSortField(err) {
			return nil, ErrInvalidSortField
		}

		return nil, fmt.Errorf("failed to list workflow tasks: %w", err)
	}

	return &ListTasksResponse{
		Tasks:       result.Tasks,
		TotalCount:  result.TotalCount,
		HasNextPage: result.HasNextPage,
	}, nil
}

func (s *Task) validateListTasksRequest(req *ListTasksRequest) error {
	if req.Limit <= 0 {
		req.Limit = 20
	}

	if req.Limit > 100 {
		req.Limit = 100
	}

	if req.Offset < 0 {
		req.Offset = 0
	}

	if req.SortBy == "" {
		req.SortBy = "created_at"
	}

	if req.SortOrder == "" {
		req.SortOrder = "desc"
	}

	allowedSorts := []string{"created_at", "due_date", "priority"}
	if !slices.Contains(allowedSorts, req.SortBy) {
		return NewValidationError(
			"ListTasks",
			"INVALID_SORT_FIELD",
			fmt.Sprintf("invalid sort field '%s', allowed: %s", req.SortBy, strings.Join(allowedSorts, ", ")),
			ErrInvalidSortField,
		)
	}

	if req.SortOrder != "asc" && req.SortOrder != "desc" {
		return NewValidationError(
			"ListTasks",
			"INVALID_SORT_ORDER",
			fmt.Sprintf("invalid sort order '%s', allowed: asc, desc", req.SortOrder),
			ErrInvalidSortOrder,
		)
	}

	return nil
}

// AssignTask hands a pending task to an assignee.
func (s *Task) AssignTask(ctx context.Context, id, assigneeID, assignedBy string) (*models.WorkflowTask, error) {
	if assigneeID == "" {
		return nil, NewValidationError("AssignTask", "INVALID_REQUEST", "assignee id is required", ErrInvalidRequest)
	}

	return s.execute(ctx, "task.assign", id, func(task *models.WorkflowTask) error {
		return task.AssignTo(assigneeID, assignedBy)
	})
}

// StartTask moves a pending task to in progress on behalf of its assignee.
func (s *Task) StartTask(ctx context.Context, id, userID string) (*models.WorkflowTask, error) {
	return s.execute(ctx, "task.start", id, func(task *models.WorkflowTask) error {
		return task.Start(userID)
	})
}

// CompleteTask finishes a task. When the task carries a form schema the
// submitted form data must satisfy it before the transition runs.
func (s *Task) CompleteTask(ctx context.Context, id, userID string, result map[string]any) (*models.WorkflowTask, error) {
	return s.execute(ctx, "task.complete", id, func(task *models.WorkflowTask) error {
		err := schema.ValidateForm(task.FormSchema(), task.FormData())
		if err != nil {
			return NewValidationError("CompleteTask", "INVALID_FORM_DATA", err.Error(), ErrInvalidFormData)
		}

		return task.Complete(userID, result)
	})
}

// RejectTask declines a task with a reason.
func (s *Task) RejectTask(ctx context.Context, id, userID, reason string) (*models.WorkflowTask, error) {
	return s.execute(ctx, "task.reject", id, func(task *models.WorkflowTask) error {
		return task.Reject(userID, reason)
	})
}

// CancelTask withdraws a task regardless of assignee.
func (s *Task) CancelTask(ctx context.Context, id string) (*models.WorkflowTask, error) {
	return s.execute(ctx, "task.cancel", id, func(task *models.WorkflowTask) error {
		return task.Cancel()
	})
}

// UpdateFormData replaces the task's form payload after checking it against
// the task's schema.
func (s *Task) UpdateFormData(ctx context.Context, id string, formData map[string]any) (*models.WorkflowTask, error) {
	return s.execute(ctx, "task.form", id, func(task *models.WorkflowTask) error {
		err := schema.ValidateForm(task.FormSchema(), formData)
		if err != nil {
			return NewValidationError("UpdateFormData", "INVALID_FORM_DATA", err.Error(), ErrInvalidFormData)
		}

		task.UpdateFormData(formData)

		return nil
	})
}

// AddComment appends a comment to the task.
func (s *Task) AddComment(ctx context.Context, id, author, body string) (*models.WorkflowTask, error) {
	if body == "" {
		return nil, NewValidationError("AddComment", "INVALID_REQUEST", "comment body is required", ErrInvalidRequest)
	}

	return s.execute(ctx, "task.comment", id, func(task *models.WorkflowTask) error {
		task.AddComment(author, body)

		return nil
	})
}

// AddAttachment appends an attachment reference to the task.
func (s *Task) AddAttachment(ctx context.Context, id, name, url, uploadedBy string) (*models.WorkflowTask, error) {
	if name == "" || url == "" {
		return nil, NewValidationError("AddAttachment", "INVALID_REQUEST", "attachment name and url are required", ErrInvalidRequest)
	}

	return s.execute(ctx, "task.attachment", id, func(task *models.WorkflowTask) error {
		task.AddAttachment(name, url, uploadedBy)

		return nil
	})
}

// DeleteTask removes a task.
func (s *Task) DeleteTask(ctx context.Context, id string) error {
	err := s.persistence.TaskRepository().Delete(ctx, id)
	if err != nil {
		if persistence.IsTaskNotFound(err) {
			return ErrTaskNotFound
		}

		return fmt.Errorf("failed to delete workflow task: %w", err)
	}

	return nil
}

// execute mirrors the instance command loop: lock per task id, load, apply,
// save, retry on version conflicts, publish after persist.
func (s *Task) execute(
	ctx context.Context,
	op, id string,
	command func(*models.WorkflowTask) error,
) (*models.WorkflowTask, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, op,
		attribute.String(otelhelper.TaskIDKey, id),
	)
	defer span.End()

	release, err := s.locker.Acquire(ctx, "task:"+id)
	if err != nil {
		return nil, err
	}
	defer release()

	repo := s.persistence.TaskRepository()

	for range saveAttempts {
		task, err := repo.GetByID(ctx, id)
		if err != nil {
			otelhelper.SetError(span, err)

			return nil, err
		}

		if task == nil {
			return nil, ErrTaskNotFound
		}

		err = command(task)
		if err != nil {
			return nil, err
		}

		err = repo.Save(ctx, task)
		if persistence.IsVersionConflict(err) {
			s.logger.WarnContext(ctx, "retrying after version conflict",
				"task_id", id, "op", op)

			continue
		}

		if err != nil {
			otelhelper.SetError(span, err)

			return nil, fmt.Errorf("failed to save workflow task: %w", err)
		}

		s.publishEvents(ctx, task.ID(), task.UncommittedEvents())
		task.ClearEvents()

		return task, nil
	}

	return nil, &ServiceError{Op: op, Code: "CONFLICT", Message: "task update lost repeated version races", Err: ErrConflict}
}

func (s *Task) publishEvents(ctx context.Context, key string, pending []events.Event) {
	if s.publisher == nil {
		return
	}

	for _, event := range pending {
		err := s.publisher.Publish(ctx, key, event)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to publish event",
				"event_type", event.GetType(), "key", key, "error", err)
		}
	}
}
