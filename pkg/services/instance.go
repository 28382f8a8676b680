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
)

// saveAttempts bounds the reload-and-reapply loop after version conflicts.
const saveAttempts = 3

// Instance is the application service for workflow instance commands.
type Instance struct {
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	locker      locker.Locker
	validator   *validator.Validate
	tracer      trace.Tracer
	logger      *slog.Logger
}

// NewInstance creates a new workflow instance service.
func NewInstance(
	p persistence.Persistence,
	publisher eventbus.EventPublisher,
	l locker.Locker,
	validate *validator.Validate,
	logger *slog.Logger,
) *Instance {
	return &Instance{
		persistence: p,
		publisher:   publisher,
		locker:      l,
		validator:   validate,
		tracer:      otel.Tracer("flowline.services.instance"),
		logger:      logger,
	}
}

// HealthCheck checks the health of the persistence layer.
func (s *Instance) HealthCheck(ctx context.Context) (string, bool) {
	if s.persistence == nil {
		return "Persistence layer not initialized", false
	}

	err := s.persistence.HealthCheck(ctx)
	if err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// CreateInstanceRequest carries the fields to start a new instance.
type CreateInstanceRequest struct {
	WorkflowID  string `validate:"required"`
	TriggeredBy string
	TriggerType string `validate:"omitempty,oneof=manual scheduled webhook event"`
	TriggerData map[string]any
	Data        map[string]any
	Variables   map[string]any
	Context     map[string]any
	Priority    string `validate:"omitempty,oneof=low normal high urgent"`
	SLADeadline *time.Time
}

// CreateInstance starts a new RUNNING workflow instance and publishes its
// creation event.
func (s *Instance) CreateInstance(ctx context.Context, req CreateInstanceRequest) (*models.WorkflowInstance, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, "instance.create",
		attribute.String(otelhelper.WorkflowIDKey, req.WorkflowID),
	)
	defer span.End()

	err := s.validator.Struct(req)
	if err != nil {
		return nil, NewValidationError("CreateInstance", "INVALID_REQUEST", err.Error(), ErrInvalidRequest)
	}

	instance, err := models.NewWorkflowInstance(models.InstanceProps{
		WorkflowID:  req.WorkflowID,
		TriggeredBy: req.TriggeredBy,
		TriggerType: models.TriggerType(req.TriggerType),
		TriggerData: req.TriggerData,
		Data:        req.Data,
		Variables:   req.Variables,
		Context:     req.Context,
		Priority:    models.Priority(req.Priority),
		SLADeadline: req.SLADeadline,
	})
	if err != nil {
		return nil, NewValidationError("CreateInstance", "INVALID_REQUEST", err.Error(), ErrInvalidRequest)
	}

	err = s.persistence.InstanceRepository().Save(ctx, instance)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, fmt.Errorf("failed to save workflow instance: %w", err)
	}

	s.publishEvents(ctx, instance.ID(), instance.UncommittedEvents())
	instance.ClearEvents()

	return instance, nil
}

// ExecuteWorkflow opens a RUNNING instance for a workflow. Advancing the
// instance through its step graph happens elsewhere; callers drive the
// instance via the lifecycle commands after this returns.
func (s *Instance) ExecuteWorkflow(ctx context.Context, workflowID, triggeredBy string, triggerData map[string]any) (*models.WorkflowInstance, error) {
	return s.CreateInstance(ctx, CreateInstanceRequest{
		WorkflowID:  workflowID,
		TriggeredBy: triggeredBy,
		TriggerData: triggerData,
	})
}

// FetchByID retrieves an instance by its ID.
func (s *Instance) FetchByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	instance, err := s.persistence.InstanceRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if instance == nil {
		return nil, ErrInstanceNotFound
	}

	return instance, nil
}

// ListInstancesRequest contains options for listing instances.
type ListInstancesRequest struct {
	Limit  int `validate:"min=0,max=100"`
	Offset int `validate:"min=0"`

	WorkflowID  string
	Status      *models.InstanceStatus
	TriggeredBy string
	Priority    *models.Priority

	SortBy    string
	SortOrder string
}

// ListInstancesResponse contains the result of listing instances.
type ListInstancesResponse struct {
	Instances   []*models.WorkflowInstance
	TotalCount  int64
	HasNextPage bool
}

// ListInstances retrieves instances with filtering, sorting, and pagination.
func (s *Instance) ListInstances(ctx context.Context, req ListInstancesRequest) (*ListInstancesResponse, error) {
	err := s.validateListInstancesRequest(&req)
	if err != nil {
		return nil, err
	}

	result, err := s.persistence.InstanceRepository().ListInstances(ctx, persistence.ListInstancesOptions{
		Limit:       req.Limit,
		Offset:      req.Offset,
		WorkflowID:  req.WorkflowID,
		Status:      req.Status,
		TriggeredBy: req.TriggeredBy,
		Priority:    req.Priority,
		SortBy:      req.SortBy,
		SortOrder:   req.SortOrder,
	})
	if err != nil {
		if persistence.IsInvalidSortField(err) {
			return nil, ErrInvalidSortField
		}

		return nil, fmt.Errorf("failed to list workflow instances: %w", err)
	}

	return &ListInstancesResponse{
		Instances:   result.Instances,
		TotalCount:  result.TotalCount,
		HasNextPage: result.HasNextPage,
	}, nil
}

func (s *Instance) validateListInstancesRequest(req *ListInstancesRequest) error {
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
		req.SortBy = "started_at"
	}

	if req.SortOrder == "" {
		req.SortOrder = "desc"
	}

	allowedSorts := []string{"started_at", "completed_at", "priority"}
	if !slices.Contains(allowedSorts, req.SortBy) {
		return NewValidationError(
			"ListInstances",
			"INVALID_SORT_FIELD",
			fmt.Sprintf("invalid sort field '%s', allowed: %s", req.SortBy, strings.Join(allowedSorts, ", ")),
			ErrInvalidSortField,
		)
	}

	if req.SortOrder != "asc" && req.SortOrder != "desc" {
		return NewValidationError(
			"ListInstances",
			"INVALID_SORT_ORDER",
			fmt.Sprintf("invalid sort order '%s', allowed: asc, desc", req.SortOrder),
			ErrInvalidSortOrder,
		)
	}

	return nil
}

// UpdateInstanceRequest carries partial updates for an instance's mutable
// payloads. Nil fields are left untouched.
type UpdateInstanceRequest struct {
	Data      map[string]any
	Variables map[string]any
	Context   map[string]any
}

// UpdateInstance merges the supplied payloads into the instance.
func (s *Instance) UpdateInstance(ctx context.Context, id string, req UpdateInstanceRequest) (*models.WorkflowInstance, error) {
	return s.execute(ctx, "instance.update", id, func(instance *models.WorkflowInstance) error {
		if req.Data != nil {
			instance.UpdateData(req.Data)
		}

		if req.Variables != nil {
			instance.UpdateVariables(req.Variables)
		}

		if req.Context != nil {
			instance.UpdateContext(req.Context)
		}

		return nil
	})
}

// CompleteInstance transitions the instance to COMPLETED.
func (s *Instance) CompleteInstance(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	return s.execute(ctx, "instance.complete", id, func(instance *models.WorkflowInstance) error {
		return instance.Complete()
	})
}

// FailInstance transitions the instance to FAILED with the failure details.
func (s *Instance) FailInstance(ctx context.Context, id, message, step string) (*models.WorkflowInstance, error) {
	return s.execute(ctx, "instance.fail", id, func(instance *models.WorkflowInstance) error {
		return instance.Fail(message, step)
	})
}

// CancelInstance transitions the instance to CANCELLED.
func (s *Instance) CancelInstance(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	return s.execute(ctx, "instance.cancel", id, func(instance *models.WorkflowInstance) error {
		return instance.Cancel()
	})
}

// PauseInstance transitions a RUNNING instance to PAUSED.
func (s *Instance) PauseInstance(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	return s.execute(ctx, "instance.pause", id, func(instance *models.WorkflowInstance) error {
		return instance.Pause()
	})
}

// ResumeInstance transitions a PAUSED instance back to RUNNING.
func (s *Instance) ResumeInstance(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	return s.execute(ctx, "instance.resume", id, func(instance *models.WorkflowInstance) error {
		return instance.Resume()
	})
}

// UpdateCurrentStep moves a RUNNING instance to the given step.
func (s *Instance) UpdateCurrentStep(ctx context.Context, id, stepID string) (*models.WorkflowInstance, error) {
	return s.execute(ctx, "instance.step", id, func(instance *models.WorkflowInstance) error {
		return instance.UpdateCurrentStep(stepID)
	})
}

// RetryInstance bumps the retry counter on a failed instance. Downstream
// consumers react to the published retry event.
func (s *Instance) RetryInstance(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	return s.execute(ctx, "instance.retry", id, func(instance *models.WorkflowInstance) error {
		instance.IncrementRetryCount()

		return nil
	})
}

// DeleteInstance removes an instance.
func (s *Instance) DeleteInstance(ctx context.Context, id string) error {
	err := s.persistence.InstanceRepository().Delete(ctx, id)
	if err != nil {
		if persistence.IsInstanceNotFound(err) {
			return ErrInstanceNotFound
		}

		return fmt.Errorf("failed to delete workflow instance: %w", err)
	}

	return nil
}

// execute runs a command against a stored instance. The per-id lock keeps
// local writers from racing each other; the version check on save catches
// everyone else. On a conflict the aggregate is reloaded and the command
// reapplied against fresh state.
func (s *Instance) execute(
	ctx context.Context,
	op, id string,
	command func(*models.WorkflowInstance) error,
) (*models.WorkflowInstance, error) {
	ctx, span := otelhelper.StartSpan(ctx, s.tracer, op,
		attribute.String(otelhelper.InstanceIDKey, id),
	)
	defer span.End()

	release, err := s.locker.Acquire(ctx, "instance:"+id)
	if err != nil {
		return nil, err
	}
	defer release()

	repo := s.persistence.InstanceRepository()

	for range saveAttempts {
		instance, err := repo.GetByID(ctx, id)
		if err != nil {
			otelhelper.SetError(span, err)

			return nil, err
		}

		if instance == nil {
			return nil, ErrInstanceNotFound
		}

		err = command(instance)
		if err != nil {
			return nil, err
		}

		err = repo.Save(ctx, instance)
		if persistence.IsVersionConflict(err) {
			s.logger.WarnContext(ctx, "retrying after version conflict",
				"instance_id", id, "op", op)

			continue
		}

		if err != nil {
			otelhelper.SetError(span, err)

			return nil, fmt.Errorf("failed to save workflow instance: %w", err)
		}

		s.publishEvents(ctx, instance.ID(), instance.UncommittedEvents())
		instance.ClearEvents()

		return instance, nil
	}

	return nil, &ServiceError{Op: op, Code: "CONFLICT", Message: "instance update lost repeated version races", Err: ErrConflict}
}

// publishEvents emits the aggregate's collected events after it has been
// persisted. Publish failures are logged, not returned: the state change is
// already durable.
func (s *Instance) publishEvents(ctx context.Context, key string, pending []events.Event) {
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
