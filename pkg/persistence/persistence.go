// Package persistence defines the storage ports consumed by the workflow runtime.
package persistence

import (
	"context"
	"time"

	"github.com/flowlinehq/flowline/pkg/models"
)

type Persistence interface {
	InstanceRepository() InstanceRepository
	TaskRepository() TaskRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// ListInstancesOptions filters and paginates instance listings.
type ListInstancesOptions struct {
	Limit  int
	Offset int

	WorkflowID  string
	Status      *models.InstanceStatus
	TriggeredBy string
	Priority    *models.Priority

	SortBy    string
	SortOrder string
}

// InstanceListResult is a page of instances plus the unpaginated total.
type InstanceListResult struct {
	Instances   []*models.WorkflowInstance
	TotalCount  int64
	HasNextPage bool
}

// InstanceRepository stores workflow instance aggregates.
//
// Save is an upsert keyed by instance id. Implementations compare the
// aggregate's version token against the stored row and return
// ErrVersionConflict when another writer got there first; the stored version
// is bumped on every successful save.
type InstanceRepository interface {
	Save(ctx context.Context, instance *models.WorkflowInstance) error
	GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error)
	ListInstances(ctx context.Context, opts ListInstancesOptions) (*InstanceListResult, error)
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)

	// Maintenance finders used by the sweep loop.
	FindActive(ctx context.Context) ([]*models.WorkflowInstance, error)
	FindExceedingSLA(ctx context.Context, now time.Time) ([]*models.WorkflowInstance, error)
	FindFailedWithRetryCountBelow(ctx context.Context, maxRetries int) ([]*models.WorkflowInstance, error)
}

// ListTasksOptions filters and paginates task listings.
type ListTasksOptions struct {
	Limit  int
	Offset int

	InstanceID string
	AssigneeID string
	Status     *models.TaskStatus
	TaskType   *models.TaskType
	Priority   *models.Priority

	SortBy    string
	SortOrder string
}

// TaskListResult is a page of tasks plus the unpaginated total.
type TaskListResult struct {
	Tasks       []*models.WorkflowTask
	TotalCount  int64
	HasNextPage bool
}

// TaskRepository stores workflow task aggregates with the same upsert and
// version semantics as InstanceRepository.
type TaskRepository interface {
	Save(ctx context.Context, task *models.WorkflowTask) error
	GetByID(ctx context.Context, id string) (*models.WorkflowTask, error)
	ListTasks(ctx context.Context, opts ListTasksOptions) (*TaskListResult, error)
	Delete(ctx context.Context, id string) error
	Exists(ctx context.Context, id string) (bool, error)

	// Maintenance finders used by the sweep loop.
	FindActive(ctx context.Context) ([]*models.WorkflowTask, error)
	FindOverdue(ctx context.Context, now time.Time) ([]*models.WorkflowTask, error)
	FindExceedingSLA(ctx context.Context, now time.Time) ([]*models.WorkflowTask, error)
}
