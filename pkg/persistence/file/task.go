package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/flowlinehq/flowline/pkg/models"
	"github.com/flowlinehq/flowline/pkg/persistence"
)

const tasksDir = "tasks"

// TaskRepository handles workflow-task file operations.
type TaskRepository struct {
	root string
	mu   sync.Mutex
}

// NewTaskRepository creates a new workflow task repository.
func NewTaskRepository(root string) *TaskRepository {
	return &TaskRepository{root: root}
}

func (r *TaskRepository) path(id string) string {
	return filepath.Join(r.root, tasksDir, id+".json")
}

// Save upserts the task snapshot, rejecting stale versions.
func (r *TaskRepository) Save(ctx context.Context, task *models.WorkflowTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := task.Snapshot()

	stored, err := r.readSnapshot(snap.ID)
	if err != nil {
		return persistence.NewTaskError("Save", snap.ID, err)
	}

	if stored != nil && stored.Version != snap.Version {
		return persistence.NewTaskError("Save", snap.ID, persistence.ErrVersionConflict)
	}

	snap.Version++

	err = os.MkdirAll(filepath.Join(r.root, tasksDir), 0o755)
	if err != nil {
		return persistence.NewTaskError("Save", snap.ID, err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return persistence.NewTaskError("Save", snap.ID, err)
	}

	err = os.WriteFile(r.path(snap.ID), data, 0o600)
	if err != nil {
		return persistence.NewTaskError("Save", snap.ID, err)
	}

	return nil
}

// GetByID returns the task for the id, or nil when no record exists.
func (r *TaskRepository) GetByID(ctx context.Context, id string) (*models.WorkflowTask, error) {
	snap, err := r.readSnapshot(id)
	if err != nil {
		return nil, persistence.NewTaskError("GetByID", id, err)
	}

	if snap == nil {
		return nil, nil
	}

	task, err := models.RestoreWorkflowTask(*snap)
	if err != nil {
		return nil, persistence.NewTaskError("GetByID", id, err)
	}

	return task, nil
}

func (r *TaskRepository) readSnapshot(id string) (*models.TaskSnapshot, error) {
	data, err := os.ReadFile(r.path(id))
	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	var snap models.TaskSnapshot

	err = json.Unmarshal(data, &snap)
	if err != nil {
		return nil, fmt.Errorf("failed to decode stored task: %w", err)
	}

	return &snap, nil
}

// ListTasks returns paginated and filtered tasks with in-memory operations.
func (r *TaskRepository) ListTasks(ctx context.Context, opts persistence.ListTasksOptions) (*persistence.TaskListResult, error) {
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 20
	}

	if opts.SortBy == "" {
		opts.SortBy = "created_at"
	}

	if opts.SortOrder == "" {
		opts.SortOrder = "desc"
	}

	allowedSorts := map[string]bool{
		"created_at": true,
		"due_date":   true,
		"priority":   true,
	}
	if !allowedSorts[opts.SortBy] {
		return nil, fmt.Errorf("%w: %s", persistence.ErrInvalidSortField, opts.SortBy)
	}

	all, err := r.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	filtered := make([]*models.WorkflowTask, 0)

	for _, task := range all {
		if opts.InstanceID != "" && task.InstanceID() != opts.InstanceID {
			continue
		}

		if opts.AssigneeID != "" && task.AssigneeID() != opts.AssigneeID {
			continue
		}

		if opts.Status != nil && task.Status() != *opts.Status {
			continue
		}

		if opts.TaskType != nil && task.TaskType() != *opts.TaskType {
			continue
		}

		if opts.Priority != nil && task.Priority() != *opts.Priority {
			continue
		}

		filtered = append(filtered, task)
	}

	sortTasks(filtered, opts.SortBy, opts.SortOrder)

	totalCount := int64(len(filtered))
	startIdx := opts.Offset
	endIdx := opts.Offset + opts.Limit

	if startIdx >= len(filtered) {
		return &persistence.TaskListResult{
			Tasks:       make([]*models.WorkflowTask, 0),
			TotalCount:  totalCount,
			HasNextPage: false,
		}, nil
	}

	if endIdx > len(filtered) {
		endIdx = len(filtered)
	}

	return &persistence.TaskListResult{
		Tasks:       filtered[startIdx:endIdx],
		TotalCount:  totalCount,
		HasNextPage: endIdx < len(filtered),
	}, nil
}

// Delete removes the stored task record.
func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	err := os.Remove(r.path(id))
	if os.IsNotExist(err) {
		return persistence.NewTaskError("Delete", id, persistence.ErrTaskNotFound)
	}

	if err != nil {
		return persistence.NewTaskError("Delete", id, err)
	}

	return nil
}

// Exists reports whether a record is stored under the id.
func (r *TaskRepository) Exists(ctx context.Context, id string) (bool, error) {
	_, err := os.Stat(r.path(id))
	if os.IsNotExist(err) {
		return false, nil
	}

	if err != nil {
		return false, persistence.NewTaskError("Exists", id, err)
	}

	return true, nil
}

// FindActive returns all PENDING or IN_PROGRESS tasks.
func (r *TaskRepository) FindActive(ctx context.Context) ([]*models.WorkflowTask, error) {
	return r.filterAll(ctx, func(t *models.WorkflowTask) bool {
		return !t.Status().IsTerminal()
	})
}

// FindOverdue returns active tasks past their due date.
func (r *TaskRepository) FindOverdue(ctx context.Context, now time.Time) ([]*models.WorkflowTask, error) {
	return r.filterAll(ctx, func(t *models.WorkflowTask) bool {
		return !t.Status().IsTerminal() && t.IsOverdue(now)
	})
}

// FindExceedingSLA returns active tasks past their SLA deadline.
func (r *TaskRepository) FindExceedingSLA(ctx context.Context, now time.Time) ([]*models.WorkflowTask, error) {
	return r.filterAll(ctx, func(t *models.WorkflowTask) bool {
		return !t.Status().IsTerminal() && t.HasExceededSLA(now)
	})
}

func (r *TaskRepository) filterAll(ctx context.Context, keep func(*models.WorkflowTask) bool) ([]*models.WorkflowTask, error) {
	all, err := r.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	matched := make([]*models.WorkflowTask, 0)

	for _, task := range all {
		if keep(task) {
			matched = append(matched, task)
		}
	}

	return matched, nil
}

func (r *TaskRepository) loadAll(ctx context.Context) ([]*models.WorkflowTask, error) {
	dir := filepath.Join(r.root, tasksDir)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return make([]*models.WorkflowTask, 0), nil
	}

	jsonFiles, err := fs.Glob(os.DirFS(dir), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list task files: %w", err)
	}

	tasks := make([]*models.WorkflowTask, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		id := file[:len(file)-5]

		task, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load task %s: %w", id, err)
		}

		if task != nil {
			tasks = append(tasks, task)
		}
	}

	return tasks, nil
}

func sortTasks(tasks []*models.WorkflowTask, sortBy, sortOrder string) {
	sort.SliceStable(tasks, func(a, b int) bool {
		var less bool

		switch sortBy {
		case "due_date":
			less = timePtrBefore(tasks[a].DueDate(), tasks[b].DueDate())
		case "priority":
			less = priorityRank[tasks[a].Priority()] < priorityRank[tasks[b].Priority()]
		default:
			less = tasks[a].CreatedAt().Before(tasks[b].CreatedAt())
		}

		if sortOrder == "desc" {
			return !less
		}

		return less
	})
}
