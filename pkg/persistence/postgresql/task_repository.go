package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/flowlinehq/flowline/pkg/models"
	"github.com/flowlinehq/flowline/pkg/persistence"
)

const taskColumns = `
	id
  , instance_id
  , step_id
  , name
  , description
  , task_type
  , status
  , priority
  , assignee_id
  , assigned_by
  , assignment_type
  , form_data
  , form_schema
  , attachments
  , comments
  , created_at
  , assigned_at
  , started_at
  , completed_at
  , due_date
  , sla_hours
  , sla_deadline
  , result
  , completed_by
  , rejected_by
  , rejection_reason
  , version
`

// TaskRepository handles workflow-task database operations.
type TaskRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewTaskRepository creates a new workflow task repository.
func NewTaskRepository(db *sql.DB, logger *slog.Logger) *TaskRepository {
	return &TaskRepository{db: db, logger: logger}
}

// Save upserts the task with the same version check as instance saves.
func (r *TaskRepository) Save(ctx context.Context, task *models.WorkflowTask) error {
	snap := task.Snapshot()

	formData, err := marshalPayload(snap.FormData)
	if err != nil {
		return persistence.NewTaskError("Save", snap.ID, err)
	}

	formSchema, err := marshalOptionalPayload(snap.FormSchema)
	if err != nil {
		return persistence.NewTaskError("Save", snap.ID, err)
	}

	taskResult, err := marshalOptionalPayload(snap.Result)
	if err != nil {
		return persistence.NewTaskError("Save", snap.ID, err)
	}

	attachments, err := json.Marshal(snap.Attachments)
	if err != nil {
		return persistence.NewTaskError("Save", snap.ID, fmt.Errorf("failed to encode attachments: %w", err))
	}

	comments, err := json.Marshal(snap.Comments)
	if err != nil {
		return persistence.NewTaskError("Save", snap.ID, fmt.Errorf("failed to encode comments: %w", err))
	}

	query := `
		INSERT INTO workflow_tasks (
			id, instance_id, step_id, name, description, task_type, status,
			priority, assignee_id, assigned_by, assignment_type, form_data,
			form_schema, attachments, comments, created_at, assigned_at,
			started_at, completed_at, due_date, sla_hours, sla_deadline,
			result, completed_by, rejected_by, rejection_reason, version
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
			$21, $22, $23, $24, $25, $26, $27 + 1
		)
		ON CONFLICT (id) DO UPDATE SET
			status           = EXCLUDED.status,
			priority         = EXCLUDED.priority,
			assignee_id      = EXCLUDED.assignee_id,
			assigned_by      = EXCLUDED.assigned_by,
			form_data        = EXCLUDED.form_data,
			form_schema      = EXCLUDED.form_schema,
			attachments      = EXCLUDED.attachments,
			comments         = EXCLUDED.comments,
			assigned_at      = EXCLUDED.assigned_at,
			started_at       = EXCLUDED.started_at,
			completed_at     = EXCLUDED.completed_at,
			due_date         = EXCLUDED.due_date,
			sla_hours        = EXCLUDED.sla_hours,
			sla_deadline     = EXCLUDED.sla_deadline,
			result           = EXCLUDED.result,
			completed_by     = EXCLUDED.completed_by,
			rejected_by      = EXCLUDED.rejected_by,
			rejection_reason = EXCLUDED.rejection_reason,
			version          = EXCLUDED.version
		WHERE workflow_tasks.version = $27
	`

	result, err := r.db.ExecContext(ctx, query,
		snap.ID, snap.InstanceID, snap.StepID, snap.Name, snap.Description,
		snap.TaskType, snap.Status, snap.Priority,
		snap.AssigneeID, snap.AssignedBy, snap.AssignmentType,
		formData, formSchema, attachments, comments,
		snap.CreatedAt, snap.AssignedAt, snap.StartedAt, snap.CompletedAt,
		snap.DueDate, snap.SLAHours, snap.SLADeadline,
		taskResult, snap.CompletedBy, snap.RejectedBy, snap.RejectionReason,
		snap.Version,
	)
	if err != nil {
		return persistence.NewTaskError("Save", snap.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewTaskError("Save", snap.ID, err)
	}

	if affected == 0 {
		return persistence.NewTaskError("Save", snap.ID, persistence.ErrVersionConflict)
	}

	return nil
}

// GetByID returns the task for the id, or nil when no row exists.
func (r *TaskRepository) GetByID(ctx context.Context, id string) (*models.WorkflowTask, error) {
	query := `SELECT ` + taskColumns + ` FROM workflow_tasks WHERE id = $1`

	task, err := scanTask(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, persistence.NewTaskError("GetByID", id, err)
	}

	return task, nil
}

var taskSortColumns = map[string]string{
	"created_at": "created_at",
	"due_date":   "due_date",
	"priority":   "priority",
}

// ListTasks returns paginated and filtered tasks.
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

	sortColumn, ok := taskSortColumns[opts.SortBy]
	if !ok {
		return nil, fmt.Errorf("%w: %s", persistence.ErrInvalidSortField, opts.SortBy)
	}

	order := "ASC"
	if strings.EqualFold(opts.SortOrder, "desc") {
		order = "DESC"
	}

	where := make([]string, 0, 5)
	args := make([]any, 0, 7)

	if opts.InstanceID != "" {
		args = append(args, opts.InstanceID)
		where = append(where, fmt.Sprintf("instance_id = $%d", len(args)))
	}

	if opts.AssigneeID != "" {
		args = append(args, opts.AssigneeID)
		where = append(where, fmt.Sprintf("assignee_id = $%d", len(args)))
	}

	if opts.Status != nil {
		args = append(args, string(*opts.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	if opts.TaskType != nil {
		args = append(args, string(*opts.TaskType))
		where = append(where, fmt.Sprintf("task_type = $%d", len(args)))
	}

	if opts.Priority != nil {
		args = append(args, string(*opts.Priority))
		where = append(where, fmt.Sprintf("priority = $%d", len(args)))
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = " WHERE " + strings.Join(where, " AND ")
	}

	var totalCount int64

	countQuery := "SELECT COUNT(*) FROM workflow_tasks" + whereClause

	err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&totalCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count workflow tasks: %w", err)
	}

	args = append(args, opts.Limit, opts.Offset)
	query := fmt.Sprintf(
		"SELECT %s FROM workflow_tasks%s ORDER BY %s %s LIMIT $%d OFFSET $%d",
		taskColumns, whereClause, sortColumn, order, len(args)-1, len(args),
	)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow tasks: %w", err)
	}

	defer r.closeRows(ctx, rows)

	tasks := make([]*models.WorkflowTask, 0)

	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow task: %w", err)
		}

		tasks = append(tasks, task)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflow tasks: %w", err)
	}

	return &persistence.TaskListResult{
		Tasks:       tasks,
		TotalCount:  totalCount,
		HasNextPage: int64(opts.Offset+len(tasks)) < totalCount,
	}, nil
}

// Delete removes the stored task row.
func (r *TaskRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM workflow_tasks WHERE id = $1", id)
	if err != nil {
		return persistence.NewTaskError("Delete", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewTaskError("Delete", id, err)
	}

	if affected == 0 {
		return persistence.NewTaskError("Delete", id, persistence.ErrTaskNotFound)
	}

	return nil
}

// Exists reports whether a row is stored under the id.
func (r *TaskRepository) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool

	err := r.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM workflow_tasks WHERE id = $1)", id,
	).Scan(&exists)
	if err != nil {
		return false, persistence.NewTaskError("Exists", id, err)
	}

	return exists, nil
}

// FindActive returns all PENDING or IN_PROGRESS tasks.
func (r *TaskRepository) FindActive(ctx context.Context) ([]*models.WorkflowTask, error) {
	query := `SELECT ` + taskColumns + `
		FROM workflow_tasks
		WHERE status IN ('pending', 'in_progress')
		ORDER BY created_at`

	return r.queryTasks(ctx, query)
}

// FindOverdue returns active tasks whose due date has passed.
func (r *TaskRepository) FindOverdue(ctx context.Context, now time.Time) ([]*models.WorkflowTask, error) {
	query := `SELECT ` + taskColumns + `
		FROM workflow_tasks
		WHERE status IN ('pending', 'in_progress')
		  AND due_date IS NOT NULL
		  AND due_date < $1
		ORDER BY due_date`

	return r.queryTasks(ctx, query, now)
}

// FindExceedingSLA returns active tasks past their SLA deadline.
func (r *TaskRepository) FindExceedingSLA(ctx context.Context, now time.Time) ([]*models.WorkflowTask, error) {
	query := `SELECT ` + taskColumns + `
		FROM workflow_tasks
		WHERE status IN ('pending', 'in_progress')
		  AND sla_deadline IS NOT NULL
		  AND sla_deadline < $1
		ORDER BY sla_deadline`

	return r.queryTasks(ctx, query, now)
}

func (r *TaskRepository) queryTasks(ctx context.Context, query string, args ...any) ([]*models.WorkflowTask, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow tasks: %w", err)
	}

	defer r.closeRows(ctx, rows)

	tasks := make([]*models.WorkflowTask, 0)

	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow task: %w", err)
		}

		tasks = append(tasks, task)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflow tasks: %w", err)
	}

	return tasks, nil
}

func (r *TaskRepository) closeRows(ctx context.Context, rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}

func scanTask(row rowScanner) (*models.WorkflowTask, error) {
	var (
		snap        models.TaskSnapshot
		formData    []byte
		formSchema  []byte
		attachments []byte
		comments    []byte
		taskResult  []byte
	)

	err := row.Scan(
		&snap.ID, &snap.InstanceID, &snap.StepID, &snap.Name, &snap.Description,
		&snap.TaskType, &snap.Status, &snap.Priority,
		&snap.AssigneeID, &snap.AssignedBy, &snap.AssignmentType,
		&formData, &formSchema, &attachments, &comments,
		&snap.CreatedAt, &snap.AssignedAt, &snap.StartedAt, &snap.CompletedAt,
		&snap.DueDate, &snap.SLAHours, &snap.SLADeadline,
		&taskResult, &snap.CompletedBy, &snap.RejectedBy, &snap.RejectionReason,
		&snap.Version,
	)
	if err != nil {
		return nil, err
	}

	snap.FormData, err = unmarshalPayload(formData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode task form data: %w", err)
	}

	snap.FormSchema, err = unmarshalOptionalPayload(formSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to decode task form schema: %w", err)
	}

	snap.Result, err = unmarshalOptionalPayload(taskResult)
	if err != nil {
		return nil, fmt.Errorf("failed to decode task result: %w", err)
	}

	if len(attachments) > 0 {
		err = json.Unmarshal(attachments, &snap.Attachments)
		if err != nil {
			return nil, fmt.Errorf("failed to decode task attachments: %w", err)
		}
	}

	if len(comments) > 0 {
		err = json.Unmarshal(comments, &snap.Comments)
		if err != nil {
			return nil, fmt.Errorf("failed to decode task comments: %w", err)
		}
	}

	return models.RestoreWorkflowTask(snap)
}

func marshalOptionalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}

	return marshalPayload(payload)
}

func unmarshalOptionalPayload(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var payload map[string]any

	err := json.Unmarshal(data, &payload)
	if err != nil {
		return nil, err
	}

	return payload, nil
}
