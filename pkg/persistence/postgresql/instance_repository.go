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

const instanceColumns = `
	id
  , workflow_id
  , status
  , current_step_id
  , data
  , variables
  , context
  , triggered_by
  , trigger_type
  , trigger_data
  , started_at
  , completed_at
  , paused_at
  , duration_seconds
  , error_message
  , error_step
  , retry_count
  , priority
  , sla_deadline
  , version
`

// InstanceRepository handles workflow-instance database operations.
type InstanceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewInstanceRepository creates a new workflow instance repository.
func NewInstanceRepository(db *sql.DB, logger *slog.Logger) *InstanceRepository {
	return &InstanceRepository{db: db, logger: logger}
}

// Save upserts the instance. The update path only applies when the stored
// version matches the aggregate's token; zero rows affected means another
// writer won the race.
func (r *InstanceRepository) Save(ctx context.Context, instance *models.WorkflowInstance) error {
	snap := instance.Snapshot()

	data, err := marshalPayload(snap.Data)
	if err != nil {
		return persistence.NewInstanceError("Save", snap.ID, err)
	}

	variables, err := marshalPayload(snap.Variables)
	if err != nil {
		return persistence.NewInstanceError("Save", snap.ID, err)
	}

	contextData, err := marshalPayload(snap.Context)
	if err != nil {
		return persistence.NewInstanceError("Save", snap.ID, err)
	}

	triggerData, err := marshalPayload(snap.TriggerData)
	if err != nil {
		return persistence.NewInstanceError("Save", snap.ID, err)
	}

	query := `
		INSERT INTO workflow_instances (
			id, workflow_id, status, current_step_id, data, variables, context,
			triggered_by, trigger_type, trigger_data, started_at, completed_at,
			paused_at, duration_seconds, error_message, error_step, retry_count,
			priority, sla_deadline, version
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18, $19, $20 + 1
		)
		ON CONFLICT (id) DO UPDATE SET
			status           = EXCLUDED.status,
			current_step_id  = EXCLUDED.current_step_id,
			data             = EXCLUDED.data,
			variables        = EXCLUDED.variables,
			context          = EXCLUDED.context,
			completed_at     = EXCLUDED.completed_at,
			paused_at        = EXCLUDED.paused_at,
			duration_seconds = EXCLUDED.duration_seconds,
			error_message    = EXCLUDED.error_message,
			error_step       = EXCLUDED.error_step,
			retry_count      = EXCLUDED.retry_count,
			priority         = EXCLUDED.priority,
			sla_deadline     = EXCLUDED.sla_deadline,
			version          = EXCLUDED.version
		WHERE workflow_instances.version = $20
	`

	result, err := r.db.ExecContext(ctx, query,
		snap.ID, snap.WorkflowID, snap.Status, snap.CurrentStepID,
		data, variables, contextData,
		snap.TriggeredBy, snap.TriggerType, triggerData,
		snap.StartedAt, snap.CompletedAt, snap.PausedAt, snap.DurationSeconds,
		snap.ErrorMessage, snap.ErrorStep, snap.RetryCount,
		snap.Priority, snap.SLADeadline, snap.Version,
	)
	if err != nil {
		return persistence.NewInstanceError("Save", snap.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewInstanceError("Save", snap.ID, err)
	}

	if affected == 0 {
		return persistence.NewInstanceError("Save", snap.ID, persistence.ErrVersionConflict)
	}

	return nil
}

// GetByID returns the instance for the id, or nil when no row exists.
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE id = $1`

	instance, err := scanInstance(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, persistence.NewInstanceError("GetByID", id, err)
	}

	return instance, nil
}

var instanceSortColumns = map[string]string{
	"started_at":   "started_at",
	"completed_at": "completed_at",
	"priority":     "priority",
}

// ListInstances returns paginated and filtered instances.
func (r *InstanceRepository) ListInstances(ctx context.Context, opts persistence.ListInstancesOptions) (*persistence.InstanceListResult, error) {
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 20
	}

	if opts.SortBy == "" {
		opts.SortBy = "started_at"
	}

	if opts.SortOrder == "" {
		opts.SortOrder = "desc"
	}

	sortColumn, ok := instanceSortColumns[opts.SortBy]
	if !ok {
		return nil, fmt.Errorf("%w: %s", persistence.ErrInvalidSortField, opts.SortBy)
	}

	order := "ASC"
	if strings.EqualFold(opts.SortOrder, "desc") {
		order = "DESC"
	}

	where := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if opts.WorkflowID != "" {
		args = append(args, opts.WorkflowID)
		where = append(where, fmt.Sprintf("workflow_id = $%d", len(args)))
	}

	if opts.Status != nil {
		args = append(args, string(*opts.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	if opts.TriggeredBy != "" {
		args = append(args, opts.TriggeredBy)
		where = append(where, fmt.Sprintf("triggered_by = $%d", len(args)))
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

	countQuery := "SELECT COUNT(*) FROM workflow_instances" + whereClause

	err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&totalCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count workflow instances: %w", err)
	}

	args = append(args, opts.Limit, opts.Offset)
	query := fmt.Sprintf(
		"SELECT %s FROM workflow_instances%s ORDER BY %s %s LIMIT $%d OFFSET $%d",
		instanceColumns, whereClause, sortColumn, order, len(args)-1, len(args),
	)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow instances: %w", err)
	}

	defer r.closeRows(ctx, rows)

	instances := make([]*models.WorkflowInstance, 0)

	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow instance: %w", err)
		}

		instances = append(instances, instance)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflow instances: %w", err)
	}

	return &persistence.InstanceListResult{
		Instances:   instances,
		TotalCount:  totalCount,
		HasNextPage: int64(opts.Offset+len(instances)) < totalCount,
	}, nil
}

// Delete removes the stored instance row.
func (r *InstanceRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM workflow_instances WHERE id = $1", id)
	if err != nil {
		return persistence.NewInstanceError("Delete", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewInstanceError("Delete", id, err)
	}

	if affected == 0 {
		return persistence.NewInstanceError("Delete", id, persistence.ErrInstanceNotFound)
	}

	return nil
}

// Exists reports whether a row is stored under the id.
func (r *InstanceRepository) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool

	err := r.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM workflow_instances WHERE id = $1)", id,
	).Scan(&exists)
	if err != nil {
		return false, persistence.NewInstanceError("Exists", id, err)
	}

	return exists, nil
}

// FindActive returns all RUNNING or PAUSED instances.
func (r *InstanceRepository) FindActive(ctx context.Context) ([]*models.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM workflow_instances
		WHERE status IN ('running', 'paused')
		ORDER BY started_at`

	return r.queryInstances(ctx, query)
}

// FindExceedingSLA returns active instances past their SLA deadline.
func (r *InstanceRepository) FindExceedingSLA(ctx context.Context, now time.Time) ([]*models.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM workflow_instances
		WHERE status IN ('running', 'paused')
		  AND sla_deadline IS NOT NULL
		  AND sla_deadline < $1
		ORDER BY sla_deadline`

	return r.queryInstances(ctx, query, now)
}

// FindFailedWithRetryCountBelow returns failed instances still inside the retry budget.
func (r *InstanceRepository) FindFailedWithRetryCountBelow(ctx context.Context, maxRetries int) ([]*models.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM workflow_instances
		WHERE status = 'failed'
		  AND retry_count < $1
		ORDER BY completed_at`

	return r.queryInstances(ctx, query, maxRetries)
}

func (r *InstanceRepository) queryInstances(ctx context.Context, query string, args ...any) ([]*models.WorkflowInstance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow instances: %w", err)
	}

	defer r.closeRows(ctx, rows)

	instances := make([]*models.WorkflowInstance, 0)

	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow instance: %w", err)
		}

		instances = append(instances, instance)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflow instances: %w", err)
	}

	return instances, nil
}

func (r *InstanceRepository) closeRows(ctx context.Context, rows *sql.Rows) {
	err := rows.Close()
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*models.WorkflowInstance, error) {
	var (
		snap        models.InstanceSnapshot
		data        []byte
		variables   []byte
		contextData []byte
		triggerData []byte
	)

	err := row.Scan(
		&snap.ID, &snap.WorkflowID, &snap.Status, &snap.CurrentStepID,
		&data, &variables, &contextData,
		&snap.TriggeredBy, &snap.TriggerType, &triggerData,
		&snap.StartedAt, &snap.CompletedAt, &snap.PausedAt, &snap.DurationSeconds,
		&snap.ErrorMessage, &snap.ErrorStep, &snap.RetryCount,
		&snap.Priority, &snap.SLADeadline, &snap.Version,
	)
	if err != nil {
		return nil, err
	}

	snap.Data, err = unmarshalPayload(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode instance data: %w", err)
	}

	snap.Variables, err = unmarshalPayload(variables)
	if err != nil {
		return nil, fmt.Errorf("failed to decode instance variables: %w", err)
	}

	snap.Context, err = unmarshalPayload(contextData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode instance context: %w", err)
	}

	snap.TriggerData, err = unmarshalPayload(triggerData)
	if err != nil {
		return nil, fmt.Errorf("failed to decode instance trigger data: %w", err)
	}

	return models.RestoreWorkflowInstance(snap)
}

func marshalPayload(payload map[string]any) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	return data, nil
}

func unmarshalPayload(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return make(map[string]any), nil
	}

	var payload map[string]any

	err := json.Unmarshal(data, &payload)
	if err != nil {
		return nil, err
	}

	return payload, nil
}
