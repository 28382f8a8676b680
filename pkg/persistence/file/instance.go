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

const instancesDir = "instances"

// InstanceRepository handles workflow-instance file operations. A single
// mutex serializes saves so the version check-and-bump stays atomic within
// the process.
type InstanceRepository struct {
	root string
	mu   sync.Mutex
}

// NewInstanceRepository creates a new workflow instance repository.
func NewInstanceRepository(root string) *InstanceRepository {
	return &InstanceRepository{root: root}
}

func (r *InstanceRepository) path(id string) string {
	return filepath.Join(r.root, instancesDir, id+".json")
}

// Save upserts the instance snapshot, rejecting stale versions.
func (r *InstanceRepository) Save(ctx context.Context, instance *models.WorkflowInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := instance.Snapshot()

	stored, err := r.readSnapshot(snap.ID)
	if err != nil {
		return persistence.NewInstanceError("Save", snap.ID, err)
	}

	if stored != nil && stored.Version != snap.Version {
		return persistence.NewInstanceError("Save", snap.ID, persistence.ErrVersionConflict)
	}

	snap.Version++

	err = os.MkdirAll(filepath.Join(r.root, instancesDir), 0o755)
	if err != nil {
		return persistence.NewInstanceError("Save", snap.ID, err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return persistence.NewInstanceError("Save", snap.ID, err)
	}

	err = os.WriteFile(r.path(snap.ID), data, 0o600)
	if err != nil {
		return persistence.NewInstanceError("Save", snap.ID, err)
	}

	return nil
}

// GetByID returns the instance for the id, or nil when no record exists.
// Malformed stored records surface as errors rather than being skipped.
func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	snap, err := r.readSnapshot(id)
	if err != nil {
		return nil, persistence.NewInstanceError("GetByID", id, err)
	}

	if snap == nil {
		return nil, nil
	}

	instance, err := models.RestoreWorkflowInstance(*snap)
	if err != nil {
		return nil, persistence.NewInstanceError("GetByID", id, err)
	}

	return instance, nil
}

func (r *InstanceRepository) readSnapshot(id string) (*models.InstanceSnapshot, error) {
	data, err := os.ReadFile(r.path(id))
	if os.IsNotExist(err) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	var snap models.InstanceSnapshot

	err = json.Unmarshal(data, &snap)
	if err != nil {
		return nil, fmt.Errorf("failed to decode stored instance: %w", err)
	}

	return &snap, nil
}

// ListInstances returns paginated and filtered instances with in-memory operations.
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

	allowedSorts := map[string]bool{
		"started_at":   true,
		"completed_at": true,
		"priority":     true,
	}
	if !allowedSorts[opts.SortBy] {
		return nil, fmt.Errorf("%w: %s", persistence.ErrInvalidSortField, opts.SortBy)
	}

	all, err := r.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	filtered := make([]*models.WorkflowInstance, 0)

	for _, instance := range all {
		if opts.WorkflowID != "" && instance.WorkflowID() != opts.WorkflowID {
			continue
		}

		if opts.Status != nil && instance.Status() != *opts.Status {
			continue
		}

		if opts.TriggeredBy != "" && instance.TriggeredBy() != opts.TriggeredBy {
			continue
		}

		if opts.Priority != nil && instance.Priority() != *opts.Priority {
			continue
		}

		filtered = append(filtered, instance)
	}

	sortInstances(filtered, opts.SortBy, opts.SortOrder)

	totalCount := int64(len(filtered))
	startIdx := opts.Offset
	endIdx := opts.Offset + opts.Limit

	if startIdx >= len(filtered) {
		return &persistence.InstanceListResult{
			Instances:   make([]*models.WorkflowInstance, 0),
			TotalCount:  totalCount,
			HasNextPage: false,
		}, nil
	}

	if endIdx > len(filtered) {
		endIdx = len(filtered)
	}

	return &persistence.InstanceListResult{
		Instances:   filtered[startIdx:endIdx],
		TotalCount:  totalCount,
		HasNextPage: endIdx < len(filtered),
	}, nil
}

// Delete removes the stored instance record.
func (r *InstanceRepository) Delete(ctx context.Context, id string) error {
	err := os.Remove(r.path(id))
	if os.IsNotExist(err) {
		return persistence.NewInstanceError("Delete", id, persistence.ErrInstanceNotFound)
	}

	if err != nil {
		return persistence.NewInstanceError("Delete", id, err)
	}

	return nil
}

// Exists reports whether a record is stored under the id.
func (r *InstanceRepository) Exists(ctx context.Context, id string) (bool, error) {
	_, err := os.Stat(r.path(id))
	if os.IsNotExist(err) {
		return false, nil
	}

	if err != nil {
		return false, persistence.NewInstanceError("Exists", id, err)
	}

	return true, nil
}

// FindActive returns all RUNNING or PAUSED instances.
func (r *InstanceRepository) FindActive(ctx context.Context) ([]*models.WorkflowInstance, error) {
	return r.filterAll(ctx, func(i *models.WorkflowInstance) bool {
		return !i.Status().IsTerminal()
	})
}

// FindExceedingSLA returns active instances past their SLA deadline.
func (r *InstanceRepository) FindExceedingSLA(ctx context.Context, now time.Time) ([]*models.WorkflowInstance, error) {
	return r.filterAll(ctx, func(i *models.WorkflowInstance) bool {
		return !i.Status().IsTerminal() && i.HasExceededSLA(now)
	})
}

// FindFailedWithRetryCountBelow returns failed instances still inside the retry budget.
func (r *InstanceRepository) FindFailedWithRetryCountBelow(ctx context.Context, maxRetries int) ([]*models.WorkflowInstance, error) {
	return r.filterAll(ctx, func(i *models.WorkflowInstance) bool {
		return i.Status() == models.InstanceStatusFailed && i.RetryCount() < maxRetries
	})
}

func (r *InstanceRepository) filterAll(ctx context.Context, keep func(*models.WorkflowInstance) bool) ([]*models.WorkflowInstance, error) {
	all, err := r.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	matched := make([]*models.WorkflowInstance, 0)

	for _, instance := range all {
		if keep(instance) {
			matched = append(matched, instance)
		}
	}

	return matched, nil
}

func (r *InstanceRepository) loadAll(ctx context.Context) ([]*models.WorkflowInstance, error) {
	dir := filepath.Join(r.root, instancesDir)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return make([]*models.WorkflowInstance, 0), nil
	}

	jsonFiles, err := fs.Glob(os.DirFS(dir), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list instance files: %w", err)
	}

	instances := make([]*models.WorkflowInstance, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		id := file[:len(file)-5]

		instance, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load instance %s: %w", id, err)
		}

		if instance != nil {
			instances = append(instances, instance)
		}
	}

	return instances, nil
}

var priorityRank = map[models.Priority]int{
	models.PriorityLow:    0,
	models.PriorityNormal: 1,
	models.PriorityHigh:   2,
	models.PriorityUrgent: 3,
}

func sortInstances(instances []*models.WorkflowInstance, sortBy, sortOrder string) {
	sort.SliceStable(instances, func(a, b int) bool {
		var less bool

		switch sortBy {
		case "completed_at":
			less = timePtrBefore(instances[a].CompletedAt(), instances[b].CompletedAt())
		case "priority":
			less = priorityRank[instances[a].Priority()] < priorityRank[instances[b].Priority()]
		default:
			less = instances[a].StartedAt().Before(instances[b].StartedAt())
		}

		if sortOrder == "desc" {
			return !less
		}

		return less
	})
}

func timePtrBefore(a, b *time.Time) bool {
	if a == nil {
		return b != nil
	}

	if b == nil {
		return false
	}

	return a.Before(*b)
}
