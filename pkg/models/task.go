package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/flowlinehq/flowline/pkg/events"
	"github.com/google/uuid"
)

// TaskStatus represents the lifecycle state of a workflow task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusRejected   TaskStatus = "rejected"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusRejected || s == TaskStatusCancelled
}

func ParseTaskStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case TaskStatusPending, TaskStatusInProgress, TaskStatusCompleted,
		TaskStatusRejected, TaskStatusCancelled:
		return TaskStatus(s), nil
	default:
		return "", fmt.Errorf("unknown task status: %q", s)
	}
}

// TaskType classifies the unit of work a task represents.
type TaskType string

const (
	TaskTypeManual    TaskType = "manual"
	TaskTypeApproval  TaskType = "approval"
	TaskTypeReview    TaskType = "review"
	TaskTypeForm      TaskType = "form"
	TaskTypeAutomated TaskType = "automated"
)

func ParseTaskType(s string) (TaskType, error) {
	switch TaskType(s) {
	case TaskTypeManual, TaskTypeApproval, TaskTypeReview, TaskTypeForm, TaskTypeAutomated:
		return TaskType(s), nil
	default:
		return "", fmt.Errorf("unknown task type: %q", s)
	}
}

// AssignmentType records how a task was routed to its assignee.
type AssignmentType string

const (
	AssignmentTypeManual    AssignmentType = "manual"
	AssignmentTypeAutomatic AssignmentType = "automatic"
	AssignmentTypeRoleBased AssignmentType = "role_based"
)

func ParseAssignmentType(s string) (AssignmentType, error) {
	switch AssignmentType(s) {
	case AssignmentTypeManual, AssignmentTypeAutomatic, AssignmentTypeRoleBased:
		return AssignmentType(s), nil
	default:
		return "", fmt.Errorf("unknown assignment type: %q", s)
	}
}

// Comment is a free-form note attached to a task.
type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Attachment references an externally stored file attached to a task.
type Attachment struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	UploadedBy string    `json:"uploaded_by"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// WorkflowTask is the aggregate for one unit of work spawned by a workflow
// instance. The instance id is a weak reference: the task carries its own
// lifecycle and never reaches into the instance.
type WorkflowTask struct {
	id              string
	instanceID      string
	stepID          string
	name            string
	description     string
	taskType        TaskType
	status          TaskStatus
	priority        Priority
	assigneeID      string
	assignedBy      string
	assignmentType  AssignmentType
	formData        map[string]any
	formSchema      map[string]any
	attachments     []Attachment
	comments        []Comment
	createdAt       time.Time
	assignedAt      *time.Time
	startedAt       *time.Time
	completedAt     *time.Time
	dueDate         *time.Time
	slaHours        *int
	slaDeadline     *time.Time
	result          map[string]any
	completedBy     string
	rejectedBy      string
	rejectionReason string
	version         int64

	pending []events.Event
}

// TaskProps carries the caller-supplied fields for creating a task.
type TaskProps struct {
	InstanceID     string
	StepID         string
	Name           string
	Description    string
	TaskType       TaskType
	Priority       Priority
	AssignmentType AssignmentType
	FormData       map[string]any
	FormSchema     map[string]any
	DueDate        *time.Time
	SLAHours       *int
	SLADeadline    *time.Time
}

// NewWorkflowTask creates a PENDING task and records the creation event.
// A task with SLA hours and no explicit deadline gets one derived from now.
func NewWorkflowTask(props TaskProps) (*WorkflowTask, error) {
	if props.InstanceID == "" {
		return nil, errors.New("instance id is required")
	}

	if props.Name == "" {
		return nil, errors.New("task name is required")
	}

	if props.TaskType == "" {
		props.TaskType = TaskTypeManual
	}

	if props.Priority == "" {
		props.Priority = PriorityNormal
	}

	if props.AssignmentType == "" {
		props.AssignmentType = AssignmentTypeManual
	}

	now := time.Now().UTC()

	slaDeadline := props.SLADeadline
	if slaDeadline == nil && props.SLAHours != nil {
		deadline := now.Add(time.Duration(*props.SLAHours) * time.Hour)
		slaDeadline = &deadline
	}

	task := &WorkflowTask{
		id:             uuid.New().String(),
		instanceID:     props.InstanceID,
		stepID:         props.StepID,
		name:           props.Name,
		description:    props.Description,
		taskType:       props.TaskType,
		status:         TaskStatusPending,
		priority:       props.Priority,
		assignmentType: props.AssignmentType,
		formData:       orEmpty(props.FormData),
		formSchema:     props.FormSchema,
		attachments:    make([]Attachment, 0),
		comments:       make([]Comment, 0),
		createdAt:      now,
		dueDate:        props.DueDate,
		slaHours:       props.SLAHours,
		slaDeadline:    slaDeadline,
	}

	task.record(events.TaskCreated{
		BaseEvent:  events.NewBaseEvent(events.TaskCreatedEvent),
		TaskID:     task.id,
		InstanceID: task.instanceID,
		StepID:     task.stepID,
		Name:       task.name,
		TaskType:   string(task.taskType),
		Priority:   string(task.priority),
	})

	return task, nil
}

// TaskSnapshot is the flat record exchanged with persistence adapters.
type TaskSnapshot struct {
	ID              string         `json:"id"`
	InstanceID      string         `json:"instance_id"`
	StepID          string         `json:"step_id,omitempty"`
	Name            string         `json:"name"`
	Description     string         `json:"description,omitempty"`
	TaskType        string         `json:"task_type"`
	Status          string         `json:"status"`
	Priority        string         `json:"priority"`
	AssigneeID      string         `json:"assignee_id,omitempty"`
	AssignedBy      string         `json:"assigned_by,omitempty"`
	AssignmentType  string         `json:"assignment_type"`
	FormData        map[string]any `json:"form_data"`
	FormSchema      map[string]any `json:"form_schema,omitempty"`
	Attachments     []Attachment   `json:"attachments"`
	Comments        []Comment      `json:"comments"`
	CreatedAt       time.Time      `json:"created_at"`
	AssignedAt      *time.Time     `json:"assigned_at,omitempty"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	DueDate         *time.Time     `json:"due_date,omitempty"`
	SLAHours        *int           `json:"sla_hours,omitempty"`
	SLADeadline     *time.Time     `json:"sla_deadline,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	CompletedBy     string         `json:"completed_by,omitempty"`
	RejectedBy      string         `json:"rejected_by,omitempty"`
	RejectionReason string         `json:"rejection_reason,omitempty"`
	Version         int64          `json:"version"`
}

// RestoreWorkflowTask rebuilds a task from a stored snapshot without
// recording any events.
func RestoreWorkflowTask(snap TaskSnapshot) (*WorkflowTask, error) {
	status, err := ParseTaskStatus(snap.Status)
	if err != nil {
		return nil, err
	}

	taskType, err := ParseTaskType(snap.TaskType)
	if err != nil {
		return nil, err
	}

	priority, err := ParsePriority(snap.Priority)
	if err != nil {
		return nil, err
	}

	assignmentType, err := ParseAssignmentType(snap.AssignmentType)
	if err != nil {
		return nil, err
	}

	attachments := snap.Attachments
	if attachments == nil {
		attachments = make([]Attachment, 0)
	}

	comments := snap.Comments
	if comments == nil {
		comments = make([]Comment, 0)
	}

	return &WorkflowTask{
		id:              snap.ID,
		instanceID:      snap.InstanceID,
		stepID:          snap.StepID,
		name:            snap.Name,
		description:     snap.Description,
		taskType:        taskType,
		status:          status,
		priority:        priority,
		assigneeID:      snap.AssigneeID,
		assignedBy:      snap.AssignedBy,
		assignmentType:  assignmentType,
		formData:        orEmpty(snap.FormData),
		formSchema:      snap.FormSchema,
		attachments:     attachments,
		comments:        comments,
		createdAt:       snap.CreatedAt,
		assignedAt:      snap.AssignedAt,
		startedAt:       snap.StartedAt,
		completedAt:     snap.CompletedAt,
		dueDate:         snap.DueDate,
		slaHours:        snap.SLAHours,
		slaDeadline:     snap.SLADeadline,
		result:          snap.Result,
		completedBy:     snap.CompletedBy,
		rejectedBy:      snap.RejectedBy,
		rejectionReason: snap.RejectionReason,
		version:         snap.Version,
	}, nil
}

// Snapshot returns the flat persistence record for the task.
func (t *WorkflowTask) Snapshot() TaskSnapshot {
	return TaskSnapshot{
		ID:              t.id,
		InstanceID:      t.instanceID,
		StepID:          t.stepID,
		Name:            t.name,
		Description:     t.description,
		TaskType:        string(t.taskType),
		Status:          string(t.status),
		Priority:        string(t.priority),
		AssigneeID:      t.assigneeID,
		AssignedBy:      t.assignedBy,
		AssignmentType:  string(t.assignmentType),
		FormData:        t.formData,
		FormSchema:      t.formSchema,
		Attachments:     t.attachments,
		Comments:        t.comments,
		CreatedAt:       t.createdAt,
		AssignedAt:      t.assignedAt,
		StartedAt:       t.startedAt,
		CompletedAt:     t.completedAt,
		DueDate:         t.dueDate,
		SLAHours:        t.slaHours,
		SLADeadline:     t.slaDeadline,
		Result:          t.result,
		CompletedBy:     t.completedBy,
		RejectedBy:      t.rejectedBy,
		RejectionReason: t.rejectionReason,
		Version:         t.version,
	}
}

func (t *WorkflowTask) ID() string                     { return t.id }
func (t *WorkflowTask) InstanceID() string             { return t.instanceID }
func (t *WorkflowTask) StepID() string                 { return t.stepID }
func (t *WorkflowTask) Name() string                   { return t.name }
func (t *WorkflowTask) Description() string            { return t.description }
func (t *WorkflowTask) TaskType() TaskType             { return t.taskType }
func (t *WorkflowTask) Status() TaskStatus             { return t.status }
func (t *WorkflowTask) Priority() Priority             { return t.priority }
func (t *WorkflowTask) AssigneeID() string             { return t.assigneeID }
func (t *WorkflowTask) AssignedBy() string             { return t.assignedBy }
func (t *WorkflowTask) AssignmentType() AssignmentType { return t.assignmentType }
func (t *WorkflowTask) FormData() map[string]any       { return t.formData }
func (t *WorkflowTask) FormSchema() map[string]any     { return t.formSchema }
func (t *WorkflowTask) Attachments() []Attachment      { return t.attachments }
func (t *WorkflowTask) Comments() []Comment            { return t.comments }
func (t *WorkflowTask) CreatedAt() time.Time           { return t.createdAt }
func (t *WorkflowTask) AssignedAt() *time.Time         { return t.assignedAt }
func (t *WorkflowTask) StartedAt() *time.Time          { return t.startedAt }
func (t *WorkflowTask) CompletedAt() *time.Time        { return t.completedAt }
func (t *WorkflowTask) DueDate() *time.Time            { return t.dueDate }
func (t *WorkflowTask) SLAHours() *int                 { return t.slaHours }
func (t *WorkflowTask) SLADeadline() *time.Time        { return t.slaDeadline }
func (t *WorkflowTask) Result() map[string]any         { return t.result }
func (t *WorkflowTask) CompletedBy() string            { return t.completedBy }
func (t *WorkflowTask) RejectedBy() string             { return t.rejectedBy }
func (t *WorkflowTask) RejectionReason() string        { return t.rejectionReason }
func (t *WorkflowTask) Version() int64                 { return t.version }

// AssignTo hands a PENDING task to an assignee. Reassignment is not
// supported; an already assigned task must be cancelled and recreated.
func (t *WorkflowTask) AssignTo(assigneeID, assignedBy string) error {
	if t.status != TaskStatusPending {
		return newTransitionError("cannot assign task with status %s", t.status)
	}

	now := time.Now().UTC()

	t.assigneeID = assigneeID
	t.assignedBy = assignedBy
	t.assignedAt = &now

	t.record(events.TaskAssigned{
		BaseEvent:  events.NewBaseEvent(events.TaskAssignedEvent),
		TaskID:     t.id,
		InstanceID: t.instanceID,
		AssigneeID: assigneeID,
		AssignedBy: assignedBy,
	})

	return nil
}

// Start moves a PENDING task to IN_PROGRESS. Only the recorded assignee may
// start it; the ownership check runs before the status check so a mismatched
// actor always sees the permission error.
func (t *WorkflowTask) Start(userID string) error {
	if t.assigneeID == "" || t.assigneeID != userID {
		return ErrTaskNotAssignedToUser
	}

	if t.status != TaskStatusPending {
		return newTransitionError("cannot start task with status %s", t.status)
	}

	now := time.Now().UTC()

	t.status = TaskStatusInProgress
	t.startedAt = &now

	t.record(events.TaskStarted{
		BaseEvent:  events.NewBaseEvent(events.TaskStartedEvent),
		TaskID:     t.id,
		InstanceID: t.instanceID,
		StartedBy:  userID,
	})

	return nil
}

// Complete finishes an IN_PROGRESS task with an optional result payload.
func (t *WorkflowTask) Complete(userID string, result map[string]any) error {
	if t.assigneeID == "" || t.assigneeID != userID {
		return ErrTaskNotAssignedToUser
	}

	if t.status != TaskStatusInProgress {
		return newTransitionError("cannot complete task with status %s", t.status)
	}

	now := time.Now().UTC()

	t.status = TaskStatusCompleted
	t.completedAt = &now
	t.completedBy = userID
	t.result = result

	t.record(events.TaskCompleted{
		BaseEvent:   events.NewBaseEvent(events.TaskCompletedEvent),
		TaskID:      t.id,
		InstanceID:  t.instanceID,
		CompletedBy: userID,
		Result:      result,
	})

	return nil
}

// Reject declines a PENDING or IN_PROGRESS task with a reason.
func (t *WorkflowTask) Reject(userID, reason string) error {
	if t.assigneeID == "" || t.assigneeID != userID {
		return ErrTaskNotAssignedToUser
	}

	if t.status != TaskStatusPending && t.status != TaskStatusInProgress {
		return newTransitionError("cannot reject task with status %s", t.status)
	}

	now := time.Now().UTC()

	t.status = TaskStatusRejected
	t.completedAt = &now
	t.rejectedBy = userID
	t.rejectionReason = reason

	t.record(events.TaskRejected{
		BaseEvent:       events.NewBaseEvent(events.TaskRejectedEvent),
		TaskID:          t.id,
		InstanceID:      t.instanceID,
		RejectedBy:      userID,
		RejectionReason: reason,
	})

	return nil
}

// Cancel withdraws a non-terminal task. Terminal tasks are left untouched.
func (t *WorkflowTask) Cancel() error {
	if t.status.IsTerminal() {
		return nil
	}

	t.status = TaskStatusCancelled

	t.record(events.TaskCancelled{
		BaseEvent:  events.NewBaseEvent(events.TaskCancelledEvent),
		TaskID:     t.id,
		InstanceID: t.instanceID,
	})

	return nil
}

// UpdateFormData replaces the form payload. Allowed at any status.
func (t *WorkflowTask) UpdateFormData(formData map[string]any) {
	t.formData = orEmpty(formData)
}

// AddComment appends a comment and returns it.
func (t *WorkflowTask) AddComment(author, body string) Comment {
	comment := Comment{
		ID:        uuid.New().String(),
		Author:    author,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}

	t.comments = append(t.comments, comment)

	return comment
}

// AddAttachment appends an attachment reference and returns it.
func (t *WorkflowTask) AddAttachment(name, url, uploadedBy string) Attachment {
	attachment := Attachment{
		ID:         uuid.New().String(),
		Name:       name,
		URL:        url,
		UploadedBy: uploadedBy,
		UploadedAt: time.Now().UTC(),
	}

	t.attachments = append(t.attachments, attachment)

	return attachment
}

// IsOverdue reports whether the task passed its due date.
func (t *WorkflowTask) IsOverdue(now time.Time) bool {
	return t.dueDate != nil && now.After(*t.dueDate)
}

// HasExceededSLA reports whether the task passed its SLA deadline.
func (t *WorkflowTask) HasExceededSLA(now time.Time) bool {
	return t.slaDeadline != nil && now.After(*t.slaDeadline)
}

// UncommittedEvents returns the events recorded since the last ClearEvents call.
func (t *WorkflowTask) UncommittedEvents() []events.Event {
	out := make([]events.Event, len(t.pending))
	copy(out, t.pending)

	return out
}

// ClearEvents drops the pending events.
func (t *WorkflowTask) ClearEvents() {
	t.pending = nil
}

func (t *WorkflowTask) record(event events.Event) {
	t.pending = append(t.pending, event)
}
