// Package web provides HTTP handlers and REST API endpoints for the workflow runtime.
package web

import (
	"time"

	"github.com/flowlinehq/flowline/pkg/models"
)

// CreateInstanceRequest is the request body for starting a workflow instance.
type CreateInstanceRequest struct {
	WorkflowID  string         `json:"workflow_id"            validate:"required"`
	TriggeredBy string         `json:"triggered_by,omitempty"`
	TriggerType string         `json:"trigger_type,omitempty" validate:"omitempty,oneof=manual scheduled webhook event"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Priority    string         `json:"priority,omitempty"     validate:"omitempty,oneof=low normal high urgent"`
	SLADeadline *time.Time     `json:"sla_deadline,omitempty"`
}

// UpdateInstanceRequest is the request body for partially updating an
// instance's payloads. Absent fields are left untouched.
type UpdateInstanceRequest struct {
	Data      map[string]any `json:"data,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
}

// ExecuteWorkflowRequest is the optional request body for executing a
// workflow; an empty body executes with defaults.
type ExecuteWorkflowRequest struct {
	TriggeredBy string         `json:"triggered_by,omitempty"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
}

// FailInstanceRequest carries the failure details for failing an instance.
type FailInstanceRequest struct {
	ErrorMessage string `json:"error_message" validate:"required"`
	ErrorStep    string `json:"error_step,omitempty"`
}

// UpdateStepRequest moves an instance to a new step.
type UpdateStepRequest struct {
	StepID string `json:"step_id" validate:"required"`
}

// CreateTaskRequest is the request body for creating a task.
type CreateTaskRequest struct {
	InstanceID     string         `json:"instance_id"               validate:"required"`
	StepID         string         `json:"step_id,omitempty"`
	Name           string         `json:"name"                      validate:"required"`
	Description    string         `json:"description,omitempty"`
	TaskType       string         `json:"task_type,omitempty"       validate:"omitempty,oneof=manual approval review form automated"`
	Priority       string         `json:"priority,omitempty"        validate:"omitempty,oneof=low normal high urgent"`
	AssignmentType string         `json:"assignment_type,omitempty" validate:"omitempty,oneof=manual automatic role_based"`
	FormData       map[string]any `json:"form_data,omitempty"`
	FormSchema     map[string]any `json:"form_schema,omitempty"`
	DueDate        *time.Time     `json:"due_date,omitempty"`
	SLAHours       *int           `json:"sla_hours,omitempty"       validate:"omitempty,min=1"`
	SLADeadline    *time.Time     `json:"sla_deadline,omitempty"`
}

// AssignTaskRequest hands a task to an assignee.
type AssignTaskRequest struct {
	AssigneeID string `json:"assignee_id" validate:"required"`
	AssignedBy string `json:"assigned_by,omitempty"`
}

// ActorRequest identifies the user performing a task transition.
type ActorRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

// CompleteTaskRequest finishes a task with an optional result payload.
type CompleteTaskRequest struct {
	UserID string         `json:"user_id" validate:"required"`
	Result map[string]any `json:"result,omitempty"`
}

// RejectTaskRequest declines a task with a reason.
type RejectTaskRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Reason string `json:"reason"  validate:"required"`
}

// UpdateFormDataRequest replaces a task's form payload.
type UpdateFormDataRequest struct {
	FormData map[string]any `json:"form_data" validate:"required"`
}

// AddCommentRequest appends a comment to a task.
type AddCommentRequest struct {
	Author string `json:"author" validate:"required"`
	Body   string `json:"body"   validate:"required"`
}

// AddAttachmentRequest appends an attachment reference to a task.
type AddAttachmentRequest struct {
	Name       string `json:"name"        validate:"required"`
	URL        string `json:"url"         validate:"required,url"`
	UploadedBy string `json:"uploaded_by,omitempty"`
}

// InstanceResponse is the API shape of a workflow instance.
type InstanceResponse struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	Status          string         `json:"status"`
	CurrentStepID   *string        `json:"current_step_id,omitempty"`
	Data            map[string]any `json:"data"`
	Variables       map[string]any `json:"variables"`
	Context         map[string]any `json:"context"`
	TriggeredBy     string         `json:"triggered_by,omitempty"`
	TriggerType     string         `json:"trigger_type"`
	TriggerData     map[string]any `json:"trigger_data"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	PausedAt        *time.Time     `json:"paused_at,omitempty"`
	DurationSeconds *int64         `json:"duration_seconds,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ErrorStep       string         `json:"error_step,omitempty"`
	RetryCount      int            `json:"retry_count"`
	Priority        string         `json:"priority"`
	SLADeadline     *time.Time     `json:"sla_deadline,omitempty"`
}

// TransformInstanceResponse maps an instance aggregate to its API shape.
func TransformInstanceResponse(instance *models.WorkflowInstance) InstanceResponse {
	snap := instance.Snapshot()

	return InstanceResponse{
		ID:              snap.ID,
		WorkflowID:      snap.WorkflowID,
		Status:          snap.Status,
		CurrentStepID:   snap.CurrentStepID,
		Data:            snap.Data,
		Variables:       snap.Variables,
		Context:         snap.Context,
		TriggeredBy:     snap.TriggeredBy,
		TriggerType:     snap.TriggerType,
		TriggerData:     snap.TriggerData,
		StartedAt:       snap.StartedAt,
		CompletedAt:     snap.CompletedAt,
		PausedAt:        snap.PausedAt,
		DurationSeconds: snap.DurationSeconds,
		ErrorMessage:    snap.ErrorMessage,
		ErrorStep:       snap.ErrorStep,
		RetryCount:      snap.RetryCount,
		Priority:        snap.Priority,
		SLADeadline:     snap.SLADeadline,
	}
}

// TaskResponse is the API shape of a workflow task.
type TaskResponse struct {
	ID              string              `json:"id"`
	InstanceID      string              `json:"instance_id"`
	StepID          string              `json:"step_id,omitempty"`
	Name            string              `json:"name"`
	Description     string              `json:"description,omitempty"`
	TaskType        string              `json:"task_type"`
	Status          string              `json:"status"`
	Priority        string              `json:"priority"`
	AssigneeID      string              `json:"assignee_id,omitempty"`
	AssignedBy      string              `json:"assigned_by,omitempty"`
	AssignmentType  string              `json:"assignment_type"`
	FormData        map[string]any      `json:"form_data"`
	FormSchema      map[string]any      `json:"form_schema,omitempty"`
	Attachments     []models.Attachment `json:"attachments"`
	Comments        []models.Comment    `json:"comments"`
	CreatedAt       time.Time           `json:"created_at"`
	AssignedAt      *time.Time          `json:"assigned_at,omitempty"`
	StartedAt       *time.Time          `json:"started_at,omitempty"`
	CompletedAt     *time.Time          `json:"completed_at,omitempty"`
	DueDate         *time.Time          `json:"due_date,omitempty"`
	SLAHours        *int                `json:"sla_hours,omitempty"`
	SLADeadline     *time.Time          `json:"sla_deadline,omitempty"`
	Result          map[string]any      `json:"result,omitempty"`
	CompletedBy     string              `json:"completed_by,omitempty"`
	RejectedBy      string              `json:"rejected_by,omitempty"`
	RejectionReason string              `json:"rejection_reason,omitempty"`
}

// TransformTaskResponse maps a task aggregate to its API shape.
func TransformTaskResponse(task *models.WorkflowTask) TaskResponse {
	snap := task.Snapshot()

	return TaskResponse{
		ID:              snap.ID,
		InstanceID:      snap.InstanceID,
		StepID:          snap.StepID,
		Name:            snap.Name,
		Description:     snap.Description,
		TaskType:        snap.TaskType,
		Status:          snap.Status,
		Priority:        snap.Priority,
		AssigneeID:      snap.AssigneeID,
		AssignedBy:      snap.AssignedBy,
		AssignmentType:  snap.AssignmentType,
		FormData:        snap.FormData,
		FormSchema:      snap.FormSchema,
		Attachments:     snap.Attachments,
		Comments:        snap.Comments,
		CreatedAt:       snap.CreatedAt,
		AssignedAt:      snap.AssignedAt,
		StartedAt:       snap.StartedAt,
		CompletedAt:     snap.CompletedAt,
		DueDate:         snap.DueDate,
		SLAHours:        snap.SLAHours,
		SLADeadline:     snap.SLADeadline,
		Result:          snap.Result,
		CompletedBy:     snap.CompletedBy,
		RejectedBy:      snap.RejectedBy,
		RejectionReason: snap.RejectionReason,
	}
}

// TransformInstanceList maps a page of instances.
func TransformInstanceList(instances []*models.WorkflowInstance) []InstanceResponse {
	out := make([]InstanceResponse, 0, len(instances))
	for _, instance := range instances {
		out = append(out, TransformInstanceResponse(instance))
	}

	return out
}

// TransformTaskList maps a page of tasks.
func TransformTaskList(tasks []*models.WorkflowTask) []TaskResponse {
	out := make([]TaskResponse, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, TransformTaskResponse(task))
	}

	return out
}
