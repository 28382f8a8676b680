// Package events defines the domain events emitted by workflow instances and tasks.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic is the single stream all runtime events are published to.
const Topic = "flowline.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Workflow instance lifecycle events.
	InstanceCreatedEvent        EventType = "instance.created"
	InstanceCompletedEvent      EventType = "instance.completed"
	InstanceFailedEvent         EventType = "instance.failed"
	InstanceCancelledEvent      EventType = "instance.cancelled"
	InstancePausedEvent         EventType = "instance.paused"
	InstanceResumedEvent        EventType = "instance.resumed"
	InstanceStepChangedEvent    EventType = "instance.step.changed"
	InstanceRetryRequestedEvent EventType = "instance.retry.requested"
	InstanceSLAExceededEvent    EventType = "instance.sla.exceeded"

	// Task lifecycle events.
	TaskCreatedEvent   EventType = "task.created"
	TaskAssignedEvent  EventType = "task.assigned"
	TaskStartedEvent   EventType = "task.started"
	TaskCompletedEvent EventType = "task.completed"
	TaskRejectedEvent  EventType = "task.rejected"
	TaskCancelledEvent EventType = "task.cancelled"
	TaskOverdueEvent   EventType = "task.overdue"
)

// Event is the contract every domain event satisfies. Aggregates collect
// events internally; handlers publish them after the aggregate is persisted.
type Event interface {
	GetType() EventType
}

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType) BaseEvent {
	return BaseEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Metadata:  make(map[string]any),
	}
}

// Workflow instance events

type InstanceCreated struct {
	BaseEvent

	InstanceID  string         `json:"instance_id"`
	WorkflowID  string         `json:"workflow_id"`
	TriggerType string         `json:"trigger_type"`
	TriggeredBy string         `json:"triggered_by"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
	Priority    string         `json:"priority"`
}

func (e InstanceCreated) GetType() EventType {
	return InstanceCreatedEvent
}

type InstanceCompleted struct {
	BaseEvent

	InstanceID      string `json:"instance_id"`
	WorkflowID      string `json:"workflow_id"`
	DurationSeconds int64  `json:"duration_seconds"`
}

func (e InstanceCompleted) GetType() EventType {
	return InstanceCompletedEvent
}

type InstanceFailed struct {
	BaseEvent

	InstanceID   string `json:"instance_id"`
	WorkflowID   string `json:"workflow_id"`
	ErrorMessage string `json:"error_message"`
	ErrorStep    string `json:"error_step,omitempty"`
	RetryCount   int    `json:"retry_count"`
}

func (e InstanceFailed) GetType() EventType {
	return InstanceFailedEvent
}

type InstanceCancelled struct {
	BaseEvent

	InstanceID string `json:"instance_id"`
	WorkflowID string `json:"workflow_id"`
}

func (e InstanceCancelled) GetType() EventType {
	return InstanceCancelledEvent
}

type InstancePaused struct {
	BaseEvent

	InstanceID string `json:"instance_id"`
	WorkflowID string `json:"workflow_id"`
	StepID     string `json:"step_id,omitempty"`
}

func (e InstancePaused) GetType() EventType {
	return InstancePausedEvent
}

type InstanceResumed struct {
	BaseEvent

	InstanceID string `json:"instance_id"`
	WorkflowID string `json:"workflow_id"`
}

func (e InstanceResumed) GetType() EventType {
	return InstanceResumedEvent
}

type InstanceStepChanged struct {
	BaseEvent

	InstanceID string `json:"instance_id"`
	WorkflowID string `json:"workflow_id"`
	StepID     string `json:"step_id"`
}

func (e InstanceStepChanged) GetType() EventType {
	return InstanceStepChangedEvent
}

// InstanceRetryRequested is published by the sweeper when a failed instance
// still has retry budget left. Consumers re-enter via create or resume.
type InstanceRetryRequested struct {
	BaseEvent

	InstanceID string `json:"instance_id"`
	WorkflowID string `json:"workflow_id"`
	RetryCount int    `json:"retry_count"`
}

func (e InstanceRetryRequested) GetType() EventType {
	return InstanceRetryRequestedEvent
}

type InstanceSLAExceeded struct {
	BaseEvent

	InstanceID  string    `json:"instance_id"`
	WorkflowID  string    `json:"workflow_id"`
	SLADeadline time.Time `json:"sla_deadline"`
}

func (e InstanceSLAExceeded) GetType() EventType {
	return InstanceSLAExceededEvent
}

// Task events

type TaskCreated struct {
	BaseEvent

	TaskID     string `json:"task_id"`
	InstanceID string `json:"instance_id"`
	StepID     string `json:"step_id"`
	Name       string `json:"name"`
	TaskType   string `json:"task_type"`
	Priority   string `json:"priority"`
}

func (e TaskCreated) GetType() EventType {
	return TaskCreatedEvent
}

type TaskAssigned struct {
	BaseEvent

	TaskID     string `json:"task_id"`
	InstanceID string `json:"instance_id"`
	AssigneeID string `json:"assignee_id"`
	AssignedBy string `json:"assigned_by"`
}

func (e TaskAssigned) GetType() EventType {
	return TaskAssignedEvent
}

type TaskStarted struct {
	BaseEvent

	TaskID     string `json:"task_id"`
	InstanceID string `json:"instance_id"`
	StartedBy  string `json:"started_by"`
}

func (e TaskStarted) GetType() EventType {
	return TaskStartedEvent
}

type TaskCompleted struct {
	BaseEvent

	TaskID      string         `json:"task_id"`
	InstanceID  string         `json:"instance_id"`
	CompletedBy string         `json:"completed_by"`
	Result      map[string]any `json:"result,omitempty"`
}

func (e TaskCompleted) GetType() EventType {
	return TaskCompletedEvent
}

type TaskRejected struct {
	BaseEvent

	TaskID          string `json:"task_id"`
	InstanceID      string `json:"instance_id"`
	RejectedBy      string `json:"rejected_by"`
	RejectionReason string `json:"rejection_reason"`
}

func (e TaskRejected) GetType() EventType {
	return TaskRejectedEvent
}

type TaskCancelled struct {
	BaseEvent

	TaskID     string `json:"task_id"`
	InstanceID string `json:"instance_id"`
}

func (e TaskCancelled) GetType() EventType {
	return TaskCancelledEvent
}

// TaskOverdue is published by the sweeper when a task passes its due date.
type TaskOverdue struct {
	BaseEvent

	TaskID     string    `json:"task_id"`
	InstanceID string    `json:"instance_id"`
	AssigneeID string    `json:"assignee_id,omitempty"`
	DueDate    time.Time `json:"due_date"`
}

func (e TaskOverdue) GetType() EventType {
	return TaskOverdueEvent
}
