package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/flowlinehq/flowline/pkg/events"
	"github.com/google/uuid"
)

// InstanceStatus represents the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusPaused    InstanceStatus = "paused"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible from the status.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed || s == InstanceStatusCancelled
}

// ParseInstanceStatus normalizes a stored status string into a closed enum value.
// Adapters call this once at the persistence edge.
func ParseInstanceStatus(s string) (InstanceStatus, error) {
	switch InstanceStatus(s) {
	case InstanceStatusRunning, InstanceStatusPaused, InstanceStatusCompleted,
		InstanceStatusFailed, InstanceStatusCancelled:
		return InstanceStatus(s), nil
	default:
		return "", fmt.Errorf("unknown workflow instance status: %q", s)
	}
}

// TriggerType identifies what started a workflow instance.
type TriggerType string

const (
	TriggerTypeManual    TriggerType = "manual"
	TriggerTypeScheduled TriggerType = "scheduled"
	TriggerTypeWebhook   TriggerType = "webhook"
	TriggerTypeEvent     TriggerType = "event"
)

func ParseTriggerType(s string) (TriggerType, error) {
	switch TriggerType(s) {
	case TriggerTypeManual, TriggerTypeScheduled, TriggerTypeWebhook, TriggerTypeEvent:
		return TriggerType(s), nil
	default:
		return "", fmt.Errorf("unknown trigger type: %q", s)
	}
}

// Priority orders instances and tasks for escalation purposes.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return Priority(s), nil
	default:
		return "", fmt.Errorf("unknown priority: %q", s)
	}
}

// WorkflowInstance is the aggregate tracking one execution of a workflow
// definition. All transitions go through its methods; the struct holds no
// synchronization, callers serialize access per instance id.
type WorkflowInstance struct {
	id              string
	workflowID      string
	status          InstanceStatus
	currentStepID   *string
	data            map[string]any
	variables       map[string]any
	contextData     map[string]any
	triggeredBy     string
	triggerType     TriggerType
	triggerData     map[string]any
	startedAt       time.Time
	completedAt     *time.Time
	pausedAt        *time.Time
	durationSeconds *int64
	errorMessage    string
	errorStep       string
	retryCount      int
	priority        Priority
	slaDeadline     *time.Time
	version         int64

	pending []events.Event
}

// InstanceProps carries the caller-supplied fields for creating an instance.
type InstanceProps struct {
	WorkflowID  string
	TriggeredBy string
	TriggerType TriggerType
	TriggerData map[string]any
	Data        map[string]any
	Variables   map[string]any
	Context     map[string]any
	Priority    Priority
	SLADeadline *time.Time
}

// NewWorkflowInstance creates a RUNNING instance and records the creation event.
func NewWorkflowInstance(props InstanceProps) (*WorkflowInstance, error) {
	if props.WorkflowID == "" {
		return nil, errors.New("workflow id is required")
	}

	if props.TriggerType == "" {
		props.TriggerType = TriggerTypeManual
	}

	if props.Priority == "" {
		props.Priority = PriorityNormal
	}

	instance := &WorkflowInstance{
		id:          uuid.New().String(),
		workflowID:  props.WorkflowID,
		status:      InstanceStatusRunning,
		data:        orEmpty(props.Data),
		variables:   orEmpty(props.Variables),
		contextData: orEmpty(props.Context),
		triggeredBy: props.TriggeredBy,
		triggerType: props.TriggerType,
		triggerData: orEmpty(props.TriggerData),
		startedAt:   time.Now().UTC(),
		priority:    props.Priority,
		slaDeadline: props.SLADeadline,
	}

	instance.record(events.InstanceCreated{
		BaseEvent:   events.NewBaseEvent(events.InstanceCreatedEvent),
		InstanceID:  instance.id,
		WorkflowID:  instance.workflowID,
		TriggerType: string(instance.triggerType),
		TriggeredBy: instance.triggeredBy,
		TriggerData: instance.triggerData,
		Priority:    string(instance.priority),
	})

	return instance, nil
}

// InstanceSnapshot is the flat record exchanged with persistence adapters.
type InstanceSnapshot struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	Status          string         `json:"status"`
	CurrentStepID   *string        `json:"current_step_id,omitempty"`
	Data            map[string]any `json:"data"`
	Variables       map[string]any `json:"variables"`
	Context         map[string]any `json:"context"`
	TriggeredBy     string         `json:"triggered_by"`
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
	Version         int64          `json:"version"`
}

// RestoreWorkflowInstance rebuilds an instance from a stored snapshot.
// It records no events: hydration must never look like a new creation.
func RestoreWorkflowInstance(snap InstanceSnapshot) (*WorkflowInstance, error) {
	status, err := ParseInstanceStatus(snap.Status)
	if err != nil {
		return nil, err
	}

	triggerType, err := ParseTriggerType(snap.TriggerType)
	if err != nil {
		return nil, err
	}

	priority, err := ParsePriority(snap.Priority)
	if err != nil {
		return nil, err
	}

	return &WorkflowInstance{
		id:              snap.ID,
		workflowID:      snap.WorkflowID,
		status:          status,
		currentStepID:   snap.CurrentStepID,
		data:            orEmpty(snap.Data),
		variables:       orEmpty(snap.Variables),
		contextData:     orEmpty(snap.Context),
		triggeredBy:     snap.TriggeredBy,
		triggerType:     triggerType,
		triggerData:     orEmpty(snap.TriggerData),
		startedAt:       snap.StartedAt,
		completedAt:     snap.CompletedAt,
		pausedAt:        snap.PausedAt,
		durationSeconds: snap.DurationSeconds,
		errorMessage:    snap.ErrorMessage,
		errorStep:       snap.ErrorStep,
		retryCount:      snap.RetryCount,
		priority:        priority,
		slaDeadline:     snap.SLADeadline,
		version:         snap.Version,
	}, nil
}

// Snapshot returns the flat persistence record for the instance.
func (i *WorkflowInstance) Snapshot() InstanceSnapshot {
	return InstanceSnapshot{
		ID:              i.id,
		WorkflowID:      i.workflowID,
		Status:          string(i.status),
		CurrentStepID:   i.currentStepID,
		Data:            i.data,
		Variables:       i.variables,
		Context:         i.contextData,
		TriggeredBy:     i.triggeredBy,
		TriggerType:     string(i.triggerType),
		TriggerData:     i.triggerData,
		StartedAt:       i.startedAt,
		CompletedAt:     i.completedAt,
		PausedAt:        i.pausedAt,
		DurationSeconds: i.durationSeconds,
		ErrorMessage:    i.errorMessage,
		ErrorStep:       i.errorStep,
		RetryCount:      i.retryCount,
		Priority:        string(i.priority),
		SLADeadline:     i.slaDeadline,
		Version:         i.version,
	}
}

func (i *WorkflowInstance) ID() string                  { return i.id }
func (i *WorkflowInstance) WorkflowID() string          { return i.workflowID }
func (i *WorkflowInstance) Status() InstanceStatus      { return i.status }
func (i *WorkflowInstance) CurrentStepID() *string      { return i.currentStepID }
func (i *WorkflowInstance) Data() map[string]any        { return i.data }
func (i *WorkflowInstance) Variables() map[string]any   { return i.variables }
func (i *WorkflowInstance) Context() map[string]any     { return i.contextData }
func (i *WorkflowInstance) TriggeredBy() string         { return i.triggeredBy }
func (i *WorkflowInstance) TriggerType() TriggerType    { return i.triggerType }
func (i *WorkflowInstance) TriggerData() map[string]any { return i.triggerData }
func (i *WorkflowInstance) StartedAt() time.Time        { return i.startedAt }
func (i *WorkflowInstance) CompletedAt() *time.Time     { return i.completedAt }
func (i *WorkflowInstance) PausedAt() *time.Time        { return i.pausedAt }
func (i *WorkflowInstance) DurationSeconds() *int64     { return i.durationSeconds }
func (i *WorkflowInstance) ErrorMessage() string        { return i.errorMessage }
func (i *WorkflowInstance) ErrorStep() string           { return i.errorStep }
func (i *WorkflowInstance) RetryCount() int             { return i.retryCount }
func (i *WorkflowInstance) Priority() Priority          { return i.priority }
func (i *WorkflowInstance) SLADeadline() *time.Time     { return i.slaDeadline }
func (i *WorkflowInstance) Version() int64              { return i.version }

// Complete finishes a RUNNING or PAUSED instance. Completing an already
// completed instance is a no-op so handler retries stay safe.
func (i *WorkflowInstance) Complete() error {
	if i.status == InstanceStatusCompleted {
		return nil
	}

	if i.status != InstanceStatusRunning && i.status != InstanceStatusPaused {
		return newTransitionError("cannot complete workflow instance with status %s", i.status)
	}

	now := time.Now().UTC()
	duration := int64(now.Sub(i.startedAt).Seconds())

	i.status = InstanceStatusCompleted
	i.completedAt = &now
	i.durationSeconds = &duration
	i.pausedAt = nil

	i.record(events.InstanceCompleted{
		BaseEvent:       events.NewBaseEvent(events.InstanceCompletedEvent),
		InstanceID:      i.id,
		WorkflowID:      i.workflowID,
		DurationSeconds: duration,
	})

	return nil
}

// Fail marks the instance FAILED with an error message and the step it failed
// at. Legal from any status except COMPLETED, so a cancelled or already failed
// instance can still record a later failure cause.
func (i *WorkflowInstance) Fail(message, step string) error {
	if i.status == InstanceStatusCompleted {
		return newTransitionError("cannot fail a completed workflow instance")
	}

	now := time.Now().UTC()

	i.status = InstanceStatusFailed
	i.errorMessage = message
	i.errorStep = step
	i.completedAt = &now
	i.pausedAt = nil

	i.record(events.InstanceFailed{
		BaseEvent:    events.NewBaseEvent(events.InstanceFailedEvent),
		InstanceID:   i.id,
		WorkflowID:   i.workflowID,
		ErrorMessage: message,
		ErrorStep:    step,
		RetryCount:   i.retryCount,
	})

	return nil
}

// Cancel stops a non-terminal instance. Already completed or cancelled
// instances are left untouched.
func (i *WorkflowInstance) Cancel() error {
	if i.status == InstanceStatusCompleted || i.status == InstanceStatusCancelled {
		return nil
	}

	if i.status == InstanceStatusFailed {
		return newTransitionError("cannot cancel workflow instance with status %s", i.status)
	}

	now := time.Now().UTC()

	i.status = InstanceStatusCancelled
	i.completedAt = &now
	i.pausedAt = nil

	i.record(events.InstanceCancelled{
		BaseEvent:  events.NewBaseEvent(events.InstanceCancelledEvent),
		InstanceID: i.id,
		WorkflowID: i.workflowID,
	})

	return nil
}

// Pause suspends a RUNNING instance.
func (i *WorkflowInstance) Pause() error {
	if i.status != InstanceStatusRunning {
		return newTransitionError("cannot pause workflow instance with status %s", i.status)
	}

	now := time.Now().UTC()

	i.status = InstanceStatusPaused
	i.pausedAt = &now

	stepID := ""
	if i.currentStepID != nil {
		stepID = *i.currentStepID
	}

	i.record(events.InstancePaused{
		BaseEvent:  events.NewBaseEvent(events.InstancePausedEvent),
		InstanceID: i.id,
		WorkflowID: i.workflowID,
		StepID:     stepID,
	})

	return nil
}

// Resume returns a PAUSED instance to RUNNING and clears pausedAt.
func (i *WorkflowInstance) Resume() error {
	if i.status != InstanceStatusPaused {
		return newTransitionError("cannot resume workflow instance with status %s", i.status)
	}

	i.status = InstanceStatusRunning
	i.pausedAt = nil

	i.record(events.InstanceResumed{
		BaseEvent:  events.NewBaseEvent(events.InstanceResumedEvent),
		InstanceID: i.id,
		WorkflowID: i.workflowID,
	})

	return nil
}

// UpdateCurrentStep moves the step pointer. Only valid while RUNNING; the
// step-graph interpreter that would drive this is an extension point.
func (i *WorkflowInstance) UpdateCurrentStep(stepID string) error {
	if i.status != InstanceStatusRunning {
		return newTransitionError("cannot update current step of workflow instance with status %s", i.status)
	}

	i.currentStepID = &stepID

	i.record(events.InstanceStepChanged{
		BaseEvent:  events.NewBaseEvent(events.InstanceStepChangedEvent),
		InstanceID: i.id,
		WorkflowID: i.workflowID,
		StepID:     stepID,
	})

	return nil
}

// IncrementRetryCount bumps the caller-driven retry counter.
func (i *WorkflowInstance) IncrementRetryCount() {
	i.retryCount++
}

// UpdateData replaces the instance data payload. No status guard: callers may
// attach data to terminal instances, matching the permissive update semantics.
func (i *WorkflowInstance) UpdateData(data map[string]any) {
	i.data = orEmpty(data)
}

// UpdateVariables replaces the instance variables payload.
func (i *WorkflowInstance) UpdateVariables(variables map[string]any) {
	i.variables = orEmpty(variables)
}

// UpdateContext replaces the instance context payload.
func (i *WorkflowInstance) UpdateContext(contextData map[string]any) {
	i.contextData = orEmpty(contextData)
}

// HasExceededSLA reports whether the instance passed its SLA deadline.
// Instances without a deadline never exceed it.
func (i *WorkflowInstance) HasExceededSLA(now time.Time) bool {
	return i.slaDeadline != nil && now.After(*i.slaDeadline)
}

// UncommittedEvents returns the events recorded since the last ClearEvents call.
func (i *WorkflowInstance) UncommittedEvents() []events.Event {
	out := make([]events.Event, len(i.pending))
	copy(out, i.pending)

	return out
}

// ClearEvents drops the pending events. Callers capture them first and clear
// exactly once per persisted batch.
func (i *WorkflowInstance) ClearEvents() {
	i.pending = nil
}

func (i *WorkflowInstance) record(event events.Event) {
	i.pending = append(i.pending, event)
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}

	return m
}
