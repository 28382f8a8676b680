package models

import (
	"testing"
	"time"

	"github.com/flowlinehq/flowline/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunningInstance(t *testing.T) *WorkflowInstance {
	t.Helper()

	instance, err := NewWorkflowInstance(InstanceProps{
		WorkflowID:  "workflow-1",
		TriggeredBy: "user-1",
	})
	require.NoError(t, err)

	return instance
}

func TestNewWorkflowInstance(t *testing.T) {
	instance, err := NewWorkflowInstance(InstanceProps{
		WorkflowID:  "workflow-1",
		TriggeredBy: "user-1",
		TriggerData: map[string]any{"source": "api"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, instance.ID())
	assert.Equal(t, "workflow-1", instance.WorkflowID())
	assert.Equal(t, InstanceStatusRunning, instance.Status())
	assert.Equal(t, TriggerTypeManual, instance.TriggerType())
	assert.Equal(t, PriorityNormal, instance.Priority())
	assert.False(t, instance.StartedAt().IsZero())
	assert.Nil(t, instance.CompletedAt())
	assert.Nil(t, instance.PausedAt())
	assert.Equal(t, 0, instance.RetryCount())

	pending := instance.UncommittedEvents()
	require.Len(t, pending, 1)
	assert.Equal(t, events.InstanceCreatedEvent, pending[0].GetType())
}

func TestNewWorkflowInstance_MissingWorkflowID(t *testing.T) {
	instance, err := NewWorkflowInstance(InstanceProps{})
	assert.Error(t, err)
	assert.Nil(t, instance)
}

func TestWorkflowInstance_Complete(t *testing.T) {
	started := time.Now().UTC().Add(-5 * time.Second)
	instance, err := RestoreWorkflowInstance(InstanceSnapshot{
		ID:          "instance-1",
		WorkflowID:  "workflow-1",
		Status:      string(InstanceStatusRunning),
		TriggerType: string(TriggerTypeManual),
		Priority:    string(PriorityNormal),
		StartedAt:   started,
	})
	require.NoError(t, err)

	err = instance.Complete()
	require.NoError(t, err)

	assert.Equal(t, InstanceStatusCompleted, instance.Status())
	require.NotNil(t, instance.CompletedAt())
	require.NotNil(t, instance.DurationSeconds())
	assert.Equal(t, int64(5), *instance.DurationSeconds())

	pending := instance.UncommittedEvents()
	require.Len(t, pending, 1)
	assert.Equal(t, events.InstanceCompletedEvent, pending[0].GetType())
}

func TestWorkflowInstance_Complete_Idempotent(t *testing.T) {
	instance := newRunningInstance(t)
	require.NoError(t, instance.Complete())

	completedAt := instance.CompletedAt()
	duration := instance.DurationSeconds()
	eventCount := len(instance.UncommittedEvents())

	// A second complete is a no-op: same status, timestamps, and event count.
	require.NoError(t, instance.Complete())

	assert.Equal(t, InstanceStatusCompleted, instance.Status())
	assert.Equal(t, completedAt, instance.CompletedAt())
	assert.Equal(t, duration, instance.DurationSeconds())
	assert.Len(t, instance.UncommittedEvents(), eventCount)
}

func TestWorkflowInstance_Complete_FromPaused(t *testing.T) {
	instance := newRunningInstance(t)
	require.NoError(t, instance.Pause())

	err := instance.Complete()
	require.NoError(t, err)
	assert.Equal(t, InstanceStatusCompleted, instance.Status())
	assert.Nil(t, instance.PausedAt())
}

func TestWorkflowInstance_Complete_FromCancelled(t *testing.T) {
	instance := newRunningInstance(t)
	require.NoError(t, instance.Cancel())

	err := instance.Complete()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "cannot complete workflow instance with status cancelled")
}

func TestWorkflowInstance_Fail(t *testing.T) {
	instance := newRunningInstance(t)

	err := instance.Fail("step timed out", "step-3")
	require.NoError(t, err)

	assert.Equal(t, InstanceStatusFailed, instance.Status())
	assert.Equal(t, "step timed out", instance.ErrorMessage())
	assert.Equal(t, "step-3", instance.ErrorStep())
	assert.NotNil(t, instance.CompletedAt())
	assert.Nil(t, instance.DurationSeconds())
}

func TestWorkflowInstance_Fail_Completed(t *testing.T) {
	instance := newRunningInstance(t)
	require.NoError(t, instance.Complete())

	err := instance.Fail("late failure", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "cannot fail a completed workflow instance")
	assert.Equal(t, InstanceStatusCompleted, instance.Status())
}

func TestWorkflowInstance_Cancel(t *testing.T) {
	instance := newRunningInstance(t)

	require.NoError(t, instance.Cancel())
	assert.Equal(t, InstanceStatusCancelled, instance.Status())
	assert.NotNil(t, instance.CompletedAt())
}

func TestWorkflowInstance_Cancel_CompletedIsNoop(t *testing.T) {
	instance := newRunningInstance(t)
	require.NoError(t, instance.Complete())

	eventCount := len(instance.UncommittedEvents())

	require.NoError(t, instance.Cancel())
	assert.Equal(t, InstanceStatusCompleted, instance.Status())
	assert.Len(t, instance.UncommittedEvents(), eventCount)
}

func TestWorkflowInstance_Cancel_CancelledIsNoop(t *testing.T) {
	instance := newRunningInstance(t)
	require.NoError(t, instance.Cancel())

	eventCount := len(instance.UncommittedEvents())

	require.NoError(t, instance.Cancel())
	assert.Equal(t, InstanceStatusCancelled, instance.Status())
	assert.Len(t, instance.UncommittedEvents(), eventCount)
}

func TestWorkflowInstance_PauseResume(t *testing.T) {
	instance := newRunningInstance(t)

	require.NoError(t, instance.Pause())
	assert.Equal(t, InstanceStatusPaused, instance.Status())
	assert.NotNil(t, instance.PausedAt())

	require.NoError(t, instance.Resume())
	assert.Equal(t, InstanceStatusRunning, instance.Status())
	assert.Nil(t, instance.PausedAt())
}

func TestWorkflowInstance_Pause_IllegalStatuses(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, i *WorkflowInstance)
	}{
		{"paused", func(t *testing.T, i *WorkflowInstance) { require.NoError(t, i.Pause()) }},
		{"completed", func(t *testing.T, i *WorkflowInstance) { require.NoError(t, i.Complete()) }},
		{"failed", func(t *testing.T, i *WorkflowInstance) { require.NoError(t, i.Fail("boom", "")) }},
		{"cancelled", func(t *testing.T, i *WorkflowInstance) { require.NoError(t, i.Cancel()) }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			instance := newRunningInstance(t)
			tc.prepare(t, instance)

			err := instance.Pause()
			assert.ErrorIs(t, err, ErrInvalidTransition)
		})
	}
}

func TestWorkflowInstance_Resume_IllegalStatuses(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, i *WorkflowInstance)
	}{
		{"running", func(t *testing.T, i *WorkflowInstance) {}},
		{"completed", func(t *testing.T, i *WorkflowInstance) { require.NoError(t, i.Complete()) }},
		{"failed", func(t *testing.T, i *WorkflowInstance) { require.NoError(t, i.Fail("boom", "")) }},
		{"cancelled", func(t *testing.T, i *WorkflowInstance) { require.NoError(t, i.Cancel()) }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			instance := newRunningInstance(t)
			tc.prepare(t, instance)

			err := instance.Resume()
			assert.ErrorIs(t, err, ErrInvalidTransition)
		})
	}
}

func TestWorkflowInstance_UpdateCurrentStep(t *testing.T) {
	instance := newRunningInstance(t)

	require.NoError(t, instance.UpdateCurrentStep("step-2"))
	require.NotNil(t, instance.CurrentStepID())
	assert.Equal(t, "step-2", *instance.CurrentStepID())

	require.NoError(t, instance.Pause())
	err := instance.UpdateCurrentStep("step-3")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestWorkflowInstance_UpdatesIgnoreStatus(t *testing.T) {
	instance := newRunningInstance(t)
	require.NoError(t, instance.Complete())

	// Data, variables, and context stay writable on terminal instances.
	instance.UpdateData(map[string]any{"report": "q3"})
	instance.UpdateVariables(map[string]any{"retries": 1})
	instance.UpdateContext(map[string]any{"tenant": "acme"})

	assert.Equal(t, map[string]any{"report": "q3"}, instance.Data())
	assert.Equal(t, map[string]any{"retries": 1}, instance.Variables())
	assert.Equal(t, map[string]any{"tenant": "acme"}, instance.Context())
}

func TestWorkflowInstance_IncrementRetryCount(t *testing.T) {
	instance := newRunningInstance(t)

	instance.IncrementRetryCount()
	instance.IncrementRetryCount()

	assert.Equal(t, 2, instance.RetryCount())
}

func TestWorkflowInstance_HasExceededSLA(t *testing.T) {
	now := time.Now().UTC()

	instance := newRunningInstance(t)
	assert.False(t, instance.HasExceededSLA(now))

	deadline := now.Add(-time.Minute)
	withDeadline, err := NewWorkflowInstance(InstanceProps{
		WorkflowID:  "workflow-1",
		SLADeadline: &deadline,
	})
	require.NoError(t, err)

	assert.True(t, withDeadline.HasExceededSLA(now))
	assert.False(t, withDeadline.HasExceededSLA(deadline.Add(-time.Second)))
}

func TestWorkflowInstance_SnapshotRoundTrip(t *testing.T) {
	deadline := time.Now().UTC().Add(time.Hour)
	instance, err := NewWorkflowInstance(InstanceProps{
		WorkflowID:  "workflow-1",
		TriggeredBy: "user-1",
		TriggerType: TriggerTypeWebhook,
		TriggerData: map[string]any{"path": "/hooks/report"},
		Data:        map[string]any{"region": "emea"},
		Variables:   map[string]any{"batch": float64(3)},
		Context:     map[string]any{"tenant": "acme"},
		Priority:    PriorityHigh,
		SLADeadline: &deadline,
	})
	require.NoError(t, err)
	require.NoError(t, instance.UpdateCurrentStep("step-1"))
	instance.IncrementRetryCount()

	restored, err := RestoreWorkflowInstance(instance.Snapshot())
	require.NoError(t, err)

	assert.Equal(t, instance.Snapshot(), restored.Snapshot())
	assert.Empty(t, restored.UncommittedEvents())
}

func TestRestoreWorkflowInstance_UnknownStatus(t *testing.T) {
	_, err := RestoreWorkflowInstance(InstanceSnapshot{
		ID:          "instance-1",
		WorkflowID:  "workflow-1",
		Status:      "RUNNING",
		TriggerType: string(TriggerTypeManual),
		Priority:    string(PriorityNormal),
		StartedAt:   time.Now().UTC(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown workflow instance status")
}

func TestWorkflowInstance_ClearEvents(t *testing.T) {
	instance := newRunningInstance(t)
	require.NoError(t, instance.Pause())

	assert.Len(t, instance.UncommittedEvents(), 2)

	instance.ClearEvents()
	assert.Empty(t, instance.UncommittedEvents())

	require.NoError(t, instance.Resume())
	assert.Len(t, instance.UncommittedEvents(), 1)
}
