package models

import (
	"testing"
	"time"

	"github.com/flowlinehq/flowline/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPendingTask(t *testing.T) *WorkflowTask {
	t.Helper()

	task, err := NewWorkflowTask(TaskProps{
		InstanceID: "instance-1",
		StepID:     "step-1",
		Name:       "Review expense report",
		TaskType:   TaskTypeApproval,
	})
	require.NoError(t, err)

	return task
}

func newAssignedTask(t *testing.T) *WorkflowTask {
	t.Helper()

	task := newPendingTask(t)
	require.NoError(t, task.AssignTo("u1", "mgr"))

	return task
}

func TestNewWorkflowTask(t *testing.T) {
	task, err := NewWorkflowTask(TaskProps{
		InstanceID: "instance-1",
		Name:       "Fill intake form",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, task.ID())
	assert.Equal(t, "instance-1", task.InstanceID())
	assert.Equal(t, TaskStatusPending, task.Status())
	assert.Equal(t, TaskTypeManual, task.TaskType())
	assert.Equal(t, PriorityNormal, task.Priority())
	assert.Equal(t, AssignmentTypeManual, task.AssignmentType())
	assert.Empty(t, task.AssigneeID())
	assert.False(t, task.CreatedAt().IsZero())

	pending := task.UncommittedEvents()
	require.Len(t, pending, 1)
	assert.Equal(t, events.TaskCreatedEvent, pending[0].GetType())
}

func TestNewWorkflowTask_Validation(t *testing.T) {
	_, err := NewWorkflowTask(TaskProps{Name: "orphan"})
	assert.Error(t, err)

	_, err = NewWorkflowTask(TaskProps{InstanceID: "instance-1"})
	assert.Error(t, err)
}

func TestNewWorkflowTask_SLADeadlineFromHours(t *testing.T) {
	hours := 4
	task, err := NewWorkflowTask(TaskProps{
		InstanceID: "instance-1",
		Name:       "Approve invoice",
		SLAHours:   &hours,
	})
	require.NoError(t, err)

	require.NotNil(t, task.SLADeadline())
	expected := task.CreatedAt().Add(4 * time.Hour)
	assert.WithinDuration(t, expected, *task.SLADeadline(), time.Second)
}

func TestWorkflowTask_AssignStartFlow(t *testing.T) {
	task := newPendingTask(t)

	require.NoError(t, task.AssignTo("u1", "mgr"))
	assert.Equal(t, "u1", task.AssigneeID())
	assert.Equal(t, "mgr", task.AssignedBy())
	assert.NotNil(t, task.AssignedAt())
	assert.Equal(t, TaskStatusPending, task.Status())

	require.NoError(t, task.Start("u1"))
	assert.Equal(t, TaskStatusInProgress, task.Status())
	assert.NotNil(t, task.StartedAt())

	// A different user cannot start it, even mid-flight.
	err := task.Start("u2")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTaskNotAssignedToUser)
}

func TestWorkflowTask_Start_Unassigned(t *testing.T) {
	task := newPendingTask(t)

	err := task.Start("u1")
	assert.ErrorIs(t, err, ErrTaskNotAssignedToUser)
	assert.Equal(t, TaskStatusPending, task.Status())
}

func TestWorkflowTask_AssignTo_NotPending(t *testing.T) {
	task := newAssignedTask(t)
	require.NoError(t, task.Start("u1"))

	err := task.AssignTo("u2", "mgr")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, "u1", task.AssigneeID())
}

func TestWorkflowTask_Complete(t *testing.T) {
	task := newAssignedTask(t)
	require.NoError(t, task.Start("u1"))

	result := map[string]any{"approved": true}
	require.NoError(t, task.Complete("u1", result))

	assert.Equal(t, TaskStatusCompleted, task.Status())
	assert.Equal(t, "u1", task.CompletedBy())
	assert.Equal(t, result, task.Result())
	assert.NotNil(t, task.CompletedAt())
}

func TestWorkflowTask_Complete_NeverStarted(t *testing.T) {
	task := newAssignedTask(t)

	err := task.Complete("u1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Contains(t, err.Error(), "cannot complete task with status pending")
}

func TestWorkflowTask_Complete_WrongUser(t *testing.T) {
	task := newAssignedTask(t)
	require.NoError(t, task.Start("u1"))

	err := task.Complete("u2", nil)
	assert.ErrorIs(t, err, ErrTaskNotAssignedToUser)
	assert.Equal(t, TaskStatusInProgress, task.Status())
}

func TestWorkflowTask_Reject(t *testing.T) {
	t.Run("from pending", func(t *testing.T) {
		task := newAssignedTask(t)

		require.NoError(t, task.Reject("u1", "wrong cost center"))
		assert.Equal(t, TaskStatusRejected, task.Status())
		assert.Equal(t, "u1", task.RejectedBy())
		assert.Equal(t, "wrong cost center", task.RejectionReason())
		assert.NotNil(t, task.CompletedAt())
	})

	t.Run("from in progress", func(t *testing.T) {
		task := newAssignedTask(t)
		require.NoError(t, task.Start("u1"))

		require.NoError(t, task.Reject("u1", "duplicate request"))
		assert.Equal(t, TaskStatusRejected, task.Status())
	})

	t.Run("from completed", func(t *testing.T) {
		task := newAssignedTask(t)
		require.NoError(t, task.Start("u1"))
		require.NoError(t, task.Complete("u1", nil))

		err := task.Reject("u1", "too late")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestWorkflowTask_Cancel(t *testing.T) {
	task := newAssignedTask(t)

	require.NoError(t, task.Cancel())
	assert.Equal(t, TaskStatusCancelled, task.Status())

	// Terminal tasks stay as they are, without new events.
	eventCount := len(task.UncommittedEvents())
	require.NoError(t, task.Cancel())
	assert.Equal(t, TaskStatusCancelled, task.Status())
	assert.Len(t, task.UncommittedEvents(), eventCount)
}

func TestWorkflowTask_Cancel_CompletedIsNoop(t *testing.T) {
	task := newAssignedTask(t)
	require.NoError(t, task.Start("u1"))
	require.NoError(t, task.Complete("u1", nil))

	require.NoError(t, task.Cancel())
	assert.Equal(t, TaskStatusCompleted, task.Status())
}

func TestWorkflowTask_PayloadMutators(t *testing.T) {
	task := newAssignedTask(t)
	require.NoError(t, task.Start("u1"))
	require.NoError(t, task.Complete("u1", nil))

	// Payload mutators work regardless of status.
	task.UpdateFormData(map[string]any{"amount": float64(120)})
	comment := task.AddComment("u1", "receipts attached")
	attachment := task.AddAttachment("receipt.pdf", "s3://bucket/receipt.pdf", "u1")

	assert.Equal(t, map[string]any{"amount": float64(120)}, task.FormData())
	require.Len(t, task.Comments(), 1)
	assert.Equal(t, comment, task.Comments()[0])
	assert.NotEmpty(t, comment.ID)
	require.Len(t, task.Attachments(), 1)
	assert.Equal(t, attachment, task.Attachments()[0])
}

func TestWorkflowTask_Predicates(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	task, err := NewWorkflowTask(TaskProps{
		InstanceID:  "instance-1",
		Name:        "Escalation check",
		DueDate:     &past,
		SLADeadline: &future,
	})
	require.NoError(t, err)

	assert.True(t, task.IsOverdue(now))
	assert.False(t, task.HasExceededSLA(now))
	assert.True(t, task.HasExceededSLA(future.Add(time.Minute)))

	bare := newPendingTask(t)
	assert.False(t, bare.IsOverdue(now))
	assert.False(t, bare.HasExceededSLA(now))
}

func TestWorkflowTask_SnapshotRoundTrip(t *testing.T) {
	due := time.Now().UTC().Add(24 * time.Hour)
	hours := 8
	task, err := NewWorkflowTask(TaskProps{
		InstanceID:     "instance-1",
		StepID:         "step-2",
		Name:           "Review quarterly report",
		Description:    "Check the numbers before sign-off",
		TaskType:       TaskTypeReview,
		Priority:       PriorityUrgent,
		AssignmentType: AssignmentTypeRoleBased,
		FormData:       map[string]any{"quarter": "q3"},
		DueDate:        &due,
		SLAHours:       &hours,
	})
	require.NoError(t, err)
	require.NoError(t, task.AssignTo("u1", "mgr"))
	task.AddComment("mgr", "please prioritize")
	task.AddAttachment("report.xlsx", "s3://bucket/report.xlsx", "mgr")

	restored, err := RestoreWorkflowTask(task.Snapshot())
	require.NoError(t, err)

	assert.Equal(t, task.Snapshot(), restored.Snapshot())
	assert.Empty(t, restored.UncommittedEvents())
}

func TestRestoreWorkflowTask_UnknownEnums(t *testing.T) {
	base := TaskSnapshot{
		ID:             "task-1",
		InstanceID:     "instance-1",
		Name:           "x",
		TaskType:       string(TaskTypeManual),
		Status:         string(TaskStatusPending),
		Priority:       string(PriorityNormal),
		AssignmentType: string(AssignmentTypeManual),
		CreatedAt:      time.Now().UTC(),
	}

	tests := []struct {
		name   string
		mutate func(s *TaskSnapshot)
	}{
		{"status", func(s *TaskSnapshot) { s.Status = "PENDING" }},
		{"task type", func(s *TaskSnapshot) { s.TaskType = "chore" }},
		{"priority", func(s *TaskSnapshot) { s.Priority = "p0" }},
		{"assignment type", func(s *TaskSnapshot) { s.AssignmentType = "round_robin" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			snap := base
			tc.mutate(&snap)

			_, err := RestoreWorkflowTask(snap)
			assert.Error(t, err)
		})
	}
}
