package services_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/flowlinehq/flowline/pkg/locker"
	"github.com/flowlinehq/flowline/pkg/mocks"
	"github.com/flowlinehq/flowline/pkg/models"
	"github.com/flowlinehq/flowline/pkg/services"

	"github.com/flowlinehq/flowline/pkg/persistence/file"
)

type taskServiceFixture struct {
	instances *services.Instance
	tasks     *services.Task
	bus       *mocks.MockEventBus
}

func newTaskService(t *testing.T) *taskServiceFixture {
	t.Helper()

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := file.NewPersistence(t.TempDir())
	validate := validator.New(validator.WithRequiredStructEnabled())
	keyedLocker := locker.NewMemoryLocker()

	return &taskServiceFixture{
		instances: services.NewInstance(p, bus, keyedLocker, validate, logger),
		tasks:     services.NewTask(p, bus, keyedLocker, validate, logger),
		bus:       bus,
	}
}

func (f *taskServiceFixture) createTask(t *testing.T, req services.CreateTaskRequest) *models.WorkflowTask {
	t.Helper()

	if req.InstanceID == "" {
		instance, err := f.instances.CreateInstance(context.Background(), services.CreateInstanceRequest{
			WorkflowID: "wf-1",
		})
		require.NoError(t, err)

		req.InstanceID = instance.ID()
	}

	if req.Name == "" {
		req.Name = "review order"
	}

	task, err := f.tasks.CreateTask(context.Background(), req)
	require.NoError(t, err)

	return task
}

func (f *taskServiceFixture) createAssignedTask(t *testing.T, assignee string) *models.WorkflowTask {
	t.Helper()

	task := f.createTask(t, services.CreateTaskRequest{})

	assigned, err := f.tasks.AssignTask(context.Background(), task.ID(), assignee, "manager-1")
	require.NoError(t, err)

	return assigned
}

func TestTask_CreateTask(t *testing.T) {
	f := newTaskService(t)

	task := f.createTask(t, services.CreateTaskRequest{
		Name:     "approve invoice",
		TaskType: "approval",
		Priority: "urgent",
	})

	assert.NotEmpty(t, task.ID())
	assert.Equal(t, models.TaskStatusPending, task.Status())
	assert.Equal(t, models.TaskTypeApproval, task.TaskType())
	assert.Equal(t, models.PriorityUrgent, task.Priority())
	assert.Empty(t, task.UncommittedEvents())
}

func TestTask_CreateTask_InstanceMustExist(t *testing.T) {
	f := newTaskService(t)

	_, err := f.tasks.CreateTask(context.Background(), services.CreateTaskRequest{
		InstanceID: "missing",
		Name:       "review order",
	})
	assert.ErrorIs(t, err, services.ErrInstanceNotFound)
}

func TestTask_CreateTask_Validation(t *testing.T) {
	f := newTaskService(t)

	_, err := f.tasks.CreateTask(context.Background(), services.CreateTaskRequest{Name: "no instance"})
	assert.True(t, services.IsValidationError(err))

	_, err = f.tasks.CreateTask(context.Background(), services.CreateTaskRequest{
		InstanceID: "inst-1",
		Name:       "bad type",
		TaskType:   "chore",
	})
	assert.True(t, services.IsValidationError(err))
}

func TestTask_AssignTask(t *testing.T) {
	f := newTaskService(t)
	task := f.createTask(t, services.CreateTaskRequest{})

	assigned, err := f.tasks.AssignTask(context.Background(), task.ID(), "user-1", "manager-1")
	require.NoError(t, err)

	assert.Equal(t, "user-1", assigned.AssigneeID())
	assert.Equal(t, "manager-1", assigned.AssignedBy())
	assert.NotNil(t, assigned.AssignedAt())
	assert.Equal(t, models.TaskStatusPending, assigned.Status())
}

func TestTask_AssignTask_RequiresAssignee(t *testing.T) {
	f := newTaskService(t)
	task := f.createTask(t, services.CreateTaskRequest{})

	_, err := f.tasks.AssignTask(context.Background(), task.ID(), "", "manager-1")
	assert.True(t, services.IsValidationError(err))
}

func TestTask_StartTask(t *testing.T) {
	f := newTaskService(t)
	task := f.createAssignedTask(t, "user-1")

	started, err := f.tasks.StartTask(context.Background(), task.ID(), "user-1")
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusInProgress, started.Status())
	assert.NotNil(t, started.StartedAt())
}

func TestTask_StartTask_WrongUser(t *testing.T) {
	f := newTaskService(t)
	task := f.createAssignedTask(t, "user-1")

	_, err := f.tasks.StartTask(context.Background(), task.ID(), "user-2")
	require.Error(t, err)
	assert.True(t, services.IsPermissionDenied(err))
}

func TestTask_CompleteTask(t *testing.T) {
	f := newTaskService(t)
	task := f.createAssignedTask(t, "user-1")

	_, err := f.tasks.StartTask(context.Background(), task.ID(), "user-1")
	require.NoError(t, err)

	completed, err := f.tasks.CompleteTask(context.Background(), task.ID(), "user-1", map[string]any{"approved": true})
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusCompleted, completed.Status())
	assert.Equal(t, "user-1", completed.CompletedBy())
	assert.Equal(t, true, completed.Result()["approved"])
	assert.NotNil(t, completed.CompletedAt())
}

func TestTask_CompleteTask_BeforeStart(t *testing.T) {
	f := newTaskService(t)
	task := f.createAssignedTask(t, "user-1")

	_, err := f.tasks.CompleteTask(context.Background(), task.ID(), "user-1", nil)
	require.Error(t, err)
	assert.True(t, services.IsConflict(err))
	assert.EqualError(t, err, "cannot complete task with status pending")
}

func TestTask_CompleteTask_FormSchemaEnforced(t *testing.T) {
	f := newTaskService(t)
	task := f.createTask(t, services.CreateTaskRequest{
		Name: "approval form",
		FormSchema: map[string]any{
			"type":     "object",
			"required": []any{"approved"},
			"properties": map[string]any{
				"approved": map[string]any{"type": "boolean"},
			},
		},
	})

	_, err := f.tasks.AssignTask(context.Background(), task.ID(), "user-1", "manager-1")
	require.NoError(t, err)
	_, err = f.tasks.StartTask(context.Background(), task.ID(), "user-1")
	require.NoError(t, err)

	// Form data is still empty, so completion is rejected.
	_, err = f.tasks.CompleteTask(context.Background(), task.ID(), "user-1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrInvalidFormData)

	_, err = f.tasks.UpdateFormData(context.Background(), task.ID(), map[string]any{"approved": true})
	require.NoError(t, err)

	completed, err := f.tasks.CompleteTask(context.Background(), task.ID(), "user-1", nil)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, completed.Status())
}

func TestTask_UpdateFormData_SchemaViolation(t *testing.T) {
	f := newTaskService(t)
	task := f.createTask(t, services.CreateTaskRequest{
		Name: "form task",
		FormSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"count": map[string]any{"type": "number"},
			},
		},
	})

	_, err := f.tasks.UpdateFormData(context.Background(), task.ID(), map[string]any{"count": "three"})
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrInvalidFormData)
}

func TestTask_RejectTask(t *testing.T) {
	f := newTaskService(t)
	task := f.createAssignedTask(t, "user-1")

	rejected, err := f.tasks.RejectTask(context.Background(), task.ID(), "user-1", "wrong department")
	require.NoError(t, err)

	assert.Equal(t, models.TaskStatusRejected, rejected.Status())
	assert.Equal(t, "user-1", rejected.RejectedBy())
	assert.Equal(t, "wrong department", rejected.RejectionReason())
}

func TestTask_RejectTask_TerminalStatus(t *testing.T) {
	f := newTaskService(t)
	task := f.createAssignedTask(t, "user-1")

	_, err := f.tasks.RejectTask(context.Background(), task.ID(), "user-1", "first")
	require.NoError(t, err)

	_, err = f.tasks.RejectTask(context.Background(), task.ID(), "user-1", "second")
	require.Error(t, err)
	assert.EqualError(t, err, "cannot reject task with status rejected")
}

func TestTask_CancelTask(t *testing.T) {
	f := newTaskService(t)
	task := f.createTask(t, services.CreateTaskRequest{})

	cancelled, err := f.tasks.CancelTask(context.Background(), task.ID())
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, cancelled.Status())

	// Terminal tasks absorb further cancels without error.
	again, err := f.tasks.CancelTask(context.Background(), task.ID())
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, again.Status())
}

func TestTask_CommentsAndAttachments(t *testing.T) {
	f := newTaskService(t)
	task := f.createTask(t, services.CreateTaskRequest{})

	withComment, err := f.tasks.AddComment(context.Background(), task.ID(), "user-1", "needs a second pair of eyes")
	require.NoError(t, err)
	require.Len(t, withComment.Comments(), 1)
	assert.Equal(t, "user-1", withComment.Comments()[0].Author)

	withAttachment, err := f.tasks.AddAttachment(context.Background(), task.ID(), "invoice.pdf", "https://files.example.com/invoice.pdf", "user-1")
	require.NoError(t, err)
	require.Len(t, withAttachment.Attachments(), 1)
	assert.Equal(t, "invoice.pdf", withAttachment.Attachments()[0].Name)

	_, err = f.tasks.AddComment(context.Background(), task.ID(), "user-1", "")
	assert.True(t, services.IsValidationError(err))
}

func TestTask_ListTasks(t *testing.T) {
	f := newTaskService(t)

	instance, err := f.instances.CreateInstance(context.Background(), services.CreateInstanceRequest{WorkflowID: "wf-1"})
	require.NoError(t, err)

	for range 3 {
		f.createTask(t, services.CreateTaskRequest{InstanceID: instance.ID()})
	}

	result, err := f.tasks.ListTasks(context.Background(), services.ListTasksRequest{
		InstanceID: instance.ID(),
		Limit:      2,
	})
	require.NoError(t, err)

	assert.Len(t, result.Tasks, 2)
	assert.Equal(t, int64(3), result.TotalCount)
	assert.True(t, result.HasNextPage)
}

func TestTask_ListTasks_FilterByAssignee(t *testing.T) {
	f := newTaskService(t)

	f.createAssignedTask(t, "user-1")
	f.createTask(t, services.CreateTaskRequest{})

	result, err := f.tasks.ListTasks(context.Background(), services.ListTasksRequest{AssigneeID: "user-1"})
	require.NoError(t, err)

	require.Len(t, result.Tasks, 1)
	assert.Equal(t, "user-1", result.Tasks[0].AssigneeID())
}

func TestTask_DeleteTask(t *testing.T) {
	f := newTaskService(t)
	task := f.createTask(t, services.CreateTaskRequest{})

	err := f.tasks.DeleteTask(context.Background(), task.ID())
	require.NoError(t, err)

	err = f.tasks.DeleteTask(context.Background(), task.ID())
	assert.ErrorIs(t, err, services.ErrTaskNotFound)
}

func TestTask_FetchByID_NotFound(t *testing.T) {
	f := newTaskService(t)

	_, err := f.tasks.FetchByID(context.Background(), "missing")
	assert.ErrorIs(t, err, services.ErrTaskNotFound)
}
