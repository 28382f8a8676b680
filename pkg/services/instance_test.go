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
	"github.com/flowlinehq/flowline/pkg/persistence"
	"github.com/flowlinehq/flowline/pkg/persistence/file"
	"github.com/flowlinehq/flowline/pkg/services"
)

func newInstanceService(t *testing.T) (*services.Instance, *mocks.MockEventBus) {
	t.Helper()

	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := services.NewInstance(
		file.NewPersistence(t.TempDir()),
		bus,
		locker.NewMemoryLocker(),
		validator.New(validator.WithRequiredStructEnabled()),
		logger,
	)

	return svc, bus
}

func createRunningInstance(t *testing.T, svc *services.Instance) *models.WorkflowInstance {
	t.Helper()

	instance, err := svc.CreateInstance(context.Background(), services.CreateInstanceRequest{
		WorkflowID:  "wf-1",
		TriggeredBy: "user-1",
	})
	require.NoError(t, err)

	return instance
}

func TestInstance_CreateInstance(t *testing.T) {
	svc, bus := newInstanceService(t)

	instance, err := svc.CreateInstance(context.Background(), services.CreateInstanceRequest{
		WorkflowID:  "wf-1",
		TriggeredBy: "user-1",
		TriggerType: "webhook",
		Priority:    "high",
		Data:        map[string]any{"order_id": "o-1"},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, instance.ID())
	assert.Equal(t, models.InstanceStatusRunning, instance.Status())
	assert.Equal(t, models.TriggerTypeWebhook, instance.TriggerType())
	assert.Equal(t, models.PriorityHigh, instance.Priority())
	assert.Empty(t, instance.UncommittedEvents())

	bus.AssertNumberOfCalls(t, "Publish", 1)

	stored, err := svc.FetchByID(context.Background(), instance.ID())
	require.NoError(t, err)
	assert.Equal(t, instance.ID(), stored.ID())
}

func TestInstance_ExecuteWorkflow(t *testing.T) {
	svc, _ := newInstanceService(t)

	instance, err := svc.ExecuteWorkflow(context.Background(), "wf-1", "scheduler-1", map[string]any{"run": "nightly"})
	require.NoError(t, err)

	assert.Equal(t, models.InstanceStatusRunning, instance.Status())
	assert.Equal(t, models.TriggerTypeManual, instance.TriggerType())
	assert.Equal(t, "scheduler-1", instance.TriggeredBy())
	assert.Equal(t, "nightly", instance.TriggerData()["run"])
	assert.Nil(t, instance.CurrentStepID())
}

func TestInstance_CreateInstance_Validation(t *testing.T) {
	svc, _ := newInstanceService(t)

	tests := []struct {
		name string
		req  services.CreateInstanceRequest
	}{
		{"missing workflow id", services.CreateInstanceRequest{}},
		{"bad trigger type", services.CreateInstanceRequest{WorkflowID: "wf-1", TriggerType: "cron"}},
		{"bad priority", services.CreateInstanceRequest{WorkflowID: "wf-1", Priority: "asap"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.CreateInstance(context.Background(), tt.req)
			assert.True(t, services.IsValidationError(err))
		})
	}
}

func TestInstance_CompleteInstance(t *testing.T) {
	svc, _ := newInstanceService(t)
	instance := createRunningInstance(t, svc)

	completed, err := svc.CompleteInstance(context.Background(), instance.ID())
	require.NoError(t, err)

	assert.Equal(t, models.InstanceStatusCompleted, completed.Status())
	assert.NotNil(t, completed.CompletedAt())
	assert.NotNil(t, completed.DurationSeconds())
}

func TestInstance_CompleteInstance_NotFound(t *testing.T) {
	svc, _ := newInstanceService(t)

	_, err := svc.CompleteInstance(context.Background(), "missing")
	assert.ErrorIs(t, err, services.ErrInstanceNotFound)
}

func TestInstance_CompleteInstance_FromTerminalStatus(t *testing.T) {
	svc, _ := newInstanceService(t)
	instance := createRunningInstance(t, svc)

	_, err := svc.CancelInstance(context.Background(), instance.ID())
	require.NoError(t, err)

	_, err = svc.CompleteInstance(context.Background(), instance.ID())
	require.Error(t, err)
	assert.True(t, services.IsConflict(err))
	assert.EqualError(t, err, "cannot complete workflow instance with status cancelled")
}

func TestInstance_FailAndRetry(t *testing.T) {
	svc, _ := newInstanceService(t)
	instance := createRunningInstance(t, svc)

	failed, err := svc.FailInstance(context.Background(), instance.ID(), "step blew up", "step-2")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusFailed, failed.Status())
	assert.Equal(t, "step blew up", failed.ErrorMessage())
	assert.Equal(t, "step-2", failed.ErrorStep())

	retried, err := svc.RetryInstance(context.Background(), instance.ID())
	require.NoError(t, err)
	assert.Equal(t, 1, retried.RetryCount())
}

func TestInstance_PauseAndResume(t *testing.T) {
	svc, _ := newInstanceService(t)
	instance := createRunningInstance(t, svc)

	paused, err := svc.PauseInstance(context.Background(), instance.ID())
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusPaused, paused.Status())
	assert.NotNil(t, paused.PausedAt())

	resumed, err := svc.ResumeInstance(context.Background(), instance.ID())
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusRunning, resumed.Status())
	assert.Nil(t, resumed.PausedAt())
}

func TestInstance_UpdateCurrentStep(t *testing.T) {
	svc, _ := newInstanceService(t)
	instance := createRunningInstance(t, svc)

	updated, err := svc.UpdateCurrentStep(context.Background(), instance.ID(), "step-3")
	require.NoError(t, err)
	require.NotNil(t, updated.CurrentStepID())
	assert.Equal(t, "step-3", *updated.CurrentStepID())
}

func TestInstance_UpdateInstance_PartialPayloads(t *testing.T) {
	svc, _ := newInstanceService(t)
	instance := createRunningInstance(t, svc)

	updated, err := svc.UpdateInstance(context.Background(), instance.ID(), services.UpdateInstanceRequest{
		Variables: map[string]any{"region": "eu"},
	})
	require.NoError(t, err)
	assert.Equal(t, "eu", updated.Variables()["region"])
	assert.Empty(t, updated.Data())
}

func TestInstance_ListInstances(t *testing.T) {
	svc, _ := newInstanceService(t)

	for range 3 {
		createRunningInstance(t, svc)
	}

	result, err := svc.ListInstances(context.Background(), services.ListInstancesRequest{Limit: 2})
	require.NoError(t, err)

	assert.Len(t, result.Instances, 2)
	assert.Equal(t, int64(3), result.TotalCount)
	assert.True(t, result.HasNextPage)
}

func TestInstance_ListInstances_InvalidSort(t *testing.T) {
	svc, _ := newInstanceService(t)

	_, err := svc.ListInstances(context.Background(), services.ListInstancesRequest{SortBy: "id; DROP TABLE"})
	assert.ErrorIs(t, err, services.ErrInvalidSortField)

	_, err = svc.ListInstances(context.Background(), services.ListInstancesRequest{SortOrder: "sideways"})
	assert.ErrorIs(t, err, services.ErrInvalidSortOrder)
}

func TestInstance_DeleteInstance(t *testing.T) {
	svc, _ := newInstanceService(t)
	instance := createRunningInstance(t, svc)

	err := svc.DeleteInstance(context.Background(), instance.ID())
	require.NoError(t, err)

	err = svc.DeleteInstance(context.Background(), instance.ID())
	assert.ErrorIs(t, err, services.ErrInstanceNotFound)
}

func TestInstance_CommandRetriesVersionConflict(t *testing.T) {
	p := mocks.NewMockPersistence()
	bus := &mocks.MockEventBus{}
	bus.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := services.NewInstance(p, bus, locker.NewMemoryLocker(), validator.New(), logger)

	fresh := func() *models.WorkflowInstance {
		instance, err := models.NewWorkflowInstance(models.InstanceProps{WorkflowID: "wf-1"})
		require.NoError(t, err)
		instance.ClearEvents()

		return instance
	}

	p.InstanceRepo.On("GetByID", mock.Anything, "inst-1").Return(fresh(), nil).Once()
	p.InstanceRepo.On("Save", mock.Anything, mock.Anything).Return(persistence.ErrVersionConflict).Once()
	p.InstanceRepo.On("GetByID", mock.Anything, "inst-1").Return(fresh(), nil).Once()
	p.InstanceRepo.On("Save", mock.Anything, mock.Anything).Return(nil).Once()

	completed, err := svc.CompleteInstance(context.Background(), "inst-1")
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusCompleted, completed.Status())

	p.InstanceRepo.AssertExpectations(t)
}

func TestInstance_CommandGivesUpAfterRepeatedConflicts(t *testing.T) {
	p := mocks.NewMockPersistence()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := services.NewInstance(p, nil, locker.NewMemoryLocker(), validator.New(), logger)

	instance, err := models.NewWorkflowInstance(models.InstanceProps{WorkflowID: "wf-1"})
	require.NoError(t, err)
	instance.ClearEvents()

	p.InstanceRepo.On("GetByID", mock.Anything, "inst-1").Return(instance, nil)
	p.InstanceRepo.On("Save", mock.Anything, mock.Anything).Return(persistence.ErrVersionConflict)

	_, err = svc.CompleteInstance(context.Background(), "inst-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, services.ErrConflict)
	assert.True(t, services.IsConflict(err))
}

func TestInstance_HealthCheck(t *testing.T) {
	svc, _ := newInstanceService(t)

	msg, healthy := svc.HealthCheck(context.Background())
	assert.True(t, healthy)
	assert.NotEmpty(t, msg)
}
