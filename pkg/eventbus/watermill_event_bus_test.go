package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowlinehq/flowline/pkg/channels/gochannel"
	"github.com/flowlinehq/flowline/pkg/eventbus"
	"github.com/flowlinehq/flowline/pkg/events"
)

func newTestBus(t *testing.T) eventbus.EventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	return eventbus.NewWatermillEventBus(pub, sub)
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newTestBus(t)

	id1 := bus.GenerateID()
	id2 := bus.GenerateID()

	assert.NotEmpty(t, id1)
	assert.NotEmpty(t, id2)
	assert.NotEqual(t, id1, id2)
}

func TestWatermillEventBus_PublishAndSubscribe(t *testing.T) {
	bus := newTestBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan any, 1)

	err := bus.Handle(events.InstanceCompletedEvent, func(ctx context.Context, event any) error {
		received <- event

		return nil
	})
	require.NoError(t, err)

	err = bus.Subscribe(ctx)
	require.NoError(t, err)

	published := events.InstanceCompleted{
		BaseEvent:       events.NewBaseEvent(events.InstanceCompletedEvent),
		InstanceID:      "instance-1",
		WorkflowID:      "workflow-1",
		DurationSeconds: 42,
	}

	err = bus.Publish(ctx, "instance-1", published)
	require.NoError(t, err)

	select {
	case event := <-received:
		completed, ok := event.(*events.InstanceCompleted)
		require.True(t, ok)
		assert.Equal(t, "instance-1", completed.InstanceID)
		assert.Equal(t, "workflow-1", completed.WorkflowID)
		assert.Equal(t, int64(42), completed.DurationSeconds)
	case <-time.After(5 * time.Second):
		t.Fatal("did not receive event within timeout")
	}
}

func TestWatermillEventBus_MultipleEventTypes(t *testing.T) {
	bus := newTestBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan events.EventType, 2)

	handler := func(ctx context.Context, event any) error {
		if e, ok := event.(events.Event); ok {
			received <- e.GetType()
		}

		return nil
	}

	require.NoError(t, bus.Handle(events.TaskAssignedEvent, handler))
	require.NoError(t, bus.Handle(events.TaskCompletedEvent, handler))
	require.NoError(t, bus.Subscribe(ctx))

	assigned := events.TaskAssigned{
		BaseEvent:  events.NewBaseEvent(events.TaskAssignedEvent),
		TaskID:     "task-1",
		InstanceID: "instance-1",
		AssigneeID: "user-1",
	}
	completed := events.TaskCompleted{
		BaseEvent:   events.NewBaseEvent(events.TaskCompletedEvent),
		TaskID:      "task-2",
		InstanceID:  "instance-1",
		CompletedBy: "user-1",
	}

	require.NoError(t, bus.Publish(ctx, "task-1", assigned))
	require.NoError(t, bus.Publish(ctx, "task-2", completed))

	receivedTypes := make(map[events.EventType]bool)

	for range 2 {
		select {
		case eventType := <-received:
			receivedTypes[eventType] = true
		case <-time.After(5 * time.Second):
			t.Fatal("did not receive all events within timeout")
		}
	}

	assert.True(t, receivedTypes[events.TaskAssignedEvent])
	assert.True(t, receivedTypes[events.TaskCompletedEvent])
}

func TestWatermillEventBus_UnhandledEventTypeIsAcked(t *testing.T) {
	bus := newTestBus(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan any, 1)

	err := bus.Handle(events.InstanceFailedEvent, func(ctx context.Context, event any) error {
		received <- event

		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Subscribe(ctx))

	paused := events.InstancePaused{
		BaseEvent:  events.NewBaseEvent(events.InstancePausedEvent),
		InstanceID: "instance-1",
	}
	failed := events.InstanceFailed{
		BaseEvent:    events.NewBaseEvent(events.InstanceFailedEvent),
		InstanceID:   "instance-1",
		ErrorMessage: "boom",
	}

	require.NoError(t, bus.Publish(ctx, "instance-1", paused))
	require.NoError(t, bus.Publish(ctx, "instance-1", failed))

	select {
	case event := <-received:
		failedEvent, ok := event.(*events.InstanceFailed)
		require.True(t, ok)
		assert.Equal(t, "boom", failedEvent.ErrorMessage)
	case <-time.After(5 * time.Second):
		t.Fatal("did not receive event within timeout")
	}
}
