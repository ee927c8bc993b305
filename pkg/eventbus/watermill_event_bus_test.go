package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perdura/perdura/pkg/channels/gochannel"
	"github.com/perdura/perdura/pkg/eventbus"
	"github.com/perdura/perdura/pkg/events"
	"github.com/perdura/perdura/pkg/models"
)

func newTestBus(t *testing.T) eventbus.EventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestPublishAndHandleFinishedEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(t)

	received := make(chan *events.ExecutionFinished, 1)

	require.NoError(t, bus.Handle(events.ExecutionFinishedEvent, func(_ context.Context, event any) error {
		if finished, ok := event.(*events.ExecutionFinished); ok {
			received <- finished
		}

		return nil
	}))

	require.NoError(t, bus.Subscribe(ctx))

	finished := events.ExecutionFinished{
		BaseEvent: events.NewBaseEvent(events.ExecutionFinishedEvent, "exec-1"),
		TaskID:    "task-1",
		Status:    models.ExecutionCompleted,
		Result:    "done",
	}

	require.NoError(t, bus.Publish(ctx, "exec-1", finished))

	select {
	case event := <-received:
		assert.Equal(t, "exec-1", event.ExecutionID)
		assert.Equal(t, "task-1", event.TaskID)
		assert.Equal(t, models.ExecutionCompleted, event.Status)
		assert.Equal(t, "done", event.Result)
	case <-time.After(2 * time.Second):
		t.Fatal("finished event not delivered")
	}
}

func TestUnhandledEventTypesAreAcked(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newTestBus(t)

	received := make(chan *events.ExecutionEmitted, 1)

	require.NoError(t, bus.Handle(events.ExecutionEmittedEvent, func(_ context.Context, event any) error {
		if emitted, ok := event.(*events.ExecutionEmitted); ok {
			received <- emitted
		}

		return nil
	}))

	require.NoError(t, bus.Subscribe(ctx))

	// No handler registered for started events: they are acked away and do
	// not block later deliveries.
	started := events.ExecutionStarted{
		BaseEvent: events.NewBaseEvent(events.ExecutionStartedEvent, "exec-1"),
		TaskID:    "task-1",
	}
	require.NoError(t, bus.Publish(ctx, "exec-1", started))

	emitted := events.ExecutionEmitted{
		BaseEvent: events.NewBaseEvent(events.ExecutionEmittedEvent, "exec-1"),
		Event:     "order.charged",
		Payload:   map[string]any{"order": "o-1"},
	}
	require.NoError(t, bus.Publish(ctx, "exec-1", emitted))

	select {
	case event := <-received:
		assert.Equal(t, "order.charged", event.Event)
	case <-time.After(2 * time.Second):
		t.Fatal("emitted event not delivered")
	}
}

func TestGenerateIDIsUnique(t *testing.T) {
	bus := newTestBus(t)

	seen := make(map[string]struct{})

	for range 100 {
		id := bus.GenerateID()
		_, dup := seen[id]
		require.False(t, dup)

		seen[id] = struct{}{}
	}
}
