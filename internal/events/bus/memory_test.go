package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusDeliversToSubscribers(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()

	var got *Event
	_, err := b.Subscribe(SubjectDroneStatus, func(_ context.Context, ev *Event) error {
		got = ev
		return nil
	})
	require.NoError(t, err)

	ev := NewEvent("drone.status", "test", map[string]any{"droneId": "d1"})
	require.NoError(t, b.Publish(context.Background(), SubjectDroneStatus, ev))

	require.NotNil(t, got)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "d1", got.Data["droneId"])
}

func TestMemoryBusSubjectIsolation(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()

	delivered := 0
	_, err := b.Subscribe(SubjectPromptUpdate, func(context.Context, *Event) error {
		delivered++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), SubjectDroneStatus, NewEvent("drone.status", "test", nil)))
	assert.Zero(t, delivered)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()

	delivered := 0
	sub, err := b.Subscribe(SubjectPullDone, func(context.Context, *Event) error {
		delivered++
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, b.Publish(context.Background(), SubjectPullDone, NewEvent("pull.completed", "test", nil)))
	assert.Zero(t, delivered)
}

func TestMemoryBusHandlerErrorDoesNotStopDelivery(t *testing.T) {
	b := NewMemoryEventBus(nil)
	defer b.Close()

	second := false
	_, err := b.Subscribe(SubjectDroneStatus, func(context.Context, *Event) error {
		return assert.AnError
	})
	require.NoError(t, err)
	_, err = b.Subscribe(SubjectDroneStatus, func(context.Context, *Event) error {
		second = true
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), SubjectDroneStatus, NewEvent("drone.status", "test", nil)))
	assert.True(t, second)
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryEventBus(nil)
	assert.True(t, b.IsConnected())

	delivered := 0
	_, err := b.Subscribe(SubjectDroneStatus, func(context.Context, *Event) error {
		delivered++
		return nil
	})
	require.NoError(t, err)

	b.Close()
	assert.False(t, b.IsConnected())
	require.NoError(t, b.Publish(context.Background(), SubjectDroneStatus, NewEvent("drone.status", "test", nil)))
	assert.Zero(t, delivered)
}
