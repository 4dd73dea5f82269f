package messaging

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateListeners(t *testing.T) {
	t.Run("notifies every registered listener", func(t *testing.T) {
		var registry StateListeners
		a := NewChannelListener(4)
		b := NewChannelListener(4)
		registry.Add(a)
		registry.Add(b)

		registry.NotifyConnected()

		assert.Equal(t, ConnectionEvent{State: StateConnected}, <-a.Events())
		assert.Equal(t, ConnectionEvent{State: StateConnected}, <-b.Events())
	})

	t.Run("removed listeners are not notified", func(t *testing.T) {
		var registry StateListeners
		a := NewChannelListener(4)
		registry.Add(a)
		registry.Remove(a)

		registry.NotifyDisconnected(errors.New("EOF"))
		assert.Empty(t, a.Events())
	})

	t.Run("function adapter ignores nil fields", func(t *testing.T) {
		var registry StateListeners
		var disconnected error
		registry.Add(&ConnectionStateFuncs{
			Disconnected: func(err error) { disconnected = err },
		})

		cause := errors.New("connection reset")
		registry.NotifyConnected()
		registry.NotifyError(cause)
		registry.NotifyDisconnected(cause)

		assert.Equal(t, cause, disconnected)
	})

	t.Run("channel listener drops events when full", func(t *testing.T) {
		l := NewChannelListener(1)
		l.OnConnected()
		l.OnError(errors.New("dropped"))

		assert.Len(t, l.Events(), 1)
		assert.Equal(t, StateConnected, (<-l.Events()).State)
	})
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "error", StateError.String())
	assert.Equal(t, "unknown", ConnectionState(42).String())
}
