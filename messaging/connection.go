package messaging

import (
	"sync"
)

// ConnectionState is the connectivity of the backing store
type ConnectionState int

const (
	StateConnected ConnectionState = iota
	StateDisconnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnError(err error)
}

// ConnectionEvent is a connectivity change delivered through a ChannelListener
type ConnectionEvent struct {
	State ConnectionState
	Err   error
}

// ChannelListener forwards notifications to a buffered channel.
// Events are dropped when the buffer is full.
type ChannelListener struct {
	events chan ConnectionEvent
}

// NewChannelListener creates a listener with the given buffer size
func NewChannelListener(buffer int) *ChannelListener {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelListener{events: make(chan ConnectionEvent, buffer)}
}

// Events returns the notification channel
func (l *ChannelListener) Events() <-chan ConnectionEvent {
	return l.events
}

func (l *ChannelListener) OnConnected()             { l.send(ConnectionEvent{State: StateConnected}) }
func (l *ChannelListener) OnDisconnected(err error) { l.send(ConnectionEvent{State: StateDisconnected, Err: err}) }
func (l *ChannelListener) OnError(err error)        { l.send(ConnectionEvent{State: StateError, Err: err}) }

func (l *ChannelListener) send(evt ConnectionEvent) {
	select {
	case l.events <- evt:
	default:
	}
}

// ConnectionStateFuncs adapts plain functions to ConnectionStateListener.
// Nil fields are ignored.
type ConnectionStateFuncs struct {
	Connected    func()
	Disconnected func(err error)
	Errored      func(err error)
}

func (f *ConnectionStateFuncs) OnConnected() {
	if f.Connected != nil {
		f.Connected()
	}
}

func (f *ConnectionStateFuncs) OnDisconnected(err error) {
	if f.Disconnected != nil {
		f.Disconnected(err)
	}
}

func (f *ConnectionStateFuncs) OnError(err error) {
	if f.Errored != nil {
		f.Errored(err)
	}
}

// StateListeners is a registry of listeners shared by session implementations.
// Listeners are called synchronously and must not block.
type StateListeners struct {
	mu        sync.RWMutex
	listeners []ConnectionStateListener
}

// Add registers a listener
func (s *StateListeners) Add(listener ConnectionStateListener) {
	if listener == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// Remove unregisters a listener
func (s *StateListeners) Remove(listener ConnectionStateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, l := range s.listeners {
		if l == listener {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			break
		}
	}
}

// NotifyConnected notifies all listeners of a successful connection
func (s *StateListeners) NotifyConnected() {
	for _, l := range s.snapshot() {
		l.OnConnected()
	}
}

// NotifyDisconnected notifies all listeners of a lost connection
func (s *StateListeners) NotifyDisconnected(err error) {
	for _, l := range s.snapshot() {
		l.OnDisconnected(err)
	}
}

// NotifyError notifies all listeners of a store error
func (s *StateListeners) NotifyError(err error) {
	for _, l := range s.snapshot() {
		l.OnError(err)
	}
}

func (s *StateListeners) snapshot() []ConnectionStateListener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ConnectionStateListener(nil), s.listeners...)
}
