// Package memory provides an in-process backing store for eventq.
//
// The store keeps every topic behind its own mutex, so the ready list, the
// delayed set and the dead-letter list of a topic change together. It is
// meant for tests and local development; nothing survives a restart.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/billingkit/eventq/contracts"
	"github.com/billingkit/eventq/messaging"
)

const (
	address          = "memory"
	delayedPrefix    = "delayed:"
	deadLetterPrefix = "dlq:"
)

// Scheduled is one member of a delayed set
type Scheduled struct {
	Due  time.Time
	Data []byte
}

type scored struct {
	due  int64 // unix milliseconds
	data []byte
}

type topicState struct {
	mu      sync.Mutex
	lists   map[string][][]byte
	delayed []scored
	notify  chan struct{}
}

// signal wakes every pop waiting on the topic; callers hold t.mu
func (t *topicState) signal() {
	close(t.notify)
	t.notify = make(chan struct{})
}

// Store is an in-memory implementation of messaging.Sessions. One Store
// serves as the general, publishing, consuming and broadcast session.
type Store struct {
	mu        sync.Mutex
	topics    map[string]*topicState
	available bool
	closed    bool
	wake      chan struct{}
	done      chan struct{}

	hub       *hub
	listeners messaging.StateListeners
	logger    *slog.Logger
}

// Option configures the Store
type Option func(*Store)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates an empty, connected store
func NewStore(options ...Option) *Store {
	s := &Store{
		topics:    make(map[string]*topicState),
		available: true,
		wake:      make(chan struct{}),
		done:      make(chan struct{}),
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	s.hub = newHub(s.logger)
	return s
}

var _ messaging.Sessions = (*Store)(nil)

// General implements messaging.Sessions
func (s *Store) General() messaging.QueueStore { return s }

// Publishing implements messaging.Sessions
func (s *Store) Publishing() messaging.QueueStore { return s }

// Consuming implements messaging.Sessions
func (s *Store) Consuming() messaging.QueueStore { return s }

// Broadcast implements messaging.Sessions
func (s *Store) Broadcast() messaging.BroadcastStore { return s }

// Connect marks the store reachable
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return &contracts.ShutdownError{Op: "connect"}
	}
	s.mu.Unlock()

	s.SetAvailable(true)
	return nil
}

// IsConnected implements messaging.Sessions
func (s *Store) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available && !s.closed
}

// SetAvailable simulates losing or regaining the store. Operations fail with
// a ConnectionError while unavailable and listeners are notified of each change.
func (s *Store) SetAvailable(available bool) {
	s.mu.Lock()
	if s.closed || s.available == available {
		s.mu.Unlock()
		return
	}
	s.available = available
	close(s.wake)
	s.wake = make(chan struct{})
	s.mu.Unlock()

	if available {
		s.logger.Info("memory store available")
		s.listeners.NotifyConnected()
		return
	}

	s.logger.Warn("memory store unavailable")
	s.listeners.NotifyDisconnected(&contracts.ConnectionError{
		Op:        "health check",
		Addr:      address,
		Err:       contracts.ErrNotConnected,
		Timestamp: time.Now(),
	})
}

// AddStateListener implements messaging.Sessions
func (s *Store) AddStateListener(listener messaging.ConnectionStateListener) {
	s.listeners.Add(listener)
}

// RemoveStateListener implements messaging.Sessions
func (s *Store) RemoveStateListener(listener messaging.ConnectionStateListener) {
	s.listeners.Remove(listener)
}

// Close releases waiting pops and broadcast streams. Later operations fail
// with a ShutdownError.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.hub.closeAll()
	return nil
}

// Append implements messaging.QueueStore
func (s *Store) Append(ctx context.Context, list string, data []byte) error {
	if err := s.check("append"); err != nil {
		return err
	}

	t := s.topic(list)
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lists[list] = append(t.lists[list], append([]byte(nil), data...))
	t.signal()
	return nil
}

// Restore implements messaging.QueueStore
func (s *Store) Restore(ctx context.Context, list string, data []byte) error {
	if err := s.check("restore"); err != nil {
		return err
	}

	t := s.topic(list)
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := append([]byte(nil), data...)
	t.lists[list] = append([][]byte{entry}, t.lists[list]...)
	t.signal()
	return nil
}

// Pop implements messaging.QueueStore
func (s *Store) Pop(ctx context.Context, list string, timeout time.Duration) ([]byte, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	t := s.topic(list)
	for {
		if err := s.check("pop"); err != nil {
			return nil, err
		}

		t.mu.Lock()
		if queue := t.lists[list]; len(queue) > 0 {
			data := queue[0]
			t.lists[list] = queue[1:]
			t.mu.Unlock()
			return data, nil
		}
		notify := t.notify
		t.mu.Unlock()

		if timeout <= 0 {
			return nil, messaging.ErrNoMessage
		}

		s.mu.Lock()
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-notify:
		case <-wake:
		case <-s.done:
		case <-deadline:
			return nil, messaging.ErrNoMessage
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Schedule implements messaging.QueueStore
func (s *Store) Schedule(ctx context.Context, set string, data []byte, due time.Time) error {
	if err := s.check("schedule"); err != nil {
		return err
	}

	t := s.topic(set)
	t.mu.Lock()
	defer t.mu.Unlock()

	entry := scored{due: due.UnixMilli(), data: append([]byte(nil), data...)}
	i := sort.Search(len(t.delayed), func(i int) bool {
		return t.delayed[i].due > entry.due
	})
	t.delayed = append(t.delayed, scored{})
	copy(t.delayed[i+1:], t.delayed[i:])
	t.delayed[i] = entry
	return nil
}

// PromoteDue implements messaging.QueueStore
func (s *Store) PromoteDue(ctx context.Context, set, list string, now time.Time, limit int) (int, error) {
	if err := s.check("promote"); err != nil {
		return 0, err
	}

	t := s.topic(set)
	if s.topic(list) != t {
		return 0, &contracts.ConnectionError{
			Op:        "promote",
			Addr:      address,
			Err:       errCrossTopic,
			Timestamp: time.Now(),
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.UnixMilli()
	n := 0
	for n < len(t.delayed) && t.delayed[n].due <= cutoff && (limit <= 0 || n < limit) {
		t.lists[list] = append(t.lists[list], t.delayed[n].data)
		n++
	}
	if n > 0 {
		t.delayed = append([]scored(nil), t.delayed[n:]...)
		t.signal()
	}
	return n, nil
}

// Lengths implements messaging.QueueStore
func (s *Store) Lengths(ctx context.Context, keys contracts.TopicKeys) (messaging.QueueLengths, error) {
	if err := s.check("stats"); err != nil {
		return messaging.QueueLengths{}, err
	}

	t := s.topic(keys.Ready)
	t.mu.Lock()
	defer t.mu.Unlock()

	return messaging.QueueLengths{
		Ready:      int64(len(t.lists[keys.Ready])),
		Delayed:    int64(len(t.delayed)),
		DeadLetter: int64(len(t.lists[keys.DeadLetter])),
	}, nil
}

// Scheduled returns a copy of the members of a delayed set ordered by due time
func (s *Store) Scheduled(set string) []Scheduled {
	t := s.topic(set)
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Scheduled, 0, len(t.delayed))
	for _, e := range t.delayed {
		out = append(out, Scheduled{
			Due:  time.UnixMilli(e.due),
			Data: append([]byte(nil), e.data...),
		})
	}
	return out
}

// Items returns a copy of a list from head to tail
func (s *Store) Items(list string) [][]byte {
	t := s.topic(list)
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([][]byte, 0, len(t.lists[list]))
	for _, data := range t.lists[list] {
		out = append(out, append([]byte(nil), data...))
	}
	return out
}

func (s *Store) check(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &contracts.ShutdownError{Op: op}
	}
	if !s.available {
		return &contracts.ConnectionError{
			Op:        op,
			Addr:      address,
			Err:       contracts.ErrNotConnected,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// topic returns the state owning a container, creating it on first use
func (s *Store) topic(container string) *topicState {
	name := topicOf(container)

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.topics[name]
	if !ok {
		t = &topicState{
			lists:  make(map[string][][]byte),
			notify: make(chan struct{}),
		}
		s.topics[name] = t
	}
	return t
}

func topicOf(container string) string {
	if name, ok := strings.CutPrefix(container, delayedPrefix); ok {
		return name
	}
	if name, ok := strings.CutPrefix(container, deadLetterPrefix); ok {
		return name
	}
	return container
}
