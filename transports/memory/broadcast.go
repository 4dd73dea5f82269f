package memory

import (
	"context"
	"log/slog"
	"path"
	"sync"

	"github.com/billingkit/eventq/messaging"
)

// streamBuffer is the number of undelivered broadcasts kept per subscriber;
// later broadcasts are dropped until the subscriber catches up
const streamBuffer = 64

type hub struct {
	mu      sync.RWMutex
	streams map[*stream]struct{}
	logger  *slog.Logger
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		streams: make(map[*stream]struct{}),
		logger:  logger,
	}
}

type stream struct {
	hub      *hub
	pattern  string
	messages chan messaging.BroadcastDelivery
	once     sync.Once
}

func (st *stream) Messages() <-chan messaging.BroadcastDelivery {
	return st.messages
}

func (st *stream) Close() error {
	st.hub.mu.Lock()
	defer st.hub.mu.Unlock()
	st.closeLocked()
	return nil
}

// closeLocked requires hub.mu
func (st *stream) closeLocked() {
	st.once.Do(func() {
		delete(st.hub.streams, st)
		close(st.messages)
	})
}

// Publish implements messaging.BroadcastStore
func (s *Store) Publish(ctx context.Context, channel string, data []byte) error {
	if err := s.check("broadcast"); err != nil {
		return err
	}

	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()

	for st := range s.hub.streams {
		if ok, _ := path.Match(st.pattern, channel); !ok {
			continue
		}
		delivery := messaging.BroadcastDelivery{
			Channel: channel,
			Pattern: st.pattern,
			Data:    append([]byte(nil), data...),
		}
		select {
		case st.messages <- delivery:
		default:
			s.hub.logger.Warn("broadcast dropped, subscriber too slow",
				"channel", channel,
				"pattern", st.pattern,
			)
		}
	}
	return nil
}

// PSubscribe implements messaging.BroadcastStore
func (s *Store) PSubscribe(ctx context.Context, pattern string) (messaging.BroadcastStream, error) {
	if err := s.check("subscribe"); err != nil {
		return nil, err
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, err
	}

	st := &stream{
		hub:      s.hub,
		pattern:  pattern,
		messages: make(chan messaging.BroadcastDelivery, streamBuffer),
	}

	s.hub.mu.Lock()
	s.hub.streams[st] = struct{}{}
	s.hub.mu.Unlock()
	return st, nil
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for st := range h.streams {
		st.closeLocked()
	}
}
