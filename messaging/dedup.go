package messaging

import (
	"sync"

	"github.com/billingkit/eventq/contracts"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultDuplicateWindow is the number of message ids remembered per subscriber
const DefaultDuplicateWindow = 10000

// DuplicateFilter drops envelopes already handled by this process.
// The retry count acts as the version of an envelope: a retry of a failed
// message is new, a second copy of the same attempt is a duplicate.
type DuplicateFilter struct {
	mu   sync.Mutex
	seen *lru.Cache[string, int]
}

// NewDuplicateFilter creates a filter remembering up to size message ids
func NewDuplicateFilter(size int) (*DuplicateFilter, error) {
	if size <= 0 {
		size = DefaultDuplicateWindow
	}
	cache, err := lru.New[string, int](size)
	if err != nil {
		return nil, err
	}
	return &DuplicateFilter{seen: cache}, nil
}

// Accept reports whether env should be handled and records it as seen
func (f *DuplicateFilter) Accept(env *contracts.Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if last, ok := f.seen.Get(env.ID); ok && env.RetryCount <= last {
		return false
	}
	f.seen.Add(env.ID, env.RetryCount)
	return true
}

// Len returns the number of remembered ids
func (f *DuplicateFilter) Len() int {
	return f.seen.Len()
}
