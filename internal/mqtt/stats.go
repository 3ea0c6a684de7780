package mqtt

import (
	"sync"
	"time"
)

// Stats counts telemetry messages and payload bytes published during
// the life of a [Publisher]. It is safe for concurrent use.
type Stats struct {
	mu       sync.Mutex
	messages int64
	bytes    int64
	last     time.Time
}

// record notes one successful publish of n payload bytes.
func (s *Stats) record(n int, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages++
	s.bytes += int64(n)
	s.last = at
}

// Snapshot returns the message count, total payload bytes, and the time
// of the most recent publish (zero if nothing was published).
func (s *Stats) Snapshot() (messages, bytes int64, last time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.messages, s.bytes, s.last
}
