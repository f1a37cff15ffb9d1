// Package timer implements periodic token emitters that feed the scheduler,
// standing in for the board's hardware-timer peripheral.
package timer

import (
	"sync"
	"time"

	"github.com/ecowatt/agent/internal/clock"
)

// Source raises a set-once boolean token at a fixed interval. Ordering
// between distinct Sources is not guaranteed, but each Source's own tokens
// are strictly ordered.
type Source struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	set      bool
	clock    clock.Clock
}

// NewSource constructs a Source that arms its token every interval, measured
// from construction time.
func NewSource(interval time.Duration, c clock.Clock) *Source {
	return &Source{interval: interval, last: c.Now(), clock: c}
}

// Poll checks elapsed time and arms the token if interval has passed.
func (s *Source) Poll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if now.Sub(s.last) >= s.interval {
		s.set = true
		s.last = now
	}
}

// TakeIfSet clears and returns whether the token was armed.
func (s *Source) TakeIfSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return false
	}
	s.set = false
	return true
}

// SetInterval changes the firing period going forward, used when CheckConfig
// applies a live cadence override pushed from the backend.
func (s *Source) SetInterval(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = interval
}
