package transport

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is one of Closed/Open/HalfOpen.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrBreakerOpen is returned by Allow/guarded calls while the breaker is open.
var ErrBreakerOpen = errors.New("transport: circuit breaker open")

// BreakerConfig configures trip/reset behavior for one upstream endpoint.
type BreakerConfig struct {
	MaxHalfOpenRequests uint32
	OpenTimeout         time.Duration
	ReadyToTrip         func(counts BreakerCounts) bool
}

// DefaultBreakerConfig trips after 3 consecutive failures and probes again
// after 30s, matching the retry budget of a single Transport call.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxHalfOpenRequests: 1,
		OpenTimeout:         30 * time.Second,
		ReadyToTrip: func(c BreakerCounts) bool {
			return c.ConsecutiveFailures >= 3
		},
	}
}

// BreakerCounts tracks request outcomes within the current generation.
type BreakerCounts struct {
	Requests             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *BreakerCounts) onSuccess() {
	c.Requests++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *BreakerCounts) onFailure() {
	c.Requests++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// breaker is a minimal closed/open/half-open circuit breaker guarding one
// upstream endpoint (inverter gateway, upload ingest, or FOTA server).
type breaker struct {
	mu     sync.Mutex
	cfg    BreakerConfig
	state  BreakerState
	counts BreakerCounts
	expiry time.Time
}

func newBreaker(cfg BreakerConfig) *breaker {
	return &breaker{cfg: cfg, state: BreakerClosed}
}

func (b *breaker) currentState(now time.Time) BreakerState {
	if b.state == BreakerOpen && now.After(b.expiry) {
		b.state = BreakerHalfOpen
		b.counts = BreakerCounts{}
	}
	return b.state
}

func (b *breaker) allow(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.currentState(now)
	if state == BreakerOpen {
		return ErrBreakerOpen
	}
	if state == BreakerHalfOpen && b.counts.Requests >= b.cfg.MaxHalfOpenRequests {
		return ErrBreakerOpen
	}
	return nil
}

func (b *breaker) record(now time.Time, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.currentState(now)

	if success {
		b.counts.onSuccess()
		if state == BreakerHalfOpen {
			b.state = BreakerClosed
			b.counts = BreakerCounts{}
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case BreakerClosed:
		if b.cfg.ReadyToTrip(b.counts) {
			b.state = BreakerOpen
			b.expiry = now.Add(b.cfg.OpenTimeout)
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.expiry = now.Add(b.cfg.OpenTimeout)
	}
}

func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}
