package handler

import (
	"errors"
	"sync"
	"time"
)

var ErrBreakerOpen = errors.New("circuit breaker open")

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Breaker guards one downstream endpoint. It opens after threshold
// consecutive failures, rejects calls for cooldown, then admits exactly one
// probe whose outcome closes or reopens it.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	threshold int
	cooldown  time.Duration
	reopenAt  time.Time
	probing   bool
	now       func() time.Time
}

func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	return &Breaker{state: BreakerClosed, threshold: threshold, cooldown: cooldown, now: time.Now}
}

// State reports the current state; an open breaker past its cooldown
// reports half_open when no probe is running.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && !b.now().Before(b.reopenAt) {
		return BreakerHalfOpen
	}
	return b.state
}

// Acquire admits a call or returns ErrBreakerOpen. Every admitted call must
// be followed by Release.
func (b *Breaker) Acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && !b.now().Before(b.reopenAt) {
		b.state = BreakerHalfOpen
	}
	switch b.state {
	case BreakerOpen:
		return ErrBreakerOpen
	case BreakerHalfOpen:
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
	}
	return nil
}

// Release records the outcome of an admitted call.
func (b *Breaker) Release(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok {
		b.state, b.failures, b.probing = BreakerClosed, 0, false
		return
	}

	if b.state == BreakerHalfOpen {
		b.trip()
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.probing = false
	b.reopenAt = b.now().Add(b.cooldown)
}
