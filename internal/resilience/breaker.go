// Package resilience guards calls to LLM backends.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker opens after maxFailures consecutive counted failures and rejects
// calls for timeout. It then admits a single probe; concurrent callers are
// rejected until the probe returns. Calls admitted before the last state
// change do not affect the circuit when they finish.
type Breaker struct {
	mu          sync.Mutex
	state       state
	gen         uint64
	probing     bool
	failures    int
	maxFailures int
	timeout     time.Duration
	openedAt    time.Time
	counts      func(error) bool
	now         func() time.Time
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// CountOnly restricts which errors count as failures. An error rejected by
// fn means the remote answered, so it is treated like a success.
func CountOnly(fn func(error) bool) BreakerOption {
	return func(b *Breaker) { b.counts = fn }
}

func NewBreaker(maxFailures int, timeout time.Duration, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		maxFailures: max(maxFailures, 1),
		timeout:     timeout,
		counts:      func(error) bool { return true },
		now:         time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// State reports closed, open or half_open.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

// Execute runs fn unless the circuit rejects the call with ErrCircuitOpen.
func (b *Breaker) Execute(fn func() error) error {
	t, ok := b.allowRequest()
	if !ok {
		return ErrCircuitOpen
	}

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if t.gen != b.gen {
		return err
	}
	if t.probe {
		b.probing = false
	}
	if err != nil && b.counts(err) {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return err
}

// ticket records the circuit generation a call was admitted under.
type ticket struct {
	gen   uint64
	probe bool
}

func (b *Breaker) allowRequest() (ticket, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return ticket{gen: b.gen}, true
	case stateOpen:
		if b.now().Sub(b.openedAt) < b.timeout {
			return ticket{}, false
		}
		b.setState(stateHalfOpen)
		b.probing = true
		return ticket{gen: b.gen, probe: true}, true
	case stateHalfOpen:
		if b.probing {
			return ticket{}, false
		}
		b.probing = true
		return ticket{gen: b.gen, probe: true}, true
	}
	return ticket{}, false
}

// setState must be called with b.mu held.
func (b *Breaker) setState(s state) {
	if b.state == s {
		return
	}
	b.state = s
	b.gen++
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.maxFailures {
		b.setState(stateOpen)
		b.openedAt = b.now()
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.failures = 0
	b.setState(stateClosed)
}
