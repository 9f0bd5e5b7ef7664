// Package breaker implements the per-processor circuit breaker that suppresses
// routing after repeated dispatch/processing failures and probes recovery on a
// cooldown.
//
// Closed: frames flow. Open: the processor receives nothing until the cooldown
// elapses. Half-open: a single probe frame is allowed through; success closes
// the circuit, failure reopens it with the cooldown doubled up to a cap.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// State of a circuit.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned by Allow while the circuit rejects traffic.
var ErrOpen = errors.New("circuit open")

// cooldownCapFactor bounds the exponential cooldown growth.
const cooldownCapFactor = 8

// Breaker is a single processor's circuit.
type Breaker struct {
	clock            clockwork.Clock
	failureThreshold int
	baseCooldown     time.Duration

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	cooldown            time.Duration
	openedAt            time.Time
	probeInFlight       bool
	generation          uint64
}

// New creates a closed breaker tripping after failureThreshold consecutive
// failures, with the given initial open-state cooldown.
func New(clock clockwork.Clock, failureThreshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		clock:            clock,
		failureThreshold: failureThreshold,
		baseCooldown:     cooldown,
		cooldown:         cooldown,
		state:            StateClosed,
	}
}

// Allow reports whether a frame may be routed through this circuit. In
// half-open state only one probe is admitted at a time; callers must report
// the probe's outcome via Success or Failure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.probeInFlight {
			return ErrOpen
		}
		b.probeInFlight = true
		return nil
	default:
		return ErrOpen
	}
}

// Success records a successfully processed frame. In half-open state it closes
// the circuit and resets the cooldown; in closed state it clears the failure
// run.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()
	b.consecutiveFailures = 0
	b.probeInFlight = false
	if state == StateHalfOpen {
		b.state = StateClosed
		b.cooldown = b.baseCooldown
		b.generation++
	}
}

// Failure records a failed frame. It trips the circuit at the failure
// threshold; a failed half-open probe reopens it with the cooldown doubled up
// to cooldownCapFactor× the base.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentState()
	b.consecutiveFailures++
	b.probeInFlight = false

	switch state {
	case StateClosed:
		if b.consecutiveFailures >= b.failureThreshold {
			b.open(b.cooldown)
		}
	case StateHalfOpen:
		next := b.cooldown * 2
		if ceiling := b.baseCooldown * cooldownCapFactor; next > ceiling {
			next = ceiling
		}
		b.open(next)
	}
}

// Abandon releases an admitted half-open probe slot without recording an
// outcome. Used when a reservation is dropped before anything was attempted
// (queue-full backpressure, lost routing races).
func (b *Breaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeInFlight = false
}

// ConsecutiveFailures returns the current failure run length.
func (b *Breaker) ConsecutiveFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consecutiveFailures
}

// State returns the current circuit state, accounting for cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// Reset force-closes the circuit and clears all counters. Used when a worker
// re-registers with a fresh session.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFailures = 0
	b.cooldown = b.baseCooldown
	b.probeInFlight = false
	b.generation++
}

func (b *Breaker) open(cooldown time.Duration) {
	b.state = StateOpen
	b.cooldown = cooldown
	b.openedAt = b.clock.Now()
	b.generation++
}

// currentState transitions open → half-open once the cooldown has elapsed.
// Callers hold b.mu.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.clock.Since(b.openedAt) >= b.cooldown {
		b.state = StateHalfOpen
		b.probeInFlight = false
		b.generation++
	}
	return b.state
}
