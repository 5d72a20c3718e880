package router

import (
	"sync"
	"time"
)

// CircuitStatus is the state of one (stage, tier) breaker.
type CircuitStatus string

const (
	CircuitClosed   CircuitStatus = "closed"
	CircuitOpen     CircuitStatus = "open"
	CircuitHalfOpen CircuitStatus = "half-open"
)

// circuit is the per-key breaker state.
type circuit struct {
	status              CircuitStatus
	consecutiveFailures int
	openedAt            time.Time
}

// Breakers is a registry of circuit breakers keyed per (stage, tier).
// closed -> open after failureThreshold consecutive failures;
// open -> half-open once recoveryTimeout elapses;
// half-open -> closed on the next success, -> open on the next failure.
type Breakers struct {
	failureThreshold int
	recoveryTimeout  time.Duration

	mu       sync.Mutex
	circuits map[string]*circuit

	now func() time.Time
}

// NewBreakers creates a breaker registry.
func NewBreakers(failureThreshold int, recoveryTimeout time.Duration) *Breakers {
	return &Breakers{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		circuits:         make(map[string]*circuit),
		now:              time.Now,
	}
}

// Allow reports whether a call for key may be attempted. An open circuit
// whose recovery timeout has elapsed transitions to half-open and admits
// a single probe.
func (b *Breakers) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return true
	}
	switch c.status {
	case CircuitOpen:
		if b.now().Sub(c.openedAt) >= b.recoveryTimeout {
			c.status = CircuitHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// Success resets the breaker for key.
func (b *Breakers) Success(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return
	}
	c.status = CircuitClosed
	c.consecutiveFailures = 0
}

// Failure records one terminal failure for key and may open the circuit.
func (b *Breakers) Failure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		c = &circuit{status: CircuitClosed}
		b.circuits[key] = c
	}
	if c.status == CircuitHalfOpen {
		c.status = CircuitOpen
		c.openedAt = b.now()
		return
	}
	c.consecutiveFailures++
	if c.consecutiveFailures >= b.failureThreshold {
		c.status = CircuitOpen
		c.openedAt = b.now()
	}
}

// Status returns the current status for key.
func (b *Breakers) Status(key string) CircuitStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return CircuitClosed
	}
	return c.status
}
