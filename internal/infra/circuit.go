// Package infra holds the small concurrency building blocks shared by the
// services: circuit breakers, TTL caches, in-flight call deduplication and
// the phased shutdown coordinator.
package infra

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Circuit breaker states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// ErrCircuitOpen is returned when a call is rejected without executing.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// Name identifies the breaker, usually "<service> <METHOD> <template>".
	Name string

	// FailMax is the number of consecutive failures before opening.
	FailMax int

	// ResetTimeout is how long the circuit stays open before allowing a
	// half-open probe.
	ResetTimeout time.Duration

	// OnStateChange is called after every transition.
	OnStateChange func(name, from, to string)

	// Now is the clock, defaulting to time.Now. Tests inject a fake.
	Now func() time.Time
}

// Breaker trips open after FailMax consecutive failures, fails fast while
// open, and half-opens after ResetTimeout. One success in half-open closes
// it; one failure re-opens it.
type Breaker struct {
	config BreakerConfig

	mu          sync.Mutex
	state       string
	failures    int
	lastChange  time.Time
	lastFailure time.Time
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(config BreakerConfig) *Breaker {
	if config.FailMax <= 0 {
		config.FailMax = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Breaker{
		config:     config,
		state:      CircuitClosed,
		lastChange: config.Now(),
	}
}

// Allow reports whether a call may proceed, transitioning open to half-open
// when the reset timeout has elapsed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen {
		if b.config.Now().Sub(b.lastChange) >= b.config.ResetTimeout {
			b.transition(CircuitHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	}
	return nil
}

// Record feeds one call outcome into the breaker.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		if b.state == CircuitHalfOpen {
			b.transition(CircuitClosed)
		}
		return
	}

	b.failures++
	b.lastFailure = b.config.Now()
	switch b.state {
	case CircuitClosed:
		if b.failures >= b.config.FailMax {
			b.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		b.transition(CircuitOpen)
	}
}

// Execute runs fn under the breaker.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.Record(err)
	return err
}

// ExecuteWithResult runs a value-returning fn under the breaker.
func ExecuteWithResult[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.Allow(); err != nil {
		return zero, err
	}
	v, err := fn(ctx)
	b.Record(err)
	return v, err
}

// State returns the current state, applying the open to half-open timeout.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.config.Now().Sub(b.lastChange) >= b.config.ResetTimeout {
		b.transition(CircuitHalfOpen)
	}
	return b.state
}

// Reset forces the breaker closed. Operator escape hatch.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state != CircuitClosed {
		b.transition(CircuitClosed)
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to string) {
	from := b.state
	b.state = to
	b.lastChange = b.config.Now()
	if to != CircuitClosed {
		// The failure streak only accumulates while closed; open and
		// half-open restart it.
		b.failures = 0
	}
	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.config.Name, from, to)
	}
}

// BreakerRegistry creates and caches breakers by name so every
// (service, endpoint template) pair gets exactly one.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	defaults BreakerConfig
}

// NewBreakerRegistry creates a registry. The defaults apply to every breaker
// it mints; Name is set per entry.
func NewBreakerRegistry(defaults BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*Breaker),
		defaults: defaults,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	config := r.defaults
	config.Name = name
	b := NewBreaker(config)
	r.breakers[name] = b
	return b
}

// OpenCircuits returns the names of all currently open breakers.
func (r *BreakerRegistry) OpenCircuits() []string {
	r.mu.Lock()
	type entry struct {
		name string
		b    *Breaker
	}
	entries := make([]entry, 0, len(r.breakers))
	for name, b := range r.breakers {
		entries = append(entries, entry{name, b})
	}
	r.mu.Unlock()

	var open []string
	for _, e := range entries {
		if e.b.State() == CircuitOpen {
			open = append(open, e.name)
		}
	}
	return open
}
