// Package breaker isolates failing upstream sources behind per-source
// circuit breakers so one degraded API cannot consume the executor's
// capacity.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker's position.
type State string

const (
	// StateClosed passes calls through and counts consecutive failures.
	StateClosed State = "closed"
	// StateOpen rejects calls until the recovery timeout elapses.
	StateOpen State = "open"
	// StateHalfOpen admits a bounded number of probes.
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned when the breaker rejects a call without invoking it.
var ErrOpen = errors.New("breaker: circuit open")

// Options tune one breaker.
type Options struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before probing.
	RecoveryTimeout time.Duration
	// HalfOpenProbes bounds concurrent probes while half-open.
	HalfOpenProbes int

	// OnTransition is invoked (outside the lock) on every state change.
	OnTransition func(sourceID string, from, to State)

	// Now is injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

func (o *Options) defaults() {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.RecoveryTimeout <= 0 {
		o.RecoveryTimeout = 30 * time.Second
	}
	if o.HalfOpenProbes <= 0 {
		o.HalfOpenProbes = 1
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Breaker is one source's circuit. Allow/RecordSuccess/RecordFailure are safe
// for concurrent use.
type Breaker struct {
	sourceID string
	opts     Options

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probes   int
}

// New creates a closed breaker for one source.
func New(sourceID string, opts Options) *Breaker {
	opts.defaults()
	return &Breaker{sourceID: sourceID, opts: opts, state: StateClosed}
}

// Allow reports whether a call may proceed. An open breaker whose recovery
// timeout has elapsed moves to half-open and admits a probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		if b.opts.Now().Sub(b.openedAt) < b.opts.RecoveryTimeout {
			b.mu.Unlock()
			return ErrOpen
		}
		notify := b.transitionLocked(StateHalfOpen)
		b.probes = 1
		b.mu.Unlock()
		notify()
		return nil

	case StateHalfOpen:
		if b.probes >= b.opts.HalfOpenProbes {
			b.mu.Unlock()
			return ErrOpen
		}
		b.probes++
		b.mu.Unlock()
		return nil
	}

	b.mu.Unlock()
	return nil
}

// RecordSuccess resets the breaker after a passed call. A half-open success
// closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	notify := func() {}
	if b.state == StateHalfOpen {
		notify = b.transitionLocked(StateClosed)
	}
	b.failures = 0
	b.probes = 0
	b.mu.Unlock()
	notify()
}

// RecordFailure counts a failed call. Network errors and 5xx responses are
// failures; 4xx responses are the caller's problem and must not be recorded.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	notify := func() {}
	switch b.state {
	case StateHalfOpen:
		notify = b.transitionLocked(StateOpen)
		b.openedAt = b.opts.Now()
		b.probes = 0
	case StateClosed:
		b.failures++
		if b.failures >= b.opts.FailureThreshold {
			notify = b.transitionLocked(StateOpen)
			b.openedAt = b.opts.Now()
		}
	}
	b.mu.Unlock()
	notify()
}

// Reset forces the breaker closed, clearing counters. Exposed for manual
// operator intervention.
func (b *Breaker) Reset() {
	b.mu.Lock()
	notify := func() {}
	if b.state != StateClosed {
		notify = b.transitionLocked(StateClosed)
	}
	b.failures = 0
	b.probes = 0
	b.mu.Unlock()
	notify()
}

// State returns the current state, advancing open -> half-open if the
// recovery timeout has elapsed (observation only; no probe is consumed).
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.opts.Now().Sub(b.openedAt) >= b.opts.RecoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// transitionLocked changes state and returns the notification closure to run
// after the lock is released.
func (b *Breaker) transitionLocked(to State) func() {
	from := b.state
	b.state = to
	if b.opts.OnTransition == nil || from == to {
		return func() {}
	}
	cb := b.opts.OnTransition
	id := b.sourceID
	return func() { cb(id, from, to) }
}

// Registry hands out one breaker per source.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	opts     Options
}

// NewRegistry creates a registry whose breakers share opts.
func NewRegistry(opts Options) *Registry {
	opts.defaults()
	return &Registry{breakers: make(map[string]*Breaker), opts: opts}
}

// Get returns the breaker for sourceID, creating it closed on first use.
func (r *Registry) Get(sourceID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[sourceID]
	if !ok {
		b = New(sourceID, r.opts)
		r.breakers[sourceID] = b
	}
	return b
}

// States snapshots every breaker's state for observability endpoints.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for id, b := range r.breakers {
		out[id] = b.State()
	}
	return out
}

// Reset force-closes one breaker; it is a no-op for unknown sources.
func (r *Registry) Reset(sourceID string) {
	r.mu.Lock()
	b := r.breakers[sourceID]
	r.mu.Unlock()
	if b != nil {
		b.Reset()
	}
}
