package breaker

import (
	"errors"
	"testing"
	"time"
)

// fakeClock lets tests step through the recovery timeout deterministically.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(threshold int, recovery time.Duration, clock *fakeClock, transitions *[]State) *Breaker {
	return New("src-1", Options{
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
		Now:              clock.Now,
		OnTransition: func(_ string, _, to State) {
			if transitions != nil {
				*transitions = append(*transitions, to)
			}
		},
	})
}

func TestOpensAfterThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	var transitions []State
	b := newTestBreaker(3, 30*time.Second, clock, &transitions)

	for i := 0; i < 2; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		b.RecordFailure()
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %s before threshold", b.State())
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %s after threshold", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("allow while open: err = %v", err)
	}
	if len(transitions) != 1 || transitions[0] != StateOpen {
		t.Errorf("transitions = %v", transitions)
	}
}

func TestHalfOpenProbeRecovers(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	var transitions []State
	b := newTestBreaker(1, 30*time.Second, clock, &transitions)

	b.RecordFailure()
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected open, got %v", err)
	}

	clock.Advance(29 * time.Second)
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("opened early: %v", err)
	}

	clock.Advance(2 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe rejected after recovery timeout: %v", err)
	}
	// Only one probe is admitted while half-open.
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("second probe admitted: %v", err)
	}

	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state = %s after probe success", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("allow after close: %v", err)
	}

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(1, 30*time.Second, clock, nil)

	b.RecordFailure()
	clock.Advance(31 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("probe: %v", err)
	}
	b.RecordFailure()

	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("breaker not re-opened: %v", err)
	}
	// The fresh open period starts at the probe failure.
	clock.Advance(31 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("second probe window: %v", err)
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(3, 30*time.Second, clock, nil)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatalf("state = %s; success did not reset the counter", b.State())
	}
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %s after three consecutive failures", b.State())
	}
}

func TestManualReset(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	b := newTestBreaker(1, time.Hour, clock, nil)

	b.RecordFailure()
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected open")
	}
	b.Reset()
	if err := b.Allow(); err != nil {
		t.Fatalf("allow after reset: %v", err)
	}
	if b.Failures() != 0 {
		t.Errorf("failures = %d after reset", b.Failures())
	}
}

func TestRegistryPerSourceIsolation(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	reg := NewRegistry(Options{FailureThreshold: 1, RecoveryTimeout: time.Hour, Now: clock.Now})

	reg.Get("a").RecordFailure()

	if err := reg.Get("a").Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("source a should be open")
	}
	if err := reg.Get("b").Allow(); err != nil {
		t.Errorf("source b affected by a's failures: %v", err)
	}

	states := reg.States()
	if states["a"] != StateOpen || states["b"] != StateClosed {
		t.Errorf("states = %v", states)
	}

	reg.Reset("a")
	if err := reg.Get("a").Allow(); err != nil {
		t.Errorf("a after registry reset: %v", err)
	}
}
