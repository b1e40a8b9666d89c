// Package backoff computes jittered exponential delays for reconnect and
// retry loops.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy parameterizes the delay curve. Attempt 1 waits Initial; each
// further attempt multiplies by Factor, plus up to Jitter fraction of the
// base, clamped at Max.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64
}

// Default suits upstream calls: 100ms doubling to 30s with 10% jitter.
func Default() Policy {
	return Policy{Initial: 100 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: 0.1}
}

// Reconnect suits long-lived stream re-establishment: starts at 1s and
// settles at 30s so a dead peer is not hammered.
func Reconnect() Policy {
	return Policy{Initial: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: 0.2}
}

// Delay returns the wait before the given attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64())
}

func (p Policy) delayWithRand(attempt int, random float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	total := base + base*p.Jitter*random
	if max := float64(p.Max); total > max {
		total = max
	}
	return time.Duration(total)
}

// Sleep waits out the delay for attempt, returning early with ctx.Err()
// on cancellation.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	return SleepContext(ctx, p.Delay(attempt))
}

// SleepContext is a cancellable time.Sleep.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
