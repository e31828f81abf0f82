// Package retry implements the keeper's connection retry policy: a
// decorrelated-jitter backoff that the Monitor Client applies to the RPCs it
// retries.
//
// The sleep computation is kept as a pure function (nextSleep) so it can be
// unit tested without a clock or a network; the loops that drive it only
// consume the computed durations.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy bounds a sequence of connection attempts by elapsed time and
// attempt count.
type Policy struct {
	MaxTotalSeconds int
	// MaxAttempts: 0 means "no retry within a single call", -1 means
	// unbounded, any positive value is a hard cap.
	MaxAttempts int
	CapSleepMs  int
	BaseSleepMs int

	startTime time.Time
	attempts  int
	lastSleep time.Duration
}

// NewPolicy builds a Policy and records its start time. A Policy counts
// attempts and elapsed time over its whole life: a Monitor Client holds one
// Policy for all of its RPCs, so a fresh retry budget takes a fresh Policy
// (the keeper loop builds a new client and profile every iteration).
func NewPolicy(maxTotalSeconds, maxAttempts, capSleepMs, baseSleepMs int) *Policy {
	return &Policy{
		MaxTotalSeconds: maxTotalSeconds,
		MaxAttempts:     maxAttempts,
		CapSleepMs:      capSleepMs,
		BaseSleepMs:     baseSleepMs,
		startTime:       time.Now(),
	}
}

// Named retry profiles for the different callers of the Monitor Client.
func LocalPostgresProfile() *Policy {
	// no retry
	return NewPolicy(0, 0, 0, 0)
}

func MainLoopToMonitorProfile(postgresPingRetryTimeout int) *Policy {
	return NewPolicy(postgresPingRetryTimeout, 0, 1000, 100)
}

func InitProfile() *Policy {
	return NewPolicy(15*60, -1, 2000, 100)
}

func InteractiveProfile(connectTimeoutSeconds int) *Policy {
	return NewPolicy(connectTimeoutSeconds, -1, 2000, 100)
}

func MonitorInteractiveProfile() *Policy {
	return NewPolicy(15*60, -1, 5000, 100)
}

// nextSleep computes the decorrelated-jitter sleep duration for the given
// attempt:
//
//	sleep_ms = min(capSleepMs, random_between(baseSleepMs, 3*lastSleepMs))
func nextSleep(p *Policy) time.Duration {
	lowerMs := p.BaseSleepMs
	upperMs := 3 * int(p.lastSleep/time.Millisecond)
	if upperMs < lowerMs {
		upperMs = lowerMs
	}
	candidate := lowerMs
	if upperMs > lowerMs {
		candidate = lowerMs + rand.Intn(upperMs-lowerMs+1) //nolint:gosec
	}
	if candidate > p.CapSleepMs {
		candidate = p.CapSleepMs
	}
	return time.Duration(candidate) * time.Millisecond
}

// ShouldStop reports whether the policy has exhausted its budget: elapsed
// time beyond MaxTotalSeconds, or attempts beyond MaxAttempts (MaxAttempts
// == -1 means unbounded attempts).
func (p *Policy) ShouldStop() bool {
	if p.MaxTotalSeconds > 0 && time.Since(p.startTime) > time.Duration(p.MaxTotalSeconds)*time.Second {
		return true
	}
	// attempts counts sleeps already consumed, so >= makes MaxAttempts==0
	// mean "no retry at all" rather than "one retry".
	if p.MaxAttempts >= 0 && p.attempts >= p.MaxAttempts {
		return true
	}
	return false
}

// NextSleep advances the policy's attempt counter and returns how long to
// sleep before the next attempt, per the decorrelated-jitter formula.
func (p *Policy) NextSleep() time.Duration {
	p.attempts++
	sleep := nextSleep(p)
	p.lastSleep = sleep
	return sleep
}

// Attempts returns the number of attempts consumed so far.
func (p *Policy) Attempts() int { return p.attempts }

// Sleep blocks for the policy's next computed sleep duration, or returns
// ctx.Err() immediately if the context is cancelled first. It observes only
// ctx, not the keeper's signal flags.
func Sleep(ctx context.Context, p *Policy) error {
	d := p.NextSleep()
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
