// Package breakers guards the execution pipeline with independent circuit
// breakers, one per failure domain, plus a manager that can halt the whole
// system. Unlike the gobreaker-style interval counters used on the
// analytics side, these breakers keep a true sliding event window and
// distinguish the half-open test budget from the success threshold, which
// is what the recovery policy needs.
package breakers

import (
	"sync"
	"time"

	"github.com/slipstreamlabs/slipstream/internal/domain"
)

// percentageMinimumSample is the smallest window population a rate-based
// trip is evaluated on. Below it a single failure would read as 100%.
const percentageMinimumSample = 10

// Transition records one state change for auditing.
type Transition struct {
	Type   domain.BreakerType
	Name   string
	From   domain.BreakerState
	To     domain.BreakerState
	At     time.Time
	Reason string
}

type event struct {
	at      time.Time
	success bool
}

// Breaker is a single failure-domain circuit breaker.
type Breaker struct {
	breakerType domain.BreakerType
	name        string
	config      domain.BreakerConfig
	clock       func() time.Time

	mu                  sync.Mutex
	state               domain.BreakerState
	events              []event
	consecutiveFailures int
	openedAt            *time.Time
	halfOpenRequests    int
	halfOpenSuccesses   int
}

// New builds a closed breaker.
func New(breakerType domain.BreakerType, name string, config domain.BreakerConfig) *Breaker {
	return &Breaker{
		breakerType: breakerType,
		name:        name,
		config:      config,
		clock:       time.Now,
		state:       domain.BreakerClosed,
	}
}

// Name returns the breaker's display name.
func (b *Breaker) Name() string { return b.name }

// Type returns the breaker's failure domain.
func (b *Breaker) Type() domain.BreakerType { return b.breakerType }

// OpenError is returned when a breaker refuses a request.
type OpenError struct {
	Name string
}

func (e *OpenError) Error() string {
	return "circuit breaker open: " + e.Name
}

// Allow reports whether a request may proceed. In the open state it flips
// to half-open once the recovery timeout has elapsed; in the half-open
// state it meters requests against the test budget, and breaching the
// budget reopens the breaker.
func (b *Breaker) Allow() (bool, *Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	switch b.state {
	case domain.BreakerClosed:
		return true, nil

	case domain.BreakerOpen:
		if tr := b.maybeHalfOpenLocked(now); tr != nil {
			b.halfOpenRequests++
			return true, tr
		}
		return false, nil

	case domain.BreakerHalfOpen:
		if b.halfOpenRequests >= b.config.TestRequestLimit {
			tr := b.transitionLocked(domain.BreakerOpen, now, "test request limit exceeded")
			return false, tr
		}
		b.halfOpenRequests++
		return true, nil
	}
	return false, nil
}

// RecordSuccess feeds one successful operation into the breaker.
func (b *Breaker) RecordSuccess() *Transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	b.pruneLocked(now)
	b.events = append(b.events, event{at: now, success: true})
	b.consecutiveFailures = 0

	if b.state == domain.BreakerHalfOpen {
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.config.RecoverySuccessThreshold {
			return b.transitionLocked(domain.BreakerClosed, now, "recovery confirmed")
		}
	}
	return nil
}

// RecordFailure feeds one failed operation into the breaker and evaluates
// the trip conditions.
func (b *Breaker) RecordFailure(reason string) *Transition {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	b.pruneLocked(now)
	b.events = append(b.events, event{at: now, success: false})
	b.consecutiveFailures++

	switch b.state {
	case domain.BreakerHalfOpen:
		// any failure during recovery reopens
		return b.transitionLocked(domain.BreakerOpen, now, "failure during recovery: "+reason)

	case domain.BreakerClosed:
		if trip := b.tripReasonLocked(); trip != "" {
			if reason != "" {
				trip += ": " + reason
			}
			return b.transitionLocked(domain.BreakerOpen, now, trip)
		}
	}
	return nil
}

// Reevaluate moves an open breaker to half-open once the recovery timeout
// has elapsed. The manager calls it on a background tick.
func (b *Breaker) Reevaluate() *Transition {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maybeHalfOpenLocked(b.clock())
}

// State returns the current state.
func (b *Breaker) State() domain.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the externally visible breaker state.
func (b *Breaker) Snapshot() domain.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pruneLocked(b.clock())
	failures := 0
	for _, ev := range b.events {
		if !ev.success {
			failures++
		}
	}

	snap := domain.BreakerSnapshot{
		Type:                b.breakerType,
		Name:                b.name,
		State:               b.state,
		FailureCount:        failures,
		ConsecutiveFailures: b.consecutiveFailures,
		Config:              b.config,
	}
	if b.openedAt != nil {
		openedAt := *b.openedAt
		snap.OpenedAt = &openedAt
	}
	return snap
}

// pruneLocked drops events that have aged out of the sliding window.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.config.TimeWindow)
	kept := b.events[:0]
	for _, ev := range b.events {
		if ev.at.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	b.events = kept
}

// tripReasonLocked evaluates the trip conditions against the pruned window
// and returns a human-readable reason, or "" when none fire.
func (b *Breaker) tripReasonLocked() string {
	failures := 0
	for _, ev := range b.events {
		if !ev.success {
			failures++
		}
	}

	if b.config.FailureThreshold > 0 && failures >= b.config.FailureThreshold {
		return "failure threshold reached"
	}
	if b.config.ConsecutiveFailureLimit > 0 && b.consecutiveFailures >= b.config.ConsecutiveFailureLimit {
		return "consecutive failure limit reached"
	}
	if b.config.PercentageThreshold != nil && len(b.events) >= percentageMinimumSample {
		rate := float64(failures) / float64(len(b.events))
		if rate > *b.config.PercentageThreshold {
			return "failure rate above threshold"
		}
	}
	return ""
}

// maybeHalfOpenLocked performs the timed open to half-open transition.
func (b *Breaker) maybeHalfOpenLocked(now time.Time) *Transition {
	if b.state != domain.BreakerOpen || b.openedAt == nil {
		return nil
	}
	if now.Sub(*b.openedAt) < b.config.RecoveryTimeout {
		return nil
	}
	return b.transitionLocked(domain.BreakerHalfOpen, now, "recovery timeout elapsed")
}

// transitionLocked applies a state change and resets the per-state
// counters. Closing clears the event window for a fresh start.
func (b *Breaker) transitionLocked(to domain.BreakerState, now time.Time, reason string) *Transition {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to

	switch to {
	case domain.BreakerOpen:
		openedAt := now
		b.openedAt = &openedAt
		b.halfOpenRequests = 0
		b.halfOpenSuccesses = 0
	case domain.BreakerHalfOpen:
		b.halfOpenRequests = 0
		b.halfOpenSuccesses = 0
	case domain.BreakerClosed:
		b.openedAt = nil
		b.events = b.events[:0]
		b.consecutiveFailures = 0
		b.halfOpenRequests = 0
		b.halfOpenSuccesses = 0
	}

	return &Transition{
		Type:   b.breakerType,
		Name:   b.name,
		From:   from,
		To:     to,
		At:     now,
		Reason: reason,
	}
}
