// Package retry implements eventflow's retry policy and backoff math:
// attempt accounting, exponential delay with optional jitter, and the
// retryability predicate that decides whether a failed delivery gets another
// attempt. It is deliberately decoupled from pkg/eventbus so the policy can
// be unit-tested (and reused by pkg/outbox) without pulling in the dispatch
// engine.
package retry

import (
	"errors"
	"math/rand"
	"time"
)

// Policy describes how many times and with what delay a failed delivery is
// retried.
type Policy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool

	// NonRetryable, when non-empty, marks error classes that never retry
	// regardless of Retryable or Predicate.
	NonRetryable []error
	// Retryable, when non-empty, is an allow-list: errors not in this set
	// never retry.
	Retryable []error
	// Predicate, when set, makes the final call after the NonRetryable and
	// Retryable sets have been consulted.
	Predicate func(err error) bool
}

// DefaultPolicy mirrors the spec's default: three attempts, 100ms initial
// delay doubling up to 10s, with jitter enabled.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// Delay returns the backoff delay after failed attempt n (1-based), i.e. the
// wait before attempt n+1. It is deterministic when Jitter is false:
// delay(n) = min(MaxDelay, InitialDelay*Multiplier^(n-1)). With jitter enabled the result is
// multiplied by a uniform random factor in [0.75, 1.25].
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := float64(p.InitialDelay) * pow(multiplier, n-1)
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		delay *= 0.75 + rand.Float64()*0.5
	}
	return time.Duration(delay)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// IsRetryable decides whether a failure should be retried, following the
// precedence in spec §4.3: non-retryable set, then retryable allow-list,
// then custom predicate, then the default RuntimeException-like heuristic.
func (p Policy) IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	for _, nr := range p.NonRetryable {
		if errors.Is(err, nr) {
			return false
		}
	}
	if len(p.Retryable) > 0 {
		matched := false
		for _, r := range p.Retryable {
			if errors.Is(err, r) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if p.Predicate != nil {
		return p.Predicate(err)
	}
	return !IsArgumentOrStateError(err)
}

// ArgumentError and StateError mark errors that the default retryability
// heuristic treats as permanent (non-retryable), mirroring "argument/state
// errors do not retry" from spec §4.3.
type ArgumentError struct{ Message string }

func (e *ArgumentError) Error() string { return e.Message }

type StateError struct{ Message string }

func (e *StateError) Error() string { return e.Message }

// IsArgumentOrStateError reports whether err is (or wraps) an ArgumentError
// or StateError.
func IsArgumentOrStateError(err error) bool {
	var argErr *ArgumentError
	var stateErr *StateError
	return errors.As(err, &argErr) || errors.As(err, &stateErr)
}

// Exhausted reports whether attempt has consumed the policy's full budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxAttempts
}
