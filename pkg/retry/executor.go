package retry

import (
	"context"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// AttemptFunc performs one delivery attempt. attempt is 1-based.
type AttemptFunc func(ctx context.Context, attempt int) error

// NotifyFunc is invoked after each failed attempt, before the executor
// sleeps for the next backoff delay. The bus wires this to
// record-retry(attempt) on the metrics sink.
type NotifyFunc func(err error, attempt int, delay time.Duration)

// Executor schedules retries per Policy. The backoff sleep between attempts
// happens on the goroutine that called Run; there is no separate scheduling
// goroutine, so a caller running Run on a worker-pool goroutine keeps that
// goroutine (and its pool slot) occupied for the whole wait.
type Executor struct {
	policy Policy
}

// NewExecutor builds an Executor bound to policy.
func NewExecutor(policy Policy) *Executor {
	return &Executor{policy: policy}
}

// policyBackOff adapts Policy's delay math to cenkalti/backoff's BackOff
// interface, so the scheduling loop itself is the well-tested
// backoff.RetryNotify rather than a hand-rolled for-loop.
type policyBackOff struct {
	policy  Policy
	attempt int
}

func (b *policyBackOff) NextBackOff() time.Duration {
	b.attempt++
	if b.policy.Exhausted(b.attempt) {
		return backoff.Stop
	}
	return b.policy.Delay(b.attempt)
}

func (b *policyBackOff) Reset() { b.attempt = 0 }

// ErrExhausted wraps the last error observed once the policy's attempt
// budget is consumed.
type ErrExhausted struct {
	Attempts int
	LastErr  error
}

func (e *ErrExhausted) Error() string {
	return "retry budget exhausted after " + strconv.Itoa(e.Attempts) + " attempts: " + e.LastErr.Error()
}

func (e *ErrExhausted) Unwrap() error { return e.LastErr }

// Run executes fn under the executor's policy, sleeping via backoff between
// attempts. It returns nil on the first success, a non-retryable error
// immediately (wrapped unchanged), or *ErrExhausted once MaxAttempts have
// run out.
func (e *Executor) Run(ctx context.Context, fn AttemptFunc, notify NotifyFunc) error {
	bo := &policyBackOff{policy: e.policy}
	attempt := 0
	var lastErr error
	nonRetryable := false

	operation := func() error {
		attempt++
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !e.policy.IsRetryable(err) {
			nonRetryable = true
			return backoff.Permanent(err)
		}
		return err
	}

	onRetry := func(err error, delay time.Duration) {
		if notify != nil {
			notify(err, attempt, delay)
		}
	}

	ctxBackoff := backoff.WithContext(bo, ctx)
	err := backoff.RetryNotify(operation, ctxBackoff, onRetry)
	if err == nil {
		return nil
	}
	if nonRetryable {
		return lastErr
	}

	var permanent *backoff.PermanentError
	if asPermanent(err, &permanent) {
		return permanent.Err
	}

	return &ErrExhausted{Attempts: attempt, LastErr: lastErr}
}

func asPermanent(err error, target **backoff.PermanentError) bool {
	if pe, ok := err.(*backoff.PermanentError); ok {
		*target = pe
		return true
	}
	return false
}
