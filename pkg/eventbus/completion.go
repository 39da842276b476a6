package eventbus

import (
	"context"
	"sync/atomic"
)

// Completion is returned by Publish and completes once every matched
// subscription has reached a terminal outcome: success, retry-exhausted,
// circuit-rejected, or timed-out. Per-subscription failures are normally
// absorbed by the DLQ; Completion only reports an aggregate failure when at
// least one NORMAL-or-higher-priority subscription had DLQ disabled and
// failed terminally (spec §4.2 step 4).
type Completion struct {
	remaining atomic.Int64
	done      chan struct{}
	failed    atomic.Bool
}

func newCompletion(subscriptionCount int) *Completion {
	c := &Completion{done: make(chan struct{})}
	if subscriptionCount == 0 {
		close(c.done)
		return c
	}
	c.remaining.Store(int64(subscriptionCount))
	return c
}

func (c *Completion) markFailed() {
	c.failed.Store(true)
}

func (c *Completion) taskDone() {
	if c.remaining.Add(-1) == 0 {
		close(c.done)
	}
}

// Wait blocks until every matched subscription reaches a terminal outcome,
// or ctx is done first.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		if c.failed.Load() {
			return NewDispatchError(ErrRetryExhausted, "one or more subscriptions failed without a DLQ to absorb the failure", nil)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done exposes the completion channel directly for select-based callers.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}
