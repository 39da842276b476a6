package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventflow-io/eventflow/pkg/breaker"
	"github.com/eventflow-io/eventflow/pkg/retry"
)

const orderCreated = "ORDER_CREATED"

func fastRetryPolicy() retry.Policy {
	p := retry.DefaultPolicy()
	p.InitialDelay = time.Millisecond
	p.MaxDelay = 5 * time.Millisecond
	p.Jitter = false
	return p
}

// TestPublishSuccessPath mirrors scenario S1: a single consumer, default
// options, one publish, processed once, DLQ empty.
func TestPublishSuccessPath(t *testing.T) {
	bus := NewBus(DefaultConfig())
	var calls atomic.Int32

	opts := DefaultOptions()
	sub := bus.Subscribe(orderCreated, "billing", func(ctx context.Context, e *Event) error {
		calls.Add(1)
		return nil
	}, opts)

	event := NewEvent(orderCreated, map[string]string{"orderId": "o-1"}, "checkout")
	completion, err := bus.Publish(context.Background(), event)
	require.NoError(t, err)
	require.NoError(t, completion.Wait(context.Background()))

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), sub.Stats.Processed.Load())
	assert.Equal(t, int64(0), sub.Stats.Failed.Load())
}

// TestPublishFilterDropsNonMatches verifies a filter silently excludes a
// subscription from a dispatch round rather than counting as a failure.
func TestPublishFilterDropsNonMatches(t *testing.T) {
	bus := NewBus(DefaultConfig())
	var calls atomic.Int32

	opts := DefaultOptions()
	opts.Filter = func(e *Event) bool { return false }
	bus.Subscribe(orderCreated, "billing", func(ctx context.Context, e *Event) error {
		calls.Add(1)
		return nil
	}, opts)

	completion, err := bus.Publish(context.Background(), NewEvent(orderCreated, nil, "checkout"))
	require.NoError(t, err)
	require.NoError(t, completion.Wait(context.Background()))
	assert.Equal(t, int32(0), calls.Load())
}

// TestPublishPriorityOrdering checks subscriptions fire in descending
// priority order for a given event, ties broken by registration order.
func TestPublishPriorityOrdering(t *testing.T) {
	// A single worker slot serializes unordered delivery: each dispatch waits
	// for the previous delivery task to finish before starting the next, so
	// the consumers run in dispatch order. Separate ordered subscriptions
	// would not do this, since each has its own delivery goroutine.
	cfg := DefaultConfig()
	cfg.WorkerPoolSize = 1
	bus := NewBus(cfg)

	var mu sync.Mutex
	var order []string
	record := func(name string) Consumer {
		return func(ctx context.Context, e *Event) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	low := DefaultOptions()
	low.Priority = PriorityLow
	normal := DefaultOptions()
	normal.Priority = PriorityNormal
	high := DefaultOptions()
	high.Priority = PriorityHigh

	bus.Subscribe(orderCreated, "low", record("low"), low)
	bus.Subscribe(orderCreated, "normal", record("normal"), normal)
	bus.Subscribe(orderCreated, "high", record("high"), high)

	completion, err := bus.Publish(context.Background(), NewEvent(orderCreated, nil, "checkout"))
	require.NoError(t, err)
	require.NoError(t, completion.Wait(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 3)
	assert.Equal(t, []string{"high", "normal", "low"}, order)
}

// TestPublishRetriesThenSucceeds exercises the retry executor end to end:
// the consumer fails twice, then succeeds on the third attempt.
func TestPublishRetriesThenSucceeds(t *testing.T) {
	bus := NewBus(DefaultConfig())
	var attempts atomic.Int32

	opts := DefaultOptions()
	opts.RetryPolicy = fastRetryPolicy()
	sub := bus.Subscribe(orderCreated, "billing", func(ctx context.Context, e *Event) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient failure")
		}
		return nil
	}, opts)

	completion, err := bus.Publish(context.Background(), NewEvent(orderCreated, nil, "checkout"))
	require.NoError(t, err)
	require.NoError(t, completion.Wait(context.Background()))

	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, int64(1), sub.Stats.Processed.Load())
}

// TestPublishRetryExhaustedGoesToDeadLetter exercises spec §4.3's exhaustion
// path: after maxAttempts, the event is stored in the DLQ with reason
// RETRY_EXHAUSTED and the aggregate completion still succeeds because DLQ
// is enabled.
func TestPublishRetryExhaustedGoesToDeadLetter(t *testing.T) {
	dlq := &fakeDeadLetter{}
	cfg := DefaultConfig()
	cfg.DeadLetter = dlq
	bus := NewBus(cfg)

	opts := DefaultOptions()
	opts.RetryPolicy = fastRetryPolicy()
	opts.RetryPolicy.MaxAttempts = 2
	opts.DeadLetterEnable = true
	sub := bus.Subscribe(orderCreated, "billing", func(ctx context.Context, e *Event) error {
		return errors.New("permanent failure")
	}, opts)

	completion, err := bus.Publish(context.Background(), NewEvent(orderCreated, nil, "checkout"))
	require.NoError(t, err)
	require.NoError(t, completion.Wait(context.Background()))

	assert.Equal(t, int64(1), sub.Stats.Failed.Load())
	require.Len(t, dlq.entries, 1)
	assert.Equal(t, ErrRetryExhausted, dlq.entries[0].kind)
}

// TestPublishAggregateFailsWithoutDeadLetter covers spec §4.2 step 4: a
// NORMAL-or-higher subscription with the DLQ disabled surfaces its terminal
// failure on the aggregate Completion.
func TestPublishAggregateFailsWithoutDeadLetter(t *testing.T) {
	bus := NewBus(DefaultConfig())

	opts := DefaultOptions()
	opts.RetryPolicy = fastRetryPolicy()
	opts.RetryPolicy.MaxAttempts = 1
	opts.DeadLetterEnable = false
	opts.Priority = PriorityNormal
	bus.Subscribe(orderCreated, "billing", func(ctx context.Context, e *Event) error {
		return errors.New("permanent failure")
	}, opts)

	completion, err := bus.Publish(context.Background(), NewEvent(orderCreated, nil, "checkout"))
	require.NoError(t, err)
	assert.Error(t, completion.Wait(context.Background()))
}

// TestPublishLowPriorityFailureDoesNotFailAggregate mirrors the other half
// of spec §4.2 step 4: a below-NORMAL priority subscription never fails the
// aggregate, DLQ or not.
func TestPublishLowPriorityFailureDoesNotFailAggregate(t *testing.T) {
	bus := NewBus(DefaultConfig())

	opts := DefaultOptions()
	opts.RetryPolicy = fastRetryPolicy()
	opts.RetryPolicy.MaxAttempts = 1
	opts.DeadLetterEnable = false
	opts.Priority = PriorityLow
	bus.Subscribe(orderCreated, "analytics", func(ctx context.Context, e *Event) error {
		return errors.New("permanent failure")
	}, opts)

	completion, err := bus.Publish(context.Background(), NewEvent(orderCreated, nil, "checkout"))
	require.NoError(t, err)
	assert.NoError(t, completion.Wait(context.Background()))
}

// TestPublishCircuitRejectsWithoutInvokingConsumer mirrors scenario S4: once
// the breaker is open, further delivery attempts for that subscriber never
// call the consumer.
func TestPublishCircuitRejectsWithoutInvokingConsumer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BreakerConfig = breaker.Config{
		FailureThreshold:         2,
		MinimumCalls:             2,
		WaitDurationInOpenState:  time.Hour,
		PermittedCallsInHalfOpen: 1,
	}
	bus := NewBus(cfg)

	var calls atomic.Int32
	opts := DefaultOptions()
	opts.RetryPolicy = fastRetryPolicy()
	opts.RetryPolicy.MaxAttempts = 1
	bus.Subscribe(orderCreated, "payments", func(ctx context.Context, e *Event) error {
		calls.Add(1)
		return errors.New("boom")
	}, opts)

	for i := 0; i < 2; i++ {
		completion, err := bus.Publish(context.Background(), NewEvent(orderCreated, nil, "checkout"))
		require.NoError(t, err)
		_ = completion.Wait(context.Background())
	}
	require.Equal(t, int32(2), calls.Load())

	completion, err := bus.Publish(context.Background(), NewEvent(orderCreated, nil, "checkout"))
	require.NoError(t, err)
	_ = completion.Wait(context.Background())
	assert.Equal(t, int32(2), calls.Load(), "consumer must not be invoked while the breaker is open")
}

// TestPublishOrderedSubscriptionPreservesFIFO asserts the ordering guarantee
// from spec §5: events published to the same ordered subscription are
// delivered to its consumer in publish order.
func TestPublishOrderedSubscriptionPreservesFIFO(t *testing.T) {
	bus := NewBus(DefaultConfig())

	var mu sync.Mutex
	var seen []int
	opts := DefaultOptions()
	opts.Ordered = true
	bus.Subscribe(orderCreated, "ledger", func(ctx context.Context, e *Event) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		seen = append(seen, e.Data.(int))
		mu.Unlock()
		return nil
	}, opts)

	const n = 20
	completions := make([]*Completion, n)
	for i := 0; i < n; i++ {
		c, err := bus.Publish(context.Background(), NewEvent(orderCreated, i, "ledger-writer"))
		require.NoError(t, err)
		completions[i] = c
	}
	for _, c := range completions {
		require.NoError(t, c.Wait(context.Background()))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, n)
	for i, v := range seen {
		assert.Equal(t, i, v)
	}
}

// TestPublishTimeoutIsRetryable checks a consumer that outlives its
// subscription timeout is treated as a TIMEOUT failure and retried.
func TestPublishTimeoutIsRetryable(t *testing.T) {
	bus := NewBus(DefaultConfig())
	var attempts atomic.Int32

	opts := DefaultOptions()
	opts.Timeout = 10 * time.Millisecond
	opts.RetryPolicy = fastRetryPolicy()
	sub := bus.Subscribe(orderCreated, "slow-consumer", func(ctx context.Context, e *Event) error {
		n := attempts.Add(1)
		if n == 1 {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	}, opts)

	completion, err := bus.Publish(context.Background(), NewEvent(orderCreated, nil, "checkout"))
	require.NoError(t, err)
	require.NoError(t, completion.Wait(context.Background()))
	assert.GreaterOrEqual(t, attempts.Load(), int32(2))
	assert.Equal(t, int64(1), sub.Stats.Processed.Load())
}

// TestPublishRejectsAfterShutdown checks Shutdown stops accepting new work.
func TestPublishRejectsAfterShutdown(t *testing.T) {
	bus := NewBus(DefaultConfig())
	require.NoError(t, bus.Shutdown(context.Background()))

	_, err := bus.Publish(context.Background(), NewEvent(orderCreated, nil, "checkout"))
	assert.Error(t, err)
}

// TestUnsubscribeStopsFutureDispatch checks an unsubscribed subscription is
// skipped by subsequent publish rounds.
func TestUnsubscribeStopsFutureDispatch(t *testing.T) {
	bus := NewBus(DefaultConfig())
	var calls atomic.Int32
	sub := bus.Subscribe(orderCreated, "billing", func(ctx context.Context, e *Event) error {
		calls.Add(1)
		return nil
	}, DefaultOptions())

	require.True(t, bus.Unsubscribe(sub.ID))

	completion, err := bus.Publish(context.Background(), NewEvent(orderCreated, nil, "checkout"))
	require.NoError(t, err)
	require.NoError(t, completion.Wait(context.Background()))
	assert.Equal(t, int32(0), calls.Load())
}

type dlqEntry struct {
	kind ErrorKind
}

type fakeDeadLetter struct {
	mu      sync.Mutex
	entries []dlqEntry
}

func (f *fakeDeadLetter) Store(ctx context.Context, original *Event, subscriptionID uuid.UUID, kind ErrorKind, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, dlqEntry{kind: kind})
	return nil
}
