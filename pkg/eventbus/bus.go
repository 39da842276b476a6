package eventbus

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/eventflow-io/eventflow/pkg/breaker"
	eventflowlog "github.com/eventflow-io/eventflow/pkg/log"
	"github.com/eventflow-io/eventflow/pkg/retry"
)

// Config parameterizes a Bus. Zero-value collaborators fall back to no-ops,
// so a bare Config{} still produces a usable (if unobserved) bus.
type Config struct {
	WorkerPoolSize int
	BreakerConfig  breaker.Config
	ShutdownGrace  time.Duration

	DeadLetter DeadLetterSink
	Poison     PoisonHandler
	Metrics    MetricsSink
	Tracer     TraceSink
}

// DefaultConfig returns the bus configuration used when a caller does not
// need to override anything.
func DefaultConfig() Config {
	return Config{
		WorkerPoolSize: 32,
		BreakerConfig:  breaker.DefaultConfig(),
		ShutdownGrace:  5 * time.Second,
	}
}

// Bus is eventflow's in-process, generically typed event bus: a subscription
// registry plus a dispatch engine that carries every published event through
// filtering, priority ordering, per-subscriber retry, circuit breaking, and
// dead-letter routing.
type Bus struct {
	registry *registry
	breakers *breaker.Manager

	dlq    DeadLetterSink
	poison PoisonHandler
	metric MetricsSink
	tracer TraceSink

	shutdownGrace time.Duration
	workerSem     chan struct{}

	logger zerolog.Logger
	wg     sync.WaitGroup // in-flight delivery tasks, for Shutdown's drain
	closed chan struct{}
	once   sync.Once
}

// NewBus constructs a Bus from cfg, filling in no-op collaborators for any
// field left nil.
func NewBus(cfg Config) *Bus {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 32
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	dlq := cfg.DeadLetter
	if dlq == nil {
		dlq = noopDeadLetter{}
	}
	poison := cfg.Poison
	if poison == nil {
		poison = noopPoisonHandler{}
	}
	metric := cfg.Metrics
	if metric == nil {
		metric = NoopMetrics{}
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = NoopTracer{}
	}

	b := &Bus{
		registry:      newRegistry(),
		dlq:           dlq,
		poison:        poison,
		metric:        metric,
		tracer:        tracer,
		shutdownGrace: cfg.ShutdownGrace,
		workerSem:     make(chan struct{}, cfg.WorkerPoolSize),
		closed:        make(chan struct{}),
		logger:        eventflowlog.WithComponent("eventbus"),
	}
	observer := func(subscriberID string, from, to breaker.State) {
		metric.RecordCircuitTransition(subscriberID, string(from), string(to))
	}
	breakerCfg := cfg.BreakerConfig
	if breakerCfg.FailureThreshold == 0 && breakerCfg.MinimumCalls == 0 {
		breakerCfg = breaker.DefaultConfig()
	}
	b.breakers = breaker.NewManager(breakerCfg, observer)
	return b
}

// Subscribe registers consumer to receive events of eventType, returning a
// handle to the live subscription. The subscription is eligible for dispatch
// as soon as this call returns (spec §4.1).
func (b *Bus) Subscribe(eventType any, subscriberID string, consumer Consumer, opts Options) *Subscription {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if opts.RetryPolicy.MaxAttempts == 0 {
		opts.RetryPolicy = retry.DefaultPolicy()
	}
	sub := b.registry.subscribe(eventType, consumer, subscriberID, opts)
	if opts.Ordered {
		sub.orderedQueue = newOrderedQueue()
	}
	return sub
}

// Unsubscribe deactivates a single subscription. In-flight attempts finish;
// subsequent dispatch rounds skip it.
func (b *Bus) Unsubscribe(id uuid.UUID) bool {
	sub, ok := b.registry.get(id)
	if ok && sub.orderedQueue != nil {
		sub.orderedQueue.close()
	}
	return b.registry.unsubscribe(id)
}

// UnsubscribeAll removes every subscription owned by subscriberID.
func (b *Bus) UnsubscribeAll(subscriberID string) int {
	for _, sub := range b.registry.listBySubscriber(subscriberID) {
		if sub.orderedQueue != nil {
			sub.orderedQueue.close()
		}
	}
	return b.registry.unsubscribeAll(subscriberID)
}

// GetSubscriptionStats returns the live Stats handle for every subscription
// owned by subscriberID (empty if none).
func (b *Bus) GetSubscriptionStats(subscriberID string) []*Stats {
	subs := b.registry.listBySubscriber(subscriberID)
	stats := make([]*Stats, 0, len(subs))
	for _, sub := range subs {
		stats = append(stats, sub.Stats)
	}
	return stats
}

// Publish dispatches event to every active, filter-matching subscription of
// event.Type and returns a Completion that resolves once all of them have
// reached a terminal outcome (spec §4.2).
func (b *Bus) Publish(ctx context.Context, event *Event) (*Completion, error) {
	if event == nil {
		return nil, NewDispatchError(ErrValidation, "event must not be nil", nil)
	}
	if event.Source == "" {
		return nil, NewDispatchError(ErrValidation, "event.Source must not be empty", nil)
	}

	select {
	case <-b.closed:
		return nil, NewDispatchError(ErrValidation, "bus is shut down", nil)
	default:
	}

	matched := b.matchSubscriptions(event)
	b.metric.RecordPublished(event.Type)
	b.tracer.InjectHeaders(ctx, event.Headers)

	completion := newCompletion(len(matched))
	for _, sub := range matched {
		b.dispatchTo(ctx, event, sub, completion)
	}
	return completion, nil
}

// matchSubscriptions implements spec §4.2 steps 1-2: gather active
// subscriptions for event.Type, drop filter non-matches, sort by descending
// priority with registration order breaking ties.
func (b *Bus) matchSubscriptions(event *Event) []*Subscription {
	all := b.registry.listByType(event.Type)
	matched := make([]*Subscription, 0, len(all))
	for _, sub := range all {
		if !sub.Active() {
			continue
		}
		if sub.Options.Filter != nil && !sub.Options.Filter(event) {
			continue
		}
		matched = append(matched, sub)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].Options.Priority != matched[j].Options.Priority {
			return matched[i].Options.Priority > matched[j].Options.Priority
		}
		return matched[i].seq < matched[j].seq
	})
	return matched
}

// dispatchTo submits one delivery task, routing through the subscription's
// ordered queue or the shared worker pool per spec §4.2.
func (b *Bus) dispatchTo(ctx context.Context, event *Event, sub *Subscription, completion *Completion) {
	run := func(taskCtx context.Context) {
		b.deliver(taskCtx, event, sub, completion)
	}

	if sub.Options.Ordered {
		if sub.orderedQueue == nil {
			sub.orderedQueue = newOrderedQueue()
		}
		b.wg.Add(1)
		tracked := func(taskCtx context.Context) {
			defer b.wg.Done()
			run(taskCtx)
		}
		if !sub.orderedQueue.enqueue(ctx, tracked) {
			b.wg.Done()
			b.onOverflow(ctx, event, sub, completion)
		}
		return
	}

	b.wg.Add(1)
	b.workerSem <- struct{}{}
	go func() {
		defer func() {
			<-b.workerSem
			b.wg.Done()
		}()
		run(ctx)
	}()
}

func (b *Bus) onOverflow(ctx context.Context, event *Event, sub *Subscription, completion *Completion) {
	sub.Stats.recordFailure()
	b.logger.Warn().Str("subscription_id", sub.ID.String()).Msg("ordered queue overflow, routing to dead-letter")
	if sub.Options.DeadLetterEnable {
		_ = b.dlq.Store(ctx, event, sub.ID, ErrQueueOverflow, "ordered delivery queue is full")
	} else if sub.Options.Priority >= PriorityNormal {
		completion.markFailed()
	}
	completion.taskDone()
}

// deliver runs the full per-subscription algorithm from spec §4.2: circuit
// breaker consultation, timeout-wrapped invocation via the retry executor,
// and terminal-outcome routing to the DLQ / poison handler / aggregate
// failure.
func (b *Bus) deliver(ctx context.Context, event *Event, sub *Subscription, completion *Completion) {
	defer completion.taskDone()

	if !sub.Active() {
		return
	}

	spanCtx, endSpan := b.tracer.StartSpan(ctx, event, sub.SubscriberID)
	brk := b.breakers.Get(sub.SubscriberID)

	policy := sub.Options.RetryPolicy
	userPredicate := policy.Predicate
	policy.Predicate = func(err error) bool {
		if breaker.IsOpenRejection(err) {
			return false
		}
		if userPredicate != nil {
			return userPredicate(err)
		}
		return !retry.IsArgumentOrStateError(err)
	}
	executor := retry.NewExecutor(policy)

	start := time.Now()
	attemptErr := executor.Run(spanCtx, func(attemptCtx context.Context, attempt int) error {
		return b.attempt(attemptCtx, event, sub, brk)
	}, func(err error, attempt int, delay time.Duration) {
		b.metric.RecordRetry(event.Type, attempt)
		b.logger.Debug().
			Str("subscription_id", sub.ID.String()).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("retrying delivery")
	})
	latency := time.Since(start)

	if attemptErr == nil {
		sub.Stats.recordSuccess(latency)
		b.metric.RecordProcessed(event.Type, latency)
		endSpan(nil)
		return
	}
	endSpan(attemptErr)
	sub.Stats.recordFailure()
	b.handleFailure(spanCtx, event, sub, attemptErr, latency, completion)
}

// attempt performs one consumer invocation, guarded by the circuit breaker
// and wrapped in the subscription's timeout.
func (b *Bus) attempt(ctx context.Context, event *Event, sub *Subscription, brk *breaker.Breaker) error {
	attemptCtx, cancel := context.WithTimeout(ctx, sub.Options.Timeout)
	defer cancel()

	err := brk.Execute(attemptCtx, func(ctx context.Context) error {
		return sub.Consumer(ctx, event)
	})
	if err != nil {
		if breaker.IsOpenRejection(err) {
			return NewDispatchError(ErrCircuitRejected, "circuit breaker open", err)
		}
		if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			b.metric.RecordTimeout(event.Type)
			return NewDispatchError(ErrTimeout, "consumer exceeded subscription timeout", err)
		}
		return NewDispatchError(ErrConsumerFailure, "consumer returned an error", err)
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		b.metric.RecordTimeout(event.Type)
		return NewDispatchError(ErrTimeout, "consumer exceeded subscription timeout", attemptCtx.Err())
	}
	return nil
}

// handleFailure routes a terminal delivery failure: a circuit-rejected
// outcome is only counted in metrics and never reaches the poison handler or
// the DLQ; every other failure goes to the poison handler and, unless the
// handler claims it, to the DLQ when enabled. A failure the poison handler
// does not claim on a priority >= NORMAL subscription with the DLQ disabled
// fails the publish Completion (spec §4.2 step 4, §4.3, §4.5).
func (b *Bus) handleFailure(ctx context.Context, event *Event, sub *Subscription, attemptErr error, latency time.Duration, completion *Completion) {
	kind := ErrConsumerFailure
	var de *DispatchError
	if errors.As(attemptErr, &de) {
		kind = de.Kind
	}

	var exhausted *retry.ErrExhausted
	terminalCause := attemptErr
	if errors.As(attemptErr, &exhausted) {
		kind = ErrRetryExhausted
		terminalCause = exhausted.LastErr
	}

	b.metric.RecordFailed(event.Type, kind, latency)

	if kind == ErrCircuitRejected {
		if !sub.Options.DeadLetterEnable {
			b.surface(sub, completion)
		}
		return
	}

	handled, err := b.poison.Handle(ctx, event, sub.ID, terminalCause)
	if err != nil {
		b.logger.Error().Err(err).Str("subscription_id", sub.ID.String()).Msg("poison handler failed")
	}
	if handled {
		b.metric.RecordDeadLetter(event.Type, ErrPoison)
		return
	}

	if !sub.Options.DeadLetterEnable {
		b.surface(sub, completion)
		return
	}

	if storeErr := b.dlq.Store(ctx, event, sub.ID, kind, attemptErr.Error()); storeErr != nil {
		b.logger.Error().Err(storeErr).Str("subscription_id", sub.ID.String()).Msg("failed to store dead-letter entry")
	}
	b.metric.RecordDeadLetter(event.Type, kind)
}

func (b *Bus) surface(sub *Subscription, completion *Completion) {
	if sub.Options.Priority >= PriorityNormal {
		completion.markFailed()
	}
}

// Shutdown drains in-flight delivery tasks up to the configured grace
// period, then returns regardless of whether every task finished.
func (b *Bus) Shutdown(ctx context.Context) error {
	var err error
	b.once.Do(func() {
		close(b.closed)

		deadline := b.shutdownGrace
		drainCtx, cancel := context.WithTimeout(ctx, deadline)
		defer cancel()

		done := make(chan struct{})
		go func() {
			b.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-drainCtx.Done():
			err = NewDispatchError(ErrTimeout, "shutdown grace period elapsed with tasks still in flight", drainCtx.Err())
		}
	})
	return err
}
