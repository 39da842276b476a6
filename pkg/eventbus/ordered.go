package eventbus

import (
	"context"
)

// orderedQueue serializes delivery for one ordered subscription on a single
// dedicated goroutine, so publish-order is preserved without ever blocking a
// shared worker-pool goroutine on a consumer's completion (see spec's Open
// Question on processOrderedEvent: a serialized queue replaces the
// blocking-worker-thread approach).
type orderedQueue struct {
	tasks  chan orderedTask
	done   chan struct{}
}

type orderedTask struct {
	ctx context.Context
	run func(ctx context.Context)
}

// queueCapacity bounds backpressure: a full ordered queue causes the
// producer to treat the event as QUEUE_OVERFLOW rather than growing
// unbounded (spec §5).
const queueCapacity = 1024

func newOrderedQueue() *orderedQueue {
	q := &orderedQueue{
		tasks: make(chan orderedTask, queueCapacity),
		done:  make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *orderedQueue) loop() {
	for task := range q.tasks {
		task.run(task.ctx)
	}
	close(q.done)
}

// enqueue submits run for serialized execution. It returns false (without
// queuing) if the queue is full, which the caller maps to QUEUE_OVERFLOW.
func (q *orderedQueue) enqueue(ctx context.Context, run func(ctx context.Context)) bool {
	select {
	case q.tasks <- orderedTask{ctx: ctx, run: run}:
		return true
	default:
		return false
	}
}

func (q *orderedQueue) close() {
	close(q.tasks)
}
