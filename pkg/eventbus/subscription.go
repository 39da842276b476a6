package eventbus

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/eventflow-io/eventflow/pkg/retry"
)

// Consumer processes a single delivery attempt. A returned error is treated
// as a failure of the delivery task; the retry executor decides whether to
// retry based on the subscription's retry policy.
type Consumer func(ctx context.Context, event *Event) error

// Filter decides whether an event matches a subscription beyond its type.
// A nil filter always matches.
type Filter func(event *Event) bool

// Options configures a single subscription.
type Options struct {
	Filter           Filter
	Priority         Priority
	Ordered          bool
	Timeout          time.Duration
	RetryPolicy      retry.Policy
	DeadLetterEnable bool
	BatchSize        int
	BatchTimeout     time.Duration
}

// DefaultOptions returns the options a subscription gets when the caller
// passes none.
func DefaultOptions() Options {
	return Options{
		Priority:         PriorityNormal,
		Ordered:          false,
		Timeout:          5 * time.Second,
		RetryPolicy:      retry.DefaultPolicy(),
		DeadLetterEnable: true,
		BatchSize:        1,
	}
}

// Stats tracks per-subscription delivery counters, mutated atomically so
// reads are safe without a lock during concurrent dispatch.
type Stats struct {
	Processed        atomic.Int64
	Failed           atomic.Int64
	lastProcessedUnix atomic.Int64 // unix nanos, 0 = never
	totalLatencyNanos atomic.Int64
	latencySamples    atomic.Int64
}

// LastProcessedTime returns the time of the most recent successful delivery,
// or the zero Time if none has occurred yet.
func (s *Stats) LastProcessedTime() time.Time {
	nanos := s.lastProcessedUnix.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos).UTC()
}

// AverageLatency returns the mean consumer latency across recorded samples.
func (s *Stats) AverageLatency() time.Duration {
	samples := s.latencySamples.Load()
	if samples == 0 {
		return 0
	}
	return time.Duration(s.totalLatencyNanos.Load() / samples)
}

func (s *Stats) recordSuccess(latency time.Duration) {
	s.Processed.Add(1)
	s.lastProcessedUnix.Store(time.Now().UTC().UnixNano())
	s.totalLatencyNanos.Add(int64(latency))
	s.latencySamples.Add(1)
}

func (s *Stats) recordFailure() {
	s.Failed.Add(1)
}

// Subscription is one binding of a consumer to an event type.
type Subscription struct {
	ID           uuid.UUID
	SubscriberID string
	EventType    any
	Consumer     Consumer
	Options      Options
	Stats        *Stats

	active atomic.Bool
	seq    int64 // registration order, for stable priority ties

	// orderedQueue serializes delivery for Options.Ordered subscriptions.
	// Created by Bus.Subscribe; dispatchTo creates one if it is missing.
	orderedQueue *orderedQueue
}

// Active reports whether the subscription is still eligible for dispatch.
func (s *Subscription) Active() bool {
	return s.active.Load()
}

func (s *Subscription) deactivate() {
	s.active.Store(false)
}
