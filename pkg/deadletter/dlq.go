// Package deadletter implements eventflow's dead-letter queue and
// poison-message handler: events whose delivery terminated without success
// land here for inspection, requeue, or purge, and a separate poison policy
// decides when a repeatedly-failing event should stop being retried at all.
package deadletter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eventflow-io/eventflow/pkg/eventbus"
)

// Status is the lifecycle state of a DeadLetterEvent.
type Status string

const (
	StatusQuarantined  Status = "QUARANTINED"
	StatusFailed       Status = "FAILED"
	StatusPendingManual Status = "PENDING_MANUAL"
	StatusRequeued     Status = "REQUEUED"
	StatusPurged       Status = "PURGED"
)

// DefaultDLQRetryBudget is the retry budget given to an entry stored through
// the plain Store path (eventbus.DeadLetterSink), as opposed to the richer
// poison-policy actions which set their own budget.
const DefaultDLQRetryBudget = 0

// DeadLetterEvent records one terminally-failed delivery, per spec §3.
type DeadLetterEvent struct {
	ID               uuid.UUID
	Original         *eventbus.Event
	SubscriptionID   uuid.UUID
	Kind             eventbus.ErrorKind
	Message          string
	FirstAttemptTime time.Time
	LastAttemptTime  time.Time
	AttemptCount     int
	Status           Status
	DLQRetryBudget   int
}

// Publisher is the subset of eventbus.Bus that Requeue needs. Accepting an
// interface rather than *eventbus.Bus keeps the queue testable without a
// live bus.
type Publisher interface {
	Publish(ctx context.Context, event *eventbus.Event) (*eventbus.Completion, error)
}

// Queue is an in-memory dead-letter store, safe for concurrent use. It
// satisfies eventbus.DeadLetterSink directly.
type Queue struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*DeadLetterEvent
	order   []uuid.UUID

	// persist, when set, durably mirrors every write. Failures to persist
	// are ignored, not surfaced here: the in-memory queue is the source of
	// truth for serving reads.
	persist func(*DeadLetterEvent)
	forget  func(uuid.UUID)
}

var _ eventbus.DeadLetterSink = (*Queue)(nil)

// NewQueue builds an empty Queue.
func NewQueue() *Queue {
	return &Queue{entries: make(map[uuid.UUID]*DeadLetterEvent)}
}

// WithPersistence wires a BoltStore to mirror every stored/updated entry,
// and restores any previously-persisted entries into q immediately. Call
// this once at startup, before the queue takes traffic.
func WithPersistence(q *Queue, store *BoltStore) (*Queue, error) {
	if err := store.RestoreInto(q); err != nil {
		return nil, err
	}
	q.persist = func(e *DeadLetterEvent) {
		_ = store.Save(e)
	}
	q.forget = func(id uuid.UUID) {
		_ = store.Delete(id.String())
	}
	return q, nil
}

// Store implements eventbus.DeadLetterSink. It is the path the dispatch
// engine itself uses on QUEUE_OVERFLOW and on terminal delivery failures
// such as RETRY_EXHAUSTED that the poison handler didn't already claim.
// Circuit-rejected deliveries are not stored.
func (q *Queue) Store(ctx context.Context, original *eventbus.Event, subscriptionID uuid.UUID, kind eventbus.ErrorKind, message string) error {
	_, err := q.StoreWithStatus(ctx, original, subscriptionID, kind, message, StatusFailed, DefaultDLQRetryBudget)
	return err
}

// StoreWithStatus is the richer entry point poison.Handler uses so it can
// set QUARANTINED / PENDING_MANUAL / a nonzero retry budget. If an entry
// already exists for this (original event id, subscription) pair, it is
// updated in place (LastAttemptTime bumped, AttemptCount incremented)
// rather than duplicated.
func (q *Queue) StoreWithStatus(ctx context.Context, original *eventbus.Event, subscriptionID uuid.UUID, kind eventbus.ErrorKind, message string, status Status, dlqRetryBudget int) (*DeadLetterEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	if existing := q.findLocked(original.ID, subscriptionID); existing != nil {
		existing.LastAttemptTime = now
		existing.AttemptCount++
		existing.Kind = kind
		existing.Message = message
		existing.Status = status
		existing.DLQRetryBudget = dlqRetryBudget
		if q.persist != nil {
			q.persist(existing)
		}
		return existing, nil
	}

	entry := &DeadLetterEvent{
		ID:               uuid.New(),
		Original:         original,
		SubscriptionID:   subscriptionID,
		Kind:             kind,
		Message:          message,
		FirstAttemptTime: now,
		LastAttemptTime:  now,
		AttemptCount:     1,
		Status:           status,
		DLQRetryBudget:   dlqRetryBudget,
	}
	q.entries[entry.ID] = entry
	q.order = append(q.order, entry.ID)
	if q.persist != nil {
		q.persist(entry)
	}
	return entry, nil
}

func (q *Queue) findLocked(originalID, subscriptionID uuid.UUID) *DeadLetterEvent {
	for _, id := range q.order {
		e := q.entries[id]
		if e != nil && e.Original.ID == originalID && e.SubscriptionID == subscriptionID {
			return e
		}
	}
	return nil
}

// List returns up to limit entries, most recently stored first. limit <= 0
// means no bound.
func (q *Queue) List(limit int) []*DeadLetterEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := make([]*DeadLetterEvent, 0, len(q.order))
	for i := len(q.order) - 1; i >= 0; i-- {
		if e, ok := q.entries[q.order[i]]; ok {
			result = append(result, e)
		}
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result
}

// Count returns the number of entries currently stored.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Requeue re-publishes a dead-lettered event through pub, resetting the
// attempt counter and linking the new event's CausationID back to this
// dead-letter entry's id, per spec §4.5. The entry's status becomes
// REQUEUED regardless of whether the republish eventually succeeds.
func (q *Queue) Requeue(ctx context.Context, id uuid.UUID, pub Publisher) (*eventbus.Completion, error) {
	q.mu.Lock()
	entry, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return nil, fmt.Errorf("deadletter: no entry with id %s", id)
	}
	entry.Status = StatusRequeued
	if q.persist != nil {
		q.persist(entry)
	}
	original := entry.Original
	q.mu.Unlock()

	requeued := original.Derive(eventbus.WithCausationID(id))
	return pub.Publish(ctx, requeued)
}

// Purge removes entries whose LastAttemptTime is older than olderThan and
// reports how many were removed.
func (q *Queue) Purge(olderThan time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	purged := 0
	kept := q.order[:0:0]
	for _, id := range q.order {
		e, ok := q.entries[id]
		if !ok {
			continue
		}
		if e.LastAttemptTime.Before(cutoff) {
			delete(q.entries, id)
			if q.forget != nil {
				q.forget(id)
			}
			purged++
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
	return purged
}
