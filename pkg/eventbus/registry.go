package eventbus

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// registry indexes subscriptions by event type. Per-type subscriber lists
// are copy-on-write: subscribe/unsubscribe build a new slice and swap it in,
// so a dispatch round iterating a snapshot is never blocked by, or blocks,
// concurrent registry mutation (spec §4.1, §5).
type registry struct {
	mu      sync.Mutex // guards the maps; per-type slices are read via the atomic snapshot
	byType  map[any]*atomic.Pointer[[]*Subscription]
	byID    map[uuid.UUID]*Subscription
	nextSeq atomic.Int64
}

func newRegistry() *registry {
	return &registry{
		byType: make(map[any]*atomic.Pointer[[]*Subscription]),
		byID:   make(map[uuid.UUID]*Subscription),
	}
}

func (r *registry) subscribe(eventType any, consumer Consumer, subscriberID string, opts Options) *Subscription {
	sub := &Subscription{
		ID:           uuid.New(),
		SubscriberID: subscriberID,
		EventType:    eventType,
		Consumer:     consumer,
		Options:      opts,
		Stats:        &Stats{},
		seq:          r.nextSeq.Add(1),
	}
	sub.active.Store(true)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.byID[sub.ID] = sub

	slot, ok := r.byType[eventType]
	if !ok {
		slot = &atomic.Pointer[[]*Subscription]{}
		r.byType[eventType] = slot
	}
	current := slot.Load()
	var updated []*Subscription
	if current != nil {
		updated = make([]*Subscription, len(*current), len(*current)+1)
		copy(updated, *current)
	}
	updated = append(updated, sub)
	slot.Store(&updated)

	return sub
}

// listByType returns a point-in-time snapshot, safe to range over while
// other goroutines subscribe/unsubscribe concurrently.
func (r *registry) listByType(eventType any) []*Subscription {
	r.mu.Lock()
	slot, ok := r.byType[eventType]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	ptr := slot.Load()
	if ptr == nil {
		return nil
	}
	return *ptr
}

func (r *registry) listBySubscriber(subscriberID string) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*Subscription
	for _, sub := range r.byID {
		if sub.SubscriberID == subscriberID {
			result = append(result, sub)
		}
	}
	return result
}

func (r *registry) unsubscribe(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[id]
	if !ok {
		return false
	}
	sub.deactivate()
	delete(r.byID, id)
	r.removeFromType(sub)
	return true
}

func (r *registry) unsubscribeAll(subscriberID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, sub := range r.byID {
		if sub.SubscriberID != subscriberID {
			continue
		}
		sub.deactivate()
		delete(r.byID, id)
		r.removeFromType(sub)
		removed++
	}
	return removed
}

// cleanupInactive drops any subscription already marked inactive from the
// per-type snapshot (unsubscribe already does this eagerly; this exists for
// callers that deactivate subscriptions some other way).
func (r *registry) cleanupInactive() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for eventType, slot := range r.byType {
		current := slot.Load()
		if current == nil {
			continue
		}
		kept := make([]*Subscription, 0, len(*current))
		for _, sub := range *current {
			if sub.Active() {
				kept = append(kept, sub)
			} else {
				removed++
			}
		}
		if len(kept) != len(*current) {
			slot.Store(&kept)
		}
		_ = eventType
	}
	return removed
}

// removeFromType must be called with r.mu held.
func (r *registry) removeFromType(sub *Subscription) {
	slot, ok := r.byType[sub.EventType]
	if !ok {
		return
	}
	current := slot.Load()
	if current == nil {
		return
	}
	kept := make([]*Subscription, 0, len(*current))
	for _, s := range *current {
		if s.ID != sub.ID {
			kept = append(kept, s)
		}
	}
	slot.Store(&kept)
}

func (r *registry) get(id uuid.UUID) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byID[id]
	return sub, ok
}
