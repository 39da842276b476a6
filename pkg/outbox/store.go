package outbox

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an Entry, per spec §3.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusScheduled  Status = "SCHEDULED"
	StatusPublishing Status = "PUBLISHING"
	StatusPublished  Status = "PUBLISHED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Store persists Entry records. MemStore is the default in-process
// implementation; BoltStore backs it with bbolt for crash survival.
type Store interface {
	Save(entry *Entry) error
	Get(id uuid.UUID) (*Entry, bool)
	// ListDue returns entries whose Status is one of statuses and whose
	// ScheduledAt is at or before asOf.
	ListDue(asOf time.Time, statuses ...Status) []*Entry
	// ListStale returns PUBLISHED/CANCELLED entries whose LastAttemptAt (or
	// CreatedAt, if never attempted) is before cutoff, for cleanup.
	ListStale(cutoff time.Time) []*Entry
	Delete(id uuid.UUID) error
	All() []*Entry
}

// MemStore is an in-memory Store, safe for concurrent use.
type MemStore struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*Entry
}

var _ Store = (*MemStore)(nil)

// NewMemStore builds an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{entries: make(map[uuid.UUID]*Entry)}
}

func (m *MemStore) Save(entry *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *entry
	m.entries[entry.ID] = &clone
	return nil
}

func (m *MemStore) Get(id uuid.UUID) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil, false
	}
	clone := *e
	return &clone, true
}

func (m *MemStore) ListDue(asOf time.Time, statuses ...Status) []*Entry {
	want := make(map[Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*Entry
	for _, e := range m.entries {
		if !want[e.Status] {
			continue
		}
		if e.ScheduledAt.After(asOf) {
			continue
		}
		clone := *e
		due = append(due, &clone)
	}
	return due
}

func (m *MemStore) ListStale(cutoff time.Time) []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []*Entry
	for _, e := range m.entries {
		if e.Status != StatusPublished && e.Status != StatusCancelled {
			continue
		}
		marker := e.LastAttemptAt
		if marker.IsZero() {
			marker = e.CreatedAt
		}
		if marker.Before(cutoff) {
			clone := *e
			stale = append(stale, &clone)
		}
	}
	return stale
}

func (m *MemStore) Delete(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *MemStore) All() []*Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		clone := *e
		all = append(all, &clone)
	}
	return all
}
