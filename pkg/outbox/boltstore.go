package outbox

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var bucketOutbox = []byte("outbox")

// BoltStore persists Entry records in a bbolt file, following the same
// single-bucket layout as pkg/deadletter.BoltStore.
// Reads are served from an in-memory cache kept in sync with every write, so
// ListDue/ListStale (which need to scan) don't pay a full bucket walk under
// the read lock on every poll tick.
type BoltStore struct {
	db *bolt.DB

	mu    sync.Mutex
	cache map[uuid.UUID]*Entry
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens (creating if necessary) a bbolt database under dataDir
// for outbox persistence, loading any existing entries into its cache.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "outbox.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("outbox: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketOutbox)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("outbox: create bucket: %w", err)
	}

	s := &BoltStore{db: db, cache: make(map[uuid.UUID]*Entry)}
	if err := s.loadCache(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) loadCache() error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		return b.ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			s.cache[entry.ID] = &entry
			return nil
		})
	})
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Save(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		return b.Put([]byte(entry.ID.String()), data)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	clone := *entry
	s.cache[entry.ID] = &clone
	s.mu.Unlock()
	return nil
}

func (s *BoltStore) Get(id uuid.UUID) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[id]
	if !ok {
		return nil, false
	}
	clone := *e
	return &clone, true
}

func (s *BoltStore) ListDue(asOf time.Time, statuses ...Status) []*Entry {
	want := make(map[Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Entry
	for _, e := range s.cache {
		if !want[e.Status] || e.ScheduledAt.After(asOf) {
			continue
		}
		clone := *e
		due = append(due, &clone)
	}
	return due
}

func (s *BoltStore) ListStale(cutoff time.Time) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []*Entry
	for _, e := range s.cache {
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

func (s *BoltStore) Delete(id uuid.UUID) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		return b.Delete([]byte(id.String()))
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
	return nil
}

func (s *BoltStore) All() []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*Entry, 0, len(s.cache))
	for _, e := range s.cache {
		clone := *e
		all = append(all, &clone)
	}
	return all
}
