package deadletter

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var bucketDeadLetters = []byte("dead_letters")

// boltRecord is the JSON-on-disk shape of a DeadLetterEvent. eventbus.Event
// itself is already JSON-tagged-free but marshals fine via its exported
// fields, so boltRecord just wraps it with the queue bookkeeping fields.
type boltRecord struct {
	DeadLetterEvent
}

// BoltStore persists dead-letter entries in a bbolt file, following the
// same single-bucket-per-entity layout as pkg/outbox.BoltStore. It is
// loaded into a Queue at startup and then kept in sync on every write, so
// reads stay served from the in-memory Queue while writes are durable.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a bbolt database under dataDir
// for dead-letter persistence.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "deadletter.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("deadletter: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDeadLetters)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("deadletter: create bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Save persists one entry, upserted by its id.
func (s *BoltStore) Save(entry *DeadLetterEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetters)
		data, err := json.Marshal(boltRecord{*entry})
		if err != nil {
			return err
		}
		return b.Put([]byte(entry.ID.String()), data)
	})
}

// Delete removes a persisted entry, used after Purge drops it from memory.
func (s *BoltStore) Delete(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetters)
		return b.Delete([]byte(id))
	})
}

// LoadAll returns every persisted entry, used to rebuild a Queue on
// process start so dead letters survive a restart.
func (s *BoltStore) LoadAll() ([]*DeadLetterEvent, error) {
	var entries []*DeadLetterEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetters)
		return b.ForEach(func(k, v []byte) error {
			var rec boltRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			entry := rec.DeadLetterEvent
			entries = append(entries, &entry)
			return nil
		})
	})
	return entries, err
}

// RestoreInto loads every persisted entry into q, for use at startup
// before the Queue starts serving traffic.
func (s *BoltStore) RestoreInto(q *Queue) error {
	entries, err := s.LoadAll()
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range entries {
		q.entries[e.ID] = e
		q.order = append(q.order, e.ID)
	}
	return nil
}
