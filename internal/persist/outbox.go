package persist

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var outboxBucket = []byte("unsaved")

// defaultOutboxLimit bounds how many documents' unsaved state the outbox
// retains; the oldest entry is evicted first.
const defaultOutboxLimit = 64

// Outbox is the bounded local store of unflushed document state. A session
// writes its latest merged state here when flushing fails outright, so an
// offline editor survives a process restart and can resync on reconnect.
type Outbox struct {
	db    *bolt.DB
	limit int
}

type OutboxEntry struct {
	TeamID     string    `json:"teamId"`
	DocumentID string    `json:"documentId"`
	State      []byte    `json:"state"`
	Version    int64     `json:"version"`
	SavedAt    time.Time `json:"savedAt"`
}

func OpenOutbox(path string) (*Outbox, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(outboxBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init outbox: %w", err)
	}
	return &Outbox{db: db, limit: defaultOutboxLimit}, nil
}

func (o *Outbox) Close() error {
	return o.db.Close()
}

func outboxKey(teamID, documentID string) []byte {
	return []byte(teamID + "/" + documentID)
}

// Put stores the latest unflushed state for a document, replacing any
// earlier entry. When the bound is reached the oldest entry is evicted.
func (o *Outbox) Put(entry OutboxEntry) error {
	entry.SavedAt = time.Now().UTC()
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal outbox entry: %w", err)
	}

	return o.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(outboxBucket)
		key := outboxKey(entry.TeamID, entry.DocumentID)

		if bucket.Get(key) == nil && o.countLocked(bucket) >= o.limit {
			if oldest := o.oldestKeyLocked(bucket); oldest != nil {
				if err := bucket.Delete(oldest); err != nil {
					return err
				}
			}
		}
		return bucket.Put(key, value)
	})
}

// Get returns the stored entry for a document, or ok=false.
func (o *Outbox) Get(teamID, documentID string) (OutboxEntry, bool, error) {
	var entry OutboxEntry
	var found bool
	err := o.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(outboxBucket).Get(outboxKey(teamID, documentID))
		if value == nil {
			return nil
		}
		found = true
		return json.Unmarshal(value, &entry)
	})
	if err != nil {
		return OutboxEntry{}, false, fmt.Errorf("read outbox entry: %w", err)
	}
	return entry, found, nil
}

func (o *Outbox) Delete(teamID, documentID string) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(outboxBucket).Delete(outboxKey(teamID, documentID))
	})
}

// List returns every retained entry, oldest first.
func (o *Outbox) List() ([]OutboxEntry, error) {
	var entries []OutboxEntry
	err := o.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(outboxBucket).ForEach(func(_, value []byte) error {
			var entry OutboxEntry
			if err := json.Unmarshal(value, &entry); err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list outbox: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].SavedAt.Before(entries[j].SavedAt)
	})
	return entries, nil
}

func (o *Outbox) countLocked(bucket *bolt.Bucket) int {
	count := 0
	_ = bucket.ForEach(func(_, _ []byte) error {
		count++
		return nil
	})
	return count
}

func (o *Outbox) oldestKeyLocked(bucket *bolt.Bucket) []byte {
	var oldestKey []byte
	var oldestAt time.Time
	_ = bucket.ForEach(func(key, value []byte) error {
		var entry OutboxEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return nil
		}
		if oldestKey == nil || entry.SavedAt.Before(oldestAt) {
			oldestKey = append([]byte(nil), key...)
			oldestAt = entry.SavedAt
		}
		return nil
	})
	return oldestKey
}

