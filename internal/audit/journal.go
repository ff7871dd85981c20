// Package audit provides a persistent journal of privileged commands executed
// by procmgrd. Each handled connection appends one record; the oldest records
// are pruned once the configured retention is exceeded.
package audit

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const recordsBucket = "commands"

// Record describes one handled command.
type Record struct {
	ID         uint64    `json:"id"`
	ReceivedAt time.Time `json:"received_at"`
	Command    string    `json:"command"`
	PID        int       `json:"pid,omitempty"`
	Args       string    `json:"args,omitempty"`
	Status     int       `json:"status"`
	Events     int       `json:"events,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// Journal provides persistent storage for command records
type Journal struct {
	db         *bolt.DB
	maxEntries int
}

// Open opens or creates the journal database. maxEntries <= 0 disables pruning.
func Open(dbPath string, maxEntries int) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, err
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(recordsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Journal{db: db, maxEntries: maxEntries}, nil
}

// Append stores r, assigning its ID, and prunes the oldest records beyond
// the retention limit in the same transaction.
func (j *Journal) Append(r *Record) error {
	return j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(recordsBucket))

		// Auto-increment ID
		id, _ := b.NextSequence()
		r.ID = id

		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := b.Put(itob(id), data); err != nil {
			return err
		}

		if j.maxEntries <= 0 || id <= uint64(j.maxEntries) {
			return nil
		}

		// IDs are sequential, so everything at or below cutoff is beyond retention.
		cutoff := id - uint64(j.maxEntries)
		var stale [][]byte
		c := b.Cursor()
		for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= cutoff; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Recent returns up to limit records, newest first.
func (j *Journal) Recent(limit int) ([]*Record, error) {
	var records []*Record

	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(recordsBucket))
		c := b.Cursor()

		for k, v := c.Last(); k != nil && len(records) < limit; k, v = c.Prev() {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			records = append(records, &r)
		}
		return nil
	})

	return records, err
}

// Count returns the number of stored records
func (j *Journal) Count() (int, error) {
	var count int
	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(recordsBucket))
		count = b.Stats().KeyN
		return nil
	})
	return count, err
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}

// itob converts uint64 to big-endian bytes for ordered keys
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}
