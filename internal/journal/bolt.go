package journal

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	entriesBucket = []byte("sessions")
	indexBucket   = []byte("session_index")
)

const maxBoltRecent = 1000

// BoltJournal persists entries to a local bbolt file. Entries are stored
// under a monotonically increasing sequence so Recent can walk the bucket
// backwards; session_index maps a session ID to its sequence key.
type BoltJournal struct {
	db *bolt.DB
}

// OpenBoltJournal opens (or creates) the database at path.
func OpenBoltJournal(path string) (*BoltJournal, error) {
	if path == "" {
		return nil, errors.New("bolt journal path required")
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt journal: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{entriesBucket, indexBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("prepare bolt journal: %w", err)
	}
	return &BoltJournal{db: db}, nil
}

// Record implements Journal.
func (j *BoltJournal) Record(_ context.Context, entry Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		entries := tx.Bucket(entriesBucket)
		index := tx.Bucket(indexBucket)
		if previous := index.Get([]byte(entry.SessionID)); previous != nil {
			if err := entries.Delete(previous); err != nil {
				return err
			}
		}
		seq, err := entries.NextSequence()
		if err != nil {
			return err
		}
		key := uint64ToBytes(seq)
		if err := entries.Put(key, data); err != nil {
			return err
		}
		return index.Put([]byte(entry.SessionID), key)
	})
}

// Recent implements Journal.
func (j *BoltJournal) Recent(_ context.Context, limit int) ([]Entry, error) {
	limit = normaliseLimit(limit, maxBoltRecent)
	var out []Entry
	err := j.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(entriesBucket).Cursor()
		for key, value := cursor.Last(); key != nil && len(out) < limit; key, value = cursor.Prev() {
			var entry Entry
			if err := json.Unmarshal(value, &entry); err != nil {
				return fmt.Errorf("decode journal entry %d: %w", bytesToUint64(key), err)
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close implements Journal.
func (j *BoltJournal) Close(context.Context) error {
	return j.db.Close()
}

func uint64ToBytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func bytesToUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
