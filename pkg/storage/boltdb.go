package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketKV = []byte("kv")
)

// DefaultFileName is the database file inside the data directory
const DefaultFileName = "steward.db"

// BoltStore implements Store using BoltDB. Commit re-validates every
// buffered op inside a single bolt write transaction, so concurrent
// read-modify-write cycles on one key serialize on the sequence check.
type BoltStore struct {
	engine
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	return OpenBoltStore(filepath.Join(dataDir, DefaultFileName), nil)
}

// OpenBoltStore opens the database file at path
func OpenBoltStore(path string, opts *bolt.Options) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if opts == nil || !opts.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			if _, err := tx.CreateBucketIfNotExists(bucketKV); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucketKV, err)
			}
			return nil
		})
		if err != nil {
			db.Close()
			return nil, err
		}
	}

	s := &BoltStore{db: db}
	s.engine = engine{read: s.get, commit: s.apply}
	return s, nil
}

// OpenBoltStoreReadOnly opens an existing store for inspection while the
// agent may still hold it
func OpenBoltStoreReadOnly(dataDir string) (*BoltStore, error) {
	return OpenBoltStore(filepath.Join(dataDir, DefaultFileName), &bolt.Options{
		ReadOnly: true,
		Timeout:  time.Second,
	})
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// List returns every stored record keyed by store key
func (s *BoltStore) List() (map[string]Record, error) {
	records := make(map[string]Record)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to decode %s: %w", k, err)
			}
			records[string(k)] = rec
			return nil
		})
	})
	return records, err
}

func (s *BoltStore) get(key string) (Record, bool, error) {
	var rec Record
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		if b == nil {
			return nil
		}
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return rec, found, nil
}

func (s *BoltStore) apply(_ context.Context, ops []Op) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return applyOps(tx, ops)
	})
}

// replace swaps the whole bucket content for records
func (s *BoltStore) replace(records map[string]Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketKV); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(bucketKV)
		if err != nil {
			return err
		}

		var maxSeq int64
		for key, rec := range records {
			data, err := json.Marshal(rec)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(key), data); err != nil {
				return err
			}
			if rec.Seq > maxSeq {
				maxSeq = rec.Seq
			}
		}
		return b.SetSequence(uint64(maxSeq))
	})
}

// applyOps validates and applies ops inside one bolt write transaction.
// Any failed check rolls back the whole batch.
func applyOps(tx *bolt.Tx, ops []Op) error {
	b := tx.Bucket(bucketKV)
	if b == nil {
		return fmt.Errorf("bucket %s missing", bucketKV)
	}

	for _, op := range ops {
		existing := b.Get([]byte(op.Key))

		switch op.Kind {
		case OpAdd:
			if existing != nil {
				return fmt.Errorf("add %s: %w", op.Key, ErrKeyExists)
			}
		case OpUpdate:
			if existing == nil {
				return fmt.Errorf("update %s: %w", op.Key, ErrConflict)
			}
			var rec Record
			if err := json.Unmarshal(existing, &rec); err != nil {
				return fmt.Errorf("failed to decode %s: %w", op.Key, err)
			}
			if rec.Seq != op.ExpectedSeq {
				return fmt.Errorf("update %s: expected seq %d, stored %d: %w", op.Key, op.ExpectedSeq, rec.Seq, ErrConflict)
			}
		default:
			return fmt.Errorf("unknown op %q", op.Kind)
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(Record{Seq: int64(seq), Value: op.Value})
		if err != nil {
			return err
		}
		if err := b.Put([]byte(op.Key), data); err != nil {
			return err
		}
	}
	return nil
}
