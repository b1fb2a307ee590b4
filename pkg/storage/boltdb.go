package storage

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// BoltStore implements Store on top of bbolt, creating buckets on first
// write rather than up front — the fabric's bucket set (one per queue,
// one per stream partition) is open-ended, unlike the teacher's fixed
// cluster-resource buckets.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "fabric.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Put writes value under key in bucket, creating bucket if absent.
func (s *BoltStore) Put(bucket, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
		return b.Put([]byte(key), value)
	})
}

// Get reads the value for key in bucket.
func (s *BoltStore) Get(bucket, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	return value, err
}

// Delete removes key from bucket.
func (s *BoltStore) Delete(bucket, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// ForEach iterates bucket in key order.
func (s *BoltStore) ForEach(bucket string, fn func(key string, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

// ForEachRange iterates bucket over [startKey, endKey) in key order.
func (s *BoltStore) ForEachRange(bucket, startKey, endKey string, fn func(key string, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		start := []byte(startKey)
		var end []byte
		if endKey != "" {
			end = []byte(endKey)
		}
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			if end != nil && string(k) >= endKey {
				break
			}
			if err := fn(string(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}
