package persistence

import (
	"context"
	"fmt"
	"slices"

	bolt "go.etcd.io/bbolt"
)

// BoltDB implements Substrate on a single bucket of a bbolt database file.
type BoltDB struct {
	db *bolt.DB
}

var boltBucket = []byte("chatwebui")

// NewBoltDB opens, or creates with 0600 permissions, the database file at path and makes sure the
// bucket exists.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Get returns a copy of the value stored under key.
func (b BoltDB) Get(_ context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		if bucket == nil {
			return ErrNotFound
		}
		v := bucket.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// The slice is only valid during the transaction.
		value = slices.Clone(v)
		return nil
	})
	return value, err
}

// Put stores value under key in its own transaction.
func (b BoltDB) Put(_ context.Context, key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		if bucket == nil {
			return fmt.Errorf("bucket %s is missing", boltBucket)
		}
		return bucket.Put([]byte(key), value)
	})
}

// Close closes the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}
