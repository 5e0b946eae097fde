// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/jmcleod/rollcall/storage"
	"go.etcd.io/bbolt"
)

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db *bbolt.DB
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) *Store {
	return &Store{db: db}
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// DB returns the underlying database so other components can share the file.
func (s *Store) DB() *bbolt.DB {
	return s.db
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(recordType, recordID string) []byte {
	return []byte(recordType + ":" + recordID)
}

func notFound(recordType, recordID string) error {
	return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
}

func getFromBucket(b *bbolt.Bucket, recordType, recordID string) (*storage.Envelope, error) {
	if b == nil {
		return nil, notFound(recordType, recordID)
	}
	data := b.Get(recordKey(recordType, recordID))
	if data == nil {
		return nil, notFound(recordType, recordID)
	}
	var envelope storage.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	return &envelope, nil
}

func putInBucket(b *bbolt.Bucket, recordType, recordID string, envelope *storage.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	return b.Put(recordKey(recordType, recordID), data)
}

func deleteFromBucket(b *bbolt.Bucket, recordType, recordID string) error {
	key := recordKey(recordType, recordID)
	if b == nil || b.Get(key) == nil {
		return notFound(recordType, recordID)
	}
	return b.Delete(key)
}

func putCASInBucket(b *bbolt.Bucket, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	existingData := b.Get(recordKey(recordType, recordID))

	if expectedVersion == 0 {
		if existingData != nil {
			return storage.ErrCASFailed
		}
	} else {
		if existingData == nil {
			return storage.ErrCASFailed
		}
		var existing storage.Envelope
		if err := json.Unmarshal(existingData, &existing); err != nil {
			return err
		}
		if existing.Version != expectedVersion {
			return storage.ErrCASFailed
		}
	}
	return putInBucket(b, recordType, recordID, envelope)
}

func (s *Store) Put(bucket, recordType, recordID string, envelope *storage.Envelope) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return putInBucket(b, recordType, recordID, envelope)
	})
}

func (s *Store) Get(bucket, recordType, recordID string) (*storage.Envelope, error) {
	var envelope *storage.Envelope
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		envelope, err = getFromBucket(tx.Bucket([]byte(bucket)), recordType, recordID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return envelope, nil
}

func (s *Store) Delete(bucket, recordType, recordID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return deleteFromBucket(tx.Bucket([]byte(bucket)), recordType, recordID)
	})
}

func (s *Store) List(bucket, recordType string) ([]string, error) {
	var ids []string
	prefix := []byte(recordType + ":")
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			ids = append(ids, string(k[len(prefix):]))
		}
		return nil
	})
	return ids, err
}

func (s *Store) Scan(bucket, recordType string) (map[string]*storage.Envelope, error) {
	out := make(map[string]*storage.Envelope)
	prefix := []byte(recordType + ":")
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var env storage.Envelope
			if err := json.Unmarshal(v, &env); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
			out[string(k[len(prefix):])] = &env
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) PutCAS(bucket, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return putCASInBucket(b, recordType, recordID, expectedVersion, envelope)
	})
}

type boltBatchTx struct {
	bucket *bbolt.Bucket
}

func (tx *boltBatchTx) Get(recordType, recordID string) (*storage.Envelope, error) {
	return getFromBucket(tx.bucket, recordType, recordID)
}

func (tx *boltBatchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	return putInBucket(tx.bucket, recordType, recordID, envelope)
}

func (tx *boltBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return putCASInBucket(tx.bucket, recordType, recordID, expectedVersion, envelope)
}

func (tx *boltBatchTx) Delete(recordType, recordID string) error {
	return deleteFromBucket(tx.bucket, recordType, recordID)
}

func (s *Store) Batch(bucket string, fn func(tx storage.BatchTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return fn(&boltBatchTx{bucket: b})
	})
}
