// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"fmt"
	"strings"
	"sync"

	"github.com/jmcleod/rollcall/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing, demos, and single-process use cases.
type Repository struct {
	mu   sync.RWMutex
	data map[string]map[string]*storage.Envelope
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{data: make(map[string]map[string]*storage.Envelope)}
}

func makeKey(recordType, recordID string) string {
	return recordType + ":" + recordID
}

func notFound(recordType, recordID string) error {
	return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
}

func (r *Repository) Put(bucket, recordType, recordID string, envelope *storage.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putLocked(bucket, recordType, recordID, envelope)
}

func (r *Repository) putLocked(bucket, recordType, recordID string, envelope *storage.Envelope) error {
	if _, ok := r.data[bucket]; !ok {
		r.data[bucket] = make(map[string]*storage.Envelope)
	}
	r.data[bucket][makeKey(recordType, recordID)] = storage.CloneEnvelope(envelope)
	return nil
}

func (r *Repository) Get(bucket, recordType, recordID string) (*storage.Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.getLocked(bucket, recordType, recordID)
}

func (r *Repository) getLocked(bucket, recordType, recordID string) (*storage.Envelope, error) {
	env, ok := r.data[bucket][makeKey(recordType, recordID)]
	if !ok {
		return nil, notFound(recordType, recordID)
	}
	return storage.CloneEnvelope(env), nil
}

func (r *Repository) List(bucket, recordType string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	prefix := recordType + ":"
	for k := range r.data[bucket] {
		if id, ok := strings.CutPrefix(k, prefix); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Scan returns clones of every record of recordType under a single read lock.
func (r *Repository) Scan(bucket, recordType string) (map[string]*storage.Envelope, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*storage.Envelope)
	prefix := recordType + ":"
	for k, env := range r.data[bucket] {
		if id, ok := strings.CutPrefix(k, prefix); ok {
			out[id] = storage.CloneEnvelope(env)
		}
	}
	return out, nil
}

func (r *Repository) Delete(bucket, recordType, recordID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(bucket, recordType, recordID)
}

func (r *Repository) deleteLocked(bucket, recordType, recordID string) error {
	k := makeKey(recordType, recordID)
	if _, ok := r.data[bucket][k]; !ok {
		return notFound(recordType, recordID)
	}
	delete(r.data[bucket], k)
	return nil
}

func (r *Repository) PutCAS(bucket, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.putCASLocked(bucket, recordType, recordID, expectedVersion, envelope)
}

func (r *Repository) putCASLocked(bucket, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	existing, err := r.getLocked(bucket, recordType, recordID)
	if err != nil {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		return r.putLocked(bucket, recordType, recordID, envelope)
	}
	if expectedVersion == 0 || existing.Version != expectedVersion {
		return storage.ErrCASFailed
	}
	return r.putLocked(bucket, recordType, recordID, envelope)
}

// Batch executes fn within a batch transaction. On error, all writes are rolled back.
func (r *Repository) Batch(bucket string, fn func(tx storage.BatchTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.snapshotBucket(bucket)

	tx := &memoryBatchTx{repo: r, bucket: bucket}
	if err := fn(tx); err != nil {
		r.restoreBucket(bucket, snapshot)
		return err
	}
	return nil
}

func (r *Repository) snapshotBucket(bucket string) map[string]*storage.Envelope {
	original, ok := r.data[bucket]
	if !ok {
		return nil
	}
	cp := make(map[string]*storage.Envelope, len(original))
	for k, v := range original {
		cp[k] = storage.CloneEnvelope(v)
	}
	return cp
}

func (r *Repository) restoreBucket(bucket string, snapshot map[string]*storage.Envelope) {
	if snapshot == nil {
		delete(r.data, bucket)
	} else {
		r.data[bucket] = snapshot
	}
}

type memoryBatchTx struct {
	repo   *Repository
	bucket string
}

func (tx *memoryBatchTx) Get(recordType, recordID string) (*storage.Envelope, error) {
	return tx.repo.getLocked(tx.bucket, recordType, recordID)
}

func (tx *memoryBatchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	return tx.repo.putLocked(tx.bucket, recordType, recordID, envelope)
}

func (tx *memoryBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return tx.repo.putCASLocked(tx.bucket, recordType, recordID, expectedVersion, envelope)
}

func (tx *memoryBatchTx) Delete(recordType, recordID string) error {
	return tx.repo.deleteLocked(tx.bucket, recordType, recordID)
}
