// Package storage provides the storage abstraction layer for ledger records.
package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// BatchTx provides reads and writes within an atomic transaction.
// The bucket is scoped to the batch, so methods don't require it.
type BatchTx interface {
	Get(recordType string, recordID string) (*Envelope, error)
	Put(recordType string, recordID string, envelope *Envelope) error
	PutCAS(recordType string, recordID string, expectedVersion uint64, envelope *Envelope) error
	Delete(recordType string, recordID string) error
}

// Repository defines the interface for versioned ledger storage.
//
// Records are addressed by (bucket, recordType, recordID). Scan reads every
// record of one type inside a single read transaction, so callers observe a
// consistent snapshot even while other goroutines write.
type Repository interface {
	Put(bucket string, recordType string, recordID string, envelope *Envelope) error
	Get(bucket string, recordType string, recordID string) (*Envelope, error)
	Delete(bucket string, recordType string, recordID string) error
	List(bucket string, recordType string) ([]string, error)
	Scan(bucket string, recordType string) (map[string]*Envelope, error)
	PutCAS(bucket string, recordType string, recordID string, expectedVersion uint64, envelope *Envelope) error
	Batch(bucket string, fn func(tx BatchTx) error) error
}
