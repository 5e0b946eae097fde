package attendance

import (
	"encoding/binary"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
)

// SequenceGuard tracks the highest window sequence number issued per
// session, so a ledger restored from an older copy cannot make the manager
// reissue sequence numbers.
type SequenceGuard interface {
	MaxIssued(sessionID string) uint64
	SetMaxIssued(sessionID string, seq uint64) error
}

// MemorySequenceGuard is an in-memory SequenceGuard for tests and
// single-process use.
type MemorySequenceGuard struct {
	mu   sync.RWMutex
	seqs map[string]uint64
}

func NewMemorySequenceGuard() *MemorySequenceGuard {
	return &MemorySequenceGuard{seqs: make(map[string]uint64)}
}

func (g *MemorySequenceGuard) MaxIssued(sessionID string) uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.seqs[sessionID]
}

func (g *MemorySequenceGuard) SetMaxIssued(sessionID string, seq uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if seq < g.seqs[sessionID] {
		return fmt.Errorf("%s: %w", sessionID, ErrRollbackDetected)
	}
	g.seqs[sessionID] = seq
	return nil
}

var sequenceGuardBucket = []byte("__sequence_guard")

// BoltSequenceGuard persists the highest issued sequence per session in a
// dedicated bbolt bucket. Reads are served from memory; writes go through
// to disk before the in-memory value moves.
type BoltSequenceGuard struct {
	db    *bbolt.DB
	mu    sync.RWMutex
	cache map[string]uint64
}

// NewBoltSequenceGuard loads the persisted sequences from db.
func NewBoltSequenceGuard(db *bbolt.DB) (*BoltSequenceGuard, error) {
	g := &BoltSequenceGuard{
		db:    db,
		cache: make(map[string]uint64),
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(sequenceGuardBucket)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			if len(v) == 8 {
				g.cache[string(k)] = binary.BigEndian.Uint64(v)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

// NewBoltSequenceGuardFromFile opens a bbolt database at path and returns a
// guard over it. The caller owns closing the returned database.
func NewBoltSequenceGuardFromFile(path string, options *bbolt.Options) (*BoltSequenceGuard, *bbolt.DB, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	g, err := NewBoltSequenceGuard(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return g, db, nil
}

func (g *BoltSequenceGuard) MaxIssued(sessionID string) uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cache[sessionID]
}

func (g *BoltSequenceGuard) SetMaxIssued(sessionID string, seq uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if seq < g.cache[sessionID] {
		return fmt.Errorf("%s: %w", sessionID, ErrRollbackDetected)
	}

	err := g.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(sequenceGuardBucket)
		if err != nil {
			return err
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], seq)
		return b.Put([]byte(sessionID), buf[:])
	})
	if err != nil {
		return err
	}

	g.cache[sessionID] = seq
	return nil
}
