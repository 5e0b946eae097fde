package memory

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jmcleod/rollcall/storage"
)

func TestMemoryRepository(t *testing.T) {
	repo := NewRepository()
	bucket := "ledger1"
	recordType := "record"
	recordID := "id1"
	env := &storage.Envelope{
		Ver:     1,
		Data:    []byte(`{"state":"present"}`),
		Version: 1,
	}

	t.Run("PutAndGet", func(t *testing.T) {
		err := repo.Put(bucket, recordType, recordID, env)
		if err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		got, err := repo.Get(bucket, recordType, recordID)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if got.Ver != env.Ver || !bytes.Equal(got.Data, env.Data) || got.Version != env.Version {
			t.Errorf("Get returned wrong envelope: %+v", got)
		}

		// Test isolation (cloning)
		got.Data[0] = 'X'
		got2, _ := repo.Get(bucket, recordType, recordID)
		if got2.Data[0] == 'X' {
			t.Error("Memory repository should return clones of envelopes")
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := repo.Get("nonexistent", recordType, recordID)
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing bucket, got %v", err)
		}

		_, err = repo.Get(bucket, recordType, "nonexistent")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound for missing record, got %v", err)
		}
	})

	t.Run("ListAndScan", func(t *testing.T) {
		repo.Put(bucket, recordType, "id2", env)
		repo.Put(bucket, "session", "id1", env)

		ids, err := repo.List(bucket, recordType)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(ids) != 2 {
			t.Errorf("Expected 2 IDs, got %d: %v", len(ids), ids)
		}

		all, err := repo.Scan(bucket, recordType)
		if err != nil {
			t.Fatalf("Scan failed: %v", err)
		}
		if len(all) != 2 || all["id1"] == nil || all["id2"] == nil {
			t.Errorf("Scan returned unexpected records: %v", all)
		}

		ids, _ = repo.List("nonexistent", recordType)
		if len(ids) != 0 {
			t.Errorf("Expected 0 IDs for nonexistent bucket, got %d", len(ids))
		}
	})

	t.Run("Delete", func(t *testing.T) {
		repo.Put(bucket, recordType, "gone", env)
		if err := repo.Delete(bucket, recordType, "gone"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if err := repo.Delete(bucket, recordType, "gone"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound deleting twice, got %v", err)
		}
	})

	t.Run("PutCAS", func(t *testing.T) {
		repo := NewRepository()
		env1 := &storage.Envelope{Ver: 1, Version: 1}
		env2 := &storage.Envelope{Ver: 1, Version: 2}

		// Create-only (expectedVersion = 0)
		err := repo.PutCAS(bucket, recordType, recordID, 0, env1)
		if err != nil {
			t.Fatalf("PutCAS create failed: %v", err)
		}

		// Create-only on an existing record
		err = repo.PutCAS(bucket, recordType, recordID, 0, env1)
		if err != storage.ErrCASFailed {
			t.Errorf("Expected ErrCASFailed, got %v", err)
		}

		// Version mismatch on create
		err = repo.PutCAS(bucket, "other", "id", 1, env1)
		if err != storage.ErrCASFailed {
			t.Errorf("Expected ErrCASFailed, got %v", err)
		}

		// Version match update
		err = repo.PutCAS(bucket, recordType, recordID, 1, env2)
		if err != nil {
			t.Fatalf("PutCAS update failed: %v", err)
		}

		// Version mismatch update
		err = repo.PutCAS(bucket, recordType, recordID, 1, env1)
		if err != storage.ErrCASFailed {
			t.Errorf("Expected ErrCASFailed, got %v", err)
		}
	})

	t.Run("ConcurrentCreateOnlyHasOneWinner", func(t *testing.T) {
		repo := NewRepository()
		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := repo.PutCAS(bucket, "claim", "s1/p1", 0, &storage.Envelope{Ver: 1, Version: 1}); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if wins != 1 {
			t.Errorf("expected exactly one create-only winner, got %d", wins)
		}
	})

	t.Run("Batch", func(t *testing.T) {
		repo := NewRepository()

		// Successful batch
		err := repo.Batch(bucket, func(tx storage.BatchTx) error {
			if err := tx.Put("type", "id1", env); err != nil {
				return err
			}
			if _, err := tx.Get("type", "id1"); err != nil {
				return err
			}
			return tx.PutCAS("type", "id2", 0, env)
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}

		if _, err := repo.Get(bucket, "type", "id1"); err != nil {
			t.Error("Record id1 should exist after batch")
		}

		// Failing batch (rollback)
		err = repo.Batch(bucket, func(tx storage.BatchTx) error {
			tx.Put("type", "id3", env)
			tx.Delete("type", "id2")
			return fmt.Errorf("simulated error")
		})
		if err == nil {
			t.Error("Expected error from Batch, got nil")
		}

		if _, err := repo.Get(bucket, "type", "id3"); err == nil {
			t.Error("Record id3 should NOT exist after failed batch")
		}
		if _, err := repo.Get(bucket, "type", "id2"); err != nil {
			t.Error("Record id2 should survive a failed batch delete")
		}

		// Rollback with pre-existing data
		err = repo.Batch(bucket, func(tx storage.BatchTx) error {
			tx.Put("type", "id1", &storage.Envelope{Ver: 2})
			return fmt.Errorf("simulated error")
		})
		got, _ := repo.Get(bucket, "type", "id1")
		if got.Ver != 1 {
			t.Errorf("Expected Ver 1 after rollback, got %d", got.Ver)
		}
	})
}
