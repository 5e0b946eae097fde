// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (bucket, record_type,
// record_id) that mirrors the key space used by the BBolt and in-memory
// backends. The JSON payload is stored as BYTEA next to the CAS version.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/rollcall/storage"
)

// Store implements storage.Repository backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given pgx connection pool.
func NewRepository(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewRepositoryFromDSN creates a connection pool from a DSN string, ensures
// the schema exists, and returns a new Repository.
func NewRepositoryFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return NewRepository(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ---------------------------------------------------------------------------
// Repository interface implementation
// ---------------------------------------------------------------------------

const upsertSQL = `INSERT INTO records (bucket, record_type, record_id, ver, data, version)
	 VALUES ($1, $2, $3, $4, $5, $6)
	 ON CONFLICT (bucket, record_type, record_id)
	 DO UPDATE SET ver = $4, data = $5, version = $6`

func (s *Store) Put(bucket, recordType, recordID string, envelope *storage.Envelope) error {
	_, err := s.pool.Exec(context.Background(), upsertSQL,
		bucket, recordType, recordID, envelope.Ver, envelope.Data, envelope.Version)
	return err
}

func (s *Store) Get(bucket, recordType, recordID string) (*storage.Envelope, error) {
	return getRow(context.Background(), s.pool, bucket, recordType, recordID, false)
}

func (s *Store) List(bucket, recordType string) ([]string, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT record_id FROM records WHERE bucket = $1 AND record_type = $2`,
		bucket, recordType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Scan reads every record of recordType with a single statement, which
// PostgreSQL evaluates against one MVCC snapshot.
func (s *Store) Scan(bucket, recordType string) (map[string]*storage.Envelope, error) {
	rows, err := s.pool.Query(context.Background(),
		`SELECT record_id, ver, data, version FROM records WHERE bucket = $1 AND record_type = $2`,
		bucket, recordType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*storage.Envelope)
	for rows.Next() {
		var id string
		var env storage.Envelope
		if err := rows.Scan(&id, &env.Ver, &env.Data, &env.Version); err != nil {
			return nil, err
		}
		out[id] = &env
	}
	return out, rows.Err()
}

func (s *Store) Delete(bucket, recordType, recordID string) error {
	return deleteRow(context.Background(), s.pool, bucket, recordType, recordID)
}

func (s *Store) PutCAS(bucket, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	tx, err := s.pool.Begin(context.Background())
	if err != nil {
		return err
	}
	defer tx.Rollback(context.Background()) //nolint:errcheck

	if err := putCASInTx(context.Background(), tx, bucket, recordType, recordID, expectedVersion, envelope); err != nil {
		return err
	}
	return tx.Commit(context.Background())
}

func (s *Store) Batch(bucket string, fn func(tx storage.BatchTx) error) error {
	pgTx, err := s.pool.Begin(context.Background())
	if err != nil {
		return err
	}
	defer pgTx.Rollback(context.Background()) //nolint:errcheck

	btx := &pgBatchTx{tx: pgTx, bucket: bucket}
	if err := fn(btx); err != nil {
		return err
	}
	return pgTx.Commit(context.Background())
}

// ---------------------------------------------------------------------------
// BatchTx implementation
// ---------------------------------------------------------------------------

type pgBatchTx struct {
	tx     pgx.Tx
	bucket string
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

// Get locks the row for the remainder of the batch.
func (btx *pgBatchTx) Get(recordType, recordID string) (*storage.Envelope, error) {
	return getRow(context.Background(), btx.tx, btx.bucket, recordType, recordID, true)
}

func (btx *pgBatchTx) Put(recordType, recordID string, envelope *storage.Envelope) error {
	_, err := btx.tx.Exec(context.Background(), upsertSQL,
		btx.bucket, recordType, recordID, envelope.Ver, envelope.Data, envelope.Version)
	return err
}

func (btx *pgBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	return putCASInTx(context.Background(), btx.tx, btx.bucket, recordType, recordID, expectedVersion, envelope)
}

func (btx *pgBatchTx) Delete(recordType, recordID string) error {
	return deleteRow(context.Background(), btx.tx, btx.bucket, recordType, recordID)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// rowQuerier and execer abstract both *pgxpool.Pool and pgx.Tx for shared queries.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func getRow(ctx context.Context, q rowQuerier, bucket, recordType, recordID string, forUpdate bool) (*storage.Envelope, error) {
	query := `SELECT ver, data, version FROM records
		 WHERE bucket = $1 AND record_type = $2 AND record_id = $3`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var env storage.Envelope
	err := q.QueryRow(ctx, query, bucket, recordType, recordID).Scan(&env.Ver, &env.Data, &env.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &env, nil
}

func deleteRow(ctx context.Context, q execer, bucket, recordType, recordID string) error {
	tag, err := q.Exec(ctx,
		`DELETE FROM records WHERE bucket = $1 AND record_type = $2 AND record_id = $3`,
		bucket, recordType, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}

// putCASInTx performs a compare-and-swap put within an existing transaction.
// It is used by both the top-level PutCAS and the batch PutCAS methods.
func putCASInTx(ctx context.Context, tx pgx.Tx, bucket, recordType, recordID string, expectedVersion uint64, envelope *storage.Envelope) error {
	var currentVersion uint64
	err := tx.QueryRow(ctx,
		`SELECT version FROM records
		 WHERE bucket = $1 AND record_type = $2 AND record_id = $3
		 FOR UPDATE`,
		bucket, recordType, recordID).Scan(&currentVersion)

	if errors.Is(err, pgx.ErrNoRows) {
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		// ON CONFLICT DO NOTHING covers a concurrent insert of the same key,
		// which FOR UPDATE cannot lock because the row did not exist yet.
		tag, err := tx.Exec(ctx,
			`INSERT INTO records (bucket, record_type, record_id, ver, data, version)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (bucket, record_type, record_id) DO NOTHING`,
			bucket, recordType, recordID, envelope.Ver, envelope.Data, envelope.Version)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return storage.ErrCASFailed
		}
		return nil
	}
	if err != nil {
		return err
	}

	if expectedVersion == 0 || currentVersion != expectedVersion {
		return storage.ErrCASFailed
	}

	_, err = tx.Exec(ctx,
		`UPDATE records SET ver = $4, data = $5, version = $6
		 WHERE bucket = $1 AND record_type = $2 AND record_id = $3`,
		bucket, recordType, recordID, envelope.Ver, envelope.Data, envelope.Version)
	return err
}
