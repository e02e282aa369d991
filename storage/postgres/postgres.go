// Package postgres implements storage.Repository backed by PostgreSQL.
//
// The records table uses a composite primary key (namespace, record_type,
// record_id) that mirrors the key space of the BBolt and in-memory backends.
// Record bodies are stored as JSONB so they can be inspected and indexed
// with ordinary SQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/bizadmin/storage"
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

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func stamp(rec *storage.Record) time.Time {
	if rec.UpdatedAt.IsZero() {
		return time.Now().UTC()
	}
	return rec.UpdatedAt
}

func (s *Store) Put(ctx context.Context, namespace, recordType, recordID string, rec *storage.Record) error {
	return put(ctx, s.pool, namespace, recordType, recordID, rec)
}

func (s *Store) Get(ctx context.Context, namespace, recordType, recordID string) (*storage.Record, error) {
	return get(ctx, s.pool, namespace, recordType, recordID)
}

func (s *Store) List(ctx context.Context, namespace, recordType string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record_id FROM records
		 WHERE namespace = $1 AND record_type = $2
		 ORDER BY record_id`,
		namespace, recordType)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) Delete(ctx context.Context, namespace, recordType, recordID string) error {
	return del(ctx, s.pool, namespace, recordType, recordID)
}

func (s *Store) PutCAS(ctx context.Context, namespace, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := putCAS(ctx, tx, namespace, recordType, recordID, expectedVersion, rec); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) NextID(ctx context.Context, namespace, recordType string) (int64, error) {
	return nextID(ctx, s.pool, namespace, recordType)
}

func (s *Store) Batch(ctx context.Context, namespace string, fn func(tx storage.BatchTx) error) error {
	pgTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer pgTx.Rollback(ctx) //nolint:errcheck

	if err := fn(&pgBatchTx{ctx: ctx, tx: pgTx, namespace: namespace}); err != nil {
		return err
	}
	return pgTx.Commit(ctx)
}

// pgBatchTx carries the Batch context because storage.BatchTx methods do
// not take one.
type pgBatchTx struct {
	ctx       context.Context
	tx        pgx.Tx
	namespace string
}

var _ storage.BatchTx = (*pgBatchTx)(nil)

func (b *pgBatchTx) Get(recordType, recordID string) (*storage.Record, error) {
	return get(b.ctx, b.tx, b.namespace, recordType, recordID)
}

func (b *pgBatchTx) Put(recordType, recordID string, rec *storage.Record) error {
	return put(b.ctx, b.tx, b.namespace, recordType, recordID, rec)
}

func (b *pgBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return putCAS(b.ctx, b.tx, b.namespace, recordType, recordID, expectedVersion, rec)
}

func (b *pgBatchTx) Delete(recordType, recordID string) error {
	return del(b.ctx, b.tx, b.namespace, recordType, recordID)
}

func (b *pgBatchTx) NextID(recordType string) (int64, error) {
	return nextID(b.ctx, b.tx, b.namespace, recordType)
}

// ---------------------------------------------------------------------------
// Shared queries
// ---------------------------------------------------------------------------

func put(ctx context.Context, db dbtx, namespace, recordType, recordID string, rec *storage.Record) error {
	_, err := db.Exec(ctx,
		`INSERT INTO records (namespace, record_type, record_id, version, data, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (namespace, record_type, record_id)
		 DO UPDATE SET version = $4, data = $5, updated_at = $6`,
		namespace, recordType, recordID, int64(rec.Version), []byte(rec.Data), stamp(rec))
	return err
}

func get(ctx context.Context, db dbtx, namespace, recordType, recordID string) (*storage.Record, error) {
	var (
		rec     storage.Record
		version int64
		data    []byte
	)
	err := db.QueryRow(ctx,
		`SELECT version, data, updated_at FROM records
		 WHERE namespace = $1 AND record_type = $2 AND record_id = $3`,
		namespace, recordType, recordID).Scan(&version, &data, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFoundError(ctx, db, namespace, recordType, recordID)
	}
	if err != nil {
		return nil, err
	}
	rec.Version = uint64(version)
	rec.Data = data
	return &rec, nil
}

func del(ctx context.Context, db dbtx, namespace, recordType, recordID string) error {
	tag, err := db.Exec(ctx,
		`DELETE FROM records WHERE namespace = $1 AND record_type = $2 AND record_id = $3`,
		namespace, recordType, recordID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return notFoundError(ctx, db, namespace, recordType, recordID)
	}
	return nil
}

// putCAS locks the current row (if any) and writes rec only when its version
// matches expectedVersion. It must run inside a transaction.
func putCAS(ctx context.Context, tx pgx.Tx, namespace, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	var current int64
	err := tx.QueryRow(ctx,
		`SELECT version FROM records
		 WHERE namespace = $1 AND record_type = $2 AND record_id = $3
		 FOR UPDATE`,
		namespace, recordType, recordID).Scan(&current)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if expectedVersion != 0 {
			return storage.ErrCASFailed
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO records (namespace, record_type, record_id, version, data, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT DO NOTHING`,
			namespace, recordType, recordID, int64(rec.Version), []byte(rec.Data), stamp(rec))
		if err != nil {
			return err
		}
		// A concurrent insert won the race for the same key.
		if tag.RowsAffected() == 0 {
			return storage.ErrCASFailed
		}
		return nil
	case err != nil:
		return err
	}

	if expectedVersion == 0 || uint64(current) != expectedVersion {
		return storage.ErrCASFailed
	}
	return put(ctx, tx, namespace, recordType, recordID, rec)
}

func nextID(ctx context.Context, db dbtx, namespace, recordType string) (int64, error) {
	var id int64
	err := db.QueryRow(ctx,
		`INSERT INTO sequences (namespace, record_type, value) VALUES ($1, $2, 1)
		 ON CONFLICT (namespace, record_type)
		 DO UPDATE SET value = sequences.value + 1
		 RETURNING value`,
		namespace, recordType).Scan(&id)
	return id, err
}

// notFoundError distinguishes a namespace with no records at all from a
// missing record inside a populated namespace, matching the BBolt backend.
func notFoundError(ctx context.Context, db dbtx, namespace, recordType, recordID string) error {
	var exists bool
	_ = db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM records WHERE namespace = $1 LIMIT 1)`,
		namespace).Scan(&exists)
	if !exists {
		return fmt.Errorf("%s: %w", namespace, storage.ErrNamespaceNotFound)
	}
	return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
}
