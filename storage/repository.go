// Package storage provides the storage abstraction shared by the account
// store and the business record collections.
//
// Records are addressed by (namespace, recordType, recordID). A namespace
// groups related record types that must be updated together in a Batch,
// e.g. a user record and its login index entries.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrNamespaceNotFound is returned by backends that can tell a missing
	// namespace apart from a missing record.
	ErrNamespaceNotFound = errors.New("namespace not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// Record is a stored JSON document with an optimistic concurrency version.
type Record struct {
	Version   uint64          `json:"version"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{
		Version:   r.Version,
		Data:      append(json.RawMessage(nil), r.Data...),
		UpdatedAt: r.UpdatedAt,
	}
}

// BatchTx provides writes within an atomic transaction scoped to a single
// namespace.
type BatchTx interface {
	Get(recordType, recordID string) (*Record, error)
	Put(recordType, recordID string, rec *Record) error
	PutCAS(recordType, recordID string, expectedVersion uint64, rec *Record) error
	Delete(recordType, recordID string) error
	NextID(recordType string) (int64, error)
}

// Repository defines record storage.
//
// PutCAS with expectedVersion 0 succeeds only if the record does not exist;
// otherwise the stored Version must equal expectedVersion. NextID returns a
// strictly increasing positive sequence per (namespace, recordType).
type Repository interface {
	Put(ctx context.Context, namespace, recordType, recordID string, rec *Record) error
	Get(ctx context.Context, namespace, recordType, recordID string) (*Record, error)
	List(ctx context.Context, namespace, recordType string) ([]string, error)
	Delete(ctx context.Context, namespace, recordType, recordID string) error
	PutCAS(ctx context.Context, namespace, recordType, recordID string, expectedVersion uint64, rec *Record) error
	NextID(ctx context.Context, namespace, recordType string) (int64, error)
	Batch(ctx context.Context, namespace string, fn func(tx BatchTx) error) error
}

// IsNotFound reports whether err means the record (or its namespace) is missing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrNamespaceNotFound)
}
