// Package bbolt provides a BBolt-backed storage repository.
package bbolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/bizadmin/storage"
)

// sequenceBucket holds one big-endian counter per namespace/recordType.
var sequenceBucket = []byte("__sequences")

// Store implements storage.Repository backed by a BBolt database. Each
// namespace is a top-level bucket; records are keyed "TYPE:id".
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
	if options == nil {
		options = &bbolt.Options{Timeout: 5 * time.Second}
	}
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return NewRepository(db), nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func recordKey(recordType, recordID string) []byte {
	return []byte(fmt.Sprintf("%s:%s", recordType, recordID))
}

func encode(rec *storage.Record) ([]byte, error) {
	cp := rec.Clone()
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now().UTC()
	}
	return json.Marshal(cp)
}

func (s *Store) Put(_ context.Context, namespace, recordType, recordID string, rec *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return putInBucket(b, recordType, recordID, rec)
	})
}

func (s *Store) Get(_ context.Context, namespace, recordType, recordID string) (*storage.Record, error) {
	var rec *storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return fmt.Errorf("%s: %w", namespace, storage.ErrNamespaceNotFound)
		}
		var err error
		rec, err = getFromBucket(b, recordType, recordID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) Delete(_ context.Context, namespace, recordType, recordID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
		if b == nil {
			return fmt.Errorf("%s: %w", namespace, storage.ErrNamespaceNotFound)
		}
		return deleteFromBucket(b, recordType, recordID)
	})
}

func (s *Store) List(_ context.Context, namespace, recordType string) ([]string, error) {
	var ids []string
	prefix := []byte(recordType + ":")
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(namespace))
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

func (s *Store) PutCAS(_ context.Context, namespace, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return putCASInBucket(b, recordType, recordID, expectedVersion, rec)
	})
}

func (s *Store) NextID(_ context.Context, namespace, recordType string) (int64, error) {
	var id int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var err error
		id, err = nextSequence(tx, namespace, recordType)
		return err
	})
	return id, err
}

func (s *Store) Batch(_ context.Context, namespace string, fn func(tx storage.BatchTx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return fn(&boltBatchTx{tx: tx, bucket: b, namespace: namespace})
	})
}

func putInBucket(b *bbolt.Bucket, recordType, recordID string, rec *storage.Record) error {
	data, err := encode(rec)
	if err != nil {
		return err
	}
	return b.Put(recordKey(recordType, recordID), data)
}

func getFromBucket(b *bbolt.Bucket, recordType, recordID string) (*storage.Record, error) {
	data := b.Get(recordKey(recordType, recordID))
	if data == nil {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding %s/%s: %w", recordType, recordID, err)
	}
	return &rec, nil
}

func deleteFromBucket(b *bbolt.Bucket, recordType, recordID string) error {
	key := recordKey(recordType, recordID)
	if b.Get(key) == nil {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return b.Delete(key)
}

func putCASInBucket(b *bbolt.Bucket, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	existing := b.Get(recordKey(recordType, recordID))

	if expectedVersion == 0 {
		if existing != nil {
			return storage.ErrCASFailed
		}
	} else {
		if existing == nil {
			return storage.ErrCASFailed
		}
		var current storage.Record
		if err := json.Unmarshal(existing, &current); err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return storage.ErrCASFailed
		}
	}
	return putInBucket(b, recordType, recordID, rec)
}

func nextSequence(tx *bbolt.Tx, namespace, recordType string) (int64, error) {
	b, err := tx.CreateBucketIfNotExists(sequenceBucket)
	if err != nil {
		return 0, err
	}
	key := []byte(namespace + "/" + recordType)
	var n uint64
	if v := b.Get(key); len(v) == 8 {
		n = binary.BigEndian.Uint64(v)
	}
	n++
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	if err := b.Put(key, buf); err != nil {
		return 0, err
	}
	return int64(n), nil
}

type boltBatchTx struct {
	tx        *bbolt.Tx
	bucket    *bbolt.Bucket
	namespace string
}

func (btx *boltBatchTx) Get(recordType, recordID string) (*storage.Record, error) {
	return getFromBucket(btx.bucket, recordType, recordID)
}

func (btx *boltBatchTx) Put(recordType, recordID string, rec *storage.Record) error {
	return putInBucket(btx.bucket, recordType, recordID, rec)
}

func (btx *boltBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return putCASInBucket(btx.bucket, recordType, recordID, expectedVersion, rec)
}

func (btx *boltBatchTx) Delete(recordType, recordID string) error {
	return deleteFromBucket(btx.bucket, recordType, recordID)
}

func (btx *boltBatchTx) NextID(recordType string) (int64, error) {
	return nextSequence(btx.tx, btx.namespace, recordType)
}
