// Package mongo implements storage.Repository backed by MongoDB.
//
// Every record lives in one "records" collection keyed by a composite _id
// built from (namespace, record type, record id); sequences live in a
// "sequences" collection. Batch uses a multi-document transaction, which
// needs a replica set or sharded cluster.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/jmcleod/bizadmin/storage"
)

const (
	recordsCollection   = "records"
	sequencesCollection = "sequences"
	connectTimeout      = 15 * time.Second
)

// Store implements storage.Repository backed by MongoDB.
type Store struct {
	client    *mongo.Client
	records   *mongo.Collection
	sequences *mongo.Collection
}

var _ storage.Repository = (*Store)(nil)

type recordDoc struct {
	ID         string    `bson:"_id"`
	Namespace  string    `bson:"ns"`
	RecordType string    `bson:"type"`
	RecordID   string    `bson:"rid"`
	Version    int64     `bson:"version"`
	Data       string    `bson:"data"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

type sequenceDoc struct {
	Value int64 `bson:"value"`
}

// NewRepository returns a Repository over db. Call EnsureIndexes once
// before use.
func NewRepository(db *mongo.Database) *Store {
	return &Store{
		client:    db.Client(),
		records:   db.Collection(recordsCollection),
		sequences: db.Collection(sequencesCollection),
	}
}

// NewRepositoryFromURI connects to uri, checks the primary is reachable,
// ensures indexes and returns a Repository over database.
func NewRepositoryFromURI(ctx context.Context, uri, database string) (*Store, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	if err := client.Ping(dialCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}
	s := NewRepository(client.Database(database))
	if err := s.EnsureIndexes(dialCtx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ensuring indexes: %w", err)
	}
	return s, nil
}

// EnsureIndexes creates the index List relies on. It is idempotent.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.records.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "ns", Value: 1}, {Key: "type", Value: 1}, {Key: "rid", Value: 1}},
	})
	return err
}

// Ping checks that the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (s *Store) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.client.Disconnect(ctx)
}

func docKey(namespace, recordType, recordID string) string {
	return namespace + "\x00" + recordType + "\x00" + recordID
}

func newDoc(namespace, recordType, recordID string, rec *storage.Record) recordDoc {
	updated := rec.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	return recordDoc{
		ID:         docKey(namespace, recordType, recordID),
		Namespace:  namespace,
		RecordType: recordType,
		RecordID:   recordID,
		Version:    int64(rec.Version),
		Data:       string(rec.Data),
		UpdatedAt:  updated.UTC(),
	}
}

func (s *Store) Put(ctx context.Context, namespace, recordType, recordID string, rec *storage.Record) error {
	return s.put(ctx, namespace, recordType, recordID, rec)
}

func (s *Store) Get(ctx context.Context, namespace, recordType, recordID string) (*storage.Record, error) {
	return s.get(ctx, namespace, recordType, recordID)
}

func (s *Store) List(ctx context.Context, namespace, recordType string) ([]string, error) {
	cur, err := s.records.Find(ctx,
		bson.D{{Key: "ns", Value: namespace}, {Key: "type", Value: recordType}},
		options.Find().
			SetSort(bson.D{{Key: "rid", Value: 1}}).
			SetProjection(bson.D{{Key: "rid", Value: 1}}),
	)
	if err != nil {
		return nil, err
	}
	var docs []struct {
		RecordID string `bson:"rid"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.RecordID
	}
	return ids, nil
}

func (s *Store) Delete(ctx context.Context, namespace, recordType, recordID string) error {
	return s.del(ctx, namespace, recordType, recordID)
}

func (s *Store) PutCAS(ctx context.Context, namespace, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return s.putCAS(ctx, namespace, recordType, recordID, expectedVersion, rec)
}

func (s *Store) NextID(ctx context.Context, namespace, recordType string) (int64, error) {
	return s.nextID(ctx, namespace, recordType)
}

func (s *Store) Batch(ctx context.Context, namespace string, fn func(tx storage.BatchTx) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(&mongoBatchTx{ctx: sc, store: s, namespace: namespace})
	})
	return err
}

// mongoBatchTx carries the session context so every call joins the
// transaction.
type mongoBatchTx struct {
	ctx       context.Context
	store     *Store
	namespace string
}

var _ storage.BatchTx = (*mongoBatchTx)(nil)

func (b *mongoBatchTx) Get(recordType, recordID string) (*storage.Record, error) {
	return b.store.get(b.ctx, b.namespace, recordType, recordID)
}

func (b *mongoBatchTx) Put(recordType, recordID string, rec *storage.Record) error {
	return b.store.put(b.ctx, b.namespace, recordType, recordID, rec)
}

func (b *mongoBatchTx) PutCAS(recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	return b.store.putCAS(b.ctx, b.namespace, recordType, recordID, expectedVersion, rec)
}

func (b *mongoBatchTx) Delete(recordType, recordID string) error {
	return b.store.del(b.ctx, b.namespace, recordType, recordID)
}

func (b *mongoBatchTx) NextID(recordType string) (int64, error) {
	return b.store.nextID(b.ctx, b.namespace, recordType)
}

func (s *Store) put(ctx context.Context, namespace, recordType, recordID string, rec *storage.Record) error {
	doc := newDoc(namespace, recordType, recordID, rec)
	_, err := s.records.ReplaceOne(ctx, bson.D{{Key: "_id", Value: doc.ID}}, doc,
		options.Replace().SetUpsert(true))
	return err
}

func (s *Store) get(ctx context.Context, namespace, recordType, recordID string) (*storage.Record, error) {
	var doc recordDoc
	err := s.records.FindOne(ctx, bson.D{{Key: "_id", Value: docKey(namespace, recordType, recordID)}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &storage.Record{
		Version:   uint64(doc.Version),
		Data:      []byte(doc.Data),
		UpdatedAt: doc.UpdatedAt,
	}, nil
}

func (s *Store) del(ctx context.Context, namespace, recordType, recordID string) error {
	res, err := s.records.DeleteOne(ctx, bson.D{{Key: "_id", Value: docKey(namespace, recordType, recordID)}})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%s/%s: %w", recordType, recordID, storage.ErrNotFound)
	}
	return nil
}

// putCAS inserts when expectedVersion is 0 and otherwise replaces only the
// document whose stored version matches.
func (s *Store) putCAS(ctx context.Context, namespace, recordType, recordID string, expectedVersion uint64, rec *storage.Record) error {
	doc := newDoc(namespace, recordType, recordID, rec)
	if expectedVersion == 0 {
		_, err := s.records.InsertOne(ctx, doc)
		if mongo.IsDuplicateKeyError(err) {
			return storage.ErrCASFailed
		}
		return err
	}
	res, err := s.records.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: doc.ID}, {Key: "version", Value: int64(expectedVersion)}},
		doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return storage.ErrCASFailed
	}
	return nil
}

func (s *Store) nextID(ctx context.Context, namespace, recordType string) (int64, error) {
	filter := bson.D{{Key: "_id", Value: namespace + "\x00" + recordType}}
	update := bson.D{{Key: "$inc", Value: bson.D{{Key: "value", Value: int64(1)}}}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var seq sequenceDoc
	err := s.sequences.FindOneAndUpdate(ctx, filter, update, opts).Decode(&seq)
	// Two first-time upserts can race on the same _id; the loser retries
	// against the document the winner created.
	if mongo.IsDuplicateKeyError(err) {
		err = s.sequences.FindOneAndUpdate(ctx, filter, update, opts).Decode(&seq)
	}
	if err != nil {
		return 0, err
	}
	return seq.Value, nil
}
