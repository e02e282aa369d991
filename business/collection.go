// Package business stores the records the admin UI manages: invoices,
// purchase orders, suppliers, item groups and students.
//
// Every entity lives in the "business" storage namespace under its own
// record type, keyed by a per-type integer sequence.
package business

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/jmcleod/bizadmin/storage"
)

const namespace = "business"

// entity is satisfied by a pointer to any of the record structs.
type entity[T any] interface {
	*T
	Validate() error
	recordType() string
	meta() *Meta
}

// Collection is a typed store for one entity kind.
type Collection[T any, P entity[T]] struct {
	repo  storage.Repository
	now   func() time.Time
	check func(ctx context.Context, v P) error
}

// NewCollection returns a Collection over repo with no cross-record checks.
func NewCollection[T any, P entity[T]](repo storage.Repository) *Collection[T, P] {
	return &Collection[T, P]{repo: repo, now: time.Now}
}

// Kind is the storage record type of the collection.
func (c *Collection[T, P]) Kind() string {
	var zero T
	return P(&zero).recordType()
}

// Create validates v, assigns an id and stores it.
func (c *Collection[T, P]) Create(ctx context.Context, v *T) (*T, error) {
	p := P(v)
	if err := c.validate(ctx, p); err != nil {
		return nil, err
	}
	id, err := c.repo.NextID(ctx, namespace, c.Kind())
	if err != nil {
		return nil, fmt.Errorf("allocating %s id: %w", c.Kind(), err)
	}
	now := c.now().UTC()
	m := p.meta()
	m.ID, m.CreatedAt, m.UpdatedAt = id, now, now

	rec, err := encode(v, 1, now)
	if err != nil {
		return nil, err
	}
	if err := c.repo.PutCAS(ctx, namespace, c.Kind(), formatID(id), 0, rec); err != nil {
		return nil, fmt.Errorf("storing %s: %w", c.Kind(), err)
	}
	return v, nil
}

// Get returns the record with the given id.
func (c *Collection[T, P]) Get(ctx context.Context, id int64) (*T, error) {
	v, _, err := c.get(ctx, id)
	return v, err
}

func (c *Collection[T, P]) get(ctx context.Context, id int64) (*T, uint64, error) {
	rec, err := c.repo.Get(ctx, namespace, c.Kind(), formatID(id))
	if storage.IsNotFound(err) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	v := new(T)
	if err := json.Unmarshal(rec.Data, v); err != nil {
		return nil, 0, fmt.Errorf("decoding %s %d: %w", c.Kind(), id, err)
	}
	return v, rec.Version, nil
}

// List returns every record ordered by id.
func (c *Collection[T, P]) List(ctx context.Context) ([]T, error) {
	raw, err := c.repo.List(ctx, namespace, c.Kind())
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(raw))
	for _, s := range raw {
		if id, err := strconv.ParseInt(s, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]T, 0, len(ids))
	for _, id := range ids {
		v, _, err := c.get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, nil
}

// Update replaces the record with the given id. The creation time is kept.
// ErrConflict is returned if the record changed since it was read.
func (c *Collection[T, P]) Update(ctx context.Context, id int64, v *T) (*T, error) {
	p := P(v)
	if err := c.validate(ctx, p); err != nil {
		return nil, err
	}
	current, version, err := c.get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := c.now().UTC()
	m := p.meta()
	m.ID, m.CreatedAt, m.UpdatedAt = id, P(current).meta().CreatedAt, now

	rec, err := encode(v, version+1, now)
	if err != nil {
		return nil, err
	}
	err = c.repo.PutCAS(ctx, namespace, c.Kind(), formatID(id), version, rec)
	if errors.Is(err, storage.ErrCASFailed) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("updating %s %d: %w", c.Kind(), id, err)
	}
	return v, nil
}

// Delete removes the record with the given id.
func (c *Collection[T, P]) Delete(ctx context.Context, id int64) error {
	err := c.repo.Delete(ctx, namespace, c.Kind(), formatID(id))
	if storage.IsNotFound(err) {
		return ErrNotFound
	}
	return err
}

// Exists reports whether a record with the given id is stored.
func (c *Collection[T, P]) Exists(ctx context.Context, id int64) (bool, error) {
	_, err := c.repo.Get(ctx, namespace, c.Kind(), formatID(id))
	if storage.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (c *Collection[T, P]) validate(ctx context.Context, p P) error {
	if p == nil {
		return invalid(c.Kind(), "body is required")
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if c.check != nil {
		return c.check(ctx, p)
	}
	return nil
}

func encode(v any, version uint64, now time.Time) (*storage.Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &storage.Record{Version: version, Data: data, UpdatedAt: now}, nil
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
