// Package storagetest holds the behavioural checks every storage.Repository
// backend must pass. Backend packages call Run from their own tests.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/jmcleod/bizadmin/storage"
)

func record(version uint64, v any) *storage.Record {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return &storage.Record{Version: version, Data: data}
}

// Run exercises repo. The repository must start empty.
func Run(t *testing.T, repo storage.Repository) {
	ctx := context.Background()
	ns := "business"
	rt := "INVOICE"

	t.Run("PutAndGet", func(t *testing.T) {
		if err := repo.Put(ctx, ns, rt, "1", record(1, map[string]string{"number": "INV-1"})); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		got, err := repo.Get(ctx, ns, rt, "1")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.Version != 1 {
			t.Errorf("expected version 1, got %d", got.Version)
		}
		var body map[string]string
		if err := json.Unmarshal(got.Data, &body); err != nil {
			t.Fatalf("stored data is not JSON: %v", err)
		}
		if body["number"] != "INV-1" {
			t.Errorf("unexpected body %v", body)
		}
		if got.UpdatedAt.IsZero() {
			t.Error("UpdatedAt should be stamped on write")
		}
	})

	t.Run("GetNotFound", func(t *testing.T) {
		_, err := repo.Get(ctx, "nonexistent", rt, "1")
		if !storage.IsNotFound(err) {
			t.Errorf("expected not found for missing namespace, got %v", err)
		}
		_, err = repo.Get(ctx, ns, rt, "nonexistent")
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListIsScopedByType", func(t *testing.T) {
		if err := repo.Put(ctx, ns, rt, "2", record(1, "x")); err != nil {
			t.Fatal(err)
		}
		if err := repo.Put(ctx, ns, "SUPPLIER", "1", record(1, "y")); err != nil {
			t.Fatal(err)
		}
		ids, err := repo.List(ctx, ns, rt)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if fmt.Sprint(ids) != "[1 2]" {
			t.Errorf("expected [1 2], got %v", ids)
		}
		ids, err = repo.List(ctx, "empty-namespace", rt)
		if err != nil || len(ids) != 0 {
			t.Errorf("expected empty list, got %v (%v)", ids, err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.Delete(ctx, ns, rt, "2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := repo.Get(ctx, ns, rt, "2"); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := repo.Delete(ctx, ns, rt, "2"); !storage.IsNotFound(err) {
			t.Errorf("expected not found on second delete, got %v", err)
		}
	})

	t.Run("PutCAS", func(t *testing.T) {
		if err := repo.PutCAS(ctx, ns, rt, "cas", 0, record(1, "v1")); err != nil {
			t.Fatalf("PutCAS create failed: %v", err)
		}
		if err := repo.PutCAS(ctx, ns, rt, "cas", 0, record(1, "again")); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed on duplicate create, got %v", err)
		}
		if err := repo.PutCAS(ctx, ns, rt, "cas", 1, record(2, "v2")); err != nil {
			t.Fatalf("PutCAS update failed: %v", err)
		}
		if err := repo.PutCAS(ctx, ns, rt, "cas", 1, record(2, "stale")); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed on stale version, got %v", err)
		}
		if err := repo.PutCAS(ctx, ns, rt, "missing", 3, record(4, "nope")); !errors.Is(err, storage.ErrCASFailed) {
			t.Errorf("expected ErrCASFailed for missing record, got %v", err)
		}
		got, err := repo.Get(ctx, ns, rt, "cas")
		if err != nil {
			t.Fatal(err)
		}
		if got.Version != 2 {
			t.Errorf("expected version 2, got %d", got.Version)
		}
	})

	t.Run("NextID", func(t *testing.T) {
		a, err := repo.NextID(ctx, ns, "SEQTEST")
		if err != nil {
			t.Fatalf("NextID failed: %v", err)
		}
		b, err := repo.NextID(ctx, ns, "SEQTEST")
		if err != nil {
			t.Fatal(err)
		}
		if a <= 0 || b <= a {
			t.Errorf("expected increasing positive ids, got %d then %d", a, b)
		}
		other, err := repo.NextID(ctx, ns, "OTHERSEQ")
		if err != nil {
			t.Fatal(err)
		}
		if other != 1 {
			t.Errorf("sequences should be per type, got %d", other)
		}
	})

	t.Run("NextIDConcurrent", func(t *testing.T) {
		const n = 20
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			seen = make(map[int64]bool)
		)
		for range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id, err := repo.NextID(ctx, ns, "CONCURRENT")
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}()
		}
		wg.Wait()
		if len(seen) != n {
			t.Errorf("expected %d distinct ids, got %d", n, len(seen))
		}
	})

	t.Run("BatchCommit", func(t *testing.T) {
		err := repo.Batch(ctx, "accounts", func(tx storage.BatchTx) error {
			id, err := tx.NextID("USER")
			if err != nil {
				return err
			}
			if err := tx.PutCAS("USER", fmt.Sprint(id), 0, record(1, "user")); err != nil {
				return err
			}
			return tx.PutCAS("LOGIN", "alice", 0, record(1, id))
		})
		if err != nil {
			t.Fatalf("Batch failed: %v", err)
		}
		if _, err := repo.Get(ctx, "accounts", "LOGIN", "alice"); err != nil {
			t.Errorf("committed record missing: %v", err)
		}
	})

	t.Run("BatchRollback", func(t *testing.T) {
		boom := errors.New("boom")
		err := repo.Batch(ctx, "accounts", func(tx storage.BatchTx) error {
			if err := tx.Put("USER", "rolled-back", record(1, "x")); err != nil {
				return err
			}
			if err := tx.Delete("LOGIN", "alice"); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("expected boom, got %v", err)
		}
		if _, err := repo.Get(ctx, "accounts", "USER", "rolled-back"); !storage.IsNotFound(err) {
			t.Errorf("rolled back write is visible: %v", err)
		}
		if _, err := repo.Get(ctx, "accounts", "LOGIN", "alice"); err != nil {
			t.Errorf("rolled back delete took effect: %v", err)
		}
	})

	t.Run("BatchCASConflictRollsBack", func(t *testing.T) {
		err := repo.Batch(ctx, "accounts", func(tx storage.BatchTx) error {
			if err := tx.Put("USER", "partial", record(1, "x")); err != nil {
				return err
			}
			return tx.PutCAS("LOGIN", "alice", 0, record(1, "dup"))
		})
		if !errors.Is(err, storage.ErrCASFailed) {
			t.Fatalf("expected ErrCASFailed, got %v", err)
		}
		if _, err := repo.Get(ctx, "accounts", "USER", "partial"); !storage.IsNotFound(err) {
			t.Errorf("partial batch write is visible: %v", err)
		}
	})

	t.Run("BatchGet", func(t *testing.T) {
		err := repo.Batch(ctx, "accounts", func(tx storage.BatchTx) error {
			rec, err := tx.Get("LOGIN", "alice")
			if err != nil {
				return err
			}
			if rec.Version != 1 {
				return fmt.Errorf("unexpected version %d", rec.Version)
			}
			_, err = tx.Get("LOGIN", "nobody")
			if !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("expected ErrNotFound, got %v", err)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	})
}
