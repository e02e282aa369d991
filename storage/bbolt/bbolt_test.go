package bbolt

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmcleod/bizadmin/storage"
	"github.com/jmcleod/bizadmin/storage/storagetest"
)

func newTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := NewRepositoryFromFile(path, nil)
	if err != nil {
		t.Fatalf("could not open db: %v", err)
	}
	return s
}

func TestBBoltStorage(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "bizadmin-test.db"))
	defer s.Close()

	storagetest.Run(t, s)
}

func TestBBoltPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s := newTestStore(t, path)
	if err := s.Put(ctx, "business", "STUDENT", "1", &storage.Record{Version: 1, Data: []byte(`{"name":"Ada"}`)}); err != nil {
		t.Fatal(err)
	}
	first, err := s.NextID(ctx, "business", "STUDENT")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s = newTestStore(t, path)
	defer s.Close()
	got, err := s.Get(ctx, "business", "STUDENT", "1")
	if err != nil {
		t.Fatalf("record lost after reopen: %v", err)
	}
	if string(got.Data) != `{"name":"Ada"}` {
		t.Errorf("unexpected data %s", got.Data)
	}
	next, err := s.NextID(ctx, "business", "STUDENT")
	if err != nil {
		t.Fatal(err)
	}
	if next != first+1 {
		t.Errorf("sequence restarted: got %d after %d", next, first)
	}
}
