package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/bizadmin/storage/memory"
)

func newTestAuditStore(maxEntries int) *auditStore {
	s := newAuditStore(memory.NewRepository(), maxEntries)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var n int
	s.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return s
}

func TestAuditStore_EmptyList(t *testing.T) {
	s := newTestAuditStore(0)
	entries, err := s.list(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NotNil(t, entries)
}

func TestAuditStore_AppendAndFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestAuditStore(0)

	_, err := s.append(ctx, "invoice", 1, 10, AuditActionCreated)
	require.NoError(t, err)
	_, err = s.append(ctx, "invoice", 1, 11, AuditActionUpdated)
	require.NoError(t, err)
	_, err = s.append(ctx, "invoice", 2, 10, AuditActionCreated)
	require.NoError(t, err)
	_, err = s.append(ctx, "supplier", 1, 10, AuditActionDeleted)
	require.NoError(t, err)

	all, err := s.list(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "supplier", all[0].Kind, "newest first")
	assert.Equal(t, AuditActionCreated, all[3].Action)

	invoices, err := s.list(ctx, "invoice", 0)
	require.NoError(t, err)
	assert.Len(t, invoices, 3)

	one, err := s.list(ctx, "invoice", 1)
	require.NoError(t, err)
	require.Len(t, one, 2)
	assert.Equal(t, AuditActionUpdated, one[0].Action)
	assert.Equal(t, int64(11), one[0].ActorID)
}

func TestAuditStore_Prune(t *testing.T) {
	ctx := context.Background()
	s := newTestAuditStore(3)
	for i := range 5 {
		_, err := s.append(ctx, "student", int64(i+1), 1, AuditActionCreated)
		require.NoError(t, err)
	}

	removed, err := s.prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entries, err := s.list(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(5), entries[0].RecordID)
	assert.Equal(t, int64(3), entries[2].RecordID)

	removed, err = s.prune(ctx)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestAuditStore_PrunesPeriodically(t *testing.T) {
	ctx := context.Background()
	s := newTestAuditStore(10)
	for i := range auditPruneEvery {
		_, err := s.append(ctx, "item_group", int64(i+1), 1, AuditActionCreated)
		require.NoError(t, err)
	}
	entries, err := s.list(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 10)
}
