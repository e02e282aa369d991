package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmcleod/bizadmin/internal/uuid"
	"github.com/jmcleod/bizadmin/storage"
)

const (
	auditNamespace  = "audit"
	auditRecordType = "ENTRY"

	// defaultAuditMaxEntries bounds the stored change history.
	defaultAuditMaxEntries = 10000
	// auditPruneEvery is how many appends happen between retention checks.
	auditPruneEvery = 100
)

// AuditAction is the kind of change recorded in the history.
type AuditAction string

const (
	AuditActionCreated AuditAction = "created"
	AuditActionUpdated AuditAction = "updated"
	AuditActionDeleted AuditAction = "deleted"
)

// AuditEntry is one stored change to a business record.
type AuditEntry struct {
	ID        string      `json:"id"`
	Kind      string      `json:"kind"`
	RecordID  int64       `json:"record_id"`
	Action    AuditAction `json:"action"`
	ActorID   int64       `json:"actor_id"`
	CreatedAt time.Time   `json:"created_at"`
}

// auditStore persists the record change history through the repository.
type auditStore struct {
	repo       storage.Repository
	maxEntries int
	appends    atomic.Int64
	now        func() time.Time
}

func newAuditStore(repo storage.Repository, maxEntries int) *auditStore {
	return &auditStore{repo: repo, maxEntries: maxEntries, now: time.Now}
}

func (s *auditStore) append(ctx context.Context, kind string, recordID, actorID int64, action AuditAction) (AuditEntry, error) {
	entry := AuditEntry{
		ID:        uuid.New(),
		Kind:      kind,
		RecordID:  recordID,
		Action:    action,
		ActorID:   actorID,
		CreatedAt: s.now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return entry, err
	}
	rec := &storage.Record{Version: 1, Data: data, UpdatedAt: entry.CreatedAt}
	if err := s.repo.Put(ctx, auditNamespace, auditRecordType, entry.ID, rec); err != nil {
		return entry, fmt.Errorf("storing audit entry: %w", err)
	}
	if s.maxEntries > 0 && s.appends.Add(1)%auditPruneEvery == 0 {
		if _, err := s.prune(ctx); err != nil {
			return entry, err
		}
	}
	return entry, nil
}

// list returns entries newest first, optionally filtered by kind and record.
// A zero recordID matches every record.
func (s *auditStore) list(ctx context.Context, kind string, recordID int64) ([]AuditEntry, error) {
	ids, err := s.repo.List(ctx, auditNamespace, auditRecordType)
	if storage.IsNotFound(err) {
		return []AuditEntry{}, nil
	}
	if err != nil {
		return nil, err
	}
	entries := make([]AuditEntry, 0, len(ids))
	for _, id := range ids {
		rec, err := s.repo.Get(ctx, auditNamespace, auditRecordType, id)
		if storage.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var entry AuditEntry
		if err := json.Unmarshal(rec.Data, &entry); err != nil {
			continue
		}
		if kind != "" && entry.Kind != kind {
			continue
		}
		if recordID != 0 && entry.RecordID != recordID {
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.After(entries[j].CreatedAt)
		}
		return entries[i].ID > entries[j].ID
	})
	return entries, nil
}

// prune deletes the oldest entries beyond maxEntries and reports how many
// were removed.
func (s *auditStore) prune(ctx context.Context) (int, error) {
	entries, err := s.list(ctx, "", 0)
	if err != nil {
		return 0, err
	}
	if len(entries) <= s.maxEntries {
		return 0, nil
	}
	stale := entries[s.maxEntries:]
	for _, e := range stale {
		err := s.repo.Delete(ctx, auditNamespace, auditRecordType, e.ID)
		if err != nil && !storage.IsNotFound(err) {
			return 0, fmt.Errorf("pruning audit entry %s: %w", e.ID, err)
		}
	}
	return len(stale), nil
}

// recordChange appends to the change history. A storage failure is logged
// and does not fail the request that made the change.
func (a *API) recordChange(r *http.Request, kind string, recordID int64, action AuditAction) {
	if a.history == nil {
		return
	}
	if _, err := a.history.append(r.Context(), kind, recordID, a.actorID(r), action); err != nil {
		a.logger.Warn("audit history append failed",
			slog.String("kind", kind),
			slog.Int64("record_id", recordID),
			slog.String("error", err.Error()),
		)
	}
}

// ListAuditEntries handles GET /audit. Only admins may read the history.
func (a *API) ListAuditEntries(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	q := r.URL.Query()
	var recordID int64
	if v := q.Get("record_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "invalid record_id")
			return
		}
		recordID = id
	}
	entries, err := a.history.list(r.Context(), strings.TrimSpace(q.Get("kind")), recordID)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	limit, offset := parsePagination(r)
	writeJSON(w, http.StatusOK, paginate(entries, limit, offset))
}
