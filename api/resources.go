package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/bizadmin/business"
)

// collection is the part of business.Collection the handlers use.
type collection[T any] interface {
	Create(ctx context.Context, v *T) (*T, error)
	Get(ctx context.Context, id int64) (*T, error)
	List(ctx context.Context) ([]T, error)
	Update(ctx context.Context, id int64, v *T) (*T, error)
	Delete(ctx context.Context, id int64) error
}

type resource[T any] struct {
	api  *API
	kind string
	coll func(*business.Book) collection[T]
}

// mountResource registers list, create, get, update and delete handlers
// for one business collection under path. The gatekeeper has already
// applied the method policy by the time they run.
func mountResource[T any](r chi.Router, a *API, path, kind string, coll func(*business.Book) collection[T]) {
	res := &resource[T]{api: a, kind: kind, coll: coll}
	r.Route(path, func(r chi.Router) {
		r.Get("/", res.list)
		r.Post("/", res.create)
		r.Get("/{id}", res.get)
		r.Put("/{id}", res.update)
		r.Delete("/{id}", res.delete)
	})
}

func (res *resource[T]) store() collection[T] {
	return res.coll(res.api.book)
}

func (res *resource[T]) list(w http.ResponseWriter, r *http.Request) {
	items, err := res.store().List(r.Context())
	if err != nil {
		res.api.mapError(w, r, err)
		return
	}
	limit, offset := parsePagination(r)
	writeJSON(w, http.StatusOK, paginate(items, limit, offset))
}

func (res *resource[T]) create(w http.ResponseWriter, r *http.Request) {
	v, ok := decodeJSON[T](w, r, maxRecordBodySize)
	if !ok {
		return
	}
	created, err := res.store().Create(r.Context(), &v)
	if err != nil {
		res.api.mapError(w, r, err)
		return
	}
	res.audit(AuditRecordCreated, AuditActionCreated, r, created)
	writeJSON(w, http.StatusCreated, created)
}

func (res *resource[T]) get(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r, "id")
	if !ok {
		return
	}
	v, err := res.store().Get(r.Context(), id)
	if err != nil {
		res.api.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (res *resource[T]) update(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r, "id")
	if !ok {
		return
	}
	v, ok := decodeJSON[T](w, r, maxRecordBodySize)
	if !ok {
		return
	}
	updated, err := res.store().Update(r.Context(), id, &v)
	if err != nil {
		res.api.mapError(w, r, err)
		return
	}
	res.audit(AuditRecordUpdated, AuditActionUpdated, r, updated)
	writeJSON(w, http.StatusOK, updated)
}

func (res *resource[T]) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r, "id")
	if !ok {
		return
	}
	if err := res.store().Delete(r.Context(), id); err != nil {
		res.api.mapError(w, r, err)
		return
	}
	res.api.audit.logEvent(AuditRecordDeleted, r, res.api.actorID(r),
		slog.String("kind", res.kind),
		slog.Int64("record_id", id),
	)
	res.api.recordChange(r, res.kind, id, AuditActionDeleted)
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

func (res *resource[T]) audit(event AuditEvent, action AuditAction, r *http.Request, v *T) {
	attrs := []slog.Attr{slog.String("kind", res.kind)}
	rec, ok := any(v).(interface{ RecordID() int64 })
	if ok {
		attrs = append(attrs, slog.Int64("record_id", rec.RecordID()))
	}
	res.api.audit.logEvent(event, r, res.api.actorID(r), attrs...)
	if ok {
		res.api.recordChange(r, res.kind, rec.RecordID(), action)
	}
}

// actorID is the signed-in account id, or 0.
func (a *API) actorID(r *http.Request) int64 {
	if id := a.IdentityFromRequest(r); id != nil {
		return id.ID
	}
	return 0
}

func recordID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid "+param)
		return 0, false
	}
	return id, true
}
