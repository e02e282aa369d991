package api

import (
	"log/slog"
	"net/http"

	"github.com/jmcleod/bizadmin/accounts"
)

// ListUsers handles GET /users.
func (a *API) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := a.accounts.List(r.Context())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	out := make([]UserResponse, len(users))
	for i := range users {
		out[i] = userResponse(&users[i])
	}
	limit, offset := parsePagination(r)
	writeJSON(w, http.StatusOK, paginate(out, limit, offset))
}

// CreateUser handles POST /users. The gatekeeper admits superusers to any
// POST, so account creation checks for admin itself.
func (a *API) CreateUser(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	req, ok := decodeJSON[CreateUserRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	u, err := a.accounts.Create(r.Context(), accounts.NewUser{
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Role:     req.Role,
	})
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditUserCreated, r, a.actorID(r),
		slog.Int64("user_id", u.ID),
		slog.String("role", u.Role.String()),
	)
	writeJSON(w, http.StatusCreated, userResponse(u))
}

// DeleteUser handles DELETE /users/{userID}.
func (a *API) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r, "userID")
	if !ok {
		return
	}
	actor := a.actorID(r)
	if id == actor {
		writeError(w, http.StatusBadRequest, "cannot delete your own account")
		return
	}
	if err := a.accounts.Delete(r.Context(), id); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logEvent(AuditUserDeleted, r, actor, slog.Int64("user_id", id))
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// requireAdmin writes 401 or 403 and returns false unless the caller is an
// admin.
func (a *API) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	caller := a.IdentityFromRequest(r)
	if caller == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return false
	}
	if !caller.IsAdmin() {
		a.audit.logEvent(AuditAccessDenied, r, caller.ID,
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("role", caller.Role.String()),
		)
		writeError(w, http.StatusForbidden, "insufficient permissions")
		return false
	}
	return true
}
