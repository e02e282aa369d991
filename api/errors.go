package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmcleod/bizadmin/accounts"
	"github.com/jmcleod/bizadmin/auth"
	"github.com/jmcleod/bizadmin/business"
)

const genericErrorMessage = "internal server error"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeInternalError logs err and answers with a body that reveals nothing
// about the failure.
func (a *API) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	a.logger.LogAttrs(r.Context(), slog.LevelError, msg,
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, genericErrorMessage)
}

func (a *API) mapError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *business.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, business.ErrNotFound), errors.Is(err, accounts.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, business.ErrConflict), errors.Is(err, accounts.ErrUserExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, accounts.ErrInvalidUser),
		errors.Is(err, auth.ErrUnknownRole),
		errors.Is(err, auth.ErrPasswordTooShort),
		errors.Is(err, auth.ErrPasswordTooLong):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, http.StatusForbidden, "insufficient permissions")
	default:
		a.writeInternalError(w, r, "request failed", err)
	}
}
