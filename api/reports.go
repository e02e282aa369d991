package api

import "net/http"

// Summary handles GET /reports/summary.
func (a *API) Summary(w http.ResponseWriter, r *http.Request) {
	s, err := a.book.Summary(r.Context())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}
