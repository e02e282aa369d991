package web

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/bizadmin/auth"
)

func serve(t *testing.T, id *auth.Identity, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	h, err := Handler(func(*http.Request) *auth.Identity { return id })
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestHandlerRequiresIdentityFunc(t *testing.T) {
	_, err := Handler(nil)
	assert.Error(t, err)
}

func TestLandingPageAnonymous(t *testing.T) {
	rec := serve(t, nil, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `id="sign-in"`)
	assert.NotContains(t, rec.Body.String(), "Signed in as")
}

func TestLandingPageSignedIn(t *testing.T) {
	id := &auth.Identity{ID: 1, Username: "<dana>", Role: auth.RoleSuperuser}
	rec := serve(t, id, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "Signed in as <strong>&lt;dana&gt;</strong>")
	assert.Contains(t, body, "role-superuser")
	assert.NotContains(t, body, `id="sign-in"`)
}

func TestStaticAssets(t *testing.T) {
	rec := serve(t, nil, http.MethodGet, "/static/app.js")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/auth/sign-in")

	rec = serve(t, nil, http.MethodGet, "/static/style.css")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownPathAndMethod(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, serve(t, nil, http.MethodGet, "/nope").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(t, nil, http.MethodPost, "/").Code)
}
