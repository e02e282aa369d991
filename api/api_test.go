package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/bizadmin/accounts"
	"github.com/jmcleod/bizadmin/api"
	"github.com/jmcleod/bizadmin/auth"
	"github.com/jmcleod/bizadmin/business"
	"github.com/jmcleod/bizadmin/storage"
	"github.com/jmcleod/bizadmin/storage/memory"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

const testPassword = "correct-horse-battery"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	srv   *httptest.Server
	api   *api.API
	clock *testClock
}

func setupServer(t *testing.T, repo storage.Repository, opts ...api.Option) *testEnv {
	t.Helper()
	if repo == nil {
		repo = memory.NewRepository()
	}
	clock := &testClock{t: time.Now()}
	signer, err := auth.NewSigner(testKey, auth.WithClock(clock.Now))
	require.NoError(t, err)

	opts = append([]api.Option{api.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	a := api.New(repo, signer, opts...)
	t.Cleanup(a.Close)

	r := chi.NewRouter()
	r.Mount("/api/v1", a.Router())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, api: a, clock: clock}
}

func (e *testEnv) url(path string) string {
	return e.srv.URL + "/api/v1" + path
}

func (e *testEnv) createUser(t *testing.T, username string, role auth.Role) {
	t.Helper()
	_, err := e.api.Accounts().Create(context.Background(), accounts.NewUser{
		Username: username,
		Email:    username + "@example.com",
		Password: testPassword,
		Role:     role,
	})
	require.NoError(t, err)
}

// signedInClient creates an account with role and returns a client holding
// its session cookie.
func (e *testEnv) signedInClient(t *testing.T, username string, role auth.Role) *http.Client {
	t.Helper()
	e.createUser(t, username, role)
	client := newClient(t)
	resp := doJSON(t, client, http.MethodPost, e.url("/auth/sign-in"), map[string]string{
		"email":    username + "@example.com",
		"password": testPassword,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return client
}

func newClient(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, url, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestSignInSetsSessionCookie(t *testing.T) {
	for _, secure := range []bool{false, true} {
		env := setupServer(t, nil, api.WithSecureCookies(secure))
		env.createUser(t, "alice", auth.RoleAdmin)

		resp := doJSON(t, http.DefaultClient, http.MethodPost, env.url("/auth/sign-in"), map[string]string{
			"email":    "alice@example.com",
			"password": testPassword,
		})
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		c := findCookie(resp, api.SessionCookieName)
		require.NotNil(t, c)
		assert.NotEmpty(t, c.Value)
		assert.True(t, c.HttpOnly)
		assert.Equal(t, http.SameSiteLaxMode, c.SameSite)
		assert.Equal(t, "/", c.Path)
		assert.Equal(t, int(auth.SessionDuration/time.Second), c.MaxAge)
		assert.Equal(t, secure, c.Secure)

		body := decode[api.SignInResponse](t, resp)
		assert.True(t, body.Success)
		assert.Equal(t, "alice", body.User.Username)
		assert.Equal(t, auth.RoleAdmin, body.User.Role)
	}
}

func TestSignInAcceptsUsername(t *testing.T) {
	env := setupServer(t, nil)
	env.createUser(t, "alice", auth.RoleUser)
	resp := doJSON(t, newClient(t), http.MethodPost, env.url("/auth/sign-in"), map[string]string{
		"email":    "ALICE",
		"password": testPassword,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSignInErrorsAreIdentical(t *testing.T) {
	env := setupServer(t, nil)
	env.createUser(t, "alice", auth.RoleUser)

	attempt := func(email, password string) (int, string) {
		resp := doJSON(t, newClient(t), http.MethodPost, env.url("/auth/sign-in"), map[string]string{
			"email":    email,
			"password": password,
		})
		defer resp.Body.Close()
		assert.Nil(t, findCookie(resp, api.SessionCookieName))
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(b)
	}

	wrongStatus, wrongBody := attempt("alice@example.com", "not-the-password")
	unknownStatus, unknownBody := attempt("nobody@example.com", testPassword)

	assert.Equal(t, http.StatusUnauthorized, wrongStatus)
	assert.Equal(t, wrongStatus, unknownStatus)
	assert.Equal(t, wrongBody, unknownBody)
	assert.Contains(t, wrongBody, api.InvalidCredentialsMessage)
}

func TestSignInRejectsMissingFields(t *testing.T) {
	env := setupServer(t, nil)
	resp := doJSON(t, newClient(t), http.MethodPost, env.url("/auth/sign-in"), map[string]string{"email": "a@example.com"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// downRepo fails every read, as an unreachable database would.
type downRepo struct {
	storage.Repository
}

func (downRepo) Get(context.Context, string, string, string) (*storage.Record, error) {
	return nil, errors.New("dial tcp 10.0.0.5:5432: connection refused")
}

func TestSignInUpstreamFailure(t *testing.T) {
	env := setupServer(t, downRepo{Repository: memory.NewRepository()})
	resp := doJSON(t, newClient(t), http.MethodPost, env.url("/auth/sign-in"), map[string]string{
		"email":    "alice@example.com",
		"password": testPassword,
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "connection refused")
	assert.NotContains(t, string(body), api.InvalidCredentialsMessage)
}

func TestSignInRateLimited(t *testing.T) {
	env := setupServer(t, nil)
	client := newClient(t)
	for range 5 {
		resp := doJSON(t, client, http.MethodPost, env.url("/auth/sign-in"), map[string]string{
			"email":    "mallory@example.com",
			"password": "guess-guess",
		})
		resp.Body.Close()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp := doJSON(t, client, http.MethodPost, env.url("/auth/sign-in"), map[string]string{
		"email":    "Mallory@Example.com",
		"password": "guess-guess",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestSignOutClearsCookie(t *testing.T) {
	env := setupServer(t, nil)
	client := env.signedInClient(t, "alice", auth.RoleUser)

	resp := doJSON(t, client, http.MethodGet, env.url("/auth/me"), nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, client, http.MethodPost, env.url("/auth/sign-out"), nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[api.SuccessResponse](t, resp).Success)

	var raw string
	for _, h := range resp.Header.Values("Set-Cookie") {
		if strings.HasPrefix(h, api.SessionCookieName+"=") {
			raw = h
		}
	}
	assert.True(t, strings.HasPrefix(raw, api.SessionCookieName+"=;"), raw)
	assert.Contains(t, raw, "Path=/")
	assert.Contains(t, raw, "Max-Age=0")
	assert.Contains(t, raw, "HttpOnly")
	assert.Contains(t, raw, "SameSite=Lax")

	resp = doJSON(t, client, http.MethodGet, env.url("/invoices"), nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSignOutWithoutSession(t *testing.T) {
	env := setupServer(t, nil)
	resp := doJSON(t, newClient(t), http.MethodPost, env.url("/auth/sign-out"), nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGatekeeperRejectsMissingAndInvalidTokens(t *testing.T) {
	env := setupServer(t, nil)

	resp := doJSON(t, newClient(t), http.MethodGet, env.url("/invoices"), nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "authentication required", decode[api.ErrorResponse](t, resp).Error)

	otherSigner, err := auth.NewSigner([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)
	forged, _, err := otherSigner.Issue(auth.Identity{ID: 1, Username: "alice", Role: auth.RoleAdmin})
	require.NoError(t, err)

	for name, token := range map[string]string{"garbage": "not-a-token", "wrong key": forged} {
		t.Run(name, func(t *testing.T) {
			req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, env.url("/invoices"), nil)
			require.NoError(t, err)
			req.AddCookie(&http.Cookie{Name: api.SessionCookieName, Value: token})
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, "invalid or expired token", decode[api.ErrorResponse](t, resp).Error)
		})
	}
}

func TestSessionExpiresAfterTwoHours(t *testing.T) {
	env := setupServer(t, nil)
	client := env.signedInClient(t, "alice", auth.RoleUser)

	env.clock.Advance(119 * time.Minute)
	resp := doJSON(t, client, http.MethodGet, env.url("/auth/me"), nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "valid at T+119m")

	env.clock.Advance(2 * time.Minute)
	resp = doJSON(t, client, http.MethodGet, env.url("/auth/me"), nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "expired at T+121m")
}

func TestRolePolicy(t *testing.T) {
	env := setupServer(t, nil)
	admin := env.signedInClient(t, "admin", auth.RoleAdmin)
	super := env.signedInClient(t, "super", auth.RoleSuperuser)
	user := env.signedInClient(t, "user", auth.RoleUser)

	supplier := map[string]string{"name": "Acme"}

	resp := doJSON(t, user, http.MethodPost, env.url("/suppliers"), supplier)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "user POST")

	resp = doJSON(t, super, http.MethodPost, env.url("/suppliers"), supplier)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "superuser POST")
	created := decode[business.Supplier](t, resp)
	resp.Body.Close()
	target := env.url("/suppliers/") + itoa(created.ID)

	resp = doJSON(t, user, http.MethodGet, target, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "user GET")

	resp = doJSON(t, user, http.MethodPut, target, map[string]string{"name": "Acme 2"})
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "user PUT")

	resp = doJSON(t, super, http.MethodPut, target, map[string]string{"name": "Acme 2"})
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "superuser PUT")

	resp = doJSON(t, user, http.MethodDelete, target, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "user DELETE")

	resp = doJSON(t, super, http.MethodDelete, target, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "superuser DELETE")

	resp = doJSON(t, admin, http.MethodDelete, target, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "admin DELETE reaches the handler")

	resp = doJSON(t, admin, http.MethodDelete, target, nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateUserRequiresAdmin(t *testing.T) {
	env := setupServer(t, nil)
	admin := env.signedInClient(t, "admin", auth.RoleAdmin)
	super := env.signedInClient(t, "super", auth.RoleSuperuser)

	newUser := map[string]string{
		"username": "bob",
		"email":    "bob@example.com",
		"password": "bobs-password",
		"role":     "user",
	}

	resp := doJSON(t, super, http.MethodPost, env.url("/users"), newUser)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, admin, http.MethodPost, env.url("/users"), newUser)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[api.UserResponse](t, resp)
	resp.Body.Close()
	assert.Equal(t, auth.RoleUser, created.Role)

	resp = doJSON(t, admin, http.MethodPost, env.url("/users"), newUser)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	newUser["username"], newUser["email"], newUser["role"] = "carol", "carol@example.com", "owner"
	resp = doJSON(t, admin, http.MethodPost, env.url("/users"), newUser)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown role")

	resp = doJSON(t, admin, http.MethodGet, env.url("/users"), nil)
	list := decode[api.ListResponse[api.UserResponse]](t, resp)
	resp.Body.Close()
	assert.Equal(t, 3, list.TotalCount)

	resp = doJSON(t, admin, http.MethodDelete, env.url("/users/")+itoa(created.ID), nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateUserRejectsBadPasswords(t *testing.T) {
	env := setupServer(t, nil)
	admin := env.signedInClient(t, "admin", auth.RoleAdmin)

	for name, password := range map[string]string{
		"too short": "short",
		"too long":  strings.Repeat("p", auth.MaxPasswordLen+8),
	} {
		t.Run(name, func(t *testing.T) {
			resp := doJSON(t, admin, http.MethodPost, env.url("/users"), map[string]string{
				"username": "dave",
				"email":    "dave@example.com",
				"password": password,
				"role":     "user",
			})
			body := decode[api.ErrorResponse](t, resp)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEqual(t, "internal server error", body.Error)
		})
	}
}

func TestResourceCRUD(t *testing.T) {
	env := setupServer(t, nil)
	admin := env.signedInClient(t, "admin", auth.RoleAdmin)

	resp := doJSON(t, admin, http.MethodPost, env.url("/invoices"), map[string]any{
		"number":       "INV-1",
		"customer":     "Initech",
		"issue_date":   "2026-03-01",
		"amount_cents": 125000,
		"status":       "issued",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	inv := decode[business.Invoice](t, resp)
	resp.Body.Close()
	assert.Equal(t, "USD", inv.Currency)

	resp = doJSON(t, admin, http.MethodPost, env.url("/invoices"), map[string]any{"number": "INV-2"})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "validation error")

	resp = doJSON(t, admin, http.MethodPost, env.url("/invoices"), map[string]any{"bogus": true})
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown field")

	inv.Status = business.InvoicePaid
	resp = doJSON(t, admin, http.MethodPut, env.url("/invoices/")+itoa(inv.ID), inv)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[business.Invoice](t, resp)
	resp.Body.Close()
	assert.Equal(t, business.InvoicePaid, updated.Status)

	resp = doJSON(t, admin, http.MethodGet, env.url("/invoices?limit=1"), nil)
	page := decode[api.ListResponse[business.Invoice]](t, resp)
	resp.Body.Close()
	require.Len(t, page.Items, 1)
	assert.Equal(t, 1, page.TotalCount)
	assert.False(t, page.HasMore)

	resp = doJSON(t, admin, http.MethodGet, env.url("/invoices/abc"), nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, admin, http.MethodGet, env.url("/invoices/999"), nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, admin, http.MethodGet, env.url("/reports/summary"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary := decode[business.Summary](t, resp)
	resp.Body.Close()
	assert.Equal(t, business.Totals{Count: 1, Cents: 125000}, summary.Invoices["USD"][business.InvoicePaid])
}

func TestAuditHistory(t *testing.T) {
	env := setupServer(t, nil)
	admin := env.signedInClient(t, "admin", auth.RoleAdmin)
	super := env.signedInClient(t, "super", auth.RoleSuperuser)

	resp := doJSON(t, super, http.MethodPost, env.url("/item-groups"), map[string]string{"name": "Hardware"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	group := decode[business.ItemGroup](t, resp)
	resp.Body.Close()

	resp = doJSON(t, admin, http.MethodDelete, env.url("/item-groups/")+itoa(group.ID), nil)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, super, http.MethodGet, env.url("/audit"), nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, admin, http.MethodGet, env.url("/audit?kind=item_group&record_id=")+itoa(group.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[api.ListResponse[api.AuditEntry]](t, resp)
	resp.Body.Close()
	require.Len(t, page.Items, 2)
	assert.Equal(t, api.AuditActionDeleted, page.Items[0].Action)
	assert.Equal(t, api.AuditActionCreated, page.Items[1].Action)

	resp = doJSON(t, admin, http.MethodGet, env.url("/audit?record_id=x"), nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPublicPaths(t *testing.T) {
	env := setupServer(t, nil)
	resp := doJSON(t, newClient(t), http.MethodGet, env.url("/openapi.yaml"), nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, newClient(t), http.MethodGet, env.url("/docs"), nil)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	for _, path := range []string{"/docsanything", "/redoc-admin"} {
		resp = doJSON(t, newClient(t), http.MethodGet, env.url(path), nil)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestIdentityFromRequest(t *testing.T) {
	signer, err := auth.NewSigner(testKey)
	require.NoError(t, err)
	a := api.New(memory.NewRepository(), signer, api.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	defer a.Close()

	id := auth.Identity{ID: 7, Username: "erin", Role: auth.RoleSuperuser}
	token, _, err := signer.Issue(id)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, a.IdentityFromRequest(r), "no cookie")

	r.AddCookie(&http.Cookie{Name: api.SessionCookieName, Value: "tampered" + token})
	assert.Nil(t, a.IdentityFromRequest(r), "invalid token")

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: api.SessionCookieName, Value: token})
	got := a.IdentityFromRequest(r)
	require.NotNil(t, got)
	assert.Equal(t, id, *got)
}

func TestSecurityHeaders(t *testing.T) {
	h := api.SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	h.ServeHTTP(rec, req)
	assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
}

func itoa(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
