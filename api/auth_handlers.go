package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jmcleod/bizadmin/accounts"
	"github.com/jmcleod/bizadmin/internal/util"
)

// InvalidCredentialsMessage is the only failure message sign-in returns for
// bad credentials, whether the account exists or not.
const InvalidCredentialsMessage = "Invalid email or password"

// SignIn handles POST /auth/sign-in.
func (a *API) SignIn(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[SignInRequest](w, r, maxAuthBodySize)
	if !ok {
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	login := util.NormalizeLogin(req.Email)
	clientIP := a.extractClientIP(r)

	// Check rate limits before any bcrypt work.
	if scope, retryAfter := a.limiter.check(login, clientIP); scope != "" {
		a.audit.logFailure(AuditSignInRateLimited, r, scope+" rate limited",
			slog.String("client_ip", clientIP))
		writeRateLimited(w, retryAfter)
		return
	}

	user, err := a.accounts.Authenticate(r.Context(), req.Email, req.Password)
	if errors.Is(err, accounts.ErrInvalidCredentials) {
		a.limiter.failure(login, clientIP)
		a.audit.logFailure(AuditSignInFailure, r, "invalid credentials",
			slog.String("client_ip", clientIP))
		writeError(w, http.StatusUnauthorized, InvalidCredentialsMessage)
		return
	}
	if err != nil {
		a.writeInternalError(w, r, "sign-in failed", err)
		return
	}

	id := user.Identity()
	token, expiresAt, err := a.signer.Issue(id)
	if err != nil {
		a.writeInternalError(w, r, "issuing session token failed", err)
		return
	}

	// Sign-in succeeded, clear rate-limit state.
	a.limiter.success(login, clientIP)

	a.setSessionCookie(w, token)
	a.audit.logEvent(AuditSignInSuccess, r, id.ID)
	writeJSON(w, http.StatusOK, SignInResponse{
		Success:   true,
		User:      id,
		ExpiresAt: expiresAt.UTC(),
	})
}

// SignOut handles POST /auth/sign-out. It needs no valid session: the
// cookie is cleared regardless.
func (a *API) SignOut(w http.ResponseWriter, r *http.Request) {
	actor := a.actorID(r)
	a.clearSessionCookie(w)
	a.audit.logEvent(AuditSignOut, r, actor)
	writeJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// Me handles GET /auth/me.
func (a *API) Me(w http.ResponseWriter, r *http.Request) {
	id := a.IdentityFromRequest(r)
	if id == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, id)
}
