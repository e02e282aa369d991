package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/bizadmin/auth"
)

// DefaultPublicPaths are reachable without a session. A trailing "*"
// matches any suffix, so directory entries end in "/*".
var DefaultPublicPaths = []string{
	"/auth/sign-in",
	"/auth/sign-out",
	"/openapi.yaml",
	"/docs",
	"/docs/*",
	"/redoc",
	"/redoc/*",
}

// Gatekeeper rejects requests without a valid session token (401) and
// requests whose method the token's role may not use (403). Public paths
// and allowed requests are passed on unmodified.
func (a *API) Gatekeeper(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.isPublic(routePath(r)) {
			a.metrics.gate(decisionPublic)
			next.ServeHTTP(w, r)
			return
		}

		token, ok := sessionToken(r)
		if !ok {
			a.metrics.gate(decisionMissing)
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		id, err := a.signer.Verify(token)
		if err != nil {
			a.metrics.gate(decisionInvalid)
			a.audit.logFailure(AuditTokenRejected, r, tokenFailureReason(err))
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		if err := a.policy.Authorize(r.Method, id.Role); err != nil {
			a.metrics.gate(decisionForbidden)
			a.audit.logEvent(AuditAccessDenied, r, id.ID,
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("role", id.Role.String()),
			)
			writeError(w, http.StatusForbidden, "insufficient permissions")
			return
		}

		a.metrics.gate(decisionAllowed)
		next.ServeHTTP(w, r)
	})
}

// IdentityFromRequest returns the identity carried by the request's session
// cookie, or nil when there is no cookie or the token does not verify.
func (a *API) IdentityFromRequest(r *http.Request) *auth.Identity {
	token, ok := sessionToken(r)
	if !ok {
		return nil
	}
	id, err := a.signer.Verify(token)
	if err != nil {
		return nil
	}
	return &id
}

func (a *API) isPublic(path string) bool {
	for _, p := range a.publicPaths {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(path, prefix) {
				return true
			}
			continue
		}
		if path == p {
			return true
		}
	}
	return false
}

// routePath is the path relative to the router the gatekeeper is mounted
// on.
func routePath(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePath != "" {
		return rctx.RoutePath
	}
	return r.URL.Path
}

func tokenFailureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return "expired"
	case errors.Is(err, auth.ErrTokenSignature):
		return "bad signature"
	default:
		return "malformed"
	}
}
