package api

import (
	"net/http"
	"time"
)

// SessionCookieName is the cookie carrying the signed session token.
const SessionCookieName = "auth_token"

// setSessionCookie stores token in the session cookie for the signer's TTL.
func (a *API) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, a.sessionCookie(token, int(a.signer.TTL()/time.Second)))
}

// clearSessionCookie overwrites the session cookie with an empty value that
// expires immediately.
func (a *API) clearSessionCookie(w http.ResponseWriter) {
	// net/http writes MaxAge < 0 as "Max-Age=0".
	http.SetCookie(w, a.sessionCookie("", -1))
}

func (a *API) sessionCookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     SessionCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	}
}

func sessionToken(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}
