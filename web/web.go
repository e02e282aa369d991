// Package web serves the browser landing page and its static assets.
package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strings"

	"github.com/jmcleod/bizadmin/auth"
)

//go:embed templates/*.html static/*
var content embed.FS

// IdentityFunc resolves the signed-in identity for a request, or nil.
type IdentityFunc func(r *http.Request) *auth.Identity

type pageData struct {
	Identity *auth.Identity
}

// Handler returns an http.Handler that renders the landing page at "/" and
// serves embedded assets under /static/. The page shows the sign-in form
// when identityFn returns nil and the account's name and role otherwise.
func Handler(identityFn IdentityFunc) (http.Handler, error) {
	if identityFn == nil {
		return nil, fmt.Errorf("web: identity func is required")
	}
	tmpl, err := template.ParseFS(content, "templates/index.html")
	if err != nil {
		return nil, fmt.Errorf("parsing embedded templates: %w", err)
	}
	staticFS, err := fs.Sub(content, "static")
	if err != nil {
		return nil, fmt.Errorf("loading embedded web assets: %w", err)
	}
	static := http.StripPrefix("/static/", http.FileServer(http.FS(staticFS)))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/static/"):
			static.ServeHTTP(w, r)
		case r.URL.Path == "/" || r.URL.Path == "/index.html":
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				w.Header().Set("Allow", "GET, HEAD")
				http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
				return
			}
			// Render to a buffer so a template error still yields a clean 500.
			var buf bytes.Buffer
			if err := tmpl.Execute(&buf, pageData{Identity: identityFn(r)}); err != nil {
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			w.Write(buf.Bytes())
		default:
			http.NotFound(w, r)
		}
	}), nil
}
