package util

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeLogin maps an email address or username to the form used as its
// lookup key: surrounding whitespace trimmed, NFKC-normalised and case
// folded, so "Ａlice@Example.com" and "alice@example.com" collide.
func NormalizeLogin(s string) string {
	s = norm.NFKC.String(strings.TrimSpace(s))
	// Casers carry state and are not safe to share across goroutines.
	return cases.Fold().String(s)
}

// NormalizeText applies NFKC normalisation and trims whitespace. Used for
// free-text identifiers such as invoice numbers.
func NormalizeText(s string) string {
	return strings.TrimSpace(norm.NFKC.String(s))
}
