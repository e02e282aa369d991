package util

import (
	"bytes"
	"crypto/x509"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeLogin(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"alice@example.com", "alice@example.com"},
		{"  Alice@Example.COM ", "alice@example.com"},
		{"Ａlice@example.com", "alice@example.com"}, // fullwidth A
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeLogin(tt.in), tt.in)
	}
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "café", NormalizeText("  café "))
	assert.Equal(t, "INV-1", NormalizeText("INV-1"))
}

func TestWipeBytes(t *testing.T) {
	b := []byte("secret")
	WipeBytes(b)
	assert.Equal(t, make([]byte, 6), b)
}

func TestRandom(t *testing.T) {
	b1, err := RandomBytes(32)
	require.NoError(t, err)
	b2, err := RandomBytes(32)
	require.NoError(t, err)
	assert.Len(t, b1, 32)
	assert.False(t, bytes.Equal(b1, b2))

	s1, err := RandomChars(20)
	require.NoError(t, err)
	s2, err := RandomChars(20)
	require.NoError(t, err)
	assert.Len(t, s1, 20)
	assert.NotEqual(t, s1, s2)
	for _, r := range s1 {
		assert.True(t, strings.ContainsRune(string(allowedRandomChars), r), string(r))
	}
}

func TestGenerateSelfSignedCert(t *testing.T) {
	cert, err := GenerateSelfSignedCert()
	require.NoError(t, err)
	require.NotNil(t, cert.Leaf)
	assert.Equal(t, "localhost", cert.Leaf.Subject.CommonName)
	assert.Contains(t, cert.Leaf.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	assert.NoError(t, cert.Leaf.VerifyHostname("localhost"))
	assert.NoError(t, cert.Leaf.VerifyHostname("127.0.0.1"))
}
