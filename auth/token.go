package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jmcleod/bizadmin/internal/uuid"
)

const (
	// SessionDuration is how long an issued session token stays valid.
	// There is no refresh: expiry forces a new sign-in.
	SessionDuration = 2 * time.Hour
	// DefaultIssuer is the iss claim written into and required of every token.
	DefaultIssuer = "bizadmin"
)

// sessionClaims is the JWT payload. id, username and role are read by
// collaborators; the registered claims carry iat, exp, iss and jti.
type sessionClaims struct {
	UserID   int64  `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
	jwt.RegisteredClaims
}

// Signer mints and verifies HS256 session tokens. The symmetric key lives in
// a memguard enclave and is only unsealed for the duration of a single sign
// or verify call. A Signer is immutable and safe for concurrent use.
type Signer struct {
	key    *memguard.Enclave
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithTTL overrides SessionDuration.
func WithTTL(ttl time.Duration) SignerOption {
	return func(s *Signer) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithIssuer overrides DefaultIssuer.
func WithIssuer(iss string) SignerOption {
	return func(s *Signer) {
		if iss != "" {
			s.issuer = iss
		}
	}
}

// WithClock replaces time.Now for issuing and verifying. Used by tests.
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSigner seals a copy of key and returns a ready Signer. The caller's
// slice is left untouched.
func NewSigner(key []byte, opts ...SignerOption) (*Signer, error) {
	if len(key) == 0 {
		return nil, ErrMissingSigningKey
	}
	buf := make([]byte, len(key))
	copy(buf, key)

	s := &Signer{
		key:    memguard.NewEnclave(buf),
		ttl:    SessionDuration,
		issuer: DefaultIssuer,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTL returns the lifetime given to issued tokens.
func (s *Signer) TTL() time.Duration { return s.ttl }

// Issue signs a token for id that expires TTL from now.
func (s *Signer) Issue(id Identity) (string, time.Time, error) {
	if err := id.Validate(); err != nil {
		return "", time.Time{}, fmt.Errorf("issuing session token: %w", err)
	}
	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := sessionClaims{
		UserID:   id.ID,
		Username: id.Username,
		Role:     id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.New(),
		},
	}

	lb, err := s.key.Open()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("opening signing key: %w", err)
	}
	defer lb.Destroy()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(lb.Bytes())
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing session token: %w", err)
	}
	return token, expiresAt, nil
}

// Verify checks the token's signature, algorithm, issuer and expiry and
// returns the embedded identity. Every failure wraps ErrInvalidToken and one
// of ErrTokenExpired, ErrTokenSignature or ErrTokenMalformed.
func (s *Signer) Verify(token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, ErrTokenMalformed)
	}

	lb, err := s.key.Open()
	if err != nil {
		return Identity{}, fmt.Errorf("%w: opening signing key: %w", ErrInvalidToken, err)
	}
	defer lb.Destroy()

	var claims sessionClaims
	_, err = jwt.ParseWithClaims(token, &claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return lb.Bytes(), nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Identity{}, classifyTokenError(err)
	}

	id := Identity{ID: claims.UserID, Username: claims.Username, Role: claims.Role}
	if err := id.Validate(); err != nil {
		return Identity{}, fmt.Errorf("%w: %w: %v", ErrInvalidToken, ErrTokenMalformed, err)
	}
	return id, nil
}

func classifyTokenError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrInvalidToken, ErrTokenExpired)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %w", ErrInvalidToken, ErrTokenSignature)
	default:
		return fmt.Errorf("%w: %w: %v", ErrInvalidToken, ErrTokenMalformed, err)
	}
}
