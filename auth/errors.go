package auth

import "errors"

var (
	// ErrUnknownRole is returned when a role string is not admin, superuser or user.
	ErrUnknownRole = errors.New("unknown role")
	// ErrForbidden is returned by Policy.Authorize when the role may not use the method.
	ErrForbidden = errors.New("insufficient role")

	// ErrInvalidToken is wrapped by every token verification failure.
	ErrInvalidToken = errors.New("invalid session token")
	// ErrTokenExpired marks a token whose exp claim has passed.
	ErrTokenExpired = errors.New("session token expired")
	// ErrTokenSignature marks a token not signed by this server's key.
	ErrTokenSignature = errors.New("session token signature mismatch")
	// ErrTokenMalformed marks a token that cannot be decoded or carries bad claims.
	ErrTokenMalformed = errors.New("session token malformed")

	// ErrMissingSigningKey is returned when a Signer is built without a key.
	ErrMissingSigningKey = errors.New("session signing key is not configured")
	// ErrPasswordTooShort is returned when hashing a password under MinPasswordLen.
	ErrPasswordTooShort = errors.New("password too short")
	// ErrPasswordTooLong is returned when hashing a password over MaxPasswordLen bytes.
	ErrPasswordTooLong = errors.New("password too long")
)
