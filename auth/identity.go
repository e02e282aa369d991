package auth

import (
	"errors"
	"strings"
)

// Identity is the authenticated principal carried inside a session token.
// A token's copy can lag behind the account store until the holder signs in
// again.
type Identity struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
}

// Validate checks that id is complete enough to be embedded in a token.
func (id Identity) Validate() error {
	if id.ID <= 0 {
		return errors.New("identity id must be positive")
	}
	if strings.TrimSpace(id.Username) == "" {
		return errors.New("identity username is required")
	}
	if !id.Role.Valid() {
		return ErrUnknownRole
	}
	return nil
}

// IsAdmin reports whether the identity holds the admin role.
func (id Identity) IsAdmin() bool { return id.Role == RoleAdmin }
