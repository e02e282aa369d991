// Package auth holds the security core of bizadmin: roles and identities,
// the method-based role policy, session token signing and verification, and
// password hashing.
package auth

import (
	"fmt"
	"strings"
)

// Role is the closed set of roles an account can hold.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleSuperuser Role = "superuser"
	RoleUser      Role = "user"
)

// Roles lists every valid role, most privileged first.
var Roles = []Role{RoleAdmin, RoleSuperuser, RoleUser}

// ParseRole converts s into a Role. Matching is exact after trimming
// whitespace; any other value yields ErrUnknownRole.
func ParseRole(s string) (Role, error) {
	switch r := Role(strings.TrimSpace(s)); r {
	case RoleAdmin, RoleSuperuser, RoleUser:
		return r, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

func (r Role) String() string { return string(r) }

// MarshalText refuses to encode an invalid role so that a zero or corrupted
// value never ends up inside a token or a stored record.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, string(r))
	}
	return []byte(r), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
