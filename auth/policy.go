package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// Policy maps an HTTP method to the roles allowed to use it. Methods absent
// from the map are open to every role. A Policy is built once at startup and
// only read afterwards.
type Policy struct {
	rules map[string]map[Role]bool
}

// DefaultPolicy is the coarse rule set applied to every gated resource:
// deletes need admin, writes need admin or superuser, reads need only a
// valid session.
func DefaultPolicy() Policy {
	writers := []Role{RoleAdmin, RoleSuperuser}
	return NewPolicy(map[string][]Role{
		http.MethodDelete: {RoleAdmin},
		http.MethodPost:   writers,
		http.MethodPut:    writers,
		http.MethodPatch:  writers,
	})
}

// NewPolicy builds a Policy from method → allowed roles.
func NewPolicy(rules map[string][]Role) Policy {
	p := Policy{rules: make(map[string]map[Role]bool, len(rules))}
	for method, roles := range rules {
		set := make(map[Role]bool, len(roles))
		for _, r := range roles {
			set[r] = true
		}
		p.rules[strings.ToUpper(method)] = set
	}
	return p
}

// Authorize returns nil when role may issue a request with the given method,
// and an error wrapping ErrForbidden otherwise.
func (p Policy) Authorize(method string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %w", ErrForbidden, ErrUnknownRole)
	}
	allowed, restricted := p.rules[strings.ToUpper(method)]
	if !restricted || allowed[role] {
		return nil
	}
	return fmt.Errorf("%w: %s requires one of %s", ErrForbidden, strings.ToUpper(method), p.describe(allowed))
}

func (p Policy) describe(allowed map[Role]bool) string {
	var names []string
	for _, r := range Roles {
		if allowed[r] {
			names = append(names, string(r))
		}
	}
	return strings.Join(names, ", ")
}
