// Package roles defines the registry's role enumeration, role sets and the permissions
// each role grants.
package roles

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Role is a named capability grant held by a principal.
type Role string

const (
	// Owner operates the registry deployment itself.
	Owner Role = "Owner"
	// Admin manages users, roles and parcel corrections.
	Admin Role = "Admin"
	// LandRegistrar registers parcels and resolves transfers.
	LandRegistrar Role = "LandRegistrar"
	// Auditor has read access to parcels, users and audit logs.
	Auditor Role = "Auditor"
	// User is the implicit role of every authenticated caller.
	User Role = "User"
)

// ErrUnknownRole indicates a role outside the enumeration.
var ErrUnknownRole = errors.New("roles: unknown role")

var ordered = []Role{Owner, Admin, LandRegistrar, Auditor, User}

// All returns every role in declaration order.
func All() []Role {
	return append([]Role(nil), ordered...)
}

// Parse resolves a role name case-insensitively.
func Parse(value string) (Role, error) {
	trimmed := strings.TrimSpace(value)
	for _, r := range ordered {
		if strings.EqualFold(string(r), trimmed) {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, value)
}

// Valid reports whether r belongs to the enumeration.
func (r Role) Valid() bool {
	return r.bit() != 0
}

func (r Role) bit() Set {
	for i, candidate := range ordered {
		if candidate == r {
			return 1 << uint(i)
		}
	}
	return 0
}

// Set is an immutable set of roles.
type Set uint8

// NewSet builds a set, ignoring unknown roles.
func NewSet(rs ...Role) Set {
	var s Set
	for _, r := range rs {
		s |= r.bit()
	}
	return s
}

// Has reports whether r is in the set.
func (s Set) Has(r Role) bool {
	bit := r.bit()
	return bit != 0 && s&bit != 0
}

// With returns a copy of the set including r.
func (s Set) With(r Role) Set {
	return s | r.bit()
}

// Without returns a copy of the set excluding r.
func (s Set) Without(r Role) Set {
	return s &^ r.bit()
}

// Intersects reports whether the sets share at least one role.
func (s Set) Intersects(other Set) bool {
	return s&other != 0
}

// Empty reports whether the set holds no roles.
func (s Set) Empty() bool {
	return s == 0
}

// Len returns the number of roles in the set.
func (s Set) Len() int {
	n := 0
	for _, r := range ordered {
		if s.Has(r) {
			n++
		}
	}
	return n
}

// Roles lists the members in declaration order.
func (s Set) Roles() []Role {
	out := make([]Role, 0, len(ordered))
	for _, r := range ordered {
		if s.Has(r) {
			out = append(out, r)
		}
	}
	return out
}

func (s Set) String() string {
	members := s.Roles()
	names := make([]string, len(members))
	for i, r := range members {
		names[i] = string(r)
	}
	return "{" + strings.Join(names, ",") + "}"
}

// MarshalJSON encodes the set as an array of role names.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Roles())
}

// UnmarshalJSON decodes an array of role names, rejecting unknown ones.
func (s *Set) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	var out Set
	for _, name := range names {
		r, err := Parse(name)
		if err != nil {
			return err
		}
		out = out.With(r)
	}
	*s = out
	return nil
}
