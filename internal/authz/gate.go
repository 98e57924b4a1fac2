// Package authz decides whether a session may see or attempt an operation. It is a local
// pre-flight check; the registry re-validates every call on its own.
package authz

import (
	"github.com/landledger/landledger/internal/identity"
	"github.com/landledger/landledger/internal/roles"
	"github.com/landledger/landledger/internal/session"
)

var (
	// Approvers may resolve transfer requests.
	Approvers = roles.NewSet(roles.Admin, roles.LandRegistrar)
	// Registrars may register and update parcels.
	Registrars = roles.NewSet(roles.Owner, roles.Admin, roles.LandRegistrar)
	// Administrators may manage users and correct parcels.
	Administrators = roles.NewSet(roles.Owner, roles.Admin)
	// Reviewers may read every transfer request, not only their own.
	Reviewers = roles.NewSet(roles.Owner, roles.Admin, roles.LandRegistrar, roles.Auditor)
)

// Authorize reports whether s carries an identity and, when required is non-empty, at
// least one of the required roles.
func Authorize(s session.Session, required roles.Set) bool {
	if !s.Authenticated() {
		return false
	}
	return required.Empty() || s.Roles.Intersects(required)
}

// AuthorizeOwner reports whether s is acting as owner.
func AuthorizeOwner(s session.Session, owner identity.Principal) bool {
	return s.Authenticated() && s.Principal == owner
}

// Can reports whether any of the session's roles grants p.
func Can(s session.Session, p roles.Permission) bool {
	return s.Authenticated() && s.Roles.Grants(p)
}
