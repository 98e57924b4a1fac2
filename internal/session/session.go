// Package session tracks who is currently acting against the registry: the authenticated
// principal, its resolved roles and the registry client bound to it.
package session

import (
	"context"
	"time"

	"github.com/landledger/landledger/internal/identity"
	"github.com/landledger/landledger/internal/roles"
)

// State is the login lifecycle position.
type State int

const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
)

func (s State) String() string {
	switch s {
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

// RoleResolution distinguishes "roles could not be fetched" from "no roles assigned".
type RoleResolution struct {
	set      roles.Set
	resolved bool
	reason   string
}

// Resolved records the roles the registry reported.
func Resolved(set roles.Set) RoleResolution {
	return RoleResolution{set: set, resolved: true}
}

// Unresolved records why roles could not be fetched.
func Unresolved(reason string) RoleResolution {
	return RoleResolution{reason: reason}
}

// IsResolved reports whether the registry answered.
func (r RoleResolution) IsResolved() bool {
	return r.resolved
}

// Roles returns the reported set when resolved.
func (r RoleResolution) Roles() (roles.Set, bool) {
	return r.set, r.resolved
}

// Reason explains an unresolved resolution.
func (r RoleResolution) Reason() string {
	return r.reason
}

// Effective is the set authorization decisions use. Unresolved roles and an empty
// assignment both fall back to {User}.
func (r RoleResolution) Effective() roles.Set {
	if !r.resolved || r.set.Empty() {
		return roles.NewSet(roles.User)
	}
	return r.set
}

// Session is an immutable snapshot of the acting caller. The zero value is the
// unauthenticated session.
type Session struct {
	Principal       identity.Principal
	Roles           roles.Set
	Resolution      RoleResolution
	State           State
	EstablishedAt   time.Time
	LastRefreshedAt time.Time
	ExpiresAt       time.Time
}

// Authenticated reports whether an identity is present.
func (s Session) Authenticated() bool {
	return !s.Principal.IsZero() && !s.Principal.IsAnonymous()
}

// Expired reports whether the underlying delegation has lapsed at now.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// withRoles returns a copy carrying res.
func (s Session) withRoles(res RoleResolution, now time.Time) Session {
	s.Resolution = res
	s.Roles = res.Effective()
	s.LastRefreshedAt = now
	return s
}

// RolesSource answers role queries. *registry.Client satisfies it.
type RolesSource interface {
	GetUserRoles(ctx context.Context, p identity.Principal) (roles.Set, error)
}

func resolve(ctx context.Context, src RolesSource, p identity.Principal) RoleResolution {
	if src == nil {
		return Unresolved("registry client not initialised")
	}
	set, err := src.GetUserRoles(ctx, p)
	if err != nil {
		return Unresolved(err.Error())
	}
	return Resolved(set)
}

// Establish builds an authenticated session for p with freshly resolved roles. It is the
// per-request constructor for servers acting on behalf of many callers.
func Establish(ctx context.Context, src RolesSource, p identity.Principal, now time.Time) Session {
	if p.IsZero() || p.IsAnonymous() {
		return Session{}
	}
	s := Session{Principal: p, State: Authenticated, EstablishedAt: now}
	return s.withRoles(resolve(ctx, src, p), now)
}

type contextKey struct{}

// NewContext returns ctx carrying s.
func NewContext(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the session stored in ctx.
func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(contextKey{}).(Session)
	return s, ok
}
