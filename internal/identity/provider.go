// Package identity models callers as principals and wraps the external identity provider
// that issues their delegations.
package identity

import (
	"context"
	"errors"
	"time"
)

// DefaultMaxTimeToLive bounds how long a provider session may live.
const DefaultMaxTimeToLive = 8 * time.Hour

var (
	// ErrCancelled indicates the user abandoned the provider flow.
	ErrCancelled = errors.New("identity: login cancelled")
	// ErrNotAuthenticated indicates no provider session exists.
	ErrNotAuthenticated = errors.New("identity: not authenticated")
	// ErrExpired indicates the delegation is past its expiry.
	ErrExpired = errors.New("identity: delegation expired")
	// ErrInvalidDelegation indicates a delegation failed verification.
	ErrInvalidDelegation = errors.New("identity: invalid delegation")
)

// Identity is what the provider hands back after a login.
type Identity struct {
	Principal  Principal
	Delegation string
	ExpiresAt  time.Time
}

// IsAnonymous reports whether the identity carries no usable principal.
func (i Identity) IsAnonymous() bool {
	return i.Principal.IsZero() || i.Principal.IsAnonymous()
}

// Expired reports whether the delegation is no longer usable at now.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// LoginOptions configures a provider login flow.
type LoginOptions struct {
	ProviderURL   string
	MaxTimeToLive time.Duration
	OnSuccess     func(Identity)
	OnError       func(error)
}

// Provider is the external identity provider boundary.
type Provider interface {
	Login(ctx context.Context, opts LoginOptions) error
	Logout(ctx context.Context) error
	IsAuthenticated(ctx context.Context) bool
	Identity() (Identity, bool)
}
