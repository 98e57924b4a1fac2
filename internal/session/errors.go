package session

import (
	"errors"

	"github.com/landledger/landledger/internal/identity"
)

var (
	// ErrNotAuthenticated indicates an operation that needs a logged-in caller.
	ErrNotAuthenticated = errors.New("session: not authenticated")
	// ErrSuperseded indicates a login finished after a logout and was discarded.
	ErrSuperseded = errors.New("session: login superseded by logout")
)

// AuthError reports a failed authentication step.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "session: " + e.Reason
	}
	return "session: " + e.Reason + ": " + e.Err.Error()
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func authError(err error) *AuthError {
	switch {
	case errors.Is(err, identity.ErrCancelled):
		return &AuthError{Reason: "login cancelled", Err: err}
	case errors.Is(err, identity.ErrExpired):
		return &AuthError{Reason: "session expired", Err: err}
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, identity.ErrNotAuthenticated):
		return &AuthError{Reason: "not authenticated", Err: err}
	case errors.Is(err, ErrSuperseded):
		return &AuthError{Reason: "login discarded", Err: err}
	default:
		return &AuthError{Reason: "identity provider failure", Err: err}
	}
}
