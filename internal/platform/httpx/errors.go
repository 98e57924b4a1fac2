// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/landledger/landledger/internal/registry"
	"github.com/landledger/landledger/internal/session"
)

// Sentinel errors for the HTTP layer itself.
var (
	ErrBadRequest      = errors.New("malformed request")
	ErrUnauthenticated = errors.New("authentication required")
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	status, title := Classify(err)
	detail := ""
	if status < http.StatusInternalServerError || status == http.StatusBadGateway {
		detail = err.Error()
	}
	Problem(w, status, title, detail)
}

// Classify returns the status and problem title for err.
func Classify(err error) (int, string) {
	var authErr *session.AuthError
	switch {
	case err == nil:
		return http.StatusOK, "OK"
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "Bad Request"
	case errors.Is(err, ErrUnauthenticated), errors.As(err, &authErr), errors.Is(err, session.ErrNotAuthenticated):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, registry.ErrUnauthorized):
		return http.StatusForbidden, "Forbidden"
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, registry.ErrInvalidState):
		return http.StatusConflict, "Invalid State"
	case errors.Is(err, registry.ErrValidationFailed):
		return http.StatusUnprocessableEntity, "Validation Failed"
	case errors.Is(err, registry.ErrNotInitialized):
		return http.StatusServiceUnavailable, "Registry Unavailable"
	case registry.IsTransport(err):
		return http.StatusBadGateway, "Registry Transport Error"
	default:
		return http.StatusInternalServerError, "Internal Error"
	}
}
