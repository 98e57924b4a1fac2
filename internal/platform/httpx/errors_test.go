package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/landledger/landledger/internal/identity"
	"github.com/landledger/landledger/internal/registry"
	"github.com/landledger/landledger/internal/session"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{registry.Unauthorized("no"), http.StatusForbidden},
		{registry.NotFound("parcel %s", "x"), http.StatusNotFound},
		{fmt.Errorf("approve: %w", registry.InvalidState("resolved")), http.StatusConflict},
		{registry.ValidationFailed("fee"), http.StatusUnprocessableEntity},
		{registry.ErrNotInitialized, http.StatusServiceUnavailable},
		{&registry.TransportError{Method: "GetParcel", Code: codes.Unavailable, Err: errors.New("down")}, http.StatusBadGateway},
		{&session.AuthError{Reason: "session expired", Err: identity.ErrExpired}, http.StatusUnauthorized},
		{ErrUnauthenticated, http.StatusUnauthorized},
		{fmt.Errorf("%w: eof", ErrBadRequest), http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _ := Classify(tc.err)
		require.Equal(t, tc.status, status, tc.err.Error())
	}
}

func TestRespondErrorHidesInternalDetail(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, errors.New("pq: password authentication failed"))
	require.Equal(t, http.StatusInternalServerError, rr.Code)

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	require.Empty(t, problem.Detail)

	rr = httptest.NewRecorder()
	RespondError(rr, registry.InvalidState("parcel p1 has no pending transfer"))
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	require.Contains(t, problem.Detail, "no pending transfer")
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var target struct {
		Reason string `json:"reason"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reason":"sale","extra":1}`))
	require.ErrorIs(t, DecodeJSON(req, &target), ErrBadRequest)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"reason":"sale"}`))
	require.NoError(t, DecodeJSON(req, &target))
	require.Equal(t, "sale", target.Reason)
}
