package authz

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/landledger/landledger/internal/identity"
	"github.com/landledger/landledger/internal/platform/httpx"
	"github.com/landledger/landledger/internal/roles"
	"github.com/landledger/landledger/internal/session"
)

var alice = identity.SelfAuthenticating([]byte("alice"))

// allSets enumerates every subset of the role enumeration.
func allSets() []roles.Set {
	all := roles.All()
	sets := make([]roles.Set, 0, 1<<len(all))
	for mask := 0; mask < 1<<len(all); mask++ {
		var s roles.Set
		for i, r := range all {
			if mask&(1<<i) != 0 {
				s = s.With(r)
			}
		}
		sets = append(sets, s)
	}
	return sets
}

func TestAuthorizeEmptyRequirementMeansIdentityPresent(t *testing.T) {
	for _, held := range allSets() {
		with := session.Session{Principal: alice, Roles: held}
		require.True(t, Authorize(with, 0), held.String())

		without := session.Session{Roles: held}
		require.False(t, Authorize(without, 0), held.String())

		anonymous := session.Session{Principal: identity.Anonymous, Roles: held}
		require.False(t, Authorize(anonymous, 0))
	}
}

func TestAuthorizeWithoutRolesDeniesEveryRequirement(t *testing.T) {
	s := session.Session{Principal: alice}
	for _, required := range allSets() {
		if required.Empty() {
			continue
		}
		require.False(t, Authorize(s, required), required.String())
	}
}

func TestAuthorizeIntersection(t *testing.T) {
	registrar := session.Session{Principal: alice, Roles: roles.NewSet(roles.LandRegistrar)}
	require.True(t, Authorize(registrar, Approvers))
	require.True(t, Authorize(registrar, Registrars))
	require.False(t, Authorize(registrar, Administrators))

	user := session.Session{Principal: alice, Roles: roles.NewSet(roles.User)}
	require.False(t, Authorize(user, Approvers))
}

func TestAuthorizeOwnerAndPermissions(t *testing.T) {
	bob := identity.SelfAuthenticating([]byte("bob"))
	s := session.Session{Principal: alice, Roles: roles.NewSet(roles.User)}

	require.True(t, AuthorizeOwner(s, alice))
	require.False(t, AuthorizeOwner(s, bob))
	require.False(t, AuthorizeOwner(session.Session{}, identity.Principal{}), "absent identity never owns")

	require.True(t, Can(s, roles.TransferLandParcel))
	require.False(t, Can(s, roles.ApproveLandParcel))
	require.False(t, Can(session.Session{Roles: roles.NewSet(roles.Owner)}, roles.ViewLandParcel))
}

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	mw := Middleware{}

	serve := func(h http.Handler, s *session.Session) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if s != nil {
			req = req.WithContext(session.NewContext(req.Context(), *s))
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	approver := &session.Session{Principal: alice, Roles: roles.NewSet(roles.Admin)}
	user := &session.Session{Principal: alice, Roles: roles.NewSet(roles.User)}

	require.Equal(t, http.StatusUnauthorized, serve(mw.RequireAny(roles.Admin)(ok), nil))
	require.Equal(t, http.StatusForbidden, serve(mw.RequireAny(roles.Admin, roles.LandRegistrar)(ok), user))
	require.Equal(t, http.StatusNoContent, serve(mw.RequireAny(roles.Admin, roles.LandRegistrar)(ok), approver))
	require.Equal(t, http.StatusNoContent, serve(mw.RequireAuthenticated()(ok), user))
	require.Equal(t, http.StatusForbidden, serve(mw.RequirePermission(roles.AssignRoles)(ok), user))
	require.Equal(t, http.StatusNoContent, serve(mw.RequirePermission(roles.AssignRoles, roles.ViewUsers)(ok), approver))
}

func TestMiddlewareDenialsAreProblemDetails(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	guarded := Middleware{}.RequireAny(roles.Admin)(ok)

	rec := httptest.NewRecorder()
	guarded.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var problem httpx.ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Equal(t, http.StatusUnauthorized, problem.Status)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(session.NewContext(req.Context(), session.Session{Principal: alice, Roles: roles.NewSet(roles.User)}))
	rec = httptest.NewRecorder()
	guarded.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Equal(t, http.StatusForbidden, problem.Status)
	require.Contains(t, problem.Detail, string(roles.Admin))
}
