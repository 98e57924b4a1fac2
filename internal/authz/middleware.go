package authz

import (
	"log/slog"
	"net/http"

	"github.com/landledger/landledger/internal/platform/httpx"
	"github.com/landledger/landledger/internal/roles"
	"github.com/landledger/landledger/internal/session"
)

// Middleware wires authorization checks for HTTP handlers. Handlers run behind a
// middleware that stored the request session with session.NewContext.
type Middleware struct {
	Logger *slog.Logger
}

// RequireAuthenticated rejects requests without an identity.
func (m Middleware) RequireAuthenticated() func(http.Handler) http.Handler {
	return m.require("authenticated", func(s session.Session) bool {
		return Authorize(s, 0)
	})
}

// RequireAny ensures the current caller holds at least one of the roles.
func (m Middleware) RequireAny(rs ...roles.Role) func(http.Handler) http.Handler {
	required := roles.NewSet(rs...)
	return m.require(required.String(), func(s session.Session) bool {
		return Authorize(s, required)
	})
}

// RequirePermission ensures the current caller's roles grant every permission.
func (m Middleware) RequirePermission(perms ...roles.Permission) func(http.Handler) http.Handler {
	return m.require("permission", func(s session.Session) bool {
		for _, p := range perms {
			if !Can(s, p) {
				return false
			}
		}
		return true
	})
}

func (m Middleware) require(rule string, allowed func(session.Session) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, _ := session.FromContext(r.Context())
			if !sess.Authenticated() {
				httpx.Problem(w, http.StatusUnauthorized, http.StatusText(http.StatusUnauthorized), "authentication required")
				return
			}
			if allowed(sess) {
				next.ServeHTTP(w, r)
				return
			}
			if m.Logger != nil {
				m.Logger.Debug("authz deny", slog.String("principal", sess.Principal.String()), slog.String("rule", rule))
			}
			httpx.Problem(w, http.StatusForbidden, http.StatusText(http.StatusForbidden), "requires "+rule)
		})
	}
}
