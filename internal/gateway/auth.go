// Package gateway serves the registry over HTTP on behalf of many callers. Each request
// carries its own delegation and gets its own immutable session and registry client.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/landledger/landledger/internal/bootstrap"
	"github.com/landledger/landledger/internal/identity"
	"github.com/landledger/landledger/internal/platform/httpx"
	"github.com/landledger/landledger/internal/registry"
	"github.com/landledger/landledger/internal/session"
)

type registryKey struct{}

func withRegistry(ctx context.Context, client *registry.Client) context.Context {
	return context.WithValue(ctx, registryKey{}, client)
}

// RegistryFromContext returns the registry client bound to the request's caller. It is
// nil when the gateway runs without a registry.
func RegistryFromContext(ctx context.Context) *registry.Client {
	client, _ := ctx.Value(registryKey{}).(*registry.Client)
	return client
}

// Authenticator turns bearer delegations into request sessions.
type Authenticator struct {
	Verifier *identity.Verifier
	// Base is the shared anonymous connection; nil when no registry is configured.
	Base   *bootstrap.Client
	Logger *slog.Logger
	Now    func() time.Time
}

// Middleware installs the request session and registry client. Requests without a bearer
// token continue anonymously; a token that fails verification is refused.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		token, present := bearer(r)
		if !present {
			ctx = withRegistry(ctx, a.client(nil))
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		id, err := a.Verifier.Verify(token)
		if err != nil {
			a.logger().Debug("delegation rejected", slog.String("path", r.URL.Path), slog.Any("error", err))
			httpx.RespondError(w, &session.AuthError{Reason: "invalid delegation", Err: err})
			return
		}
		client := a.client(&id)
		sess := session.Establish(ctx, client, id.Principal, a.now())
		sess.ExpiresAt = id.ExpiresAt
		if !sess.Resolution.IsResolved() {
			a.logger().Warn("role resolution failed, continuing as User",
				slog.String("principal", id.Principal.String()),
				slog.String("reason", sess.Resolution.Reason()),
			)
		}
		ctx = session.NewContext(ctx, sess)
		ctx = withRegistry(ctx, client)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *Authenticator) client(id *identity.Identity) *registry.Client {
	if a.Base == nil {
		return nil
	}
	if id == nil {
		return registry.NewClient(a.Base)
	}
	return registry.NewClient(a.Base.WithIdentity(*id))
}

func (a *Authenticator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Authenticator) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

func bearer(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", true
	}
	return strings.TrimSpace(token), true
}
