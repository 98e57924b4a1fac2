package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/landledger/landledger/internal/bootstrap"
	"github.com/landledger/landledger/internal/identity"
	"github.com/landledger/landledger/internal/registry"
	"github.com/landledger/landledger/internal/registry/memory"
	"github.com/landledger/landledger/internal/roles"
)

var alice = identity.SelfAuthenticating([]byte("alice"))

type fakeProvider struct {
	mu            sync.Mutex
	id            identity.Identity
	authenticated bool
	loginErr      error
	logoutErr     error
	entered       chan struct{}
	release       chan struct{}

	logins      atomic.Int32
	restoreHits atomic.Int32
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{id: identity.Identity{Principal: alice, Delegation: "delegation-a", ExpiresAt: time.Now().Add(time.Hour)}}
}

func (p *fakeProvider) Login(_ context.Context, opts identity.LoginOptions) error {
	p.logins.Add(1)
	if p.entered != nil {
		p.entered <- struct{}{}
	}
	if p.release != nil {
		<-p.release
	}
	if p.loginErr != nil {
		if opts.OnError != nil {
			opts.OnError(p.loginErr)
		}
		return p.loginErr
	}
	p.mu.Lock()
	p.authenticated = true
	id := p.id
	p.mu.Unlock()
	if opts.OnSuccess != nil {
		opts.OnSuccess(id)
	}
	return nil
}

func (p *fakeProvider) Logout(context.Context) error {
	p.mu.Lock()
	p.authenticated = false
	p.mu.Unlock()
	return p.logoutErr
}

func (p *fakeProvider) IsAuthenticated(context.Context) bool {
	p.restoreHits.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.authenticated
}

func (p *fakeProvider) Identity() (identity.Identity, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id, p.authenticated
}

// startRegistry serves backend over bufconn. A nil backend serves nothing, so every call
// fails at the transport level.
func startRegistry(t *testing.T, backend registry.Backend) []bootstrap.Option {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	var srv *grpc.Server
	if backend != nil {
		srv = registry.NewServer(backend, registry.ServerOptions{})
	} else {
		srv = grpc.NewServer()
	}
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return []bootstrap.Option{
		bootstrap.WithInsecureTransport(),
		bootstrap.WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})),
	}
}

func newManager(t *testing.T, provider identity.Provider, backend registry.Backend) *Manager {
	t.Helper()
	cfg := Config{Environment: bootstrap.Environment{Host: "passthrough:///bufnet"}, ServiceID: "registry"}
	m := NewManager(provider, cfg, WithClientOptions(startRegistry(t, backend)...))
	t.Cleanup(func() { _ = m.Logout(context.Background()) })
	return m
}

func TestInitializeIsMemoizedAndRestoresSession(t *testing.T) {
	provider := newFakeProvider()
	provider.authenticated = true
	backend := memory.New(memory.WithGrant(alice, roles.LandRegistrar))
	m := newManager(t, provider, backend)

	require.NoError(t, m.Initialize(context.Background()))
	require.NoError(t, m.Initialize(context.Background()))
	require.EqualValues(t, 1, provider.restoreHits.Load())
	require.Zero(t, provider.logins.Load(), "a persisted session needs no provider flow")

	s := m.CurrentSession()
	require.Equal(t, Authenticated, s.State)
	require.Equal(t, alice, s.Principal)
	require.True(t, s.Resolution.IsResolved())
	require.True(t, s.Roles.Has(roles.LandRegistrar))
}

func TestInitializeWithoutPersistedSessionIsAnonymous(t *testing.T) {
	m := newManager(t, newFakeProvider(), memory.New())
	require.NoError(t, m.Initialize(context.Background()))

	s := m.CurrentSession()
	require.False(t, s.Authenticated())
	require.Equal(t, Unauthenticated, s.State)

	_, err := m.Registry().GetParcel(context.Background(), "missing")
	require.ErrorIs(t, err, registry.ErrNotFound, "the anonymous client can still query")
}

func TestInitializeKeepsSessionFromEarlierLogin(t *testing.T) {
	provider := newFakeProvider()
	backend := memory.New(memory.WithGrant(alice, roles.Auditor))
	m := newManager(t, provider, backend)

	require.NoError(t, m.Login(context.Background()))
	provider.mu.Lock()
	provider.authenticated = false
	provider.mu.Unlock()

	require.NoError(t, m.Initialize(context.Background()))
	s := m.CurrentSession()
	require.Equal(t, Authenticated, s.State, "the anonymous client must not replace a live login")
	require.Equal(t, alice, s.Principal)
	require.True(t, s.Roles.Has(roles.Auditor))

	_, err := m.Registry().GetParcel(context.Background(), "missing")
	require.ErrorIs(t, err, registry.ErrNotFound, "the login's connection is still open")
}

func TestConcurrentLoginRunsOneProviderFlow(t *testing.T) {
	provider := newFakeProvider()
	provider.entered = make(chan struct{}, 1)
	provider.release = make(chan struct{})
	m := newManager(t, provider, memory.New())

	const callers = 5
	errs := make(chan error, callers)
	go func() { errs <- m.Login(context.Background()) }()
	<-provider.entered
	require.Equal(t, Authenticating, m.CurrentSession().State)

	for i := 1; i < callers; i++ {
		go func() { errs <- m.Login(context.Background()) }()
	}
	time.Sleep(20 * time.Millisecond)
	close(provider.release)

	for i := 0; i < callers; i++ {
		require.NoError(t, <-errs)
	}
	require.EqualValues(t, 1, provider.logins.Load())
	require.Equal(t, Authenticated, m.CurrentSession().State)
}

func TestLoginFailureReturnsToUnauthenticated(t *testing.T) {
	provider := newFakeProvider()
	provider.loginErr = identity.ErrCancelled
	m := newManager(t, provider, memory.New())

	err := m.Login(context.Background())
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	require.Equal(t, "login cancelled", authErr.Reason)
	require.ErrorIs(t, err, identity.ErrCancelled)

	s := m.CurrentSession()
	require.Equal(t, Unauthenticated, s.State)
	require.False(t, s.Authenticated())
}

func TestAbandonedLoginStillCompletes(t *testing.T) {
	provider := newFakeProvider()
	provider.entered = make(chan struct{}, 1)
	provider.release = make(chan struct{})
	m := newManager(t, provider, memory.New())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Login(ctx) }()
	<-provider.entered
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(provider.release)
	require.Eventually(t, func() bool {
		return m.CurrentSession().State == Authenticated
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLogoutAlwaysClearsLocalState(t *testing.T) {
	provider := newFakeProvider()
	provider.logoutErr = errors.New("provider unreachable")
	m := newManager(t, provider, memory.New())
	require.NoError(t, m.Login(context.Background()))
	require.True(t, m.CurrentSession().Authenticated())

	err := m.Logout(context.Background())
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))

	s := m.CurrentSession()
	require.False(t, s.Authenticated())
	require.True(t, s.Roles.Empty())
	require.Nil(t, m.Registry())

	_, err = m.Registry().GetParcel(context.Background(), "p1")
	require.ErrorIs(t, err, registry.ErrNotInitialized)
}

func TestLogoutDuringLoginDiscardsResult(t *testing.T) {
	provider := newFakeProvider()
	provider.entered = make(chan struct{}, 1)
	provider.release = make(chan struct{})
	m := newManager(t, provider, memory.New())

	done := make(chan error, 1)
	go func() { done <- m.Login(context.Background()) }()
	<-provider.entered
	require.NoError(t, m.Logout(context.Background()))
	close(provider.release)

	require.ErrorIs(t, <-done, ErrSuperseded)
	require.False(t, m.CurrentSession().Authenticated())
}

func TestRefreshRolesFailsOpenToUser(t *testing.T) {
	m := newManager(t, newFakeProvider(), nil)
	require.NoError(t, m.Login(context.Background()))

	set, err := m.RefreshRoles(context.Background())
	require.NoError(t, err)
	require.Equal(t, roles.NewSet(roles.User), set)

	s := m.CurrentSession()
	require.False(t, s.Resolution.IsResolved())
	require.NotEmpty(t, s.Resolution.Reason())
	require.Equal(t, roles.NewSet(roles.User), s.Roles)
}

func TestRefreshRolesPicksUpRemoteChanges(t *testing.T) {
	backend := memory.New()
	m := newManager(t, newFakeProvider(), backend)
	require.NoError(t, m.Login(context.Background()))

	s := m.CurrentSession()
	require.True(t, s.Resolution.IsResolved())
	require.Equal(t, roles.NewSet(roles.User), s.Roles, "no assignment means the implicit User role")

	backend.Grant(alice, roles.Admin)
	set, err := m.RefreshRoles(context.Background())
	require.NoError(t, err)
	require.Equal(t, roles.NewSet(roles.Admin), set)
	require.True(t, m.CurrentSession().LastRefreshedAt.After(s.EstablishedAt) || m.CurrentSession().LastRefreshedAt.Equal(s.EstablishedAt))
}

func TestRefreshRolesRequiresIdentity(t *testing.T) {
	m := newManager(t, newFakeProvider(), memory.New())
	_, err := m.RefreshRoles(context.Background())
	require.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestExpiredSessionIsDestroyedOnRefresh(t *testing.T) {
	provider := newFakeProvider()
	provider.id.ExpiresAt = time.Now().Add(time.Minute)
	m := newManager(t, provider, memory.New())
	require.NoError(t, m.Login(context.Background()))

	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err := m.RefreshRoles(context.Background())
	require.ErrorIs(t, err, identity.ErrExpired)
	require.False(t, m.CurrentSession().Authenticated())
}

func TestMissingServiceIDDisablesRegistry(t *testing.T) {
	m := NewManager(newFakeProvider(), Config{Environment: bootstrap.Environment{Host: "passthrough:///bufnet"}})
	require.NoError(t, m.Login(context.Background()))

	require.Nil(t, m.Registry())
	s := m.CurrentSession()
	require.True(t, s.Authenticated())
	require.False(t, s.Resolution.IsResolved())
	require.Equal(t, roles.NewSet(roles.User), s.Roles)
}

func TestEstablish(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	backend := memory.New(memory.WithGrant(alice, roles.Auditor))
	ctx := registry.WithCaller(context.Background(), alice)

	s := Establish(ctx, backend, alice, now)
	require.Equal(t, Authenticated, s.State)
	require.Equal(t, roles.NewSet(roles.Auditor), s.Roles)
	require.Equal(t, now, s.LastRefreshedAt)

	require.False(t, Establish(ctx, backend, identity.Anonymous, now).Authenticated())

	s = Establish(ctx, nil, alice, now)
	require.False(t, s.Resolution.IsResolved())
	require.Equal(t, roles.NewSet(roles.User), s.Roles)

	stored, ok := FromContext(NewContext(context.Background(), s))
	require.True(t, ok)
	require.Equal(t, s, stored)
}
