package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/landledger/landledger/internal/bootstrap"
	"github.com/landledger/landledger/internal/identity"
	"github.com/landledger/landledger/internal/registry"
	"github.com/landledger/landledger/internal/roles"
)

const loginFlight = "login"

// Config describes where the manager logs in and which registry it talks to.
type Config struct {
	Environment   bootstrap.Environment
	ServiceID     string
	ProviderURL   string
	MaxTimeToLive time.Duration
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithClientOptions passes options to every bootstrap client the manager creates.
func WithClientOptions(opts ...bootstrap.Option) Option {
	return func(m *Manager) {
		m.clientOpts = append(m.clientOpts, opts...)
	}
}

// snapshot pairs a session with the client built for it. It is replaced wholesale.
type snapshot struct {
	session Session
	conn    *bootstrap.Client
	client  *registry.Client
}

// Manager owns the login lifecycle of a single logical caller.
type Manager struct {
	provider   identity.Provider
	cfg        Config
	clientOpts []bootstrap.Option
	logger     *slog.Logger
	now        func() time.Time

	initOnce sync.Once
	initErr  error
	flights  singleflight.Group

	mu         sync.Mutex
	generation uint64
	current    atomic.Pointer[snapshot]
}

// NewManager builds an unauthenticated manager.
func NewManager(provider identity.Provider, cfg Config, opts ...Option) *Manager {
	if cfg.MaxTimeToLive <= 0 {
		cfg.MaxTimeToLive = identity.DefaultMaxTimeToLive
	}
	m := &Manager{
		provider: provider,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.current.Store(&snapshot{})
	return m
}

// Initialize prepares the anonymous client and restores a persisted provider session.
// Only the first call does any work.
func (m *Manager) Initialize(ctx context.Context) error {
	m.initOnce.Do(func() {
		m.initErr = m.initialize(ctx)
	})
	return m.initErr
}

func (m *Manager) initialize(ctx context.Context) error {
	gen := m.currentGeneration()
	conn, client, err := m.connect(ctx, nil)
	if err != nil {
		return err
	}
	// A Login that finished while the anonymous client was being built keeps its session.
	installed := m.installIf(gen, &snapshot{conn: conn, client: client}, func(cur *snapshot) bool {
		return cur.session.State == Unauthenticated
	})
	if !installed {
		closeConn(conn)
	}
	if m.current.Load().session.Authenticated() {
		return nil
	}
	if !m.provider.IsAuthenticated(ctx) {
		return nil
	}
	id, ok := m.provider.Identity()
	if !ok || id.IsAnonymous() {
		return nil
	}
	m.logger.Info("restored identity provider session", slog.String("principal", id.Principal.String()))
	return m.establish(ctx, gen, id)
}

// Login runs the provider flow. Concurrent callers share one flow; a caller whose ctx ends
// stops waiting while the flow completes on its own.
func (m *Manager) Login(ctx context.Context) error {
	results := m.flights.DoChan(loginFlight, func() (any, error) {
		return nil, m.login(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-results:
		return res.Err
	}
}

func (m *Manager) login(ctx context.Context) error {
	m.mu.Lock()
	gen := m.generation
	prev := m.current.Load()
	if prev.session.Authenticated() && !prev.session.Expired(m.now()) {
		m.mu.Unlock()
		return nil
	}
	next := *prev
	next.session = Session{State: Authenticating}
	m.current.Store(&next)
	m.mu.Unlock()

	var (
		granted     identity.Identity
		callbackErr error
	)
	err := m.provider.Login(ctx, identity.LoginOptions{
		ProviderURL:   m.cfg.ProviderURL,
		MaxTimeToLive: m.cfg.MaxTimeToLive,
		OnSuccess:     func(id identity.Identity) { granted = id },
		OnError:       func(err error) { callbackErr = err },
	})
	if err == nil {
		err = callbackErr
	}
	if err == nil && granted.IsAnonymous() {
		if id, ok := m.provider.Identity(); ok {
			granted = id
		} else {
			err = identity.ErrNotAuthenticated
		}
	}
	if err != nil {
		m.revert(gen, prev)
		m.logger.Warn("login failed", slog.Any("error", err))
		return authError(err)
	}
	if err := m.establish(ctx, gen, granted); err != nil {
		m.revert(gen, prev)
		return err
	}
	m.logger.Info("login succeeded", slog.String("principal", granted.Principal.String()))
	return nil
}

// establish builds the authenticated client and resolves roles, then installs the result
// unless a logout happened meanwhile.
func (m *Manager) establish(ctx context.Context, gen uint64, id identity.Identity) error {
	conn, client, err := m.connect(ctx, &id)
	if err != nil {
		return err
	}
	now := m.now()
	sess := Session{Principal: id.Principal, State: Authenticated, EstablishedAt: now, ExpiresAt: id.ExpiresAt}
	sess = sess.withRoles(m.resolve(ctx, client, id.Principal), now)

	if !m.install(gen, &snapshot{session: sess, conn: conn, client: client}) {
		closeConn(conn)
		return authError(ErrSuperseded)
	}
	return nil
}

func (m *Manager) connect(ctx context.Context, id *identity.Identity) (*bootstrap.Client, *registry.Client, error) {
	if m.cfg.ServiceID == "" {
		m.logger.Warn("backend service id not configured; registry client disabled")
		return nil, nil, nil
	}
	opts := append([]bootstrap.Option{bootstrap.WithLogger(m.logger)}, m.clientOpts...)
	conn, err := bootstrap.CreateClient(ctx, id, m.cfg.Environment, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("session: connect registry %s: %w", m.cfg.ServiceID, err)
	}
	return conn, registry.NewClient(conn), nil
}

func (m *Manager) resolve(ctx context.Context, client *registry.Client, p identity.Principal) RoleResolution {
	res := resolve(ctx, client, p)
	if !res.IsResolved() {
		m.logger.Warn("role resolution failed; falling back to User",
			slog.String("principal", p.String()), slog.String("reason", res.Reason()))
	}
	return res
}

func (m *Manager) currentGeneration() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// install swaps in next if no logout happened since gen was read. The replaced connection
// is closed.
func (m *Manager) install(gen uint64, next *snapshot) bool {
	return m.installIf(gen, next, nil)
}

// installIf is install with an extra condition on the snapshot being replaced.
func (m *Manager) installIf(gen uint64, next *snapshot, replaceable func(*snapshot) bool) bool {
	m.mu.Lock()
	if m.generation != gen || (replaceable != nil && !replaceable(m.current.Load())) {
		m.mu.Unlock()
		return false
	}
	old := m.current.Swap(next)
	m.mu.Unlock()
	if old != nil && old.conn != next.conn {
		closeConn(old.conn)
	}
	return true
}

func (m *Manager) revert(gen uint64, prev *snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != gen {
		return
	}
	restored := *prev
	if restored.session.State == Authenticating {
		restored.session = Session{}
	}
	m.current.Store(&restored)
}

// Logout clears local state first, then tells the provider. A provider failure is
// reported but the local session is already gone.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	m.generation++
	old := m.current.Swap(&snapshot{})
	m.mu.Unlock()
	if old != nil {
		closeConn(old.conn)
	}
	if err := m.provider.Logout(ctx); err != nil {
		m.logger.Warn("identity provider logout failed", slog.Any("error", err))
		return &AuthError{Reason: "provider logout failed", Err: err}
	}
	return nil
}

// CurrentSession returns the cached session without any I/O.
func (m *Manager) CurrentSession() Session {
	return m.current.Load().session
}

// Registry returns the client bound to the current identity. It is nil before Initialize
// and after Logout; a nil client fails every call with registry.ErrNotInitialized.
func (m *Manager) Registry() *registry.Client {
	return m.current.Load().client
}

// RefreshRoles re-queries the registry for the current caller's roles. Registry failures
// fall back to {User}; only a missing or expired identity is an error.
func (m *Manager) RefreshRoles(ctx context.Context) (roles.Set, error) {
	snap := m.current.Load()
	if !snap.session.Authenticated() {
		return 0, authError(ErrNotAuthenticated)
	}
	now := m.now()
	if snap.session.Expired(now) {
		_ = m.Logout(ctx)
		return 0, authError(identity.ErrExpired)
	}
	sess := snap.session.withRoles(m.resolve(ctx, snap.client, snap.session.Principal), now)

	m.mu.Lock()
	if cur := m.current.Load(); cur.conn == snap.conn && cur.session.Principal == sess.Principal {
		m.current.Store(&snapshot{session: sess, conn: cur.conn, client: cur.client})
	}
	m.mu.Unlock()
	return sess.Roles, nil
}

func closeConn(conn *bootstrap.Client) {
	if conn != nil {
		_ = conn.Close()
	}
}
