package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// TokenSource obtains a delegation from the identity provider.
type TokenSource interface {
	Token(ctx context.Context, providerURL string) (string, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context, providerURL string) (string, error)

// Token implements TokenSource.
func (f TokenSourceFunc) Token(ctx context.Context, providerURL string) (string, error) {
	return f(ctx, providerURL)
}

// StaticToken is a delegation supplied out of band, for example through the environment.
type StaticToken string

// Token implements TokenSource. An empty token counts as a cancelled login.
func (s StaticToken) Token(context.Context, string) (string, error) {
	token := strings.TrimSpace(string(s))
	if token == "" {
		return "", ErrCancelled
	}
	return token, nil
}

// FileToken reads a delegation written by the provider's companion tooling.
type FileToken string

// Token implements TokenSource.
func (f FileToken) Token(context.Context, string) (string, error) {
	data, err := os.ReadFile(string(f))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrCancelled
		}
		return "", fmt.Errorf("identity: read delegation file: %w", err)
	}
	return StaticToken(data).Token(context.Background(), "")
}

// TokenProvider implements Provider on top of verified bearer delegations.
type TokenProvider struct {
	source   TokenSource
	verifier *Verifier
	store    Store
	now      func() time.Time

	mu      sync.RWMutex
	current *Identity
}

// TokenProviderOption customises a TokenProvider.
type TokenProviderOption func(*TokenProvider)

// WithStore persists delegations across restarts.
func WithStore(store Store) TokenProviderOption {
	return func(p *TokenProvider) {
		p.store = store
	}
}

// WithProviderClock overrides the provider clock.
func WithProviderClock(now func() time.Time) TokenProviderOption {
	return func(p *TokenProvider) {
		if now != nil {
			p.now = now
		}
	}
}

// NewTokenProvider constructs a TokenProvider.
func NewTokenProvider(source TokenSource, verifier *Verifier, opts ...TokenProviderOption) *TokenProvider {
	p := &TokenProvider{source: source, verifier: verifier, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Login runs the provider flow and reports the outcome through the option callbacks.
func (p *TokenProvider) Login(ctx context.Context, opts LoginOptions) error {
	id, err := p.login(ctx, opts)
	if err != nil {
		if opts.OnError != nil {
			opts.OnError(err)
		}
		return err
	}
	if opts.OnSuccess != nil {
		opts.OnSuccess(id)
	}
	return nil
}

func (p *TokenProvider) login(ctx context.Context, opts LoginOptions) (Identity, error) {
	if p.source == nil {
		return Identity{}, errors.New("identity: token source not configured")
	}
	token, err := p.source.Token(ctx, opts.ProviderURL)
	if err != nil {
		return Identity{}, err
	}
	id, err := p.verifier.Verify(token)
	if err != nil {
		return Identity{}, err
	}
	maxTTL := opts.MaxTimeToLive
	if maxTTL <= 0 {
		maxTTL = DefaultMaxTimeToLive
	}
	now := p.now()
	if limit := now.Add(maxTTL); id.ExpiresAt.After(limit) {
		id.ExpiresAt = limit
	}
	if p.store != nil {
		if err := p.store.Save(ctx, token, id.ExpiresAt.Sub(now)); err != nil {
			return Identity{}, fmt.Errorf("identity: persist delegation: %w", err)
		}
	}
	p.mu.Lock()
	p.current = &id
	p.mu.Unlock()
	return id, nil
}

// IsAuthenticated reports whether a usable session exists, restoring a persisted one if
// needed.
func (p *TokenProvider) IsAuthenticated(ctx context.Context) bool {
	if _, ok := p.Identity(); ok {
		return true
	}
	if p.store == nil {
		return false
	}
	token, err := p.store.Load(ctx)
	if err != nil {
		return false
	}
	id, err := p.verifier.Verify(token)
	if err != nil {
		_ = p.store.Delete(ctx)
		return false
	}
	p.mu.Lock()
	p.current = &id
	p.mu.Unlock()
	return true
}

// Identity returns the current identity when one is present and unexpired.
func (p *TokenProvider) Identity() (Identity, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil || p.current.Expired(p.now()) {
		return Identity{}, false
	}
	return *p.current, true
}

// Logout forgets the in-memory identity first, then the persisted delegation.
func (p *TokenProvider) Logout(ctx context.Context) error {
	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
	if p.store == nil {
		return nil
	}
	return p.store.Delete(ctx)
}
