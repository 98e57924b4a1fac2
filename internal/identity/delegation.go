package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Verifier checks delegations minted by the identity provider.
type Verifier struct {
	keyFunc jwt.Keyfunc
	methods []string
	issuer  string
	leeway  time.Duration
	now     func() time.Time
}

// VerifierOption customises a Verifier.
type VerifierOption func(*Verifier)

// WithVerifierClock overrides the verification clock.
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// WithLeeway tolerates clock skew between provider and verifier.
func WithLeeway(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		v.leeway = d
	}
}

// NewHMACVerifier verifies HS256 delegations with a shared secret.
func NewHMACVerifier(secret []byte, issuer string, opts ...VerifierOption) *Verifier {
	key := append([]byte(nil), secret...)
	return newVerifier(func(*jwt.Token) (any, error) { return key, nil }, []string{jwt.SigningMethodHS256.Alg()}, issuer, opts)
}

// NewEd25519Verifier verifies EdDSA delegations against the provider public key.
func NewEd25519Verifier(key ed25519.PublicKey, issuer string, opts ...VerifierOption) *Verifier {
	return newVerifier(func(*jwt.Token) (any, error) { return key, nil }, []string{jwt.SigningMethodEdDSA.Alg()}, issuer, opts)
}

func newVerifier(keyFunc jwt.Keyfunc, methods []string, issuer string, opts []VerifierOption) *Verifier {
	v := &Verifier{keyFunc: keyFunc, methods: methods, issuer: issuer, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify validates the delegation and returns the identity it proves.
func (v *Verifier) Verify(token string) (Identity, error) {
	if v == nil {
		return Identity{}, fmt.Errorf("%w: verifier not configured", ErrInvalidDelegation)
	}
	claims := &jwt.RegisteredClaims{}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(v.methods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(v.issuer))
	}
	if _, err := jwt.ParseWithClaims(token, claims, v.keyFunc, parserOpts...); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidDelegation, err)
	}
	principal, err := Parse(claims.Subject)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: subject: %v", ErrInvalidDelegation, err)
	}
	return Identity{Principal: principal, Delegation: token, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Issuer mints delegations. Production delegations come from the external provider;
// the issuer backs the development registry and tests.
type Issuer struct {
	method jwt.SigningMethod
	key    any
	issuer string
	now    func() time.Time
}

// NewHMACIssuer signs HS256 delegations.
func NewHMACIssuer(secret []byte, issuer string) *Issuer {
	return &Issuer{method: jwt.SigningMethodHS256, key: append([]byte(nil), secret...), issuer: issuer, now: time.Now}
}

// NewEd25519Issuer signs EdDSA delegations.
func NewEd25519Issuer(key ed25519.PrivateKey, issuer string) *Issuer {
	return &Issuer{method: jwt.SigningMethodEdDSA, key: key, issuer: issuer, now: time.Now}
}

// WithClock returns a copy of the issuer using now as its clock.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	clone := *i
	clone.now = now
	return &clone
}

// Issue mints a delegation for p. ttl is clamped to DefaultMaxTimeToLive.
func (i *Issuer) Issue(p Principal, ttl time.Duration) (Identity, error) {
	if p.IsZero() || p.IsAnonymous() {
		return Identity{}, fmt.Errorf("%w: cannot delegate to %q", ErrInvalidPrincipal, p.String())
	}
	if ttl <= 0 || ttl > DefaultMaxTimeToLive {
		ttl = DefaultMaxTimeToLive
	}
	now := i.now()
	claims := jwt.RegisteredClaims{
		Subject:   p.String(),
		Issuer:    i.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(i.method, claims).SignedString(i.key)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: sign delegation: %w", err)
	}
	return Identity{Principal: p, Delegation: signed, ExpiresAt: claims.ExpiresAt.Time}, nil
}
