package bootstrap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const maxRootCertBytes = 1 << 20

var (
	// ErrRootNotInstalled indicates a handshake happened before any root of trust was set.
	ErrRootNotInstalled = errors.New("bootstrap: registry root of trust not installed")
	// ErrInvalidRootCert indicates the root material contained no usable certificate.
	ErrInvalidRootCert = errors.New("bootstrap: invalid root certificate")
	// ErrNoRootCertURL indicates development mode without a root certificate endpoint.
	ErrNoRootCertURL = errors.New("bootstrap: root certificate url not configured")
)

// rootTrust holds the pool TLS handshakes verify against. The pool is swapped
// atomically so a late development fetch becomes visible to new handshakes.
type rootTrust struct {
	pool  atomic.Pointer[x509.CertPool]
	ready chan struct{}
	once  sync.Once

	mu  sync.Mutex
	err error
}

func newRootTrust() *rootTrust {
	return &rootTrust{ready: make(chan struct{})}
}

func (t *rootTrust) install(pool *x509.CertPool) {
	t.pool.Store(pool)
}

func (t *rootTrust) finish(err error) {
	t.once.Do(func() {
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		close(t.ready)
	})
}

func (t *rootTrust) result() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *rootTrust) installPinned(pemBytes []byte) error {
	if len(pemBytes) == 0 {
		pool, err := x509.SystemCertPool()
		if err != nil {
			return fmt.Errorf("bootstrap: load system roots: %w", err)
		}
		t.install(pool)
		t.finish(nil)
		return nil
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return ErrInvalidRootCert
	}
	t.install(pool)
	t.finish(nil)
	return nil
}

func (t *rootTrust) fetch(ctx context.Context, client *http.Client, url string, timeout time.Duration, logger *slog.Logger) {
	err := t.fetchOnce(ctx, client, url, timeout)
	if err != nil {
		logger.Warn("fetch registry root certificate", slog.String("url", url), slog.Any("error", err))
	} else {
		logger.Info("installed development root certificate", slog.String("url", url))
	}
	t.finish(err)
}

func (t *rootTrust) fetchOnce(ctx context.Context, client *http.Client, url string, timeout time.Duration) error {
	if url == "" {
		return ErrNoRootCertURL
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("bootstrap: build root certificate request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("bootstrap: fetch root certificate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bootstrap: fetch root certificate: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRootCertBytes))
	if err != nil {
		return fmt.Errorf("bootstrap: read root certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(body) {
		return ErrInvalidRootCert
	}
	t.install(pool)
	return nil
}

func (t *rootTrust) verifyConnection(cs tls.ConnectionState) error {
	pool := t.pool.Load()
	if pool == nil {
		return ErrRootNotInstalled
	}
	if len(cs.PeerCertificates) == 0 {
		return errors.New("bootstrap: registry presented no certificate")
	}
	opts := x509.VerifyOptions{
		DNSName:       cs.ServerName,
		Roots:         pool,
		Intermediates: x509.NewCertPool(),
	}
	for _, cert := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(cert)
	}
	_, err := cs.PeerCertificates[0].Verify(opts)
	return err
}

func (t *rootTrust) tlsConfig(serverName string) *tls.Config {
	return &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
		// Chain verification runs in VerifyConnection against the swappable pool.
		InsecureSkipVerify: true,
		VerifyConnection:   t.verifyConnection,
	}
}
