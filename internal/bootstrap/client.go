// Package bootstrap builds the network client that carries a caller's identity to the
// remote registry.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/landledger/landledger/internal/identity"
)

const (
	// MetadataPrincipal carries the caller principal in outgoing metadata.
	MetadataPrincipal = "x-landledger-principal"
	// MetadataAuthorization carries the caller delegation as a bearer token.
	MetadataAuthorization = "authorization"

	defaultFetchTimeout = 10 * time.Second
)

var (
	// ErrNoHost indicates the environment names no registry host.
	ErrNoHost = errors.New("bootstrap: registry host required")
	// ErrNotConnected indicates a call on a client that was never created or already closed.
	ErrNotConnected = errors.New("bootstrap: client not connected")
)

// Environment selects the registry endpoint and how its certificate is trusted.
type Environment struct {
	Host          string
	IsDevelopment bool
	// RootCertURL serves the development root in PEM form.
	RootCertURL string
	// PinnedRootPEM is the production root of trust. Empty means the system pool.
	PinnedRootPEM []byte
	// ServerName overrides the TLS server name derived from Host.
	ServerName string
}

type options struct {
	logger       *slog.Logger
	httpClient   *http.Client
	dialOptions  []grpc.DialOption
	insecure     bool
	fetchTimeout time.Duration
}

// Option customises CreateClient.
type Option func(*options)

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHTTPClient sets the client used to fetch the development root.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		if client != nil {
			o.httpClient = client
		}
	}
}

// WithDialOptions appends raw gRPC dial options.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *options) {
		o.dialOptions = append(o.dialOptions, opts...)
	}
}

// WithUnaryInterceptor chains a client interceptor, e.g. for metrics.
func WithUnaryInterceptor(interceptor grpc.UnaryClientInterceptor) Option {
	return func(o *options) {
		if interceptor != nil {
			o.dialOptions = append(o.dialOptions, grpc.WithChainUnaryInterceptor(interceptor))
		}
	}
}

// WithInsecureTransport disables TLS. Only for in-process registries.
func WithInsecureTransport() Option {
	return func(o *options) {
		o.insecure = true
	}
}

// WithFetchTimeout bounds the development root fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.fetchTimeout = d
		}
	}
}

// Client is a registry connection bound to one identity. It is never mutated after
// creation; a new identity means a new Client.
type Client struct {
	conn     *grpc.ClientConn
	identity identity.Identity
	trust    *rootTrust
	logger   *slog.Logger
	owned    bool
}

// CreateClient builds a client scoped to env.Host. A nil id yields an anonymous client.
// In development mode the root certificate is fetched in the background; the call never
// waits for it.
func CreateClient(ctx context.Context, id *identity.Identity, env Environment, opts ...Option) (*Client, error) {
	host := strings.TrimSpace(env.Host)
	if host == "" {
		return nil, ErrNoHost
	}
	o := options{
		logger:       slog.Default(),
		httpClient:   &http.Client{Timeout: defaultFetchTimeout},
		fetchTimeout: defaultFetchTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	trust := newRootTrust()
	var creds credentials.TransportCredentials
	switch {
	case o.insecure:
		creds = insecure.NewCredentials()
		trust.finish(nil)
	case env.IsDevelopment:
		creds = credentials.NewTLS(trust.tlsConfig(serverName(env)))
	default:
		if err := trust.installPinned(env.PinnedRootPEM); err != nil {
			return nil, err
		}
		creds = credentials.NewTLS(trust.tlsConfig(serverName(env)))
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, o.dialOptions...)
	conn, err := grpc.NewClient(dialTarget(host), dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: create client for %s: %w", host, err)
	}

	client := &Client{conn: conn, trust: trust, logger: o.logger, owned: true}
	if id != nil {
		client.identity = *id
	}
	if env.IsDevelopment && !o.insecure {
		go trust.fetch(context.WithoutCancel(ctx), o.httpClient, env.RootCertURL, o.fetchTimeout, o.logger)
	}
	return client, nil
}

// Invoke performs a unary call carrying the bound identity.
func (c *Client) Invoke(ctx context.Context, method string, args, reply any) error {
	if c == nil || c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.Invoke(c.outgoing(ctx), method, args, reply)
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	if c.identity.IsAnonymous() {
		return ctx
	}
	pairs := []string{MetadataPrincipal, c.identity.Principal.String()}
	if c.identity.Delegation != "" {
		pairs = append(pairs, MetadataAuthorization, "Bearer "+c.identity.Delegation)
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}

// WithIdentity returns a client bound to id that shares this client's connection.
func (c *Client) WithIdentity(id identity.Identity) *Client {
	if c == nil {
		return nil
	}
	return &Client{conn: c.conn, identity: id, trust: c.trust, logger: c.logger}
}

// Identity returns the bound identity; anonymous clients return the zero value.
func (c *Client) Identity() identity.Identity {
	if c == nil {
		return identity.Identity{}
	}
	return c.identity
}

// Principal returns the caller principal, identity.Anonymous for anonymous clients.
func (c *Client) Principal() identity.Principal {
	if c == nil || c.identity.IsAnonymous() {
		return identity.Anonymous
	}
	return c.identity.Principal
}

// TrustReady is closed once the root of trust has been settled, successfully or not.
func (c *Client) TrustReady() <-chan struct{} {
	return c.trust.ready
}

// TrustErr reports why the development root could not be installed, if it could not.
func (c *Client) TrustErr() error {
	return c.trust.result()
}

// Close releases the connection. Clients derived through WithIdentity do not own it.
func (c *Client) Close() error {
	if c == nil || c.conn == nil || !c.owned {
		return nil
	}
	return c.conn.Close()
}

func dialTarget(host string) string {
	for _, scheme := range []string{"https://", "http://"} {
		if strings.HasPrefix(host, scheme) {
			return strings.TrimSuffix(strings.TrimPrefix(host, scheme), "/")
		}
	}
	return host
}

func serverName(env Environment) string {
	if env.ServerName != "" {
		return env.ServerName
	}
	target := dialTarget(strings.TrimSpace(env.Host))
	if idx := strings.LastIndex(target, "/"); idx >= 0 {
		target = target[idx+1:]
	}
	if host, _, err := net.SplitHostPort(target); err == nil {
		return host
	}
	return target
}
