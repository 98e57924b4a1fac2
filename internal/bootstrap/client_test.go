package bootstrap

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/landledger/landledger/internal/devpki"
	"github.com/landledger/landledger/internal/identity"
)

type capturedMetadata struct {
	mu sync.Mutex
	md metadata.MD
}

func (c *capturedMetadata) set(md metadata.MD) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.md = md.Copy()
}

func (c *capturedMetadata) get(key string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.md.Get(key)
}

func startEchoServer(t *testing.T, opts ...grpc.ServerOption) (*bufconn.Listener, *capturedMetadata) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	captured := &capturedMetadata{}
	opts = append(opts, grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		md, _ := metadata.FromIncomingContext(stream.Context())
		captured.set(md)
		var in map[string]string
		if err := stream.RecvMsg(&in); err != nil {
			return err
		}
		return stream.SendMsg(map[string]string{"echo": in["value"]})
	}))
	srv := grpc.NewServer(opts...)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis, captured
}

func bufDialer(lis *bufconn.Listener) Option {
	return WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
}

func echo(t *testing.T, c *Client) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var out map[string]string
	err := c.Invoke(ctx, "/landledger.test.Echo/Say", map[string]string{"value": "hello"}, &out)
	return out["echo"], err
}

func TestCreateClientRequiresHost(t *testing.T) {
	_, err := CreateClient(context.Background(), nil, Environment{Host: "  "})
	require.ErrorIs(t, err, ErrNoHost)

	var nilClient *Client
	require.ErrorIs(t, nilClient.Invoke(context.Background(), "/x/y", nil, nil), ErrNotConnected)
	require.NoError(t, nilClient.Close())
}

func TestInvokeAttachesIdentity(t *testing.T) {
	lis, captured := startEchoServer(t)
	alice := identity.Identity{Principal: identity.SelfAuthenticating([]byte("alice")), Delegation: "token-a"}

	client, err := CreateClient(context.Background(), &alice, Environment{Host: "passthrough:///bufnet"}, WithInsecureTransport(), bufDialer(lis))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	got, err := echo(t, client)
	require.NoError(t, err)
	require.Equal(t, "hello", got)
	require.Equal(t, []string{alice.Principal.String()}, captured.get(MetadataPrincipal))
	require.Equal(t, []string{"Bearer token-a"}, captured.get(MetadataAuthorization))

	anonymous := client.WithIdentity(identity.Identity{})
	require.Equal(t, identity.Anonymous, anonymous.Principal())
	_, err = echo(t, anonymous)
	require.NoError(t, err)
	require.Empty(t, captured.get(MetadataPrincipal))

	require.NoError(t, anonymous.Close())
	_, err = echo(t, client)
	require.NoError(t, err, "derived clients must not close the shared connection")
}

func TestDevelopmentModeFetchesRootBeforeTrustingRegistry(t *testing.T) {
	ca, err := devpki.NewAuthority("dev root", time.Hour)
	require.NoError(t, err)
	serving, err := ca.IssueServer([]string{"registry.local"}, time.Hour)
	require.NoError(t, err)
	lis, _ := startEchoServer(t, grpc.Creds(credentials.NewServerTLSFromCert(&serving)))

	rootSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(ca.CertPEM())
	}))
	t.Cleanup(rootSrv.Close)

	env := Environment{Host: "passthrough:///registry.local", IsDevelopment: true, RootCertURL: rootSrv.URL}
	client, err := CreateClient(context.Background(), nil, env, bufDialer(lis))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	select {
	case <-client.TrustReady():
	case <-time.After(5 * time.Second):
		t.Fatal("root certificate fetch did not settle")
	}
	require.NoError(t, client.TrustErr())

	got, err := echo(t, client)
	require.NoError(t, err)
	require.Equal(t, "hello", got)
}

func TestDevelopmentFetchFailureIsNonFatal(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(failing.Close)

	for name, url := range map[string]string{"server error": failing.URL, "unset": ""} {
		t.Run(name, func(t *testing.T) {
			client, err := CreateClient(context.Background(), nil, Environment{Host: "registry.local:443", IsDevelopment: true, RootCertURL: url})
			require.NoError(t, err)
			t.Cleanup(func() { _ = client.Close() })

			select {
			case <-client.TrustReady():
			case <-time.After(5 * time.Second):
				t.Fatal("root certificate fetch did not settle")
			}
			require.Error(t, client.TrustErr())
		})
	}
}

func TestPinnedRootRejectsForeignRegistry(t *testing.T) {
	ca, err := devpki.NewAuthority("registry root", time.Hour)
	require.NoError(t, err)
	serving, err := ca.IssueServer([]string{"registry.local"}, time.Hour)
	require.NoError(t, err)
	lis, _ := startEchoServer(t, grpc.Creds(credentials.NewServerTLSFromCert(&serving)))

	foreign, err := devpki.NewAuthority("foreign root", time.Hour)
	require.NoError(t, err)

	pinnedGood, err := CreateClient(context.Background(), nil, Environment{Host: "passthrough:///registry.local", PinnedRootPEM: ca.CertPEM()}, bufDialer(lis))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pinnedGood.Close() })
	_, err = echo(t, pinnedGood)
	require.NoError(t, err)

	pinnedBad, err := CreateClient(context.Background(), nil, Environment{Host: "passthrough:///registry.local", PinnedRootPEM: foreign.CertPEM()}, bufDialer(lis))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pinnedBad.Close() })
	_, err = echo(t, pinnedBad)
	require.Error(t, err)
	require.Equal(t, codes.Unavailable, status.Code(err))

	_, err = CreateClient(context.Background(), nil, Environment{Host: "registry.local", PinnedRootPEM: []byte("not pem")})
	require.ErrorIs(t, err, ErrInvalidRootCert)
}

func TestServerNameDerivation(t *testing.T) {
	require.Equal(t, "ic0.app", serverName(Environment{Host: "https://ic0.app"}))
	require.Equal(t, "registry.local", serverName(Environment{Host: "registry.local:7443"}))
	require.Equal(t, "bufnet", serverName(Environment{Host: "passthrough:///bufnet"}))
	require.Equal(t, "override", serverName(Environment{Host: "ic0.app", ServerName: "override"}))
	require.Equal(t, "ic0.app", dialTarget("https://ic0.app/"))
}
