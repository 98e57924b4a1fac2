package registry_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/test/bufconn"

	"github.com/landledger/landledger/internal/bootstrap"
	"github.com/landledger/landledger/internal/identity"
	"github.com/landledger/landledger/internal/registry"
	"github.com/landledger/landledger/internal/registry/memory"
	"github.com/landledger/landledger/internal/roles"
)

var (
	secret    = []byte("registry-test-secret")
	registrar = identity.SelfAuthenticating([]byte("registrar"))
	alice     = identity.SelfAuthenticating([]byte("alice"))
	bob       = identity.SelfAuthenticating([]byte("bob"))
)

type harness struct {
	backend *memory.Registry
	base    *bootstrap.Client
	issuer  *identity.Issuer
}

func newHarness(t *testing.T, opts registry.ServerOptions) *harness {
	t.Helper()
	backend := memory.New(memory.WithGrant(registrar, roles.LandRegistrar))

	lis := bufconn.Listen(1 << 20)
	srv := registry.NewServer(backend, opts)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	base, err := bootstrap.CreateClient(context.Background(), nil, bootstrap.Environment{Host: "passthrough:///bufnet"},
		bootstrap.WithInsecureTransport(),
		bootstrap.WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = base.Close() })

	return &harness{backend: backend, base: base, issuer: identity.NewHMACIssuer(secret, "test-provider")}
}

func (h *harness) clientFor(t *testing.T, p identity.Principal) *registry.Client {
	t.Helper()
	id, err := h.issuer.Issue(p, time.Hour)
	require.NoError(t, err)
	return registry.NewClient(h.base.WithIdentity(id))
}

func ctx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestNilClientIsNotInitialized(t *testing.T) {
	var client *registry.Client
	_, err := client.GetParcel(context.Background(), "p1")
	require.ErrorIs(t, err, registry.ErrNotInitialized)

	_, err = client.ApproveTransfer(context.Background(), "p1", bob)
	require.ErrorIs(t, err, registry.ErrNotInitialized)

	var closed *bootstrap.Client
	_, err = registry.NewClient(closed).GetPendingTransfers(context.Background())
	require.ErrorIs(t, err, registry.ErrNotInitialized)
}

func TestTransferRoundTripOverGRPC(t *testing.T) {
	h := newHarness(t, registry.ServerOptions{Verifier: identity.NewHMACVerifier(secret, "test-provider")})
	reg := h.clientFor(t, registrar)
	owner := h.clientFor(t, alice)

	res, err := reg.RegisterParcel(ctx(t), registry.ParcelRegistration{Owner: &alice, Location: "Lot 9", SizeSqMeters: 80})
	require.NoError(t, err)
	require.True(t, res.OK(), "%v", res.Err)
	parcelID := res.ID

	res, err = reg.ApproveRegistration(ctx(t), parcelID)
	require.NoError(t, err)
	require.True(t, res.OK())

	res, err = owner.TransferOwnership(ctx(t), registry.TransferRequest{ParcelID: parcelID, NewOwner: bob, Fee: 10, Reason: "sale"})
	require.NoError(t, err)
	require.True(t, res.OK())

	pending, err := reg.GetPendingTransfers(ctx(t))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, alice, pending[0].RequestedBy)

	outsider := h.clientFor(t, identity.SelfAuthenticating([]byte("outsider")))
	status, err := outsider.GetPendingTransfer(ctx(t), parcelID)
	require.NoError(t, err)
	require.True(t, status.Pending)
	require.Nil(t, status.Request)

	status, err = owner.GetPendingTransfer(ctx(t), parcelID)
	require.NoError(t, err)
	require.True(t, status.Pending)
	require.NotNil(t, status.Request)
	require.Equal(t, bob, status.Request.NewOwner)

	res, err = reg.ApproveTransfer(ctx(t), parcelID, bob)
	require.NoError(t, err)
	require.True(t, res.OK())

	parcel, err := owner.GetParcel(ctx(t), parcelID)
	require.NoError(t, err)
	require.Equal(t, bob, parcel.Owner)
	last, ok := parcel.LastTransaction()
	require.True(t, ok)
	require.Equal(t, registry.TransactionTransfer, last.Kind)
	require.Equal(t, bob, last.ToOwner)

	res, err = reg.ApproveTransfer(ctx(t), parcelID, bob)
	require.NoError(t, err, "business failures are values, not errors")
	require.False(t, res.OK())
	require.ErrorIs(t, res.AsError(), registry.ErrInvalidState)
}

func TestQueryBusinessErrorsRoundTrip(t *testing.T) {
	h := newHarness(t, registry.ServerOptions{Verifier: identity.NewHMACVerifier(secret, "test-provider")})
	client := h.clientFor(t, alice)

	_, err := client.GetParcel(ctx(t), "missing")
	require.ErrorIs(t, err, registry.ErrNotFound)
	require.False(t, registry.IsTransport(err))

	_, err = client.GetAllParcels(ctx(t))
	require.ErrorIs(t, err, registry.ErrUnauthorized)

	set, err := client.GetUserRoles(ctx(t), registrar)
	require.NoError(t, err)
	require.Equal(t, roles.NewSet(roles.LandRegistrar), set)
}

func TestForgedDelegationIsUnauthorized(t *testing.T) {
	h := newHarness(t, registry.ServerOptions{Verifier: identity.NewHMACVerifier(secret, "test-provider")})
	forged := identity.Identity{Principal: registrar, Delegation: "not-a-token"}
	client := registry.NewClient(h.base.WithIdentity(forged))

	res, err := client.RegisterParcel(ctx(t), registry.ParcelRegistration{Location: "Lot 1", SizeSqMeters: 1})
	require.NoError(t, err)
	require.ErrorIs(t, res.AsError(), registry.ErrUnauthorized)

	_, err = client.GetParcel(ctx(t), "anything")
	require.ErrorIs(t, err, registry.ErrUnauthorized)
}

func TestTransportFailureIsDistinct(t *testing.T) {
	h := newHarness(t, registry.ServerOptions{})
	client := registry.NewClient(h.base)

	expired, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.GetParcel(expired, "p1")
	require.Error(t, err)
	require.True(t, registry.IsTransport(err))

	var te *registry.TransportError
	require.True(t, errors.As(err, &te))
	require.Equal(t, codes.Canceled, te.Code)
	require.Equal(t, registry.MethodGetParcel, te.Method)

	_, err = client.ApproveTransfer(expired, "p1", bob)
	require.True(t, registry.IsTransport(err), "transport failures never fold into the result")
}

func TestUpdatesAreRateLimitedPerCaller(t *testing.T) {
	h := newHarness(t, registry.ServerOptions{UpdateRate: rate.Every(time.Hour), UpdateBurst: 1})
	alicesClient := registry.NewClient(h.base.WithIdentity(identity.Identity{Principal: alice}))
	bobsClient := registry.NewClient(h.base.WithIdentity(identity.Identity{Principal: bob}))

	res, err := alicesClient.CreateUserProfile(ctx(t), registry.UserProfile{Name: "Alice"})
	require.NoError(t, err)
	require.True(t, res.OK())

	_, err = alicesClient.UpdateUserProfile(ctx(t), registry.UserProfile{Name: "Alice B"})
	var te *registry.TransportError
	require.True(t, errors.As(err, &te))
	require.Equal(t, codes.ResourceExhausted, te.Code)

	res, err = bobsClient.CreateUserProfile(ctx(t), registry.UserProfile{Name: "Bob"})
	require.NoError(t, err)
	require.True(t, res.OK())

	_, err = alicesClient.GetUserProfile(ctx(t), alice)
	require.NoError(t, err, "queries are not limited")
}
