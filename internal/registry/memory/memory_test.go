package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/landledger/landledger/internal/identity"
	"github.com/landledger/landledger/internal/registry"
	"github.com/landledger/landledger/internal/roles"
)

var (
	admin     = identity.SelfAuthenticating([]byte("admin"))
	registrar = identity.SelfAuthenticating([]byte("registrar"))
	alice     = identity.SelfAuthenticating([]byte("alice"))
	bob       = identity.SelfAuthenticating([]byte("bob"))
)

func as(p identity.Principal) context.Context {
	return registry.WithCaller(context.Background(), p)
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return New(
		WithClock(func() time.Time { return clock }),
		WithGrant(admin, roles.Admin),
		WithGrant(registrar, roles.LandRegistrar),
	)
}

func registeredParcel(t *testing.T, r *Registry, owner identity.Principal) string {
	t.Helper()
	id, err := r.RegisterParcel(as(registrar), registry.ParcelRegistration{
		Owner:          &owner,
		Location:       "Plot 7, Riverside",
		SizeSqMeters:   420,
		Coordinates:    registry.Coordinates{Lat: -1.28, Lng: 36.82},
		DocumentHashes: []string{"sha256:deed"},
	})
	require.NoError(t, err)
	_, err = r.ApproveRegistration(as(registrar), id)
	require.NoError(t, err)
	return id
}

func requireKind(t *testing.T, err error, kind registry.ErrorKind) {
	t.Helper()
	be, ok := registry.AsBusiness(err)
	require.True(t, ok, "expected business error, got %v", err)
	require.Equal(t, kind, be.Kind, be.Message)
}

func TestRegisterParcelRequiresRegistrar(t *testing.T) {
	r := newRegistry(t)

	_, err := r.RegisterParcel(as(alice), registry.ParcelRegistration{Location: "x", SizeSqMeters: 1})
	requireKind(t, err, registry.KindUnauthorized)

	_, err = r.RegisterParcel(context.Background(), registry.ParcelRegistration{Location: "x", SizeSqMeters: 1})
	requireKind(t, err, registry.KindUnauthorized)

	_, err = r.RegisterParcel(as(registrar), registry.ParcelRegistration{Location: " ", SizeSqMeters: 1})
	requireKind(t, err, registry.KindValidationFailed)

	id, err := r.RegisterParcel(as(registrar), registry.ParcelRegistration{Location: "Lot 1", SizeSqMeters: 10})
	require.NoError(t, err)

	parcel, err := r.GetParcel(as(alice), id)
	require.NoError(t, err)
	require.Equal(t, registrar, parcel.Owner, "owner defaults to the caller")
	require.Equal(t, registry.ParcelPending, parcel.Status)
	require.Len(t, parcel.History, 1)
	require.Equal(t, registry.TransactionRegistration, parcel.History[0].Kind)
	require.Nil(t, parcel.History[0].FromOwner)
}

func TestPendingParcelIsNotTransferable(t *testing.T) {
	r := newRegistry(t)
	id, err := r.RegisterParcel(as(registrar), registry.ParcelRegistration{Owner: &alice, Location: "Lot 2", SizeSqMeters: 10})
	require.NoError(t, err)

	_, err = r.TransferOwnership(as(alice), registry.TransferRequest{ParcelID: id, NewOwner: bob, Reason: "sale"})
	requireKind(t, err, registry.KindInvalidState)

	_, err = r.ApproveRegistration(as(registrar), id)
	require.NoError(t, err)
	_, err = r.ApproveRegistration(as(registrar), id)
	requireKind(t, err, registry.KindInvalidState)
}

func TestTransferApprovalChangesOwner(t *testing.T) {
	r := newRegistry(t)
	id := registeredParcel(t, r, alice)

	_, err := r.TransferOwnership(as(alice), registry.TransferRequest{ParcelID: id, NewOwner: bob, Fee: 10, Reason: "sale", Documents: []string{"sha256:contract"}})
	require.NoError(t, err)

	pending, err := r.GetPendingTransfers(as(registrar))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, alice, pending[0].RequestedBy)

	recordID, err := r.ApproveTransfer(as(registrar), id, bob)
	require.NoError(t, err)
	require.NotEmpty(t, recordID)

	parcel, err := r.GetParcel(as(bob), id)
	require.NoError(t, err)
	require.Equal(t, bob, parcel.Owner)
	last, ok := parcel.LastTransaction()
	require.True(t, ok)
	require.Equal(t, recordID, last.ID)
	require.Equal(t, registry.TransactionTransfer, last.Kind)
	require.Equal(t, alice, *last.FromOwner)
	require.Equal(t, bob, last.ToOwner)
	require.Equal(t, "sha256:contract", last.DocumentHash)

	pending, err = r.GetPendingTransfers(as(registrar))
	require.NoError(t, err)
	require.Empty(t, pending)

	_, err = r.ApproveTransfer(as(registrar), id, bob)
	requireKind(t, err, registry.KindInvalidState)
}

func TestRejectKeepsOwnerAndRecordsReason(t *testing.T) {
	r := newRegistry(t)
	id := registeredParcel(t, r, alice)
	_, err := r.TransferOwnership(as(alice), registry.TransferRequest{ParcelID: id, NewOwner: bob, Reason: "gift"})
	require.NoError(t, err)

	_, err = r.RejectTransfer(as(admin), id, "  ")
	requireKind(t, err, registry.KindValidationFailed)

	_, err = r.RejectTransfer(as(admin), id, "invalid docs")
	require.NoError(t, err)

	parcel, err := r.GetParcel(as(alice), id)
	require.NoError(t, err)
	require.Equal(t, alice, parcel.Owner)
	require.Len(t, parcel.History, 2, "rejection is not written to parcel history")

	all, err := r.GetTransferRequests(as(alice))
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, registry.TransferRejected, all[0].Status)
	require.Equal(t, "invalid docs", all[0].ResolutionNote)
	require.Equal(t, admin, *all[0].ResolvedBy)

	_, err = r.RejectTransfer(as(admin), id, "again")
	requireKind(t, err, registry.KindInvalidState)
}

func TestTransferRules(t *testing.T) {
	r := newRegistry(t)
	id := registeredParcel(t, r, alice)

	cases := map[string]struct {
		caller identity.Principal
		req    registry.TransferRequest
		kind   registry.ErrorKind
	}{
		"not owner":        {bob, registry.TransferRequest{ParcelID: id, NewOwner: bob, Reason: "sale"}, registry.KindUnauthorized},
		"missing parcel":   {alice, registry.TransferRequest{ParcelID: "nope", NewOwner: bob, Reason: "sale"}, registry.KindNotFound},
		"same owner":       {alice, registry.TransferRequest{ParcelID: id, NewOwner: alice, Reason: "sale"}, registry.KindValidationFailed},
		"negative fee":     {alice, registry.TransferRequest{ParcelID: id, NewOwner: bob, Fee: -1, Reason: "sale"}, registry.KindValidationFailed},
		"blank reason":     {alice, registry.TransferRequest{ParcelID: id, NewOwner: bob, Reason: "\t"}, registry.KindValidationFailed},
		"anonymous target": {alice, registry.TransferRequest{ParcelID: id, NewOwner: identity.Anonymous, Reason: "sale"}, registry.KindValidationFailed},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.TransferOwnership(as(tc.caller), tc.req)
			requireKind(t, err, tc.kind)
		})
	}

	_, err := r.TransferOwnership(as(alice), registry.TransferRequest{ParcelID: id, NewOwner: bob, Reason: "sale"})
	require.NoError(t, err)
	_, err = r.TransferOwnership(as(alice), registry.TransferRequest{ParcelID: id, NewOwner: registrar, Reason: "better offer"})
	requireKind(t, err, registry.KindInvalidState)

	_, err = r.ApproveTransfer(as(alice), id, bob)
	requireKind(t, err, registry.KindUnauthorized)
	_, err = r.ApproveTransfer(as(admin), id, registrar)
	requireKind(t, err, registry.KindInvalidState)
}

func TestRevokeDropsPendingTransfer(t *testing.T) {
	r := newRegistry(t)
	id := registeredParcel(t, r, alice)
	_, err := r.TransferOwnership(as(alice), registry.TransferRequest{ParcelID: id, NewOwner: bob, Reason: "sale"})
	require.NoError(t, err)

	revoked := registry.ParcelRevoked
	_, err = r.UpdateParcel(as(registrar), id, registry.ParcelPatch{Status: &revoked})
	requireKind(t, err, registry.KindUnauthorized)

	_, err = r.UpdateParcel(as(admin), id, registry.ParcelPatch{Status: &revoked, Note: "court order"})
	require.NoError(t, err)

	pending, err := r.GetPendingTransfers(as(admin))
	require.NoError(t, err)
	require.Empty(t, pending)

	_, err = r.TransferOwnership(as(alice), registry.TransferRequest{ParcelID: id, NewOwner: bob, Reason: "sale"})
	requireKind(t, err, registry.KindInvalidState)

	location := "elsewhere"
	_, err = r.UpdateParcel(as(alice), id, registry.ParcelPatch{Location: &location})
	requireKind(t, err, registry.KindInvalidState)

	parcel, err := r.GetParcel(as(alice), id)
	require.NoError(t, err)
	last, _ := parcel.LastTransaction()
	require.Equal(t, registry.TransactionStatusUpdate, last.Kind)
	require.Contains(t, last.Note, "court order")
}

func TestOwnerCorrectionAppendsTransferRecord(t *testing.T) {
	r := newRegistry(t)
	id := registeredParcel(t, r, alice)

	_, err := r.UpdateParcel(as(alice), id, registry.ParcelPatch{Owner: &bob})
	requireKind(t, err, registry.KindUnauthorized)

	size := 500.0
	_, err = r.UpdateParcel(as(alice), id, registry.ParcelPatch{SizeSqMeters: &size})
	require.NoError(t, err, "owners may edit their own metadata")

	_, err = r.UpdateParcel(as(admin), id, registry.ParcelPatch{Owner: &bob})
	require.NoError(t, err)

	ok, err := r.VerifyOwnership(as(alice), id, bob)
	require.NoError(t, err)
	require.True(t, ok)

	parcel, err := r.GetParcel(as(bob), id)
	require.NoError(t, err)
	require.Equal(t, 500.0, parcel.Metadata.SizeSqMeters)
	last, _ := parcel.LastTransaction()
	require.Equal(t, registry.TransactionTransfer, last.Kind)
	require.Equal(t, "administrative owner correction", last.Note)

	for i := 1; i < len(parcel.History); i++ {
		require.True(t, parcel.History[i].Timestamp.After(parcel.History[i-1].Timestamp))
	}
}

func TestRoleAssignment(t *testing.T) {
	r := newRegistry(t)

	err := r.AssignRole(as(alice), bob, roles.Admin)
	requireKind(t, err, registry.KindUnauthorized)

	err = r.AssignRole(as(admin), bob, roles.Owner)
	requireKind(t, err, registry.KindUnauthorized)

	err = r.AssignRole(as(admin), bob, roles.Role("Mayor"))
	requireKind(t, err, registry.KindValidationFailed)

	require.NoError(t, r.AssignRole(as(admin), bob, roles.Auditor))
	set, err := r.GetUserRoles(as(bob), bob)
	require.NoError(t, err)
	require.Equal(t, roles.NewSet(roles.Auditor), set)

	set, err = r.GetUserRoles(as(bob), alice)
	require.NoError(t, err)
	require.True(t, set.Empty())

	_, err = r.GetAllParcels(as(bob))
	requireKind(t, err, registry.KindUnauthorized)
	_, err = r.GetAllParcels(as(admin))
	require.NoError(t, err)
}

func TestUserProfiles(t *testing.T) {
	r := newRegistry(t)

	_, err := r.CreateUserProfile(as(alice), registry.UserProfile{Name: "Alice", Role: roles.Admin})
	require.NoError(t, err)

	profile, err := r.GetUserProfile(as(alice), alice)
	require.NoError(t, err)
	require.Equal(t, roles.User, profile.Role, "callers cannot self-assign a role")

	_, err = r.CreateUserProfile(as(alice), registry.UserProfile{Name: "Alice again"})
	requireKind(t, err, registry.KindInvalidState)

	_, err = r.GetUserProfile(as(bob), alice)
	requireKind(t, err, registry.KindUnauthorized)

	_, err = r.UpdateUserProfile(as(bob), registry.UserProfile{Principal: alice, Name: "Mallory"})
	requireKind(t, err, registry.KindUnauthorized)

	_, err = r.UpdateUserProfile(as(alice), registry.UserProfile{ContactInfo: "alice@example.org"})
	require.NoError(t, err)

	require.NoError(t, r.AssignRole(as(admin), alice, roles.LandRegistrar))
	profile, err = r.GetUserProfile(as(admin), alice)
	require.NoError(t, err)
	require.Equal(t, "Alice", profile.Name)
	require.Equal(t, "alice@example.org", profile.ContactInfo)
	require.Equal(t, roles.LandRegistrar, profile.Role)

	_, err = r.GetUserProfile(as(admin), bob)
	require.True(t, errors.Is(err, registry.ErrNotFound))
}

func TestSearchAndVisibility(t *testing.T) {
	r := newRegistry(t)
	first := registeredParcel(t, r, alice)
	second := registeredParcel(t, r, bob)

	minSize := 100.0
	found, err := r.SearchParcels(as(alice), registry.SearchFilters{Location: "riverside", MinSize: &minSize, Owner: &bob})
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.Equal(t, second, found[0].ID)

	owned, err := r.GetParcelsByOwner(as(bob), alice)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	require.Equal(t, first, owned[0].ID)

	_, err = r.TransferOwnership(as(alice), registry.TransferRequest{ParcelID: first, NewOwner: bob, Reason: "sale"})
	require.NoError(t, err)

	stranger := identity.SelfAuthenticating([]byte("stranger"))
	visible, err := r.GetPendingTransfers(as(stranger))
	require.NoError(t, err)
	require.Empty(t, visible)

	visible, err = r.GetPendingTransfers(as(bob))
	require.NoError(t, err)
	require.Len(t, visible, 1)

	for _, caller := range []identity.Principal{stranger, identity.Anonymous} {
		status, err := r.GetPendingTransfer(as(caller), first)
		require.NoError(t, err)
		require.True(t, status.Pending, "every caller learns that a transfer is open")
		require.Nil(t, status.Request, "the request stays hidden from %s", caller)
	}
	status, err := r.GetPendingTransfer(as(registrar), first)
	require.NoError(t, err)
	require.NotNil(t, status.Request)
	require.Equal(t, bob, status.Request.NewOwner)

	status, err = r.GetPendingTransfer(as(stranger), second)
	require.NoError(t, err)
	require.False(t, status.Pending)

	_, err = r.GetPendingTransfer(as(stranger), "missing")
	requireKind(t, err, registry.KindNotFound)

	owned[0].History[0].Note = "tampered"
	fresh, err := r.GetParcel(as(alice), first)
	require.NoError(t, err)
	require.NotEqual(t, "tampered", fresh.History[0].Note)
}
