// Package registry is the typed façade over the remote land registry and the server-side
// plumbing that exposes a Backend over gRPC.
package registry

import (
	"context"

	"github.com/landledger/landledger/internal/identity"
	"github.com/landledger/landledger/internal/roles"
)

// Conn performs a unary call. *bootstrap.Client satisfies it.
type Conn interface {
	Invoke(ctx context.Context, method string, args, reply any) error
}

// Result is the outcome of an update. Err carries expected business failures; transport
// failures are returned separately as error.
type Result struct {
	ID  string
	Err *BusinessError
}

// OK reports whether the update succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// AsError returns Err as an error, or nil.
func (r Result) AsError() error {
	if r.Err == nil {
		return nil
	}
	return r.Err
}

// Client issues registry calls over a Conn. A nil Client fails every call with
// ErrNotInitialized.
type Client struct {
	conn Conn
}

// NewClient wraps conn.
func NewClient(conn Conn) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, args, reply any) error {
	if c == nil || c.conn == nil {
		return ErrNotInitialized
	}
	return classify(method, c.conn.Invoke(ctx, fullMethod(method), args, reply))
}

func (c *Client) update(ctx context.Context, method string, args any) (Result, error) {
	var resp resultResponse
	err := c.invoke(ctx, method, args, &resp)
	if err != nil {
		if be, ok := err.(*BusinessError); ok {
			return Result{Err: be}, nil
		}
		return Result{}, err
	}
	if resp.Err != nil {
		return Result{Err: resp.Err}, nil
	}
	return Result{ID: resp.OK}, nil
}

// GetParcel fetches one parcel.
func (c *Client) GetParcel(ctx context.Context, id string) (Parcel, error) {
	var out Parcel
	if err := c.invoke(ctx, MethodGetParcel, parcelIDRequest{ParcelID: id}, &out); err != nil {
		return Parcel{}, err
	}
	return out, nil
}

// GetParcelsByOwner lists parcels owned by owner.
func (c *Client) GetParcelsByOwner(ctx context.Context, owner identity.Principal) ([]Parcel, error) {
	var out parcelsResponse
	if err := c.invoke(ctx, MethodGetParcelsByOwner, principalRequest{Principal: owner}, &out); err != nil {
		return nil, err
	}
	return out.Parcels, nil
}

// GetAllParcels lists every parcel. The registry restricts it to administrators.
func (c *Client) GetAllParcels(ctx context.Context) ([]Parcel, error) {
	var out parcelsResponse
	if err := c.invoke(ctx, MethodGetAllParcels, emptyRequest{}, &out); err != nil {
		return nil, err
	}
	return out.Parcels, nil
}

// SearchParcels lists parcels matching filters.
func (c *Client) SearchParcels(ctx context.Context, filters SearchFilters) ([]Parcel, error) {
	var out parcelsResponse
	if err := c.invoke(ctx, MethodSearchParcels, filters, &out); err != nil {
		return nil, err
	}
	return out.Parcels, nil
}

// VerifyOwnership reports whether owner currently owns the parcel.
func (c *Client) VerifyOwnership(ctx context.Context, parcelID string, owner identity.Principal) (bool, error) {
	var out boolResponse
	if err := c.invoke(ctx, MethodVerifyOwnership, verifyOwnershipRequest{ParcelID: parcelID, Owner: owner}, &out); err != nil {
		return false, err
	}
	return out.Value, nil
}

// GetUserRoles returns the roles assigned to p.
func (c *Client) GetUserRoles(ctx context.Context, p identity.Principal) (roles.Set, error) {
	var out rolesResponse
	if err := c.invoke(ctx, MethodGetUserRoles, principalRequest{Principal: p}, &out); err != nil {
		return 0, err
	}
	return out.Roles, nil
}

// GetUserProfile fetches the profile of p.
func (c *Client) GetUserProfile(ctx context.Context, p identity.Principal) (UserProfile, error) {
	var out UserProfile
	if err := c.invoke(ctx, MethodGetUserProfile, principalRequest{Principal: p}, &out); err != nil {
		return UserProfile{}, err
	}
	return out, nil
}

// GetPendingTransfer reports whether parcelID has an open transfer request. Every caller
// learns whether one is open; the request itself comes back only when the caller may see it.
func (c *Client) GetPendingTransfer(ctx context.Context, parcelID string) (PendingStatus, error) {
	var out PendingStatus
	if err := c.invoke(ctx, MethodGetPendingTransfer, parcelIDRequest{ParcelID: parcelID}, &out); err != nil {
		return PendingStatus{}, err
	}
	return out, nil
}

// GetPendingTransfers lists unresolved transfer requests.
func (c *Client) GetPendingTransfers(ctx context.Context) ([]TransferRequest, error) {
	var out transfersResponse
	if err := c.invoke(ctx, MethodGetPendingTransfers, emptyRequest{}, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

// GetTransferRequests lists every transfer request, resolved ones included.
func (c *Client) GetTransferRequests(ctx context.Context) ([]TransferRequest, error) {
	var out transfersResponse
	if err := c.invoke(ctx, MethodGetTransferRequests, emptyRequest{}, &out); err != nil {
		return nil, err
	}
	return out.Requests, nil
}

func (c *Client) RegisterParcel(ctx context.Context, reg ParcelRegistration) (Result, error) {
	return c.update(ctx, MethodRegisterParcel, reg)
}

func (c *Client) UpdateParcel(ctx context.Context, id string, patch ParcelPatch) (Result, error) {
	return c.update(ctx, MethodUpdateParcel, updateParcelRequest{ParcelID: id, Patch: patch})
}

func (c *Client) ApproveRegistration(ctx context.Context, id string) (Result, error) {
	return c.update(ctx, MethodApproveRegistration, parcelIDRequest{ParcelID: id})
}

// TransferOwnership submits a transfer request. RequestedBy is set by the registry from the
// caller.
func (c *Client) TransferOwnership(ctx context.Context, req TransferRequest) (Result, error) {
	return c.update(ctx, MethodTransferOwnership, req)
}

func (c *Client) ApproveTransfer(ctx context.Context, parcelID string, newOwner identity.Principal) (Result, error) {
	return c.update(ctx, MethodApproveTransfer, approveTransferRequest{ParcelID: parcelID, NewOwner: newOwner})
}

func (c *Client) RejectTransfer(ctx context.Context, parcelID, reason string) (Result, error) {
	return c.update(ctx, MethodRejectTransfer, rejectTransferRequest{ParcelID: parcelID, Reason: reason})
}

func (c *Client) AssignRole(ctx context.Context, p identity.Principal, role roles.Role) (Result, error) {
	return c.update(ctx, MethodAssignRole, assignRoleRequest{Principal: p, Role: role})
}

func (c *Client) CreateUserProfile(ctx context.Context, profile UserProfile) (Result, error) {
	return c.update(ctx, MethodCreateUserProfile, profile)
}

func (c *Client) UpdateUserProfile(ctx context.Context, profile UserProfile) (Result, error) {
	return c.update(ctx, MethodUpdateUserProfile, profile)
}
