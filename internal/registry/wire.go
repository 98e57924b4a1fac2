package registry

import (
	"github.com/landledger/landledger/internal/identity"
	"github.com/landledger/landledger/internal/roles"
)

// ServiceName is the gRPC service carrying registry calls.
const ServiceName = "landledger.registry.v1.Registry"

const (
	MethodGetParcel           = "GetParcel"
	MethodGetParcelsByOwner   = "GetParcelsByOwner"
	MethodGetAllParcels       = "GetAllParcels"
	MethodSearchParcels       = "SearchParcels"
	MethodVerifyOwnership     = "VerifyOwnership"
	MethodGetUserRoles        = "GetUserRoles"
	MethodGetUserProfile      = "GetUserProfile"
	MethodGetPendingTransfer  = "GetPendingTransfer"
	MethodGetPendingTransfers = "GetPendingTransfers"
	MethodGetTransferRequests = "GetTransferRequests"

	MethodRegisterParcel      = "RegisterParcel"
	MethodUpdateParcel        = "UpdateParcel"
	MethodApproveRegistration = "ApproveRegistration"
	MethodTransferOwnership   = "TransferOwnership"
	MethodApproveTransfer     = "ApproveTransfer"
	MethodRejectTransfer      = "RejectTransfer"
	MethodAssignRole          = "AssignRole"
	MethodCreateUserProfile   = "CreateUserProfile"
	MethodUpdateUserProfile   = "UpdateUserProfile"
)

var updateMethods = map[string]struct{}{
	MethodRegisterParcel:      {},
	MethodUpdateParcel:        {},
	MethodApproveRegistration: {},
	MethodTransferOwnership:   {},
	MethodApproveTransfer:     {},
	MethodRejectTransfer:      {},
	MethodAssignRole:          {},
	MethodCreateUserProfile:   {},
	MethodUpdateUserProfile:   {},
}

// IsUpdate reports whether method mutates registry state.
func IsUpdate(method string) bool {
	_, ok := updateMethods[method]
	return ok
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

type emptyRequest struct{}

type parcelIDRequest struct {
	ParcelID string `json:"parcel_id"`
}

type principalRequest struct {
	Principal identity.Principal `json:"principal"`
}

type verifyOwnershipRequest struct {
	ParcelID string             `json:"parcel_id"`
	Owner    identity.Principal `json:"owner"`
}

type updateParcelRequest struct {
	ParcelID string      `json:"parcel_id"`
	Patch    ParcelPatch `json:"patch"`
}

type approveTransferRequest struct {
	ParcelID string             `json:"parcel_id"`
	NewOwner identity.Principal `json:"new_owner"`
}

type rejectTransferRequest struct {
	ParcelID string `json:"parcel_id"`
	Reason   string `json:"reason"`
}

type assignRoleRequest struct {
	Principal identity.Principal `json:"principal"`
	Role      roles.Role         `json:"role"`
}

type parcelsResponse struct {
	Parcels []Parcel `json:"parcels"`
}

type transfersResponse struct {
	Requests []TransferRequest `json:"requests"`
}

type rolesResponse struct {
	Roles roles.Set `json:"roles"`
}

type boolResponse struct {
	Value bool `json:"value"`
}

// resultResponse is the update envelope: exactly one of OK or Err is meaningful.
type resultResponse struct {
	OK  string         `json:"ok,omitempty"`
	Err *BusinessError `json:"err,omitempty"`
}
