package roles

// Permission is a fine grained capability derived from roles.
type Permission string

const (
	CreateLandParcel   Permission = "create_land_parcel"
	ApproveLandParcel  Permission = "approve_land_parcel"
	TransferLandParcel Permission = "transfer_land_parcel"
	ViewLandParcel     Permission = "view_land_parcel"
	UpdateLandParcel   Permission = "update_land_parcel"
	RevokeLandParcel   Permission = "revoke_land_parcel"

	ManageUsers Permission = "manage_users"
	AssignRoles Permission = "assign_roles"
	ViewUsers   Permission = "view_users"

	SystemAdmin    Permission = "system_admin"
	ViewAuditLogs  Permission = "view_audit_logs"
	ManageRegistry Permission = "manage_registry"
)

var parcelAdministration = []Permission{
	CreateLandParcel,
	ApproveLandParcel,
	TransferLandParcel,
	ViewLandParcel,
	UpdateLandParcel,
	RevokeLandParcel,
	ManageUsers,
	AssignRoles,
	ViewUsers,
}

var grants = map[Role][]Permission{
	Owner:         append(append([]Permission(nil), parcelAdministration...), SystemAdmin, ViewAuditLogs, ManageRegistry),
	Admin:         append(append([]Permission(nil), parcelAdministration...), ViewAuditLogs),
	LandRegistrar: {CreateLandParcel, ApproveLandParcel, ViewLandParcel, UpdateLandParcel},
	Auditor:       {ViewLandParcel, ViewUsers, ViewAuditLogs},
	// Transfer applies to the caller's own parcels only; ownership is checked separately.
	User: {ViewLandParcel, TransferLandParcel},
}

// PermissionsFor lists the permissions granted to r.
func PermissionsFor(r Role) []Permission {
	return append([]Permission(nil), grants[r]...)
}

// Grants reports whether any role in s grants p.
func (s Set) Grants(p Permission) bool {
	for _, r := range s.Roles() {
		for _, granted := range grants[r] {
			if granted == p {
				return true
			}
		}
	}
	return false
}
