package memory

import (
	"strings"

	"github.com/landledger/landledger/internal/identity"
	"github.com/landledger/landledger/internal/registry"
)

func validPrincipal(p identity.Principal) bool {
	return !p.IsZero() && !p.IsAnonymous()
}

func validCoordinates(c registry.Coordinates) bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

func validateRegistration(reg registry.ParcelRegistration, owner identity.Principal) error {
	switch {
	case !validPrincipal(owner):
		return registry.ValidationFailed("parcel owner must be an authenticated principal")
	case strings.TrimSpace(reg.Location) == "":
		return registry.ValidationFailed("location is required")
	case reg.SizeSqMeters <= 0:
		return registry.ValidationFailed("size must be positive")
	case !validCoordinates(reg.Coordinates):
		return registry.ValidationFailed("coordinates out of range")
	case reg.AssessedValue != nil && *reg.AssessedValue < 0:
		return registry.ValidationFailed("assessed value must not be negative")
	}
	return nil
}

func validatePatch(patch registry.ParcelPatch) error {
	switch {
	case patch.Location != nil && strings.TrimSpace(*patch.Location) == "":
		return registry.ValidationFailed("location must not be blank")
	case patch.SizeSqMeters != nil && *patch.SizeSqMeters <= 0:
		return registry.ValidationFailed("size must be positive")
	case patch.Coordinates != nil && !validCoordinates(*patch.Coordinates):
		return registry.ValidationFailed("coordinates out of range")
	case patch.AssessedValue != nil && *patch.AssessedValue < 0:
		return registry.ValidationFailed("assessed value must not be negative")
	case patch.Owner != nil && !validPrincipal(*patch.Owner):
		return registry.ValidationFailed("owner must be an authenticated principal")
	case patch.Status != nil && !patch.Status.Valid():
		return registry.ValidationFailed("unknown status %q", *patch.Status)
	}
	return nil
}

func validateTransfer(req registry.TransferRequest, owner identity.Principal) error {
	switch {
	case !validPrincipal(req.NewOwner):
		return registry.ValidationFailed("new owner must be an authenticated principal")
	case req.NewOwner == owner:
		return registry.ValidationFailed("new owner must differ from the current owner")
	case req.Fee < 0:
		return registry.ValidationFailed("fee must not be negative")
	case strings.TrimSpace(req.Reason) == "":
		return registry.ValidationFailed("reason is required")
	}
	return nil
}

func applyMetadata(m *registry.ParcelMetadata, patch registry.ParcelPatch) {
	if patch.Location != nil {
		m.Location = strings.TrimSpace(*patch.Location)
	}
	if patch.SizeSqMeters != nil {
		m.SizeSqMeters = *patch.SizeSqMeters
	}
	if patch.Coordinates != nil {
		m.Coordinates = *patch.Coordinates
	}
	if patch.DocumentHashes != nil {
		m.DocumentHashes = append([]string(nil), patch.DocumentHashes...)
	}
	if patch.LegalDescription != nil {
		m.LegalDescription = *patch.LegalDescription
	}
	if patch.ZoningType != nil {
		m.ZoningType = *patch.ZoningType
	}
	if patch.AssessedValue != nil {
		v := *patch.AssessedValue
		m.AssessedValue = &v
	}
}
