package registry

import (
	"strings"
	"time"

	"github.com/landledger/landledger/internal/identity"
	"github.com/landledger/landledger/internal/roles"
)

// ParcelStatus enumerates registration states of a parcel.
type ParcelStatus string

const (
	// ParcelPending awaits registrar approval.
	ParcelPending ParcelStatus = "Pending"
	// ParcelRegistered is approved and transferable.
	ParcelRegistered ParcelStatus = "Registered"
	// ParcelRevoked accepts no further transfers.
	ParcelRevoked ParcelStatus = "Revoked"
)

// Valid reports whether s is a known status.
func (s ParcelStatus) Valid() bool {
	switch s {
	case ParcelPending, ParcelRegistered, ParcelRevoked:
		return true
	}
	return false
}

// TransactionKind enumerates ledger history entries.
type TransactionKind string

const (
	TransactionRegistration TransactionKind = "Registration"
	TransactionTransfer     TransactionKind = "Transfer"
	TransactionStatusUpdate TransactionKind = "StatusUpdate"
)

// TransferStatus tracks a transfer request through resolution.
type TransferStatus string

const (
	TransferPending  TransferStatus = "Pending"
	TransferApproved TransferStatus = "Approved"
	TransferRejected TransferStatus = "Rejected"
)

// Coordinates locate a parcel.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ParcelMetadata describes the land itself.
type ParcelMetadata struct {
	Location         string      `json:"location"`
	SizeSqMeters     float64     `json:"size_sq_meters"`
	Coordinates      Coordinates `json:"coordinates"`
	DocumentHashes   []string    `json:"document_hashes"`
	LegalDescription string      `json:"legal_description,omitempty"`
	ZoningType       string      `json:"zoning_type,omitempty"`
	AssessedValue    *int64      `json:"assessed_value,omitempty"`
	LastUpdated      time.Time   `json:"last_updated"`
}

// TransactionRecord is an immutable entry in a parcel's history.
type TransactionRecord struct {
	ID           string              `json:"id"`
	FromOwner    *identity.Principal `json:"from_owner,omitempty"`
	ToOwner      identity.Principal  `json:"to_owner"`
	Timestamp    time.Time           `json:"timestamp"`
	Kind         TransactionKind     `json:"kind"`
	DocumentHash string              `json:"document_hash,omitempty"`
	Note         string              `json:"note,omitempty"`
}

// Parcel is the registry record for a unit of land.
type Parcel struct {
	ID       string              `json:"id"`
	Owner    identity.Principal  `json:"owner"`
	Metadata ParcelMetadata      `json:"metadata"`
	Status   ParcelStatus        `json:"status"`
	History  []TransactionRecord `json:"history"`
}

// LastTransaction returns the most recent history entry.
func (p Parcel) LastTransaction() (TransactionRecord, bool) {
	if len(p.History) == 0 {
		return TransactionRecord{}, false
	}
	return p.History[len(p.History)-1], true
}

// Clone returns a deep copy.
func (p Parcel) Clone() Parcel {
	out := p
	out.Metadata.DocumentHashes = append([]string(nil), p.Metadata.DocumentHashes...)
	if p.Metadata.AssessedValue != nil {
		v := *p.Metadata.AssessedValue
		out.Metadata.AssessedValue = &v
	}
	out.History = make([]TransactionRecord, len(p.History))
	for i, rec := range p.History {
		if rec.FromOwner != nil {
			from := *rec.FromOwner
			rec.FromOwner = &from
		}
		out.History[i] = rec
	}
	return out
}

// TransferRequest is a proposed ownership change awaiting resolution.
type TransferRequest struct {
	ParcelID       string              `json:"parcel_id"`
	RequestedBy    identity.Principal  `json:"requested_by"`
	NewOwner       identity.Principal  `json:"new_owner"`
	Fee            int64               `json:"fee"`
	Reason         string              `json:"reason"`
	Documents      []string            `json:"documents"`
	CreatedAt      time.Time           `json:"created_at"`
	Status         TransferStatus      `json:"status"`
	ResolvedBy     *identity.Principal `json:"resolved_by,omitempty"`
	ResolvedAt     *time.Time          `json:"resolved_at,omitempty"`
	ResolutionNote string              `json:"resolution_note,omitempty"`
}

// Pending reports whether the request still awaits a decision.
func (r TransferRequest) Pending() bool {
	return r.Status == "" || r.Status == TransferPending
}

// PendingStatus answers whether a parcel has an open transfer request. Request is set
// only for callers allowed to see the request itself.
type PendingStatus struct {
	Pending bool             `json:"pending"`
	Request *TransferRequest `json:"request,omitempty"`
}

// ParcelRegistration is the input for registering a parcel. Owner defaults to the caller.
type ParcelRegistration struct {
	Owner            *identity.Principal `json:"owner,omitempty"`
	Location         string              `json:"location"`
	SizeSqMeters     float64             `json:"size_sq_meters"`
	Coordinates      Coordinates         `json:"coordinates"`
	DocumentHashes   []string            `json:"document_hashes"`
	LegalDescription string              `json:"legal_description,omitempty"`
	ZoningType       string              `json:"zoning_type,omitempty"`
	AssessedValue    *int64              `json:"assessed_value,omitempty"`
}

// ParcelPatch lists fields to change; nil fields are left alone. Owner and Status are
// administrative corrections.
type ParcelPatch struct {
	Location         *string             `json:"location,omitempty"`
	SizeSqMeters     *float64            `json:"size_sq_meters,omitempty"`
	Coordinates      *Coordinates        `json:"coordinates,omitempty"`
	DocumentHashes   []string            `json:"document_hashes,omitempty"`
	LegalDescription *string             `json:"legal_description,omitempty"`
	ZoningType       *string             `json:"zoning_type,omitempty"`
	AssessedValue    *int64              `json:"assessed_value,omitempty"`
	Owner            *identity.Principal `json:"owner,omitempty"`
	Status           *ParcelStatus       `json:"status,omitempty"`
	Note             string              `json:"note,omitempty"`
}

// Administrative reports whether the patch needs admin rights.
func (p ParcelPatch) Administrative() bool {
	return p.Owner != nil || p.Status != nil
}

// SearchFilters narrows SearchParcels. Zero fields do not filter.
type SearchFilters struct {
	Location   string              `json:"location,omitempty"`
	Owner      *identity.Principal `json:"owner,omitempty"`
	Status     ParcelStatus        `json:"status,omitempty"`
	MinSize    *float64            `json:"min_size,omitempty"`
	MaxSize    *float64            `json:"max_size,omitempty"`
	ZoningType string              `json:"zoning_type,omitempty"`
}

// Match reports whether p satisfies every set filter.
func (f SearchFilters) Match(p Parcel) bool {
	if f.Location != "" && !strings.Contains(strings.ToLower(p.Metadata.Location), strings.ToLower(f.Location)) {
		return false
	}
	if f.Owner != nil && p.Owner != *f.Owner {
		return false
	}
	if f.Status != "" && p.Status != f.Status {
		return false
	}
	if f.MinSize != nil && p.Metadata.SizeSqMeters < *f.MinSize {
		return false
	}
	if f.MaxSize != nil && p.Metadata.SizeSqMeters > *f.MaxSize {
		return false
	}
	if f.ZoningType != "" && !strings.EqualFold(p.Metadata.ZoningType, f.ZoningType) {
		return false
	}
	return true
}

// UserProfile is the caller-maintained directory entry.
type UserProfile struct {
	Principal        identity.Principal `json:"principal"`
	Name             string             `json:"name"`
	Role             roles.Role         `json:"role"`
	RegistrationDate time.Time          `json:"registration_date"`
	ContactInfo      string             `json:"contact_info,omitempty"`
}
