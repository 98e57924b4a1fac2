// Package memory is an in-process registry backend. It enforces the same ownership, role
// and state rules as the production registry and backs the development server and tests.
package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/landledger/landledger/internal/identity"
	"github.com/landledger/landledger/internal/ids"
	"github.com/landledger/landledger/internal/registry"
	"github.com/landledger/landledger/internal/roles"
)

// Option customises a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// WithGrant assigns roles to p at construction, bypassing authorization. It seeds the
// first administrator.
func WithGrant(p identity.Principal, rs ...roles.Role) Option {
	return func(r *Registry) {
		r.grant(p, rs...)
	}
}

// Registry is the in-memory backend. The zero value is not usable; call New.
type Registry struct {
	mu        sync.RWMutex
	now       func() time.Time
	parcels   map[string]*registry.Parcel
	order     []string
	pending   map[string]int
	requests  []registry.TransferRequest
	roleSets  map[identity.Principal]roles.Set
	profiles  map[identity.Principal]registry.UserProfile
	lastStamp time.Time
}

var _ registry.Backend = (*Registry)(nil)

// New builds an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		now:      time.Now,
		parcels:  make(map[string]*registry.Parcel),
		pending:  make(map[string]int),
		roleSets: make(map[identity.Principal]roles.Set),
		profiles: make(map[identity.Principal]registry.UserProfile),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Grant assigns roles to p without an authorization check.
func (r *Registry) Grant(p identity.Principal, rs ...roles.Role) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.grant(p, rs...)
}

func (r *Registry) grant(p identity.Principal, rs ...roles.Role) {
	set := r.roleSets[p]
	for _, role := range rs {
		set = set.With(role)
	}
	r.roleSets[p] = set
}

// effective returns the caller's roles with the implicit User role for authenticated callers.
func (r *Registry) effective(p identity.Principal) roles.Set {
	if p.IsAnonymous() || p.IsZero() {
		return 0
	}
	return r.roleSets[p].With(roles.User)
}

// stamp returns a timestamp strictly after the previous one so history order matches time
// order.
func (r *Registry) stamp() time.Time {
	t := r.now().UTC()
	if !t.After(r.lastStamp) {
		t = r.lastStamp.Add(time.Nanosecond)
	}
	r.lastStamp = t
	return t
}

func authenticated(ctx context.Context) (identity.Principal, error) {
	caller := registry.CallerFromContext(ctx)
	if caller.IsAnonymous() {
		return identity.Principal{}, registry.Unauthorized("authentication required")
	}
	return caller, nil
}

func (r *Registry) parcel(id string) (*registry.Parcel, error) {
	p, ok := r.parcels[id]
	if !ok {
		return nil, registry.NotFound("parcel %s not found", id)
	}
	return p, nil
}

func (r *Registry) list(match func(registry.Parcel) bool) []registry.Parcel {
	out := make([]registry.Parcel, 0)
	for _, id := range r.order {
		p := r.parcels[id]
		if match(*p) {
			out = append(out, p.Clone())
		}
	}
	return out
}

func (r *Registry) GetParcel(_ context.Context, id string) (registry.Parcel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, err := r.parcel(id)
	if err != nil {
		return registry.Parcel{}, err
	}
	return p.Clone(), nil
}

func (r *Registry) GetParcelsByOwner(_ context.Context, owner identity.Principal) ([]registry.Parcel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.list(func(p registry.Parcel) bool { return p.Owner == owner }), nil
}

// GetAllParcels is restricted to administrators.
func (r *Registry) GetAllParcels(ctx context.Context) ([]registry.Parcel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.effective(registry.CallerFromContext(ctx)).Intersects(roles.NewSet(roles.Owner, roles.Admin)) {
		return nil, registry.Unauthorized("listing every parcel requires Admin")
	}
	return r.list(func(registry.Parcel) bool { return true }), nil
}

func (r *Registry) SearchParcels(_ context.Context, filters registry.SearchFilters) ([]registry.Parcel, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.list(filters.Match), nil
}

func (r *Registry) VerifyOwnership(_ context.Context, parcelID string, owner identity.Principal) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, err := r.parcel(parcelID)
	if err != nil {
		return false, err
	}
	return p.Owner == owner, nil
}

func (r *Registry) GetUserRoles(_ context.Context, p identity.Principal) (roles.Set, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roleSets[p], nil
}

func (r *Registry) GetUserProfile(ctx context.Context, p identity.Principal) (registry.UserProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caller := registry.CallerFromContext(ctx)
	if caller != p && !r.effective(caller).Grants(roles.ViewUsers) {
		return registry.UserProfile{}, registry.Unauthorized("profile of %s is not visible to %s", p, caller)
	}
	profile, ok := r.profiles[p]
	if !ok {
		return registry.UserProfile{}, registry.NotFound("profile %s not found", p)
	}
	return profile, nil
}

// seesAllRequests reports whether caller may read every transfer request: approvers and
// auditors may, everyone else sees requests they made or that name them as the new owner.
func (r *Registry) seesAllRequests(caller identity.Principal) bool {
	set := r.effective(caller)
	return set.Grants(roles.ApproveLandParcel) || set.Grants(roles.ViewAuditLogs)
}

func (r *Registry) visibleRequests(caller identity.Principal, onlyPending bool) []registry.TransferRequest {
	all := r.seesAllRequests(caller)
	out := make([]registry.TransferRequest, 0)
	for _, req := range r.requests {
		if onlyPending && !req.Pending() {
			continue
		}
		if all || req.RequestedBy == caller || req.NewOwner == caller {
			out = append(out, cloneRequest(req))
		}
	}
	return out
}

// GetPendingTransfer tells any caller whether the parcel has an open request and hands the
// request over only to callers who could list it.
func (r *Registry) GetPendingTransfer(ctx context.Context, parcelID string) (registry.PendingStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, err := r.parcel(parcelID); err != nil {
		return registry.PendingStatus{}, err
	}
	idx, ok := r.pending[parcelID]
	if !ok {
		return registry.PendingStatus{}, nil
	}
	status := registry.PendingStatus{Pending: true}
	caller := registry.CallerFromContext(ctx)
	req := r.requests[idx]
	if r.seesAllRequests(caller) || req.RequestedBy == caller || req.NewOwner == caller {
		visible := cloneRequest(req)
		status.Request = &visible
	}
	return status, nil
}

func (r *Registry) GetPendingTransfers(ctx context.Context) ([]registry.TransferRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.visibleRequests(registry.CallerFromContext(ctx), true), nil
}

func (r *Registry) GetTransferRequests(ctx context.Context) ([]registry.TransferRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.visibleRequests(registry.CallerFromContext(ctx), false), nil
}

func (r *Registry) RegisterParcel(ctx context.Context, reg registry.ParcelRegistration) (string, error) {
	caller, err := authenticated(ctx)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.effective(caller).Grants(roles.CreateLandParcel) {
		return "", registry.Unauthorized("registering parcels requires LandRegistrar or Admin")
	}
	owner := caller
	if reg.Owner != nil {
		owner = *reg.Owner
	}
	if err := validateRegistration(reg, owner); err != nil {
		return "", err
	}

	now := r.stamp()
	id := ids.NewAt(now)
	parcel := &registry.Parcel{
		ID:    id,
		Owner: owner,
		Metadata: registry.ParcelMetadata{
			Location:         strings.TrimSpace(reg.Location),
			SizeSqMeters:     reg.SizeSqMeters,
			Coordinates:      reg.Coordinates,
			DocumentHashes:   append([]string(nil), reg.DocumentHashes...),
			LegalDescription: reg.LegalDescription,
			ZoningType:       reg.ZoningType,
			AssessedValue:    reg.AssessedValue,
			LastUpdated:      now,
		},
		Status: registry.ParcelPending,
	}
	parcel.History = append(parcel.History, registry.TransactionRecord{
		ID:           ids.NewAt(now),
		ToOwner:      owner,
		Timestamp:    now,
		Kind:         registry.TransactionRegistration,
		DocumentHash: firstHash(reg.DocumentHashes),
		Note:         "registered by " + caller.String(),
	})
	r.parcels[id] = parcel
	r.order = append(r.order, id)
	return id, nil
}

func (r *Registry) ApproveRegistration(ctx context.Context, id string) (string, error) {
	caller, err := authenticated(ctx)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.effective(caller).Grants(roles.ApproveLandParcel) {
		return "", registry.Unauthorized("approving registrations requires LandRegistrar or Admin")
	}
	p, err := r.parcel(id)
	if err != nil {
		return "", err
	}
	if p.Status != registry.ParcelPending {
		return "", registry.InvalidState("parcel %s is %s, not Pending", id, p.Status)
	}
	r.setStatus(p, caller, registry.ParcelRegistered, "registration approved")
	return id, nil
}

func (r *Registry) setStatus(p *registry.Parcel, by identity.Principal, status registry.ParcelStatus, note string) {
	now := r.stamp()
	p.Status = status
	p.Metadata.LastUpdated = now
	p.History = append(p.History, registry.TransactionRecord{
		ID:        ids.NewAt(now),
		ToOwner:   p.Owner,
		Timestamp: now,
		Kind:      registry.TransactionStatusUpdate,
		Note:      strings.TrimSpace(note + " by " + by.String()),
	})
	if status == registry.ParcelRevoked {
		r.resolve(p.ID, by, registry.TransferRejected, "parcel revoked", now)
	}
}

func (r *Registry) UpdateParcel(ctx context.Context, id string, patch registry.ParcelPatch) (string, error) {
	caller, err := authenticated(ctx)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.parcel(id)
	if err != nil {
		return "", err
	}
	set := r.effective(caller)
	switch {
	case patch.Administrative() && !set.Grants(roles.RevokeLandParcel):
		return "", registry.Unauthorized("owner and status corrections require Admin")
	case !set.Grants(roles.UpdateLandParcel) && p.Owner != caller:
		return "", registry.Unauthorized("only the owner or a registrar may update parcel %s", id)
	}
	if err := validatePatch(patch); err != nil {
		return "", err
	}
	if p.Status == registry.ParcelRevoked && (patch.Status == nil || *patch.Status == registry.ParcelRevoked) {
		return "", registry.InvalidState("parcel %s is revoked", id)
	}

	now := r.stamp()
	applyMetadata(&p.Metadata, patch)
	p.Metadata.LastUpdated = now
	if patch.Owner != nil && *patch.Owner != p.Owner {
		from := p.Owner
		p.Owner = *patch.Owner
		p.History = append(p.History, registry.TransactionRecord{
			ID:        ids.NewAt(now),
			FromOwner: &from,
			ToOwner:   p.Owner,
			Timestamp: now,
			Kind:      registry.TransactionTransfer,
			Note:      noteOr(patch.Note, "administrative owner correction"),
		})
		r.resolve(id, caller, registry.TransferRejected, "owner corrected", now)
	}
	if patch.Status != nil && *patch.Status != p.Status {
		r.setStatus(p, caller, *patch.Status, noteOr(patch.Note, "status set to "+string(*patch.Status)))
	}
	return id, nil
}

func (r *Registry) TransferOwnership(ctx context.Context, req registry.TransferRequest) (string, error) {
	caller, err := authenticated(ctx)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.parcel(req.ParcelID)
	if err != nil {
		return "", err
	}
	if p.Owner != caller {
		return "", registry.Unauthorized("only the owner may transfer parcel %s", p.ID)
	}
	if err := validateTransfer(req, p.Owner); err != nil {
		return "", err
	}
	switch p.Status {
	case registry.ParcelRevoked:
		return "", registry.InvalidState("parcel %s is revoked", p.ID)
	case registry.ParcelPending:
		return "", registry.InvalidState("parcel %s is not registered yet", p.ID)
	}
	if _, ok := r.pending[p.ID]; ok {
		return "", registry.InvalidState("parcel %s already has a pending transfer", p.ID)
	}

	r.requests = append(r.requests, registry.TransferRequest{
		ParcelID:    p.ID,
		RequestedBy: caller,
		NewOwner:    req.NewOwner,
		Fee:         req.Fee,
		Reason:      strings.TrimSpace(req.Reason),
		Documents:   append([]string(nil), req.Documents...),
		CreatedAt:   r.stamp(),
		Status:      registry.TransferPending,
	})
	r.pending[p.ID] = len(r.requests) - 1
	return p.ID, nil
}

func (r *Registry) pendingFor(caller identity.Principal, parcelID string) (*registry.Parcel, *registry.TransferRequest, error) {
	if !r.effective(caller).Grants(roles.ApproveLandParcel) {
		return nil, nil, registry.Unauthorized("resolving transfers requires Admin or LandRegistrar")
	}
	p, err := r.parcel(parcelID)
	if err != nil {
		return nil, nil, err
	}
	idx, ok := r.pending[parcelID]
	if !ok {
		return nil, nil, registry.InvalidState("parcel %s has no pending transfer", parcelID)
	}
	return p, &r.requests[idx], nil
}

func (r *Registry) ApproveTransfer(ctx context.Context, parcelID string, newOwner identity.Principal) (string, error) {
	caller, err := authenticated(ctx)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, req, err := r.pendingFor(caller, parcelID)
	if err != nil {
		return "", err
	}
	if req.NewOwner != newOwner {
		return "", registry.InvalidState("pending transfer of %s names a different new owner", parcelID)
	}
	if p.Status == registry.ParcelRevoked {
		return "", registry.InvalidState("parcel %s is revoked", parcelID)
	}

	now := r.stamp()
	from := p.Owner
	record := registry.TransactionRecord{
		ID:           ids.NewAt(now),
		FromOwner:    &from,
		ToOwner:      newOwner,
		Timestamp:    now,
		Kind:         registry.TransactionTransfer,
		DocumentHash: firstHash(req.Documents),
		Note:         req.Reason,
	}
	p.Owner = newOwner
	p.Metadata.LastUpdated = now
	p.History = append(p.History, record)
	r.resolve(parcelID, caller, registry.TransferApproved, "", now)
	return record.ID, nil
}

func (r *Registry) RejectTransfer(ctx context.Context, parcelID, reason string) (string, error) {
	caller, err := authenticated(ctx)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, _, err := r.pendingFor(caller, parcelID); err != nil {
		return "", err
	}
	if strings.TrimSpace(reason) == "" {
		return "", registry.ValidationFailed("rejection reason is required")
	}
	r.resolve(parcelID, caller, registry.TransferRejected, strings.TrimSpace(reason), r.stamp())
	return parcelID, nil
}

// resolve closes the pending request for parcelID, if any.
func (r *Registry) resolve(parcelID string, by identity.Principal, status registry.TransferStatus, note string, at time.Time) {
	idx, ok := r.pending[parcelID]
	if !ok {
		return
	}
	resolver := by
	resolvedAt := at
	req := &r.requests[idx]
	req.Status = status
	req.ResolvedBy = &resolver
	req.ResolvedAt = &resolvedAt
	req.ResolutionNote = note
	delete(r.pending, parcelID)
}

func (r *Registry) AssignRole(ctx context.Context, p identity.Principal, role roles.Role) error {
	caller, err := authenticated(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.effective(caller)
	if !set.Grants(roles.AssignRoles) {
		return registry.Unauthorized("assigning roles requires Admin")
	}
	if !role.Valid() {
		return registry.ValidationFailed("unknown role %q", role)
	}
	if role == roles.Owner && !set.Has(roles.Owner) {
		return registry.Unauthorized("only an Owner may grant Owner")
	}
	if p.IsZero() || p.IsAnonymous() {
		return registry.ValidationFailed("role assignee must be an authenticated principal")
	}
	r.grant(p, role)
	if profile, ok := r.profiles[p]; ok {
		profile.Role = role
		r.profiles[p] = profile
	}
	return nil
}

func (r *Registry) CreateUserProfile(ctx context.Context, profile registry.UserProfile) (string, error) {
	caller, err := authenticated(ctx)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if profile.Principal.IsZero() {
		profile.Principal = caller
	}
	manager := r.effective(caller).Grants(roles.ManageUsers)
	if profile.Principal != caller && !manager {
		return "", registry.Unauthorized("profiles can only be created for the caller")
	}
	if strings.TrimSpace(profile.Name) == "" {
		return "", registry.ValidationFailed("profile name is required")
	}
	if _, exists := r.profiles[profile.Principal]; exists {
		return "", registry.InvalidState("profile %s already exists", profile.Principal)
	}
	if !manager || !profile.Role.Valid() {
		profile.Role = roles.User
	}
	profile.Name = strings.TrimSpace(profile.Name)
	profile.RegistrationDate = r.stamp()
	r.profiles[profile.Principal] = profile
	return profile.Principal.String(), nil
}

func (r *Registry) UpdateUserProfile(ctx context.Context, profile registry.UserProfile) (string, error) {
	caller, err := authenticated(ctx)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if profile.Principal.IsZero() {
		profile.Principal = caller
	}
	manager := r.effective(caller).Grants(roles.ManageUsers)
	if profile.Principal != caller && !manager {
		return "", registry.Unauthorized("profiles can only be updated by their principal")
	}
	existing, ok := r.profiles[profile.Principal]
	if !ok {
		return "", registry.NotFound("profile %s not found", profile.Principal)
	}
	if name := strings.TrimSpace(profile.Name); name != "" {
		existing.Name = name
	}
	existing.ContactInfo = profile.ContactInfo
	if manager && profile.Role.Valid() {
		existing.Role = profile.Role
	}
	r.profiles[profile.Principal] = existing
	return profile.Principal.String(), nil
}

func cloneRequest(req registry.TransferRequest) registry.TransferRequest {
	req.Documents = append([]string(nil), req.Documents...)
	if req.ResolvedBy != nil {
		by := *req.ResolvedBy
		req.ResolvedBy = &by
	}
	if req.ResolvedAt != nil {
		at := *req.ResolvedAt
		req.ResolvedAt = &at
	}
	return req
}

func firstHash(hashes []string) string {
	if len(hashes) == 0 {
		return ""
	}
	return hashes[0]
}

func noteOr(note, fallback string) string {
	if strings.TrimSpace(note) != "" {
		return strings.TrimSpace(note)
	}
	return fallback
}
