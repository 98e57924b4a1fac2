package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/landledger/landledger/internal/authz"
	"github.com/landledger/landledger/internal/identity"
	"github.com/landledger/landledger/internal/platform/httpx"
	"github.com/landledger/landledger/internal/registry"
	"github.com/landledger/landledger/internal/roles"
	"github.com/landledger/landledger/internal/session"
	"github.com/landledger/landledger/internal/transfer"
)

// Handler serves the registry API.
type Handler struct {
	workflow *transfer.Workflow
	recorder *transfer.ApprovalRecorder
	validate *validator.Validate
	authz    authz.Middleware
	logger   *slog.Logger
}

// NewHandler builds the API handler. recorder may be nil when no approval log is kept.
func NewHandler(workflow *transfer.Workflow, recorder *transfer.ApprovalRecorder, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if workflow == nil {
		workflow = transfer.New(transfer.WithLogger(logger))
	}
	return &Handler{
		workflow: workflow,
		recorder: recorder,
		validate: transfer.NewValidator(),
		authz:    authz.Middleware{Logger: logger},
		logger:   logger,
	}
}

// MountRoutes attaches the API routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/session", h.currentSession)

	r.Route("/parcels", func(r chi.Router) {
		r.Get("/search", h.searchParcels)
		r.Get("/{id}", h.getParcel)
		r.Get("/{id}/verify", h.verifyOwnership)
		r.Get("/{id}/transfer", h.transferState)

		r.Group(func(r chi.Router) {
			r.Use(h.authz.RequireAuthenticated())
			r.Get("/", h.myParcels)
			r.Patch("/{id}", h.updateParcel)
			r.Post("/{id}/transfer", h.initiateTransfer)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.authz.RequirePermission(roles.ViewLandParcel, roles.ManageUsers))
			r.Get("/all", h.allParcels)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.authz.RequirePermission(roles.CreateLandParcel))
			r.Post("/", h.registerParcel)
		})
		r.Group(func(r chi.Router) {
			r.Use(h.authz.RequireAny(authz.Approvers.Roles()...))
			r.Post("/{id}/approve", h.approveRegistration)
			r.Post("/{id}/transfer/approve", h.approveTransfer)
			r.Post("/{id}/transfer/reject", h.rejectTransfer)
			r.Get("/{id}/approvals", h.approvalLog)
		})
	})

	r.Route("/transfers", func(r chi.Router) {
		r.Use(h.authz.RequireAuthenticated())
		r.Get("/pending", h.pendingTransfers)
		r.Get("/", h.transferRequests)
	})

	r.Route("/profile", func(r chi.Router) {
		r.Use(h.authz.RequireAuthenticated())
		r.Get("/", h.ownProfile)
		r.Post("/", h.createProfile)
		r.Put("/", h.updateProfile)
	})

	r.Route("/users/{principal}", func(r chi.Router) {
		r.Use(h.authz.RequireAuthenticated())
		r.Get("/roles", h.userRoles)
		r.Get("/profile", h.userProfile)
		r.With(h.authz.RequirePermission(roles.AssignRoles)).Post("/roles", h.assignRole)
	})
}

type sessionView struct {
	Authenticated bool               `json:"authenticated"`
	Principal     string             `json:"principal,omitempty"`
	Roles         roles.Set          `json:"roles"`
	RolesResolved bool               `json:"roles_resolved"`
	Permissions   []roles.Permission `json:"permissions"`
	CanApprove    bool               `json:"can_approve"`
	CanRegister   bool               `json:"can_register"`
	IsAdmin       bool               `json:"is_admin"`
}

func (h *Handler) currentSession(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())
	view := sessionView{
		Authenticated: sess.Authenticated(),
		Roles:         sess.Roles,
		RolesResolved: sess.Resolution.IsResolved(),
		Permissions:   []roles.Permission{},
		CanApprove:    authz.Authorize(sess, authz.Approvers),
		CanRegister:   authz.Authorize(sess, authz.Registrars),
		IsAdmin:       authz.Authorize(sess, authz.Administrators),
	}
	if view.Authenticated {
		view.Principal = sess.Principal.String()
		seen := map[roles.Permission]bool{}
		for _, role := range sess.Roles.Roles() {
			for _, p := range roles.PermissionsFor(role) {
				if !seen[p] {
					seen[p] = true
					view.Permissions = append(view.Permissions, p)
				}
			}
		}
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) getParcel(w http.ResponseWriter, r *http.Request) {
	parcel, err := RegistryFromContext(r.Context()).GetParcel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, parcel)
}

func (h *Handler) myParcels(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())
	parcels, err := RegistryFromContext(r.Context()).GetParcelsByOwner(r.Context(), sess.Principal)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, nonNil(parcels))
}

func (h *Handler) allParcels(w http.ResponseWriter, r *http.Request) {
	parcels, err := RegistryFromContext(r.Context()).GetAllParcels(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, nonNil(parcels))
}

func (h *Handler) searchParcels(w http.ResponseWriter, r *http.Request) {
	filters, err := parseFilters(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	parcels, err := RegistryFromContext(r.Context()).SearchParcels(r.Context(), filters)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, nonNil(parcels))
}

func parseFilters(r *http.Request) (registry.SearchFilters, error) {
	q := r.URL.Query()
	filters := registry.SearchFilters{
		Location:   strings.TrimSpace(q.Get("location")),
		Status:     registry.ParcelStatus(q.Get("status")),
		ZoningType: strings.TrimSpace(q.Get("zoning")),
	}
	if filters.Status != "" && !filters.Status.Valid() {
		return registry.SearchFilters{}, registry.ValidationFailed("unknown status %q", filters.Status)
	}
	if owner := q.Get("owner"); owner != "" {
		p, err := identity.Parse(owner)
		if err != nil {
			return registry.SearchFilters{}, registry.ValidationFailed("owner: %v", err)
		}
		filters.Owner = &p
	}
	for key, dst := range map[string]**float64{"min_size": &filters.MinSize, "max_size": &filters.MaxSize} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return registry.SearchFilters{}, registry.ValidationFailed("%s must be a number", key)
		}
		*dst = &v
	}
	return filters, nil
}

func (h *Handler) verifyOwnership(w http.ResponseWriter, r *http.Request) {
	owner, err := identity.Parse(r.URL.Query().Get("owner"))
	if err != nil {
		h.fail(w, r, registry.ValidationFailed("owner: %v", err))
		return
	}
	ok, err := RegistryFromContext(r.Context()).VerifyOwnership(r.Context(), chi.URLParam(r, "id"), owner)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]bool{"owner": ok})
}

func (h *Handler) registerParcel(w http.ResponseWriter, r *http.Request) {
	var reg registry.ParcelRegistration
	if err := httpx.DecodeJSON(r, &reg); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondResult(w, r, http.StatusCreated)(RegistryFromContext(r.Context()).RegisterParcel(r.Context(), reg))
}

func (h *Handler) approveRegistration(w http.ResponseWriter, r *http.Request) {
	h.respondResult(w, r, http.StatusOK)(RegistryFromContext(r.Context()).ApproveRegistration(r.Context(), chi.URLParam(r, "id")))
}

func (h *Handler) updateParcel(w http.ResponseWriter, r *http.Request) {
	var patch registry.ParcelPatch
	if err := httpx.DecodeJSON(r, &patch); err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondResult(w, r, http.StatusOK)(RegistryFromContext(r.Context()).UpdateParcel(r.Context(), chi.URLParam(r, "id"), patch))
}

func (h *Handler) actor(r *http.Request) transfer.Actor {
	sess, _ := session.FromContext(r.Context())
	actor := transfer.Actor{Session: sess}
	if client := RegistryFromContext(r.Context()); client != nil {
		actor.Registry = client
	}
	return actor
}

func (h *Handler) transferState(w http.ResponseWriter, r *http.Request) {
	actor := h.actor(r)
	state, err := h.workflow.StateOf(r.Context(), actor.Registry, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"phase": state.Phase.String(), "request": state.Request})
}

func (h *Handler) initiateTransfer(w http.ResponseWriter, r *http.Request) {
	var in transfer.InitiateInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	actor := h.actor(r)
	if actor.Registry == nil {
		h.fail(w, r, registry.ErrNotInitialized)
		return
	}
	parcel, err := actor.Registry.GetParcel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	req, err := h.workflow.Initiate(r.Context(), actor, parcel, in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, req)
}

// pendingRequest finds the open request for the parcel in the URL. When none is open the
// bare parcel reference is returned and the registry reports InvalidState.
func (h *Handler) pendingRequest(r *http.Request, actor transfer.Actor) (registry.TransferRequest, error) {
	parcelID := chi.URLParam(r, "id")
	if actor.Registry == nil {
		return registry.TransferRequest{}, registry.ErrNotInitialized
	}
	state, err := h.workflow.StateOf(r.Context(), actor.Registry, parcelID)
	if err != nil {
		return registry.TransferRequest{}, err
	}
	if state.Request == nil {
		return registry.TransferRequest{ParcelID: parcelID}, nil
	}
	return *state.Request, nil
}

func (h *Handler) approveTransfer(w http.ResponseWriter, r *http.Request) {
	actor := h.actor(r)
	req, err := h.pendingRequest(r, actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.workflow.Approve(r.Context(), actor, req)
	h.respondResolution(w, r, res, err)
}

type rejectBody struct {
	Reason string `json:"reason" validate:"required,max=1000"`
}

func (h *Handler) rejectTransfer(w http.ResponseWriter, r *http.Request) {
	var body rejectBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	body.Reason = strings.TrimSpace(body.Reason)
	if err := h.validate.Struct(body); err != nil {
		h.fail(w, r, transfer.ValidationError(err))
		return
	}
	actor := h.actor(r)
	req, err := h.pendingRequest(r, actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.workflow.Reject(r.Context(), actor, req, body.Reason)
	h.respondResolution(w, r, res, err)
}

type resolutionView struct {
	TxID    string                     `json:"tx_id"`
	Parcel  *registry.Parcel           `json:"parcel,omitempty"`
	Pending []registry.TransferRequest `json:"pending"`
	Warning string                     `json:"warning,omitempty"`
}

// respondResolution reports a decision. A decision whose refresh failed still answers 200
// with the transaction id and a warning.
func (h *Handler) respondResolution(w http.ResponseWriter, r *http.Request, res transfer.Resolution, err error) {
	if err != nil && res.TxID == "" {
		h.fail(w, r, err)
		return
	}
	view := resolutionView{TxID: res.TxID, Pending: nonNil(res.Pending)}
	if res.Parcel.ID != "" {
		parcel := res.Parcel
		view.Parcel = &parcel
	}
	if err != nil {
		h.logger.Warn("decision applied but refresh failed", slog.String("tx_id", res.TxID), slog.Any("error", err))
		view.Warning = err.Error()
	}
	httpx.JSON(w, http.StatusOK, view)
}

func (h *Handler) approvalLog(w http.ResponseWriter, r *http.Request) {
	if h.recorder == nil {
		httpx.Problem(w, http.StatusNotFound, "Not Found", "approval log is not enabled")
		return
	}
	logs, err := h.recorder.List(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, nonNil(logs))
}

func (h *Handler) pendingTransfers(w http.ResponseWriter, r *http.Request) {
	reqs, err := RegistryFromContext(r.Context()).GetPendingTransfers(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, nonNil(reqs))
}

func (h *Handler) transferRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := RegistryFromContext(r.Context()).GetTransferRequests(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, nonNil(reqs))
}

func (h *Handler) ownProfile(w http.ResponseWriter, r *http.Request) {
	sess, _ := session.FromContext(r.Context())
	h.profileOf(w, r, sess.Principal)
}

func (h *Handler) userProfile(w http.ResponseWriter, r *http.Request) {
	p, err := identity.Parse(chi.URLParam(r, "principal"))
	if err != nil {
		h.fail(w, r, registry.ValidationFailed("principal: %v", err))
		return
	}
	h.profileOf(w, r, p)
}

func (h *Handler) profileOf(w http.ResponseWriter, r *http.Request, p identity.Principal) {
	profile, err := RegistryFromContext(r.Context()).GetUserProfile(r.Context(), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, profile)
}

type profileBody struct {
	Name        string `json:"name" validate:"required,max=200"`
	ContactInfo string `json:"contact_info" validate:"max=200"`
}

func (h *Handler) decodeProfile(r *http.Request) (registry.UserProfile, error) {
	var body profileBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		return registry.UserProfile{}, err
	}
	body.Name = strings.TrimSpace(body.Name)
	if err := h.validate.Struct(body); err != nil {
		return registry.UserProfile{}, transfer.ValidationError(err)
	}
	sess, _ := session.FromContext(r.Context())
	return registry.UserProfile{Principal: sess.Principal, Name: body.Name, ContactInfo: body.ContactInfo}, nil
}

func (h *Handler) createProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.decodeProfile(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondResult(w, r, http.StatusCreated)(RegistryFromContext(r.Context()).CreateUserProfile(r.Context(), profile))
}

func (h *Handler) updateProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := h.decodeProfile(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.respondResult(w, r, http.StatusOK)(RegistryFromContext(r.Context()).UpdateUserProfile(r.Context(), profile))
}

func (h *Handler) userRoles(w http.ResponseWriter, r *http.Request) {
	p, err := identity.Parse(chi.URLParam(r, "principal"))
	if err != nil {
		h.fail(w, r, registry.ValidationFailed("principal: %v", err))
		return
	}
	set, err := RegistryFromContext(r.Context()).GetUserRoles(r.Context(), p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]roles.Set{"roles": set})
}

type assignRoleBody struct {
	Role string `json:"role" validate:"required"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	p, err := identity.Parse(chi.URLParam(r, "principal"))
	if err != nil {
		h.fail(w, r, registry.ValidationFailed("principal: %v", err))
		return
	}
	var body assignRoleBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.validate.Struct(body); err != nil {
		h.fail(w, r, transfer.ValidationError(err))
		return
	}
	role, err := roles.Parse(body.Role)
	if err != nil {
		h.fail(w, r, registry.ValidationFailed("%v", err))
		return
	}
	h.respondResult(w, r, http.StatusOK)(RegistryFromContext(r.Context()).AssignRole(r.Context(), p, role))
}

// respondResult writes an update outcome: the id on success, the business error as a
// problem otherwise.
func (h *Handler) respondResult(w http.ResponseWriter, r *http.Request, okStatus int) func(registry.Result, error) {
	return func(res registry.Result, err error) {
		if err == nil {
			err = res.AsError()
		}
		if err != nil {
			h.fail(w, r, err)
			return
		}
		httpx.JSON(w, okStatus, map[string]string{"id": res.ID})
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, _ := httpx.Classify(err)
	attrs := []any{slog.String("path", r.URL.Path), slog.Int("status", status), slog.Any("error", err)}
	switch {
	case status >= http.StatusInternalServerError:
		h.logger.Error("request failed", attrs...)
	case errors.Is(err, registry.ErrUnauthorized):
		h.logger.Info("request denied", attrs...)
	default:
		h.logger.Debug("request rejected", attrs...)
	}
	httpx.RespondError(w, err)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
