// Package transfer drives a parcel's ownership change from owner request to registrar
// decision. Every step is gated locally before the registry re-checks it.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/landledger/landledger/internal/authz"
	"github.com/landledger/landledger/internal/events"
	"github.com/landledger/landledger/internal/identity"
	"github.com/landledger/landledger/internal/registry"
	"github.com/landledger/landledger/internal/session"
)

// Registry is the slice of the registry client the workflow calls. *registry.Client
// satisfies it.
type Registry interface {
	GetParcel(ctx context.Context, id string) (registry.Parcel, error)
	GetPendingTransfer(ctx context.Context, parcelID string) (registry.PendingStatus, error)
	GetPendingTransfers(ctx context.Context) ([]registry.TransferRequest, error)
	TransferOwnership(ctx context.Context, req registry.TransferRequest) (registry.Result, error)
	ApproveTransfer(ctx context.Context, parcelID string, newOwner identity.Principal) (registry.Result, error)
	RejectTransfer(ctx context.Context, parcelID, reason string) (registry.Result, error)
}

// Actor is who is acting and the registry client bound to them.
type Actor struct {
	Session  session.Session
	Registry Registry
}

// Phase is the per-parcel workflow position.
type Phase int

const (
	NoPendingTransfer Phase = iota
	PendingTransfer
)

func (p Phase) String() string {
	if p == PendingTransfer {
		return "pending_transfer"
	}
	return "no_pending_transfer"
}

// State is a parcel's workflow position. Request is the open request when the caller is
// allowed to see it; a pending phase with a nil Request means someone else's request.
type State struct {
	Phase   Phase
	Request *registry.TransferRequest
}

// InitiateInput is what an owner supplies to start a transfer.
type InitiateInput struct {
	NewOwner  identity.Principal `json:"new_owner" validate:"required,principal"`
	Fee       int64              `json:"fee" validate:"gte=0"`
	Reason    string             `json:"reason" validate:"required,max=1000"`
	Documents []string           `json:"documents" validate:"omitempty,dive,required"`
}

// Resolution is the outcome of an approval or rejection with the refreshed views the
// caller should display.
type Resolution struct {
	TxID    string
	Parcel  registry.Parcel
	Pending []registry.TransferRequest
}

// Option customises a Workflow.
type Option func(*Workflow)

// WithRecorder records every decision in the approval log.
func WithRecorder(r *ApprovalRecorder) Option {
	return func(w *Workflow) {
		w.recorder = r
	}
}

// WithPublisher emits lifecycle events.
func WithPublisher(p events.Publisher) Option {
	return func(w *Workflow) {
		if p != nil {
			w.publisher = p
		}
	}
}

// WithLogger sets the workflow logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Workflow) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) {
		if now != nil {
			w.now = now
		}
	}
}

// Workflow holds no per-caller state; the acting session travels with each call.
type Workflow struct {
	validate  *validator.Validate
	recorder  *ApprovalRecorder
	publisher events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// New builds a Workflow.
func New(opts ...Option) *Workflow {
	w := &Workflow{
		validate:  NewValidator(),
		publisher: events.Discard,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Initiate asks the registry to move parcel to in.NewOwner. Only the current owner may
// initiate; a non-owner is refused before any remote call.
func (w *Workflow) Initiate(ctx context.Context, actor Actor, parcel registry.Parcel, in InitiateInput) (registry.TransferRequest, error) {
	if !authz.AuthorizeOwner(actor.Session, parcel.Owner) {
		return registry.TransferRequest{}, registry.Unauthorized("only the owner of parcel %s may transfer it", parcel.ID)
	}
	in.Reason = strings.TrimSpace(in.Reason)
	if err := w.validate.Struct(in); err != nil {
		return registry.TransferRequest{}, ValidationError(err)
	}
	if in.NewOwner == parcel.Owner {
		return registry.TransferRequest{}, registry.ValidationFailed("new_owner must differ from the current owner")
	}
	switch parcel.Status {
	case registry.ParcelRevoked:
		return registry.TransferRequest{}, registry.InvalidState("parcel %s is revoked", parcel.ID)
	case registry.ParcelPending:
		return registry.TransferRequest{}, registry.InvalidState("parcel %s is not registered yet", parcel.ID)
	}

	if actor.Registry == nil {
		return registry.TransferRequest{}, registry.ErrNotInitialized
	}
	req := registry.TransferRequest{
		ParcelID:  parcel.ID,
		NewOwner:  in.NewOwner,
		Fee:       in.Fee,
		Reason:    in.Reason,
		Documents: append([]string(nil), in.Documents...),
	}
	res, err := actor.Registry.TransferOwnership(ctx, req)
	if err != nil {
		return registry.TransferRequest{}, err
	}
	if !res.OK() {
		return registry.TransferRequest{}, res.Err
	}

	now := w.now()
	req.RequestedBy = actor.Session.Principal
	req.CreatedAt = now
	req.Status = registry.TransferPending

	w.record(ctx, ApprovalLog{ParcelID: parcel.ID, Actor: req.RequestedBy, NewOwner: req.NewOwner, Action: ApprovalSubmit, Note: req.Reason, At: now})
	event := events.New(events.TransferInitiated, parcel.ID, now)
	event.Actor, event.Owner, event.NewOwner = req.RequestedBy, parcel.Owner, req.NewOwner
	event.Fee, event.Reason = req.Fee, req.Reason
	w.publish(ctx, event)
	return req, nil
}

// Approve moves ownership to req.NewOwner. A request someone else already resolved comes
// back as InvalidState and must not be retried.
func (w *Workflow) Approve(ctx context.Context, actor Actor, req registry.TransferRequest) (Resolution, error) {
	if !authz.Authorize(actor.Session, authz.Approvers) {
		return Resolution{}, registry.Unauthorized("approving transfers requires Admin or LandRegistrar")
	}
	if actor.Registry == nil {
		return Resolution{}, registry.ErrNotInitialized
	}
	res, err := actor.Registry.ApproveTransfer(ctx, req.ParcelID, req.NewOwner)
	if err != nil {
		return Resolution{}, err
	}
	if !res.OK() {
		return Resolution{}, res.Err
	}

	now := w.now()
	w.record(ctx, ApprovalLog{ParcelID: req.ParcelID, Actor: actor.Session.Principal, NewOwner: req.NewOwner, Action: ApprovalApprove, TxID: res.ID, At: now})
	event := events.New(events.TransferApproved, req.ParcelID, now)
	event.Actor, event.Owner, event.NewOwner = actor.Session.Principal, req.RequestedBy, req.NewOwner
	event.Fee, event.TxID = req.Fee, res.ID
	w.publish(ctx, event)

	return w.refresh(ctx, actor.Registry, req.ParcelID, res.ID)
}

// Reject closes req without changing ownership. reason is kept on the request and in the
// approval log.
func (w *Workflow) Reject(ctx context.Context, actor Actor, req registry.TransferRequest, reason string) (Resolution, error) {
	if !authz.Authorize(actor.Session, authz.Approvers) {
		return Resolution{}, registry.Unauthorized("rejecting transfers requires Admin or LandRegistrar")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return Resolution{}, registry.ValidationFailed("reason is required")
	}
	if actor.Registry == nil {
		return Resolution{}, registry.ErrNotInitialized
	}
	res, err := actor.Registry.RejectTransfer(ctx, req.ParcelID, reason)
	if err != nil {
		return Resolution{}, err
	}
	if !res.OK() {
		return Resolution{}, res.Err
	}

	now := w.now()
	w.record(ctx, ApprovalLog{ParcelID: req.ParcelID, Actor: actor.Session.Principal, NewOwner: req.NewOwner, Action: ApprovalReject, Note: reason, At: now})
	event := events.New(events.TransferRejected, req.ParcelID, now)
	event.Actor, event.Owner, event.NewOwner = actor.Session.Principal, req.RequestedBy, req.NewOwner
	event.Note = reason
	w.publish(ctx, event)

	return w.refresh(ctx, actor.Registry, req.ParcelID, res.ID)
}

// StateOf reports whether parcelID has an open transfer request. The phase is the same for
// every caller.
func (w *Workflow) StateOf(ctx context.Context, reg Registry, parcelID string) (State, error) {
	if reg == nil {
		return State{}, registry.ErrNotInitialized
	}
	status, err := reg.GetPendingTransfer(ctx, parcelID)
	if err != nil {
		return State{}, err
	}
	if !status.Pending {
		return State{Phase: NoPendingTransfer}, nil
	}
	return State{Phase: PendingTransfer, Request: status.Request}, nil
}

// refresh reloads the affected parcel and the pending list. The decision already
// happened, so a refresh failure still returns the transaction id.
func (w *Workflow) refresh(ctx context.Context, reg Registry, parcelID, txID string) (Resolution, error) {
	out := Resolution{TxID: txID}
	parcel, err := reg.GetParcel(ctx, parcelID)
	if err != nil {
		return out, fmt.Errorf("transfer: refresh parcel %s: %w", parcelID, err)
	}
	out.Parcel = parcel
	pending, err := reg.GetPendingTransfers(ctx)
	if err != nil {
		return out, fmt.Errorf("transfer: refresh pending transfers: %w", err)
	}
	out.Pending = pending
	return out, nil
}

func (w *Workflow) record(ctx context.Context, log ApprovalLog) {
	if w.recorder == nil {
		return
	}
	if err := w.recorder.Record(ctx, log); err != nil {
		w.logger.Warn("approval log write failed", slog.String("parcel_id", log.ParcelID), slog.String("action", string(log.Action)), slog.Any("error", err))
	}
}

func (w *Workflow) publish(ctx context.Context, event events.Event) {
	if err := w.publisher.Publish(ctx, event); err != nil {
		w.logger.Warn("transfer event publish failed", slog.String("parcel_id", event.ParcelID), slog.String("kind", string(event.Kind)), slog.Any("error", err))
	}
}
