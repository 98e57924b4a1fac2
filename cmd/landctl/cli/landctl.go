// Package cli implements the landctl commands. Each command takes an options struct and
// returns a process exit code.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/landledger/landledger/internal/authz"
	"github.com/landledger/landledger/internal/identity"
	"github.com/landledger/landledger/internal/registry"
	"github.com/landledger/landledger/internal/session"
	"github.com/landledger/landledger/internal/transfer"
)

// Exit codes shared by every command.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitUsage    = 2
	ExitDenied   = 3
	ExitConflict = 4
)

// Sessions is the part of the session manager the commands use.
type Sessions interface {
	Initialize(ctx context.Context) error
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	CurrentSession() session.Session
	Registry() *registry.Client
}

// LandCLI runs parcel and transfer commands as the logged-in principal.
type LandCLI struct {
	sessions Sessions
	workflow *transfer.Workflow
}

// NewLandCLI wires the commands to a session manager.
func NewLandCLI(sessions Sessions, workflow *transfer.Workflow) (*LandCLI, error) {
	if sessions == nil {
		return nil, errors.New("landctl: session manager required")
	}
	if workflow == nil {
		workflow = transfer.New()
	}
	return &LandCLI{sessions: sessions, workflow: workflow}, nil
}

// Output selects where and how a command prints.
type Output struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

func (o Output) withDefaults() Output {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
	return o
}

// actor initialises the session and returns the caller bound to its registry client.
func (c *LandCLI) actor(ctx context.Context) (transfer.Actor, error) {
	if err := c.sessions.Initialize(ctx); err != nil {
		return transfer.Actor{}, err
	}
	actor := transfer.Actor{Session: c.sessions.CurrentSession()}
	if client := c.sessions.Registry(); client != nil {
		actor.Registry = client
	}
	return actor, nil
}

// fail prints err and maps it to an exit code.
func fail(out Output, command string, err error) int {
	_, _ = fmt.Fprintf(out.Stderr, "%s: %v\n", command, err)
	switch {
	case errors.Is(err, registry.ErrUnauthorized), errors.Is(err, session.ErrNotAuthenticated):
		return ExitDenied
	case errors.Is(err, registry.ErrInvalidState):
		return ExitConflict
	case errors.Is(err, registry.ErrValidationFailed):
		return ExitUsage
	default:
		return ExitFailure
	}
}

func emit(out Output, command string, v any, human func(io.Writer)) int {
	if out.JSONOutput {
		if err := json.NewEncoder(out.Stdout).Encode(v); err != nil {
			_, _ = fmt.Fprintf(out.Stderr, "%s: encode json: %v\n", command, err)
			return ExitFailure
		}
		return ExitOK
	}
	human(out.Stdout)
	return ExitOK
}

// WhoAmISummary describes the JSON output of whoami and login.
type WhoAmISummary struct {
	Authenticated bool     `json:"authenticated"`
	Principal     string   `json:"principal,omitempty"`
	Roles         []string `json:"roles"`
	RolesResolved bool     `json:"roles_resolved"`
	CanApprove    bool     `json:"can_approve"`
}

func summarize(s session.Session) WhoAmISummary {
	summary := WhoAmISummary{
		Authenticated: s.Authenticated(),
		Roles:         []string{},
		RolesResolved: s.Resolution.IsResolved(),
		CanApprove:    authz.Authorize(s, authz.Approvers),
	}
	if summary.Authenticated {
		summary.Principal = s.Principal.String()
		for _, r := range s.Roles.Roles() {
			summary.Roles = append(summary.Roles, string(r))
		}
	}
	return summary
}

func renderWhoAmI(w io.Writer, s WhoAmISummary) {
	if !s.Authenticated {
		_, _ = fmt.Fprintln(w, "Not logged in.")
		return
	}
	_, _ = fmt.Fprintf(w, "Principal: %s\n", s.Principal)
	_, _ = fmt.Fprintf(w, "Roles:     %s\n", strings.Join(s.Roles, ", "))
	if !s.RolesResolved {
		_, _ = fmt.Fprintln(w, "Warning: roles could not be resolved; acting as User.")
	}
}

// LoginCommand runs the provider flow and prints the resulting session.
func (c *LandCLI) LoginCommand(ctx context.Context, out Output) int {
	out = out.withDefaults()
	if err := c.sessions.Login(ctx); err != nil {
		return fail(out, "login", err)
	}
	summary := summarize(c.sessions.CurrentSession())
	return emit(out, "login", summary, func(w io.Writer) { renderWhoAmI(w, summary) })
}

// LogoutCommand clears the persisted session.
func (c *LandCLI) LogoutCommand(ctx context.Context, out Output) int {
	out = out.withDefaults()
	if err := c.sessions.Logout(ctx); err != nil {
		return fail(out, "logout", err)
	}
	_, _ = fmt.Fprintln(out.Stderr, "Logged out.")
	return ExitOK
}

// WhoAmICommand prints the restored session.
func (c *LandCLI) WhoAmICommand(ctx context.Context, out Output) int {
	out = out.withDefaults()
	if err := c.sessions.Initialize(ctx); err != nil {
		return fail(out, "whoami", err)
	}
	summary := summarize(c.sessions.CurrentSession())
	return emit(out, "whoami", summary, func(w io.Writer) { renderWhoAmI(w, summary) })
}

// ParcelsCommand lists the caller's parcels.
func (c *LandCLI) ParcelsCommand(ctx context.Context, out Output) int {
	out = out.withDefaults()
	actor, err := c.actor(ctx)
	if err != nil {
		return fail(out, "parcels", err)
	}
	if !actor.Session.Authenticated() {
		return fail(out, "parcels", session.ErrNotAuthenticated)
	}
	parcels, err := c.sessions.Registry().GetParcelsByOwner(ctx, actor.Session.Principal)
	if err != nil {
		return fail(out, "parcels", err)
	}
	if parcels == nil {
		parcels = []registry.Parcel{}
	}
	return emit(out, "parcels", parcels, func(w io.Writer) {
		if len(parcels) == 0 {
			_, _ = fmt.Fprintln(w, "No parcels.")
			return
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "ID\tSTATUS\tSIZE (m²)\tLOCATION")
		for _, p := range parcels {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\n", p.ID, p.Status, p.Metadata.SizeSqMeters, p.Metadata.Location)
		}
		_ = tw.Flush()
	})
}

// InitiateOptions defines the flags of the initiate command.
type InitiateOptions struct {
	Output
	ParcelID  string
	NewOwner  string
	Fee       int64
	Reason    string
	Documents []string
}

// InitiateCommand submits a transfer request for a parcel the caller owns.
func (c *LandCLI) InitiateCommand(ctx context.Context, opts InitiateOptions) int {
	out := opts.Output.withDefaults()
	if strings.TrimSpace(opts.ParcelID) == "" {
		_, _ = fmt.Fprintln(out.Stderr, "initiate: --parcel is required")
		return ExitUsage
	}
	newOwner, err := identity.Parse(opts.NewOwner)
	if err != nil {
		_, _ = fmt.Fprintf(out.Stderr, "initiate: invalid --to principal %q: %v\n", opts.NewOwner, err)
		return ExitUsage
	}
	actor, err := c.actor(ctx)
	if err != nil {
		return fail(out, "initiate", err)
	}
	if actor.Registry == nil {
		return fail(out, "initiate", registry.ErrNotInitialized)
	}
	parcel, err := actor.Registry.GetParcel(ctx, opts.ParcelID)
	if err != nil {
		return fail(out, "initiate", err)
	}
	req, err := c.workflow.Initiate(ctx, actor, parcel, transfer.InitiateInput{
		NewOwner:  newOwner,
		Fee:       opts.Fee,
		Reason:    opts.Reason,
		Documents: opts.Documents,
	})
	if err != nil {
		return fail(out, "initiate", err)
	}
	return emit(out, "initiate", req, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "Transfer of %s to %s submitted for approval.\n", req.ParcelID, req.NewOwner)
	})
}

// PendingCommand lists open transfer requests visible to the caller.
func (c *LandCLI) PendingCommand(ctx context.Context, out Output) int {
	out = out.withDefaults()
	if _, err := c.actor(ctx); err != nil {
		return fail(out, "pending", err)
	}
	pending, err := c.sessions.Registry().GetPendingTransfers(ctx)
	if err != nil {
		return fail(out, "pending", err)
	}
	if pending == nil {
		pending = []registry.TransferRequest{}
	}
	return emit(out, "pending", pending, func(w io.Writer) {
		renderRequests(w, pending)
	})
}

func renderRequests(w io.Writer, reqs []registry.TransferRequest) {
	if len(reqs) == 0 {
		_, _ = fmt.Fprintln(w, "No pending transfers.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PARCEL\tFROM\tTO\tFEE\tREQUESTED")
	for _, r := range reqs {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.ParcelID, r.RequestedBy, r.NewOwner, r.Fee, r.CreatedAt.Format("2006-01-02 15:04"))
	}
	_ = tw.Flush()
}

// DecisionOptions defines the flags of approve and reject.
type DecisionOptions struct {
	Output
	ParcelID string
	Reason   string
}

// DecisionSummary describes the JSON output of approve and reject.
type DecisionSummary struct {
	TxID    string                     `json:"tx_id"`
	Parcel  *registry.Parcel           `json:"parcel,omitempty"`
	Pending []registry.TransferRequest `json:"pending"`
	Warning string                     `json:"warning,omitempty"`
}

// ApproveCommand approves the open transfer request for a parcel.
func (c *LandCLI) ApproveCommand(ctx context.Context, opts DecisionOptions) int {
	return c.decide(ctx, "approve", opts, func(actor transfer.Actor, req registry.TransferRequest) (transfer.Resolution, error) {
		return c.workflow.Approve(ctx, actor, req)
	})
}

// RejectCommand rejects the open transfer request for a parcel.
func (c *LandCLI) RejectCommand(ctx context.Context, opts DecisionOptions) int {
	if strings.TrimSpace(opts.Reason) == "" {
		out := opts.Output.withDefaults()
		_, _ = fmt.Fprintln(out.Stderr, "reject: --reason is required")
		return ExitUsage
	}
	return c.decide(ctx, "reject", opts, func(actor transfer.Actor, req registry.TransferRequest) (transfer.Resolution, error) {
		return c.workflow.Reject(ctx, actor, req, opts.Reason)
	})
}

func (c *LandCLI) decide(ctx context.Context, command string, opts DecisionOptions, apply func(transfer.Actor, registry.TransferRequest) (transfer.Resolution, error)) int {
	out := opts.Output.withDefaults()
	if strings.TrimSpace(opts.ParcelID) == "" {
		_, _ = fmt.Fprintf(out.Stderr, "%s: --parcel is required\n", command)
		return ExitUsage
	}
	actor, err := c.actor(ctx)
	if err != nil {
		return fail(out, command, err)
	}
	state, err := c.workflow.StateOf(ctx, actor.Registry, opts.ParcelID)
	if err != nil {
		return fail(out, command, err)
	}
	req := registry.TransferRequest{ParcelID: opts.ParcelID}
	if state.Request != nil {
		req = *state.Request
	}
	res, err := apply(actor, req)
	if err != nil && res.TxID == "" {
		return fail(out, command, err)
	}
	summary := DecisionSummary{TxID: res.TxID, Pending: res.Pending}
	if summary.Pending == nil {
		summary.Pending = []registry.TransferRequest{}
	}
	if res.Parcel.ID != "" {
		parcel := res.Parcel
		summary.Parcel = &parcel
	}
	if err != nil {
		summary.Warning = err.Error()
		_, _ = fmt.Fprintf(out.Stderr, "%s: applied as %s but refresh failed: %v\n", command, res.TxID, err)
	}
	return emit(out, command, summary, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "Transaction %s recorded.\n", summary.TxID)
		if summary.Parcel != nil {
			_, _ = fmt.Fprintf(w, "Parcel %s is owned by %s.\n", summary.Parcel.ID, summary.Parcel.Owner)
		}
		if summary.Warning == "" {
			renderRequests(w, summary.Pending)
		}
	})
}
