package registry

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/landledger/landledger/internal/bootstrap"
	"github.com/landledger/landledger/internal/identity"
	"github.com/landledger/landledger/internal/roles"
)

// Backend is the authoritative registry. Implementations read the caller with
// CallerFromContext and enforce every rule themselves.
type Backend interface {
	GetParcel(ctx context.Context, id string) (Parcel, error)
	GetParcelsByOwner(ctx context.Context, owner identity.Principal) ([]Parcel, error)
	GetAllParcels(ctx context.Context) ([]Parcel, error)
	SearchParcels(ctx context.Context, filters SearchFilters) ([]Parcel, error)
	VerifyOwnership(ctx context.Context, parcelID string, owner identity.Principal) (bool, error)
	GetUserRoles(ctx context.Context, p identity.Principal) (roles.Set, error)
	GetUserProfile(ctx context.Context, p identity.Principal) (UserProfile, error)
	GetPendingTransfer(ctx context.Context, parcelID string) (PendingStatus, error)
	GetPendingTransfers(ctx context.Context) ([]TransferRequest, error)
	GetTransferRequests(ctx context.Context) ([]TransferRequest, error)

	RegisterParcel(ctx context.Context, reg ParcelRegistration) (string, error)
	UpdateParcel(ctx context.Context, id string, patch ParcelPatch) (string, error)
	ApproveRegistration(ctx context.Context, id string) (string, error)
	TransferOwnership(ctx context.Context, req TransferRequest) (string, error)
	ApproveTransfer(ctx context.Context, parcelID string, newOwner identity.Principal) (string, error)
	RejectTransfer(ctx context.Context, parcelID, reason string) (string, error)
	AssignRole(ctx context.Context, p identity.Principal, role roles.Role) error
	CreateUserProfile(ctx context.Context, profile UserProfile) (string, error)
	UpdateUserProfile(ctx context.Context, profile UserProfile) (string, error)
}

type callerKey struct{}

// WithCaller returns ctx carrying the authenticated caller.
func WithCaller(ctx context.Context, p identity.Principal) context.Context {
	return context.WithValue(ctx, callerKey{}, p)
}

// CallerFromContext returns the caller, identity.Anonymous when none was attached.
func CallerFromContext(ctx context.Context) identity.Principal {
	if p, ok := ctx.Value(callerKey{}).(identity.Principal); ok && !p.IsZero() {
		return p
	}
	return identity.Anonymous
}

// ServerOptions configures NewServer.
type ServerOptions struct {
	// Verifier checks bearer delegations. Nil trusts the principal header, which is only
	// acceptable for in-process development registries.
	Verifier *identity.Verifier
	// UpdateRate limits updates per caller. Zero disables limiting.
	UpdateRate  rate.Limit
	UpdateBurst int
	Logger      *slog.Logger
}

// NewServer builds a gRPC server exposing backend.
func NewServer(backend Backend, opts ServerOptions, grpcOpts ...grpc.ServerOption) *grpc.Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	interceptors := []grpc.UnaryServerInterceptor{callerInterceptor(opts.Verifier, opts.Logger)}
	if opts.UpdateRate > 0 {
		interceptors = append(interceptors, newUpdateLimiter(opts.UpdateRate, opts.UpdateBurst).intercept)
	}
	grpcOpts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(interceptors...)}, grpcOpts...)
	srv := grpc.NewServer(grpcOpts...)
	RegisterServer(srv, backend)
	return srv
}

// RegisterServer registers backend on s.
func RegisterServer(s grpc.ServiceRegistrar, backend Backend) {
	s.RegisterService(&serviceDesc, backend)
}

func callerInterceptor(verifier *identity.Verifier, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		caller, err := authenticate(ctx, verifier)
		if err != nil {
			logger.Debug("reject registry call", slog.String("method", info.FullMethod), slog.Any("error", err))
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		return handler(WithCaller(ctx, caller), req)
	}
}

func authenticate(ctx context.Context, verifier *identity.Verifier) (identity.Principal, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	claimed := firstValue(md, bootstrap.MetadataPrincipal)
	bearer := strings.TrimSpace(strings.TrimPrefix(firstValue(md, bootstrap.MetadataAuthorization), "Bearer "))

	if verifier == nil {
		if claimed == "" {
			return identity.Anonymous, nil
		}
		return identity.Parse(claimed)
	}
	if bearer == "" {
		if claimed != "" {
			return identity.Principal{}, errors.New("principal claimed without delegation")
		}
		return identity.Anonymous, nil
	}
	id, err := verifier.Verify(bearer)
	if err != nil {
		return identity.Principal{}, err
	}
	if claimed != "" && claimed != id.Principal.String() {
		return identity.Principal{}, errors.New("delegation does not match claimed principal")
	}
	return id.Principal, nil
}

func firstValue(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}

type updateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[identity.Principal]*rate.Limiter
}

func newUpdateLimiter(limit rate.Limit, burst int) *updateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &updateLimiter{limit: limit, burst: burst, limiters: make(map[identity.Principal]*rate.Limiter)}
}

func (l *updateLimiter) allow(p identity.Principal) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[p]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[p] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

func (l *updateLimiter) intercept(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	name := info.FullMethod[strings.LastIndex(info.FullMethod, "/")+1:]
	if IsUpdate(name) && !l.allow(CallerFromContext(ctx)) {
		return nil, status.Error(codes.ResourceExhausted, "update rate exceeded")
	}
	return handler(ctx, req)
}

func unary[Req any](name string, call func(context.Context, Backend, *Req) (any, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			backend := srv.(Backend)
			if interceptor == nil {
				return call(ctx, backend, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(ctx, backend, req.(*Req))
			})
		},
	}
}

func query(v any, err error) (any, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	return v, nil
}

func result(id string, err error) (any, error) {
	if err == nil {
		return &resultResponse{OK: id}, nil
	}
	if be, ok := AsBusiness(err); ok {
		return &resultResponse{Err: be}, nil
	}
	return nil, toStatus(err)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Backend)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetParcel, func(ctx context.Context, b Backend, in *parcelIDRequest) (any, error) {
			parcel, err := b.GetParcel(ctx, in.ParcelID)
			return query(&parcel, err)
		}),
		unary(MethodGetParcelsByOwner, func(ctx context.Context, b Backend, in *principalRequest) (any, error) {
			parcels, err := b.GetParcelsByOwner(ctx, in.Principal)
			return query(&parcelsResponse{Parcels: parcels}, err)
		}),
		unary(MethodGetAllParcels, func(ctx context.Context, b Backend, _ *emptyRequest) (any, error) {
			parcels, err := b.GetAllParcels(ctx)
			return query(&parcelsResponse{Parcels: parcels}, err)
		}),
		unary(MethodSearchParcels, func(ctx context.Context, b Backend, in *SearchFilters) (any, error) {
			parcels, err := b.SearchParcels(ctx, *in)
			return query(&parcelsResponse{Parcels: parcels}, err)
		}),
		unary(MethodVerifyOwnership, func(ctx context.Context, b Backend, in *verifyOwnershipRequest) (any, error) {
			ok, err := b.VerifyOwnership(ctx, in.ParcelID, in.Owner)
			return query(&boolResponse{Value: ok}, err)
		}),
		unary(MethodGetUserRoles, func(ctx context.Context, b Backend, in *principalRequest) (any, error) {
			set, err := b.GetUserRoles(ctx, in.Principal)
			return query(&rolesResponse{Roles: set}, err)
		}),
		unary(MethodGetUserProfile, func(ctx context.Context, b Backend, in *principalRequest) (any, error) {
			profile, err := b.GetUserProfile(ctx, in.Principal)
			return query(&profile, err)
		}),
		unary(MethodGetPendingTransfer, func(ctx context.Context, b Backend, in *parcelIDRequest) (any, error) {
			pending, err := b.GetPendingTransfer(ctx, in.ParcelID)
			return query(&pending, err)
		}),
		unary(MethodGetPendingTransfers, func(ctx context.Context, b Backend, _ *emptyRequest) (any, error) {
			requests, err := b.GetPendingTransfers(ctx)
			return query(&transfersResponse{Requests: requests}, err)
		}),
		unary(MethodGetTransferRequests, func(ctx context.Context, b Backend, _ *emptyRequest) (any, error) {
			requests, err := b.GetTransferRequests(ctx)
			return query(&transfersResponse{Requests: requests}, err)
		}),
		unary(MethodRegisterParcel, func(ctx context.Context, b Backend, in *ParcelRegistration) (any, error) {
			return result(b.RegisterParcel(ctx, *in))
		}),
		unary(MethodUpdateParcel, func(ctx context.Context, b Backend, in *updateParcelRequest) (any, error) {
			return result(b.UpdateParcel(ctx, in.ParcelID, in.Patch))
		}),
		unary(MethodApproveRegistration, func(ctx context.Context, b Backend, in *parcelIDRequest) (any, error) {
			return result(b.ApproveRegistration(ctx, in.ParcelID))
		}),
		unary(MethodTransferOwnership, func(ctx context.Context, b Backend, in *TransferRequest) (any, error) {
			return result(b.TransferOwnership(ctx, *in))
		}),
		unary(MethodApproveTransfer, func(ctx context.Context, b Backend, in *approveTransferRequest) (any, error) {
			return result(b.ApproveTransfer(ctx, in.ParcelID, in.NewOwner))
		}),
		unary(MethodRejectTransfer, func(ctx context.Context, b Backend, in *rejectTransferRequest) (any, error) {
			return result(b.RejectTransfer(ctx, in.ParcelID, in.Reason))
		}),
		unary(MethodAssignRole, func(ctx context.Context, b Backend, in *assignRoleRequest) (any, error) {
			return result("", b.AssignRole(ctx, in.Principal, in.Role))
		}),
		unary(MethodCreateUserProfile, func(ctx context.Context, b Backend, in *UserProfile) (any, error) {
			return result(b.CreateUserProfile(ctx, *in))
		}),
		unary(MethodUpdateUserProfile, func(ctx context.Context, b Backend, in *UserProfile) (any, error) {
			return result(b.UpdateUserProfile(ctx, *in))
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "landledger/registry/v1/registry.json",
}
