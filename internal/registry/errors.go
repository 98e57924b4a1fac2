package registry

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/landledger/landledger/internal/bootstrap"
)

// ErrorKind classifies expected business failures.
type ErrorKind string

const (
	KindUnauthorized     ErrorKind = "Unauthorized"
	KindNotFound         ErrorKind = "NotFound"
	KindInvalidState     ErrorKind = "InvalidState"
	KindValidationFailed ErrorKind = "ValidationFailed"
)

// BusinessError is an expected failure reported by the registry. It is a value, not a fault.
type BusinessError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *BusinessError) Error() string {
	if e.Message == "" {
		return "registry: " + string(e.Kind)
	}
	return fmt.Sprintf("registry: %s: %s", e.Kind, e.Message)
}

// Is matches any BusinessError of the same kind, so errors.Is(err, ErrNotFound) works
// regardless of message.
func (e *BusinessError) Is(target error) bool {
	var other *BusinessError
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

var (
	ErrUnauthorized     = &BusinessError{Kind: KindUnauthorized}
	ErrNotFound         = &BusinessError{Kind: KindNotFound}
	ErrInvalidState     = &BusinessError{Kind: KindInvalidState}
	ErrValidationFailed = &BusinessError{Kind: KindValidationFailed}

	// ErrNotInitialized is returned by every call made before a client exists.
	ErrNotInitialized = errors.New("registry: client not initialised")
)

// Unauthorized builds an Unauthorized business error.
func Unauthorized(format string, args ...any) *BusinessError {
	return &BusinessError{Kind: KindUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a NotFound business error.
func NotFound(format string, args ...any) *BusinessError {
	return &BusinessError{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// InvalidState builds an InvalidState business error.
func InvalidState(format string, args ...any) *BusinessError {
	return &BusinessError{Kind: KindInvalidState, Message: fmt.Sprintf(format, args...)}
}

// ValidationFailed builds a ValidationFailed business error.
func ValidationFailed(format string, args ...any) *BusinessError {
	return &BusinessError{Kind: KindValidationFailed, Message: fmt.Sprintf(format, args...)}
}

// AsBusiness extracts a BusinessError from err.
func AsBusiness(err error) (*BusinessError, bool) {
	var be *BusinessError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// TransportError is a network or protocol failure. It is always fatal to the call.
type TransportError struct {
	Method string
	Code   codes.Code
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("registry: %s: transport %s: %v", e.Method, e.Code, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

var businessCodes = map[ErrorKind]codes.Code{
	KindUnauthorized:     codes.PermissionDenied,
	KindNotFound:         codes.NotFound,
	KindInvalidState:     codes.FailedPrecondition,
	KindValidationFailed: codes.InvalidArgument,
}

// toStatus converts a backend error for the wire. Business errors keep their kind; anything
// else becomes Internal.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if be, ok := AsBusiness(err); ok {
		return status.Error(businessCodes[be.Kind], be.Message)
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codes.Internal, err.Error())
}

// classify maps an error from a call into the client taxonomy.
func classify(method string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, bootstrap.ErrNotConnected) {
		return ErrNotInitialized
	}
	st, ok := status.FromError(err)
	if !ok {
		return &TransportError{Method: method, Code: codes.Unknown, Err: err}
	}
	switch st.Code() {
	case codes.PermissionDenied, codes.Unauthenticated:
		return &BusinessError{Kind: KindUnauthorized, Message: st.Message()}
	case codes.NotFound:
		return &BusinessError{Kind: KindNotFound, Message: st.Message()}
	case codes.FailedPrecondition:
		return &BusinessError{Kind: KindInvalidState, Message: st.Message()}
	case codes.InvalidArgument:
		return &BusinessError{Kind: KindValidationFailed, Message: st.Message()}
	}
	return &TransportError{Method: method, Code: st.Code(), Err: err}
}
