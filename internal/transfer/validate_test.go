package transfer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/landledger/landledger/internal/identity"
	"github.com/landledger/landledger/internal/registry"
)

func TestNewValidatorChecksPrincipals(t *testing.T) {
	require.NotPanics(t, func() { NewValidator() })

	type target struct {
		Who identity.Principal `json:"who" validate:"required,principal"`
	}
	validate := NewValidator()
	require.NoError(t, validate.Struct(target{Who: buyerB}))

	err := ValidationError(validate.Struct(target{Who: identity.Anonymous}))
	require.ErrorIs(t, err, registry.ErrValidationFailed)
	require.Contains(t, err.Error(), "who must be a valid non-anonymous principal")

	err = ValidationError(validate.Struct(target{}))
	require.ErrorIs(t, err, registry.ErrValidationFailed)
	require.Contains(t, err.Error(), "who is required")
}
