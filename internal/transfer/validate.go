package transfer

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/landledger/landledger/internal/identity"
	"github.com/landledger/landledger/internal/registry"
)

// NewValidator returns a validator that understands principals: they validate as their
// canonical text, and the "principal" tag rejects malformed and anonymous values. It panics
// if the tag cannot be registered.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if p, ok := field.Interface().(identity.Principal); ok {
			return p.String()
		}
		return nil
	}, identity.Principal{})
	if err := v.RegisterValidation("principal", validPrincipal); err != nil {
		panic(fmt.Sprintf("transfer: register principal validation: %v", err))
	}
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

func validPrincipal(fl validator.FieldLevel) bool {
	text := fl.Field().String()
	if text == "" {
		return true
	}
	p, err := identity.Parse(text)
	return err == nil && !p.IsAnonymous()
}

// ValidationError converts validator output into a ValidationFailed business error.
func ValidationError(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return registry.ValidationFailed("%v", err)
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, describe(fe))
	}
	return registry.ValidationFailed("%s", strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "principal":
		return fe.Field() + " must be a valid non-anonymous principal"
	case "gte":
		return fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
	}
}
