package apiutil

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	problems "github.com/Aidin1998/bidengine/common/errors"
)

// NewValidator returns a validator that reports json field names.
func NewValidator() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{validator: v}
}

type Validator struct {
	validator *validator.Validate
}

// Validate checks i and returns problem details listing every failed field.
func (v *Validator) Validate(i interface{}, instance string) *problems.ProblemDetails {
	err := v.validator.Struct(i)
	if err == nil {
		return nil
	}
	pd := problems.NewValidationError("validation error", instance)
	var fieldsError validator.ValidationErrors
	if errors.As(err, &fieldsError) {
		for _, fieldErr := range fieldsError {
			pd.AddValidationError(fieldErr.Field(), fieldMessage(fieldErr), fieldErr.Tag())
		}
		return pd
	}
	pd.Detail = err.Error()
	return pd
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gtfield":
		return "must be after " + fe.Param()
	case "oneof":
		return "must be one of " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	}
	return "failed " + fe.Tag()
}
