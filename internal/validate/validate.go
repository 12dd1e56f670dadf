// Package validate wraps go-playground/validator for request structs.
package validate

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ariefcatur/go-pos-reconciler/internal/sales"
)

type ErrorResponse struct {
	FailedField string `json:"failed_field"`
	Tag         string `json:"tag"`
	Value       string `json:"value,omitempty"`
}

var validate = validator.New()

func init() {
	// uuid_required: string or uuid.UUID field holding a non-nil UUID
	_ = validate.RegisterValidation("uuid_required", func(fl validator.FieldLevel) bool {
		switch v := fl.Field().Interface().(type) {
		case uuid.UUID:
			return v != uuid.Nil
		case string:
			id, err := uuid.Parse(v)
			return err == nil && id != uuid.Nil
		}
		return false
	})
}

func ValidateStruct(data any) []*ErrorResponse {
	var errors []*ErrorResponse
	err := validate.Struct(data)
	if err != nil {
		verrs, ok := err.(validator.ValidationErrors)
		if !ok {
			return []*ErrorResponse{{FailedField: "", Tag: "invalid", Value: err.Error()}}
		}
		for _, err := range verrs {
			errors = append(errors, &ErrorResponse{
				FailedField: err.StructNamespace(),
				Tag:         err.Tag(),
				Value:       err.Param(),
			})
		}
	}
	return errors
}

// Check runs ValidateStruct and folds the result into a ValidationError.
func Check(data any) error {
	errs := ValidateStruct(data)
	if len(errs) == 0 {
		return nil
	}
	fields := make([]string, 0, len(errs))
	reasons := make([]string, 0, len(errs))
	for _, e := range errs {
		fields = append(fields, e.FailedField)
		r := e.FailedField + " failed " + e.Tag
		if e.Value != "" {
			r += fmt.Sprintf("=%s", e.Value)
		}
		reasons = append(reasons, r)
	}
	return &sales.ValidationError{Field: strings.Join(fields, ","), Reason: strings.Join(reasons, "; ")}
}
