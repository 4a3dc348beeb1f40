package util

import "github.com/go-playground/validator/v10"

// ApplyConversion applies a converter function to each of the models
// provided to this function. The returned value is a slice which
// has been converted to the new values based on the returned value
// from the converter. A nil slice converts to an empty one so that
// list endpoints always render a JSON array.
func ApplyConversion[T any, K any](models []T, converter func(T) K) []K {
	dtos := make([]K, 0, len(models))
	for _, v := range models {
		dtos = append(dtos, converter(v))
	}

	return dtos
}

// RequestValidator adapts a go-playground validator to the
// echo.Validator interface so handlers can call ec.Validate.
type RequestValidator struct {
	validate *validator.Validate
}

func NewRequestValidator(validate *validator.Validate) *RequestValidator {
	return &RequestValidator{validate: validate}
}

func (rv *RequestValidator) Validate(i any) error {
	return rv.validate.Struct(i)
}
