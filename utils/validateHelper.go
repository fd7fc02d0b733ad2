package utils

import (
	"github.com/go-playground/validator/v10"
)

// ProcessValidationErrors flattens gin binding errors into a field -> rule map
// suitable for a 400 response body.
func ProcessValidationErrors(err error) map[string]string {
	errorResponse := make(map[string]string)

	validationErrors, ok := err.(validator.ValidationErrors)
	if !ok {
		errorResponse["request"] = err.Error()
		return errorResponse
	}

	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}

	return errorResponse
}
