package models

import "github.com/go-playground/validator/v10"

var validate = validator.New()

// ValidateStruct runs tag-based validation on any model struct.
func ValidateStruct(v any) error {
	return validate.Struct(v)
}
