package types

import (
	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
}

// Validator returns the shared struct validator so other packages validate
// with the same rules and registered tags.
func Validator() *validator.Validate {
	return validate
}
