package providers

import (
	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("provider_id", func(fl validator.FieldLevel) bool {
		return ValidLocalID(fl.Field().String())
	})
	return v
}

// Validate checks cfg's fields.
func (c *Config) Validate() error {
	return validate.Struct(c)
}

// Validate checks d's fields.
func (d *ServerDescriptor) Validate() error {
	return validate.Struct(d)
}
