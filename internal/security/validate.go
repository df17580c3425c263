package security

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/AjaxZhan/devspace/pkg/types"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "" || name == "-" {
				return f.Name
			}
			return name
		})
		_ = validate.RegisterValidation("username", func(fl validator.FieldLevel) bool {
			return usernamePattern.MatchString(fl.Field().String())
		})
	})
	return validate
}

// Validate checks a decoded payload against its struct tags. Unknown
// fields never reach this point because decoding into the struct drops
// them. Failures are returned as *types.ValidationError.
func Validate(payload any) error {
	err := validatorInstance().Struct(payload)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	ve := &types.ValidationError{}
	for _, fe := range fieldErrs {
		ve.Fields = append(ve.Fields, types.FieldError{Field: fe.Field(), Rule: fe.Tag()})
	}
	return ve
}
