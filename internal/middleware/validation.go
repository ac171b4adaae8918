package middleware

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"github.com/jwalitptl/medrecords-api/internal/model"
	apperrors "github.com/jwalitptl/medrecords-api/pkg/errors"
)

var customValidators = map[string]validator.Func{
	"role": func(fl validator.FieldLevel) bool {
		return model.Role(fl.Field().String()).Valid()
	},
	"gender": func(fl validator.FieldLevel) bool {
		return model.Gender(fl.Field().String()).Valid()
	},
	"entrytype": func(fl validator.FieldLevel) bool {
		return model.EntryType(fl.Field().String()).Valid()
	},
	"accountstatus": func(fl validator.FieldLevel) bool {
		return model.AccountStatus(fl.Field().String()).Valid()
	},
}

var tagMessages = map[string]string{
	"required":      "is required",
	"email":         "must be a valid email address",
	"min":           "is too short",
	"datetime":      "must be a date (YYYY-MM-DD)",
	"role":          "must be ADMIN, DOCTOR, NURSE or PATIENT",
	"gender":        "must be Male, Female or Other",
	"entrytype":     "must be DIAGNOSIS, TEST_RESULT, PRESCRIPTION or NOTE",
	"accountstatus": "must be ACTIVE or SUSPENDED",
}

// RegisterValidators installs the domain tags on gin's validator and makes
// errors report json field names. It is safe to call more than once.
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return errors.New("unexpected validator engine")
	}
	for tag, fn := range customValidators {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("register %s: %w", tag, err)
		}
	}
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		for _, tag := range []string{"json", "form"} {
			name := strings.SplitN(fld.Tag.Get(tag), ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return fld.Name
	})
	return nil
}

// BindError turns a binding failure into a field level validation error.
func BindError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		msg, ok := tagMessages[e.Tag()]
		if !ok {
			msg = "is invalid"
		}
		return apperrors.Validation(e.Field(), e.Field()+" "+msg)
	}
	return apperrors.BadRequest("invalid request body", err)
}
