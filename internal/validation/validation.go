// ABOUTME: Struct validation built on go-playground/validator with per-field error bodies
// ABOUTME: Translates validator failures into readable messages keyed by form field name

package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// usernameRegex: starts with a letter, then letters, digits or underscores, 3-32 total
var usernameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{2,31}$`)

// Error reports which fields failed and why. It is the payload of a 400.
type Error struct {
	Fields map[string][]string
}

func (e *Error) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+": "+strings.Join(e.Fields[name], ", "))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// ErrorBody is the JSON shape written for validation failures.
type ErrorBody struct {
	Error  string              `json:"error"`
	Fields map[string][]string `json:"fields"`
}

// Body converts e into its response payload.
func (e *Error) Body() ErrorBody {
	return ErrorBody{Error: "validation_failed", Fields: e.Fields}
}

// Validator wraps a configured validator.Validate.
type Validator struct {
	v *validator.Validate
}

// New returns a Validator that reports fields by their `form` tag name and
// understands the "username" rule.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("form"), ",", 2)[0]
		if name == "" || name == "-" {
			return strings.ToLower(f.Name)
		}
		return name
	})
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernameRegex.MatchString(fl.Field().String())
	})
	return &Validator{v: v}
}

// Struct validates s. Rule failures come back as *Error; anything else (for
// example a non-struct argument) is returned unchanged.
func (val *Validator) Struct(s any) error {
	err := val.v.Struct(s)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	fields := map[string][]string{}
	for _, fe := range verrs {
		fields[fe.Field()] = append(fields[fe.Field()], message(fe))
	}
	return &Error{Fields: fields}
}

// message renders a single rule failure for humans.
func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s characters", fe.Param())
	case "username":
		return "must start with a letter and contain only letters, numbers, and underscores"
	default:
		return "is invalid (" + fe.Tag() + ")"
	}
}
