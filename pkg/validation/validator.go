package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	// validate is a singleton validator instance.
	validate *validator.Validate

	// peer endpoints understood by the socket transports.
	endpointPattern = regexp.MustCompile(`^(tcp|ipc|inproc)://\S+$`)
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	// registration only fails for an empty tag or nil func
	_ = validate.RegisterValidation("endpoint", func(fl validator.FieldLevel) bool {
		return endpointPattern.MatchString(fl.Field().String())
	})
}

// Struct validates v against its `validate` struct tags and reports the
// first failure as "Field: reason".
func Struct(v any) error {
	if v == nil {
		return errors.New("value cannot be nil")
	}
	return formatValidationError(validate.Struct(v))
}

// Endpoint reports whether s is a transport endpoint URL.
func Endpoint(s string) bool {
	return endpointPattern.MatchString(s)
}

// formatValidationError converts validator errors to a more user-friendly format.
func formatValidationError(err error) error {
	if err == nil {
		return nil
	}

	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err
	}

	for _, e := range validationErrs {
		// drop the top-level struct name: "RunConfig.World.Size" -> "World.Size"
		field := e.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		param := e.Param()

		switch e.Tag() {
		case "required":
			return fmt.Errorf("%s: field is required", field)
		case "min", "gte":
			return fmt.Errorf("%s: must be at least %s", field, param)
		case "max", "lte":
			return fmt.Errorf("%s: must not exceed %s", field, param)
		case "gt":
			return fmt.Errorf("%s: must be greater than %s", field, param)
		case "oneof":
			return fmt.Errorf("%s: must be one of [%s]", field, param)
		case "endpoint":
			return fmt.Errorf("%s: %q is not a tcp://, ipc:// or inproc:// endpoint", field, e.Value())
		case "unique":
			return fmt.Errorf("%s: contains duplicates", field)
		default:
			return fmt.Errorf("%s: validation failed (%s)", field, e.Tag())
		}
	}

	return err
}
