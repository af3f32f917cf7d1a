package http

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// Validation errors.
var (
	// ErrValidationFailed is returned when struct validation fails.
	ErrValidationFailed = errors.New("validation failed")
	// ErrFieldRequired is returned when a required field is missing.
	ErrFieldRequired = errors.New("field is required")
	// ErrFieldMaxLength is returned when a field exceeds maximum length.
	ErrFieldMaxLength = errors.New("field exceeds maximum length")
	// ErrFieldMinLength is returned when a field is below minimum length.
	ErrFieldMinLength = errors.New("field below minimum length")
	// ErrFieldGreaterThanOrEqual is returned when a field must be greater than or equal to a value.
	ErrFieldGreaterThanOrEqual = errors.New("field must be greater than or equal to constraint")
	// ErrFieldLessThanOrEqual is returned when a field must be less than or equal to a value.
	ErrFieldLessThanOrEqual = errors.New("field must be less than or equal to constraint")
	// ErrFieldOneOf is returned when a field must be one of allowed values.
	ErrFieldOneOf = errors.New("field must be one of allowed values")
	// ErrFieldUUID is returned when a field must be a valid UUID.
	ErrFieldUUID = errors.New("field must be a valid UUID")
	// ErrFieldDateTime is returned when a field must be an RFC 3339 timestamp.
	ErrFieldDateTime = errors.New("field must be an RFC 3339 timestamp")
	// ErrFieldEventTypePattern is returned for event type filters with invalid characters.
	ErrFieldEventTypePattern = errors.New("field must be an event type prefix or glob")
	// ErrQueryParseFailed is returned when query parameters cannot be decoded.
	ErrQueryParseFailed = errors.New("failed to parse query parameters")
)

// ErrValidatorInit is returned when custom validator registration fails during initialization.
var ErrValidatorInit = errors.New("validator initialization failed")

var (
	validate     *validator.Validate
	validateOnce sync.Once
	errValidate  error
)

// eventTypePatternChars is the alphabet of dotted event types plus glob
// metacharacters.
const eventTypePatternChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789._-:*?[]^\\"

func initValidators() (*validator.Validate, error) {
	vld := validator.New(validator.WithRequiredStructEnabled())

	// Report fields by the name the client sent.
	vld.RegisterTagNameFunc(func(field reflect.StructField) string {
		for _, tag := range []string{"query", "json"} {
			name, _, _ := strings.Cut(field.Tag.Get(tag), ",")
			if name != "" && name != "-" {
				return name
			}
		}

		return field.Name
	})

	if err := vld.RegisterValidation("event_type_pattern", func(fl validator.FieldLevel) bool {
		value := fl.Field().String()

		return value == "" || strings.Trim(value, eventTypePatternChars) == ""
	}); err != nil {
		return nil, fmt.Errorf("%w: failed to register 'event_type_pattern': %w", ErrValidatorInit, err)
	}

	return vld, nil
}

// GetValidator returns the shared validator instance.
func GetValidator() (*validator.Validate, error) {
	validateOnce.Do(func() {
		validate, errValidate = initValidators()
	})

	return validate, errValidate
}

// ValidateStruct validates payload's `validate` tags and returns the first
// failure as a readable error.
func ValidateStruct(payload any) error {
	vld, initErr := GetValidator()
	if initErr != nil {
		return fmt.Errorf("%w: %w", ErrValidationFailed, initErr)
	}

	if err := vld.Struct(payload); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
			return formatValidationError(validationErrors[0])
		}

		return fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	return nil
}

var validationErrorFormatters = map[string]func(field, param string) error{
	"required": func(field, _ string) error {
		return fmt.Errorf("%w: '%s'", ErrFieldRequired, field)
	},
	"max": func(field, param string) error {
		return fmt.Errorf("%w: '%s' must be at most %s", ErrFieldMaxLength, field, param)
	},
	"min": func(field, param string) error {
		return fmt.Errorf("%w: '%s' must be at least %s", ErrFieldMinLength, field, param)
	},
	"gte": func(field, param string) error {
		return fmt.Errorf("%w: '%s' must be at least %s", ErrFieldGreaterThanOrEqual, field, param)
	},
	"lte": func(field, param string) error {
		return fmt.Errorf("%w: '%s' must be at most %s", ErrFieldLessThanOrEqual, field, param)
	},
	"oneof": func(field, param string) error {
		return fmt.Errorf("%w: '%s' must be one of [%s]", ErrFieldOneOf, field, param)
	},
	"uuid": func(field, _ string) error {
		return fmt.Errorf("%w: '%s'", ErrFieldUUID, field)
	},
	"datetime": func(field, _ string) error {
		return fmt.Errorf("%w: '%s'", ErrFieldDateTime, field)
	},
	"event_type_pattern": func(field, _ string) error {
		return fmt.Errorf("%w: '%s'", ErrFieldEventTypePattern, field)
	},
}

func formatValidationError(fe validator.FieldError) error {
	if formatter, ok := validationErrorFormatters[fe.Tag()]; ok {
		return formatter(fe.Field(), fe.Param())
	}

	return fmt.Errorf("%w: '%s' failed '%s' check", ErrValidationFailed, fe.Field(), fe.Tag())
}

// ParseQueryAndValidate decodes the query string into payload using its
// `query` tags and validates it.
func ParseQueryAndValidate(fiberCtx *fiber.Ctx, payload any) error {
	if err := fiberCtx.QueryParser(payload); err != nil {
		return fmt.Errorf("%w: %w", ErrQueryParseFailed, err)
	}

	return ValidateStruct(payload)
}
