// internal/utils/validator.go
package utils

import (
	"errors"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

var territoryCodePattern = regexp.MustCompile(`^[A-Z]{2,3}$`)

// AllowedAspectRatios are the cutdown aspect ratios a scope may permit.
var AllowedAspectRatios = []string{"1:1", "4:5", "9:16", "16:9", "4:3", "21:9"}

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	validate.RegisterValidation("territory", validateTerritory)
	validate.RegisterValidation("bps", validateBps)
	validate.RegisterValidation("aspect_ratio", validateAspectRatio)
}

func ValidateStruct(s interface{}) error {
	return validate.Struct(s)
}

// IsTerritoryCode reports whether code is GLOBAL or an upper-case ISO-style code.
func IsTerritoryCode(code string) bool {
	return code == "GLOBAL" || territoryCodePattern.MatchString(code)
}

// IsAspectRatio reports whether ratio is one of AllowedAspectRatios.
func IsAspectRatio(ratio string) bool {
	for _, allowed := range AllowedAspectRatios {
		if ratio == allowed {
			return true
		}
	}
	return false
}

func validateTerritory(fl validator.FieldLevel) bool {
	return IsTerritoryCode(fl.Field().String())
}

func validateBps(fl validator.FieldLevel) bool {
	switch fl.Field().Kind() {
	case reflect.Int, reflect.Int32, reflect.Int64:
		v := fl.Field().Int()
		return v >= 0 && v <= 10000
	}
	return false
}

func validateAspectRatio(fl validator.FieldLevel) bool {
	return IsAspectRatio(fl.Field().String())
}

// Validation tags for common fields
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

func GetValidationErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		for _, e := range validationErrs {
			validationErrors = append(validationErrors, ValidationError{
				Field:   e.Field(),
				Tag:     e.Tag(),
				Message: getValidationMessage(e),
			})
		}
	}

	return validationErrors
}

// ValidationMessages flattens err into one message per failed field.
func ValidationMessages(err error) []string {
	var out []string
	for _, e := range GetValidationErrors(err) {
		out = append(out, e.Message)
	}
	if len(out) == 0 && err != nil {
		out = append(out, err.Error())
	}
	return out
}

func getValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return e.Field() + " is required"
	case "min":
		return e.Field() + " must be at least " + e.Param()
	case "max":
		return e.Field() + " must be at most " + e.Param()
	case "gte":
		return e.Field() + " must be greater than or equal to " + e.Param()
	case "oneof":
		return e.Field() + " must be one of: " + e.Param()
	case "territory":
		return e.Field() + " must be GLOBAL or a 2-3 letter upper-case territory code"
	case "bps":
		return e.Field() + " must be between 0 and 10000 basis points"
	case "aspect_ratio":
		return e.Field() + " must be one of: " + strings.Join(AllowedAspectRatios, ", ")
	default:
		return e.Field() + " is invalid"
	}
}
