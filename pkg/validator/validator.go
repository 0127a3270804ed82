// Package validator provides struct validation utilities with custom validators.
package validator

import (
	stderrors "errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/openctemio/stigmap/pkg/domain/stigmapping"
	"github.com/openctemio/stigmap/pkg/parsers/ckl"
)

// cciIDRegex validates CCI ids: CCI-NNNNNN
var cciIDRegex = regexp.MustCompile(`^CCI-\d{6}$`)

// systemIDRegex validates system ids: letters, digits, dot, dash, underscore
var systemIDRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

var findingStatuses = []string{
	ckl.StatusOpen,
	ckl.StatusNotAFinding,
	ckl.StatusNotApplicable,
	ckl.StatusNotApplicableViewer,
	ckl.StatusNotReviewed,
}

// Validator wraps the go-playground validator with custom validations.
type Validator struct {
	validate *validator.Validate
}

// ValidationError represents a single field validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, e := range v {
		if i > 0 {
			sb.WriteString("; ")
		}
		sb.WriteString(fmt.Sprintf("%s: %s", e.Field, e.Message))
	}
	return sb.String()
}

// New creates a new Validator with custom validators registered.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	_ = v.RegisterValidation("finding_status", validateFindingStatus)
	_ = v.RegisterValidation("severity", validateSeverity)
	_ = v.RegisterValidation("compliance_status", validateComplianceStatus)
	_ = v.RegisterValidation("merge_policy", validateMergePolicy)
	_ = v.RegisterValidation("cci_id", validateCCIID)
	_ = v.RegisterValidation("system_id", validateSystemID)

	return &Validator{validate: v}
}

// Validate validates a struct and returns ValidationErrors if validation fails.
func (v *Validator) Validate(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !stderrors.As(err, &validationErrors) {
		return err
	}

	result := make(ValidationErrors, 0, len(validationErrors))
	for _, e := range validationErrors {
		result = append(result, ValidationError{
			Field:   toSnakeCase(e.Field()),
			Message: formatErrorMessage(e),
		})
	}

	return result
}

// Var validates a single value against a tag.
func (v *Validator) Var(field any, tag string) error {
	return v.validate.Var(field, tag)
}

// validateFindingStatus accepts the STATUS values a checklist may carry.
func validateFindingStatus(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true // Let 'required' handle empty values
	}
	for _, s := range findingStatuses {
		if value == s {
			return true
		}
	}
	return false
}

// validateSeverity accepts high, medium and low in any case.
func validateSeverity(fl validator.FieldLevel) bool {
	switch strings.ToLower(fl.Field().String()) {
	case "", ckl.SeverityHigh, ckl.SeverityMedium, ckl.SeverityLow:
		return true
	}
	return false
}

func validateComplianceStatus(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true // Let 'required' handle empty values
	}
	return stigmapping.ComplianceStatus(value).IsValid()
}

func validateMergePolicy(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	return ckl.MetadataPolicy(value).IsValid()
}

func validateCCIID(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	return cciIDRegex.MatchString(value)
}

func validateSystemID(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return true
	}
	return systemIDRegex.MatchString(value)
}

// formatErrorMessage converts validation errors to human-readable messages.
func formatErrorMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "finding_status":
		return fmt.Sprintf("must be one of: %s", strings.Join(findingStatuses, ", "))
	case "severity":
		return "must be one of: high, medium, low"
	case "compliance_status":
		return fmt.Sprintf("must be one of: %s", formatComplianceStatuses())
	case "merge_policy":
		return "must be one of: keep_first, require_match"
	case "cci_id":
		return "must be a valid CCI id (e.g., CCI-000366)"
	case "system_id":
		return "must contain only letters, digits, dots, dashes and underscores"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "uuid":
		return "must be a valid UUID"
	default:
		return fmt.Sprintf("failed on '%s' validation", e.Tag())
	}
}

// toSnakeCase converts PascalCase/camelCase to snake_case, keeping
// acronyms together (SystemID -> system_id, CCIRefs -> cci_refs).
func toSnakeCase(s string) string {
	runes := []rune(s)
	var result strings.Builder
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || nextLower {
				result.WriteByte('_')
			}
		}
		result.WriteRune(unicode.ToLower(r))
	}
	return result.String()
}

func formatComplianceStatuses() string {
	statuses := stigmapping.AllComplianceStatuses()
	strs := make([]string, len(statuses))
	for i, s := range statuses {
		strs[i] = string(s)
	}
	return strings.Join(strs, ", ")
}
