// Package validation provides request field validators and body size limits.
package validation

import (
	"net/http"
	"net/mail"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/apperr"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxNameLength bounds display names (organizations, plans, projects, users).
const MaxNameLength = 255

// MaxDescriptionLength bounds free-text descriptions.
const MaxDescriptionLength = 2000

var slugRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidSlug checks for lowercase alphanumerics and inner hyphens, 1-63 chars.
func IsValidSlug(s string) bool {
	return slugRegex.MatchString(s)
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// SanitizeString trims whitespace, strips NUL bytes and limits length.
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// FieldError describes one invalid field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors is a collection of field errors
type FieldErrors []FieldError

// Error implements the error interface
func (e FieldErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate runs validators and returns a validation-kind error, or nil.
func Validate(validators ...func() *FieldError) error {
	var errs FieldErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return apperr.Wrap(apperr.KindValidation, errs.Error(), errs).
		WithDetails(map[string]any{"fields": []FieldError(errs)})
}

// Required checks if a field is non-empty
func Required(field, value string) func() *FieldError {
	return func() *FieldError {
		if strings.TrimSpace(value) == "" {
			return &FieldError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *FieldError {
	return func() *FieldError {
		if len(value) > max {
			return &FieldError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// Email checks that a non-empty value parses as a bare address.
func Email(field, value string) func() *FieldError {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		addr, err := mail.ParseAddress(value)
		if err != nil || addr.Address != value {
			return &FieldError{Field: field, Message: "must be a valid email address"}
		}
		return nil
	}
}

// Slug checks a non-empty value with IsValidSlug.
func Slug(field, value string) func() *FieldError {
	return func() *FieldError {
		if value == "" {
			return nil
		}
		if !IsValidSlug(value) {
			return &FieldError{Field: field, Message: "must be lowercase alphanumeric with hyphens (1-63 chars)"}
		}
		return nil
	}
}

// OneOf checks that value is one of allowed.
func OneOf(field, value string, allowed ...string) func() *FieldError {
	return func() *FieldError {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return &FieldError{Field: field, Message: "must be one of " + strings.Join(allowed, ", ")}
	}
}

// NonNegative checks an optional integer limit.
func NonNegative(field string, value *int) func() *FieldError {
	return func() *FieldError {
		if value != nil && *value < 0 {
			return &FieldError{Field: field, Message: "must not be negative"}
		}
		return nil
	}
}

// PositiveAmount checks a minor-unit money amount.
func PositiveAmount(field string, value int64) func() *FieldError {
	return func() *FieldError {
		if value <= 0 {
			return &FieldError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}
