// Package httpx maps domain errors onto HTTP responses.
package httpx

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/apperr"
	"github.com/nikhithasiva/enterprise-saas-boilerplate/internal/logging"
)

// StatusFor returns the HTTP status for an error kind.
func StatusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindForbidden:
		return http.StatusForbidden
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindLimitExceeded:
		return http.StatusPaymentRequired
	case apperr.KindProvider:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error writes err as a JSON error body and aborts the request.
// Internal and invariant errors are logged and their cause is not echoed.
func Error(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := StatusFor(kind)

	body := gin.H{"error": string(kind)}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		body["message"] = ae.Message
		if len(ae.Details) > 0 {
			body["details"] = ae.Details
		}
	}

	switch kind {
	case apperr.KindInternal, apperr.KindInvariant:
		logging.L(c.Request.Context()).Error("request failed",
			"kind", kind, "path", c.FullPath(), "error", err)
		body["message"] = "internal error"
	case apperr.KindProvider:
		logging.L(c.Request.Context()).Warn("billing provider error",
			"path", c.FullPath(), "error", err)
	}

	c.AbortWithStatusJSON(status, body)
}

// BadRequest writes a validation error for malformed request bodies.
func BadRequest(c *gin.Context, msg string) {
	Error(c, apperr.Validation(msg))
}
