// Package api holds what the REST API versions share: error translation and
// the JSON error body.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"github.com/readthedocs/rtd/pkg/domain"
)

// Status maps an error to its HTTP status and error code.
func Status(err error) (int, string) {
	switch {
	case domain.IsNotFound(err):
		return http.StatusNotFound, domain.CodeNotFound
	case errors.Is(err, domain.ErrDuplicatedReservedVersions):
		return http.StatusBadRequest, domain.CodeDuplicatedLatest
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrConfigInvalid):
		return http.StatusBadRequest, domain.CodeInvalidRequest
	case errors.Is(err, domain.ErrAuthenticationFailed):
		return http.StatusUnauthorized, domain.CodeAuthnFailed
	case errors.Is(err, domain.ErrAuthorizationDenied):
		return http.StatusForbidden, domain.CodeForbidden
	}
	var de *domain.DomainError
	if errors.As(err, &de) && de.Code == domain.CodeInvalidRequest {
		return http.StatusBadRequest, de.Code
	}
	return http.StatusInternalServerError, domain.CodeInternal
}

// Abort writes the error response for err and stops the handler chain.
// Internal errors are logged and answered with a generic message.
func Abort(c *gin.Context, err error) {
	status, code := Status(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		msg = "internal server error"
	}
	AbortWith(c, status, code, msg)
}

// AbortWith writes an explicit error response.
func AbortWith(c *gin.Context, status int, code, message string) {
	resp := domain.ErrorResponse{Code: code, Message: message}
	if sc := trace.SpanFromContext(c.Request.Context()).SpanContext(); sc.IsValid() {
		resp.TraceID = sc.TraceID().String()
	}
	c.AbortWithStatusJSON(status, resp)
}
