package domain

import (
	"errors"
	"fmt"
)

// Common domain errors
var (
	ErrProjectNotFound      = errors.New("project not found")
	ErrVersionNotFound      = errors.New("version not found")
	ErrBuildNotFound        = errors.New("build not found")
	ErrUserNotFound         = errors.New("user not found")
	ErrDomainNotFound       = errors.New("domain not found")
	ErrRuleNotFound         = errors.New("automation rule not found")
	ErrRedirectNotFound     = errors.New("redirect not found")
	ErrIntegrationNotFound  = errors.New("integration not found")
	ErrOrganizationNotFound = errors.New("organization not found")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrAuthorizationDenied  = errors.New("authorization denied")
	ErrConfigInvalid        = errors.New("invalid configuration")
	ErrInvalidArgument      = errors.New("invalid argument")

	// ErrDuplicatedReservedVersions is returned when a repository has a
	// branch and a tag that both map to a reserved slug (latest, stable).
	ErrDuplicatedReservedVersions = errors.New("you can not have two versions with the name latest or stable")
)

// Error codes carried by DomainError and returned by the HTTP APIs.
const (
	CodeNotFound         = "NOT_FOUND"
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeAuthnFailed      = "AUTHN_FAILED"
	CodeForbidden        = "FORBIDDEN"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInternal         = "INTERNAL"
	CodeDuplicatedLatest = "DUPLICATED_RESERVED_VERSIONS"
)

// DomainError wraps errors with additional context.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    string
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NotFound builds a DomainError for a missing record of the given kind.
func NotFound(err error, kind, key string) error {
	return &DomainError{
		Err:     err,
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s %q not found", kind, key),
		Details: map[string]any{"kind": kind, "key": key},
	}
}

// IsNotFound reports whether err is one of the not-found sentinels.
func IsNotFound(err error) bool {
	for _, target := range []error{
		ErrProjectNotFound, ErrVersionNotFound, ErrBuildNotFound, ErrUserNotFound,
		ErrDomainNotFound, ErrRuleNotFound, ErrRedirectNotFound, ErrIntegrationNotFound,
		ErrOrganizationNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// ErrorResponse defines the standard JSON error model returned by the APIs.
// TraceID carries the current OpenTelemetry trace identifier when available.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TraceID string `json:"trace_id,omitempty"`
}
