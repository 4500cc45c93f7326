package api

import (
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorCode identifies the application-level failure reported by the control
// plane.
type ErrorCode string

const (
	CodeUnauthorized    ErrorCode = "unauthorized"
	CodePaymentRequired ErrorCode = "payment_required"
	CodeNotFound        ErrorCode = "not_found"
	CodeInternal        ErrorCode = "internal"
	CodeBadRequest      ErrorCode = "bad_request"
)

// APIError is a typed control-plane failure.
type APIError struct {
	Code       ErrorCode
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("api %s (http %d)", e.Code, e.StatusCode)
}

func codeForStatus(status int) ErrorCode {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return CodeUnauthorized
	case status == http.StatusPaymentRequired:
		return CodePaymentRequired
	case status == http.StatusNotFound:
		return CodeNotFound
	case status >= 500:
		return CodeInternal
	default:
		return CodeBadRequest
	}
}

// IsTransient reports whether a failed call is worth retrying: network
// errors and 5xx responses are, everything classified is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == CodeInternal || apiErr.StatusCode == http.StatusTooManyRequests
	}
	var ne net.Error
	return errors.As(err, &ne)
}
