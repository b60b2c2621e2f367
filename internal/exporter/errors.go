package exporter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorType is a low-cardinality classification of write failures.
type ErrorType string

const (
	// ErrorTypeNetwork represents network-level errors (DNS, connection refused, etc.)
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeTimeout represents timeout errors
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeServerError represents server-side errors (5xx status codes)
	ErrorTypeServerError ErrorType = "server_error"
	// ErrorTypeClientError represents client-side errors (4xx status codes)
	ErrorTypeClientError ErrorType = "client_error"
	// ErrorTypeAuth represents authentication/authorization errors (401, 403)
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeRateLimit represents rate limiting errors (429)
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeUnknown represents unclassified errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// WriteError is returned for every failed request to the destination.
type WriteError struct {
	// Err is the underlying error.
	Err error
	// Type is the classified error type.
	Type ErrorType
	// Method and Path identify the request.
	Method string
	Path   string
	// StatusCode is the HTTP status (0 for transport errors).
	StatusCode int
	// Message is the response body excerpt or transport error detail.
	Message string
}

func (e *WriteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s: %s error", e.Method, e.Path, e.Type)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether the request never got an HTTP response,
// which means the destination should be treated as unreachable.
func (e *WriteError) IsTransport() bool {
	return e.StatusCode == 0 && (e.Type == ErrorTypeNetwork || e.Type == ErrorTypeTimeout)
}

// IsRetryable returns true if the same request may succeed later.
func (e *WriteError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeServerError, ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit, ErrorTypeAuth:
		return true
	default:
		return false
	}
}

// TypeOf returns the ErrorType carried by err, or ErrorTypeUnknown.
func TypeOf(err error) ErrorType {
	var we *WriteError
	if errors.As(err, &we) {
		return we.Type
	}
	return ErrorTypeUnknown
}

// ClassifyStatus maps a non-2xx HTTP status to an ErrorType.
func ClassifyStatus(code int) ErrorType {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return ErrorTypeAuth
	case code == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return ErrorTypeTimeout
	case code >= 500:
		return ErrorTypeServerError
	case code >= 400:
		return ErrorTypeClientError
	default:
		return ErrorTypeUnknown
	}
}

// classifyTransportError classifies an error returned by http.Client.Do.
// Anything that is not a timeout means no response was received.
func classifyTransportError(err error) ErrorType {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTypeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorTypeTimeout
	}
	errLower := strings.ToLower(err.Error())
	if strings.Contains(errLower, "timeout") ||
		strings.Contains(errLower, "deadline exceeded") {
		return ErrorTypeTimeout
	}
	return ErrorTypeNetwork
}
