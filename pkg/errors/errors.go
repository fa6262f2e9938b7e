// Package errors provides standardized error types for the MySQL MCP server.
package errors

import (
	"errors"
	"fmt"
)

// Error codes for the tool-facing error taxonomy.
const (
	CodeAdmissionRejected   = "ADMISSION_REJECTED"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeConnectionFailed    = "CONNECTION_FAILED"
	CodeProxyStartupFailed  = "PROXY_STARTUP_FAILED"
	CodeUnsupportedPlatform = "UNSUPPORTED_PLATFORM"
	CodeDownloadFailed      = "DOWNLOAD_FAILED"
	CodeQueryTimeout        = "QUERY_TIMEOUT"
	CodeQueryFailed         = "QUERY_FAILED"
	CodeMetadataFailed      = "METADATA_FAILED"
	CodeInternal            = "INTERNAL_ERROR"
)

// ServerError represents a server error with code, message, and optional details.
type ServerError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *ServerError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison by code.
func (e *ServerError) Is(target error) bool {
	t, ok := target.(*ServerError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail adds a single detail to the error.
func (e *ServerError) WithDetail(key string, value interface{}) *ServerError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Common errors
var (
	ErrQueryTimeout     = &ServerError{Code: CodeQueryTimeout, Message: "query execution timeout"}
	ErrConnectionFailed = &ServerError{Code: CodeConnectionFailed, Message: "database connection failed"}
	ErrProxyNotReady    = &ServerError{Code: CodeProxyStartupFailed, Message: "proxy did not become ready"}
)

// New creates a new ServerError with the given code and message.
func New(code, message string) *ServerError {
	return &ServerError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new ServerError with a formatted message.
func Newf(code, format string, args ...interface{}) *ServerError {
	return &ServerError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with a ServerError.
func Wrap(err error, code, message string) *ServerError {
	if err == nil {
		return nil
	}
	return &ServerError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code, format string, args ...interface{}) *ServerError {
	if err == nil {
		return nil
	}
	return &ServerError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// CodeOf returns the error code, or CodeInternal for non-ServerError values.
func CodeOf(err error) string {
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr.Code
	}
	return CodeInternal
}

// IsAdmissionRejected checks if an error is an admission rejection.
func IsAdmissionRejected(err error) bool {
	return CodeOf(err) == CodeAdmissionRejected
}

// IsQueryTimeout checks if an error is a query timeout.
func IsQueryTimeout(err error) bool {
	return CodeOf(err) == CodeQueryTimeout
}
