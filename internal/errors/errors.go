// Package errors provides structured error types for the cbdlr client.
//
// Errors carry a machine-readable code, a retryable flag and a context map
// for structured logging. Sentinel errors are exposed for errors.Is checks.
//
// Error code ranges:
// - 1xxx: Configuration errors
// - 2xxx: Platform API errors
// - 3xxx: Live Response errors
// - 4xxx: Local file errors
// - 9xxx: General errors
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a machine-readable error identifier.
type ErrorCode string

// Configuration error codes (1xxx)
const (
	ErrCodeConfigInvalid    ErrorCode = "CBDLR_1001"
	ErrCodeConfigMissing    ErrorCode = "CBDLR_1002"
	ErrCodeConfigValidation ErrorCode = "CBDLR_1003"
)

// Platform API error codes (2xxx)
const (
	ErrCodeAPIAuthFailed       ErrorCode = "CBDLR_2001"
	ErrCodeAPINotFound         ErrorCode = "CBDLR_2002"
	ErrCodeAPIClientError      ErrorCode = "CBDLR_2003"
	ErrCodeAPIServerError      ErrorCode = "CBDLR_2004"
	ErrCodeAPIConnectionFailed ErrorCode = "CBDLR_2005"
	ErrCodeAPIDecodeFailed     ErrorCode = "CBDLR_2006"
)

// Live Response error codes (3xxx)
const (
	ErrCodeLRSessionFailed  ErrorCode = "CBDLR_3001"
	ErrCodeLRSessionTimeout ErrorCode = "CBDLR_3002"
	ErrCodeLRCommandFailed  ErrorCode = "CBDLR_3003"
	ErrCodeLRCommandTimeout ErrorCode = "CBDLR_3004"
	ErrCodeLRSessionClosed  ErrorCode = "CBDLR_3005"
)

// Local file error codes (4xxx)
const (
	ErrCodeLocalReadFailed  ErrorCode = "CBDLR_4001"
	ErrCodeLocalWriteFailed ErrorCode = "CBDLR_4002"
)

// General error codes (9xxx)
const (
	ErrCodeUnknown ErrorCode = "CBDLR_9999"
)

// Sentinel errors for type checking with errors.Is()
var (
	// Configuration errors
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrConfigMissing    = errors.New("configuration not found")
	ErrConfigValidation = errors.New("configuration validation failed")

	// Platform API errors
	ErrAPIAuthFailed       = errors.New("authentication failed")
	ErrAPINotFound         = errors.New("object not found")
	ErrAPIClientError      = errors.New("request rejected")
	ErrAPIServerError      = errors.New("server error")
	ErrAPIConnectionFailed = errors.New("connection failed")
	ErrAPIDecodeFailed     = errors.New("malformed response")

	// Live Response errors
	ErrLRSessionFailed  = errors.New("live response session failed")
	ErrLRSessionTimeout = errors.New("live response session timeout")
	ErrLRCommandFailed  = errors.New("live response command failed")
	ErrLRCommandTimeout = errors.New("live response command timeout")
	ErrLRSessionClosed  = errors.New("live response session closed")

	// Local file errors
	ErrLocalReadFailed  = errors.New("local read failed")
	ErrLocalWriteFailed = errors.New("local write failed")
)

// CbdlrError is the base error type with structured information.
type CbdlrError struct {
	Code        ErrorCode
	Message     string
	Context     map[string]interface{}
	IsRetryable bool
	Cause       error
}

// Error implements the error interface.
func (e *CbdlrError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CbdlrError) Unwrap() error {
	return e.Cause
}

// Is checks if the target error matches this error's cause.
func (e *CbdlrError) Is(target error) bool {
	if e.Cause != nil {
		return errors.Is(e.Cause, target)
	}
	return false
}

// WithContext adds context information to the error.
func (e *CbdlrError) WithContext(key string, value interface{}) *CbdlrError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// ToMap converts the error to a map for structured logging.
func (e *CbdlrError) ToMap() map[string]interface{} {
	m := map[string]interface{}{
		"error_code":   string(e.Code),
		"message":      e.Message,
		"is_retryable": e.IsRetryable,
	}
	if e.Context != nil {
		m["context"] = e.Context
	}
	if e.Cause != nil {
		m["cause"] = e.Cause.Error()
	}
	return m
}

// NewCbdlrError creates a new CbdlrError.
func NewCbdlrError(code ErrorCode, message string, cause error) *CbdlrError {
	return &CbdlrError{
		Code:    code,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Configuration Error constructors

// NewConfigInvalidError creates a configuration invalid error.
func NewConfigInvalidError(message string, cause error) *CbdlrError {
	if cause == nil {
		cause = ErrConfigInvalid
	}
	return &CbdlrError{
		Code:        ErrCodeConfigInvalid,
		Message:     message,
		Cause:       cause,
		IsRetryable: false,
		Context:     make(map[string]interface{}),
	}
}

// NewConfigMissingError creates a configuration missing error.
func NewConfigMissingError(what string) *CbdlrError {
	return &CbdlrError{
		Code:        ErrCodeConfigMissing,
		Message:     fmt.Sprintf("configuration not found: %s", what),
		Cause:       ErrConfigMissing,
		IsRetryable: false,
		Context: map[string]interface{}{
			"what": what,
		},
	}
}

// NewConfigValidationError creates a configuration validation error.
func NewConfigValidationError(field string, value interface{}, reason string) *CbdlrError {
	return &CbdlrError{
		Code:        ErrCodeConfigValidation,
		Message:     fmt.Sprintf("validation failed for '%s': %s", field, reason),
		Cause:       ErrConfigValidation,
		IsRetryable: false,
		Context: map[string]interface{}{
			"field":  field,
			"value":  fmt.Sprintf("%v", value),
			"reason": reason,
		},
	}
}

// Platform API Error constructors

// NewAPIAuthError creates an authentication failure error.
func NewAPIAuthError(path string, status int) *CbdlrError {
	return &CbdlrError{
		Code:        ErrCodeAPIAuthFailed,
		Message:     fmt.Sprintf("authentication rejected for %s (HTTP %d)", path, status),
		Cause:       ErrAPIAuthFailed,
		IsRetryable: false,
		Context: map[string]interface{}{
			"path":        path,
			"status_code": status,
		},
	}
}

// NewAPINotFoundError creates an object not found error.
func NewAPINotFoundError(kind string, id interface{}) *CbdlrError {
	return &CbdlrError{
		Code:        ErrCodeAPINotFound,
		Message:     fmt.Sprintf("%s %v not found", kind, id),
		Cause:       ErrAPINotFound,
		IsRetryable: false,
		Context: map[string]interface{}{
			"kind": kind,
			"id":   fmt.Sprintf("%v", id),
		},
	}
}

// NewAPIClientError creates an error for a request the server refused.
func NewAPIClientError(path string, status int, body string) *CbdlrError {
	return &CbdlrError{
		Code:        ErrCodeAPIClientError,
		Message:     fmt.Sprintf("request to %s rejected (HTTP %d): %s", path, status, truncate(body, 200)),
		Cause:       ErrAPIClientError,
		IsRetryable: false,
		Context: map[string]interface{}{
			"path":        path,
			"status_code": status,
		},
	}
}

// NewAPIServerError creates a server-side failure error.
func NewAPIServerError(path string, status int, body string) *CbdlrError {
	return &CbdlrError{
		Code:        ErrCodeAPIServerError,
		Message:     fmt.Sprintf("server error from %s (HTTP %d): %s", path, status, truncate(body, 200)),
		Cause:       ErrAPIServerError,
		IsRetryable: true,
		Context: map[string]interface{}{
			"path":        path,
			"status_code": status,
		},
	}
}

// NewAPIConnectionError creates a transport failure error.
func NewAPIConnectionError(url string, reason string) *CbdlrError {
	return &CbdlrError{
		Code:        ErrCodeAPIConnectionFailed,
		Message:     fmt.Sprintf("failed to reach %s: %s", url, reason),
		Cause:       ErrAPIConnectionFailed,
		IsRetryable: true,
		Context: map[string]interface{}{
			"url":    url,
			"reason": reason,
		},
	}
}

// NewAPIDecodeError creates an error for a response body that could not be decoded.
func NewAPIDecodeError(path string, cause error) *CbdlrError {
	return &CbdlrError{
		Code:        ErrCodeAPIDecodeFailed,
		Message:     fmt.Sprintf("could not decode response from %s: %v", path, cause),
		Cause:       ErrAPIDecodeFailed,
		IsRetryable: false,
		Context: map[string]interface{}{
			"path": path,
		},
	}
}

// Live Response Error constructors

// NewLRSessionError creates a session failure error.
func NewLRSessionError(deviceID int64, status string) *CbdlrError {
	return &CbdlrError{
		Code:        ErrCodeLRSessionFailed,
		Message:     fmt.Sprintf("session for device %d entered status %s", deviceID, status),
		Cause:       ErrLRSessionFailed,
		IsRetryable: false,
		Context: map[string]interface{}{
			"device_id": deviceID,
			"status":    status,
		},
	}
}

// NewLRSessionTimeoutError creates a session establishment timeout error.
func NewLRSessionTimeoutError(deviceID int64, timeoutSeconds float64) *CbdlrError {
	return &CbdlrError{
		Code:        ErrCodeLRSessionTimeout,
		Message:     fmt.Sprintf("session for device %d not active after %.1fs", deviceID, timeoutSeconds),
		Cause:       ErrLRSessionTimeout,
		IsRetryable: true,
		Context: map[string]interface{}{
			"device_id":       deviceID,
			"timeout_seconds": timeoutSeconds,
		},
	}
}

// NewLRCommandError creates an error for a command the sensor reported as failed.
// Win32 result codes are rendered in hex, which is how they are documented.
func NewLRCommandError(command string, resultType string, resultCode int64, resultDesc string) *CbdlrError {
	msg := fmt.Sprintf("%s failed: %s error 0x%08X", command, resultType, uint32(resultCode))
	if resultDesc != "" {
		msg += ": " + resultDesc
	}
	return &CbdlrError{
		Code:        ErrCodeLRCommandFailed,
		Message:     msg,
		Cause:       ErrLRCommandFailed,
		IsRetryable: false,
		Context: map[string]interface{}{
			"command":     command,
			"result_type": resultType,
			"result_code": resultCode,
			"result_desc": resultDesc,
		},
	}
}

// NewLRCommandTimeoutError creates a command completion timeout error.
func NewLRCommandTimeoutError(command string, timeoutSeconds float64) *CbdlrError {
	return &CbdlrError{
		Code:        ErrCodeLRCommandTimeout,
		Message:     fmt.Sprintf("%s did not complete after %.1fs", command, timeoutSeconds),
		Cause:       ErrLRCommandTimeout,
		IsRetryable: true,
		Context: map[string]interface{}{
			"command":         command,
			"timeout_seconds": timeoutSeconds,
		},
	}
}

// NewLRSessionClosedError creates an error for use of a closed session.
func NewLRSessionClosedError(sessionID string) *CbdlrError {
	return &CbdlrError{
		Code:        ErrCodeLRSessionClosed,
		Message:     fmt.Sprintf("session %s is closed", sessionID),
		Cause:       ErrLRSessionClosed,
		IsRetryable: false,
		Context: map[string]interface{}{
			"session_id": sessionID,
		},
	}
}

// Local file Error constructors

// NewLocalReadError creates a local read error.
func NewLocalReadError(path string, cause error) *CbdlrError {
	return &CbdlrError{
		Code:        ErrCodeLocalReadFailed,
		Message:     fmt.Sprintf("failed to read %s: %v", path, cause),
		Cause:       ErrLocalReadFailed,
		IsRetryable: false,
		Context: map[string]interface{}{
			"path": path,
		},
	}
}

// NewLocalWriteError creates a local write error.
func NewLocalWriteError(path string, cause error) *CbdlrError {
	return &CbdlrError{
		Code:        ErrCodeLocalWriteFailed,
		Message:     fmt.Sprintf("failed to write %s: %v", path, cause),
		Cause:       ErrLocalWriteFailed,
		IsRetryable: false,
		Context: map[string]interface{}{
			"path": path,
		},
	}
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	var cbErr *CbdlrError
	if errors.As(err, &cbErr) {
		return cbErr.IsRetryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var cbErr *CbdlrError
	if errors.As(err, &cbErr) {
		return cbErr.Code
	}
	return ErrCodeUnknown
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
