// Package errors provides a structured error system for imagecache with error codes, categories, and context.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"
)

// ErrorCode represents a structured error code for cache operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigSave       ErrorCode = "CONFIG_SAVE"

	// Storage errors
	ErrCodeInitFailed    ErrorCode = "INIT_FAILED"
	ErrCodeIOFailure     ErrorCode = "IO_FAILURE"
	ErrCodeCorruptEntry  ErrorCode = "CORRUPT_ENTRY"
	ErrCodeEntryTooLarge ErrorCode = "ENTRY_TOO_LARGE"

	// Codec errors
	ErrCodeDecodeFailed ErrorCode = "DECODE_FAILED"
	ErrCodeEncodeFailed ErrorCode = "ENCODE_FAILED"

	// Source errors
	ErrCodeSourceNotFound    ErrorCode = "SOURCE_NOT_FOUND"
	ErrCodePathInvalid       ErrorCode = "PATH_INVALID"
	ErrCodeSourceUnavailable ErrorCode = "SOURCE_UNAVAILABLE"

	// Resource errors
	ErrCodeOutOfMemory ErrorCode = "OUT_OF_MEMORY"

	// State errors
	ErrCodeNotInitialized   ErrorCode = "NOT_INITIALIZED"
	ErrCodeComponentStopped ErrorCode = "COMPONENT_STOPPED"

	// Operation errors
	ErrCodeInvalidArgument   ErrorCode = "INVALID_ARGUMENT"
	ErrCodeOperationTimeout  ErrorCode = "OPERATION_TIMEOUT"
	ErrCodeOperationCanceled ErrorCode = "OPERATION_CANCELED"
	ErrCodeRetryExhausted    ErrorCode = "RETRY_EXHAUSTED"

	// Internal errors
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryStorage       ErrorCategory = "storage"
	CategoryCodec         ErrorCategory = "codec"
	CategorySource        ErrorCategory = "source"
	CategoryResource      ErrorCategory = "resource"
	CategoryState         ErrorCategory = "state"
	CategoryOperation     ErrorCategory = "operation"
	CategoryInternal      ErrorCategory = "internal"
)

var categories = map[ErrorCode]ErrorCategory{
	ErrCodeInvalidConfig:     CategoryConfiguration,
	ErrCodeConfigValidation:  CategoryConfiguration,
	ErrCodeConfigLoad:        CategoryConfiguration,
	ErrCodeConfigSave:        CategoryConfiguration,
	ErrCodeInitFailed:        CategoryStorage,
	ErrCodeIOFailure:         CategoryStorage,
	ErrCodeCorruptEntry:      CategoryStorage,
	ErrCodeEntryTooLarge:     CategoryStorage,
	ErrCodeDecodeFailed:      CategoryCodec,
	ErrCodeEncodeFailed:      CategoryCodec,
	ErrCodeSourceNotFound:    CategorySource,
	ErrCodePathInvalid:       CategorySource,
	ErrCodeSourceUnavailable: CategorySource,
	ErrCodeOutOfMemory:       CategoryResource,
	ErrCodeNotInitialized:    CategoryState,
	ErrCodeComponentStopped:  CategoryState,
	ErrCodeInvalidArgument:   CategoryOperation,
	ErrCodeOperationTimeout:  CategoryOperation,
	ErrCodeOperationCanceled: CategoryOperation,
	ErrCodeRetryExhausted:    CategoryOperation,
}

// CacheError represents a structured error with context and metadata.
type CacheError struct {
	Code     ErrorCode              `json:"code"`
	Category ErrorCategory          `json:"category"`
	Message  string                 `json:"message"`
	Details  map[string]interface{} `json:"details,omitempty"`

	Cause     error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`

	Retryable  bool `json:"retryable"`
	HTTPStatus int  `json:"http_status,omitempty"`

	Stack string `json:"stack,omitempty"`
}

// Error implements the error interface.
func (e *CacheError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Component != "" {
		if e.Operation != "" {
			msg = fmt.Sprintf("[%s:%s] %s", e.Component, e.Operation, msg)
		} else {
			msg = fmt.Sprintf("[%s] %s", e.Component, msg)
		}
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *CacheError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *CacheError) Is(target error) bool {
	if cacheErr, ok := target.(*CacheError); ok {
		return e.Code == cacheErr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *CacheError) String() string {
	parts := []string{
		fmt.Sprintf("Code=%s", e.Code),
		fmt.Sprintf("Category=%s", e.Category),
		fmt.Sprintf("Message=%q", e.Message),
	}

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("CacheError{%s}", strings.Join(parts, ", "))
}

// NewError creates a new cache error with default values.
func NewError(code ErrorCode, message string) *CacheError {
	return &CacheError{
		Code:       code,
		Category:   GetCategory(code),
		Message:    message,
		Timestamp:  time.Now(),
		Details:    make(map[string]interface{}),
		Retryable:  IsRetryableByDefault(code),
		HTTPStatus: GetDefaultHTTPStatus(code),
	}
}

// Newf is NewError with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *CacheError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	if category, ok := categories[code]; ok {
		return category
	}
	return CategoryInternal
}

// IsRetryableByDefault determines if an error is retryable by default.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeOutOfMemory, ErrCodeOperationTimeout, ErrCodeIOFailure:
		return true
	default:
		return false
	}
}

// GetDefaultHTTPStatus returns the default HTTP status for an error code.
func GetDefaultHTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidArgument, ErrCodeInvalidConfig, ErrCodeConfigValidation,
		ErrCodePathInvalid, ErrCodeDecodeFailed:
		return http.StatusBadRequest
	case ErrCodeSourceNotFound:
		return http.StatusNotFound
	case ErrCodeEntryTooLarge:
		return http.StatusRequestEntityTooLarge
	case ErrCodeNotInitialized, ErrCodeComponentStopped, ErrCodeSourceUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeOperationTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// GetCode returns the code of the first CacheError in err's chain.
func GetCode(err error) (ErrorCode, bool) {
	var cacheErr *CacheError
	if errors.As(err, &cacheErr) {
		return cacheErr.Code, true
	}
	return "", false
}

// HasCode reports whether err's chain contains a CacheError with the given code.
func HasCode(err error, code ErrorCode) bool {
	return errors.Is(err, &CacheError{Code: code})
}

// CaptureStack captures the current stack trace for debugging.
func CaptureStack(skip int) string {
	const depth = 10
	var pcs [depth]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])

	var stack []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "errors.go") {
			stack = append(stack, fmt.Sprintf("%s:%d %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	return strings.Join(stack, "\n")
}

// WithDetail adds detailed information to an error
func (e *CacheError) WithDetail(key string, value interface{}) *CacheError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error
func (e *CacheError) WithComponent(component string) *CacheError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error
func (e *CacheError) WithOperation(operation string) *CacheError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause
func (e *CacheError) WithCause(cause error) *CacheError {
	e.Cause = cause
	return e
}

// WithRetryable overrides the default retry hint.
func (e *CacheError) WithRetryable(retryable bool) *CacheError {
	e.Retryable = retryable
	return e
}

// WithStack captures the current stack trace
func (e *CacheError) WithStack() *CacheError {
	e.Stack = CaptureStack(1)
	return e
}
