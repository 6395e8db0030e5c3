// Package errors provides structured error types for the myWorld database core.
// All errors include a category, code, message, and retryable flag so that
// callers can decide between rollback, retry and per-row collection.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the kind of failure.
type ErrorCategory string

const (
	ErrCategoryConfig    ErrorCategory = "CONFIG"
	ErrCategorySchema    ErrorCategory = "SCHEMA"
	ErrCategoryIntegrity ErrorCategory = "INTEGRITY"
	ErrCategoryUpgrade   ErrorCategory = "UPGRADE"
	ErrCategorySync      ErrorCategory = "SYNC"
	ErrCategoryConflict  ErrorCategory = "CONFLICT"
	ErrCategoryTimeout   ErrorCategory = "TIMEOUT"
	ErrCategoryStorage   ErrorCategory = "STORAGE"
	ErrCategoryInternal  ErrorCategory = "INTERNAL"
)

// Error codes for each category.
const (
	// Config codes
	CodeUnknownFeatureType = "UNKNOWN_FEATURE_TYPE"
	CodeBadDescriptor      = "BAD_DESCRIPTOR"
	CodeUnknownEnum        = "UNKNOWN_ENUM"
	CodeConflictingOption  = "CONFLICTING_OPTION"
	CodeBadValue           = "BAD_VALUE"

	// Schema codes
	CodeDDLConflict         = "DDL_CONFLICT"
	CodeUnsupportedMutation = "UNSUPPORTED_MUTATION"
	CodeShapeMismatch       = "SHAPE_MISMATCH"

	// Integrity codes
	CodeShardExhausted        = "SHARD_EXHAUSTED"
	CodeDuplicateRegistration = "DUPLICATE_REGISTRATION"
	CodeReplicaNotFound       = "REPLICA_NOT_FOUND"

	// Upgrade codes
	CodeVersionTooOld     = "VERSION_TOO_OLD"
	CodeDryRunUnsupported = "DRY_RUN_UNSUPPORTED"
	CodeStepFailed        = "STEP_FAILED"

	// Sync codes
	CodeSequenceGap    = "SEQUENCE_GAP"
	CodeMissingFile    = "MISSING_FILE"
	CodeHTTPStatus     = "HTTP_STATUS"
	CodeInvalidReplica = "INVALID_REPLICA"
	CodeBadCSRF        = "BAD_CSRF"

	// Conflict codes
	CodeRowConflict = "ROW_CONFLICT"

	// Timeout codes
	CodeQueryTimeout = "QUERY_TIMEOUT"

	// Storage codes
	CodeUploadFailed   = "UPLOAD_FAILED"
	CodeDownloadFailed = "DOWNLOAD_FAILED"
	CodeObjectNotFound = "OBJECT_NOT_FOUND"

	// Internal codes
	CodeUnexpected = "UNEXPECTED"
	CodeAborted    = "ABORTED"
)

// MywError is the structured error type used throughout the system.
type MywError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *MywError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *MywError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *MywError) Is(target error) bool {
	var t *MywError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new MywError.
func New(category ErrorCategory, code, message string) *MywError {
	return &MywError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Newf creates a new MywError with a formatted message.
func Newf(category ErrorCategory, code, format string, args ...interface{}) *MywError {
	return New(category, code, fmt.Sprintf(format, args...))
}

// Wrap creates a new MywError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *MywError {
	return &MywError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *MywError) WithDetails(details map[string]interface{}) *MywError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var me *MywError
	if errors.As(err, &me) {
		return me.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a MywError.
func GetCategory(err error) ErrorCategory {
	var me *MywError
	if errors.As(err, &me) {
		return me.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a MywError.
func GetCode(err error) string {
	var me *MywError
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}

// HasCode reports whether err carries the given category and code.
func HasCode(err error, category ErrorCategory, code string) bool {
	return GetCategory(err) == category && GetCode(err) == code
}

func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeUploadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeDownloadFailed:
		return true
	case category == ErrCategoryTimeout:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewConfigError(code, message string) *MywError {
	return New(ErrCategoryConfig, code, message)
}

func NewSchemaError(code, message string, cause error) *MywError {
	return Wrap(ErrCategorySchema, code, message, cause)
}

func NewIntegrityError(code, message string) *MywError {
	return New(ErrCategoryIntegrity, code, message)
}

func NewUpgradeError(code, message string) *MywError {
	return New(ErrCategoryUpgrade, code, message)
}

func NewSyncError(code, message string, cause error) *MywError {
	return Wrap(ErrCategorySync, code, message, cause)
}

// NewHTTPStatusError builds a sync error for a non-200 response. Server-side
// failures (5xx) are marked retryable; client errors are not.
func NewHTTPStatusError(status int, url string) *MywError {
	e := New(ErrCategorySync, CodeHTTPStatus, fmt.Sprintf("unexpected status %d from %s", status, url))
	e.Retryable = status >= 500
	return e.WithDetails(map[string]interface{}{"status": status, "url": url})
}

func NewConflictError(message string) *MywError {
	return New(ErrCategoryConflict, CodeRowConflict, message)
}

func NewQueryTimeout(message string, cause error) *MywError {
	return Wrap(ErrCategoryTimeout, CodeQueryTimeout, message, cause)
}

func NewStorageError(code, message string, cause error) *MywError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *MywError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

// NewAborted reports an operation stopped by its progress sink.
func NewAborted(operation string) *MywError {
	return New(ErrCategoryInternal, CodeAborted, operation+" aborted")
}
