package errors

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Kind classifies an error so callers can branch without matching on messages
type Kind string

const (
	KindValidation   Kind = "validation"
	KindConflict     Kind = "conflict"
	KindNotFound     Kind = "not_found"
	KindUnauthorized Kind = "unauthorized"
	KindUnavailable  Kind = "unavailable"
	KindInternal     Kind = "internal"
)

// Common error codes
const (
	CodeValidationError   = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeConflict          = "CONFLICT"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeInvalidToken      = "INVALID_TOKEN"
	CodeReconnectRequired = "RECONNECT_REQUIRED"

	// Job admission
	CodeTooManyDownloads  = "TOO_MANY_ACTIVE_DOWNLOADS"
	CodeTooManyUploads    = "TOO_MANY_ACTIVE_UPLOADS"
	CodeAlreadyDownloaded = "ALREADY_DOWNLOADED"
	CodeAlreadyInProgress = "ALREADY_IN_PROGRESS"
	CodeDailyUploadLimit  = "DAILY_UPLOAD_LIMIT"
	CodeFileTooLarge      = "FILE_TOO_LARGE"
	CodeUnsupportedSource = "UNSUPPORTED_SOURCE"

	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeStorageError       = "STORAGE_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Kind    Kind           `json:"kind"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Service string         `json:"service,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Cause   error          `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// WithCause sets the underlying cause of the error
func (e *AppError) WithCause(err error) *AppError {
	e.Cause = err
	return e
}

// New creates a new AppError
func New(kind Kind, code string, message string) *AppError {
	return &AppError{
		Kind:    kind,
		Code:    code,
		Message: message,
	}
}

// Client error constructors

func ValidationError(message string) *AppError {
	return New(KindValidation, CodeValidationError, message)
}

func NotFound(resource string) *AppError {
	return New(KindNotFound, CodeNotFound, fmt.Sprintf("%s not found", resource))
}

func Conflict(message string) *AppError {
	return New(KindConflict, CodeConflict, message)
}

func Unauthorized(message string) *AppError {
	return New(KindUnauthorized, CodeUnauthorized, message)
}

func InvalidToken(message string) *AppError {
	return New(KindUnauthorized, CodeInvalidToken, message)
}

// ReconnectRequired signals that a platform credential can no longer be used and
// the owner must go through the OAuth connect flow again.
func ReconnectRequired(platform string) *AppError {
	return New(KindUnauthorized, CodeReconnectRequired, fmt.Sprintf("%s account must be reconnected", platform)).
		WithDetails(map[string]any{"platform": platform})
}

func UnsupportedSource(source string) *AppError {
	return New(KindValidation, CodeUnsupportedSource, fmt.Sprintf("unsupported source: %s", source))
}

func TooManyActiveDownloads(limit int) *AppError {
	return New(KindConflict, CodeTooManyDownloads, fmt.Sprintf("too many active downloads (limit %d)", limit)).
		WithDetails(map[string]any{"limit": limit})
}

func TooManyActiveUploads(limit int) *AppError {
	return New(KindConflict, CodeTooManyUploads, fmt.Sprintf("too many active uploads (limit %d)", limit)).
		WithDetails(map[string]any{"limit": limit})
}

func AlreadyDownloaded() *AppError {
	return New(KindConflict, CodeAlreadyDownloaded, "video already downloaded")
}

func AlreadyInProgress() *AppError {
	return New(KindConflict, CodeAlreadyInProgress, "download already in progress")
}

func DailyUploadLimit(platform string, limit int) *AppError {
	return New(KindConflict, CodeDailyUploadLimit, fmt.Sprintf("daily %s upload limit of %d reached", platform, limit)).
		WithDetails(map[string]any{"platform": platform, "limit": limit})
}

func FileTooLarge(message string) *AppError {
	return New(KindValidation, CodeFileTooLarge, message)
}

// Server error constructors

func InternalError(message string) *AppError {
	return New(KindInternal, CodeInternalError, message)
}

func StorageError(message string) *AppError {
	return New(KindInternal, CodeStorageError, message)
}

// ServiceUnavailable is the only error shape callers of an external integration see.
// It keeps the original message but never the original error chain.
func ServiceUnavailable(service, message string) *AppError {
	e := New(KindUnavailable, CodeServiceUnavailable, fmt.Sprintf("%s unavailable: %s", service, message))
	e.Service = service
	return e
}

// FromValidator converts validator.ValidationErrors into a ValidationError with a
// field -> failed tag map in Details.
func FromValidator(err error) *AppError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ValidationError(err.Error())
	}

	fields := make(map[string]any, len(verrs))
	names := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
		names = append(names, fe.Field())
	}

	return ValidationError("invalid " + strings.Join(names, ", ")).WithDetails(fields)
}

// KindOf returns the kind of err, or KindInternal for unclassified errors
func KindOf(err error) Kind {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// HasCode reports whether err is an AppError with the given code
func HasCode(err error, code string) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsClientError returns true if the error was caused by the caller's input or state
func IsClientError(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindConflict, KindNotFound, KindUnauthorized:
		return true
	}
	return false
}
