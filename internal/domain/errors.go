package domain

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable classification of a storage failure.
type ErrorKind string

const (
	KindQuotaExceeded      ErrorKind = "QUOTA_EXCEEDED"
	KindDurableUnavailable ErrorKind = "DURABLE_DB_UNAVAILABLE"
	KindFileNotFound       ErrorKind = "FILE_NOT_FOUND"
	KindFileCorrupted      ErrorKind = "FILE_CORRUPTED"
	KindInvalidFileType    ErrorKind = "INVALID_FILE_TYPE"
	KindFileTooLarge       ErrorKind = "FILE_TOO_LARGE"
	KindStorageUnavailable ErrorKind = "STORAGE_UNAVAILABLE"
	KindCompressionFailed  ErrorKind = "COMPRESSION_FAILED"
	KindValidationFailed   ErrorKind = "VALIDATION_FAILED"
)

// Severity is how loudly a failure should be surfaced.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

type kindInfo struct {
	recoverable bool
	severity    Severity
	sentinel    error
}

// Sentinel errors, one per kind. A *StorageError matches the sentinel of its kind
// under errors.Is.
var (
	ErrQuotaExceeded      = errors.New("storage quota exceeded")
	ErrDurableUnavailable = errors.New("durable database unavailable")
	ErrFileNotFound       = errors.New("file not found")
	ErrFileCorrupted      = errors.New("file is corrupted")
	ErrInvalidFileType    = errors.New("invalid file type")
	ErrFileTooLarge       = errors.New("file too large")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrCompressionFailed  = errors.New("compression failed")
	ErrValidationFailed   = errors.New("validation failed")
)

var kinds = map[ErrorKind]kindInfo{
	KindQuotaExceeded:      {true, SeverityError, ErrQuotaExceeded},
	KindDurableUnavailable: {true, SeverityWarning, ErrDurableUnavailable},
	KindFileNotFound:       {true, SeverityError, ErrFileNotFound},
	KindFileCorrupted:      {true, SeverityError, ErrFileCorrupted},
	KindInvalidFileType:    {false, SeverityError, ErrInvalidFileType},
	KindFileTooLarge:       {false, SeverityError, ErrFileTooLarge},
	KindStorageUnavailable: {true, SeverityError, ErrStorageUnavailable},
	KindCompressionFailed:  {true, SeverityWarning, ErrCompressionFailed},
	KindValidationFailed:   {true, SeverityError, ErrValidationFailed},
}

// Kinds returns every known error kind.
func Kinds() []ErrorKind {
	return []ErrorKind{
		KindQuotaExceeded, KindDurableUnavailable, KindFileNotFound,
		KindFileCorrupted, KindInvalidFileType, KindFileTooLarge,
		KindStorageUnavailable, KindCompressionFailed, KindValidationFailed,
	}
}

// Recoverable reports whether any recovery path exists for the kind.
func (k ErrorKind) Recoverable() bool {
	return kinds[k].recoverable
}

// Severity returns the default severity of the kind.
func (k ErrorKind) Severity() Severity {
	if info, ok := kinds[k]; ok {
		return info.severity
	}
	return SeverityError
}

// Sentinel returns the sentinel error for the kind.
func (k ErrorKind) Sentinel() error {
	return kinds[k].sentinel
}

// StorageError is a classified storage failure.
type StorageError struct {
	// Kind is the stable classification.
	Kind ErrorKind

	// Message is human readable.
	Message string

	// Backend is the backend that produced the failure, if any.
	Backend StorageMethod

	// Operation is the logical operation (e.g. "storeFile").
	Operation string

	// Cause is the underlying error, kept for logging.
	Cause error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	msg := e.Message
	if msg == "" {
		if s := e.Kind.Sentinel(); s != nil {
			msg = s.Error()
		} else {
			msg = string(e.Kind)
		}
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Unwrap returns the underlying cause.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// Is matches the sentinel of the error's kind.
func (e *StorageError) Is(target error) bool {
	s := e.Kind.Sentinel()
	return s != nil && target == s
}

// Recoverable reports whether the failure has a recovery path.
func (e *StorageError) Recoverable() bool {
	return e.Kind.Recoverable()
}

// Severity returns the default severity of the failure.
func (e *StorageError) Severity() Severity {
	return e.Kind.Severity()
}

// NewStorageError creates a classified error.
func NewStorageError(kind ErrorKind, message string, cause error) *StorageError {
	return &StorageError{
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

// NewBackendError creates a classified error attributed to a backend operation.
func NewBackendError(kind ErrorKind, backend StorageMethod, op, message string, cause error) *StorageError {
	return &StorageError{
		Kind:      kind,
		Message:   message,
		Backend:   backend,
		Operation: op,
		Cause:     cause,
	}
}

// AsStorageError extracts a *StorageError from an error chain.
func AsStorageError(err error) (*StorageError, bool) {
	var se *StorageError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// KindOf returns the kind of a classified error, or "" if the error is unclassified.
func KindOf(err error) ErrorKind {
	if se, ok := AsStorageError(err); ok {
		return se.Kind
	}
	return ""
}

// IsKind reports whether err is a classified error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
