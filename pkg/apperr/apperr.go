// Package apperr defines the error taxonomy that crosses the API boundary.
// Every failure the HTTP layer can surface is classified by a Kind, which
// maps to a stable machine-readable code and an HTTP status. Internal code
// wraps causes with %w as usual; the API layer recovers the Kind with
// errors.As and falls back to Internal for anything unclassified.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for HTTP mapping.
type Kind int

const (
	Internal Kind = iota
	DbNotFound
	DialectUnsupported
	DialectPullFailed
	QueryTimeout
	QuerySyntaxError
	DbSizeExceeded
	BackupNotFound
	BackupExpired
	RestoreInProgress
	RestoreFailed
	BackupFailed
	Storage
	DockerError
)

// Code returns the wire code for the kind.
func (k Kind) Code() string {
	switch k {
	case DbNotFound:
		return "DB_NOT_FOUND"
	case DialectUnsupported:
		return "DIALECT_UNSUPPORTED"
	case DialectPullFailed:
		return "DIALECT_PULL_FAILED"
	case QueryTimeout:
		return "QUERY_TIMEOUT"
	case QuerySyntaxError:
		return "QUERY_SYNTAX_ERROR"
	case DbSizeExceeded:
		return "DB_SIZE_EXCEEDED"
	case BackupNotFound:
		return "BACKUP_NOT_FOUND"
	case BackupExpired:
		return "BACKUP_EXPIRED"
	case RestoreInProgress:
		return "RESTORE_IN_PROGRESS"
	case RestoreFailed:
		return "RESTORE_FAILED"
	case BackupFailed:
		return "BACKUP_FAILED"
	case Storage:
		return "STORAGE_ERROR"
	case DockerError:
		return "DOCKER_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}

// StatusCode returns the HTTP status for the kind.
func (k Kind) StatusCode() int {
	switch k {
	case DbNotFound, BackupNotFound:
		return http.StatusNotFound
	case DialectUnsupported, QuerySyntaxError:
		return http.StatusBadRequest
	case DialectPullFailed:
		return http.StatusServiceUnavailable
	case QueryTimeout:
		return http.StatusRequestTimeout
	case DbSizeExceeded:
		return http.StatusRequestEntityTooLarge
	case BackupExpired:
		return http.StatusGone
	case RestoreInProgress:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// detailed kinds expose the underlying cause in the response body.
func (k Kind) detailed() bool {
	switch k {
	case DialectPullFailed, QuerySyntaxError, DockerError, Internal:
		return true
	default:
		return false
	}
}

// Error is a classified error. Message is safe for clients; Detail carries
// the underlying cause for kinds where that is useful to surface.
type Error struct {
	Kind    Kind
	Message string
	Detail  string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with a static message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. For kinds that surface detail to
// clients the cause text is copied into Detail.
func Wrap(kind Kind, message string, err error) *Error {
	e := &Error{Kind: kind, Message: message, Err: err}
	if err != nil && kind.detailed() {
		e.Detail = err.Error()
	}
	return e
}

// KindOf extracts the Kind from an error chain; unclassified errors are
// Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
