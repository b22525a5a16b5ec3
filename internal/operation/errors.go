package operation

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure so callers can react without parsing messages.
type Kind string

const (
	KindInputNotFound             Kind = "INPUT_NOT_FOUND"
	KindInputUnreadable           Kind = "INPUT_UNREADABLE"
	KindUnsupportedFormat         Kind = "UNSUPPORTED_FORMAT"
	KindExportFailed              Kind = "EXPORT_FAILED"
	KindExportCancelled           Kind = "EXPORT_CANCELLED"
	KindPermissionDenied          Kind = "PERMISSION_DENIED"
	KindMissingIdentifierMetadata Kind = "MISSING_IDENTIFIER_METADATA"
	KindLibraryTransactionFailed  Kind = "LIBRARY_TRANSACTION_FAILED"
	KindPartialWriteCleanupFailed Kind = "PARTIAL_WRITE_CLEANUP_FAILED"
	// KindInvalidArgument covers empty identifiers, empty paths and outputs
	// that would overwrite an existing file without permission.
	KindInvalidArgument Kind = "INVALID_ARGUMENT"
)

// Sentinels for errors.Is matching. Any *Error with the same Kind matches.
var (
	ErrInputNotFound             = &Error{Kind: KindInputNotFound}
	ErrInputUnreadable           = &Error{Kind: KindInputUnreadable}
	ErrUnsupportedFormat         = &Error{Kind: KindUnsupportedFormat}
	ErrExportFailed              = &Error{Kind: KindExportFailed}
	ErrExportCancelled           = &Error{Kind: KindExportCancelled}
	ErrPermissionDenied          = &Error{Kind: KindPermissionDenied}
	ErrMissingIdentifierMetadata = &Error{Kind: KindMissingIdentifierMetadata}
	ErrLibraryTransactionFailed  = &Error{Kind: KindLibraryTransactionFailed}
	ErrPartialWriteCleanupFailed = &Error{Kind: KindPartialWriteCleanupFailed}
	ErrInvalidArgument           = &Error{Kind: KindInvalidArgument}
)

// Error is the error reported through an operation's completion.
type Error struct {
	Kind Kind
	// Op is the operation that failed, e.g. "convert" or "create live photo".
	Op string
	// Path is the file involved, if any.
	Path string
	// Err is the underlying cause.
	Err error
}

// NewError creates an Error of the given kind.
func NewError(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		if e.Path != "" {
			b.WriteString(" ")
			b.WriteString(e.Path)
		}
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.message())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ExportError classifies an export failure: context errors become
// KindExportCancelled, anything else KindExportFailed.
func ExportError(op, path string, err error) *Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindExportCancelled, op, path, err)
	}
	return NewError(KindExportFailed, op, path, err)
}

func (k Kind) message() string {
	switch k {
	case KindInputNotFound:
		return "input not found"
	case KindInputUnreadable:
		return "input unreadable"
	case KindUnsupportedFormat:
		return "unsupported format"
	case KindExportFailed:
		return "export failed"
	case KindExportCancelled:
		return "export cancelled"
	case KindPermissionDenied:
		return "photo library permission denied"
	case KindMissingIdentifierMetadata:
		return "missing identifier metadata"
	case KindLibraryTransactionFailed:
		return "library transaction failed"
	case KindPartialWriteCleanupFailed:
		return "partial output could not be removed"
	case KindInvalidArgument:
		return "invalid argument"
	default:
		return fmt.Sprintf("error (%s)", string(k))
	}
}
