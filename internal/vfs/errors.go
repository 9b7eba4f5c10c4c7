package vfs

import (
	"fmt"
	"runtime"
	"strings"
)

// ErrorKind classifies failures of the file system layer. The set is closed:
// every low-level error is mapped onto exactly one kind at the provider boundary.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindFileNotFound
	KindFileAccessForbidden
	KindPermission
	KindNotADirectory
	KindWriteNotSupported
	KindAuth
	KindIncorrectCredentials
	KindNetworkIO
	KindRemoteAPI
	KindGenericIO
	KindIncorrectUse
	KindSyncConflict
)

var kindNames = map[ErrorKind]string{
	KindUnknown:              "UnknownError",
	KindFileNotFound:         "FileNotFoundError",
	KindFileAccessForbidden:  "FileAccessForbidden",
	KindPermission:           "PermissionError",
	KindNotADirectory:        "NotADirectoryError",
	KindWriteNotSupported:    "WriteNotSupportedError",
	KindAuth:                 "AuthError",
	KindIncorrectCredentials: "IncorrectFileSystemCredentials",
	KindNetworkIO:            "NetworkIOError",
	KindRemoteAPI:            "RemoteApiError",
	KindGenericIO:            "GenericIOError",
	KindIncorrectUse:         "IncorrectUseError",
	KindSyncConflict:         "SyncConflictError",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// IsSyncRelated reports whether the kind describes a failure to reach or talk
// to a remote, which must not block access to a cached copy.
func (k ErrorKind) IsSyncRelated() bool {
	return k == KindNetworkIO || k == KindRemoteAPI
}

// Error is the error payload carried by Result. Stack is only captured when
// the error is synthesized without an underlying cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
	Stack   string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind, so the package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks. Never return these directly; use NewError or WrapError.
var (
	ErrUnknown              = &Error{Kind: KindUnknown}
	ErrFileNotFound         = &Error{Kind: KindFileNotFound}
	ErrFileAccessForbidden  = &Error{Kind: KindFileAccessForbidden}
	ErrPermission           = &Error{Kind: KindPermission}
	ErrNotADirectory        = &Error{Kind: KindNotADirectory}
	ErrWriteNotSupported    = &Error{Kind: KindWriteNotSupported}
	ErrAuth                 = &Error{Kind: KindAuth}
	ErrIncorrectCredentials = &Error{Kind: KindIncorrectCredentials}
	ErrNetworkIO            = &Error{Kind: KindNetworkIO}
	ErrRemoteAPI            = &Error{Kind: KindRemoteAPI}
	ErrGenericIO            = &Error{Kind: KindGenericIO}
	ErrIncorrectUse         = &Error{Kind: KindIncorrectUse}
	ErrSyncConflict         = &Error{Kind: KindSyncConflict}
)

// NewError synthesizes an error without a cause and records the caller's stack.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Stack:   callers(3),
	}
}

// WrapError converts a low-level error into the taxonomy. If cause is already
// an *Error it is returned as is, so errors are never classified twice.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	if cause == nil {
		return &Error{
			Kind:    kind,
			Message: fmt.Sprintf(format, args...),
			Stack:   callers(3),
		}
	}
	if e, ok := cause.(*Error); ok {
		return e
	}
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// IncorrectUse reports a programming error: an operation the backend does not support.
func IncorrectUse(operation string) *Error {
	e := &Error{Kind: KindIncorrectUse, Message: "operation not supported: " + operation}
	e.Stack = callers(3)
	return e
}

// KindOf returns the kind of err, KindUnknown for foreign errors.
func KindOf(err error) ErrorKind {
	if e, ok := AsError(err); ok {
		return e.Kind
	}
	return KindUnknown
}

// AsError unwraps err to an *Error. A nil *Error held in err is not an error.
func AsError(err error) (*Error, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e, e != nil
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

// ToError converts any error into an *Error, classifying foreign errors as fallback.
func ToError(err error, fallback ErrorKind) *Error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return e
	}
	return &Error{Kind: fallback, Cause: err}
}

func callers(skip int) string {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	for {
		f, more := frames.Next()
		fmt.Fprintf(&b, "%s\n\t%s:%d\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return b.String()
}
