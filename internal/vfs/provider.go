package vfs

import (
	"context"
	"io"
)

// FileSystemProvider performs I/O against one backend instance. Every
// operation converts low-level failures into a *Error exactly once; nothing
// above this boundary sees raw transport or OS errors.
//
// Returned streams must be closed by the caller on every path. A write stream
// that implements Aborter must be aborted instead when the written content is
// incomplete.
type FileSystemProvider interface {
	// Authority returns the provider's current authority.
	Authority() Authority

	Authenticator() Authenticator

	// ListFiles returns the children of dir, never dir itself.
	ListFiles(ctx context.Context, dir FileDescriptor) Result[[]FileDescriptor]

	// GetParent fails with FileNotFound at the root or when the parent cannot be resolved.
	GetParent(ctx context.Context, file FileDescriptor) Result[FileDescriptor]

	GetRootFile(ctx context.Context) Result[FileDescriptor]

	Exists(ctx context.Context, file FileDescriptor) Result[bool]

	GetFile(ctx context.Context, path string, options FSOptions) Result[FileDescriptor]

	OpenForRead(ctx context.Context, file FileDescriptor, options FSOptions) Result[io.ReadCloser]

	// OpenForWrite fails with WriteNotSupported unless options.WriteEnabled.
	OpenForWrite(ctx context.Context, file FileDescriptor, options FSOptions) Result[io.WriteCloser]
}

// Aborter discards everything written to a stream. The destination keeps its
// previous content and a later Close does nothing.
type Aborter interface {
	Abort()
}

// AbortOrClose aborts w when it supports it and closes it otherwise.
func AbortOrClose(w io.WriteCloser) {
	if a, ok := w.(Aborter); ok {
		a.Abort()
		return
	}
	w.Close()
}

// CheckAuthority fails with IncorrectCredentials when file does not belong to
// the backend instance identified by current.
func CheckAuthority(current Authority, file FileDescriptor) *Error {
	if file.Authority.Kind != current.Kind {
		return NewError(KindIncorrectCredentials, "file belongs to %s, provider serves %s",
			file.Authority.Kind, current.Kind)
	}
	if file.Authority.Credentials != nil && current.Credentials != nil &&
		!file.Authority.SameInstance(current) {
		return NewError(KindIncorrectCredentials, "file authority does not match provider authority")
	}
	return nil
}
