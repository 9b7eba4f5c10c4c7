// Package fs holds afero helpers shared by the local providers and the remote
// file cache: OS error classification, atomic writes and ignore patterns.
package fs

import (
	"errors"
	"os"
	"syscall"

	"github.com/spf13/afero"

	"kpvault-go/internal/vfs"
)

// ClassifyError maps an OS-level error onto the error taxonomy.
func ClassifyError(err error, op, path string) *vfs.Error {
	if err == nil {
		return nil
	}
	if e, ok := vfs.AsError(err); ok {
		return e
	}
	switch {
	case errors.Is(err, os.ErrNotExist):
		return vfs.WrapError(vfs.KindFileNotFound, err, "%s %s", op, path)
	case errors.Is(err, os.ErrPermission):
		return vfs.WrapError(vfs.KindFileAccessForbidden, err, "%s %s", op, path)
	case errors.Is(err, syscall.ENOTDIR):
		return vfs.WrapError(vfs.KindNotADirectory, err, "%s %s", op, path)
	case errors.Is(err, syscall.EROFS):
		return vfs.WrapError(vfs.KindWriteNotSupported, err, "%s %s", op, path)
	}
	return vfs.WrapError(vfs.KindGenericIO, err, "%s %s", op, path)
}

// Stat returns file info for path, rejecting file types a vault cannot live in.
func Stat(fsys afero.Fs, path string) (os.FileInfo, *vfs.Error) {
	info, err := fsys.Stat(path)
	if err != nil {
		return nil, ClassifyError(err, "stat", path)
	}
	mode := info.Mode()
	switch {
	case mode&os.ModeDevice != 0:
		return nil, vfs.NewError(vfs.KindGenericIO, "device files not supported: %s", path)
	case mode&os.ModeNamedPipe != 0:
		return nil, vfs.NewError(vfs.KindGenericIO, "named pipes not supported: %s", path)
	case mode&os.ModeSocket != 0:
		return nil, vfs.NewError(vfs.KindGenericIO, "sockets not supported: %s", path)
	}
	return info, nil
}

// ReadDir lists path, skipping special files and in-flight temp files.
func ReadDir(fsys afero.Fs, path string) ([]os.FileInfo, *vfs.Error) {
	infos, err := afero.ReadDir(fsys, path)
	if err != nil {
		return nil, ClassifyError(err, "list", path)
	}
	out := infos[:0]
	for _, info := range infos {
		if IsTempFile(info.Name()) {
			continue
		}
		if info.IsDir() || info.Mode().IsRegular() {
			out = append(out, info)
		}
	}
	return out, nil
}
