// Package fs implements the filesystem access used by the engine. It wraps
// the stdlib os functions so that call sites stay short, and adds the
// extended attributes, device node and atomic-write helpers the mirror and
// restore code need.
package fs

import (
	"os"
	"time"
)

// Mkdir creates a new directory with the specified name and permission bits.
func Mkdir(name string, perm os.FileMode) error {
	return os.Mkdir(name, perm)
}

// MkdirAll creates a directory named path, along with any necessary parents.
func MkdirAll(path string, perm os.FileMode) error {
	return os.MkdirAll(path, perm)
}

// Readlink returns the destination of the named symbolic link.
func Readlink(name string) (string, error) {
	return os.Readlink(name)
}

// Remove removes the named file or directory.
func Remove(name string) error {
	return os.Remove(name)
}

// RemoveAll removes path and any children it contains.
func RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// Rename renames (moves) oldpath to newpath.
func Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

// Symlink creates newname as a symbolic link to oldname.
func Symlink(oldname, newname string) error {
	return os.Symlink(oldname, newname)
}

// Link creates newname as a hard link to oldname.
func Link(oldname, newname string) error {
	return os.Link(oldname, newname)
}

// Stat returns a FileInfo describing the named file.
func Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

// Lstat returns the FileInfo structure describing the named file, without
// following symbolic links.
func Lstat(name string) (os.FileInfo, error) {
	return os.Lstat(name)
}

// Open opens a file for reading.
func Open(name string) (*os.File, error) {
	return os.Open(name)
}

// OpenFile is the generalized open call.
func OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(name, flag, perm)
}

// Chmod changes the mode of the named file to mode.
func Chmod(name string, mode os.FileMode) error {
	return os.Chmod(name, mode)
}

// Chtimes changes the access and modification times of the named file.
func Chtimes(name string, atime time.Time, mtime time.Time) error {
	return os.Chtimes(name, atime, mtime)
}
