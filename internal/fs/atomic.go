package fs

import (
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/revdiff/revdiff/internal/errors"
)

// WriteFileAtomic writes the data from rd to a temporary file next to
// filename, syncs it and renames it into place, so that a crash never leaves
// a partially written file under the final name. The containing directory is
// synced afterwards to commit the rename.
func WriteFileAtomic(filename string, mode os.FileMode, rd io.Reader) (n int64, err error) {
	dir := filepath.Dir(filename)

	f, err := os.CreateTemp(dir, filepath.Base(filename)+"-tmp-")
	if err != nil {
		return 0, errors.WithStack(err)
	}

	defer func() {
		if err != nil {
			_ = f.Close() // double Close is harmless
			_ = Remove(f.Name())
		}
	}()

	n, err = io.Copy(f, rd)
	if err != nil {
		// keep ENOSPC unwrapped, the operator needs to see it verbatim
		if errors.Is(err, syscall.ENOSPC) {
			return n, err
		}
		return n, errors.WithStack(err)
	}

	err = f.Sync()
	syncNotSup := err != nil && errors.Is(err, syscall.ENOTSUP)
	if err != nil && !syncNotSup {
		return n, errors.WithStack(err)
	}

	if err = f.Chmod(mode); err != nil {
		return n, errors.WithStack(err)
	}

	// Close, then rename. Windows doesn't like the reverse order.
	if err = f.Close(); err != nil {
		return n, errors.WithStack(err)
	}
	if err = os.Rename(f.Name(), filename); err != nil {
		return n, errors.WithStack(err)
	}

	if !syncNotSup {
		if err = FsyncDir(dir); err != nil {
			return n, err
		}
	}

	return n, nil
}

// FsyncDir flushes changes to the directory dir.
func FsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.WithStack(err)
	}

	err = d.Sync()
	if err != nil && (errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.EINVAL)) {
		err = nil
	}

	cerr := d.Close()
	if err == nil && cerr != nil {
		err = errors.WithStack(cerr)
	}

	return err
}
