//go:build linux

package fs

import (
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/revdiff/revdiff/internal/errors"
)

// ExtendedFileInfo carries the stat fields the engine needs beyond
// os.FileInfo: device and inode for hardlink tracking, ownership, the device
// numbers of special files and the full set of timestamps.
type ExtendedFileInfo struct {
	Name string
	Mode os.FileMode
	Size int64

	Device   uint64 // device the file lives on, st_dev
	Inode    uint64
	Links    uint64
	UID      uint32
	GID      uint32
	DeviceID uint64 // st_rdev, for device nodes

	AccessTime time.Time
	ModTime    time.Time
	ChangeTime time.Time
}

// ExtendedStat returns an ExtendedFileInfo for fi as returned by Lstat.
func ExtendedStat(fi os.FileInfo) ExtendedFileInfo {
	s, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return ExtendedFileInfo{
			Name:    fi.Name(),
			Mode:    fi.Mode(),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		}
	}

	return ExtendedFileInfo{
		Name: fi.Name(),
		Mode: fi.Mode(),
		Size: fi.Size(),

		Device:   uint64(s.Dev),
		Inode:    s.Ino,
		Links:    uint64(s.Nlink),
		UID:      s.Uid,
		GID:      s.Gid,
		DeviceID: uint64(s.Rdev),

		AccessTime: time.Unix(s.Atim.Unix()),
		ModTime:    fi.ModTime(),
		ChangeTime: time.Unix(s.Ctim.Unix()),
	}
}

// Lchown changes the numeric uid and gid of the named file, without
// following symlinks.
func Lchown(name string, uid, gid int) error {
	return os.Lchown(name, uid, gid)
}

// Utimes sets access and modification times without following symlinks.
func Utimes(name string, atime, mtime time.Time) error {
	times := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}
	return unix.UtimesNanoAt(unix.AT_FDCWD, name, times, unix.AT_SYMLINK_NOFOLLOW)
}

// Mknod creates a device node or FIFO.
func Mknod(name string, mode os.FileMode, dev uint64) error {
	umode, err := unixMode(mode)
	if err != nil {
		return err
	}
	return unix.Mknod(name, umode, int(dev))
}

// Mkfifo creates a named pipe.
func Mkfifo(name string, mode os.FileMode) error {
	return unix.Mkfifo(name, uint32(mode.Perm()))
}

func unixMode(mode os.FileMode) (uint32, error) {
	m := uint32(mode.Perm())

	switch mode & os.ModeType {
	case os.ModeDevice:
		m |= unix.S_IFBLK
	case os.ModeDevice | os.ModeCharDevice:
		m |= unix.S_IFCHR
	case os.ModeNamedPipe:
		m |= unix.S_IFIFO
	case os.ModeSocket:
		m |= unix.S_IFSOCK
	case 0:
		m |= unix.S_IFREG
	default:
		return 0, errors.Errorf("mode %v cannot be created with mknod", mode)
	}

	return m, nil
}
