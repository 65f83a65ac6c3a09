// Package meta implements the metadata snapshot store. Every session writes
// one compressed, append-only snapshot holding a metadata entry per path, in
// ascending path order. The previous session's snapshot is one of the three
// streams the comparator merges.
package meta

import (
	"os"
	"os/user"
	"strconv"
	"sync"
	"time"

	"github.com/revdiff/revdiff/internal/fs"
	"github.com/revdiff/revdiff/internal/fpath"
)

// Entry holds the attributes of one path as of one session.
type Entry struct {
	Path       fpath.Path  `json:"path"`
	Type       string      `json:"type"`
	Mode       os.FileMode `json:"mode,omitempty"`
	ModTime    time.Time   `json:"mtime,omitempty"`
	AccessTime time.Time   `json:"atime,omitempty"`
	ChangeTime time.Time   `json:"ctime,omitempty"`
	UID        uint32      `json:"uid"`
	GID        uint32      `json:"gid"`
	User       string      `json:"user,omitempty"`
	Group      string      `json:"group,omitempty"`
	Size       uint64      `json:"size,omitempty"`
	LinkTarget string      `json:"linktarget,omitempty"`
	Device     uint64      `json:"device,omitempty"` // st_rdev for device nodes

	ExtendedAttributes []fs.ExtendedAttribute `json:"extended_attributes,omitempty"`
	ACL                []byte                 `json:"acl,omitempty"` // opaque, collaborator-provided

	// HardlinkGroup links this path into an equivalence class of paths that
	// share storage, nil for paths that do not.
	HardlinkGroup *uint64 `json:"hardlink_group,omitempty"`

	// Err carries a per-path integrity or read error attached to this entry
	// at runtime. It is never persisted.
	Err error `json:"-"`
}

// TypeFromFileInfo maps a file mode to the entry type tag.
func TypeFromFileInfo(fi os.FileInfo) string {
	switch fi.Mode() & os.ModeType {
	case 0:
		return "file"
	case os.ModeDir:
		return "dir"
	case os.ModeSymlink:
		return "symlink"
	case os.ModeDevice | os.ModeCharDevice:
		return "chardev"
	case os.ModeDevice:
		return "dev"
	case os.ModeNamedPipe:
		return "fifo"
	case os.ModeSocket:
		return "socket"
	}
	return "irregular"
}

// NewEntry builds an entry for path from a stat result. The caller fills in
// LinkTarget, xattrs and the hardlink group.
func NewEntry(path fpath.Path, fi os.FileInfo) *Entry {
	mask := os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky
	efi := fs.ExtendedStat(fi)

	e := &Entry{
		Path:       path,
		Type:       TypeFromFileInfo(fi),
		Mode:       fi.Mode() & mask,
		ModTime:    efi.ModTime,
		AccessTime: efi.AccessTime,
		ChangeTime: efi.ChangeTime,
		UID:        efi.UID,
		GID:        efi.GID,
		User:       lookupUsername(efi.UID),
		Group:      lookupGroup(efi.GID),
	}

	switch e.Type {
	case "file":
		e.Size = uint64(fi.Size())
	case "dev", "chardev":
		e.Device = efi.DeviceID
	}

	return e
}

// IsRegular reports whether the entry describes a regular file.
func (e *Entry) IsRegular() bool {
	return e.Type == "file"
}

// ContentEqual reports whether two entries describe the same content by the
// cheap signals available without reading data: type, size and mtime.
func (e *Entry) ContentEqual(other *Entry) bool {
	if e.Type != other.Type {
		return false
	}

	switch e.Type {
	case "file":
		return e.Size == other.Size && e.ModTime.Equal(other.ModTime)
	case "symlink":
		return e.LinkTarget == other.LinkTarget
	case "dev", "chardev":
		return e.Device == other.Device
	default:
		return true
	}
}

// MetadataEqual reports whether the recorded attributes of two entries
// match: ownership, permissions, xattrs and the ACL blob.
func (e *Entry) MetadataEqual(other *Entry) bool {
	if e.Mode != other.Mode || e.UID != other.UID || e.GID != other.GID {
		return false
	}

	if len(e.ExtendedAttributes) != len(other.ExtendedAttributes) {
		return false
	}
	for i, attr := range e.ExtendedAttributes {
		o := other.ExtendedAttributes[i]
		if attr.Name != o.Name || string(attr.Value) != string(o.Value) {
			return false
		}
	}

	if string(e.ACL) != string(other.ACL) {
		return false
	}

	return true
}

// Apply restores the entry's metadata onto localpath: ownership, timestamps,
// xattrs, mode. The first error is returned, later steps are still tried.
func (e *Entry) Apply(localpath string) error {
	var firsterr error

	if err := fs.Lchown(localpath, int(e.UID), int(e.GID)); err != nil {
		// only root may restore ownership
		if os.Geteuid() == 0 {
			firsterr = err
		}
	}

	if len(e.ExtendedAttributes) > 0 {
		if err := fs.SetExtendedAttributes(localpath, e.ExtendedAttributes); err != nil && firsterr == nil {
			firsterr = err
		}
	}

	if err := fs.Utimes(localpath, e.AccessTime, e.ModTime); err != nil && firsterr == nil {
		firsterr = err
	}

	if e.Type != "symlink" {
		if err := fs.Chmod(localpath, e.Mode); err != nil && firsterr == nil {
			firsterr = err
		}
	}

	return firsterr
}

// uid/gid lookups hit /etc/passwd, cache them for the duration of a scan
var (
	usernameOnce sync.Map // uint32 -> string
	groupOnce    sync.Map
)

func lookupUsername(uid uint32) string {
	if v, ok := usernameOnce.Load(uid); ok {
		return v.(string)
	}

	name := ""
	if u, err := user.LookupId(strconv.Itoa(int(uid))); err == nil {
		name = u.Username
	}
	usernameOnce.Store(uid, name)
	return name
}

func lookupGroup(gid uint32) string {
	if v, ok := groupOnce.Load(gid); ok {
		return v.(string)
	}

	name := ""
	if g, err := user.LookupGroupId(strconv.Itoa(int(gid))); err == nil {
		name = g.Name
	}
	groupOnce.Store(gid, name)
	return name
}
