package fs

import (
	"github.com/pkg/xattr"
	"golang.org/x/sys/unix"

	"github.com/revdiff/revdiff/internal/errors"
)

// ExtendedAttribute is one xattr name/value pair of a path.
type ExtendedAttribute struct {
	Name  string `json:"name"`
	Value []byte `json:"value"`
}

// ListExtendedAttributes returns all extended attributes of path, without
// following symlinks. A filesystem without xattr support yields an empty
// list, not an error.
func ListExtendedAttributes(path string) ([]ExtendedAttribute, error) {
	names, err := xattr.LList(path)
	if err != nil {
		if isXattrErrno(err, xattr.ENOATTR) || isXattrErrno(err, unix.ENOTSUP) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "LList")
	}

	attrs := make([]ExtendedAttribute, 0, len(names))
	for _, name := range names {
		value, err := xattr.LGet(path, name)
		if err != nil {
			// attribute may have vanished between list and get
			if isXattrErrno(err, xattr.ENOATTR) {
				continue
			}
			return attrs, errors.Wrapf(err, "LGet %v", name)
		}
		attrs = append(attrs, ExtendedAttribute{Name: name, Value: value})
	}

	return attrs, nil
}

// SetExtendedAttributes applies attrs to path, without following symlinks.
func SetExtendedAttributes(path string, attrs []ExtendedAttribute) error {
	var firsterr error
	for _, attr := range attrs {
		err := xattr.LSet(path, attr.Name, attr.Value)
		if err != nil && firsterr == nil {
			firsterr = errors.Wrapf(err, "LSet %v", attr.Name)
		}
	}
	return firsterr
}

func isXattrErrno(err error, errno error) bool {
	var xerr *xattr.Error
	if errors.As(err, &xerr) {
		return xerr.Err == errno
	}
	return errors.Is(err, errno)
}
