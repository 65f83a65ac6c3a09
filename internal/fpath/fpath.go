// Package fpath defines repository-relative paths and the total order the
// engine relies on. All listings, metadata snapshots and increment replays
// are processed in this order, so the comparator can merge several streams
// in lock-step.
package fpath

import (
	"path"
	"strings"

	"github.com/revdiff/revdiff/internal/errors"
)

// Path is a repository-relative path with "/" as separator. The empty Path
// denotes the repository root itself.
type Path string

// Root is the path of the repository root.
const Root Path = ""

// Parse validates and cleans s into a Path. Absolute paths and paths
// escaping the repository root are rejected.
func Parse(s string) (Path, error) {
	if strings.ContainsRune(s, 0) {
		return Root, errors.Errorf("path %q contains a NUL byte", s)
	}

	if strings.HasPrefix(s, "/") {
		return Root, errors.Errorf("path %q is absolute", s)
	}

	clean := path.Clean(s)
	if clean == "." {
		return Root, nil
	}

	if clean == ".." || strings.HasPrefix(clean, "../") {
		return Root, errors.Errorf("path %q escapes the repository root", s)
	}

	return Path(clean), nil
}

// Join appends further components to p.
func (p Path) Join(name string) Path {
	if p == Root {
		return Path(name)
	}
	return Path(string(p) + "/" + name)
}

// Components splits p into its path components. The root has none.
func (p Path) Components() []string {
	if p == Root {
		return nil
	}
	return strings.Split(string(p), "/")
}

// Base returns the last component of p.
func (p Path) Base() string {
	if p == Root {
		return ""
	}
	return path.Base(string(p))
}

// Parent returns the path one level up from p, or Root.
func (p Path) Parent() Path {
	i := strings.LastIndexByte(string(p), '/')
	if i < 0 {
		return Root
	}
	return p[:i]
}

// IsRoot reports whether p denotes the repository root.
func (p Path) IsRoot() bool {
	return p == Root
}

// IsAncestorOf reports whether p is an ancestor directory of other.
func (p Path) IsAncestorOf(other Path) bool {
	if p == Root {
		return other != Root
	}
	return strings.HasPrefix(string(other), string(p)+"/")
}

func (p Path) String() string {
	if p == Root {
		return "."
	}
	return string(p)
}

// Compare returns -1, 0 or 1 ordering a and b component-wise. A directory
// sorts before its own descendants, siblings compare by name. This differs
// from plain string comparison: "foo-bar" compares after "foo/bar" because
// the first components "foo-bar" and "foo" decide.
func Compare(a, b Path) int {
	if a == b {
		return 0
	}

	sa, sb := string(a), string(b)

	// The root precedes everything.
	if a == Root {
		return -1
	}
	if b == Root {
		return 1
	}

	for {
		ia := strings.IndexByte(sa, '/')
		ib := strings.IndexByte(sb, '/')

		ca, cb := sa, sb
		if ia >= 0 {
			ca = sa[:ia]
		}
		if ib >= 0 {
			cb = sb[:ib]
		}

		if c := strings.Compare(ca, cb); c != 0 {
			return c
		}

		switch {
		case ia < 0 && ib < 0:
			return 0
		case ia < 0:
			// a is a prefix (ancestor) of b
			return -1
		case ib < 0:
			return 1
		}

		sa, sb = sa[ia+1:], sb[ib+1:]
	}
}

// Less reports whether p sorts before other.
func (p Path) Less(other Path) bool {
	return Compare(p, other) < 0
}
