// Package repo implements the on-disk repository: the mirror tree plus
// the rdiff-backup-data directory holding markers, metadata snapshots,
// increments and the lock.
package repo

import (
	"strings"
	"time"

	"github.com/revdiff/revdiff/internal/comp"
	"github.com/revdiff/revdiff/internal/errors"
)

const (
	// DataDir is the repository data directory at the mirror root.
	DataDir = "rdiff-backup-data"

	// IncrementsDir holds the reverse increments, inside DataDir.
	IncrementsDir = "increments"

	configName = "config"
	lockName   = "lock"
)

// TimeFormat is the session timestamp format used in file names. Second
// granularity; two sessions within the same second are rejected.
const TimeFormat = "2006-01-02T15:04:05Z07:00"

// IncrementKind tags what an increment file holds.
type IncrementKind string

const (
	// KindDiff is a reverse delta from the new mirror content back to
	// the previous content.
	KindDiff IncrementKind = "diff"
	// KindSnapshot is a full copy of the previous content, written when
	// a delta would not be worthwhile or the types changed.
	KindSnapshot IncrementKind = "snapshot"
	// KindMissing records that the path did not exist before.
	KindMissing IncrementKind = "missing"
	// KindDir records that the path was a directory before.
	KindDir IncrementKind = "dir"
	// KindSpecial records that the path was a symlink, device, fifo or
	// socket before. Its attributes live in the metadata snapshot.
	KindSpecial IncrementKind = "special"
	// KindAttrs records an attribute-only change. The content is
	// untouched, the previous attributes live in the earlier metadata
	// snapshot.
	KindAttrs IncrementKind = "attrs"
)

func (k IncrementKind) valid() bool {
	switch k {
	case KindDiff, KindSnapshot, KindMissing, KindDir, KindSpecial, KindAttrs:
		return true
	}
	return false
}

// FormatTime renders a session timestamp for a file name.
func FormatTime(t time.Time) string {
	return t.Truncate(time.Second).Format(TimeFormat)
}

// ParseTime parses a session timestamp from a file name.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}

// MarkerName returns the name of the mirror marker for session time t,
// relative to DataDir.
func MarkerName(t time.Time) string {
	return "current_mirror." + FormatTime(t) + ".data"
}

// ParseMarkerName extracts the session time from a marker file name.
func ParseMarkerName(name string) (time.Time, bool) {
	rest, ok := strings.CutPrefix(name, "current_mirror.")
	if !ok {
		return time.Time{}, false
	}
	rest, ok = strings.CutSuffix(rest, ".data")
	if !ok {
		return time.Time{}, false
	}
	t, err := ParseTime(rest)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// SnapshotName returns the metadata snapshot file name for session time
// t, relative to DataDir.
func SnapshotName(t time.Time, codec comp.Codec) string {
	return "mirror_metadata." + FormatTime(t) + ".snapshot" + codec.Ext()
}

// ParseSnapshotName extracts session time and codec from a metadata
// snapshot file name.
func ParseSnapshotName(name string) (time.Time, comp.Codec, bool) {
	rest, ok := strings.CutPrefix(name, "mirror_metadata.")
	if !ok {
		return time.Time{}, "", false
	}

	i := strings.Index(rest, ".snapshot.")
	if i < 0 {
		return time.Time{}, "", false
	}

	t, err := ParseTime(rest[:i])
	if err != nil {
		return time.Time{}, "", false
	}

	codec, err := comp.Parse(rest[i+len(".snapshot."):])
	if err != nil {
		return time.Time{}, "", false
	}

	return t, codec, true
}

// HardlinksName returns the hardlink group file name for session time t,
// relative to DataDir.
func HardlinksName(t time.Time, codec comp.Codec) string {
	return "hardlinks." + FormatTime(t) + ".data" + codec.Ext()
}

// ParseHardlinksName extracts session time and codec from a hardlink
// group file name.
func ParseHardlinksName(name string) (time.Time, comp.Codec, bool) {
	rest, ok := strings.CutPrefix(name, "hardlinks.")
	if !ok {
		return time.Time{}, "", false
	}

	i := strings.Index(rest, ".data.")
	if i < 0 {
		return time.Time{}, "", false
	}

	t, err := ParseTime(rest[:i])
	if err != nil {
		return time.Time{}, "", false
	}

	codec, err := comp.Parse(rest[i+len(".data."):])
	if err != nil {
		return time.Time{}, "", false
	}

	return t, codec, true
}

// StatisticsName returns the session statistics file name for session
// time t, relative to DataDir.
func StatisticsName(t time.Time) string {
	return "session_statistics." + FormatTime(t) + ".data"
}

// IncrementName builds the file name of an increment for the quoted base
// name of a path. Diff and snapshot increments carry a codec extension,
// the marker kinds are bare.
func IncrementName(quotedBase string, t time.Time, kind IncrementKind, codec comp.Codec) string {
	name := quotedBase + "." + FormatTime(t) + "." + string(kind)
	switch kind {
	case KindDiff, KindSnapshot:
		name += codec.Ext()
	}
	return name
}

// Increment describes one parsed increment file name.
type Increment struct {
	Base  string // quoted base name of the path
	Time  time.Time
	Kind  IncrementKind
	Codec comp.Codec // set for diff and snapshot kinds only
}

// ParseIncrementName parses an increment file name. The base name may
// itself contain dots, so the name is parsed from the right.
func ParseIncrementName(name string) (Increment, error) {
	var inc Increment

	rest := name

	// optional codec extension
	if i := strings.LastIndexByte(rest, '.'); i >= 0 {
		if codec, err := comp.Parse(rest[i+1:]); err == nil {
			inc.Codec = codec
			rest = rest[:i]
		}
	}

	i := strings.LastIndexByte(rest, '.')
	if i < 0 {
		return Increment{}, errors.Errorf("malformed increment name %q", name)
	}
	inc.Kind = IncrementKind(rest[i+1:])
	if !inc.Kind.valid() {
		return Increment{}, errors.Errorf("unknown increment kind in %q", name)
	}
	rest = rest[:i]

	i = strings.LastIndexByte(rest, '.')
	if i < 0 {
		return Increment{}, errors.Errorf("malformed increment name %q", name)
	}
	t, err := ParseTime(rest[i+1:])
	if err != nil {
		return Increment{}, errors.Errorf("bad timestamp in increment name %q", name)
	}
	inc.Time = t
	inc.Base = rest[:i]

	switch inc.Kind {
	case KindDiff, KindSnapshot:
		if inc.Codec == "" {
			return Increment{}, errors.Errorf("increment %q is missing its codec extension", name)
		}
	default:
		if inc.Codec != "" {
			return Increment{}, errors.Errorf("increment %q has an unexpected codec extension", name)
		}
	}

	return inc, nil
}
