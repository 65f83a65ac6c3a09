package repo

import (
	"io"
	"os"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/revdiff/revdiff/internal/comp"
	"github.com/revdiff/revdiff/internal/debug"
	"github.com/revdiff/revdiff/internal/errors"
	"github.com/revdiff/revdiff/internal/fpath"
	"github.com/revdiff/revdiff/internal/fs"
	"github.com/revdiff/revdiff/internal/hardlink"
	"github.com/revdiff/revdiff/internal/meta"
)

// SessionInfo summarizes the on-disk traces of one session timestamp.
type SessionInfo struct {
	Time time.Time

	HasMarker      bool
	HasSnapshot    bool
	SnapshotCodec  comp.Codec
	HasHardlinks   bool
	HardlinksCodec comp.Codec
	HasStatistics  bool
}

// Committed reports whether the session left a metadata snapshot. A
// commit removes the previous session's marker, so older sessions keep
// only their snapshot. Truncation of the snapshot is checked separately,
// it requires reading the file.
func (s SessionInfo) Committed() bool {
	return s.HasSnapshot
}

// Timeline is a scan of the data directory: every session timestamp
// that left a marker, snapshot, hardlink file or statistics file.
type Timeline struct {
	repo *Repository

	// Sessions in ascending timestamp order.
	Sessions []SessionInfo

	incCache *lru.Cache[string, []Increment]

	// snapComplete caches snapshot completeness checks per session.
	snapComplete map[time.Time]bool
}

// incCacheSize bounds the per-directory increment listing cache used
// during restore, which revisits parent directories once per path.
const incCacheSize = 1024

// ScanTimeline reads the data directory and assembles the timeline.
func (r *Repository) ScanTimeline() (*Timeline, error) {
	entries, err := os.ReadDir(r.DataPath())
	if err != nil {
		return nil, errors.Wrap(err, "ReadDir")
	}

	byTime := map[time.Time]*SessionInfo{}
	get := func(t time.Time) *SessionInfo {
		if s, ok := byTime[t]; ok {
			return s
		}
		s := &SessionInfo{Time: t}
		byTime[t] = s
		return s
	}

	for _, e := range entries {
		name := e.Name()

		if t, ok := ParseMarkerName(name); ok {
			get(t).HasMarker = true
			continue
		}
		if t, codec, ok := ParseSnapshotName(name); ok {
			s := get(t)
			s.HasSnapshot = true
			s.SnapshotCodec = codec
			continue
		}
		if t, codec, ok := ParseHardlinksName(name); ok {
			s := get(t)
			s.HasHardlinks = true
			s.HardlinksCodec = codec
			continue
		}
		if rest, ok := cutStatisticsName(name); ok {
			if t, err := ParseTime(rest); err == nil {
				get(t).HasStatistics = true
			}
			continue
		}
	}

	tl := &Timeline{repo: r, snapComplete: map[time.Time]bool{}}
	for _, s := range byTime {
		tl.Sessions = append(tl.Sessions, *s)
	}
	sort.Slice(tl.Sessions, func(i, j int) bool {
		return tl.Sessions[i].Time.Before(tl.Sessions[j].Time)
	})

	cache, err := lru.New[string, []Increment](incCacheSize)
	if err != nil {
		return nil, errors.Wrap(err, "lru.New")
	}
	tl.incCache = cache

	debug.Log("timeline has %d sessions", len(tl.Sessions))
	return tl, nil
}

func cutStatisticsName(name string) (string, bool) {
	const prefix = "session_statistics."
	const suffix = ".data"
	if len(name) <= len(prefix)+len(suffix) {
		return "", false
	}
	if name[:len(prefix)] != prefix || name[len(name)-len(suffix):] != suffix {
		return "", false
	}
	return name[len(prefix) : len(name)-len(suffix)], true
}

// Markers returns the timestamps of all mirror markers, ascending.
func (tl *Timeline) Markers() []time.Time {
	var ts []time.Time
	for _, s := range tl.Sessions {
		if s.HasMarker {
			ts = append(ts, s.Time)
		}
	}
	return ts
}

// Latest returns the newest session that left a marker.
func (tl *Timeline) Latest() (SessionInfo, bool) {
	for i := len(tl.Sessions) - 1; i >= 0; i-- {
		if tl.Sessions[i].HasMarker {
			return tl.Sessions[i], true
		}
	}
	return SessionInfo{}, false
}

// Session returns the info for an exact timestamp.
func (tl *Timeline) Session(t time.Time) (SessionInfo, bool) {
	for _, s := range tl.Sessions {
		if s.Time.Equal(t) {
			return s, true
		}
	}
	return SessionInfo{}, false
}

// AsOf returns the newest committed session at or before t.
func (tl *Timeline) AsOf(t time.Time) (SessionInfo, bool) {
	for i := len(tl.Sessions) - 1; i >= 0; i-- {
		s := tl.Sessions[i]
		if s.Committed() && !s.Time.After(t) {
			return s, true
		}
	}
	return SessionInfo{}, false
}

// NeedsRegress reports whether the repository holds an orphaned session:
// two markers, or a marker without a complete metadata snapshot. The
// returned info names the session to regress.
func (tl *Timeline) NeedsRegress() (SessionInfo, bool) {
	markers := tl.Markers()
	if len(markers) > 1 {
		// the newest marker belongs to the unfinished session
		s, _ := tl.Session(markers[len(markers)-1])
		return s, true
	}
	if len(markers) == 1 {
		s, _ := tl.Session(markers[0])
		if !s.HasSnapshot || !tl.snapshotComplete(s) {
			return s, true
		}
	}
	return SessionInfo{}, false
}

// snapshotComplete reports whether the session's metadata snapshot
// carries its end marker. A session that crashed while writing leaves
// the snapshot file behind without one, which only reading reveals. The
// result is cached for the lifetime of the timeline; an unreadable
// snapshot counts as incomplete.
func (tl *Timeline) snapshotComplete(s SessionInfo) bool {
	if done, ok := tl.snapComplete[s.Time]; ok {
		return done
	}
	complete := tl.readSnapshotEnd(s)
	tl.snapComplete[s.Time] = complete
	return complete
}

func (tl *Timeline) readSnapshotEnd(s SessionInfo) bool {
	rd, closer, err := tl.repo.OpenSnapshot(s)
	if err != nil {
		debug.Log("open snapshot %v: %v", FormatTime(s.Time), err)
		return false
	}
	defer func() { _ = closer.Close() }()

	for {
		_, err := rd.Next()
		if err == io.EOF {
			return true
		}
		if err != nil {
			debug.Log("snapshot %v: %v", FormatTime(s.Time), err)
			return false
		}
	}
}

// OpenSnapshot opens the metadata snapshot of a session for reading.
// The returned closer releases both the decompressor and the file.
func (r *Repository) OpenSnapshot(s SessionInfo) (*meta.Reader, io.Closer, error) {
	if !s.HasSnapshot {
		return nil, nil, errors.Errorf("session %v has no metadata snapshot", FormatTime(s.Time))
	}

	f, err := fs.Open(r.DataPath(SnapshotName(s.Time, s.SnapshotCodec)))
	if err != nil {
		return nil, nil, errors.Wrap(err, "Open")
	}

	zr, err := s.SnapshotCodec.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}

	return meta.NewReader(zr), multiCloser{zr, f}, nil
}

// LoadHardlinks loads the persisted hardlink groups of a session.
// Sessions without hardlinks return an empty slice.
func (r *Repository) LoadHardlinks(s SessionInfo) ([]hardlink.Group, error) {
	if !s.HasHardlinks {
		return nil, nil
	}

	f, err := fs.Open(r.DataPath(HardlinksName(s.Time, s.HardlinksCodec)))
	if err != nil {
		return nil, errors.Wrap(err, "Open")
	}
	defer func() { _ = f.Close() }()

	zr, err := s.HardlinksCodec.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()

	return hardlink.Load(zr)
}

type multiCloser []io.Closer

func (m multiCloser) Close() error {
	var firsterr error
	for _, c := range m {
		if err := c.Close(); err != nil && firsterr == nil {
			firsterr = err
		}
	}
	return firsterr
}

// Increments lists the increments recorded for the children of logical
// directory dir, sorted by name. Listings are cached since restore
// resolves one listing per path and siblings share it.
func (tl *Timeline) Increments(dir fpath.Path) ([]Increment, error) {
	fsDir := tl.repo.IncrementDir(dir)

	if incs, ok := tl.incCache.Get(fsDir); ok {
		return incs, nil
	}

	entries, err := os.ReadDir(fsDir)
	if errors.Is(err, os.ErrNotExist) {
		tl.incCache.Add(fsDir, nil)
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "ReadDir")
	}

	var incs []Increment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		inc, err := ParseIncrementName(e.Name())
		if err != nil {
			debug.Log("skipping %v: %v", e.Name(), err)
			continue
		}
		incs = append(incs, inc)
	}

	sort.Slice(incs, func(i, j int) bool {
		if incs[i].Base != incs[j].Base {
			return incs[i].Base < incs[j].Base
		}
		return incs[i].Time.Before(incs[j].Time)
	})

	tl.incCache.Add(fsDir, incs)
	return incs, nil
}

// PathIncrements returns the increments recorded for one logical path,
// newest first.
func (tl *Timeline) PathIncrements(p fpath.Path) ([]Increment, error) {
	var dir fpath.Path
	var base string
	if p.IsRoot() {
		// the root's increments sit in the data directory itself and are
		// not cached, there is only one listing
		return tl.rootIncrements()
	}

	dir = p.Parent()
	base = tl.repo.Config.Quoting.Quote(p.Base())

	all, err := tl.Increments(dir)
	if err != nil {
		return nil, err
	}

	var incs []Increment
	for _, inc := range all {
		if inc.Base == base {
			incs = append(incs, inc)
		}
	}
	sort.Slice(incs, func(i, j int) bool {
		return incs[i].Time.After(incs[j].Time)
	})
	return incs, nil
}

func (tl *Timeline) rootIncrements() ([]Increment, error) {
	entries, err := os.ReadDir(tl.repo.DataPath())
	if err != nil {
		return nil, errors.Wrap(err, "ReadDir")
	}

	var incs []Increment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		inc, err := ParseIncrementName(e.Name())
		if err != nil || inc.Base != IncrementsDir {
			continue
		}
		incs = append(incs, inc)
	}
	sort.Slice(incs, func(i, j int) bool {
		return incs[i].Time.After(incs[j].Time)
	})
	return incs, nil
}
