package session_test

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/revdiff/revdiff/internal/comp"
	"github.com/revdiff/revdiff/internal/debug"
	"github.com/revdiff/revdiff/internal/errors"
	"github.com/revdiff/revdiff/internal/fpath"
	"github.com/revdiff/revdiff/internal/quoting"
	"github.com/revdiff/revdiff/internal/rdelta"
	"github.com/revdiff/revdiff/internal/repo"
	"github.com/revdiff/revdiff/internal/session"
	rtest "github.com/revdiff/revdiff/internal/test"
)

var (
	sessionTime1 = time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	sessionTime2 = time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC)
)

func setup(t testing.TB) (source string, r *repo.Repository) {
	t.Helper()
	tempdir := rtest.TempDir(t)

	source = filepath.Join(tempdir, "source")
	rtest.OK(t, os.MkdirAll(filepath.Join(source, "sub"), 0755))
	rtest.WriteFile(t, source, "keep.txt", []byte("stable content"))
	rtest.WriteFile(t, source, "change.txt", bytes.Repeat([]byte("0123456789abcdef"), 1024))
	rtest.WriteFile(t, filepath.Join(source, "sub"), "gone.txt", []byte("to be deleted"))
	rtest.OK(t, os.Symlink("keep.txt", filepath.Join(source, "link")))

	cfg, err := repo.NewConfig(quoting.None, comp.Gzip)
	rtest.OK(t, err)
	r, err = repo.Create(filepath.Join(tempdir, "repo"), cfg)
	rtest.OK(t, err)
	return source, r
}

func runSession(t testing.TB, r *repo.Repository, source string, ts time.Time) *session.Stats {
	t.Helper()
	stats, err := session.Run(context.Background(), r, source, session.Options{Time: ts})
	rtest.OK(t, err)
	return stats
}

func readFile(t testing.TB, path string) []byte {
	t.Helper()
	buf, err := os.ReadFile(path)
	rtest.OK(t, err)
	return buf
}

func markerCount(t testing.TB, r *repo.Repository) int {
	t.Helper()
	tl, err := r.ScanTimeline()
	rtest.OK(t, err)
	return len(tl.Markers())
}

func TestSessionFirstBackup(t *testing.T) {
	source, r := setup(t)

	stats := runSession(t, r, source, sessionTime1)

	// root, sub, keep.txt, change.txt, gone.txt, link
	rtest.Equals(t, uint64(6), stats.SourceFiles)
	// the mirror root itself already exists, everything below it is new
	rtest.Equals(t, uint64(5), stats.NewFiles)
	rtest.Equals(t, uint64(0), stats.ChangedFiles)
	rtest.Equals(t, uint64(0), stats.Errors)

	rtest.Equals(t, []byte("stable content"), readFile(t, r.MirrorPath("keep.txt")))
	rtest.Equals(t, []byte("to be deleted"), readFile(t, r.MirrorPath("sub/gone.txt")))

	target, err := os.Readlink(r.MirrorPath("link"))
	rtest.OK(t, err)
	rtest.Equals(t, "keep.txt", target)

	rtest.Equals(t, 1, markerCount(t, r))

	// the metadata snapshot is complete and ordered
	tl, err := r.ScanTimeline()
	rtest.OK(t, err)
	latest, ok := tl.Latest()
	rtest.Assert(t, ok, "no latest session")
	rd, closer, err := r.OpenSnapshot(latest)
	rtest.OK(t, err)
	defer func() { rtest.OK(t, closer.Close()) }()

	var paths []fpath.Path
	for {
		e, err := rd.Next()
		if err == io.EOF {
			break
		}
		rtest.OK(t, err)
		rtest.OK(t, e.Err)
		paths = append(paths, e.Path)
	}
	rtest.Assert(t, rd.Complete(), "snapshot has no end marker")
	rtest.Equals(t, []fpath.Path{"", "change.txt", "keep.txt", "link", "sub", "sub/gone.txt"}, paths)
}

func TestSessionIncremental(t *testing.T) {
	source, r := setup(t)
	runSession(t, r, source, sessionTime1)

	oldContent := readFile(t, filepath.Join(source, "change.txt"))

	// change, delete, add
	newContent := append(bytes.Repeat([]byte("0123456789abcdef"), 1024), []byte("tail")...)
	rtest.WriteFile(t, source, "change.txt", newContent)
	rtest.OK(t, os.Remove(filepath.Join(source, "sub", "gone.txt")))
	rtest.WriteFile(t, source, "added.txt", []byte("fresh"))

	stats := runSession(t, r, source, sessionTime2)

	rtest.Equals(t, uint64(1), stats.NewFiles)
	rtest.Equals(t, uint64(1), stats.DeletedFiles)
	rtest.Equals(t, uint64(1), stats.ChangedFiles)
	rtest.Equals(t, uint64(0), stats.Errors)
	rtest.Assert(t, stats.IncrementFiles >= 3, "expected increments, got %d", stats.IncrementFiles)

	// mirror reflects the new state
	rtest.Equals(t, newContent, readFile(t, r.MirrorPath("change.txt")))
	rtest.Equals(t, []byte("fresh"), readFile(t, r.MirrorPath("added.txt")))
	_, err := os.Lstat(r.MirrorPath("sub/gone.txt"))
	rtest.Assert(t, os.IsNotExist(err), "deleted file still in mirror")

	rtest.Equals(t, 1, markerCount(t, r))

	tl, err := r.ScanTimeline()
	rtest.OK(t, err)

	// the changed file got a diff increment that patches the new mirror
	// content back to the old content
	incs, err := tl.PathIncrements(fpath.Path("change.txt"))
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(incs))
	rtest.Equals(t, repo.KindDiff, incs[0].Kind)
	rtest.Assert(t, incs[0].Time.Equal(sessionTime2), "wrong increment time")

	deltaFile, err := os.Open(r.IncrementPath(fpath.Path("change.txt"), incs[0]))
	rtest.OK(t, err)
	defer func() { rtest.OK(t, deltaFile.Close()) }()
	zr, err := incs[0].Codec.NewReader(deltaFile)
	rtest.OK(t, err)

	base := bytes.NewReader(newContent)
	restored := &bytes.Buffer{}
	_, err = rdelta.Patch(base, zr, restored)
	rtest.OK(t, err)
	rtest.OK(t, zr.Close())
	rtest.Equals(t, oldContent, restored.Bytes())

	// the deleted file got a snapshot increment holding its content
	incs, err = tl.PathIncrements(fpath.Path("sub/gone.txt"))
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(incs))
	rtest.Equals(t, repo.KindSnapshot, incs[0].Kind)

	// the new file got a missing marker
	incs, err = tl.PathIncrements(fpath.Path("added.txt"))
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(incs))
	rtest.Equals(t, repo.KindMissing, incs[0].Kind)
}

func TestSessionMetadataOnly(t *testing.T) {
	source, r := setup(t)
	runSession(t, r, source, sessionTime1)

	rtest.OK(t, os.Chmod(filepath.Join(source, "keep.txt"), 0600))

	stats := runSession(t, r, source, sessionTime2)
	rtest.Equals(t, uint64(0), stats.ChangedFiles)
	rtest.Equals(t, uint64(0), stats.NewFiles)
	rtest.Equals(t, uint64(0), stats.DeletedFiles)

	fi, err := os.Lstat(r.MirrorPath("keep.txt"))
	rtest.OK(t, err)
	rtest.Equals(t, os.FileMode(0600), fi.Mode().Perm())

	tl, err := r.ScanTimeline()
	rtest.OK(t, err)
	incs, err := tl.PathIncrements(fpath.Path("keep.txt"))
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(incs))
	rtest.Equals(t, repo.KindAttrs, incs[0].Kind)
}

// snapshotPaths reads the paths recorded in a session's metadata
// snapshot.
func snapshotPaths(t testing.TB, r *repo.Repository, ts time.Time) []fpath.Path {
	t.Helper()

	tl, err := r.ScanTimeline()
	rtest.OK(t, err)
	s, ok := tl.Session(ts)
	rtest.Assert(t, ok, "session %v not found", ts)

	rd, closer, err := r.OpenSnapshot(s)
	rtest.OK(t, err)
	defer func() { rtest.OK(t, closer.Close()) }()

	var paths []fpath.Path
	for {
		e, err := rd.Next()
		if err == io.EOF {
			break
		}
		rtest.OK(t, err)
		paths = append(paths, e.Path)
	}
	return paths
}

func TestSessionMirrorWriteFailure(t *testing.T) {
	source, r := setup(t)
	runSession(t, r, source, sessionTime1)

	// wreck the mirror copy of change.txt: an empty directory in its
	// place makes every content update for the path fail
	rtest.OK(t, os.Remove(r.MirrorPath("change.txt")))
	rtest.OK(t, os.Mkdir(r.MirrorPath("change.txt"), 0755))

	newContent := append(bytes.Repeat([]byte("0123456789abcdef"), 1024), []byte("tail")...)
	rtest.WriteFile(t, source, "change.txt", newContent)

	var failed []fpath.Path
	stats, err := session.Run(context.Background(), r, source, session.Options{
		Time: sessionTime2,
		OnError: func(path fpath.Path, err error) {
			failed = append(failed, path)
		},
	})
	rtest.OK(t, err)
	rtest.Equals(t, uint64(1), stats.Errors)
	rtest.Equals(t, []fpath.Path{"change.txt"}, failed)

	// the failed path is left out of the snapshot, the others are there
	paths := snapshotPaths(t, r, sessionTime2)
	for _, p := range paths {
		rtest.Assert(t, p != "change.txt", "failed path recorded in snapshot")
	}
	rtest.Assert(t, len(paths) > 0, "snapshot is empty")

	// no increment may claim a mirror state that was never written
	tl, err := r.ScanTimeline()
	rtest.OK(t, err)
	incs, err := tl.PathIncrements(fpath.Path("change.txt"))
	rtest.OK(t, err)
	for _, inc := range incs {
		rtest.Assert(t, !inc.Time.Equal(sessionTime2),
			"stale %v increment left behind", inc.Kind)
	}

	// the next session repairs the mirror
	stats = runSession(t, r, source, sessionTime2.Add(time.Hour))
	rtest.Equals(t, uint64(0), stats.Errors)
	rtest.Equals(t, newContent, readFile(t, r.MirrorPath("change.txt")))
}

func TestSessionRefusesInconsistentRepo(t *testing.T) {
	source, r := setup(t)
	runSession(t, r, source, sessionTime1)

	// fabricate a second marker, the repository now looks mid-session
	rtest.WriteFile(t, r.DataPath(), repo.MarkerName(sessionTime2), nil)

	_, err := session.Run(context.Background(), r, source, session.Options{
		Time: sessionTime2.Add(time.Hour),
	})
	rtest.Assert(t, errors.Is(err, session.ErrInconsistent),
		"expected ErrInconsistent, got %v", err)
}

func TestSessionRejectsNonMonotonicTime(t *testing.T) {
	source, r := setup(t)
	runSession(t, r, source, sessionTime1)

	_, err := session.Run(context.Background(), r, source, session.Options{Time: sessionTime1})
	rtest.Assert(t, err != nil, "expected error for repeated session time")
}

func TestSessionCancellation(t *testing.T) {
	source, r := setup(t)

	ctx, cancel := context.WithCancel(context.Background())

	var seen int
	debug.Hook("session.increment", func(interface{}) {
		seen++
		if seen == 2 {
			cancel()
		}
	})
	defer debug.RemoveHook("session.increment")

	_, err := session.Run(ctx, r, source, session.Options{Time: sessionTime1})
	rtest.Assert(t, err != nil, "expected cancellation error")

	// the aborted session left its marker behind
	tl, err := r.ScanTimeline()
	rtest.OK(t, err)
	_, needed := tl.NeedsRegress()
	rtest.Assert(t, needed, "aborted session not detected as orphan")
}

func TestSessionQuotedMirror(t *testing.T) {
	tempdir := rtest.TempDir(t)

	source := filepath.Join(tempdir, "source")
	rtest.OK(t, os.MkdirAll(source, 0755))
	rtest.WriteFile(t, source, "bar", []byte("lower"))
	rtest.WriteFile(t, source, "BAR", []byte("upper"))

	cfg, err := repo.NewConfig(quoting.Policy{CaseInsensitive: true}, comp.Gzip)
	rtest.OK(t, err)
	r, err := repo.Create(filepath.Join(tempdir, "repo"), cfg)
	rtest.OK(t, err)

	stats := runSession(t, r, source, sessionTime1)
	rtest.Equals(t, uint64(0), stats.Errors)

	// both names survive in the mirror, distinctly quoted
	rtest.Equals(t, []byte("lower"), readFile(t, r.MirrorPath("bar")))
	rtest.Equals(t, []byte("upper"), readFile(t, r.MirrorPath("BAR")))

	// a second unchanged session sees no differences
	stats = runSession(t, r, source, sessionTime2)
	rtest.Equals(t, uint64(0), stats.NewFiles+stats.DeletedFiles+stats.ChangedFiles)
}

func TestSessionHardlinks(t *testing.T) {
	source, r := setup(t)
	rtest.OK(t, os.Link(filepath.Join(source, "keep.txt"), filepath.Join(source, "alias.txt")))

	runSession(t, r, source, sessionTime1)

	tl, err := r.ScanTimeline()
	rtest.OK(t, err)
	latest, ok := tl.Latest()
	rtest.Assert(t, ok, "no latest session")
	rtest.Assert(t, latest.HasHardlinks, "hardlink file missing")

	groups, err := r.LoadHardlinks(latest)
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(groups))
	rtest.Equals(t, []fpath.Path{"alias.txt", "keep.txt"}, groups[0].Paths)
}

func TestStatsWriteTo(t *testing.T) {
	stats := &session.Stats{
		StartTime:   sessionTime1,
		EndTime:     sessionTime1.Add(90 * time.Second),
		SourceFiles: 10,
		NewFiles:    2,
		Errors:      1,
	}

	buf := &bytes.Buffer{}
	_, err := stats.WriteTo(buf)
	rtest.OK(t, err)

	out := buf.String()
	for _, want := range []string{
		"StartTime ", "EndTime ", "ElapsedTime 90.00",
		"SourceFiles 10", "NewFiles 2", "Errors 1",
		"TotalDestinationSizeChange ",
	} {
		rtest.Assert(t, bytes.Contains(buf.Bytes(), []byte(want)),
			"statistics output lacks %q:\n%s", want, out)
	}
}
