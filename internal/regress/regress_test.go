package regress_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/revdiff/revdiff/internal/comp"
	"github.com/revdiff/revdiff/internal/debug"
	"github.com/revdiff/revdiff/internal/fpath"
	"github.com/revdiff/revdiff/internal/quoting"
	"github.com/revdiff/revdiff/internal/regress"
	"github.com/revdiff/revdiff/internal/repo"
	"github.com/revdiff/revdiff/internal/session"
	rtest "github.com/revdiff/revdiff/internal/test"
)

var (
	regressTime1 = time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	regressTime2 = time.Date(2026, 8, 30, 11, 0, 0, 0, time.UTC)
	regressTime3 = time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
)

var oldContent = bytes.Repeat([]byte("0123456789abcdef"), 1024)

func setup(t testing.TB) (source string, r *repo.Repository) {
	t.Helper()
	tempdir := rtest.TempDir(t)

	source = filepath.Join(tempdir, "source")
	rtest.OK(t, os.MkdirAll(filepath.Join(source, "sub"), 0755))
	rtest.WriteFile(t, source, "keep.txt", []byte("stable content"))
	rtest.WriteFile(t, source, "change.txt", oldContent)
	rtest.WriteFile(t, filepath.Join(source, "sub"), "gone.txt", []byte("to be deleted"))

	cfg, err := repo.NewConfig(quoting.None, comp.Gzip)
	rtest.OK(t, err)
	r, err = repo.Create(filepath.Join(tempdir, "repo"), cfg)
	rtest.OK(t, err)
	return source, r
}

func runSession(t testing.TB, r *repo.Repository, source string, ts time.Time) {
	t.Helper()
	_, err := session.Run(context.Background(), r, source, session.Options{Time: ts})
	rtest.OK(t, err)
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

// crashSession starts a session and cancels it after the given number of
// increments, leaving an orphaned session behind.
func crashSession(t testing.TB, r *repo.Repository, source string, ts time.Time, after int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var seen int
	debug.Hook("session.increment", func(interface{}) {
		seen++
		if seen == after {
			cancel()
		}
	})
	defer debug.RemoveHook("session.increment")

	_, err := session.Run(ctx, r, source, session.Options{Time: ts})
	rtest.Assert(t, err != nil, "expected the session to abort")

	tl, err := r.ScanTimeline()
	rtest.OK(t, err)
	_, needed := tl.NeedsRegress()
	rtest.Assert(t, needed, "aborted session not detected as orphan")
}

func TestRegressOrphanedSession(t *testing.T) {
	source, r := setup(t)
	runSession(t, r, source, regressTime1)

	fi, err := os.Lstat(filepath.Join(source, "change.txt"))
	rtest.OK(t, err)
	oldMtime := fi.ModTime()

	// change, delete and add, then crash after the second increment: the
	// changed file and the deletion made it into the mirror, the new file
	// did not
	newContent := append(bytes.Repeat([]byte("0123456789abcdef"), 1024), []byte("tail")...)
	rtest.WriteFile(t, source, "change.txt", newContent)
	rtest.OK(t, os.Remove(filepath.Join(source, "sub", "gone.txt")))
	rtest.WriteFile(t, source, "zz-new.txt", []byte("fresh"))

	crashSession(t, r, source, regressTime2, 2)
	rtest.Equals(t, newContent, readFile(t, r.MirrorPath("change.txt")))

	rtest.OK(t, regress.Run(context.Background(), r, false))

	// the mirror is back at the last committed state
	rtest.Equals(t, oldContent, readFile(t, r.MirrorPath("change.txt")))
	rtest.Equals(t, []byte("to be deleted"), readFile(t, r.MirrorPath("sub/gone.txt")))
	_, err = os.Lstat(r.MirrorPath("zz-new.txt"))
	rtest.Assert(t, os.IsNotExist(err), "uncommitted file left in mirror")

	got, err := os.Lstat(r.MirrorPath("change.txt"))
	rtest.OK(t, err)
	rtest.Assert(t, got.ModTime().Equal(oldMtime), "mtime not restored, got %v want %v",
		got.ModTime(), oldMtime)

	// exactly one marker remains and the orphan's files are gone
	rtest.Equals(t, 1, markerCount(t, r))
	tl, err := r.ScanTimeline()
	rtest.OK(t, err)
	_, needed := tl.NeedsRegress()
	rtest.Assert(t, !needed, "repository still inconsistent after regress")
	rtest.Equals(t, 1, len(tl.Sessions))

	// the orphan's diff is gone, the first session's own increment stays
	incs, err := tl.PathIncrements(fpath.Path("change.txt"))
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(incs))
	rtest.Equals(t, repo.KindMissing, incs[0].Kind)
	rtest.Assert(t, incs[0].Time.Equal(regressTime1), "unexpected increment time %v", incs[0].Time)

	// the same changes back up cleanly afterwards
	runSession(t, r, source, regressTime3)
	rtest.Equals(t, newContent, readFile(t, r.MirrorPath("change.txt")))
	rtest.Equals(t, []byte("fresh"), readFile(t, r.MirrorPath("zz-new.txt")))
}

func TestRegressIdempotent(t *testing.T) {
	source, r := setup(t)
	runSession(t, r, source, regressTime1)

	fi, err := os.Lstat(filepath.Join(source, "change.txt"))
	rtest.OK(t, err)
	oldMtime := fi.ModTime()

	newContent := append(bytes.Repeat([]byte("0123456789abcdef"), 1024), []byte("tail")...)
	rtest.WriteFile(t, source, "change.txt", newContent)
	rtest.OK(t, os.Remove(filepath.Join(source, "sub", "gone.txt")))

	crashSession(t, r, source, regressTime2, 2)

	// pretend an earlier regression already reverted the changed file but
	// crashed before cleanup: content and mtime match the previous state
	// while the orphan's marker and increments are still present
	rtest.OK(t, os.WriteFile(r.MirrorPath("change.txt"), oldContent, 0644))
	rtest.OK(t, os.Chtimes(r.MirrorPath("change.txt"), oldMtime, oldMtime))

	rtest.OK(t, regress.Run(context.Background(), r, false))

	rtest.Equals(t, oldContent, readFile(t, r.MirrorPath("change.txt")))
	rtest.Equals(t, []byte("to be deleted"), readFile(t, r.MirrorPath("sub/gone.txt")))
	rtest.Equals(t, 1, markerCount(t, r))

	tl, err := r.ScanTimeline()
	rtest.OK(t, err)
	_, needed := tl.NeedsRegress()
	rtest.Assert(t, !needed, "repository still inconsistent after regress")
}

func TestRegressForce(t *testing.T) {
	source, r := setup(t)
	runSession(t, r, source, regressTime1)

	newContent := append(bytes.Repeat([]byte("0123456789abcdef"), 1024), []byte("tail")...)
	rtest.WriteFile(t, source, "change.txt", newContent)
	rtest.OK(t, os.Remove(filepath.Join(source, "sub", "gone.txt")))
	rtest.WriteFile(t, source, "added.txt", []byte("fresh"))
	rtest.OK(t, os.Chmod(filepath.Join(source, "keep.txt"), 0640))

	runSession(t, r, source, regressTime2)

	// regressing a consistent repository needs force
	err := regress.Run(context.Background(), r, false)
	rtest.Assert(t, err != nil, "expected refusal without force")

	rtest.OK(t, regress.Run(context.Background(), r, true))

	// the mirror is back at the first session's state
	rtest.Equals(t, oldContent, readFile(t, r.MirrorPath("change.txt")))
	rtest.Equals(t, []byte("to be deleted"), readFile(t, r.MirrorPath("sub/gone.txt")))
	_, err = os.Lstat(r.MirrorPath("added.txt"))
	rtest.Assert(t, os.IsNotExist(err), "dropped session's file left in mirror")

	fi, err := os.Lstat(r.MirrorPath("keep.txt"))
	rtest.OK(t, err)
	rtest.Equals(t, os.FileMode(0600), fi.Mode().Perm())

	// the first session's marker is back, the second session is gone
	tl, err := r.ScanTimeline()
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(tl.Sessions))
	rtest.Assert(t, tl.Sessions[0].Time.Equal(regressTime1), "wrong session kept")
	rtest.Assert(t, tl.Sessions[0].HasMarker, "first session's marker not recreated")
	_, needed := tl.NeedsRegress()
	rtest.Assert(t, !needed, "repository inconsistent after forced regress")
}

func TestRegressCrashedFirstSession(t *testing.T) {
	source, r := setup(t)

	// a crash during the very first session leaves one marker next to a
	// snapshot without its end marker
	crashSession(t, r, source, regressTime1, 2)

	rtest.OK(t, regress.Run(context.Background(), r, false))

	// the repository is empty and consistent again
	tl, err := r.ScanTimeline()
	rtest.OK(t, err)
	rtest.Equals(t, 0, len(tl.Sessions))
	_, needed := tl.NeedsRegress()
	rtest.Assert(t, !needed, "repository still inconsistent after regress")

	entries, err := os.ReadDir(r.Root)
	rtest.OK(t, err)
	for _, ent := range entries {
		rtest.Assert(t, ent.Name() == repo.DataDir,
			"partial mirror entry %q left behind", ent.Name())
	}

	// the same source backs up cleanly afterwards
	runSession(t, r, source, regressTime2)
	rtest.Equals(t, oldContent, readFile(t, r.MirrorPath("change.txt")))
	rtest.Equals(t, 1, markerCount(t, r))
}

func TestRegressRefusesOnlySession(t *testing.T) {
	source, r := setup(t)
	runSession(t, r, source, regressTime1)

	err := regress.Run(context.Background(), r, true)
	rtest.Assert(t, err != nil, "expected refusal to regress the only session")
}
