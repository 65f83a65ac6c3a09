// Package regress implements the regression engine: it undoes an
// orphaned session by replaying its reverse increments, returning the
// repository to the last committed state with exactly one mirror
// marker.
package regress

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/revdiff/revdiff/internal/debug"
	"github.com/revdiff/revdiff/internal/errors"
	"github.com/revdiff/revdiff/internal/fpath"
	"github.com/revdiff/revdiff/internal/fs"
	"github.com/revdiff/revdiff/internal/meta"
	"github.com/revdiff/revdiff/internal/rdelta"
	"github.com/revdiff/revdiff/internal/repo"
)

// incItem is one increment of the session being undone.
type incItem struct {
	path fpath.Path
	inc  repo.Increment
	file string // absolute path of the increment file
}

type engine struct {
	ctx   context.Context
	repo  *repo.Repository
	tl    *repo.Timeline
	when  time.Time // session being undone
	prev  repo.SessionInfo
	items []incItem

	// prevEntries holds the previous snapshot's entries for the touched
	// paths only, keyed by path.
	prevEntries map[fpath.Path]*meta.Entry
}

// Run undoes the orphaned session of r. With force it undoes the last
// committed session of a consistent repository instead. Run re-derives
// its plan from on-disk state, so interrupting and re-running it is
// safe.
func Run(ctx context.Context, r *repo.Repository, force bool) error {
	if err := r.Lock(ctx); err != nil {
		return err
	}
	defer func() { _ = r.Unlock() }()

	tl, err := r.ScanTimeline()
	if err != nil {
		return err
	}

	e := &engine{ctx: ctx, repo: r, tl: tl}

	orphan, needed := tl.NeedsRegress()
	switch {
	case needed:
		e.when = orphan.Time
	case force:
		latest, ok := tl.Latest()
		if !ok {
			return errors.Fatal("repository has no sessions to regress")
		}
		e.when = latest.Time
	default:
		return errors.Fatal("repository is consistent, use --force to drop the last session")
	}

	// the state being restored is the newest committed session before it
	found := false
	for i := len(tl.Sessions) - 1; i >= 0; i-- {
		s := tl.Sessions[i]
		if s.Time.Before(e.when) && s.HasSnapshot {
			e.prev = s
			found = true
			break
		}
	}
	if !found && force {
		return errors.Fatal("cannot regress the only session of a repository")
	}

	debug.Log("regressing session %v back to %v", repo.FormatTime(e.when),
		repo.FormatTime(e.prev.Time))

	if err := e.collectIncrements(); err != nil {
		return err
	}
	if err := e.loadPrevEntries(found); err != nil {
		return err
	}
	if err := e.replay(); err != nil {
		return err
	}
	return e.cleanup(found)
}

// collectIncrements gathers every increment written at e.when, sorted in
// descending path order so that children are handled before parents.
func (e *engine) collectIncrements() error {
	// the root's own increments live directly in the data directory
	rootIncs, err := e.tl.PathIncrements(fpath.Root)
	if err != nil {
		return err
	}
	for _, inc := range rootIncs {
		if inc.Time.Equal(e.when) {
			e.items = append(e.items, incItem{
				path: fpath.Root,
				inc:  inc,
				file: e.repo.IncrementPath(fpath.Root, inc),
			})
		}
	}

	root := e.repo.DataPath(repo.IncrementsDir)
	err = e.walkIncrements(root, fpath.Root)
	if err != nil {
		return err
	}

	sort.Slice(e.items, func(i, j int) bool {
		return fpath.Compare(e.items[i].path, e.items[j].path) > 0
	})

	debug.Log("found %d increments for session %v", len(e.items), repo.FormatTime(e.when))
	return nil
}

func (e *engine) walkIncrements(dir string, logical fpath.Path) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "ReadDir")
	}

	for _, ent := range entries {
		if err := e.ctx.Err(); err != nil {
			return err
		}

		if ent.IsDir() {
			name, err := e.repo.Config.Quoting.Unquote(ent.Name())
			if err != nil {
				return errors.Wrapf(err, "unquote %q", ent.Name())
			}
			if err := e.walkIncrements(filepath.Join(dir, ent.Name()), logical.Join(name)); err != nil {
				return err
			}
			continue
		}

		inc, err := repo.ParseIncrementName(ent.Name())
		if err != nil {
			debug.Log("skipping %v: %v", ent.Name(), err)
			continue
		}
		if !inc.Time.Equal(e.when) {
			continue
		}

		base, err := e.repo.Config.Quoting.Unquote(inc.Base)
		if err != nil {
			return errors.Wrapf(err, "unquote %q", inc.Base)
		}

		e.items = append(e.items, incItem{
			path: logical.Join(base),
			inc:  inc,
			file: filepath.Join(dir, ent.Name()),
		})
	}

	return nil
}

// loadPrevEntries streams the previous metadata snapshot and keeps the
// entries for paths touched by the undone session. Entry damage for an
// untouched path does not matter here.
func (e *engine) loadPrevEntries(havePrev bool) error {
	e.prevEntries = make(map[fpath.Path]*meta.Entry, len(e.items))
	if !havePrev || len(e.items) == 0 {
		return nil
	}

	touched := make(map[fpath.Path]struct{}, len(e.items))
	for _, it := range e.items {
		touched[it.path] = struct{}{}
	}

	rd, closer, err := e.repo.OpenSnapshot(e.prev)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	for {
		entry, err := rd.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, meta.ErrTruncatedSnapshot) {
			return errors.Fatalf("metadata snapshot %v is truncated", repo.FormatTime(e.prev.Time))
		}
		if err != nil {
			return err
		}
		if entry.Err != nil {
			debug.Log("damaged entry for %v: %v", entry.Path, entry.Err)
			continue
		}
		if _, ok := touched[entry.Path]; ok {
			e.prevEntries[entry.Path] = entry
		}
	}

	return nil
}

func (e *engine) replay() error {
	for _, it := range e.items {
		if err := e.ctx.Err(); err != nil {
			return err
		}
		if err := e.undo(it); err != nil {
			return errors.Wrapf(err, "undo %v for %q", it.inc.Kind, it.path)
		}
	}
	return nil
}

func (e *engine) undo(it incItem) error {
	target := e.repo.MirrorPath(it.path)
	prev := e.prevEntries[it.path]

	switch it.inc.Kind {
	case repo.KindMissing:
		// the path did not exist before the session
		err := fs.Remove(target)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil

	case repo.KindDiff:
		return e.undoDiff(it, target, prev)

	case repo.KindSnapshot:
		return e.undoSnapshot(it, target, prev)

	case repo.KindDir:
		return e.undoDir(target, prev)

	case repo.KindSpecial:
		return e.undoSpecial(target, prev)

	case repo.KindAttrs:
		// attribute-only change, revert to the previous attributes
		return e.applyPrevMeta(target, prev)
	}

	return errors.Errorf("unknown increment kind %q", it.inc.Kind)
}

// alreadyReverted reports whether the mirror already matches the
// previous entry, which happens when an interrupted regression is
// re-run.
func alreadyReverted(target string, prev *meta.Entry) bool {
	if prev == nil {
		return false
	}
	fi, err := fs.Lstat(target)
	if err != nil {
		return false
	}
	cur := meta.NewEntry(prev.Path, fi)
	return cur.ContentEqual(prev)
}

// undoDiff patches the current mirror content back to the previous
// content and writes it into the mirror.
func (e *engine) undoDiff(it incItem, target string, prev *meta.Entry) error {
	if alreadyReverted(target, prev) {
		debug.Log("%v already reverted", it.path)
		return e.applyPrevMeta(target, prev)
	}

	base, err := fs.Open(target)
	if err != nil {
		return errors.Wrap(err, "Open")
	}
	defer func() { _ = base.Close() }()

	delta, err := e.openIncrement(it)
	if err != nil {
		return err
	}
	defer func() { _ = delta.Close() }()

	spool, err := os.CreateTemp(e.repo.DataPath(), "tmp-regress-")
	if err != nil {
		return errors.Wrap(err, "CreateTemp")
	}
	defer func() {
		_ = spool.Close()
		_ = fs.Remove(spool.Name())
	}()

	if _, err := rdelta.Patch(base, delta, spool); err != nil {
		return err
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "Seek")
	}

	mode := os.FileMode(0600)
	if prev != nil {
		mode = prev.Mode
	}
	if _, err := fs.WriteFileAtomic(target, mode, spool); err != nil {
		return err
	}

	return e.applyPrevMeta(target, prev)
}

// undoSnapshot restores the previous content verbatim from the
// increment.
func (e *engine) undoSnapshot(it incItem, target string, prev *meta.Entry) error {
	if alreadyReverted(target, prev) {
		debug.Log("%v already reverted", it.path)
		return e.applyPrevMeta(target, prev)
	}

	content, err := e.openIncrement(it)
	if err != nil {
		return err
	}
	defer func() { _ = content.Close() }()

	// the path may have been deleted or type-changed mid-session
	if err := removeIfDifferentType(target, "file"); err != nil {
		return err
	}
	if err := fs.MkdirAll(filepath.Dir(target), 0700); err != nil {
		return errors.Wrap(err, "MkdirAll")
	}

	mode := os.FileMode(0600)
	if prev != nil {
		mode = prev.Mode
	}
	if _, err := fs.WriteFileAtomic(target, mode, content); err != nil {
		return err
	}

	return e.applyPrevMeta(target, prev)
}

// undoDir makes sure the path is a directory again.
func (e *engine) undoDir(target string, prev *meta.Entry) error {
	fi, err := fs.Lstat(target)
	if err == nil && !fi.IsDir() {
		if err := fs.Remove(target); err != nil {
			return err
		}
		fi = nil
	}
	if fi == nil {
		if err := fs.MkdirAll(target, 0700); err != nil {
			return errors.Wrap(err, "MkdirAll")
		}
	}
	return e.applyPrevMeta(target, prev)
}

// undoSpecial restores a symlink, fifo or device node from the previous
// metadata entry.
func (e *engine) undoSpecial(target string, prev *meta.Entry) error {
	if prev == nil {
		// nothing to restore the path from, leave the mirror alone
		debug.Log("no previous entry for %v", target)
		return nil
	}

	switch prev.Type {
	case "file", "dir":
		// the previous state was not special after all, only the
		// attributes can be reapplied here
		return e.applyPrevMeta(target, prev)

	case "symlink":
		if err := removeIfDifferentType(target, "symlink"); err != nil {
			return err
		}
		if _, err := fs.Lstat(target); err == nil {
			// correct symlink may already be in place, recreate anyway to
			// be sure of the target
			if err := fs.Remove(target); err != nil {
				return err
			}
		}
		if err := fs.Symlink(prev.LinkTarget, target); err != nil {
			return err
		}
		return nil

	case "fifo":
		if err := removeIfDifferentType(target, "fifo"); err != nil {
			return err
		}
		if _, err := fs.Lstat(target); errors.Is(err, os.ErrNotExist) {
			if err := fs.Mkfifo(target, prev.Mode); err != nil {
				return err
			}
		}
		return e.applyPrevMeta(target, prev)

	case "dev", "chardev":
		if err := removeIfDifferentType(target, prev.Type); err != nil {
			return err
		}
		if _, err := fs.Lstat(target); errors.Is(err, os.ErrNotExist) {
			mode := prev.Mode | os.ModeDevice
			if prev.Type == "chardev" {
				mode |= os.ModeCharDevice
			}
			if err := fs.Mknod(target, mode, prev.Device); err != nil {
				return err
			}
		}
		return e.applyPrevMeta(target, prev)
	}

	debug.Log("not restoring %v of type %q", target, prev.Type)
	return nil
}

func removeIfDifferentType(target, wantType string) error {
	fi, err := fs.Lstat(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "Lstat")
	}
	if meta.TypeFromFileInfo(fi) == wantType {
		return nil
	}
	if fi.IsDir() {
		return fs.RemoveAll(target)
	}
	return fs.Remove(target)
}

func (e *engine) applyPrevMeta(target string, prev *meta.Entry) error {
	if prev == nil {
		return nil
	}
	if err := prev.Apply(target); err != nil {
		debug.Log("restoring metadata on %v: %v", target, err)
	}
	return nil
}

func (e *engine) openIncrement(it incItem) (io.ReadCloser, error) {
	f, err := fs.Open(it.file)
	if err != nil {
		return nil, errors.Wrap(err, "Open")
	}

	zr, err := it.inc.Codec.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return &readCloser{Reader: zr, closers: []io.Closer{zr, f}}, nil
}

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (rc *readCloser) Close() error {
	var firsterr error
	for _, c := range rc.closers {
		if err := c.Close(); err != nil && firsterr == nil {
			firsterr = err
		}
	}
	return firsterr
}

// cleanup discards the orphaned session's files. The marker goes last:
// once it is gone the repository is consistent again.
func (e *engine) cleanup(havePrev bool) error {
	r := e.repo

	for _, it := range e.items {
		if err := fs.Remove(it.file); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := e.pruneEmptyIncrementDirs(r.DataPath(repo.IncrementsDir)); err != nil {
		return err
	}

	s, ok := e.tl.Session(e.when)
	if ok && s.HasSnapshot {
		if err := fs.Remove(r.DataPath(repo.SnapshotName(e.when, s.SnapshotCodec))); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if ok && s.HasHardlinks {
		if err := fs.Remove(r.DataPath(repo.HardlinksName(e.when, s.HardlinksCodec))); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := fs.Remove(r.DataPath(repo.StatisticsName(e.when))); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	// a forced regression removed a committed session, so the previous
	// marker has to come back before the newer one goes away
	if havePrev && !e.prev.HasMarker {
		f, err := fs.OpenFile(r.DataPath(repo.MarkerName(e.prev.Time)), os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return errors.Wrap(err, "OpenFile")
		}
		if err := f.Close(); err != nil {
			return errors.Wrap(err, "Close")
		}
	}

	if err := fs.FsyncDir(r.DataPath()); err != nil {
		return err
	}

	if err := fs.Remove(r.DataPath(repo.MarkerName(e.when))); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	debug.Log("session %v regressed", repo.FormatTime(e.when))
	return fs.FsyncDir(r.DataPath())
}

// pruneEmptyIncrementDirs removes increments directories left empty by
// the cleanup.
func (e *engine) pruneEmptyIncrementDirs(dir string) error {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "ReadDir")
	}

	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		sub := filepath.Join(dir, ent.Name())
		if err := e.pruneEmptyIncrementDirs(sub); err != nil {
			return err
		}
		rest, err := os.ReadDir(sub)
		if err == nil && len(rest) == 0 {
			if err := fs.Remove(sub); err != nil {
				return err
			}
		}
	}

	return nil
}
