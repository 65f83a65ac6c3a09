// Package session implements the backup commit protocol: one pass over
// the ordered change stream that writes reverse increments, updates the
// mirror in place and appends the metadata snapshot, committed by
// removing the previous mirror marker.
package session

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/revdiff/revdiff/internal/comp"
	"github.com/revdiff/revdiff/internal/compare"
	"github.com/revdiff/revdiff/internal/debug"
	"github.com/revdiff/revdiff/internal/errors"
	"github.com/revdiff/revdiff/internal/fpath"
	"github.com/revdiff/revdiff/internal/fs"
	"github.com/revdiff/revdiff/internal/hardlink"
	"github.com/revdiff/revdiff/internal/meta"
	"github.com/revdiff/revdiff/internal/rdelta"
	"github.com/revdiff/revdiff/internal/repo"
	"github.com/revdiff/revdiff/internal/walk"
)

// ErrInconsistent is returned when the repository holds an orphaned
// session and must be regressed before a new session may start.
var ErrInconsistent = repo.ErrInconsistent

// Options configures a session run.
type Options struct {
	// WithAtime records access times in the metadata snapshot.
	WithAtime bool

	// Time overrides the session timestamp, zero means now. Timestamps
	// have second granularity and must be strictly ascending.
	Time time.Time

	// OnError is called for every per-path error. The error is counted in
	// the statistics either way. May be nil.
	OnError func(path fpath.Path, err error)
}

type runner struct {
	ctx    context.Context
	repo   *repo.Repository
	source string
	opts   Options

	time    time.Time
	stats   *Stats
	tracker *hardlink.Tracker
	metaW   *meta.Writer

	// pending holds deferred directory work: metadata application and
	// removals that must wait until the subtree has been processed.
	pending []pendingOp
}

type pendingOp struct {
	path   fpath.Path
	finish func() error
}

// Run executes one backup session of source into r. The repository lock
// is taken for the duration. On a structural error the session is left
// orphaned on disk and the error is returned; the caller must regress
// before the next session.
func Run(ctx context.Context, r *repo.Repository, source string, opts Options) (*Stats, error) {
	if err := r.Lock(ctx); err != nil {
		return nil, err
	}
	defer func() { _ = r.Unlock() }()

	tl, err := r.ScanTimeline()
	if err != nil {
		return nil, err
	}
	if _, ok := tl.NeedsRegress(); ok {
		return nil, errors.WithStack(ErrInconsistent)
	}

	prev, hasPrev := tl.Latest()

	now := opts.Time.Truncate(time.Second)
	if opts.Time.IsZero() {
		now = time.Now().Truncate(time.Second)
	}
	if hasPrev && !now.After(prev.Time) {
		return nil, errors.Fatalf("session time %v is not after the previous session %v",
			repo.FormatTime(now), repo.FormatTime(prev.Time))
	}

	run := &runner{
		ctx:     ctx,
		repo:    r,
		source:  source,
		opts:    opts,
		time:    now,
		stats:   &Stats{StartTime: time.Now()},
		tracker: hardlink.NewTracker(),
	}

	err = run.execute(tl, prev, hasPrev)
	run.stats.EndTime = time.Now()
	if err != nil {
		return run.stats, err
	}
	return run.stats, nil
}

func (run *runner) execute(tl *repo.Timeline, prev repo.SessionInfo, hasPrev bool) error {
	r := run.repo
	codec := r.Config.Codec

	// Writing starts: the new marker goes in first. From here until the
	// previous marker is removed, a crash leaves two markers and the
	// session is detectable as orphaned.
	if _, err := fs.WriteFileAtomic(r.DataPath(repo.MarkerName(run.time)), 0644, bytes.NewReader(nil)); err != nil {
		return err
	}
	debug.RunHook("session.marker-written", run.time)

	snapFile, err := fs.OpenFile(r.DataPath(repo.SnapshotName(run.time, codec)),
		os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "OpenFile")
	}
	defer func() { _ = snapFile.Close() }()

	zw, err := codec.NewWriter(snapFile)
	if err != nil {
		return err
	}
	run.metaW = meta.NewWriter(zw)

	src := walk.New(run.ctx, run.source, walk.Options{
		Tracker:   run.tracker,
		WithAtime: run.opts.WithAtime,
	})
	mirror := walk.New(run.ctx, r.Root, walk.Options{
		Policy:        &r.Config.Quoting,
		SkipRootNames: []string{repo.DataDir},
	})

	var snap compare.Producer
	if hasPrev && prev.HasSnapshot {
		rd, closer, err := r.OpenSnapshot(prev)
		if err != nil {
			return err
		}
		snap = &snapshotProducer{rd: rd, closer: closer}
	}

	cmp := compare.NewComparator(src, mirror, snap)
	cmp.IncludeUnchanged = true
	defer func() { _ = cmp.Close() }()

	if err := run.processAll(cmp); err != nil {
		return err
	}

	// snapshot trailer makes the metadata snapshot complete
	if err := run.metaW.Close(); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(err, "close compressor")
	}
	if err := snapFile.Sync(); err != nil {
		return errors.Wrap(err, "Sync")
	}
	if err := snapFile.Close(); err != nil {
		return errors.Wrap(err, "Close")
	}

	if err := run.writeHardlinks(); err != nil {
		return err
	}

	run.stats.EndTime = time.Now()
	if err := run.writeStatistics(); err != nil {
		return err
	}

	debug.RunHook("session.tentatively-committed", run.time)

	// commit point: removing the previous marker leaves exactly one
	if err := fs.FsyncDir(r.DataPath()); err != nil {
		return err
	}
	if hasPrev {
		if err := fs.Remove(r.DataPath(repo.MarkerName(prev.Time))); err != nil {
			return errors.Wrap(err, "remove previous marker")
		}
	}
	if err := fs.FsyncDir(r.DataPath()); err != nil {
		return err
	}

	debug.Log("session %v committed, %d errors", repo.FormatTime(run.time), run.stats.Errors)
	return nil
}

func (run *runner) processAll(cmp *compare.Comparator) error {
	for {
		rec, err := cmp.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := run.ctx.Err(); err != nil {
			return err
		}

		if err := run.flushPending(rec.Path); err != nil {
			return err
		}
		if err := run.process(rec); err != nil {
			return err
		}
	}

	return run.flushPending(fpath.Root)
}

// flushPending completes deferred directory work for every directory
// that is not an ancestor of next. Passing the root flushes everything.
func (run *runner) flushPending(next fpath.Path) error {
	for len(run.pending) > 0 {
		top := run.pending[len(run.pending)-1]
		if next != fpath.Root && top.path.IsAncestorOf(next) {
			break
		}
		run.pending = run.pending[:len(run.pending)-1]

		if err := run.pathOrFatal(top.path, top.finish()); err != nil {
			return err
		}
	}
	return nil
}

func (run *runner) deferOp(path fpath.Path, finish func() error) {
	run.pending = append(run.pending, pendingOp{path: path, finish: finish})
}

func (run *runner) process(rec *compare.Record) error {
	if rec.Err != nil {
		run.pathError(rec.Path, rec.Err)
	}

	if rec.Source != nil {
		run.stats.SourceFiles++
		run.stats.SourceFileSize += rec.Source.Size
	}
	if rec.Mirror != nil {
		run.stats.MirrorFiles++
		run.stats.MirrorFileSize += rec.Mirror.Size
	}

	errs := run.stats.Errors

	var err error
	switch rec.Kind {
	case compare.Unchanged:
		// snapshot entry only
	case compare.New:
		err = run.applyNew(rec)
	case compare.Deleted:
		err = run.applyDeleted(rec)
	case compare.Changed:
		err = run.applyChanged(rec)
	case compare.MetadataOnly:
		err = run.applyMetadataOnly(rec)
	}
	if err != nil {
		return err
	}

	// every readable source path gets a snapshot entry. A path that
	// failed to stat, or whose mirror update failed, is left out: the
	// snapshot must not describe a state the mirror never reached, and a
	// missing entry makes the next session record the path again.
	if rec.Source != nil && rec.Source.Err == nil && run.stats.Errors == errs {
		if err := run.metaW.Append(rec.Source); err != nil {
			return err
		}
	}

	return nil
}

// pathError records a per-path error without aborting the session.
func (run *runner) pathError(path fpath.Path, err error) {
	run.stats.Errors++
	debug.Log("error on %v: %v", path, err)
	if run.opts.OnError != nil {
		run.opts.OnError(path, err)
	}
}

// pathOrFatal decides whether an error is fatal for the session.
// Resource exhaustion aborts, the underlying error passed through
// verbatim since the remedy does not depend on the operation. Anything
// else is counted against the path.
func (run *runner) pathOrFatal(path fpath.Path, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EMFILE) || errors.Is(err, unix.ENFILE) {
		return err
	}
	run.pathError(path, err)
	return nil
}

func (run *runner) applyNew(rec *compare.Record) error {
	src := rec.Source
	if src.Err != nil {
		return nil
	}

	run.stats.NewFiles++
	run.stats.NewFileSize += src.Size

	if err := run.createIncrement(rec.Path, repo.KindMissing, nil); err != nil {
		return err
	}

	return run.pathOrFatal(rec.Path, run.createMirrorEntry(rec.Path, src))
}

func (run *runner) applyDeleted(rec *compare.Record) error {
	old := rec.Mirror
	target := run.repo.MirrorPath(rec.Path)

	run.stats.DeletedFiles++
	run.stats.DeletedFileSize += old.Size

	switch old.Type {
	case "dir":
		if err := run.createIncrement(rec.Path, repo.KindDir, nil); err != nil {
			return err
		}
		// children are deleted by their own records first
		run.deferOp(rec.Path, func() error { return fs.Remove(target) })
		return nil

	case "file":
		if err := run.preserveMirrorFile(rec.Path); err != nil {
			return err
		}
	default:
		if err := run.createIncrement(rec.Path, repo.KindSpecial, nil); err != nil {
			return err
		}
	}

	return run.pathOrFatal(rec.Path, fs.Remove(target))
}

func (run *runner) applyChanged(rec *compare.Record) error {
	src, old := rec.Source, rec.Mirror
	if src.Err != nil {
		return nil
	}

	run.stats.ChangedFiles++
	run.stats.ChangedSourceSize += src.Size
	run.stats.ChangedMirrorSize += old.Size

	if old.IsRegular() && src.IsRegular() {
		return run.applyChangedFile(rec)
	}

	// type change: preserve the old state, then rebuild
	switch old.Type {
	case "file":
		if err := run.preserveMirrorFile(rec.Path); err != nil {
			return err
		}
	case "dir":
		if err := run.createIncrement(rec.Path, repo.KindDir, nil); err != nil {
			return err
		}
	default:
		if err := run.createIncrement(rec.Path, repo.KindSpecial, nil); err != nil {
			return err
		}
	}

	target := run.repo.MirrorPath(rec.Path)

	if old.Type == "dir" {
		// the directory's Deleted children follow this record, replace it
		// once the subtree is done
		path, src := rec.Path, src
		run.deferOp(rec.Path, func() error {
			if err := fs.Remove(target); err != nil {
				return err
			}
			return run.createMirrorEntry(path, src)
		})
		return nil
	}

	if err := run.pathOrFatal(rec.Path, fs.Remove(target)); err != nil {
		return err
	}
	return run.pathOrFatal(rec.Path, run.createMirrorEntry(rec.Path, src))
}

// applyChangedFile writes a reverse diff increment and replaces the
// mirror content.
func (run *runner) applyChangedFile(rec *compare.Record) error {
	cfg := run.repo.Config
	target := run.repo.MirrorPath(rec.Path)

	srcFile, err := fs.Open(run.sourcePath(rec.Path))
	if err != nil {
		return run.pathOrFatal(rec.Path, err)
	}
	sig, err := rdelta.NewSignature(srcFile, cfg.BlockSize)
	_ = srcFile.Close()
	if err != nil {
		return run.pathOrFatal(rec.Path, err)
	}

	oldFile, err := fs.Open(target)
	if err != nil {
		return run.pathOrFatal(rec.Path, err)
	}

	// spool the delta so its size is known before choosing the kind
	spool, err := os.CreateTemp(run.repo.DataPath(), "tmp-delta-")
	if err != nil {
		_ = oldFile.Close()
		return errors.Wrap(err, "CreateTemp")
	}
	defer func() {
		_ = spool.Close()
		_ = fs.Remove(spool.Name())
	}()

	deltaLen, oldLen, err := rdelta.Delta(sig, oldFile, spool)
	_ = oldFile.Close()
	if err != nil {
		return run.pathOrFatal(rec.Path, err)
	}

	kind := repo.KindDiff
	if rdelta.TooLarge(deltaLen, oldLen, cfg.SnapshotRatio) {
		debug.Log("%v: delta %d of %d bytes, falling back to snapshot", rec.Path, deltaLen, oldLen)
		if err := run.preserveMirrorFile(rec.Path); err != nil {
			return err
		}
		kind = repo.KindSnapshot
	} else {
		if _, err := spool.Seek(0, io.SeekStart); err != nil {
			return errors.Wrap(err, "Seek")
		}
		err := run.createIncrement(rec.Path, repo.KindDiff, func(w io.Writer) error {
			_, err := io.Copy(w, spool)
			return err
		})
		if err != nil {
			return err
		}
	}

	if err := run.replaceMirrorFile(rec.Path, rec.Source); err != nil {
		// the increment reverts a mirror state that was never reached,
		// drop it so the chain stays patchable
		inc := repo.Increment{Time: run.time, Kind: kind, Codec: cfg.Codec}
		_ = fs.Remove(run.repo.IncrementPath(rec.Path, inc))
		return run.pathOrFatal(rec.Path, err)
	}
	return nil
}

func (run *runner) applyMetadataOnly(rec *compare.Record) error {
	if rec.Source.Err != nil {
		return nil
	}

	// the attrs marker lets regression know the path was touched; the
	// old attributes live in the previous metadata snapshot
	if err := run.createIncrement(rec.Path, repo.KindAttrs, nil); err != nil {
		return err
	}

	return run.applyMeta(rec.Path, rec.Source)
}

// applyMeta applies entry metadata to the mirror path, deferred for
// directories so later writes inside do not disturb the timestamps.
func (run *runner) applyMeta(path fpath.Path, e *meta.Entry) error {
	target := run.repo.MirrorPath(path)
	if e.Type == "dir" {
		run.deferOp(path, func() error { return e.Apply(target) })
		return nil
	}
	return run.pathOrFatal(path, e.Apply(target))
}

// createMirrorEntry materializes a source entry in the mirror tree.
func (run *runner) createMirrorEntry(path fpath.Path, src *meta.Entry) error {
	target := run.repo.MirrorPath(path)

	switch src.Type {
	case "dir":
		if err := fs.Mkdir(target, 0700); err != nil {
			return err
		}
		return run.applyMeta(path, src)

	case "file":
		return run.replaceMirrorFile(path, src)

	case "symlink":
		if err := fs.Symlink(src.LinkTarget, target); err != nil {
			return err
		}
		return nil

	case "fifo":
		if err := fs.Mkfifo(target, src.Mode); err != nil {
			return err
		}
		return run.applyMeta(path, src)

	case "dev", "chardev":
		mode := src.Mode | os.ModeDevice
		if src.Type == "chardev" {
			mode |= os.ModeCharDevice
		}
		if err := fs.Mknod(target, mode, src.Device); err != nil {
			return err
		}
		return run.applyMeta(path, src)

	case "socket":
		// sockets are not recreatable, their entry lives on in metadata
		debug.Log("not recreating socket %v in the mirror", path)
		return nil
	}

	return errors.Errorf("unsupported entry type %q for %v", src.Type, path)
}

// replaceMirrorFile copies the source file content into the mirror and
// restores the entry's attributes on it.
func (run *runner) replaceMirrorFile(path fpath.Path, src *meta.Entry) error {
	f, err := fs.Open(run.sourcePath(path))
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := fs.WriteFileAtomic(run.repo.MirrorPath(path), src.Mode, f); err != nil {
		return err
	}

	return src.Apply(run.repo.MirrorPath(path))
}

// preserveMirrorFile writes a snapshot increment holding the current
// mirror content of path.
func (run *runner) preserveMirrorFile(path fpath.Path) error {
	f, err := fs.Open(run.repo.MirrorPath(path))
	if err != nil {
		return run.pathOrFatal(path, err)
	}
	defer func() { _ = f.Close() }()

	return run.createIncrement(path, repo.KindSnapshot, func(w io.Writer) error {
		_, err := io.Copy(w, f)
		return err
	})
}

// createIncrement writes one increment file. Marker kinds get an empty
// file, content kinds (diff, snapshot) are compressed with the
// repository codec. The write is staged in the target directory and
// renamed into place.
func (run *runner) createIncrement(path fpath.Path, kind repo.IncrementKind, fill func(io.Writer) error) error {
	codec := run.repo.Config.Codec
	inc := repo.Increment{Time: run.time, Kind: kind}
	if fill != nil {
		inc.Codec = codec
	}

	name := run.repo.IncrementPath(path, inc)
	dir := filepath.Dir(name)
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "MkdirAll")
	}

	f, err := os.CreateTemp(dir, "tmp-inc-")
	if err != nil {
		return errors.Wrap(err, "CreateTemp")
	}

	written, err := run.fillIncrement(f, codec, fill)
	if err != nil {
		_ = f.Close()
		_ = fs.Remove(f.Name())
		return err
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = fs.Remove(f.Name())
		return errors.Wrap(err, "Sync")
	}
	if err := f.Close(); err != nil {
		_ = fs.Remove(f.Name())
		return errors.Wrap(err, "Close")
	}
	if err := fs.Rename(f.Name(), name); err != nil {
		_ = fs.Remove(f.Name())
		return err
	}

	run.stats.IncrementFiles++
	run.stats.IncrementFileSize += uint64(written)

	debug.RunHook("session.increment", path)
	return nil
}

func (run *runner) fillIncrement(f *os.File, codec comp.Codec, fill func(io.Writer) error) (int64, error) {
	if fill == nil {
		return 0, nil
	}

	cw := &countingWriter{w: f}
	zw, err := codec.NewWriter(cw)
	if err != nil {
		return 0, err
	}
	if err := fill(zw); err != nil {
		_ = zw.Close()
		return 0, err
	}
	if err := zw.Close(); err != nil {
		return 0, errors.Wrap(err, "close compressor")
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func (run *runner) sourcePath(p fpath.Path) string {
	return filepath.Join(run.source, p.String())
}

func (run *runner) writeHardlinks() error {
	groups := run.tracker.Groups()
	if len(groups) == 0 {
		return nil
	}

	codec := run.repo.Config.Codec
	name := run.repo.DataPath(repo.HardlinksName(run.time, codec))

	f, err := fs.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "OpenFile")
	}

	zw, err := codec.NewWriter(f)
	if err != nil {
		_ = f.Close()
		return err
	}
	if err := hardlink.Save(zw, groups); err != nil {
		_ = zw.Close()
		_ = f.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "close compressor")
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "Sync")
	}
	return f.Close()
}

func (run *runner) writeStatistics() error {
	name := run.repo.DataPath(repo.StatisticsName(run.time))

	f, err := fs.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "OpenFile")
	}
	if _, err := run.stats.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// snapshotProducer adapts the metadata snapshot reader to the
// comparator's producer contract. A truncated snapshot is a structural
// error here: a committed session must have a complete snapshot.
type snapshotProducer struct {
	rd     *meta.Reader
	closer io.Closer
}

func (p *snapshotProducer) Next() (*meta.Entry, error) {
	return p.rd.Next()
}

func (p *snapshotProducer) Close() error {
	return p.closer.Close()
}
