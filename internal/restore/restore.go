// Package restore reconstructs the source tree as of a committed
// session into a target directory. The latest session is a plain copy
// of the mirror; older sessions are reached by applying each path's
// reverse increments from the mirror backwards.
package restore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/revdiff/revdiff/internal/debug"
	"github.com/revdiff/revdiff/internal/errors"
	"github.com/revdiff/revdiff/internal/fpath"
	"github.com/revdiff/revdiff/internal/fs"
	"github.com/revdiff/revdiff/internal/hardlink"
	"github.com/revdiff/revdiff/internal/meta"
	"github.com/revdiff/revdiff/internal/rdelta"
	"github.com/revdiff/revdiff/internal/repo"
)

// Options configures a restore.
type Options struct {
	// AsOf selects the newest committed session at or before this time.
	// The zero value means the latest session.
	AsOf time.Time

	// OnError is called for every per-path error. May be nil.
	OnError func(path fpath.Path, err error)
}

type restorer struct {
	ctx    context.Context
	repo   *repo.Repository
	tl     *repo.Timeline
	target string
	opts   Options

	session repo.SessionInfo
	latest  bool // restoring the latest session, mirror copy suffices

	links  *hardlink.Index
	errors uint64

	// dirs holds directories whose metadata is applied after their
	// contents, deepest first.
	dirs []*meta.Entry
}

// Run restores the repository state of the selected session into
// target. Per-path errors are reported and counted; the returned count
// is nonzero when any path could not be restored.
func Run(ctx context.Context, r *repo.Repository, target string, opts Options) (uint64, error) {
	if err := r.Lock(ctx); err != nil {
		return 0, err
	}
	defer func() { _ = r.Unlock() }()

	tl, err := r.ScanTimeline()
	if err != nil {
		return 0, err
	}
	if _, needed := tl.NeedsRegress(); needed {
		return 0, errors.WithStack(repo.ErrInconsistent)
	}

	asOf := opts.AsOf
	if asOf.IsZero() {
		asOf = time.Now()
	}
	session, ok := tl.AsOf(asOf)
	if !ok {
		return 0, errors.Fatalf("no committed session at or before %v", asOf.Format(time.RFC3339))
	}

	latest, _ := tl.Latest()

	rst := &restorer{
		ctx:     ctx,
		repo:    r,
		tl:      tl,
		target:  target,
		opts:    opts,
		session: session,
		latest:  session.Time.Equal(latest.Time),
	}

	groups, err := r.LoadHardlinks(session)
	if err != nil {
		return 0, err
	}
	rst.links = hardlink.NewIndex(groups)

	if err := rst.run(); err != nil {
		return rst.errors, err
	}
	return rst.errors, nil
}

func (rst *restorer) run() error {
	rd, closer, err := rst.repo.OpenSnapshot(rst.session)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	for {
		if err := rst.ctx.Err(); err != nil {
			return err
		}

		entry, err := rd.Next()
		if err == io.EOF {
			break
		}
		if errors.Is(err, meta.ErrTruncatedSnapshot) {
			return errors.Fatalf("metadata snapshot %v is truncated",
				repo.FormatTime(rst.session.Time))
		}
		if err != nil {
			return err
		}
		if entry.Err != nil {
			rst.pathError(entry.Path, entry.Err)
			continue
		}

		if err := rst.restoreEntry(entry); err != nil {
			return err
		}
	}

	// directory metadata last, deepest first, so restoring timestamps
	// is not undone by writes inside
	for i := len(rst.dirs) - 1; i >= 0; i-- {
		e := rst.dirs[i]
		if err := e.Apply(rst.targetPath(e.Path)); err != nil {
			rst.pathError(e.Path, err)
		}
	}

	return nil
}

func (rst *restorer) targetPath(p fpath.Path) string {
	return filepath.Join(rst.target, p.String())
}

func (rst *restorer) pathError(path fpath.Path, err error) {
	rst.errors++
	debug.Log("restore error on %v: %v", path, err)
	if rst.opts.OnError != nil {
		rst.opts.OnError(path, err)
	}
}

func (rst *restorer) restoreEntry(e *meta.Entry) error {
	target := rst.targetPath(e.Path)

	switch e.Type {
	case "dir":
		if e.Path.IsRoot() {
			if err := fs.MkdirAll(target, 0700); err != nil {
				return errors.Wrap(err, "MkdirAll")
			}
		} else if err := fs.Mkdir(target, 0700); err != nil {
			rst.pathError(e.Path, err)
			return nil
		}
		rst.dirs = append(rst.dirs, e)
		return nil

	case "file":
		if leader, ok := rst.links.Leader(e.Path); ok && leader != e.Path {
			// topology comes from the persisted groups, not from any
			// inode numbers
			if err := fs.Link(rst.targetPath(leader), target); err != nil {
				rst.pathError(e.Path, err)
			}
			return nil
		}
		if err := rst.restoreFile(e, target); err != nil {
			rst.pathError(e.Path, err)
			return nil
		}

	case "symlink":
		if err := fs.Symlink(e.LinkTarget, target); err != nil {
			rst.pathError(e.Path, err)
			return nil
		}
		return nil // no chmod on symlinks

	case "fifo":
		if err := fs.Mkfifo(target, e.Mode); err != nil {
			rst.pathError(e.Path, err)
			return nil
		}

	case "dev", "chardev":
		mode := e.Mode | os.ModeDevice
		if e.Type == "chardev" {
			mode |= os.ModeCharDevice
		}
		if err := fs.Mknod(target, mode, e.Device); err != nil {
			rst.pathError(e.Path, err)
			return nil
		}

	case "socket":
		debug.Log("not restoring socket %v", e.Path)
		return nil

	default:
		rst.pathError(e.Path, errors.Errorf("unsupported entry type %q", e.Type))
		return nil
	}

	if err := e.Apply(target); err != nil {
		rst.pathError(e.Path, err)
	}
	return nil
}

// restoreFile writes the file content of e, as of the selected session,
// to target.
func (rst *restorer) restoreFile(e *meta.Entry, target string) error {
	if rst.latest {
		f, err := fs.Open(rst.repo.MirrorPath(e.Path))
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		_, err = fs.WriteFileAtomic(target, e.Mode, f)
		return err
	}

	content, err := rst.reconstruct(e)
	if err != nil {
		return err
	}
	defer func() {
		_ = content.Close()
		_ = fs.Remove(content.Name())
	}()

	if _, err := content.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "Seek")
	}
	_, err = fs.WriteFileAtomic(target, e.Mode, content)
	return err
}

// reconstruct rebuilds the historic content of a path by starting from
// the current mirror content and applying the path's increments newest
// to oldest until the selected session is reached. The result is a
// temporary file owned by the caller.
func (rst *restorer) reconstruct(e *meta.Entry) (*os.File, error) {
	incs, err := rst.tl.PathIncrements(e.Path)
	if err != nil {
		return nil, err
	}

	// current state starts as the mirror content, may become absent or
	// non-regular while walking the chain
	cur, err := rst.spoolMirror(e.Path)
	if err != nil {
		return nil, err
	}

	for _, inc := range incs {
		if !inc.Time.After(rst.session.Time) {
			break // older than the state being restored
		}

		next, err := rst.applyIncrement(cur, inc, e.Path)
		if cur != nil && next != cur {
			_ = cur.Close()
			_ = fs.Remove(cur.Name())
		}
		if err != nil {
			return nil, err
		}
		cur = next
	}

	if cur == nil {
		return nil, errors.Errorf("no content found for %v at %v",
			e.Path, repo.FormatTime(rst.session.Time))
	}
	return cur, nil
}

// spoolMirror copies the mirror content of p into a temp file, or
// returns nil when the mirror holds no regular file for p.
func (rst *restorer) spoolMirror(p fpath.Path) (*os.File, error) {
	src := rst.repo.MirrorPath(p)
	fi, err := fs.Lstat(src)
	if err != nil || !fi.Mode().IsRegular() {
		return nil, nil
	}

	f, err := fs.Open(src)
	if err != nil {
		return nil, errors.Wrap(err, "Open")
	}
	defer func() { _ = f.Close() }()

	spool, err := rst.newSpool()
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(spool, f); err != nil {
		_ = spool.Close()
		_ = fs.Remove(spool.Name())
		return nil, errors.Wrap(err, "Copy")
	}
	return spool, nil
}

func (rst *restorer) newSpool() (*os.File, error) {
	f, err := os.CreateTemp("", "revdiff-restore-")
	if err != nil {
		return nil, errors.Wrap(err, "CreateTemp")
	}
	return f, nil
}

// applyIncrement steps the content one session back.
func (rst *restorer) applyIncrement(cur *os.File, inc repo.Increment, p fpath.Path) (*os.File, error) {
	switch inc.Kind {
	case repo.KindMissing, repo.KindDir, repo.KindSpecial:
		// before this session the path was absent or not a regular file
		return nil, nil

	case repo.KindAttrs:
		// only the attributes changed, the content carries over
		return cur, nil

	case repo.KindSnapshot:
		content, err := rst.openIncrement(p, inc)
		if err != nil {
			return nil, err
		}
		defer func() { _ = content.Close() }()

		spool, err := rst.newSpool()
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(spool, content); err != nil {
			_ = spool.Close()
			_ = fs.Remove(spool.Name())
			return nil, errors.Wrap(err, "Copy")
		}
		return spool, nil

	case repo.KindDiff:
		if cur == nil {
			return nil, errors.Errorf("diff increment for %v has no base content", p)
		}

		delta, err := rst.openIncrement(p, inc)
		if err != nil {
			return nil, err
		}
		defer func() { _ = delta.Close() }()

		spool, err := rst.newSpool()
		if err != nil {
			return nil, err
		}
		if _, err := rdelta.Patch(cur, delta, spool); err != nil {
			_ = spool.Close()
			_ = fs.Remove(spool.Name())
			return nil, err
		}
		return spool, nil
	}

	return nil, errors.Errorf("unknown increment kind %q", inc.Kind)
}

func (rst *restorer) openIncrement(p fpath.Path, inc repo.Increment) (io.ReadCloser, error) {
	f, err := fs.Open(rst.repo.IncrementPath(p, inc))
	if err != nil {
		return nil, errors.Wrap(err, "Open")
	}

	zr, err := inc.Codec.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return &chainCloser{Reader: zr, closers: []io.Closer{zr, f}}, nil
}

type chainCloser struct {
	io.Reader
	closers []io.Closer
}

func (c *chainCloser) Close() error {
	var firsterr error
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && firsterr == nil {
			firsterr = err
		}
	}
	return firsterr
}
