// Package walk provides lazy, ordered filesystem walkers. A walker emits
// one metadata entry per path in ascending path order, descending into a
// directory before its siblings, so it can be fed straight into the
// comparator without buffering the tree.
package walk

import (
	"context"
	"io"
	"path/filepath"
	"sort"

	"github.com/revdiff/revdiff/internal/debug"
	"github.com/revdiff/revdiff/internal/errors"
	"github.com/revdiff/revdiff/internal/fpath"
	"github.com/revdiff/revdiff/internal/fs"
	"github.com/revdiff/revdiff/internal/hardlink"
	"github.com/revdiff/revdiff/internal/meta"
	"github.com/revdiff/revdiff/internal/quoting"
)

// Options configures a Walker.
type Options struct {
	// Tracker, when non-nil, observes every regular file so hardlink
	// groups can be recorded. Used on the source side only.
	Tracker *hardlink.Tracker

	// Policy, when non-nil, unquotes on-disk names into logical names.
	// Used on the mirror side, where names are stored quoted.
	Policy *quoting.Policy

	// SkipRootNames lists names to skip in the walk root only, e.g. the
	// repository data directory when walking the mirror.
	SkipRootNames []string

	// WithAtime records access times in the emitted entries. Off by
	// default since reading the tree disturbs them anyway.
	WithAtime bool
}

// dirent is one pending directory entry: the logical name used for
// ordering and the on-disk name used for I/O.
type dirent struct {
	name   string
	fsName string
	err    error // unquoting failure, attached when the entry is emitted
}

type frame struct {
	path  fpath.Path // logical directory path
	fsRel string     // on-disk path relative to the walk root
	ents  []dirent
	idx   int
}

// Walker walks one tree. It implements the comparator's producer
// contract: Next returns entries in ascending path order and io.EOF at
// the end. Directories are listed only when the walk reaches them.
type Walker struct {
	ctx     context.Context
	root    string
	opts    Options
	stack   []*frame
	started bool
	done    bool
}

// New returns a walker over the tree rooted at root.
func New(ctx context.Context, root string, opts Options) *Walker {
	return &Walker{ctx: ctx, root: root, opts: opts}
}

// Next returns the next entry. Per-path stat, readlink and xattr errors
// are attached to the entry's Err field rather than ending the walk;
// only context cancellation and directory read failures are fatal.
func (w *Walker) Next() (*meta.Entry, error) {
	if err := w.ctx.Err(); err != nil {
		return nil, err
	}
	if w.done {
		return nil, io.EOF
	}

	if !w.started {
		w.started = true
		return w.start()
	}

	for len(w.stack) > 0 {
		top := w.stack[len(w.stack)-1]
		if top.idx == len(top.ents) {
			w.stack = w.stack[:len(w.stack)-1]
			continue
		}

		d := top.ents[top.idx]
		top.idx++

		path := top.path.Join(d.name)
		fsRel := filepath.Join(top.fsRel, d.fsName)
		return w.visit(path, fsRel, d.err)
	}

	w.done = true
	return nil, io.EOF
}

func (w *Walker) start() (*meta.Entry, error) {
	fi, err := fs.Lstat(w.root)
	if err != nil {
		return nil, errors.Wrap(err, "Lstat")
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("walk root %v is not a directory", w.root)
	}

	e := meta.NewEntry(fpath.Root, fi)
	w.scrub(e)

	if err := w.push(fpath.Root, "", true); err != nil {
		return nil, err
	}
	return e, nil
}

// visit stats one path and, for directories, pushes its listing.
func (w *Walker) visit(path fpath.Path, fsRel string, pendingErr error) (*meta.Entry, error) {
	full := filepath.Join(w.root, fsRel)

	fi, err := fs.Lstat(full)
	if err != nil {
		debug.Log("Lstat(%v): %v", full, err)
		return &meta.Entry{Path: path, Err: firstErr(pendingErr, err)}, nil
	}

	e := meta.NewEntry(path, fi)
	e.Err = pendingErr
	w.scrub(e)

	switch e.Type {
	case "symlink":
		target, err := fs.Readlink(full)
		if err != nil {
			e.Err = firstErr(e.Err, err)
		}
		e.LinkTarget = target
	case "dir":
		if err := w.push(path, fsRel, false); err != nil {
			return nil, err
		}
	}

	attrs, err := fs.ListExtendedAttributes(full)
	if err != nil {
		e.Err = firstErr(e.Err, err)
	}
	e.ExtendedAttributes = attrs

	if w.opts.Tracker != nil && e.IsRegular() {
		efi := fs.ExtendedStat(fi)
		e.HardlinkGroup = w.opts.Tracker.Observe(efi.Device, efi.Inode, efi.Links, path)
	}

	return e, nil
}

func (w *Walker) scrub(e *meta.Entry) {
	if !w.opts.WithAtime {
		e.AccessTime = e.ModTime
	}
}

// push lists a directory and pushes its entries, sorted by logical name.
// A directory that cannot be listed fails the walk: skipping it would
// silently drop an entire subtree.
func (w *Walker) push(path fpath.Path, fsRel string, isRoot bool) error {
	full := filepath.Join(w.root, fsRel)

	f, err := fs.Open(full)
	if err != nil {
		return errors.Wrap(err, "Open")
	}
	names, err := f.Readdirnames(-1)
	_ = f.Close()
	if err != nil {
		return errors.Wrap(err, "Readdirnames")
	}

	skip := map[string]struct{}{}
	if isRoot {
		for _, n := range w.opts.SkipRootNames {
			skip[n] = struct{}{}
		}
	}

	ents := make([]dirent, 0, len(names))
	for _, fsName := range names {
		if _, ok := skip[fsName]; ok {
			continue
		}

		d := dirent{name: fsName, fsName: fsName}
		if w.opts.Policy != nil {
			name, err := w.opts.Policy.Unquote(fsName)
			if err != nil {
				// keep the on-disk name for ordering, surface the
				// failure on the entry itself
				d.err = err
			} else {
				d.name = name
			}
		}
		ents = append(ents, d)
	}

	// sibling order by logical name matches path order, since siblings
	// differ in their last component only
	sort.Slice(ents, func(i, j int) bool { return ents[i].name < ents[j].name })

	w.stack = append(w.stack, &frame{path: path, fsRel: fsRel, ents: ents})
	return nil
}

// Close releases the walker. Listings are read eagerly per directory, so
// there is nothing else to unwind.
func (w *Walker) Close() error {
	w.stack = nil
	w.done = true
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
