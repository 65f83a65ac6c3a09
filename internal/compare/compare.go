// Package compare implements the lock-step comparator. It merges three
// ordered streams (the live source tree, the mirror tree and the previous
// session's metadata snapshot) into one ordered sequence of change
// records, each path appearing exactly once.
package compare

import (
	"io"

	"github.com/revdiff/revdiff/internal/debug"
	"github.com/revdiff/revdiff/internal/errors"
	"github.com/revdiff/revdiff/internal/fpath"
	"github.com/revdiff/revdiff/internal/meta"
)

// ErrOrderingViolation is returned when a producer yields paths out of
// order. This happens when the source is mutated concurrently with the
// walk; the session must be aborted and rerun.
var ErrOrderingViolation = errors.New("producer emitted paths out of order")

// Producer is an ordered stream of metadata entries. Next returns io.EOF
// after the last entry.
type Producer interface {
	Next() (*meta.Entry, error)
	Close() error
}

// Kind classifies the state of one path in the current session.
type Kind uint8

const (
	// New: the path exists in the source only.
	New Kind = iota
	// Deleted: the path exists in the mirror or metadata only.
	Deleted
	// Changed: content differs between source and mirror.
	Changed
	// MetadataOnly: content matches but ownership, mode, xattrs or ACL
	// differ.
	MetadataOnly
	// Unchanged: nothing differs. Only reported in compare mode.
	Unchanged
)

func (k Kind) String() string {
	switch k {
	case New:
		return "new"
	case Deleted:
		return "deleted"
	case Changed:
		return "changed"
	case MetadataOnly:
		return "metadata"
	case Unchanged:
		return "unchanged"
	}
	return "invalid"
}

// Record describes one path's classification. Exactly one Kind applies per
// path per session.
type Record struct {
	Path   fpath.Path
	Kind   Kind
	Source *meta.Entry // nil unless present in the source
	Mirror *meta.Entry // nil unless present in the mirror or the snapshot

	// Err carries a per-path read or integrity error. The record is still
	// classified; the caller counts the error and decides how to proceed.
	Err error
}

// stream wraps a producer with one-entry lookahead and order checking.
type stream struct {
	p       Producer
	pending *meta.Entry
	done    bool
	last    fpath.Path
	started bool
}

func (s *stream) peek() (*meta.Entry, error) {
	if s.done || s.pending != nil {
		return s.pending, nil
	}

	e, err := s.p.Next()
	if err == io.EOF {
		s.done = true
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if s.started && fpath.Compare(e.Path, s.last) <= 0 {
		return nil, errors.Wrapf(ErrOrderingViolation, "%q after %q", e.Path, s.last)
	}
	s.started = true
	s.last = e.Path

	s.pending = e
	return e, nil
}

func (s *stream) take() *meta.Entry {
	e := s.pending
	s.pending = nil
	return e
}

// Comparator merges the three producers.
type Comparator struct {
	source, mirror, snapshot stream

	// IncludeUnchanged also emits Unchanged records (verify/compare mode).
	IncludeUnchanged bool
}

// NewComparator returns a Comparator over the given producers. Any
// producer may be nil, it then contributes no entries (e.g. the first
// session of a repository has no snapshot yet).
func NewComparator(source, mirror, snapshot Producer) *Comparator {
	c := &Comparator{}
	c.source.p = orEmpty(source)
	c.mirror.p = orEmpty(mirror)
	c.snapshot.p = orEmpty(snapshot)
	return c
}

type emptyProducer struct{}

func (emptyProducer) Next() (*meta.Entry, error) { return nil, io.EOF }
func (emptyProducer) Close() error               { return nil }

func orEmpty(p Producer) Producer {
	if p == nil {
		return emptyProducer{}
	}
	return p
}

// Next returns the next change record in ascending path order, or io.EOF.
func (c *Comparator) Next() (*Record, error) {
	for {
		src, err := c.source.peek()
		if err != nil {
			return nil, err
		}
		mir, err := c.mirror.peek()
		if err != nil {
			return nil, err
		}
		snap, err := c.snapshot.peek()
		if err != nil {
			return nil, err
		}

		if src == nil && mir == nil && snap == nil {
			return nil, io.EOF
		}

		// the smallest pending path determines the merge step
		min := minPath(src, mir, snap)

		if src != nil && src.Path == min {
			src = c.source.take()
		} else {
			src = nil
		}
		if mir != nil && mir.Path == min {
			mir = c.mirror.take()
		} else {
			mir = nil
		}
		if snap != nil && snap.Path == min {
			snap = c.snapshot.take()
		} else {
			snap = nil
		}

		rec := c.classify(min, src, mir, snap)
		if rec.Kind == Unchanged && !c.IncludeUnchanged {
			continue
		}

		debug.Log("%v %v", rec.Kind, rec.Path)
		return rec, nil
	}
}

func minPath(entries ...*meta.Entry) fpath.Path {
	var min fpath.Path
	found := false
	for _, e := range entries {
		if e == nil {
			continue
		}
		if !found || fpath.Compare(e.Path, min) < 0 {
			min = e.Path
			found = true
		}
	}
	return min
}

// classify decides the record kind for one path. The snapshot entry is the
// authoritative description of the mirror state: it carries the attributes
// recorded when the path was last backed up. The mirror listing only backs
// it up when the snapshot has no (or a damaged) entry.
func (c *Comparator) classify(path fpath.Path, src, mir, snap *meta.Entry) *Record {
	dest := snap
	if dest == nil || dest.Err != nil {
		if mir != nil {
			dest = mir
		}
	}

	rec := &Record{Path: path, Source: src, Mirror: dest}

	if src != nil && src.Err != nil {
		rec.Err = src.Err
	} else if dest != nil && dest.Err != nil {
		rec.Err = dest.Err
	}

	switch {
	case src == nil:
		rec.Kind = Deleted
	case dest == nil:
		rec.Kind = New
	case rec.Err != nil:
		// unreadable attributes on either side, treat as changed so the
		// session re-records the path
		rec.Kind = Changed
	case !src.ContentEqual(dest):
		rec.Kind = Changed
	case !src.MetadataEqual(dest):
		rec.Kind = MetadataOnly
	default:
		rec.Kind = Unchanged
	}

	return rec
}

// Close closes all three producers.
func (c *Comparator) Close() error {
	var firsterr error
	for _, s := range []*stream{&c.source, &c.mirror, &c.snapshot} {
		if err := s.p.Close(); err != nil && firsterr == nil {
			firsterr = err
		}
	}
	return firsterr
}
