package compare_test

import (
	"io"
	"testing"
	"time"

	"github.com/revdiff/revdiff/internal/compare"
	"github.com/revdiff/revdiff/internal/errors"
	"github.com/revdiff/revdiff/internal/fpath"
	"github.com/revdiff/revdiff/internal/meta"
	rtest "github.com/revdiff/revdiff/internal/test"
)

type sliceProducer struct {
	entries []*meta.Entry
	closed  bool
}

func (p *sliceProducer) Next() (*meta.Entry, error) {
	if len(p.entries) == 0 {
		return nil, io.EOF
	}
	e := p.entries[0]
	p.entries = p.entries[1:]
	return e, nil
}

func (p *sliceProducer) Close() error {
	p.closed = true
	return nil
}

func file(path string, size uint64, mtime int64) *meta.Entry {
	return &meta.Entry{
		Path:    fpath.Path(path),
		Type:    "file",
		Mode:    0644,
		ModTime: time.Unix(mtime, 0),
		UID:     1000,
		GID:     1000,
		Size:    size,
	}
}

func dir(path string) *meta.Entry {
	return &meta.Entry{
		Path:    fpath.Path(path),
		Type:    "dir",
		Mode:    0755,
		ModTime: time.Unix(100, 0),
	}
}

func collect(t testing.TB, c *compare.Comparator) []*compare.Record {
	t.Helper()
	var recs []*compare.Record
	for {
		rec, err := c.Next()
		if err == io.EOF {
			break
		}
		rtest.OK(t, err)
		recs = append(recs, rec)
	}
	return recs
}

func TestComparatorMerge(t *testing.T) {
	src := &sliceProducer{entries: []*meta.Entry{
		dir(""),
		file("a", 10, 100),
		file("c", 20, 200),
		file("d", 30, 300),
	}}
	mirror := &sliceProducer{entries: []*meta.Entry{
		dir(""),
		file("a", 10, 100),
		file("b", 15, 150),
		file("c", 20, 100),
	}}
	snap := &sliceProducer{entries: []*meta.Entry{
		dir(""),
		file("a", 10, 100),
		file("b", 15, 150),
		file("c", 20, 100),
	}}

	c := compare.NewComparator(src, mirror, snap)
	recs := collect(t, c)
	rtest.OK(t, c.Close())

	// Unchanged entries (root dir and "a") are suppressed by default.
	rtest.Equals(t, 3, len(recs))
	rtest.Equals(t, fpath.Path("b"), recs[0].Path)
	rtest.Equals(t, compare.Deleted, recs[0].Kind)
	rtest.Equals(t, fpath.Path("c"), recs[1].Path)
	rtest.Equals(t, compare.Changed, recs[1].Kind)
	rtest.Equals(t, fpath.Path("d"), recs[2].Path)
	rtest.Equals(t, compare.New, recs[2].Kind)

	rtest.Assert(t, src.closed, "source producer not closed")
	rtest.Assert(t, mirror.closed, "mirror producer not closed")
	rtest.Assert(t, snap.closed, "snapshot producer not closed")
}

func TestComparatorIncludeUnchanged(t *testing.T) {
	src := &sliceProducer{entries: []*meta.Entry{file("a", 1, 1)}}
	mirror := &sliceProducer{entries: []*meta.Entry{file("a", 1, 1)}}
	snap := &sliceProducer{entries: []*meta.Entry{file("a", 1, 1)}}

	c := compare.NewComparator(src, mirror, snap)
	c.IncludeUnchanged = true
	recs := collect(t, c)
	rtest.Equals(t, 1, len(recs))
	rtest.Equals(t, compare.Unchanged, recs[0].Kind)
}

func TestComparatorMetadataOnly(t *testing.T) {
	changed := file("a", 1, 1)
	changed.Mode = 0600

	src := &sliceProducer{entries: []*meta.Entry{changed}}
	mirror := &sliceProducer{entries: []*meta.Entry{file("a", 1, 1)}}
	snap := &sliceProducer{entries: []*meta.Entry{file("a", 1, 1)}}

	recs := collect(t, compare.NewComparator(src, mirror, snap))
	rtest.Equals(t, 1, len(recs))
	rtest.Equals(t, compare.MetadataOnly, recs[0].Kind)
}

func TestComparatorNilProducers(t *testing.T) {
	// first session: no mirror, no snapshot
	src := &sliceProducer{entries: []*meta.Entry{
		dir(""),
		file("a", 1, 1),
	}}

	recs := collect(t, compare.NewComparator(src, nil, nil))
	rtest.Equals(t, 2, len(recs))
	for _, rec := range recs {
		rtest.Equals(t, compare.New, rec.Kind)
	}
}

func TestComparatorSnapshotAuthoritative(t *testing.T) {
	// The mirror listing cannot see ownership changes applied at backup
	// time. The snapshot entry must win for metadata comparison.
	snapEntry := file("a", 1, 1)
	snapEntry.UID = 0

	src := &sliceProducer{entries: []*meta.Entry{file("a", 1, 1)}}
	mirror := &sliceProducer{entries: []*meta.Entry{file("a", 1, 1)}}
	snap := &sliceProducer{entries: []*meta.Entry{snapEntry}}

	recs := collect(t, compare.NewComparator(src, mirror, snap))
	rtest.Equals(t, 1, len(recs))
	rtest.Equals(t, compare.MetadataOnly, recs[0].Kind)
	rtest.Equals(t, uint32(0), recs[0].Mirror.UID)
}

func TestComparatorDamagedSnapshotEntry(t *testing.T) {
	bad := file("a", 1, 1)
	bad.Err = errors.New("checksum mismatch")

	src := &sliceProducer{entries: []*meta.Entry{file("a", 1, 1)}}
	mirror := &sliceProducer{entries: []*meta.Entry{file("a", 1, 1)}}
	snap := &sliceProducer{entries: []*meta.Entry{bad}}

	c := compare.NewComparator(src, mirror, snap)
	c.IncludeUnchanged = true
	recs := collect(t, c)
	rtest.Equals(t, 1, len(recs))
	// falls back to the mirror listing, which matches
	rtest.Equals(t, compare.Unchanged, recs[0].Kind)
}

func TestComparatorOrderingViolation(t *testing.T) {
	src := &sliceProducer{entries: []*meta.Entry{
		file("b", 1, 1),
		file("a", 1, 1),
	}}

	c := compare.NewComparator(src, nil, nil)
	_, err := c.Next()
	rtest.OK(t, err)
	_, err = c.Next()
	rtest.Assert(t, errors.Is(err, compare.ErrOrderingViolation),
		"expected ErrOrderingViolation, got %v", err)
}

func TestComparatorPerPathError(t *testing.T) {
	bad := file("a", 1, 1)
	bad.Err = errors.New("permission denied")

	src := &sliceProducer{entries: []*meta.Entry{bad}}
	mirror := &sliceProducer{entries: []*meta.Entry{file("a", 1, 1)}}

	recs := collect(t, compare.NewComparator(src, mirror, nil))
	rtest.Equals(t, 1, len(recs))
	rtest.Equals(t, compare.Changed, recs[0].Kind)
	rtest.Assert(t, recs[0].Err != nil, "expected per-path error on record")
}
