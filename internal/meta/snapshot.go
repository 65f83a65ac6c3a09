package meta

import (
	"bufio"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/revdiff/revdiff/internal/debug"
	"github.com/revdiff/revdiff/internal/errors"
	"github.com/revdiff/revdiff/internal/fpath"
	"github.com/revdiff/revdiff/internal/json"
)

// ErrTruncatedSnapshot marks a snapshot whose trailing end marker is
// missing: the writing session crashed, the snapshot must be ignored.
var ErrTruncatedSnapshot = errors.New("metadata snapshot is truncated")

// snapshot stream: newline-delimited JSON records. Entry records carry the
// entry plus a checksum of its serialized form; the end record declares the
// entry count and makes the snapshot complete.
type record struct {
	Entry json.RawMessage `json:"entry,omitempty"`
	Sum   uint64          `json:"sum,omitempty"`

	End   bool `json:"end,omitempty"`
	Count int  `json:"count,omitempty"`
}

// Writer appends entries to a snapshot stream in ascending path order.
type Writer struct {
	w     *bufio.Writer
	enc   *json.Encoder
	count int
	last  fpath.Path
	first bool
}

// NewWriter writes a snapshot to w. The caller owns compression and closing
// of the underlying stream.
func NewWriter(w io.Writer) *Writer {
	bw := bufio.NewWriter(w)
	return &Writer{
		w:     bw,
		enc:   json.NewEncoder(bw),
		first: true,
	}
}

// Append adds one entry. Entries must arrive in strictly ascending path
// order, duplicates included.
func (wr *Writer) Append(e *Entry) error {
	if !wr.first && fpath.Compare(e.Path, wr.last) <= 0 {
		return errors.Errorf("entry for %q out of order after %q", e.Path, wr.last)
	}
	wr.first = false
	wr.last = e.Path

	raw, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "Marshal")
	}

	err = wr.enc.Encode(record{Entry: raw, Sum: xxhash.Sum64(raw)})
	if err != nil {
		return errors.Wrap(err, "Encode")
	}

	wr.count++
	return nil
}

// Count returns the number of entries appended so far.
func (wr *Writer) Count() int {
	return wr.count
}

// Close writes the end marker. Without it the snapshot is considered
// truncated by every reader.
func (wr *Writer) Close() error {
	err := wr.enc.Encode(record{End: true, Count: wr.count})
	if err != nil {
		return errors.Wrap(err, "Encode")
	}
	return errors.Wrap(wr.w.Flush(), "Flush")
}

// Reader lazily iterates over a snapshot stream.
type Reader struct {
	sc       *bufio.Scanner
	count    int
	complete bool
	last     fpath.Path
	first    bool
}

// entries with many xattrs can grow large, but a line above this size is
// taken as corruption
const maxRecordSize = 64 << 20

// NewReader reads a snapshot from r.
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxRecordSize)
	return &Reader{sc: sc, first: true}
}

// Next returns the next entry. It returns io.EOF after the last entry of a
// complete snapshot and ErrTruncatedSnapshot if the stream ends without an
// end marker. A checksum mismatch yields an entry with Err set; iteration
// continues.
func (rd *Reader) Next() (*Entry, error) {
	if !rd.sc.Scan() {
		if err := rd.sc.Err(); err != nil {
			return nil, errors.Wrap(err, "Scan")
		}
		if !rd.complete {
			return nil, ErrTruncatedSnapshot
		}
		return nil, io.EOF
	}

	if rd.complete {
		// data after the end marker cannot come from a clean writer
		return nil, errors.Errorf("unexpected record after snapshot end marker")
	}

	var rec record
	if err := json.Unmarshal(rd.sc.Bytes(), &rec); err != nil {
		debug.Log("unreadable snapshot record %d: %v", rd.count, err)
		rd.count++
		return &Entry{Err: errors.Wrapf(err, "snapshot record %d", rd.count)}, nil
	}

	if rec.End {
		if rec.Count != rd.count {
			return nil, errors.Errorf("snapshot end marker declares %d entries, read %d", rec.Count, rd.count)
		}
		rd.complete = true
		return rd.Next()
	}

	rd.count++

	if xxhash.Sum64(rec.Entry) != rec.Sum {
		e := &Entry{}
		// best effort: the path may still be readable
		_ = json.Unmarshal(rec.Entry, e)
		e.Err = errors.Errorf("checksum mismatch for snapshot record %d (%q)", rd.count-1, e.Path)
		return e, nil
	}

	e := &Entry{}
	if err := json.Unmarshal(rec.Entry, e); err != nil {
		return &Entry{Err: errors.Wrapf(err, "snapshot record %d", rd.count-1)}, nil
	}

	if !rd.first && fpath.Compare(e.Path, rd.last) <= 0 {
		return nil, errors.Errorf("snapshot entry %q out of order after %q", e.Path, rd.last)
	}
	rd.first = false
	rd.last = e.Path

	return e, nil
}

// Complete reports whether the end marker has been seen.
func (rd *Reader) Complete() bool {
	return rd.complete
}
