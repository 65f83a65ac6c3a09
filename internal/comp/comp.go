// Package comp selects the compression codec used for metadata snapshots
// and increment payloads. The codec is part of the repository configuration
// and of the stored file names, so both must stay readable forever.
package comp

import (
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/revdiff/revdiff/internal/errors"
)

// Codec names a compression algorithm. The value doubles as the file name
// extension of compressed repository files.
type Codec string

const (
	// Gzip is the default codec, readable everywhere.
	Gzip Codec = "gz"
	// Zstd trades compatibility for speed and ratio.
	Zstd Codec = "zst"
)

// Parse validates a codec name.
func Parse(s string) (Codec, error) {
	switch Codec(s) {
	case Gzip, Zstd:
		return Codec(s), nil
	}
	return "", errors.Errorf("unknown compression codec %q", s)
}

// Ext returns the file name extension for the codec, including the dot.
func (c Codec) Ext() string {
	return "." + string(c)
}

// NewWriter returns a WriteCloser compressing into w. Closing it does not
// close w.
func (c Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	switch c {
	case Gzip:
		return gzip.NewWriter(w), nil
	case Zstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, errors.Wrap(err, "zstd.NewWriter")
		}
		return zw, nil
	}
	return nil, errors.Errorf("unknown compression codec %q", c)
}

// NewReader returns a ReadCloser decompressing from r.
func (c Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	switch c {
	case Gzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "gzip.NewReader")
		}
		return zr, nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "zstd.NewReader")
		}
		return zr.IOReadCloser(), nil
	}
	return nil, errors.Errorf("unknown compression codec %q", c)
}
