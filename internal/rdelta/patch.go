package rdelta

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/revdiff/revdiff/internal/errors"
)

// ErrCorruptDelta is returned when a delta stream is malformed or does not
// reconstruct the declared number of bytes. This is a per-path integrity
// error: the affected path is unusable, other paths are not.
var ErrCorruptDelta = errors.New("delta does not reconstruct the expected data")

// Patch applies a delta stream to the base content and writes the
// reconstructed output to w, returning the number of bytes written.
func Patch(base io.ReaderAt, delta io.Reader, w io.Writer) (int64, error) {
	br := bufio.NewReader(delta)

	magic := make([]byte, len(deltaMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return 0, errors.Wrapf(ErrCorruptDelta, "reading magic: %v", err)
	}
	if !bytes.Equal(magic, deltaMagic) {
		return 0, errors.Wrapf(ErrCorruptDelta, "unexpected magic %q", magic)
	}

	var written int64
	for {
		op, err := br.ReadByte()
		if err != nil {
			return written, errors.Wrapf(ErrCorruptDelta, "truncated delta: %v", err)
		}

		switch op {
		case opCopy:
			off, err := binary.ReadUvarint(br)
			if err != nil {
				return written, errors.Wrapf(ErrCorruptDelta, "copy offset: %v", err)
			}
			length, err := binary.ReadUvarint(br)
			if err != nil {
				return written, errors.Wrapf(ErrCorruptDelta, "copy length: %v", err)
			}

			n, err := io.Copy(w, io.NewSectionReader(base, int64(off), int64(length)))
			written += n
			if err != nil {
				return written, errors.Wrap(err, "Copy")
			}
			if n != int64(length) {
				return written, errors.Wrapf(ErrCorruptDelta,
					"copy op references %d bytes at offset %d beyond the base", length, off)
			}

		case opLiteral:
			length, err := binary.ReadUvarint(br)
			if err != nil {
				return written, errors.Wrapf(ErrCorruptDelta, "literal length: %v", err)
			}

			n, err := io.CopyN(w, br, int64(length))
			written += n
			if err != nil {
				return written, errors.Wrapf(ErrCorruptDelta, "literal data: %v", err)
			}

		case opEnd:
			declared, err := binary.ReadUvarint(br)
			if err != nil {
				return written, errors.Wrapf(ErrCorruptDelta, "trailer: %v", err)
			}
			if written != int64(declared) {
				return written, errors.Wrapf(ErrCorruptDelta,
					"incorrect length of data produced: %d instead of %d", written, declared)
			}
			return written, nil

		default:
			return written, errors.Wrapf(ErrCorruptDelta, "unknown op %#x", op)
		}
	}
}
