package rdelta

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/revdiff/revdiff/internal/errors"
)

// Scan reads a delta stream without applying it and checks its structure:
// the magic, every op, and that the op lengths add up to the declared
// output length. It returns the declared length.
func Scan(delta io.Reader) (int64, error) {
	br := bufio.NewReader(delta)

	magic := make([]byte, len(deltaMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return 0, errors.Wrapf(ErrCorruptDelta, "reading magic: %v", err)
	}
	if !bytes.Equal(magic, deltaMagic) {
		return 0, errors.Wrapf(ErrCorruptDelta, "unexpected magic %q", magic)
	}

	var produced int64
	for {
		op, err := br.ReadByte()
		if err != nil {
			return produced, errors.Wrapf(ErrCorruptDelta, "truncated delta: %v", err)
		}

		switch op {
		case opCopy:
			if _, err := binary.ReadUvarint(br); err != nil {
				return produced, errors.Wrapf(ErrCorruptDelta, "copy offset: %v", err)
			}
			length, err := binary.ReadUvarint(br)
			if err != nil {
				return produced, errors.Wrapf(ErrCorruptDelta, "copy length: %v", err)
			}
			produced += int64(length)

		case opLiteral:
			length, err := binary.ReadUvarint(br)
			if err != nil {
				return produced, errors.Wrapf(ErrCorruptDelta, "literal length: %v", err)
			}
			n, err := io.CopyN(io.Discard, br, int64(length))
			produced += n
			if err != nil {
				return produced, errors.Wrapf(ErrCorruptDelta, "literal data: %v", err)
			}

		case opEnd:
			declared, err := binary.ReadUvarint(br)
			if err != nil {
				return produced, errors.Wrapf(ErrCorruptDelta, "trailer: %v", err)
			}
			if produced != int64(declared) {
				return produced, errors.Wrapf(ErrCorruptDelta,
					"ops produce %d bytes instead of the declared %d", produced, declared)
			}
			return produced, nil

		default:
			return produced, errors.Wrapf(ErrCorruptDelta, "unknown op %#x", op)
		}
	}
}
