// Package rdelta implements the reverse binary delta codec. A signature of
// the base content (fixed-size blocks, a weak rolling checksum plus a strong
// checksum per block) is matched against a target, producing a stream of
// copy/literal instructions that rebuilds the target from the base. The
// engine stores deltas in reverse: the base is the new mirror content, the
// reconstructed output is the previous session's content.
package rdelta

import (
	"bufio"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/revdiff/revdiff/internal/errors"
)

// DefaultBlockSize is the signature block size used unless the repository
// was created with a different one. Larger blocks shrink signatures, smaller
// blocks find more matches in heavily edited files.
const DefaultBlockSize = 2048

// MinBlockSize guards against degenerate configurations.
const MinBlockSize = 64

type block struct {
	strong uint64
	offset int64
	length int
}

// Signature indexes the content of a base file for delta computation.
type Signature struct {
	BlockSize int

	blocks []block
	weak   map[uint32][]int
}

// NewSignature reads all of base and returns its block signature.
func NewSignature(base io.Reader, blockSize int) (*Signature, error) {
	if blockSize < MinBlockSize {
		return nil, errors.Errorf("block size %d below minimum %d", blockSize, MinBlockSize)
	}

	sig := &Signature{
		BlockSize: blockSize,
		weak:      make(map[uint32][]int),
	}

	buf := make([]byte, blockSize)
	br := bufio.NewReaderSize(base, blockSize*4)
	var off int64

	for {
		n, err := io.ReadFull(br, buf)
		if n > 0 {
			idx := len(sig.blocks)
			sig.blocks = append(sig.blocks, block{
				strong: xxhash.Sum64(buf[:n]),
				offset: off,
				length: n,
			})
			w := weakSum(buf[:n])
			sig.weak[w] = append(sig.weak[w], idx)
			off += int64(n)
		}

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "ReadFull")
		}
	}

	return sig, nil
}

// BaseSize returns the length of the indexed base content.
func (sig *Signature) BaseSize() int64 {
	if len(sig.blocks) == 0 {
		return 0
	}
	last := sig.blocks[len(sig.blocks)-1]
	return last.offset + int64(last.length)
}

// findBlock returns the index of a full-size block matching both checksums,
// or -1.
func (sig *Signature) findBlock(weak uint32, data []byte) int {
	for _, idx := range sig.weak[weak] {
		b := sig.blocks[idx]
		if b.length != len(data) {
			continue
		}
		if b.strong == xxhash.Sum64(data) {
			return idx
		}
	}
	return -1
}

// weakSum computes the rolling checksum of data from scratch.
func weakSum(data []byte) uint32 {
	var a, b uint16
	l := len(data)
	for i, c := range data {
		a += uint16(c)
		b += uint16(l-i) * uint16(c)
	}
	return uint32(a) | uint32(b)<<16
}

// roll moves the checksum one byte forward over a window of length l: out
// leaves the front, in enters at the back.
func roll(sum uint32, l int, out, in byte) uint32 {
	a := uint16(sum)
	b := uint16(sum >> 16)

	a = a - uint16(out) + uint16(in)
	b = b - uint16(l)*uint16(out) + a

	return uint32(a) | uint32(b)<<16
}

// rollOut removes the front byte from a window of length l without adding a
// new one.
func rollOut(sum uint32, l int, out byte) uint32 {
	a := uint16(sum)
	b := uint16(sum >> 16)

	a -= uint16(out)
	b -= uint16(l) * uint16(out)

	return uint32(a) | uint32(b)<<16
}
