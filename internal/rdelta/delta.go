package rdelta

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/cespare/xxhash/v2"

	"github.com/revdiff/revdiff/internal/errors"
)

// delta wire format: the magic, then a sequence of ops. opCopy references a
// byte range of the base, opLiteral carries raw bytes, opEnd closes the
// stream and declares the total output length for verification.
var deltaMagic = []byte("RDX1")

const (
	opEnd     = 0x00
	opCopy    = 0x01
	opLiteral = 0x02
)

// flush pending literal bytes once they exceed this size
const literalFlushLen = 1 << 16

// SnapshotRatio is the default fallback threshold: a delta that does not
// undercut this fraction of a plain copy is not worth storing, the caller
// should store a full snapshot instead (see TooLarge).
const SnapshotRatio = 0.9

// TooLarge reports whether a delta of deltaSize for content of plainSize is
// too close to a full copy to be worth storing, using the given ratio.
func TooLarge(deltaSize, plainSize int64, ratio float64) bool {
	return float64(deltaSize) >= ratio*float64(plainSize)
}

// window is a fixed-capacity ring buffer over the target stream.
type window struct {
	buf  []byte
	head int
	size int
}

func (w *window) push(c byte) {
	w.buf[(w.head+w.size)%len(w.buf)] = c
	w.size++
}

func (w *window) pop() byte {
	c := w.buf[w.head]
	w.head = (w.head + 1) % len(w.buf)
	w.size--
	return c
}

// segments returns the window content as up to two contiguous slices.
func (w *window) segments() ([]byte, []byte) {
	if w.size == 0 {
		return nil, nil
	}
	end := w.head + w.size
	if end <= len(w.buf) {
		return w.buf[w.head:end], nil
	}
	return w.buf[w.head:], w.buf[:end-len(w.buf)]
}

func (w *window) strong() uint64 {
	d := xxhash.New()
	s1, s2 := w.segments()
	_, _ = d.Write(s1)
	_, _ = d.Write(s2)
	return d.Sum64()
}

type deltaEncoder struct {
	w   *countingWriter
	lit []byte

	// pending copy run, merged across adjacent blocks
	copyOff int64
	copyLen int64

	varint [binary.MaxVarintLen64]byte
}

func (e *deltaEncoder) writeUvarint(v uint64) error {
	n := binary.PutUvarint(e.varint[:], v)
	_, err := e.w.Write(e.varint[:n])
	return err
}

func (e *deltaEncoder) flushLiteral() error {
	if len(e.lit) == 0 {
		return nil
	}

	if err := e.flushCopy(); err != nil {
		return err
	}

	if _, err := e.w.Write([]byte{opLiteral}); err != nil {
		return err
	}
	if err := e.writeUvarint(uint64(len(e.lit))); err != nil {
		return err
	}
	if _, err := e.w.Write(e.lit); err != nil {
		return err
	}

	e.lit = e.lit[:0]
	return nil
}

func (e *deltaEncoder) flushCopy() error {
	if e.copyLen == 0 {
		return nil
	}

	if _, err := e.w.Write([]byte{opCopy}); err != nil {
		return err
	}
	if err := e.writeUvarint(uint64(e.copyOff)); err != nil {
		return err
	}
	if err := e.writeUvarint(uint64(e.copyLen)); err != nil {
		return err
	}

	e.copyLen = 0
	return nil
}

func (e *deltaEncoder) literal(c byte) error {
	e.lit = append(e.lit, c)
	if len(e.lit) >= literalFlushLen {
		return e.flushLiteral()
	}
	return nil
}

func (e *deltaEncoder) copyRange(off int64, length int) error {
	if err := e.flushLiteral(); err != nil {
		return err
	}

	if e.copyLen > 0 && e.copyOff+e.copyLen == off {
		e.copyLen += int64(length)
		return nil
	}

	if err := e.flushCopy(); err != nil {
		return err
	}

	e.copyOff = off
	e.copyLen = int64(length)
	return nil
}

func (e *deltaEncoder) end(outLen int64) error {
	if err := e.flushLiteral(); err != nil {
		return err
	}
	if err := e.flushCopy(); err != nil {
		return err
	}
	if _, err := e.w.Write([]byte{opEnd}); err != nil {
		return err
	}
	return e.writeUvarint(uint64(outLen))
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, errors.Wrap(err, "Write")
}

// Delta matches target against the signature of a base and writes the delta
// stream to w. It returns the number of delta bytes written and the length
// of the target content.
func Delta(sig *Signature, target io.Reader, w io.Writer) (deltaLen int64, targetLen int64, err error) {
	cw := &countingWriter{w: w}
	if _, err := cw.Write(deltaMagic); err != nil {
		return cw.n, 0, err
	}

	enc := &deltaEncoder{w: cw, lit: make([]byte, 0, literalFlushLen)}
	br := bufio.NewReaderSize(target, sig.BlockSize*4)
	win := &window{buf: make([]byte, sig.BlockSize)}

	refill := func() error {
		for win.size < sig.BlockSize {
			c, err := br.ReadByte()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return errors.Wrap(err, "ReadByte")
			}
			win.push(c)
			targetLen++
		}
		return nil
	}

	if err := refill(); err != nil {
		return cw.n, targetLen, err
	}

	sum := weakSumWindow(win)

	for win.size > 0 {
		if idx := matchBlock(sig, sum, win); idx >= 0 {
			b := sig.blocks[idx]
			if err := enc.copyRange(b.offset, b.length); err != nil {
				return cw.n, targetLen, err
			}

			win.head = 0
			win.size = 0
			if err := refill(); err != nil {
				return cw.n, targetLen, err
			}
			sum = weakSumWindow(win)
			continue
		}

		out := win.pop()
		if err := enc.literal(out); err != nil {
			return cw.n, targetLen, err
		}

		c, err := br.ReadByte()
		switch {
		case err == io.EOF:
			sum = rollOut(sum, win.size+1, out)
		case err != nil:
			return cw.n, targetLen, errors.Wrap(err, "ReadByte")
		default:
			win.push(c)
			targetLen++
			sum = roll(sum, win.size, out, c)
		}
	}

	if err := enc.end(targetLen); err != nil {
		return cw.n, targetLen, err
	}

	return cw.n, targetLen, nil
}

func weakSumWindow(w *window) uint32 {
	s1, s2 := w.segments()
	if len(s2) == 0 {
		return weakSum(s1)
	}
	buf := make([]byte, 0, w.size)
	buf = append(buf, s1...)
	buf = append(buf, s2...)
	return weakSum(buf)
}

// matchBlock looks up a base block with the same length, weak and strong
// checksum as the current window.
func matchBlock(sig *Signature, weak uint32, win *window) int {
	candidates := sig.weak[weak]
	if len(candidates) == 0 {
		return -1
	}

	strong := win.strong()
	for _, idx := range candidates {
		b := sig.blocks[idx]
		if b.length == win.size && b.strong == strong {
			return idx
		}
	}
	return -1
}
