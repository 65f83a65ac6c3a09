package rdelta_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/revdiff/revdiff/internal/rdelta"
	rtest "github.com/revdiff/revdiff/internal/test"
)

const testBlockSize = 64

func roundTrip(t testing.TB, base, target []byte) (deltaLen int64) {
	t.Helper()

	sig, err := rdelta.NewSignature(bytes.NewReader(base), testBlockSize)
	rtest.OK(t, err)

	delta := &bytes.Buffer{}
	deltaLen, targetLen, err := rdelta.Delta(sig, bytes.NewReader(target), delta)
	rtest.OK(t, err)
	rtest.Equals(t, int64(len(target)), targetLen)
	rtest.Equals(t, int64(delta.Len()), deltaLen)

	out := &bytes.Buffer{}
	n, err := rdelta.Patch(bytes.NewReader(base), delta, out)
	rtest.OK(t, err)
	rtest.Equals(t, int64(len(target)), n)

	if !bytes.Equal(target, out.Bytes()) {
		t.Fatalf("patch output differs from target, len %d vs %d", out.Len(), len(target))
	}

	return deltaLen
}

func TestRoundTrip(t *testing.T) {
	var tests = []struct {
		name   string
		base   []byte
		target []byte
	}{
		{"both empty", nil, nil},
		{"empty base", nil, rtest.Random(1, 5000)},
		{"empty target", rtest.Random(2, 5000), nil},
		{"identical", rtest.Random(3, 10*testBlockSize), rtest.Random(3, 10*testBlockSize)},
		{"identical short tail", rtest.Random(4, 10*testBlockSize+13), rtest.Random(4, 10*testBlockSize+13)},
		{"disjoint", rtest.Random(5, 4000), rtest.Random(6, 4000)},
		{"shorter than a block", []byte("tiny"), []byte("tinier")},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			roundTrip(t, test.base, test.target)
		})
	}
}

func TestDeltaFindsSharedBlocks(t *testing.T) {
	base := rtest.Random(23, 100*testBlockSize)

	// insert a few bytes near the front, delete some in the middle, append
	target := append([]byte{}, []byte("inserted")...)
	target = append(target, base[:40*testBlockSize]...)
	target = append(target, base[41*testBlockSize:]...)
	target = append(target, rtest.Random(24, 300)...)

	deltaLen := roundTrip(t, base, target)

	// most of the target is copied from the base, the delta must be far
	// smaller than a plain copy
	rtest.Assert(t, deltaLen < int64(len(target))/4,
		"delta too large: %d bytes for %d bytes of target", deltaLen, len(target))
	rtest.Assert(t, !rdelta.TooLarge(deltaLen, int64(len(target)), rdelta.SnapshotRatio),
		"delta of %d bytes considered too large for %d bytes", deltaLen, len(target))
}

func TestTooLarge(t *testing.T) {
	rtest.Assert(t, rdelta.TooLarge(95, 100, rdelta.SnapshotRatio), "95%% of a copy must trigger fallback")
	rtest.Assert(t, !rdelta.TooLarge(50, 100, rdelta.SnapshotRatio), "half a copy must not trigger fallback")
	rtest.Assert(t, rdelta.TooLarge(0, 0, rdelta.SnapshotRatio), "empty content never benefits from a delta")
}

func TestPatchRejectsCorruptDelta(t *testing.T) {
	base := rtest.Random(7, 3000)
	target := rtest.Random(8, 3000)

	sig, err := rdelta.NewSignature(bytes.NewReader(base), testBlockSize)
	rtest.OK(t, err)

	delta := &bytes.Buffer{}
	_, _, err = rdelta.Delta(sig, bytes.NewReader(target), delta)
	rtest.OK(t, err)

	raw := delta.Bytes()

	for _, test := range []struct {
		name   string
		mangle func([]byte) []byte
	}{
		{"bad magic", func(d []byte) []byte {
			d = append([]byte{}, d...)
			d[0] ^= 0xff
			return d
		}},
		{"truncated", func(d []byte) []byte {
			return d[:len(d)-3]
		}},
		{"empty", func(d []byte) []byte {
			return nil
		}},
	} {
		t.Run(test.name, func(t *testing.T) {
			_, err := rdelta.Patch(bytes.NewReader(base), bytes.NewReader(test.mangle(raw)), io.Discard)
			rtest.Assert(t, err != nil, "expected error for %v delta", test.name)
		})
	}
}

func TestPatchVerifiesLength(t *testing.T) {
	// a delta whose trailer declares the wrong length must be rejected
	sig, err := rdelta.NewSignature(bytes.NewReader(nil), testBlockSize)
	rtest.OK(t, err)

	delta := &bytes.Buffer{}
	_, _, err = rdelta.Delta(sig, bytes.NewReader([]byte("abcdef")), delta)
	rtest.OK(t, err)

	raw := delta.Bytes()
	// trailer is the last varint; 6 fits in one byte
	raw[len(raw)-1] = 7

	_, err = rdelta.Patch(bytes.NewReader(nil), bytes.NewReader(raw), io.Discard)
	rtest.Assert(t, err != nil, "expected length mismatch error")
}

func TestNewSignatureRejectsTinyBlocks(t *testing.T) {
	_, err := rdelta.NewSignature(bytes.NewReader(nil), 16)
	rtest.Assert(t, err != nil, "expected error for block size below the minimum")
}

func BenchmarkDelta(b *testing.B) {
	base := rtest.Random(11, 1<<20)
	target := append(append([]byte{}, base[:1<<19]...), base[1<<19+100:]...)

	sig, err := rdelta.NewSignature(bytes.NewReader(base), rdelta.DefaultBlockSize)
	rtest.OK(b, err)

	b.SetBytes(int64(len(target)))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, _, err := rdelta.Delta(sig, bytes.NewReader(target), io.Discard)
		rtest.OK(b, err)
	}
}
