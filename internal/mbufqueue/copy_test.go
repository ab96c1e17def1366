package mbufqueue

import (
	"bytes"
	"testing"
)

func concatRef(bufs [][]byte) []byte {
	var out []byte
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}

func TestMultiThreadCopySmallSingleMemcpy(t *testing.T) {
	bufs := [][]byte{{1, 2, 3}, {}, {4, 5}}
	want := concatRef(bufs)
	dst := make([]byte, len(want))
	if err := MultiThreadCopy(dst, bufs); err != nil {
		t.Fatalf("MultiThreadCopy: %v", err)
	}
	if !bytes.Equal(dst, want) {
		t.Errorf("dst = %v, want %v", dst, want)
	}
}

func TestMultiThreadCopyLengthMismatch(t *testing.T) {
	bufs := [][]byte{{1, 2, 3}}
	dst := make([]byte, 2)
	if err := MultiThreadCopy(dst, bufs); err == nil {
		t.Error("MultiThreadCopy with mismatched lengths should fail")
	}
}

func TestMultiThreadCopyEmpty(t *testing.T) {
	if err := MultiThreadCopy(nil, nil); err != nil {
		t.Errorf("MultiThreadCopy of empty input should succeed, got %v", err)
	}
}

// TestMultiThreadCopyLargeByteIdentical exercises the >20MiB chunked path
// (testable property 6) and checks it is byte-identical to a plain
// concatenation, for several sizes that land on different sides of the
// 2MiB block-alignment rounding.
func TestMultiThreadCopyLargeByteIdentical(t *testing.T) {
	sizes := []int{
		singleCopyThreshold + 1,       // just over the single-copy threshold
		singleCopyThreshold * 3,       // several blocks
		singleCopyThreshold*9 + 12345, // exceeds maxCopyBlocks, batch grows
	}

	for _, n := range sizes {
		src := make([]byte, n)
		for i := range src {
			src[i] = byte(i)
		}
		// Split the source into a handful of scatter segments so the copy
		// path exercises cross-segment block boundaries too.
		bufs := [][]byte{src[:n/3], src[n/3 : 2*n/3], src[2*n/3:]}

		dst := make([]byte, n)
		if err := MultiThreadCopy(dst, bufs); err != nil {
			t.Fatalf("size %d: MultiThreadCopy: %v", n, err)
		}
		if !bytes.Equal(dst, src) {
			t.Errorf("size %d: MultiThreadCopy result differs from plain concatenation", n)
		}
	}
}

func TestPlanCopyBlocksFormula(t *testing.T) {
	// A size well above the single-copy threshold (four times it, plus one
	// byte) must be planned per the block-count/batch-size formula.
	n := singleCopyThreshold*4 + 1
	blocks := planCopyBlocks(n)
	total := 0
	for i, b := range blocks {
		total += b.length
		if i < len(blocks)-1 && b.length != blocks[0].length {
			t.Errorf("block %d length = %d, want uniform batch size %d", i, b.length, blocks[0].length)
		}
	}
	if total != n {
		t.Errorf("sum of block lengths = %d, want %d", total, n)
	}
	if len(blocks) > maxCopyBlocks {
		t.Errorf("block count %d exceeds maxCopyBlocks %d", len(blocks), maxCopyBlocks)
	}
}

func TestPlanCopyBlocksZeroOrNegative(t *testing.T) {
	if got := planCopyBlocks(0); got != nil {
		t.Errorf("planCopyBlocks(0) = %v, want nil", got)
	}
	if got := planCopyBlocks(-1); got != nil {
		t.Errorf("planCopyBlocks(-1) = %v, want nil", got)
	}
}
