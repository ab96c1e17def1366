package mbufqueue

import (
	"golang.org/x/sync/errgroup"
)

// Multi-thread-copy constants (§4.B.3).
const (
	singleCopyThreshold = 20 * 1 << 20 // 20 MiB
	maxCopyBlocks       = 9
	copyBatchAlign      = 2 * 1 << 20 // 2 MiB
	copyWorkerPoolSize  = 8           // process-wide pool named ge_hete_cpy in spec.md §5
)

// copyBlock describes one [offset, offset+length) slice of the concatenated
// destination buffer to be filled by a single memcpy.
type copyBlock struct {
	dstOffset int
	length    int
}

// planCopyBlocks implements the exact formula from §4.B.3:
//
//	block_num = min(ceil(src/20MiB), 9)
//	batch     = roundUp(src/block_num, 2MiB)
//	block_num = ceil(src/batch)
//
// and returns the resulting blocks, all but the last sized `batch`.
func planCopyBlocks(totalSize int) []copyBlock {
	if totalSize <= 0 {
		return nil
	}
	blockNum := ceilDiv(totalSize, singleCopyThreshold)
	if blockNum > maxCopyBlocks {
		blockNum = maxCopyBlocks
	}
	if blockNum < 1 {
		blockNum = 1
	}
	batch := roundUp(ceilDiv(totalSize, blockNum), copyBatchAlign)
	blockNum = ceilDiv(totalSize, batch)

	blocks := make([]copyBlock, 0, blockNum)
	offset := 0
	for offset < totalSize {
		length := batch
		if offset+length > totalSize {
			length = totalSize - offset
		}
		blocks = append(blocks, copyBlock{dstOffset: offset, length: length})
		offset += length
	}
	return blocks
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return a
	}
	return (a + b - 1) / b
}

func roundUp(a, mult int) int {
	if mult <= 0 {
		return a
	}
	return ceilDiv(a, mult) * mult
}

// MultiThreadCopy concatenates the non-empty buffers in bufs into dst
// (len(dst) must equal the sum of their lengths). For totals at or below 20
// MiB it performs a single copy; above that it partitions into 2-MiB-aligned
// chunks and runs all but the tail on a per-call errgroup of at most
// copyWorkerPoolSize goroutines, running
// the tail inline on the calling goroutine (§4.B.3, testable property 6: the
// result is byte-identical to a plain concatenation for any chunking).
func MultiThreadCopy(dst []byte, bufs [][]byte) error {
	// Flatten the scatter list into a single logical source view without an
	// extra allocation: compute cumulative offsets and copy piecewise within
	// each planned block.
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	if total != len(dst) {
		return &OpError{Op: "MultiThreadCopy", Status: StatusParamInvalid,
			Inner: errLengthMismatch(total, len(dst))}
	}
	if total == 0 {
		return nil
	}

	if total <= singleCopyThreshold {
		copyScatter(dst, bufs, 0, total)
		return nil
	}

	blocks := planCopyBlocks(total)
	g := new(errgroup.Group)
	g.SetLimit(copyWorkerPoolSize)

	for i, blk := range blocks {
		blk := blk
		if i == len(blocks)-1 {
			// Tail block always runs inline on the caller, per §4.B.3.
			copyScatter(dst, bufs, blk.dstOffset, blk.length)
			continue
		}
		g.Go(func() error {
			copyScatter(dst, bufs, blk.dstOffset, blk.length)
			return nil
		})
	}
	return g.Wait()
}

// copyScatter copies the [from, from+length) window of the logical
// concatenation of bufs into dst[from:from+length].
func copyScatter(dst []byte, bufs [][]byte, from, length int) {
	pos := 0
	remainingStart := from
	need := length
	dstPos := from
	for _, b := range bufs {
		bl := len(b)
		if pos+bl <= remainingStart {
			pos += bl
			continue
		}
		srcStart := 0
		if remainingStart > pos {
			srcStart = remainingStart - pos
		}
		avail := bl - srcStart
		if avail <= 0 {
			pos += bl
			continue
		}
		take := avail
		if take > need {
			take = need
		}
		n := copy(dst[dstPos:dstPos+take], b[srcStart:srcStart+take])
		dstPos += n
		need -= n
		pos += bl
		remainingStart = pos
		if need <= 0 {
			return
		}
	}
}

func errLengthMismatch(total, dstLen int) error {
	return &lengthMismatchError{total: total, dstLen: dstLen}
}

type lengthMismatchError struct {
	total, dstLen int
}

func (e *lengthMismatchError) Error() string {
	return "scatter-gather total length does not match destination buffer length"
}
