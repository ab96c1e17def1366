// Package memblock implements the GertEvent / MultiStreamMemBlock baton
// (spec.md §3/§5, SPEC_FULL.md §3.K, supplemented from original_source's
// runtime/v2/kernel/memory/multi_stream_mem_block_pool.h and
// version_blocks.h): a cross-stream memory handle that tracks which stream
// birthed it, how many streams currently hold a reference, and a version
// counter bumped on each recycle. Grounded on the teacher's per-tag mutex
// map discipline (internal/queue/runner.go's tagMutexes) generalized from
// per-tag locks to per-block locks, since blocks — unlike tags — are
// created and destroyed continuously.
package memblock

import "sync"

// Block is one MultiStreamMemBlock: a device-memory region loaned across
// streams. Zero value is not valid; use New.
type Block struct {
	mu           sync.Mutex
	birthStream  uint32
	version      uint32
	useCounts    map[uint32]uint32 // stream_id -> outstanding reference count
	localRecycle map[uint32]bool   // stream_id -> local-recycle event received, awaiting pairing
}

// New constructs a Block born on birthStream with an initial reference held
// by that stream.
func New(birthStream uint32) *Block {
	b := &Block{
		birthStream:  birthStream,
		useCounts:    make(map[uint32]uint32),
		localRecycle: make(map[uint32]bool),
	}
	b.useCounts[birthStream] = 1
	return b
}

// BirthStream returns the stream that created this block.
func (b *Block) BirthStream() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.birthStream
}

// Version returns the block's current recycle generation.
func (b *Block) Version() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// Acquire marks streamID as holding a reference to this block.
func (b *Block) Acquire(streamID uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.useCounts[streamID]++
}

// RecycleResult reports what Release should do next: nothing yet, rebroadcast
// a local-recycle event, or perform the birth-stream (global) recycle.
type RecycleResult int

const (
	RecycleNone RecycleResult = iota
	RecycleLocal
	RecycleGlobal
)

// Release drops streamID's reference. Per §3's invariant, a block returns
// to its birth stream (global recycle) only when no stream still marks it
// in-use; releasing a non-birth stream's last reference instead emits a
// local-recycle event that must be rebroadcast and paired before the block
// can be birth-recycled.
func (b *Block) Release(streamID uint32) RecycleResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.useCounts[streamID] > 0 {
		b.useCounts[streamID]--
	}
	if b.useCounts[streamID] == 0 {
		delete(b.useCounts, streamID)
	}

	if streamID != b.birthStream {
		b.localRecycle[streamID] = true
	}

	if b.anyInUseLocked() {
		return RecycleNone
	}
	if streamID != b.birthStream {
		return RecycleLocal
	}
	return b.tryGlobalRecycleLocked()
}

// OnLocalRecycleEvent records that a rebroadcast local-recycle event from
// streamID has been received, converting it into a birth-recycle once every
// outstanding local-recycle has been paired and no stream still holds a
// reference.
func (b *Block) OnLocalRecycleEvent(streamID uint32) RecycleResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.localRecycle, streamID)
	if b.anyInUseLocked() || len(b.localRecycle) > 0 {
		return RecycleNone
	}
	return b.tryGlobalRecycleLocked()
}

func (b *Block) anyInUseLocked() bool {
	for _, n := range b.useCounts {
		if n > 0 {
			return true
		}
	}
	return false
}

func (b *Block) tryGlobalRecycleLocked() RecycleResult {
	if len(b.localRecycle) > 0 {
		return RecycleNone
	}
	b.version++
	return RecycleGlobal
}
