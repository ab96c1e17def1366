// Package transid implements TransIdRegistry (spec.md §4.A): a per-
// (device_id, queue_id) monotonic 64-bit id generator, the same per-key
// mutex-guarded map discipline the teacher uses for per-tag state
// (internal/queue/runner.go's tagMutexes), generalized from a fixed-size
// slice to a map since (device,queue) pairs are not bounded up front.
package transid

import (
	"fmt"
	"math"
	"sync"

	"github.com/dflow-rt/hetexec/internal/abi"
)

// Key identifies a (device, queue) trans-id stream.
type Key struct {
	DeviceID int32
	QueueID  uint32
}

// Registry generates and tracks trans-ids. Zero value is ready to use.
type Registry struct {
	mu    sync.Mutex
	table map[Key]uint64
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{table: make(map[Key]uint64)}
}

// ErrReservedSentinel is returned when Gen is called with the reserved
// math.MaxUint64 "user assigned" sentinel.
var ErrReservedSentinel = fmt.Errorf("transid: user-assigned id is the reserved sentinel")

// ErrExhausted is returned once a stream has emitted math.MaxUint64-1 ids.
var ErrExhausted = fmt.Errorf("transid: trans-id space exhausted")

// ErrNotMonotonic is returned when a caller supplies a user-assigned id
// smaller than the stream's current last id.
var ErrNotMonotonic = fmt.Errorf("transid: user-assigned id is less than the last issued id")

// Gen implements §4.A's generation rule:
//   - userAssigned == MaxUint64           -> ErrReservedSentinel
//   - userAssigned > 0 && userAssigned >= last -> persists and returns it
//   - userAssigned > 0 && userAssigned < last  -> ErrNotMonotonic
//   - userAssigned == 0                   -> last+1, or ErrExhausted at the ceiling
func (r *Registry) Gen(deviceID int32, queueID uint32, userAssigned uint64) (uint64, error) {
	if userAssigned == math.MaxUint64 {
		return 0, ErrReservedSentinel
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.table == nil {
		r.table = make(map[Key]uint64)
	}
	k := Key{deviceID, queueID}
	last := r.table[k] // zero value if absent, which is what §4.A assumes

	if userAssigned > 0 {
		if userAssigned < last {
			return 0, ErrNotMonotonic
		}
		r.table[k] = userAssigned
		return userAssigned, nil
	}

	if last == math.MaxUint64-1 {
		return 0, ErrExhausted
	}
	next := last + 1
	r.table[k] = next
	return next, nil
}

// Current returns the last-issued trans-id for (deviceID, queueID), or
// abi.InvalidTransID if no entry exists.
func (r *Registry) Current(deviceID int32, queueID uint32) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.table[Key{deviceID, queueID}]
	if !ok {
		return abi.InvalidTransID
	}
	return last
}

// Evict removes the entry for (deviceID, queueID), called when its queue is
// destroyed (testable property 7).
func (r *Registry) Evict(deviceID int32, queueID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.table, Key{deviceID, queueID})
}
