// Package driver declares the opaque accelerator-driver surface this runtime
// sits on top of (spec.md §6: rtMemQueue*, rtMbuf*, rtMalloc, rtCpuKernelLaunch*,
// rtEsched*, rtStream*, rtCtx*). The real driver, the on-device kernel
// scheduler binary, and the device memory allocator are out of scope for this
// module (spec.md §1); callers depend only on the Driver interface, and tests
// plus cmd/dflow-demo run against the in-process Fake implementation.
package driver

import (
	"context"
	"time"

	"github.com/dflow-rt/hetexec/internal/abi"
)

// EventKind enumerates the driver events the mbuf exchange service and the
// AICPU dispatcher subscribe to (§4.B.1, §4.I).
type EventKind uint8

const (
	EventQueueEmptyToNotEmpty EventKind = iota // E2NE
	EventQueueFullToNotFull                    // F2NF
	EventAICPUMsg                              // RT_EVENT_AICPU_MSG
)

// Event is a single delivered driver event.
type Event struct {
	Kind     EventKind
	DeviceID int32
	QueueID  uint32
	SubEvent uint32 // for EventAICPUMsg: ActivateModel=7, EndGraph=6
	ModelID  uint32 // for EventAICPUMsg
}

// QueueFullError / QueueEmptyError are the two retriable driver statuses
// (§7 DriverError-retriable); everything else from the driver is fatal.
type QueueFullError struct{ QueueID uint32 }
type QueueEmptyError struct{ QueueID uint32 }

func (e *QueueFullError) Error() string  { return "driver: queue full" }
func (e *QueueEmptyError) Error() string { return "driver: queue empty" }

// Mbuf is a move-only handle over a driver message buffer: a payload region
// plus a fixed PrivInfoSize header region. Ownership follows §5's policy —
// producer allocates, consumer frees, except shared-input mode which
// transfers ownership to the queue immediately.
type Mbuf struct {
	Payload    []byte
	Priv       [abi.PrivInfoSize]byte
	freed      bool
	freeOnDrop bool
}

// NewMbuf allocates a payload of the given size with a zeroed header.
func NewMbuf(size int) *Mbuf {
	return &Mbuf{Payload: make([]byte, size), freeOnDrop: true}
}

// WrapShared builds an Mbuf over caller-owned bytes without copying — the
// backing array is the same slice the caller passed in (testable property 2).
func WrapShared(buf []byte) *Mbuf {
	return &Mbuf{Payload: buf, freeOnDrop: false}
}

// Free releases the Mbuf. Idempotent.
func (m *Mbuf) Free() {
	m.freed = true
}

func (m *Mbuf) Freed() bool { return m.freed }

// MsgInfo returns the MsgInfo stored at the tail of the private-info header.
func (m *Mbuf) MsgInfo() *abi.MsgInfo {
	return decodeMsgInfo(&m.Priv)
}

// SetMsgInfo writes the MsgInfo into the tail of the private-info header.
func (m *Mbuf) SetMsgInfo(mi *abi.MsgInfo) {
	encodeMsgInfo(&m.Priv, mi)
}

// SetEOS marks this Mbuf as an end-of-sequence control token.
func (m *Mbuf) SetEOS() { m.Priv[abi.EOSOffset] = abi.EOSValue }

// IsEOS reports whether the EOS marker is set.
func (m *Mbuf) IsEOS() bool { return m.Priv[abi.EOSOffset] == abi.EOSValue }

// UserData returns a view over the 64-byte scratch region.
func (m *Mbuf) UserData() []byte { return m.Priv[0:abi.UserDataSize] }

// SetUserData copies d into the scratch region at off; fails the invariant
// off+len(d) <= 64 is the caller's responsibility (checked by callers in
// internal/mbufqueue, surfaced as ParamInvalid).
func (m *Mbuf) SetUserData(d []byte, off int) {
	copy(m.Priv[off:abi.UserDataSize], d)
}

// Driver is the full opaque accelerator-driver surface. Implementations must
// be safe for concurrent use by multiple queues/devices.
type Driver interface {
	// Queue lifecycle (rtMemQueueCreate/Destroy/Attach/Init).
	CreateQueue(deviceID int32, name string, attr abi.MemQueueAttr) (uint32, error)
	DestroyQueue(deviceID int32, queueID uint32) error

	// Enqueue/Dequeue (rtMemQueueEnQueue[Buff]/DeQueue[Buff]/Peek). These are
	// non-blocking; retriable failures return *QueueFullError/*QueueEmptyError
	// and callers wait on Events for the matching transition.
	EnqueueMbuf(deviceID int32, queueID uint32, m *Mbuf) error
	DequeueMbuf(deviceID int32, queueID uint32) (*Mbuf, error)
	PeekMbuf(deviceID int32, queueID uint32) (bool, error)

	// Mbuf allocation (rtMbufAlloc/Free/Build/UnBuild).
	AllocMbuf(size int) (*Mbuf, error)
	BuildMbuf(buf []byte) (*Mbuf, error) // shared-input, no copy
	FreeMbuf(m *Mbuf) error

	// Device memory (rtMalloc/Free/Memcpy/Memset) — L1/L2 pool contract only
	// (bin-packing internals are out of scope, spec.md §1 Non-goals).
	Malloc(size int) (DevPtr, error)
	Free(p DevPtr) error
	Memcpy(dst DevPtr, src []byte) error
	Memset(dst DevPtr, val byte, size int) error

	// CPU kernel launch (rtCpuKernelLaunchWithFlag) — launches a scheduler
	// task's kernel on a stream with its arg block.
	LaunchCPUKernel(streamID uint32, kernelName string, argBlock DevPtr) error

	// Streams (rtStreamCreate/Synchronize/WaitEvent).
	CreateStream(deviceID int32, flags uint32) (uint32, error)

	// Event subscription (rtEschedCreateGroup/SubscribeEvent/WaitEvent/
	// SubmitEvent/AttachDevice). Events are delivered on the returned
	// channel until ctx is canceled.
	Subscribe(ctx context.Context, deviceID int32, groupID uint32) (<-chan Event, error)
	SubmitEvent(deviceID int32, ev Event) error

	// SetDevice / context (rtSetDevice, rtCtx*).
	SetDevice(deviceID int32) error
}

// DevPtr is an opaque device-virtual address. Arg blocks encode these as
// uint64 fields (internal/abi) that may index back into the same block.
type DevPtr uint64

// WaitTimeout is a small helper used by the enqueue/dequeue state machines
// (§4.B.2) to bound a single wait slice.
func WaitTimeout(remaining time.Duration, slice time.Duration) time.Duration {
	if remaining < 0 {
		return slice
	}
	if remaining < slice {
		return remaining
	}
	return slice
}

func encodeMsgInfo(priv *[abi.PrivInfoSize]byte, mi *abi.MsgInfo) {
	b := priv[abi.PrivInfoSize-msgInfoWireSize:]
	putU64(b[0:8], mi.TransID)
	putU32(b[8:12], uint32(mi.RetCode))
	putU32(b[12:16], mi.DataFlag)
	putU32(b[16:20], mi.MsgType)
	putU64(b[20:28], uint64(mi.StartTime))
	putU64(b[28:36], uint64(mi.EndTime))
	putU32(b[36:40], mi.Flags)
}

func decodeMsgInfo(priv *[abi.PrivInfoSize]byte) *abi.MsgInfo {
	b := priv[abi.PrivInfoSize-msgInfoWireSize:]
	return &abi.MsgInfo{
		TransID:   getU64(b[0:8]),
		RetCode:   int32(getU32(b[8:12])),
		DataFlag:  getU32(b[12:16]),
		MsgType:   getU32(b[16:20]),
		StartTime: int64(getU64(b[20:28])),
		EndTime:   int64(getU64(b[28:36])),
		Flags:     getU32(b[36:40]),
	}
}

const msgInfoWireSize = 40

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
func putU32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
func getU32(b []byte) uint32 {
	var v uint32
	for i := 0; i < 4; i++ {
		v |= uint32(b[i]) << (8 * i)
	}
	return v
}
