// Package abi defines the wire-format shared with the device scheduler and
// the host driver: the Mbuf private-info header, queue/control parameter
// structs, and the packed scheduler task argument blocks. Everything here is
// byte-exact ABI — fields are laid out in the order the device scheduler
// expects them, not the order that reads nicest.
package abi

import "math"

// PrivInfoSize is the minimum size of an Mbuf's private-info header region.
const PrivInfoSize = 256

// UserDataSize is the fixed size of the caller-defined scratch region at the
// front of the private-info header.
const UserDataSize = 64

// EOSOffset is the byte offset of the end-of-sequence marker within the
// private-info header.
const EOSOffset = 128

// EOSValue is the sentinel byte written at EOSOffset to mark a control token.
const EOSValue byte = 0x5A

// ClientHeaderStackSize is the fixed stack-allocated header size used by
// client-queue (buff-mode) enqueue. The buff API assumes this is large
// enough for MsgInfo plus user-data; kept at 256 to preserve the observed
// ABI rather than trimmed to exactly fit (Open Questions, SPEC_FULL.md §5).
const ClientHeaderStackSize = 256

func init() {
	if ClientHeaderStackSize < UserDataSize {
		panic("abi: ClientHeaderStackSize must be >= UserDataSize")
	}
}

// Data-flag bits carried in MsgInfo.DataFlag.
const (
	CustomTransIDFlagBit uint32 = 1 << 0
	NullDataFlagBit      uint32 = 1 << 1
)

// NoQueueID is the sentinel queue_id meaning "no queue" — drop the output
// slot rather than enqueue anywhere.
const NoQueueID uint32 = math.MaxUint32

// InvalidTransID is returned by trans-id lookups that find no entry.
const InvalidTransID uint64 = math.MaxUint64

// DeviceType distinguishes the two device kinds a QueueAttrs can bind to.
type DeviceType uint8

const (
	DeviceTypeNPU DeviceType = iota
	DeviceTypeCPU
)

// WorkMode is a MemQueueAttr creation mode. Only PULL is modeled — the
// original ABI's push mode has no caller in this runtime.
type WorkMode uint8

const (
	WorkModePull WorkMode = iota
)

// MsgInfo is the fixed-size control record stored at the tail of an Mbuf's
// private-info header.
type MsgInfo struct {
	TransID   uint64
	RetCode   int32
	DataFlag  uint32
	MsgType   uint32
	StartTime int64
	EndTime   int64
	Flags     uint32
}

// HasCustomTransID reports whether the custom-trans-id flag bit is set.
func (m *MsgInfo) HasCustomTransID() bool {
	return m.DataFlag&CustomTransIDFlagBit != 0
}

// IsNullData reports whether the null-data control-pulse flag bit is set.
func (m *MsgInfo) IsNullData() bool {
	return m.DataFlag&NullDataFlagBit != 0
}

// SetTransID updates TransID and keeps CustomTransIDFlagBit consistent:
// a non-zero id sets the flag, a zero id clears it.
func (m *MsgInfo) SetTransID(id uint64) {
	m.TransID = id
	if id != 0 {
		m.DataFlag |= CustomTransIDFlagBit
	} else {
		m.DataFlag &^= CustomTransIDFlagBit
	}
}

// SetNullData marks this message as a payload-less control pulse.
func (m *MsgInfo) SetNullData() {
	m.DataFlag |= NullDataFlagBit
}

// QueueAttrs is the immutable identity of a queue endpoint.
type QueueAttrs struct {
	QueueID       uint32
	DeviceID      int32
	DeviceType    DeviceType
	GlobalLogicID uint64
}

// IsNone reports whether this QueueAttrs is the "no queue" sentinel.
func (q QueueAttrs) IsNone() bool {
	return q.QueueID == NoQueueID
}

// MemQueueAttr carries queue-creation parameters.
type MemQueueAttr struct {
	Depth     uint32
	WorkMode  WorkMode
	Overwrite bool
	IsClient  bool
}

// ControlInfo carries per-operation enqueue/dequeue parameters.
type ControlInfo struct {
	TimeoutMs      int32 // -1 = wait forever
	IsSharedInput  bool
	SkipSize       uint64
	PrintErrorFlag bool
	UserData       [UserDataSize]byte
	MsgInfo        *MsgInfo
	EndOfSequence  bool // populated on return from Dequeue
}

// RuntimeTensorDesc is the leading-bytes tensor descriptor written into a
// tensor-payload Mbuf. Numerics (dtype encoding, stride rules) are out of
// scope per spec.md §1 Non-goals; this carries only what the executor and
// scheduler tasks need to route and size payloads.
type RuntimeTensorDesc struct {
	DType         int32
	Format        int32
	Shape         []int64
	OriginalShape []int64
}

// AlignedSize returns the tensor descriptor's payload size in bytes for dtype
// sizes up to 8 bytes (dtypeSize callers pass in — numerics live outside
// this package).
func (d *RuntimeTensorDesc) AlignedSize(dtypeSize int) uint64 {
	n := uint64(1)
	for _, s := range d.Shape {
		if s < 0 {
			return 0 // dynamic/unbound shape: caller must size separately
		}
		n *= uint64(s)
	}
	return n * uint64(dtypeSize)
}

// EmptyShape returns the canonical "no data" shape used for responses built
// for NullData / non-zero ret_code requests (testable property 9).
func EmptyShape() []int64 {
	return []int64{0}
}
