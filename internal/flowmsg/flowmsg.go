// Package flowmsg implements FlowMsg (spec.md §4.C): a typed view over a
// driver.Mbuf with three payload variants. Grounded on the teacher's
// TagState/descriptor split in internal/queue/runner.go — a small struct
// wrapping a raw buffer with accessors for the fixed-offset header fields,
// generalized from one fixed SQE layout to a tagged union of payload kinds.
package flowmsg

import (
	"encoding/binary"
	"fmt"

	"github.com/dflow-rt/hetexec/internal/abi"
	"github.com/dflow-rt/hetexec/internal/driver"
)

// Kind tags which payload variant a FlowMsg carries.
type Kind int

const (
	KindEmpty Kind = iota
	KindTensor
	KindRaw
)

func (k Kind) String() string {
	switch k {
	case KindTensor:
		return "tensor"
	case KindRaw:
		return "raw"
	default:
		return "empty"
	}
}

// PreserveOriginalShapeBug, when true, reproduces the source's
// UpdateTensorDesc behavior of populating original_shape from shape instead
// of from the incoming original_shape field (§9 Open Questions). Defaults
// to true: the observed behavior is preserved rather than silently fixed,
// per the binding Open Question resolution.
var PreserveOriginalShapeBug = true

// descHeaderSize is the fixed leading region of a tensor-carrying Mbuf
// payload reserved for the serialized RuntimeTensorDesc: dtype, format, and
// up to 8 shape dims each for shape and original_shape, all int64/int32
// wire-width.
const (
	descFixedFields = 8  // dtype(i32) + format(i32) + ndims(i32) + orig_ndims(i32), padded to 8 words
	maxDescDims     = 16 // 8 dims per shape array, two arrays
	descHeaderSize  = (descFixedFields + maxDescDims) * 8
)

// FlowMsg is a polymorphic view over an Mbuf.
type FlowMsg struct {
	kind Kind
	buf  *driver.Mbuf
	desc abi.RuntimeTensorDesc // only meaningful when kind == KindTensor
}

// Empty wraps buf as a headerless control-only message.
func Empty(buf *driver.Mbuf) *FlowMsg {
	return &FlowMsg{kind: KindEmpty, buf: buf}
}

// Raw wraps buf exposing its entire payload as an opaque byte blob.
func Raw(buf *driver.Mbuf) *FlowMsg {
	return &FlowMsg{kind: KindRaw, buf: buf}
}

// AllocTensor allocates an Mbuf sized to hold desc's serialized header plus
// its tensor payload, writes the header, and returns a Tensor-kind FlowMsg
// whose Free releases the shared Mbuf.
func AllocTensor(drv driver.Driver, deviceID int32, desc abi.RuntimeTensorDesc, dtypeSize int) (*FlowMsg, error) {
	if len(desc.Shape) > maxDescDims/2 {
		return nil, fmt.Errorf("flowmsg: shape has %d dims, max %d", len(desc.Shape), maxDescDims/2)
	}
	payloadSize := desc.AlignedSize(dtypeSize)
	buf, err := drv.AllocMbuf(descHeaderSize + int(payloadSize))
	if err != nil {
		return nil, err
	}
	fm := &FlowMsg{kind: KindTensor, buf: buf, desc: desc}
	fm.writeDesc()
	return fm, nil
}

// BuildTensor takes expectedDesc as the tensor's descriptor, writes it over
// the leading header region of buf's payload, and returns a Tensor view.
// The descriptor bytes already in buf are not read.
func BuildTensor(buf *driver.Mbuf, expectedDesc abi.RuntimeTensorDesc) (*FlowMsg, error) {
	if len(buf.Payload) < descHeaderSize {
		return nil, fmt.Errorf("flowmsg: payload too small for tensor header (%d < %d)", len(buf.Payload), descHeaderSize)
	}
	fm := &FlowMsg{kind: KindTensor, buf: buf}
	fm.desc = expectedDesc
	fm.writeDesc()
	return fm, nil
}

// writeDesc serializes fm.desc into the leading descHeaderSize bytes of the
// backing Mbuf payload: dtype, format, shape dims, original_shape dims.
func (fm *FlowMsg) writeDesc() {
	b := fm.buf.Payload
	binary.LittleEndian.PutUint32(b[0:4], uint32(fm.desc.DType))
	binary.LittleEndian.PutUint32(b[4:8], uint32(fm.desc.Format))
	binary.LittleEndian.PutUint32(b[8:12], uint32(len(fm.desc.Shape)))

	originalShape := fm.desc.OriginalShape
	if PreserveOriginalShapeBug {
		// Reproduces the observed source bug: original_shape is populated
		// from shape, not from the caller-supplied original_shape.
		originalShape = fm.desc.Shape
	}
	binary.LittleEndian.PutUint32(b[12:16], uint32(len(originalShape)))

	off := descFixedFields * 8
	for _, d := range fm.desc.Shape {
		binary.LittleEndian.PutUint64(b[off:off+8], uint64(d))
		off += 8
	}
	off = (descFixedFields + maxDescDims/2) * 8
	for _, d := range originalShape {
		binary.LittleEndian.PutUint64(b[off:off+8], uint64(d))
		off += 8
	}
}

// Kind reports which payload variant fm carries.
func (fm *FlowMsg) Kind() Kind { return fm.kind }

// Desc returns the tensor descriptor. Valid only when Kind() == KindTensor.
func (fm *FlowMsg) Desc() abi.RuntimeTensorDesc { return fm.desc }

// Payload returns the variant-appropriate payload bytes: the tensor data
// (past the header) for Tensor, the whole buffer for Raw, nil for Empty.
func (fm *FlowMsg) Payload() []byte {
	switch fm.kind {
	case KindTensor:
		return fm.buf.Payload[descHeaderSize:]
	case KindRaw:
		return fm.buf.Payload
	default:
		return nil
	}
}

// Mbuf returns the backing driver buffer.
func (fm *FlowMsg) Mbuf() *driver.Mbuf { return fm.buf }

// Free releases the backing Mbuf.
func (fm *FlowMsg) Free() { fm.buf.Free() }

// --- common header accessors (§4.C), shared across all three variants ---

// TransID returns the header's trans-id.
func (fm *FlowMsg) TransID() uint64 { return fm.buf.MsgInfo().TransID }

// SetTransID sets the header's trans-id, toggling kCustomTransIdFlagBit:
// set when id != 0, cleared when id == 0.
func (fm *FlowMsg) SetTransID(id uint64) {
	mi := fm.buf.MsgInfo()
	mi.SetTransID(id)
	fm.buf.SetMsgInfo(mi)
}

// SetNullData marks fm as a payload-less control pulse.
func (fm *FlowMsg) SetNullData() {
	mi := fm.buf.MsgInfo()
	mi.SetNullData()
	fm.buf.SetMsgInfo(mi)
	fm.kind = KindEmpty
}

// IsNullData reports whether kNullDataFlagBit is set.
func (fm *FlowMsg) IsNullData() bool { return fm.buf.MsgInfo().IsNullData() }

// RetCode returns the header's ret_code.
func (fm *FlowMsg) RetCode() int32 { return fm.buf.MsgInfo().RetCode }

// SetRetCode sets the header's ret_code.
func (fm *FlowMsg) SetRetCode(code int32) {
	mi := fm.buf.MsgInfo()
	mi.RetCode = code
	fm.buf.SetMsgInfo(mi)
}

// MsgType returns the header's msg_type.
func (fm *FlowMsg) MsgType() uint32 { return fm.buf.MsgInfo().MsgType }

// Times returns the header's (start_time, end_time) pair.
func (fm *FlowMsg) Times() (start, end int64) {
	mi := fm.buf.MsgInfo()
	return mi.StartTime, mi.EndTime
}

// UserData returns the 64-byte user-data scratch region.
func (fm *FlowMsg) UserData() []byte { return fm.buf.UserData() }

// IsEOS reports whether the Mbuf's end-of-sequence byte is set.
func (fm *FlowMsg) IsEOS() bool { return fm.buf.IsEOS() }
