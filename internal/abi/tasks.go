package abi

// Scheduler task argument blocks (§4.D). Pointer-shaped fields below are
// device-virtual addresses of arrays staged in their own device allocations
// (internal/schedbuilder's Stager), not addresses inside the arg block
// itself. Struct field order is the wire order; keep it byte-exact with the
// device scheduler.

// ModelEnqueueArgs / ModelDequeueArgs: single-queue 1:1 Mbuf handoff.
type ModelEnqueueArgs struct {
	QueueID  uint32
	MbufAddr uint64
}

type ModelDequeueArgs struct {
	QueueID  uint32
	MbufAddr uint64
}

// ModelBatchDequeueArgs waits on N local queues, with optional per-input
// alignment offsets.
type ModelBatchDequeueArgs struct {
	NumInputs        uint32
	AlignInterval    uint32
	AlignOffsetsAddr uint64 // device ptr to []int32, len NumInputs
	QueueIDsAddr     uint64 // device ptr to []uint32, len NumInputs
	MbufAddrsAddr    uint64 // device ptr to []uint64, len NumInputs
}

// ModelBatchDequeueBuffArgs is the client-queue variant; needs device ids.
type ModelBatchDequeueBuffArgs struct {
	ModelBatchDequeueArgs
	DeviceIDsAddr uint64 // device ptr to []int32, len NumInputs
}

// GatherDequeueParam performs cross-device/cross-type alignment fan-in.
//
//nolint:govet // wire layout, not struct packing for cache locality
type GatherDequeueParam struct {
	InputNums        uint32
	AlignTimeoutMs   uint32
	MaxCacheNum      uint32
	DropWhenNotAlign bool
	QueueIDsAddr     uint64
	MbufAddrsAddr    uint64
	DeviceIDsAddr    uint64
	DeviceTypesAddr  uint64
}

// PrepareDynamicInputOutputKernelArgs marshals per-input RuntimeTensorDescs
// into the request Mbuf and allocates output Mbufs sized by
// output_tensor_sizes. V2 adds unbounded-output support.
type PrepareDynamicInputOutputKernelArgs struct {
	NumInputs         uint32
	NumOutputs        uint32
	InputSizesAddr    uint64 // []uint64, len NumInputs
	OutputSizesAddr   uint64 // []uint64, len NumOutputs (V1: static max; V2: ignored, see V2 variant)
	InputFlagsAddr    uint64 // []bool (is dynamic), len NumInputs
	OutputFlagsAddr   uint64 // []bool (is dynamic), len NumOutputs
	FusionOffsetsAddr uint64 // []int64, len NumInputs
	ReqMbufAddr       uint64
}

// PrepareDynamicInputOutputKernelArgsV2 additionally supports unbounded
// dynamic output sizing (no caller-supplied max required).
type PrepareDynamicInputOutputKernelArgsV2 struct {
	PrepareDynamicInputOutputKernelArgs
	OutputMaxUnbounded bool
}

// ActiveModelArgs signals AICPU to run a model.
type ActiveModelArgs struct {
	ModelID uint32
}

// ModelWaitEndGraphArgs blocks the scheduler stream until the host posts
// endGraph(model_id).
type ModelWaitEndGraphArgs struct {
	ModelID uint32
}

// ModelRepeatArgs restarts the scheduler stream from its head task.
type ModelRepeatArgs struct {
	ModelID uint32
}

// PostprocessDynamicOutputKernelArgs copies output RuntimeTensorDescs from
// the response Mbuf into per-output Mbufs and frees the request Mbuf.
type PostprocessDynamicOutputKernelArgs struct {
	NumInputs       uint32
	NumOutputs      uint32
	InputAddrsAddr  uint64
	OutputAddrsAddr uint64
	ReqMbufAddr     uint64
	RespMbufAddr    uint64
}

// PostprocessDynamicOutputKernelArgsV2 additionally carries the per-output
// max-size table unbounded dynamic outputs need. Older device schedulers
// (V1) require every dynamic output to have been sized up front at prepare
// time; V2 lets the device scheduler size unbounded outputs itself and this
// table is only consulted for the ones that aren't.
type PostprocessDynamicOutputKernelArgsV2 struct {
	PostprocessDynamicOutputKernelArgs
	OutputMaxSizesAddr uint64 // []uint64, len NumOutputs; 0 entries are unbounded
}

// ModelBatchEnqueueArgs pushes results to N consumer queues.
type ModelBatchEnqueueArgs struct {
	NumOutputs    uint32
	QueueIDsAddr  uint64
	MbufAddrsAddr uint64
}

// MarkStepKernelArgs increments the global step counter and propagates the
// dump-step string and group-replica policy.
type MarkStepKernelArgs struct {
	GroupTotalCount uint32
	GroupIndex      uint32
	GroupPolicy     uint32
	DumpStepAddr    uint64 // device ptr to a NUL-terminated string
	GlobalStepAddr  uint64 // device ptr to the shared step counter
	IsHead          bool
}

// WaitNotifyArgs / RecordNotifyArgs implement cross-stream synchronization.
type WaitNotifyArgs struct {
	NotifyID uint32
}

type RecordNotifyArgs struct {
	NotifyID uint32
}

// CpuZeroCpyArgs rewrites virtual->physical addresses inside an Mbuf for
// in-place output delivery. V2 adds per-slot tiling/fusion-offset support.
type CpuZeroCpyArgs struct {
	AddrNum      uint32
	SrcAddrsAddr uint64 // []uint64, len AddrNum
	DstAddrsAddr uint64 // []uint64, len AddrNum
}

type CpuZeroCpyArgsV2 struct {
	CpuZeroCpyArgs
	NoTilingAddr      uint64 // []bool, len AddrNum
	DestIsTilingAddr  uint64 // []bool, len AddrNum
	FusionOffsetsAddr uint64 // []int64, len AddrNum
}

// StreamRepeatArgs restarts a specific stream of a model.
type StreamRepeatArgs struct {
	ModelID  uint32
	StreamID uint32
}
