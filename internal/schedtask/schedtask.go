// Package schedtask implements SchedTaskInfo (spec.md §4.D): one arg-block
// builder per scheduler kernel, each writing a packed struct (plus inline
// arrays) to device memory and launching the matching CPU kernel. Grounded
// on the teacher's SQE-building code in internal/queue/runner.go
// (submitInitialFetchReq / processIOAndCommit), which pre-serializes a fixed
// struct into a reusable buffer before handing it to the kernel boundary —
// generalized here from one fixed io_uring SQE layout to the family of
// scheduler task layouts in internal/abi/tasks.go.
package schedtask

import (
	"encoding/binary"
	"fmt"

	"github.com/OneOfOne/xxhash"

	"github.com/dflow-rt/hetexec/internal/abi"
	"github.com/dflow-rt/hetexec/internal/driver"
)

// Task is a built scheduler task: its device-resident arg block plus the
// kernel name to launch it with. Distribute launches it on a stream;
// Release frees the device memory. Task-ids are allocated monotonically by
// the owning Builder and are not reused across Release.
type Task struct {
	ID         uint64
	KernelName string
	argBlock   driver.DevPtr
	argSize    int
	argHash    uint64
	drv        driver.Driver
}

// Distribute launches this task's kernel on streamID with its arg block.
func (t *Task) Distribute(streamID uint32) error {
	return t.drv.LaunchCPUKernel(streamID, t.KernelName, t.argBlock)
}

// Release frees the task's device-resident arg block. Idempotent is not
// guaranteed — callers must call it exactly once, matching rtFree's
// contract.
func (t *Task) Release() error {
	return t.drv.Free(t.argBlock)
}

// ArgHash returns the xxhash of the serialized arg block, exposed so
// builders can dedupe/cache identical task shapes (e.g. repeated
// single-queue modelDequeue tasks across models) without re-marshaling.
func (t *Task) ArgHash() uint64 { return t.argHash }

// Builder assembles Tasks for one scheduler stream, assigning monotonically
// increasing task-ids and writing each arg block to device memory via drv.
type Builder struct {
	drv    driver.Driver
	nextID uint64
}

// New constructs a Builder over drv.
func New(drv driver.Driver) *Builder {
	return &Builder{drv: drv}
}

func (b *Builder) alloc(kernelName string, payload []byte) (*Task, error) {
	ptr, err := b.drv.Malloc(len(payload))
	if err != nil {
		return nil, fmt.Errorf("schedtask: malloc arg block for %s: %w", kernelName, err)
	}
	if err := b.drv.Memcpy(ptr, payload); err != nil {
		return nil, fmt.Errorf("schedtask: h2d copy arg block for %s: %w", kernelName, err)
	}
	b.nextID++
	return &Task{
		ID:         b.nextID,
		KernelName: kernelName,
		argBlock:   ptr,
		argSize:    len(payload),
		argHash:    xxhash.Checksum64(payload),
		drv:        b.drv,
	}, nil
}

// ModelEnqueue builds a modelEnqueue task.
func (b *Builder) ModelEnqueue(a abi.ModelEnqueueArgs) (*Task, error) {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], a.QueueID)
	binary.LittleEndian.PutUint64(buf[4:12], a.MbufAddr)
	return b.alloc("modelEnqueue", buf)
}

// ModelDequeue builds a modelDequeue task.
func (b *Builder) ModelDequeue(a abi.ModelDequeueArgs) (*Task, error) {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], a.QueueID)
	binary.LittleEndian.PutUint64(buf[4:12], a.MbufAddr)
	return b.alloc("modelDequeue", buf)
}

// ModelBatchDequeue builds a modelBatchDequeue task waiting on N local
// queues with optional per-input alignment offsets.
func (b *Builder) ModelBatchDequeue(a abi.ModelBatchDequeueArgs) (*Task, error) {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint32(buf[0:4], a.NumInputs)
	binary.LittleEndian.PutUint32(buf[4:8], a.AlignInterval)
	binary.LittleEndian.PutUint64(buf[8:16], a.AlignOffsetsAddr)
	binary.LittleEndian.PutUint64(buf[16:24], a.QueueIDsAddr)
	binary.LittleEndian.PutUint64(buf[24:32], a.MbufAddrsAddr)
	return b.alloc("modelBatchDequeue", buf[:32])
}

// ModelBatchDequeueBuff builds the client-queue variant of ModelBatchDequeue.
func (b *Builder) ModelBatchDequeueBuff(a abi.ModelBatchDequeueBuffArgs) (*Task, error) {
	buf := make([]byte, 40)
	binary.LittleEndian.PutUint32(buf[0:4], a.NumInputs)
	binary.LittleEndian.PutUint32(buf[4:8], a.AlignInterval)
	binary.LittleEndian.PutUint64(buf[8:16], a.AlignOffsetsAddr)
	binary.LittleEndian.PutUint64(buf[16:24], a.QueueIDsAddr)
	binary.LittleEndian.PutUint64(buf[24:32], a.MbufAddrsAddr)
	binary.LittleEndian.PutUint64(buf[32:40], a.DeviceIDsAddr)
	return b.alloc("modelBatchDequeueBuff", buf)
}

// GatherDequeue builds a gatherDequeue cross-device/cross-type alignment
// fan-in task.
func (b *Builder) GatherDequeue(a abi.GatherDequeueParam) (*Task, error) {
	buf := make([]byte, 45)
	binary.LittleEndian.PutUint32(buf[0:4], a.InputNums)
	binary.LittleEndian.PutUint32(buf[4:8], a.AlignTimeoutMs)
	binary.LittleEndian.PutUint32(buf[8:12], a.MaxCacheNum)
	if a.DropWhenNotAlign {
		buf[12] = 1
	}
	binary.LittleEndian.PutUint64(buf[13:21], a.QueueIDsAddr)
	binary.LittleEndian.PutUint64(buf[21:29], a.MbufAddrsAddr)
	binary.LittleEndian.PutUint64(buf[29:37], a.DeviceIDsAddr)
	binary.LittleEndian.PutUint64(buf[37:45], a.DeviceTypesAddr)
	return b.alloc("gatherDequeue", buf)
}

// PrepareDynamicInputOutput builds a prepareDynamicInputOutput task.
func (b *Builder) PrepareDynamicInputOutput(a abi.PrepareDynamicInputOutputKernelArgs) (*Task, error) {
	return b.alloc("prepareDynamicInputOutput", marshalPrepare(a))
}

// PrepareDynamicInputOutputV2 builds the unbounded-output variant.
func (b *Builder) PrepareDynamicInputOutputV2(a abi.PrepareDynamicInputOutputKernelArgsV2) (*Task, error) {
	buf := marshalPrepare(a.PrepareDynamicInputOutputKernelArgs)
	flag := byte(0)
	if a.OutputMaxUnbounded {
		flag = 1
	}
	return b.alloc("prepareDynamicInputOutputV2", append(buf, flag))
}

func marshalPrepare(a abi.PrepareDynamicInputOutputKernelArgs) []byte {
	buf := make([]byte, 8+8*5)
	binary.LittleEndian.PutUint32(buf[0:4], a.NumInputs)
	binary.LittleEndian.PutUint32(buf[4:8], a.NumOutputs)
	binary.LittleEndian.PutUint64(buf[8:16], a.InputSizesAddr)
	binary.LittleEndian.PutUint64(buf[16:24], a.OutputSizesAddr)
	binary.LittleEndian.PutUint64(buf[24:32], a.InputFlagsAddr)
	binary.LittleEndian.PutUint64(buf[32:40], a.OutputFlagsAddr)
	binary.LittleEndian.PutUint64(buf[40:48], a.FusionOffsetsAddr)
	return append(buf, encodeU64(a.ReqMbufAddr)...)
}

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// ActiveModel builds an activeModel task signaling AICPU to run a model.
func (b *Builder) ActiveModel(a abi.ActiveModelArgs) (*Task, error) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, a.ModelID)
	return b.alloc("activeModel", buf)
}

// ModelWaitEndGraph builds a modelWaitEndGraph task blocking the scheduler
// stream until the host posts endGraph(model_id).
func (b *Builder) ModelWaitEndGraph(a abi.ModelWaitEndGraphArgs) (*Task, error) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, a.ModelID)
	return b.alloc("modelWaitEndGraph", buf)
}

// ModelRepeat builds a modelRepeat task restarting the stream from its head.
func (b *Builder) ModelRepeat(a abi.ModelRepeatArgs) (*Task, error) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, a.ModelID)
	return b.alloc("modelRepeat", buf)
}

// PostprocessDynamicOutput builds a postprocessDynamicOutput (V1) task.
func (b *Builder) PostprocessDynamicOutput(a abi.PostprocessDynamicOutputKernelArgs) (*Task, error) {
	return b.alloc("postprocessDynamicOutput", marshalPostprocess(a))
}

// PostprocessDynamicOutputV2 builds the unbounded-output variant, launched
// only when the device scheduler's CheckKernelSupported probe confirms
// "postprocessDynamicOutputV2".
func (b *Builder) PostprocessDynamicOutputV2(a abi.PostprocessDynamicOutputKernelArgsV2) (*Task, error) {
	buf := marshalPostprocess(a.PostprocessDynamicOutputKernelArgs)
	buf = binary.LittleEndian.AppendUint64(buf, a.OutputMaxSizesAddr)
	return b.alloc("postprocessDynamicOutputV2", buf)
}

func marshalPostprocess(a abi.PostprocessDynamicOutputKernelArgs) []byte {
	buf := make([]byte, 8+8*4)
	binary.LittleEndian.PutUint32(buf[0:4], a.NumInputs)
	binary.LittleEndian.PutUint32(buf[4:8], a.NumOutputs)
	binary.LittleEndian.PutUint64(buf[8:16], a.InputAddrsAddr)
	binary.LittleEndian.PutUint64(buf[16:24], a.OutputAddrsAddr)
	binary.LittleEndian.PutUint64(buf[24:32], a.ReqMbufAddr)
	binary.LittleEndian.PutUint64(buf[32:40], a.RespMbufAddr)
	return buf
}

// ModelBatchEnqueue builds a modelBatchEnqueue task pushing results to N
// consumer queues.
func (b *Builder) ModelBatchEnqueue(a abi.ModelBatchEnqueueArgs) (*Task, error) {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint32(buf[0:4], a.NumOutputs)
	binary.LittleEndian.PutUint64(buf[4:12], a.QueueIDsAddr)
	binary.LittleEndian.PutUint64(buf[12:20], a.MbufAddrsAddr)
	return b.alloc("modelBatchEnqueue", buf)
}

// MarkStep builds a markStep task incrementing the global step counter.
func (b *Builder) MarkStep(a abi.MarkStepKernelArgs) (*Task, error) {
	buf := make([]byte, 12+8+8+1)
	binary.LittleEndian.PutUint32(buf[0:4], a.GroupTotalCount)
	binary.LittleEndian.PutUint32(buf[4:8], a.GroupIndex)
	binary.LittleEndian.PutUint32(buf[8:12], a.GroupPolicy)
	binary.LittleEndian.PutUint64(buf[12:20], a.DumpStepAddr)
	binary.LittleEndian.PutUint64(buf[20:28], a.GlobalStepAddr)
	if a.IsHead {
		buf[28] = 1
	}
	return b.alloc("markStep", buf)
}

// WaitNotify builds a waitNotify cross-stream synchronization task.
func (b *Builder) WaitNotify(a abi.WaitNotifyArgs) (*Task, error) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, a.NotifyID)
	return b.alloc("waitNotify", buf)
}

// RecordNotify builds a recordNotify cross-stream synchronization task.
func (b *Builder) RecordNotify(a abi.RecordNotifyArgs) (*Task, error) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, a.NotifyID)
	return b.alloc("recordNotify", buf)
}

// CpuZeroCpy builds a cpuZeroCpy task rewriting virtual->physical addresses
// inside an Mbuf for in-place output delivery.
func (b *Builder) CpuZeroCpy(a abi.CpuZeroCpyArgs) (*Task, error) {
	return b.alloc("cpuZeroCpy", marshalZeroCpy(a))
}

// CpuZeroCpyV2 builds the per-slot tiling/fusion-offset variant.
func (b *Builder) CpuZeroCpyV2(a abi.CpuZeroCpyArgsV2) (*Task, error) {
	buf := marshalZeroCpy(a.CpuZeroCpyArgs)
	buf = append(buf, encodeU64(a.NoTilingAddr)...)
	buf = append(buf, encodeU64(a.DestIsTilingAddr)...)
	buf = append(buf, encodeU64(a.FusionOffsetsAddr)...)
	return b.alloc("cpuZeroCpyV2", buf)
}

func marshalZeroCpy(a abi.CpuZeroCpyArgs) []byte {
	buf := make([]byte, 20)
	binary.LittleEndian.PutUint32(buf[0:4], a.AddrNum)
	binary.LittleEndian.PutUint64(buf[4:12], a.SrcAddrsAddr)
	binary.LittleEndian.PutUint64(buf[12:20], a.DstAddrsAddr)
	return buf
}

// StreamRepeat builds a streamRepeat task restarting a specific stream of a
// model.
func (b *Builder) StreamRepeat(a abi.StreamRepeatArgs) (*Task, error) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], a.ModelID)
	binary.LittleEndian.PutUint32(buf[4:8], a.StreamID)
	return b.alloc("streamRepeat", buf)
}
