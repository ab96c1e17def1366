// Package npuloader implements NpuSchedModelLoader (spec.md §4.F): owns the
// device-resident runtime model, creates its request/response queues, binds
// it to streams, and emits its scheduler-task chain. Grounded on the
// teacher's Controller in internal/ctrl/control.go — AddDevice/StartDevice's
// sequenced allocate-then-bind shape generalizes directly to LoadModel's
// numbered steps.
package npuloader

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dflow-rt/hetexec/internal/abi"
	"github.com/dflow-rt/hetexec/internal/driver"
	"github.com/dflow-rt/hetexec/internal/memblock"
	"github.com/dflow-rt/hetexec/internal/schedbuilder"
	"github.com/dflow-rt/hetexec/internal/schedtask"
)

// IOSpec describes one input or output slot's static shape of knowledge
// needed to size its queue and dynamic-IO flags (§4.F step 2, step 4).
type IOSpec struct {
	Attrs        abi.QueueAttrs
	IsDynamic    bool
	StaticSize   uint64 // ignored when IsDynamic && unbounded
	FusionOffset int64
}

// LoadParams carries one LoadModel call's configuration.
type LoadParams struct {
	Inputs       []IOSpec
	Outputs      []IOSpec
	Alignment    *schedbuilder.AlignmentAttrs
	SkipMarkStep bool
	ZeroCopy     bool
}

// Model is the loaded runtime model: its id, streams, queues, and task
// plan. UnloadModel releases everything it owns.
type Model struct {
	RuntimeModelID uint32
	EntryStreamID  uint32
	NextStreamID   uint32
	SchedStreamID  uint32
	ReqQueueID     uint32
	RespQueueID    uint32
	DeviceID       int32

	plan     *schedbuilder.Plan
	drv      driver.Driver
	zcBlocks []*memblock.Block
}

// UnloadModel tears down the scheduler task chain and destroys the model's
// queues. Idempotent on a zero Model.
func (m *Model) UnloadModel() error {
	var firstErr error
	// Every zero-copy output block was acquired on the next stream when the
	// model was loaded (§3.K); release that reference before tearing the
	// queues down. The scheduler stream's birth reference is not released
	// here, so each Release reports RecycleNone and the blocks are dropped
	// with the model.
	for _, blk := range m.zcBlocks {
		blk.Release(m.NextStreamID)
	}
	m.zcBlocks = nil
	if m.plan != nil {
		if err := m.plan.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.plan = nil
	}
	if m.drv == nil {
		return firstErr
	}
	if err := m.drv.DestroyQueue(m.DeviceID, m.ReqQueueID); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := m.drv.DestroyQueue(m.DeviceID, m.RespQueueID); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Loader owns runtime-model-id allocation across a device.
type Loader struct {
	drv       driver.Driver
	nextModel uint32
	mu        sync.Mutex

	// checkKernelSupported stands in for the real CheckKernelSupported probe
	// against the loaded libaicpu_scheduler.so; tests inject it via
	// WithKernelSupport.
	checkKernelSupported func(name string) bool
}

// New constructs a Loader over drv. By default every optional kernel probes
// as supported (V2 prepare and postprocess) — override with
// WithKernelSupport for tests exercising the V1 fallback path.
func New(drv driver.Driver) *Loader {
	return &Loader{drv: drv, checkKernelSupported: func(string) bool { return true }}
}

// WithKernelSupport overrides the CheckKernelSupported probe.
func (l *Loader) WithKernelSupport(check func(name string) bool) {
	l.checkKernelSupported = check
}

var globalStepCounter uint64

// LoadModel executes §4.F's nine-step sequence and returns the loaded Model.
func (l *Loader) LoadModel(deviceID int32, p LoadParams) (*Model, error) {
	l.mu.Lock()
	l.nextModel++
	modelID := l.nextModel
	l.mu.Unlock()

	if err := l.drv.SetDevice(deviceID); err != nil {
		return nil, fmt.Errorf("npuloader: SetDevice: %w", err)
	}

	// Step 1: entry stream (HEAD), next stream (fake), scheduler stream.
	entryStream, err := l.drv.CreateStream(deviceID, streamFlagHead)
	if err != nil {
		return nil, fmt.Errorf("npuloader: create entry stream: %w", err)
	}
	nextStream, err := l.drv.CreateStream(deviceID, streamFlagFake)
	if err != nil {
		return nil, fmt.Errorf("npuloader: create next stream: %w", err)
	}
	schedStream, err := l.drv.CreateStream(deviceID, streamFlagAICPU|streamFlagHead)
	if err != nil {
		return nil, fmt.Errorf("npuloader: create sched stream: %w", err)
	}

	// Step 2: request/response queues, sized off dynamic input count / static
	// output count.
	var reqDepth, respDepth uint32
	for _, in := range p.Inputs {
		if in.IsDynamic {
			reqDepth++
		}
	}
	for _, out := range p.Outputs {
		if !out.IsDynamic {
			respDepth++
		}
	}
	if reqDepth == 0 {
		reqDepth = 1
	}
	reqQueue, err := l.drv.CreateQueue(deviceID, fmt.Sprintf("ge_req_m%d", modelID), abi.MemQueueAttr{Depth: reqDepth, WorkMode: abi.WorkModePull})
	if err != nil {
		return nil, fmt.Errorf("npuloader: create request queue: %w", err)
	}
	if respDepth == 0 {
		respDepth = 1
	}
	respQueue, err := l.drv.CreateQueue(deviceID, fmt.Sprintf("ge_resp_m%d", modelID), abi.MemQueueAttr{Depth: respDepth, WorkMode: abi.WorkModePull})
	if err != nil {
		l.drv.DestroyQueue(deviceID, reqQueue)
		return nil, fmt.Errorf("npuloader: create response queue: %w", err)
	}

	tb := schedtask.New(l.drv)
	st := schedbuilder.NewStager(l.drv)

	reqMbuf, err := l.drv.AllocMbuf(requestMbufSize(p.Inputs))
	if err != nil {
		l.drv.DestroyQueue(deviceID, reqQueue)
		l.drv.DestroyQueue(deviceID, respQueue)
		return nil, fmt.Errorf("npuloader: alloc request mbuf: %w", err)
	}

	inputs := make([]schedbuilder.InputQueue, len(p.Inputs))
	for i, spec := range p.Inputs {
		inputs[i] = schedbuilder.InputQueue{Attrs: spec.Attrs, MbufAddr: mbufPseudoAddr(reqMbuf)}
	}
	outputs := make([]schedbuilder.OutputQueue, len(p.Outputs))
	for i, spec := range p.Outputs {
		outputs[i] = schedbuilder.OutputQueue{Attrs: spec.Attrs, MbufAddr: mbufPseudoAddr(reqMbuf)}
	}

	// Step 4: prepareDynamicInputOutput[V2].
	prep, err := l.emitPrepare(tb, st, p, modelID)
	if err != nil {
		return nil, err
	}

	// Steps 5-7 (notify handshake, postprocess, optional zero-copy) are
	// modeled as additional tasks appended ahead of the output enqueues, kept
	// in a separate slice so UnloadModel can release the full set alongside
	// schedbuilder.Plan's own tasks.
	extra := []*schedtask.Task{prep}

	recordNotify, err := tb.RecordNotify(abi.RecordNotifyArgs{NotifyID: modelID})
	if err != nil {
		return nil, fmt.Errorf("npuloader: recordNotify: %w", err)
	}
	extra = append(extra, recordNotify)

	reqEnqueue, err := tb.ModelEnqueue(abi.ModelEnqueueArgs{QueueID: reqQueue, MbufAddr: mbufPseudoAddr(reqMbuf)})
	if err != nil {
		return nil, fmt.Errorf("npuloader: request modelEnqueue: %w", err)
	}
	extra = append(extra, reqEnqueue)

	waitNotify, err := tb.WaitNotify(abi.WaitNotifyArgs{NotifyID: modelID})
	if err != nil {
		return nil, fmt.Errorf("npuloader: waitNotify: %w", err)
	}
	extra = append(extra, waitNotify)

	postprocess, err := l.emitPostprocess(tb, st, p, modelID)
	if err != nil {
		return nil, err
	}
	extra = append(extra, postprocess)

	var zcBlocks []*memblock.Block
	if p.ZeroCopy {
		// One MultiStreamMemBlock per output arg-block device pointer, born on
		// the scheduler stream that writes it and acquired by the next stream
		// that reads it in place, so a block isn't globally recycled while a
		// consumer stream still holds it (§3.K).
		zcBlocks = make([]*memblock.Block, len(p.Outputs))
		for i := range p.Outputs {
			blk := memblock.New(schedStream)
			blk.Acquire(nextStream)
			zcBlocks[i] = blk
		}

		zc, err := tb.CpuZeroCpy(abi.CpuZeroCpyArgs{AddrNum: uint32(len(p.Outputs))})
		if err != nil {
			return nil, fmt.Errorf("npuloader: cpuZeroCpy: %w", err)
		}
		extra = append(extra, zc)
	}

	dumpStepAddr, err := st.StageU8([]byte(fmt.Sprintf("model-%d-step", modelID)))
	if err != nil {
		return nil, fmt.Errorf("npuloader: stage dump-step string: %w", err)
	}
	globalStepAddr, err := st.StageU64([]uint64{atomic.LoadUint64(&globalStepCounter)})
	if err != nil {
		return nil, fmt.Errorf("npuloader: stage global step: %w", err)
	}

	plan, err := schedbuilder.Build(tb, st, modelID, schedStream, inputs, outputs, p.Alignment,
		schedbuilder.MarkStepParams{GroupTotalCount: 1, GroupIndex: 0, DumpStepAddr: dumpStepAddr, GlobalStepAddr: globalStepAddr, IsHead: true},
		p.SkipMarkStep)
	if err != nil {
		return nil, err
	}
	// Splice the step 4-7 tasks in after the builder's input dequeues and
	// ahead of its markStep/activate sequence, so they follow step 3.
	at := len(plan.Tasks)
	for i, t := range plan.Tasks {
		if t.KernelName == "markStep" || t.KernelName == "activeModel" {
			at = i
			break
		}
	}
	tasks := append(append([]*schedtask.Task{}, plan.Tasks[:at]...), extra...)
	plan.Tasks = append(tasks, plan.Tasks[at:]...)

	return &Model{
		RuntimeModelID: modelID,
		EntryStreamID:  entryStream,
		NextStreamID:   nextStream,
		SchedStreamID:  schedStream,
		ReqQueueID:     reqQueue,
		RespQueueID:    respQueue,
		DeviceID:       deviceID,
		plan:           plan,
		drv:            l.drv,
		zcBlocks:       zcBlocks,
	}, nil
}

func (l *Loader) emitPrepare(tb *schedtask.Builder, st schedbuilder.Stager, p LoadParams, modelID uint32) (*schedtask.Task, error) {
	flags := make([]uint8, 0, len(p.Inputs))
	sizes := make([]uint64, 0, len(p.Inputs))
	offsets := make([]int64, 0, len(p.Inputs))
	for _, in := range p.Inputs {
		flags = append(flags, boolByte(in.IsDynamic))
		sizes = append(sizes, in.StaticSize)
		offsets = append(offsets, in.FusionOffset)
	}
	outFlags := make([]uint8, 0, len(p.Outputs))
	outSizes := make([]uint64, 0, len(p.Outputs))
	for _, out := range p.Outputs {
		outFlags = append(outFlags, boolByte(out.IsDynamic))
		outSizes = append(outSizes, out.StaticSize)
	}

	inSizesAddr, _ := st.StageU64(sizes)
	outSizesAddr, _ := st.StageU64(outSizes)
	inFlagsAddr, _ := st.StageU8(flags)
	outFlagsAddr, _ := st.StageU8(outFlags)
	fusionAddr, _ := stageI64(st, offsets)

	base := abi.PrepareDynamicInputOutputKernelArgs{
		NumInputs:         uint32(len(p.Inputs)),
		NumOutputs:        uint32(len(p.Outputs)),
		InputSizesAddr:    inSizesAddr,
		OutputSizesAddr:   outSizesAddr,
		InputFlagsAddr:    inFlagsAddr,
		OutputFlagsAddr:   outFlagsAddr,
		FusionOffsetsAddr: fusionAddr,
	}

	if l.checkKernelSupported("prepareDynamicInputOutputV2") {
		return tb.PrepareDynamicInputOutputV2(abi.PrepareDynamicInputOutputKernelArgsV2{
			PrepareDynamicInputOutputKernelArgs: base,
			OutputMaxUnbounded:                  hasUnboundedOutput(p.Outputs),
		})
	}
	return tb.PrepareDynamicInputOutput(base)
}

// emitPostprocess selects postprocessDynamicOutput[V2] the same way
// emitPrepare selects prepareDynamicInputOutput[V2]: iff the device
// scheduler's CheckKernelSupported probe confirms the V2 kernel name. V1
// callers must have sized every dynamic output up front; V2 additionally
// stages each output's known max size (0 = unbounded) for the scheduler to
// consult.
func (l *Loader) emitPostprocess(tb *schedtask.Builder, st schedbuilder.Stager, p LoadParams, modelID uint32) (*schedtask.Task, error) {
	args := abi.PostprocessDynamicOutputKernelArgs{
		NumInputs:  uint32(len(p.Inputs)),
		NumOutputs: uint32(len(p.Outputs)),
	}
	if l.checkKernelSupported("postprocessDynamicOutputV2") {
		maxSizes := make([]uint64, len(p.Outputs))
		for i, out := range p.Outputs {
			maxSizes[i] = out.StaticSize
		}
		maxSizesAddr, err := st.StageU64(maxSizes)
		if err != nil {
			return nil, fmt.Errorf("npuloader: stage postprocess output max sizes: %w", err)
		}
		return tb.PostprocessDynamicOutputV2(abi.PostprocessDynamicOutputKernelArgsV2{
			PostprocessDynamicOutputKernelArgs: args,
			OutputMaxSizesAddr:                 maxSizesAddr,
		})
	}
	return tb.PostprocessDynamicOutput(args)
}

func hasUnboundedOutput(outs []IOSpec) bool {
	for _, o := range outs {
		if o.IsDynamic && o.StaticSize == 0 {
			return true
		}
	}
	return false
}

func boolByte(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

func stageI64(st schedbuilder.Stager, vals []int64) (uint64, error) {
	u := make([]uint64, len(vals))
	for i, v := range vals {
		u[i] = uint64(v)
	}
	return st.StageU64(u)
}

// requestMbufSize sums the static sizes of bound inputs; dynamic inputs
// without a static size contribute a minimal placeholder, resized on first
// prepareDynamicInputOutput call in a real driver.
func requestMbufSize(inputs []IOSpec) int {
	total := 0
	for _, in := range inputs {
		if in.StaticSize > 0 {
			total += int(in.StaticSize)
		}
	}
	if total == 0 {
		total = 1
	}
	return total
}

// mbufPseudoAddr returns a stand-in "address" for an Mbuf: its payload
// length (0 for an empty payload). The Fake driver has no real
// device-virtual address space; the value does not identify the Mbuf, since
// two Mbufs of equal size map to the same value.
func mbufPseudoAddr(m *driver.Mbuf) uint64 {
	if len(m.Payload) == 0 {
		return 0
	}
	return uint64(len(m.Payload))
}

const (
	streamFlagHead  = 1 << 0
	streamFlagFake  = 1 << 1
	streamFlagAICPU = 1 << 2
)
