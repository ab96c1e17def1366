// Package schedbuilder implements CpuSchedModelBuilder (spec.md §4.E):
// assembly of a single scheduler stream's fixed task chain — dequeue(s),
// mark-step, activate, wait-end, enqueue(s), repeat — from the task
// primitives in internal/schedtask. Grounded on the teacher's NewRunner +
// ioLoop assembly order in internal/queue/runner.go, which likewise builds
// a fixed sequence of steps once at construction and replays it forever.
package schedbuilder

import (
	"fmt"

	"github.com/dflow-rt/hetexec/internal/abi"
	"github.com/dflow-rt/hetexec/internal/driver"
	"github.com/dflow-rt/hetexec/internal/schedtask"
)

// InputQueue describes one bound input queue for the model being built.
type InputQueue struct {
	Attrs    abi.QueueAttrs
	MbufAddr uint64
}

// OutputQueue describes one bound output queue.
type OutputQueue struct {
	Attrs    abi.QueueAttrs
	MbufAddr uint64
}

// Stager stages a parallel array of POD values to device memory ahead of
// task emission and returns its device-virtual address — the H2D copy step
// every batch/gather/zero-copy task's inline arrays need. Grounded on
// internal/schedtask.Builder.alloc, which does the same Malloc+Memcpy for a
// single arg struct; Stager is the array-of-values counterpart, owned by
// whichever caller holds the live driver.Driver (internal/npuloader).
type Stager interface {
	StageU32(vals []uint32) (uint64, error)
	StageU64(vals []uint64) (uint64, error)
	StageI32(vals []int32) (uint64, error)
	StageU8(vals []uint8) (uint64, error)
}

// driverStager is the Stager grounded directly on driver.Driver's
// Malloc/Memcpy pair.
type driverStager struct{ drv driver.Driver }

// NewStager builds a Stager backed by drv.
func NewStager(drv driver.Driver) Stager { return &driverStager{drv: drv} }

func (s *driverStager) StageU32(vals []uint32) (uint64, error) {
	return stageArray(s, vals, 4, putU32At)
}
func (s *driverStager) StageU64(vals []uint64) (uint64, error) {
	return stageArray(s, vals, 8, putU64At)
}
func (s *driverStager) StageI32(vals []int32) (uint64, error) {
	return stageArray(s, vals, 4, func(b []byte, i int, v int32) { putU32At(b, i, uint32(v)) })
}
func (s *driverStager) StageU8(vals []uint8) (uint64, error) {
	return stageArray(s, vals, 1, func(b []byte, i int, v uint8) { b[i] = v })
}

// stageArray serializes vals with put and H2D-copies the result, returning
// its device-virtual address. A nil/empty slice stages to address 0, the
// convention the scheduler tasks use for "array not present".
func stageArray[T any](s *driverStager, vals []T, width int, put func([]byte, int, T)) (uint64, error) {
	if len(vals) == 0 {
		return 0, nil
	}
	buf := make([]byte, len(vals)*width)
	for i, v := range vals {
		put(buf, i*width, v)
	}
	ptr, err := s.drv.Malloc(len(buf))
	if err != nil {
		return 0, fmt.Errorf("schedbuilder: stage array: %w", err)
	}
	if err := s.drv.Memcpy(ptr, buf); err != nil {
		return 0, fmt.Errorf("schedbuilder: stage array h2d copy: %w", err)
	}
	return uint64(ptr), nil
}

func putU32At(b []byte, off int, v uint32) {
	b[off], b[off+1], b[off+2], b[off+3] = byte(v), byte(v>>8), byte(v>>16), byte(v>>24)
}
func putU64At(b []byte, off int, v uint64) {
	for i := 0; i < 8; i++ {
		b[off+i] = byte(v >> (8 * i))
	}
}

// AlignmentAttrs controls the gatherDequeue/modelBatchDequeue choice for
// multi-input fan-in (§4.E step 1).
type AlignmentAttrs struct {
	MaxCacheNum      uint32
	TimeoutMs        uint32
	DropWhenNotAlign bool
	Interval         uint32
	PerInputOffsets  []int32 // non-empty selects modelBatchDequeue over per-queue modelDequeue
}

// MarkStepParams carries §4.E step 2's markStep arguments, exposed so
// callers can stamp a dump-step string or disable the step entirely (the
// NpuSchedModelLoader's skip_mark_step option, wired in internal/npuloader).
type MarkStepParams struct {
	GroupTotalCount uint32
	GroupIndex      uint32
	GroupPolicy     uint32
	DumpStepAddr    uint64
	GlobalStepAddr  uint64
	IsHead          bool
}

// Plan is the fixed-order task chain for one model's scheduler stream.
type Plan struct {
	StreamID uint32
	ModelID  uint32
	Tasks    []*schedtask.Task // emission order: dequeue(s) -> markStep -> activate -> waitEnd -> enqueue(s) -> repeat
}

// Release frees every task's device-resident arg block.
func (p *Plan) Release() error {
	var firstErr error
	for _, t := range p.Tasks {
		if err := t.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Build assembles Plan for modelID on streamID following §4.E's fixed order.
// align == nil selects per-queue modelDequeue for local inputs. Outputs use
// modelEnqueue for a single queue and modelBatchEnqueue for several,
// whatever align is. skipMarkStep suppresses step 2 entirely.
func Build(
	tb *schedtask.Builder,
	st Stager,
	modelID, streamID uint32,
	inputs []InputQueue,
	outputs []OutputQueue,
	align *AlignmentAttrs,
	mark MarkStepParams,
	skipMarkStep bool,
) (*Plan, error) {
	plan := &Plan{StreamID: streamID, ModelID: modelID}

	if err := appendInputDequeues(plan, tb, st, inputs, align); err != nil {
		return nil, err
	}

	if !skipMarkStep {
		t, err := tb.MarkStep(abi.MarkStepKernelArgs{
			GroupTotalCount: mark.GroupTotalCount,
			GroupIndex:      mark.GroupIndex,
			GroupPolicy:     mark.GroupPolicy,
			DumpStepAddr:    mark.DumpStepAddr,
			GlobalStepAddr:  mark.GlobalStepAddr,
			IsHead:          mark.IsHead,
		})
		if err != nil {
			return nil, fmt.Errorf("schedbuilder: markStep: %w", err)
		}
		plan.Tasks = append(plan.Tasks, t)
	}

	activate, err := tb.ActiveModel(abi.ActiveModelArgs{ModelID: modelID})
	if err != nil {
		return nil, fmt.Errorf("schedbuilder: activeModel: %w", err)
	}
	plan.Tasks = append(plan.Tasks, activate)

	waitEnd, err := tb.ModelWaitEndGraph(abi.ModelWaitEndGraphArgs{ModelID: modelID})
	if err != nil {
		return nil, fmt.Errorf("schedbuilder: modelWaitEndGraph: %w", err)
	}
	plan.Tasks = append(plan.Tasks, waitEnd)

	if err := appendOutputEnqueues(plan, tb, st, outputs); err != nil {
		return nil, err
	}

	repeat, err := tb.ModelRepeat(abi.ModelRepeatArgs{ModelID: modelID})
	if err != nil {
		return nil, fmt.Errorf("schedbuilder: modelRepeat: %w", err)
	}
	plan.Tasks = append(plan.Tasks, repeat)

	return plan, nil
}

func appendInputDequeues(plan *Plan, tb *schedtask.Builder, st Stager, inputs []InputQueue, align *AlignmentAttrs) error {
	if len(inputs) == 0 {
		return nil
	}

	local, client := splitByDeploy(inputs)

	switch {
	case align != nil && align.MaxCacheNum > 0 && len(inputs) > 1:
		queueIDs, mbufAddrs, deviceIDs, deviceTypes, err := stageQueueArrays(st, inputs)
		if err != nil {
			return err
		}
		t, err := tb.GatherDequeue(abi.GatherDequeueParam{
			InputNums:        uint32(len(inputs)),
			AlignTimeoutMs:   align.TimeoutMs,
			MaxCacheNum:      align.MaxCacheNum,
			DropWhenNotAlign: align.DropWhenNotAlign,
			QueueIDsAddr:     queueIDs,
			MbufAddrsAddr:    mbufAddrs,
			DeviceIDsAddr:    deviceIDs,
			DeviceTypesAddr:  deviceTypes,
		})
		if err != nil {
			return fmt.Errorf("schedbuilder: gatherDequeue: %w", err)
		}
		plan.Tasks = append(plan.Tasks, t)
		return nil

	case align != nil && len(align.PerInputOffsets) > 0:
		queueIDs, mbufAddrs, _, _, err := stageQueueArrays(st, local)
		if err != nil {
			return err
		}
		offsetsAddr, err := st.StageI32(align.PerInputOffsets)
		if err != nil {
			return fmt.Errorf("schedbuilder: stage align offsets: %w", err)
		}
		t, err := tb.ModelBatchDequeue(abi.ModelBatchDequeueArgs{
			NumInputs:        uint32(len(local)),
			AlignInterval:    align.Interval,
			AlignOffsetsAddr: offsetsAddr,
			QueueIDsAddr:     queueIDs,
			MbufAddrsAddr:    mbufAddrs,
		})
		if err != nil {
			return fmt.Errorf("schedbuilder: modelBatchDequeue: %w", err)
		}
		plan.Tasks = append(plan.Tasks, t)

	default:
		for _, q := range local {
			t, err := tb.ModelDequeue(abi.ModelDequeueArgs{QueueID: q.Attrs.QueueID, MbufAddr: q.MbufAddr})
			if err != nil {
				return fmt.Errorf("schedbuilder: modelDequeue queue %d: %w", q.Attrs.QueueID, err)
			}
			plan.Tasks = append(plan.Tasks, t)
		}
	}

	if len(client) > 0 {
		queueIDs, mbufAddrs, deviceIDs, _, err := stageQueueArrays(st, client)
		if err != nil {
			return err
		}
		var interval uint32
		if align != nil {
			interval = align.Interval
		}
		t, err := tb.ModelBatchDequeueBuff(abi.ModelBatchDequeueBuffArgs{
			ModelBatchDequeueArgs: abi.ModelBatchDequeueArgs{
				NumInputs:     uint32(len(client)),
				AlignInterval: interval,
				QueueIDsAddr:  queueIDs,
				MbufAddrsAddr: mbufAddrs,
			},
			DeviceIDsAddr: deviceIDs,
		})
		if err != nil {
			return fmt.Errorf("schedbuilder: modelBatchDequeueBuff: %w", err)
		}
		plan.Tasks = append(plan.Tasks, t)
	}
	return nil
}

func appendOutputEnqueues(plan *Plan, tb *schedtask.Builder, st Stager, outputs []OutputQueue) error {
	if len(outputs) == 0 {
		return nil
	}
	if len(outputs) == 1 {
		q := outputs[0]
		t, err := tb.ModelEnqueue(abi.ModelEnqueueArgs{QueueID: q.Attrs.QueueID, MbufAddr: q.MbufAddr})
		if err != nil {
			return fmt.Errorf("schedbuilder: modelEnqueue queue %d: %w", q.Attrs.QueueID, err)
		}
		plan.Tasks = append(plan.Tasks, t)
		return nil
	}

	queueIDs := make([]uint32, len(outputs))
	mbufAddrs := make([]uint64, len(outputs))
	for i, q := range outputs {
		queueIDs[i] = q.Attrs.QueueID
		mbufAddrs[i] = q.MbufAddr
	}
	queueIDsAddr, err := st.StageU32(queueIDs)
	if err != nil {
		return fmt.Errorf("schedbuilder: stage output queue ids: %w", err)
	}
	mbufAddrsAddr, err := st.StageU64(mbufAddrs)
	if err != nil {
		return fmt.Errorf("schedbuilder: stage output mbuf addrs: %w", err)
	}
	t, err := tb.ModelBatchEnqueue(abi.ModelBatchEnqueueArgs{
		NumOutputs:    uint32(len(outputs)),
		QueueIDsAddr:  queueIDsAddr,
		MbufAddrsAddr: mbufAddrsAddr,
	})
	if err != nil {
		return fmt.Errorf("schedbuilder: modelBatchEnqueue: %w", err)
	}
	plan.Tasks = append(plan.Tasks, t)
	return nil
}

func splitByDeploy(inputs []InputQueue) (local, client []InputQueue) {
	for _, q := range inputs {
		if q.Attrs.DeviceType == abi.DeviceTypeCPU {
			client = append(client, q)
			continue
		}
		local = append(local, q)
	}
	return local, client
}

// stageQueueArrays stages the four parallel arrays gatherDequeue/
// modelBatchDequeueBuff need: queue ids, mbuf addresses, device ids, and
// device types.
func stageQueueArrays(st Stager, qs []InputQueue) (queueIDs, mbufAddrs, deviceIDs, deviceTypes uint64, err error) {
	ids := make([]uint32, len(qs))
	addrs := make([]uint64, len(qs))
	devs := make([]int32, len(qs))
	types := make([]uint8, len(qs))
	for i, q := range qs {
		ids[i] = q.Attrs.QueueID
		addrs[i] = q.MbufAddr
		devs[i] = q.Attrs.DeviceID
		types[i] = uint8(q.Attrs.DeviceType)
	}
	if queueIDs, err = st.StageU32(ids); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("schedbuilder: stage queue ids: %w", err)
	}
	if mbufAddrs, err = st.StageU64(addrs); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("schedbuilder: stage mbuf addrs: %w", err)
	}
	if deviceIDs, err = st.StageI32(devs); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("schedbuilder: stage device ids: %w", err)
	}
	if deviceTypes, err = st.StageU8(types); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("schedbuilder: stage device types: %w", err)
	}
	return queueIDs, mbufAddrs, deviceIDs, deviceTypes, nil
}
