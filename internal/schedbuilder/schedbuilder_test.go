package schedbuilder

import (
	"testing"

	"github.com/dflow-rt/hetexec/internal/abi"
	"github.com/dflow-rt/hetexec/internal/driver"
	"github.com/dflow-rt/hetexec/internal/schedtask"
)

func newBuild(t *testing.T) (*schedtask.Builder, Stager, *driver.Fake) {
	t.Helper()
	drv := driver.NewFake()
	return schedtask.New(drv), NewStager(drv), drv
}

func kernelNames(p *Plan) []string {
	names := make([]string, len(p.Tasks))
	for i, t := range p.Tasks {
		names[i] = t.KernelName
	}
	return names
}

func TestBuildSingleInputSingleOutputOrder(t *testing.T) {
	tb, st, _ := newBuild(t)
	inputs := []InputQueue{{Attrs: abi.QueueAttrs{QueueID: 1}}}
	outputs := []OutputQueue{{Attrs: abi.QueueAttrs{QueueID: 2}}}

	plan, err := Build(tb, st, 7, 0, inputs, outputs, nil, MarkStepParams{}, false)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	want := []string{"modelDequeue", "markStep", "activeModel", "modelWaitEndGraph", "modelEnqueue", "modelRepeat"}
	got := kernelNames(plan)
	if len(got) != len(want) {
		t.Fatalf("kernel order = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("task %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBuildSkipMarkStepOmitsStep(t *testing.T) {
	tb, st, _ := newBuild(t)
	inputs := []InputQueue{{Attrs: abi.QueueAttrs{QueueID: 1}}}

	plan, err := Build(tb, st, 7, 0, inputs, nil, nil, MarkStepParams{}, true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for _, name := range kernelNames(plan) {
		if name == "markStep" {
			t.Error("markStep should be omitted when skipMarkStep is true")
		}
	}
}

func TestBuildMultiOutputUsesBatchEnqueue(t *testing.T) {
	tb, st, _ := newBuild(t)
	outputs := []OutputQueue{{Attrs: abi.QueueAttrs{QueueID: 1}}, {Attrs: abi.QueueAttrs{QueueID: 2}}}

	plan, err := Build(tb, st, 1, 0, nil, outputs, nil, MarkStepParams{}, true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	names := kernelNames(plan)
	found := false
	for _, n := range names {
		if n == "modelBatchEnqueue" {
			found = true
		}
		if n == "modelEnqueue" {
			t.Error("multi-output should not use per-queue modelEnqueue")
		}
	}
	if !found {
		t.Error("expected a modelBatchEnqueue task for multi-output plan")
	}
}

func TestBuildGatherDequeueSelectedWithMaxCacheNum(t *testing.T) {
	tb, st, _ := newBuild(t)
	inputs := []InputQueue{
		{Attrs: abi.QueueAttrs{QueueID: 1}},
		{Attrs: abi.QueueAttrs{QueueID: 2}},
	}
	align := &AlignmentAttrs{MaxCacheNum: 4, TimeoutMs: 100}

	plan, err := Build(tb, st, 1, 0, inputs, nil, align, MarkStepParams{}, true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if kernelNames(plan)[0] != "gatherDequeue" {
		t.Errorf("first task = %q, want gatherDequeue", kernelNames(plan)[0])
	}
}

func TestBuildClientQueuesUseBatchDequeueBuff(t *testing.T) {
	tb, st, _ := newBuild(t)
	inputs := []InputQueue{
		{Attrs: abi.QueueAttrs{QueueID: 1, DeviceType: abi.DeviceTypeCPU}},
	}

	plan, err := Build(tb, st, 1, 0, inputs, nil, nil, MarkStepParams{}, true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	found := false
	for _, n := range kernelNames(plan) {
		if n == "modelBatchDequeueBuff" {
			found = true
		}
	}
	if !found {
		t.Error("expected modelBatchDequeueBuff for a CPU-deployed (client) input queue")
	}
}

func TestReleaseFreesAllTaskArgBlocks(t *testing.T) {
	tb, st, _ := newBuild(t)
	inputs := []InputQueue{{Attrs: abi.QueueAttrs{QueueID: 1}}}
	plan, err := Build(tb, st, 1, 0, inputs, nil, nil, MarkStepParams{}, true)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := plan.Release(); err != nil {
		t.Errorf("Release: %v", err)
	}
}

func TestStagerNonEmptySliceReturnsNonZeroAddress(t *testing.T) {
	_, st, _ := newBuild(t)
	addr, err := st.StageU32([]uint32{10, 20, 30})
	if err != nil {
		t.Fatalf("StageU32: %v", err)
	}
	if addr == 0 {
		t.Fatal("StageU32 of a non-empty slice should return a non-zero address")
	}
}

func TestStagerEmptySliceStagesToZero(t *testing.T) {
	_, st, _ := newBuild(t)
	addr, err := st.StageU64(nil)
	if err != nil {
		t.Fatalf("StageU64: %v", err)
	}
	if addr != 0 {
		t.Errorf("StageU64(nil) = %d, want 0", addr)
	}
}
