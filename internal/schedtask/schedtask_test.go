package schedtask

import (
	"testing"

	"github.com/dflow-rt/hetexec/internal/abi"
	"github.com/dflow-rt/hetexec/internal/driver"
)

func TestBuilderAssignsMonotonicTaskIDs(t *testing.T) {
	drv := driver.NewFake()
	b := New(drv)

	t1, err := b.ActiveModel(abi.ActiveModelArgs{ModelID: 1})
	if err != nil {
		t.Fatalf("ActiveModel: %v", err)
	}
	t2, err := b.ModelRepeat(abi.ModelRepeatArgs{ModelID: 1})
	if err != nil {
		t.Fatalf("ModelRepeat: %v", err)
	}

	if t1.ID != 1 || t2.ID != 2 {
		t.Errorf("task ids = %d, %d, want 1, 2", t1.ID, t2.ID)
	}
}

func TestDistributeLaunchesNamedKernel(t *testing.T) {
	drv := driver.NewFake()
	b := New(drv)

	task, err := b.ActiveModel(abi.ActiveModelArgs{ModelID: 9})
	if err != nil {
		t.Fatalf("ActiveModel: %v", err)
	}
	if err := task.Distribute(3); err != nil {
		t.Fatalf("Distribute: %v", err)
	}

	kernels := drv.Kernels()
	if len(kernels) != 1 {
		t.Fatalf("len(Kernels()) = %d, want 1", len(kernels))
	}
	if kernels[0].Name != "activeModel" || kernels[0].StreamID != 3 {
		t.Errorf("kernel = %+v, want name=activeModel stream=3", kernels[0])
	}
}

func TestReleaseFreesArgBlock(t *testing.T) {
	drv := driver.NewFake()
	b := New(drv)

	task, err := b.ModelEnqueue(abi.ModelEnqueueArgs{QueueID: 1, MbufAddr: 2})
	if err != nil {
		t.Fatalf("ModelEnqueue: %v", err)
	}
	if err := task.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// Freed block must not be reusable; a Memcpy afterwards should fail.
	if err := drv.Memcpy(task.argBlock, []byte{0}); err == nil {
		t.Error("Memcpy to a released arg block should fail")
	}
}

func TestPostprocessDynamicOutputV2LaunchesDistinctKernel(t *testing.T) {
	drv := driver.NewFake()
	b := New(drv)

	task, err := b.PostprocessDynamicOutputV2(abi.PostprocessDynamicOutputKernelArgsV2{
		PostprocessDynamicOutputKernelArgs: abi.PostprocessDynamicOutputKernelArgs{NumInputs: 1, NumOutputs: 2},
		OutputMaxSizesAddr:                 0x2000,
	})
	if err != nil {
		t.Fatalf("PostprocessDynamicOutputV2: %v", err)
	}
	if err := task.Distribute(0); err != nil {
		t.Fatalf("Distribute: %v", err)
	}

	kernels := drv.Kernels()
	if len(kernels) != 1 || kernels[0].Name != "postprocessDynamicOutputV2" {
		t.Errorf("kernel = %+v, want name=postprocessDynamicOutputV2", kernels)
	}
}

func TestArgHashStableForIdenticalArgs(t *testing.T) {
	drv := driver.NewFake()
	b := New(drv)

	a, err := b.ModelEnqueue(abi.ModelEnqueueArgs{QueueID: 5, MbufAddr: 100})
	if err != nil {
		t.Fatalf("ModelEnqueue: %v", err)
	}
	c, err := b.ModelEnqueue(abi.ModelEnqueueArgs{QueueID: 5, MbufAddr: 100})
	if err != nil {
		t.Fatalf("ModelEnqueue: %v", err)
	}
	if a.ArgHash() != c.ArgHash() {
		t.Errorf("ArgHash differs for identical args: %d != %d", a.ArgHash(), c.ArgHash())
	}

	d, err := b.ModelEnqueue(abi.ModelEnqueueArgs{QueueID: 6, MbufAddr: 100})
	if err != nil {
		t.Fatalf("ModelEnqueue: %v", err)
	}
	if a.ArgHash() == d.ArgHash() {
		t.Error("ArgHash should differ for different args")
	}
}

func TestAllTaskKindsBuildWithoutError(t *testing.T) {
	drv := driver.NewFake()
	b := New(drv)

	calls := []func() error{
		func() (e error) { _, e = b.ModelEnqueue(abi.ModelEnqueueArgs{}); return },
		func() (e error) { _, e = b.ModelDequeue(abi.ModelDequeueArgs{}); return },
		func() (e error) { _, e = b.ModelBatchDequeue(abi.ModelBatchDequeueArgs{NumInputs: 2}); return },
		func() (e error) {
			_, e = b.ModelBatchDequeueBuff(abi.ModelBatchDequeueBuffArgs{ModelBatchDequeueArgs: abi.ModelBatchDequeueArgs{NumInputs: 2}})
			return
		},
		func() (e error) { _, e = b.GatherDequeue(abi.GatherDequeueParam{InputNums: 3}); return },
		func() (e error) {
			_, e = b.PrepareDynamicInputOutput(abi.PrepareDynamicInputOutputKernelArgs{NumInputs: 1, NumOutputs: 1})
			return
		},
		func() (e error) {
			_, e = b.PrepareDynamicInputOutputV2(abi.PrepareDynamicInputOutputKernelArgsV2{OutputMaxUnbounded: true})
			return
		},
		func() (e error) { _, e = b.ActiveModel(abi.ActiveModelArgs{ModelID: 1}); return },
		func() (e error) { _, e = b.ModelWaitEndGraph(abi.ModelWaitEndGraphArgs{ModelID: 1}); return },
		func() (e error) { _, e = b.ModelRepeat(abi.ModelRepeatArgs{ModelID: 1}); return },
		func() (e error) {
			_, e = b.PostprocessDynamicOutput(abi.PostprocessDynamicOutputKernelArgs{NumInputs: 1, NumOutputs: 1})
			return
		},
		func() (e error) {
			_, e = b.PostprocessDynamicOutputV2(abi.PostprocessDynamicOutputKernelArgsV2{
				PostprocessDynamicOutputKernelArgs: abi.PostprocessDynamicOutputKernelArgs{NumInputs: 1, NumOutputs: 1},
				OutputMaxSizesAddr:                 0x1000,
			})
			return
		},
		func() (e error) { _, e = b.ModelBatchEnqueue(abi.ModelBatchEnqueueArgs{NumOutputs: 2}); return },
		func() (e error) { _, e = b.MarkStep(abi.MarkStepKernelArgs{IsHead: true}); return },
		func() (e error) { _, e = b.WaitNotify(abi.WaitNotifyArgs{NotifyID: 1}); return },
		func() (e error) { _, e = b.RecordNotify(abi.RecordNotifyArgs{NotifyID: 1}); return },
		func() (e error) { _, e = b.CpuZeroCpy(abi.CpuZeroCpyArgs{AddrNum: 1}); return },
		func() (e error) { _, e = b.CpuZeroCpyV2(abi.CpuZeroCpyArgsV2{}); return },
		func() (e error) { _, e = b.StreamRepeat(abi.StreamRepeatArgs{ModelID: 1, StreamID: 2}); return },
	}

	for i, c := range calls {
		if err := c(); err != nil {
			t.Errorf("call %d: unexpected error: %v", i, err)
		}
	}
}
