package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/dflow-rt/hetexec/internal/config"
	"github.com/dflow-rt/hetexec/internal/driver"
	"github.com/dflow-rt/hetexec/internal/executor"
)

func newTestExecutor(t *testing.T, drv driver.Driver, modelID uint32, execute executor.ExecuteFunc) *executor.Executor {
	t.Helper()
	exec := executor.New(drv, nil, modelID, 0, execute)
	if err := exec.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := exec.LoadModel(executor.IOSizing{}, config.Default()); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	return exec
}

func TestActivateModelRoutesToRegisteredExecutorAndSubmitsEndGraph(t *testing.T) {
	drv := driver.NewFake()
	const deviceID int32 = 0
	const modelID uint32 = 42

	executed := make(chan struct{}, 1)
	exec := newTestExecutor(t, drv, modelID, func(req, resp *driver.Mbuf) error {
		executed <- struct{}{}
		return nil
	})

	d := New(drv, nil, deviceID)
	d.Register(modelID, exec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A second subscriber on the same event group observes whatever the
	// dispatcher submits back, the way endGraph's real consumer (AICPU-SD)
	// would.
	obs, err := drv.Subscribe(ctx, deviceID, eventGroupID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := d.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer d.Stop()

	if err := drv.SubmitEvent(deviceID, driver.Event{
		Kind:     driver.EventAICPUMsg,
		SubEvent: SubEventActivateModel,
		ModelID:  modelID,
	}); err != nil {
		t.Fatalf("SubmitEvent: %v", err)
	}

	select {
	case <-executed:
	case <-time.After(time.Second):
		t.Fatal("ActivateModel was never routed to the registered executor")
	}

	// obs also sees the ActivateModel event this test just submitted, so
	// skip past it to find the dispatcher's endGraph reply.
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-obs:
			if ev.SubEvent != SubEventEndGraph {
				continue
			}
			if ev.ModelID != modelID {
				t.Errorf("endGraph ModelID = %d, want %d", ev.ModelID, modelID)
			}
			if !d.IsRunning() {
				t.Error("dispatcher should still be running after a successful cycle")
			}
			return
		case <-deadline:
			t.Fatal("endGraph was never submitted back")
		}
	}
}

func TestActivateModelForUnregisteredModelIsIgnored(t *testing.T) {
	drv := driver.NewFake()
	const deviceID int32 = 0

	d := New(drv, nil, deviceID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer d.Stop()

	if err := drv.SubmitEvent(deviceID, driver.Event{
		Kind:     driver.EventAICPUMsg,
		SubEvent: SubEventActivateModel,
		ModelID:  999,
	}); err != nil {
		t.Fatalf("SubmitEvent: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if !d.IsRunning() {
		t.Error("an unregistered model id should be logged and skipped, not treated as a hard fault")
	}
}

func TestExecuteAsyncFailureHaltsDispatcher(t *testing.T) {
	drv := driver.NewFake()
	const deviceID int32 = 0
	const modelID uint32 = 7

	// An Executor that was never Initialize()d/LoadModel()d rejects
	// ExecuteAsync outright, letting this test exercise the "hard fault that
	// halts the pipeline" path without needing the real execute callback to
	// fail.
	exec := executor.New(drv, nil, modelID, deviceID, func(req, resp *driver.Mbuf) error { return nil })

	d := New(drv, nil, deviceID)
	d.Register(modelID, exec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := d.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer d.Stop()

	if err := drv.SubmitEvent(deviceID, driver.Event{
		Kind:     driver.EventAICPUMsg,
		SubEvent: SubEventActivateModel,
		ModelID:  modelID,
	}); err != nil {
		t.Fatalf("SubmitEvent: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for d.IsRunning() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if d.IsRunning() {
		t.Error("dispatcher should stop running after ExecuteAsync fails")
	}
}
