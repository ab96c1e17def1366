// Package dispatcher implements CpuSchedEventDispatcher (spec.md §4.I): one
// host thread per device awaiting "activate model" events from the
// on-device scheduler and routing them to executors by model-id. Grounded
// on the teacher's per-device ioLoop (internal/queue/runner.go), generalized
// from one fixed SQE/CQE pair to a registry of model-id -> executor.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/dflow-rt/hetexec/internal/driver"
	"github.com/dflow-rt/hetexec/internal/executor"
	"github.com/dflow-rt/hetexec/internal/logging"
)

// Event subevent ids (§4.I, GLOSSARY).
const (
	SubEventActivateModel uint32 = 7
	SubEventEndGraph      uint32 = 6
)

// eventGroupID is the fixed event-group id CpuSchedEventDispatcher
// subscribes to, per §4.I step "Create event group 10".
const eventGroupID uint32 = 10

// Dispatcher is the single dispatch thread for one device.
type Dispatcher struct {
	deviceID int32
	drv      driver.Driver
	logger   *logging.Logger

	mu        sync.Mutex
	executors map[uint32]*executor.Executor
	running   bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Dispatcher for deviceID. Construction does not start the
// thread — call Initialize for that, matching the teacher's
// NewRunner/Start split.
func New(drv driver.Driver, logger *logging.Logger, deviceID int32) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		deviceID:  deviceID,
		drv:       drv,
		logger:    logger,
		executors: make(map[uint32]*executor.Executor),
		running:   true,
	}
}

// Register associates modelID with exec so incoming ActivateModel events
// route to it.
func (d *Dispatcher) Register(modelID uint32, exec *executor.Executor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executors[modelID] = exec
}

// Deregister removes modelID's routing entry.
func (d *Dispatcher) Deregister(modelID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.executors, modelID)
}

// Initialize subscribes to event group 10 on the device and starts the
// ProcessEvents thread ("ge_dpl_ehdl" in the source's thread-naming scheme).
func (d *Dispatcher) Initialize(ctx context.Context) error {
	if err := d.drv.SetDevice(d.deviceID); err != nil {
		return fmt.Errorf("dispatcher[dev %d]: SetDevice: %w", d.deviceID, err)
	}
	events, err := d.drv.Subscribe(ctx, d.deviceID, eventGroupID)
	if err != nil {
		return fmt.Errorf("dispatcher[dev %d]: Subscribe: %w", d.deviceID, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.processEvents(runCtx, events)
	return nil
}

// Stop cancels the dispatch thread and joins it.
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
}

// IsRunning reports the dispatcher's running_ flag: false once a worker
// failure has halted it (§4.I: "a hard fault that halts the pipeline").
func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Dispatcher) processEvents(ctx context.Context, events <-chan driver.Event) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != driver.EventAICPUMsg || ev.SubEvent != SubEventActivateModel {
				continue
			}
			d.handleActivateModel(ctx, ev)
		}
	}
}

func (d *Dispatcher) handleActivateModel(ctx context.Context, ev driver.Event) {
	d.mu.Lock()
	exec, ok := d.executors[ev.ModelID]
	d.mu.Unlock()
	if !ok {
		d.logger.Warnf("dispatcher[dev %d]: ActivateModel for unregistered model %d", d.deviceID, ev.ModelID)
		return
	}

	req := driver.NewMbuf(0)
	resp := driver.NewMbuf(0)
	err := exec.ExecuteAsync(func(execErr error, _, _ *driver.Mbuf) {
		d.onModelExecuted(ctx, ev.ModelID, execErr)
	}, req, resp)
	if err != nil {
		d.logger.Errorf("dispatcher[dev %d]: ExecuteAsync for model %d: %v", d.deviceID, ev.ModelID, err)
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}
}

// onModelExecuted submits an endGraph event (subevent 6) back to the
// AICPU-SD pid once the executor's callback fires.
func (d *Dispatcher) onModelExecuted(_ context.Context, modelID uint32, execErr error) {
	if execErr != nil {
		d.logger.Errorf("dispatcher[dev %d]: model %d execution failed: %v", d.deviceID, modelID, execErr)
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return
	}
	ev := driver.Event{Kind: driver.EventAICPUMsg, DeviceID: d.deviceID, SubEvent: SubEventEndGraph, ModelID: modelID}
	if err := d.drv.SubmitEvent(d.deviceID, ev); err != nil {
		d.logger.Errorf("dispatcher[dev %d]: submit endGraph for model %d: %v", d.deviceID, modelID, err)
	}
}
