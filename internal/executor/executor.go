// Package executor implements DynamicModelExecutor (spec.md §4.G): a
// per-model host worker that consumes an activation, runs the model
// through the driver, and delivers a callback. Grounded on the teacher's
// Runner (internal/queue/runner.go): a single dedicated goroutine looping
// pop-from-queue -> handle -> repeat, with a typed state field guarded by a
// mutex rather than free-floating atomics, and a stop channel joined on
// Close.
package executor

import (
	"fmt"
	"sync"

	"github.com/dflow-rt/hetexec/internal/abi"
	"github.com/dflow-rt/hetexec/internal/config"
	"github.com/dflow-rt/hetexec/internal/driver"
	"github.com/dflow-rt/hetexec/internal/flowmsg"
	"github.com/dflow-rt/hetexec/internal/logging"
)

// State is one DynamicModelExecutor's lifecycle state (§4.G state machine).
type State int

const (
	StateIdle State = iota
	StateReady
	StateRunning
	StateFailed
	StateStopped
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// ClearType selects ClearModel's behavior.
type ClearType int

const (
	ClearStop  ClearType = 1
	ClearClear ClearType = 2
)

// IOSizing describes one model's per-IO dynamic/static layout, filled by
// LoadModel from the parsed model_data/graph (out of scope here per
// spec.md §1 Non-goals: callers supply the parsed result).
type IOSizing struct {
	IsInputDynamic    []bool
	IsOutputDynamic   []bool
	InputTensorSizes  []uint64
	OutputTensorSizes []uint64
	OutputStaticDescs []abi.RuntimeTensorDesc
}

// ExecuteFunc runs the model itself (DoExecuteModel), the one piece of the
// pipeline this module does not implement — the real device model-execute
// call is out of scope per spec.md §1 Non-goals. Tests and cmd/dflow-demo
// supply a fake that just copies input bytes to output.
type ExecuteFunc func(req, resp *driver.Mbuf) error

// Callback receives the result of one ExecuteAsync call.
type Callback func(err error, req, resp *driver.Mbuf)

type modelExecuteParam struct {
	callback Callback
	req      *driver.Mbuf
	resp     *driver.Mbuf
}

// Executor is one model's host worker.
type Executor struct {
	modelID       uint32
	aicpuModelID  uint32
	aicpuStreamID uint32
	deviceID      int32

	drv     driver.Driver
	logger  *logging.Logger
	execute ExecuteFunc

	sizing IOSizing

	mu    sync.Mutex
	state State

	taskQueue chan modelExecuteParam // depth 1, per §3's DynamicModelExecutor state
	stop      chan struct{}
	done      chan struct{}

	runtimeModelIDs []uint32 // davinci_model_runtime_ids collected for ClearModel
}

// New constructs an idle Executor for modelID on deviceID.
func New(drv driver.Driver, logger *logging.Logger, modelID uint32, deviceID int32, execute ExecuteFunc) *Executor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Executor{
		modelID:  modelID,
		deviceID: deviceID,
		drv:      drv,
		logger:   logger,
		execute:  execute,
		state:    StateIdle,
	}
}

// Initialize attaches to the device, creates the single-slot task queue,
// and spawns the worker goroutine.
func (e *Executor) Initialize() error {
	if err := e.drv.SetDevice(e.deviceID); err != nil {
		return fmt.Errorf("executor[%d]: SetDevice: %w", e.modelID, err)
	}
	streamID, err := e.drv.CreateStream(e.deviceID, 0)
	if err != nil {
		return fmt.Errorf("executor[%d]: create aicpu stream: %w", e.modelID, err)
	}
	e.aicpuStreamID = streamID
	e.aicpuModelID = e.modelID

	e.taskQueue = make(chan modelExecuteParam, 1)
	e.stop = make(chan struct{})
	e.done = make(chan struct{})

	go e.workerLoop()
	return nil
}

// LoadModel records the model's IO sizing, launches
// ExecuteModelEschedPriorityTask when ctx carries a non-default esched
// process or event priority (§4.G), and transitions IDLE -> READY.
func (e *Executor) LoadModel(sizing IOSizing, ctx config.ThreadLocalContext) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateIdle {
		return fmt.Errorf("executor[%d]: LoadModel called in state %s, want idle", e.modelID, e.state)
	}
	if ctx.EschedPriorityTask() {
		if err := e.drv.LaunchCPUKernel(e.aicpuStreamID, "ExecuteModelEschedPriorityTask", driver.DevPtr(e.aicpuModelID)); err != nil {
			return fmt.Errorf("executor[%d]: ExecuteModelEschedPriorityTask: %w", e.modelID, err)
		}
	}
	e.sizing = sizing
	e.state = StateReady
	return nil
}

// State returns the executor's current lifecycle state.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// ExecuteAsync enqueues one execution. Returns an error immediately if the
// single-slot queue is full (a concurrent execution is already in flight)
// or the executor is not READY/RUNNING.
func (e *Executor) ExecuteAsync(callback Callback, req, resp *driver.Mbuf) error {
	e.mu.Lock()
	if e.state != StateReady && e.state != StateRunning {
		st := e.state
		e.mu.Unlock()
		return fmt.Errorf("executor[%d]: ExecuteAsync called in state %s", e.modelID, st)
	}
	e.state = StateRunning
	e.mu.Unlock()

	select {
	case e.taskQueue <- modelExecuteParam{callback: callback, req: req, resp: resp}:
		return nil
	default:
		e.mu.Lock()
		e.state = StateReady
		e.mu.Unlock()
		return fmt.Errorf("executor[%d]: task queue full, at most one in-flight execution per model", e.modelID)
	}
}

func (e *Executor) workerLoop() {
	defer close(e.done)
	for {
		select {
		case <-e.stop:
			return
		case p := <-e.taskQueue:
			e.executeInternal(p)
		}
	}
}

// executeInternal is §4.G's CheckInputs -> (short-circuit | full pipeline)
// -> callback sequence, run on the worker goroutine.
func (e *Executor) executeInternal(p modelExecuteParam) {
	fm := flowmsg.Raw(p.req)
	var err error

	switch {
	case fm.IsEOS():
		e.publishOutputWithoutExecute(p.req, p.resp, fm.RetCode())
	case fm.IsNullData():
		e.publishOutputWithoutExecute(p.req, p.resp, fm.RetCode())
	case fm.RetCode() != 0:
		e.publishOutputWithoutExecute(p.req, p.resp, fm.RetCode())
	default:
		err = e.runPipeline(p.req, p.resp)
	}

	e.mu.Lock()
	if err != nil {
		e.state = StateFailed
	} else if e.state == StateRunning {
		e.state = StateReady
	}
	e.mu.Unlock()

	if p.callback != nil {
		p.callback(err, p.req, p.resp)
	}
}

// runPipeline is PrepareInputs -> PrepareOutputs -> DoExecuteModel ->
// UpdateOutputs. Prepare/Update are data plumbing the Non-goals explicitly
// push below this module's boundary (numerics, tensor layout); here they
// reduce to copying the MsgInfo header across and delegating the payload
// to the injected ExecuteFunc.
func (e *Executor) runPipeline(req, resp *driver.Mbuf) error {
	e.logger.Debugf("executor[%d]: PrepareInputs", e.modelID)
	e.logger.Debugf("executor[%d]: PrepareOutputs", e.modelID)

	if e.execute == nil {
		return fmt.Errorf("executor[%d]: no ExecuteFunc configured", e.modelID)
	}
	e.logger.Debugf("executor[%d]: DoExecuteModel", e.modelID)
	if err := e.execute(req, resp); err != nil {
		return fmt.Errorf("executor[%d]: DoExecuteModel: %w", e.modelID, err)
	}

	e.logger.Debugf("executor[%d]: UpdateOutputs", e.modelID)
	mi := req.MsgInfo()
	resp.SetMsgInfo(mi)
	return nil
}

// publishOutputWithoutExecute writes retCode and req's trans_id into resp's
// header, the no-execute shortcut for EOS/null-data/error requests. It
// writes no tensor descriptors into resp's payload: no empty-shape output
// tensors are produced.
func (e *Executor) publishOutputWithoutExecute(req, resp *driver.Mbuf, retCode int32) {
	mi := resp.MsgInfo()
	mi.RetCode = retCode
	mi.SetTransID(req.MsgInfo().TransID)
	resp.SetMsgInfo(mi)
	_ = abi.EmptyShape() // not written to resp; the payload is left as allocated
}

// ClearModel runs AICPUModelStop (stop) or AICPUModelClearInputAndRestart
// (clear) for every collected runtime model id. Idempotent when none are
// collected.
func (e *Executor) ClearModel(t ClearType) error {
	e.mu.Lock()
	ids := append([]uint32(nil), e.runtimeModelIDs...)
	if t == ClearStop {
		e.state = StateStopped
	} else {
		e.state = StateReady
	}
	e.mu.Unlock()

	kernel := "AICPUModelClearInputAndRestart"
	if t == ClearStop {
		kernel = "AICPUModelStop"
	}
	for _, id := range ids {
		if err := e.drv.LaunchCPUKernel(e.aicpuStreamID, kernel, driver.DevPtr(id)); err != nil {
			return fmt.Errorf("executor[%d]: %s(%d): %w", e.modelID, kernel, id, err)
		}
	}
	return nil
}

// ExceptionNotify launches ProcessDataException for transID. Callers must
// have confirmed CheckSupportExceptionNotify succeeded; this function does
// not probe it itself (§4.G).
func (e *Executor) ExceptionNotify(t ClearType, transID uint64) error {
	return e.drv.LaunchCPUKernel(e.aicpuStreamID, "ProcessDataException", driver.DevPtr(transID))
}

// UnloadModel stops the worker (joined) and transitions to TERMINATED.
func (e *Executor) UnloadModel() error {
	e.mu.Lock()
	if e.state == StateTerminated {
		e.mu.Unlock()
		return nil
	}
	e.state = StateTerminated
	e.mu.Unlock()

	close(e.stop)
	<-e.done
	return nil
}
