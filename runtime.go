package hetexec

import (
	"context"
	"fmt"
	"sync"

	"github.com/dflow-rt/hetexec/internal/abi"
	"github.com/dflow-rt/hetexec/internal/config"
	"github.com/dflow-rt/hetexec/internal/dispatcher"
	"github.com/dflow-rt/hetexec/internal/driver"
	"github.com/dflow-rt/hetexec/internal/executor"
	"github.com/dflow-rt/hetexec/internal/hcom"
	"github.com/dflow-rt/hetexec/internal/logging"
	"github.com/dflow-rt/hetexec/internal/mbufqueue"
	"github.com/dflow-rt/hetexec/internal/npuloader"
	"github.com/dflow-rt/hetexec/internal/profiler"
	"github.com/prometheus/client_golang/prometheus"
)

// Options configures a Runtime, mirroring go-ublk's Options{Context, Logger,
// Observer} — everything here has a usable zero value.
type Options struct {
	Logger           *logging.Logger
	Metrics          prometheus.Registerer // nil skips profiler registration
	ProfilingEnabled bool
}

// Runtime is the process-wide facade over one accelerator driver: it owns
// the mbuf exchange service, the per-device AICPU event dispatchers, the
// scheduler model loader, the HCOM cluster registry, and the profiler —
// the composition root go-ublk's CreateAndServe plays for a single Device.
type Runtime struct {
	drv    driver.Driver
	logger *logging.Logger

	Mbuf     *mbufqueue.Service
	Loader   *npuloader.Loader
	Hcom     *hcom.Registry
	Profiler *profiler.Profiler

	mu          sync.Mutex
	dispatchers map[int32]*dispatcher.Dispatcher
	executors   map[uint32]*executor.Executor
}

// New constructs a Runtime over drv. Call InitializeDevice once per device
// before registering models on it.
func New(drv driver.Driver, opts *Options) *Runtime {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}

	prof := profiler.New(opts.Metrics)
	prof.Enabled = opts.ProfilingEnabled

	return &Runtime{
		drv:         drv,
		logger:      logger,
		Mbuf:        mbufqueue.New(drv, logger),
		Loader:      npuloader.New(drv),
		Hcom:        hcom.NewRegistry(),
		Profiler:    prof,
		dispatchers: make(map[int32]*dispatcher.Dispatcher),
		executors:   make(map[uint32]*executor.Executor),
	}
}

// InitializeDevice brings up the mbuf exchange event thread and the AICPU
// dispatcher thread for deviceID. Idempotent per device.
func (r *Runtime) InitializeDevice(ctx context.Context, deviceID int32) error {
	if err := r.Mbuf.Initialize(ctx, deviceID); err != nil {
		return WrapError("InitializeDevice", StatusDriverErrorFatal, err)
	}

	r.mu.Lock()
	disp, ok := r.dispatchers[deviceID]
	if !ok {
		disp = dispatcher.New(r.drv, r.logger, deviceID)
		r.dispatchers[deviceID] = disp
	}
	r.mu.Unlock()

	if !ok {
		if err := disp.Initialize(ctx); err != nil {
			return WrapError("InitializeDevice", StatusDriverErrorFatal, err)
		}
	}
	return nil
}

// CreateQueue creates a named mbuf queue on deviceID and returns its id.
func (r *Runtime) CreateQueue(deviceID int32, name string, attr abi.MemQueueAttr) (uint32, error) {
	if len(name) > DefaultQueueNameMaxLen {
		return 0, NewQueueError("CreateQueue", deviceID, 0, StatusParamInvalid,
			fmt.Sprintf("queue name length %d exceeds %d", len(name), DefaultQueueNameMaxLen))
	}
	return r.Mbuf.CreateQueue(deviceID, name, attr)
}

// RegisterModel constructs and initializes a DynamicModelExecutor for
// modelID, wires it into deviceID's AICPU dispatcher, and returns it so the
// caller can LoadModel/ExecuteAsync/ClearModel directly.
func (r *Runtime) RegisterModel(deviceID int32, modelID uint32, execute executor.ExecuteFunc) (*executor.Executor, error) {
	exec := executor.New(r.drv, r.logger, modelID, deviceID, execute)
	if err := exec.Initialize(); err != nil {
		return nil, WrapError("RegisterModel", StatusDriverErrorFatal, err)
	}

	r.mu.Lock()
	r.executors[modelID] = exec
	disp := r.dispatchers[deviceID]
	r.mu.Unlock()

	if disp != nil {
		disp.Register(modelID, exec)
	}
	return exec, nil
}

// DeregisterModel unwinds RegisterModel: stops the executor's worker and
// removes it from its device's dispatcher.
func (r *Runtime) DeregisterModel(deviceID int32, modelID uint32) error {
	r.mu.Lock()
	exec, ok := r.executors[modelID]
	disp := r.dispatchers[deviceID]
	delete(r.executors, modelID)
	r.mu.Unlock()

	if disp != nil {
		disp.Deregister(modelID)
	}
	if !ok {
		return nil
	}
	return exec.UnloadModel()
}

// LoadModel asks the scheduler model loader to assemble modelID's queues,
// streams, and task chain, then marks the corresponding executor READY with
// the given IO sizing. ctx is the caller's GetThreadLocalContext snapshot;
// when either esched priority it carries is set, the executor launches
// ExecuteModelEschedPriorityTask as part of going READY (§4.G). Both steps
// must succeed together, so when modelID is not registered or the executor's
// LoadModel fails, the freshly loaded device-side model is torn back down.
func (r *Runtime) LoadModel(deviceID int32, modelID uint32, sizing executor.IOSizing, ctx config.ThreadLocalContext, p npuloader.LoadParams) (*npuloader.Model, error) {
	model, err := r.Loader.LoadModel(deviceID, p)
	if err != nil {
		return nil, WrapError("LoadModel", StatusDriverErrorFatal, err)
	}

	r.mu.Lock()
	exec, ok := r.executors[modelID]
	r.mu.Unlock()
	if !ok {
		_ = model.UnloadModel()
		return nil, NewDeviceError("LoadModel", deviceID, StatusParamInvalid,
			fmt.Sprintf("model %d not registered", modelID))
	}

	if err := exec.LoadModel(sizing, ctx); err != nil {
		_ = model.UnloadModel()
		return nil, WrapError("LoadModel", StatusParamInvalid, err)
	}
	return model, nil
}

// Shutdown finalizes the mbuf exchange service and stops every device
// dispatcher, joining their threads.
func (r *Runtime) Shutdown() {
	r.mu.Lock()
	dispatchers := make([]*dispatcher.Dispatcher, 0, len(r.dispatchers))
	for _, d := range r.dispatchers {
		dispatchers = append(dispatchers, d)
	}
	r.mu.Unlock()

	for _, d := range dispatchers {
		d.Stop()
	}
	r.Mbuf.Finalize()
}
