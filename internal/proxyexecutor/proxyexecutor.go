// Package proxyexecutor implements ProxyDynamicModelExecutor (spec.md
// §4.H): a host-resident dispatcher that runs when a model executes on the
// host instead of the AICPU scheduler, dequeuing request Mbufs and driving
// an executor.Executor on their behalf. Grounded on the teacher's ioLoop
// (internal/queue/runner.go): a single dedicated goroutine blocking on a
// driver primitive with a cooperative-cancel retry slice, identical in
// shape to this dispatcher's DequeueMbuf retry loop.
package proxyexecutor

import (
	"context"
	"fmt"
	"time"

	"github.com/dflow-rt/hetexec/internal/driver"
	"github.com/dflow-rt/hetexec/internal/executor"
	"github.com/dflow-rt/hetexec/internal/logging"
)

// retryInterval is kRetryInterval: the cooperative-cancel poll slice used
// while waiting on the request queue.
const retryInterval = 50 * time.Millisecond

// respEnqueueTimeout is the 10-minute bound §4.H step 4 gives the response
// enqueue.
const respEnqueueTimeout = 10 * time.Minute

// Enqueuer is the subset of mbufqueue.Service the dispatcher needs: blocking
// dequeue from the request queue and timed enqueue to the response queue.
// Declared as an interface here (rather than importing mbufqueue directly)
// so unit tests can stub it without standing up a full Service.
type Enqueuer interface {
	DequeueBuf(ctx context.Context, deviceID int32, queueID uint32, timeout time.Duration) (*driver.Mbuf, error)
	EnqueueBuf(ctx context.Context, deviceID int32, queueID uint32, buf *driver.Mbuf, timeout time.Duration) error
}

// Dispatcher is one model's host-resident proxy.
type Dispatcher struct {
	deviceID     int32
	reqQueueID   uint32
	respQueueID  uint32
	respMbufSize int
	exec         *executor.Executor
	svc          Enqueuer
	drv          driver.Driver
	logger       *logging.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Dispatcher driving exec over the given request/response
// queue pair.
func New(drv driver.Driver, svc Enqueuer, logger *logging.Logger, exec *executor.Executor, deviceID int32, reqQueueID, respQueueID uint32, respMbufSize int) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		deviceID:     deviceID,
		reqQueueID:   reqQueueID,
		respQueueID:  respQueueID,
		respMbufSize: respMbufSize,
		exec:         exec,
		svc:          svc,
		drv:          drv,
		logger:       logger,
	}
}

// Start spawns the dispatch thread. Stop cancels it cooperatively and joins.
func (d *Dispatcher) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.loop(runCtx)
}

// Stop cancels the dispatch loop and waits for it to exit.
func (d *Dispatcher) Stop() {
	if d.cancel == nil {
		return
	}
	d.cancel()
	<-d.done
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)
	for {
		if ctx.Err() != nil {
			return
		}
		req, err := d.svc.DequeueBuf(ctx, d.deviceID, d.reqQueueID, retryInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue // cooperative-cancel retry slice: keep polling while running
		}
		d.handleRequest(ctx, req)
	}
}

func (d *Dispatcher) handleRequest(ctx context.Context, req *driver.Mbuf) {
	resp, err := d.drv.AllocMbuf(d.respMbufSize)
	if err != nil {
		d.logger.Errorf("proxyexecutor: alloc response mbuf: %v", err)
		req.Free()
		return
	}
	// Copy the request's header into the response: trans-id and flags
	// are preserved (§4.H step 2).
	resp.SetMsgInfo(req.MsgInfo())
	copy(resp.UserData(), req.UserData())

	err = d.exec.ExecuteAsync(func(execErr error, reqMbuf, respMbuf *driver.Mbuf) {
		d.onModelExecuted(ctx, execErr, reqMbuf, respMbuf)
	}, req, resp)
	if err != nil {
		d.logger.Errorf("proxyexecutor: ExecuteAsync: %v", err)
		req.Free()
		resp.Free()
	}
}

// onModelExecuted is §4.H step 4: enqueue the response Mbuf (10-min
// timeout) and free both buffers.
func (d *Dispatcher) onModelExecuted(ctx context.Context, execErr error, req, resp *driver.Mbuf) {
	if execErr != nil {
		d.logger.Errorf("proxyexecutor: model execution failed: %v", execErr)
	}
	if err := d.svc.EnqueueBuf(ctx, d.deviceID, d.respQueueID, resp, respEnqueueTimeout); err != nil {
		d.logger.Errorf("proxyexecutor: enqueue response: %v", err)
	}
	req.Free()
	resp.Free()
}

// CheckInputs decodes the request header and reports whether the executor
// should take the no-execute shortcut, per §4.H's final paragraph.
func CheckInputs(req *driver.Mbuf, inputsLen, outputsLen int) (shortCircuit bool, err error) {
	mi := req.MsgInfo()
	if mi.RetCode != 0 {
		return true, nil
	}
	if mi.IsNullData() {
		return true, nil
	}
	if len(req.Payload) != inputsLen+outputsLen {
		return false, fmt.Errorf("proxyexecutor: request payload length %d != inputs+outputs %d", len(req.Payload), inputsLen+outputsLen)
	}
	return false, nil
}
