package proxyexecutor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dflow-rt/hetexec/internal/config"
	"github.com/dflow-rt/hetexec/internal/driver"
	"github.com/dflow-rt/hetexec/internal/executor"
)

var errBoom = errors.New("boom")

func TestCheckInputsShortCircuitsOnRetCode(t *testing.T) {
	req := driver.NewMbuf(0)
	mi := req.MsgInfo()
	mi.RetCode = 5
	req.SetMsgInfo(mi)

	sc, err := CheckInputs(req, 1, 1)
	if err != nil {
		t.Fatalf("CheckInputs: %v", err)
	}
	if !sc {
		t.Error("expected short-circuit on nonzero ret_code")
	}
}

func TestCheckInputsShortCircuitsOnNullData(t *testing.T) {
	req := driver.NewMbuf(0)
	mi := req.MsgInfo()
	mi.SetNullData()
	req.SetMsgInfo(mi)

	sc, err := CheckInputs(req, 1, 1)
	if err != nil {
		t.Fatalf("CheckInputs: %v", err)
	}
	if !sc {
		t.Error("expected short-circuit on null data")
	}
}

func TestCheckInputsRejectsMismatchedPayloadLength(t *testing.T) {
	req := driver.NewMbuf(2)
	if _, err := CheckInputs(req, 3, 4); err == nil {
		t.Error("expected an error when payload length doesn't match inputs+outputs")
	}
}

func TestCheckInputsAcceptsMatchingPayload(t *testing.T) {
	req := driver.NewMbuf(7)
	sc, err := CheckInputs(req, 3, 4)
	if err != nil {
		t.Fatalf("CheckInputs: %v", err)
	}
	if sc {
		t.Error("expected no short-circuit when ret_code is 0 and data present")
	}
}

// fakeEnqueuer stubs the subset of mbufqueue.Service the dispatcher needs;
// DequeueBuf is never exercised here since the tests drive handleRequest
// directly rather than the background loop.
type fakeEnqueuer struct {
	mu       sync.Mutex
	enqueued []*driver.Mbuf
}

func (f *fakeEnqueuer) DequeueBuf(ctx context.Context, deviceID int32, queueID uint32, timeout time.Duration) (*driver.Mbuf, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeEnqueuer) EnqueueBuf(ctx context.Context, deviceID int32, queueID uint32, buf *driver.Mbuf, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, buf)
	return nil
}

func (f *fakeEnqueuer) last() *driver.Mbuf {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.enqueued) == 0 {
		return nil
	}
	return f.enqueued[len(f.enqueued)-1]
}

func newTestExecutor(t *testing.T, drv driver.Driver, execute executor.ExecuteFunc) *executor.Executor {
	t.Helper()
	exec := executor.New(drv, nil, 1, 0, execute)
	if err := exec.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := exec.LoadModel(executor.IOSizing{}, config.Default()); err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	return exec
}

func TestHandleRequestRoundTripsThroughExecuteAndEnqueuesResponse(t *testing.T) {
	drv := driver.NewFake()
	exec := newTestExecutor(t, drv, func(req, resp *driver.Mbuf) error {
		copy(resp.Payload, req.Payload)
		return nil
	})
	svc := &fakeEnqueuer{}
	d := New(drv, svc, nil, exec, 0, 10, 11, 4)

	req, err := drv.AllocMbuf(4)
	if err != nil {
		t.Fatalf("AllocMbuf: %v", err)
	}
	copy(req.Payload, []byte{9, 9, 9, 9})
	mi := req.MsgInfo()
	mi.SetTransID(55)
	req.SetMsgInfo(mi)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d.handleRequest(ctx, req)

	// ExecuteAsync's callback runs on the executor's worker goroutine; poll
	// briefly for it to land on svc.EnqueueBuf rather than racing it.
	deadline := time.Now().Add(time.Second)
	for svc.last() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	resp := svc.last()
	if resp == nil {
		t.Fatal("response was never enqueued")
	}
	if string(resp.Payload) != string([]byte{9, 9, 9, 9}) {
		t.Errorf("resp.Payload = %v, want echoed request payload", resp.Payload)
	}
	if got := resp.MsgInfo().TransID; got != 55 {
		t.Errorf("resp TransID = %d, want 55 (preserved from request, testable property 3/9)", got)
	}
}

func TestOnModelExecutedEnqueuesEvenAfterExecuteError(t *testing.T) {
	drv := driver.NewFake()
	exec := newTestExecutor(t, drv, func(req, resp *driver.Mbuf) error { return nil })
	svc := &fakeEnqueuer{}
	d := New(drv, svc, nil, exec, 0, 10, 11, 0)

	req := driver.NewMbuf(0)
	resp := driver.NewMbuf(0)

	d.onModelExecuted(context.Background(), errBoom, req, resp)

	if svc.last() == nil {
		t.Error("response must be enqueued even when the model execution failed")
	}
	if !req.Freed() || !resp.Freed() {
		t.Error("both request and response must be freed after onModelExecuted")
	}
}
