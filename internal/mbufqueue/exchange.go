package mbufqueue

import (
	"context"
	"time"

	"github.com/dflow-rt/hetexec/internal/abi"
	"github.com/dflow-rt/hetexec/internal/driver"
)

// EnqueueBuf enqueues a single pre-built Mbuf, the zero-copy "shared input"
// overload (§4.B.2, testable property 2: a shared-input enqueue never
// copies payload bytes).
func (s *Service) EnqueueBuf(ctx context.Context, deviceID int32, queueID uint32, buf *driver.Mbuf, timeout time.Duration) error {
	return s.enqueueWithWait(ctx, deviceID, queueID, buf, timeout)
}

// EnqueueCopy builds a new Mbuf from the scatter-gather list via
// MultiThreadCopy and enqueues it.
func (s *Service) EnqueueCopy(ctx context.Context, deviceID int32, queueID uint32, parts []BuffInfo, ci abi.ControlInfo, timeout time.Duration) error {
	total := 0
	for _, p := range parts {
		total += len(p.Data)
	}
	buf, err := s.drv.AllocMbuf(total)
	if err != nil {
		return &OpError{Op: "EnqueueCopy", DeviceID: deviceID, QueueID: queueID, Status: StatusDriverError, Inner: err}
	}

	bufs := make([][]byte, 0, len(parts))
	for _, p := range parts {
		if len(p.Data) == 0 {
			continue // nil/empty entries skipped per scatter-gather rule
		}
		bufs = append(bufs, p.Data)
	}
	if err := MultiThreadCopy(buf.Payload, bufs); err != nil {
		s.drv.FreeMbuf(buf)
		return &OpError{Op: "EnqueueCopy", DeviceID: deviceID, QueueID: queueID, Status: StatusParamInvalid, Inner: err}
	}
	if err := s.applyControlInfo(deviceID, queueID, buf, ci); err != nil {
		s.drv.FreeMbuf(buf)
		return err
	}
	return s.enqueueWithWait(ctx, deviceID, queueID, buf, timeout)
}

// EnqueueFill builds a new Mbuf of size n, invokes fill to populate it, and
// enqueues it — the copy-from-callback overload.
func (s *Service) EnqueueFill(ctx context.Context, deviceID int32, queueID uint32, n int, fill FillFunc, ci abi.ControlInfo, timeout time.Duration) error {
	buf, err := s.drv.AllocMbuf(n)
	if err != nil {
		return &OpError{Op: "EnqueueFill", DeviceID: deviceID, QueueID: queueID, Status: StatusDriverError, Inner: err}
	}
	if fill != nil {
		fill(buf.Payload)
	}
	if err := s.applyControlInfo(deviceID, queueID, buf, ci); err != nil {
		s.drv.FreeMbuf(buf)
		return err
	}
	return s.enqueueWithWait(ctx, deviceID, queueID, buf, timeout)
}

// applyControlInfo writes ci's header fields onto buf and assigns this
// message's transaction id via the trans-id registry *before* the driver
// call, per §4.A/§4.B.2 ("enqueue assigns the trans-id before the driver
// call so consumers see a monotonic stream"). ci.MsgInfo.TransID, if set, is
// the caller's pinned id (Gen's "user_assigned" argument); zero means
// auto-assign the next monotonic id for (deviceID, queueID).
func (s *Service) applyControlInfo(deviceID int32, queueID uint32, buf *driver.Mbuf, ci abi.ControlInfo) error {
	mi := abi.MsgInfo{}
	if ci.MsgInfo != nil {
		mi = *ci.MsgInfo
	}
	transID, err := s.trans.Gen(deviceID, queueID, mi.TransID)
	if err != nil {
		return &OpError{Op: "Enqueue", DeviceID: deviceID, QueueID: queueID, Status: StatusParamInvalid, Inner: err}
	}
	mi.SetTransID(transID)
	buf.SetMsgInfo(&mi)
	if ci.EndOfSequence {
		buf.SetEOS()
	}
	buf.SetUserData(ci.UserData[:], 0)
	return nil
}

// enqueueWithWait retries EnqueueMbuf against a full-queue back-pressure
// condition, waking on the F2NF driver event or a bounded poll slice,
// whichever comes first — generalized from the teacher's submission-queue
// retry loop in internal/queue/runner.go's ioLoop.
func (s *Service) enqueueWithWait(ctx context.Context, deviceID int32, queueID uint32, buf *driver.Mbuf, timeout time.Duration) error {
	// timeout < 0 waits forever; timeout == 0 is best-effort non-blocking
	// (§7: "timeout = 0 ⇒ best-effort non-blocking"); timeout > 0 bounds the
	// wait. These are three distinct cases, not two.
	waitForever := timeout < 0
	deadline := time.Time{}
	if !waitForever {
		deadline = time.Now().Add(timeout)
	}
	q := s.queueState(deviceID, queueID)

	for {
		err := s.drv.EnqueueMbuf(deviceID, queueID, buf)
		if err == nil {
			return nil
		}
		if _, full := err.(*driver.QueueFullError); !full {
			return &OpError{Op: "Enqueue", DeviceID: deviceID, QueueID: queueID, Status: StatusDriverError, Inner: err}
		}
		if !waitForever && (timeout == 0 || time.Now().After(deadline)) {
			return &OpError{Op: "Enqueue", DeviceID: deviceID, QueueID: queueID, Status: StatusTimeout, Inner: err}
		}
		if err := s.waitSlice(ctx, q, true, deadline); err != nil {
			return &OpError{Op: "Enqueue", DeviceID: deviceID, QueueID: queueID, Status: StatusTimeout, Inner: err}
		}
	}
}

// DequeueBuf blocks (subject to timeout) until a buffer is available or the
// queue hits end-of-sequence.
func (s *Service) DequeueBuf(ctx context.Context, deviceID int32, queueID uint32, timeout time.Duration) (*driver.Mbuf, error) {
	waitForever := timeout < 0
	deadline := time.Time{}
	if !waitForever {
		deadline = time.Now().Add(timeout)
	}
	q := s.queueState(deviceID, queueID)

	for {
		buf, err := s.drv.DequeueMbuf(deviceID, queueID)
		if err == nil {
			if buf.IsEOS() {
				return buf, &OpError{Op: "Dequeue", DeviceID: deviceID, QueueID: queueID, Status: StatusEndOfSequence}
			}
			return buf, nil
		}
		if _, empty := err.(*driver.QueueEmptyError); !empty {
			return nil, &OpError{Op: "Dequeue", DeviceID: deviceID, QueueID: queueID, Status: StatusDriverError, Inner: err}
		}
		if !waitForever && (timeout == 0 || time.Now().After(deadline)) {
			return nil, &OpError{Op: "Dequeue", DeviceID: deviceID, QueueID: queueID, Status: StatusTimeout, Inner: err}
		}
		if err := s.waitSlice(ctx, q, false, deadline); err != nil {
			return nil, &OpError{Op: "Dequeue", DeviceID: deviceID, QueueID: queueID, Status: StatusTimeout, Inner: err}
		}
	}
}

// Peek reports whether queueID currently holds at least one Mbuf, without
// dequeuing it.
func (s *Service) Peek(deviceID int32, queueID uint32) (bool, error) {
	nonEmpty, err := s.drv.PeekMbuf(deviceID, queueID)
	if err != nil {
		return false, &OpError{Op: "Peek", DeviceID: deviceID, QueueID: queueID, Status: StatusDriverError, Inner: err}
	}
	return nonEmpty, nil
}

// waitSlice blocks on q's condvar (enqueue side if forEnqueue, dequeue side
// otherwise) until either notified, a bounded poll slice elapses (the only
// wake-up when q is nil, i.e. the queue was not created through this
// Service), ctx is cancelled, or deadline passes.
func (s *Service) waitSlice(ctx context.Context, q *queueState, forEnqueue bool, deadline time.Time) error {
	slice := dequeueWaitSlice
	if forEnqueue {
		slice = enqueueWaitSlice
	}
	if !deadline.IsZero() {
		if remaining := time.Until(deadline); remaining < slice {
			slice = remaining
		}
	}
	if slice <= 0 {
		return ctx.Err()
	}

	if q == nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(slice):
			return nil
		}
	}

	cond := q.deqCond
	if forEnqueue {
		cond = q.enqCond
	}

	done := make(chan struct{})
	timer := time.AfterFunc(slice, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	defer timer.Stop()

	cond.L.Lock()
	go func() {
		select {
		case <-ctx.Done():
			cond.L.Lock()
			cond.Broadcast()
			cond.L.Unlock()
		case <-done:
		}
	}()
	cond.Wait()
	close(done)
	cond.L.Unlock()

	return ctx.Err()
}
