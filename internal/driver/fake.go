package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/dflow-rt/hetexec/internal/abi"
)

// Fake is an in-process Driver backed by Go channels and byte slices,
// standing in for the real rt* driver and on-device scheduler binary. It
// plays the same role go-ublk's stub Ring plays for environments without a
// real ublk-capable kernel: every unit test and cmd/dflow-demo run against
// it.
type Fake struct {
	mu         sync.Mutex
	queues     map[queueKey]*fakeQueue
	nextQueue  uint32
	nextStream uint32
	mem        map[DevPtr][]byte
	nextDevPtr DevPtr
	subs       map[int32][]chan Event
	kernelLog  []LaunchedKernel
}

type queueKey struct {
	deviceID int32
	queueID  uint32
}

type fakeQueue struct {
	attr  abi.MemQueueAttr
	items []*Mbuf
	mu    sync.Mutex
}

// LaunchedKernel records one LaunchCPUKernel invocation; exposed for tests
// that assert on the emitted task chain (testable property 10).
type LaunchedKernel struct {
	StreamID uint32
	Name     string
	ArgBlock DevPtr
}

// NewFake constructs an empty fake driver.
func NewFake() *Fake {
	return &Fake{
		queues: make(map[queueKey]*fakeQueue),
		mem:    make(map[DevPtr][]byte),
		subs:   make(map[int32][]chan Event),
	}
}

func (f *Fake) CreateQueue(deviceID int32, name string, attr abi.MemQueueAttr) (uint32, error) {
	if len(name) > 127 {
		return 0, errors.Wrapf(errParamInvalid, "queue name %q exceeds 127 bytes", name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextQueue++
	id := f.nextQueue
	f.queues[queueKey{deviceID, id}] = &fakeQueue{attr: attr}
	return id, nil
}

func (f *Fake) DestroyQueue(deviceID int32, queueID uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.queues, queueKey{deviceID, queueID})
	return nil
}

func (f *Fake) queue(deviceID int32, queueID uint32) (*fakeQueue, error) {
	f.mu.Lock()
	q, ok := f.queues[queueKey{deviceID, queueID}]
	f.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(errDriverFatal, "queue %d/%d does not exist", deviceID, queueID)
	}
	return q, nil
}

func (f *Fake) EnqueueMbuf(deviceID int32, queueID uint32, m *Mbuf) error {
	q, err := f.queue(deviceID, queueID)
	if err != nil {
		return err
	}
	q.mu.Lock()
	if q.attr.Depth > 0 && uint32(len(q.items)) >= q.attr.Depth {
		q.mu.Unlock()
		return &QueueFullError{QueueID: queueID}
	}
	q.items = append(q.items, m)
	empty := len(q.items) == 1
	q.mu.Unlock()
	if empty {
		f.publish(deviceID, Event{Kind: EventQueueEmptyToNotEmpty, DeviceID: deviceID, QueueID: queueID})
	}
	return nil
}

func (f *Fake) DequeueMbuf(deviceID int32, queueID uint32) (*Mbuf, error) {
	q, err := f.queue(deviceID, queueID)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil, &QueueEmptyError{QueueID: queueID}
	}
	m := q.items[0]
	q.items = q.items[1:]
	full := q.attr.Depth > 0 && uint32(len(q.items)) == q.attr.Depth-1
	q.mu.Unlock()
	if full {
		f.publish(deviceID, Event{Kind: EventQueueFullToNotFull, DeviceID: deviceID, QueueID: queueID})
	}
	return m, nil
}

func (f *Fake) PeekMbuf(deviceID int32, queueID uint32) (bool, error) {
	q, err := f.queue(deviceID, queueID)
	if err != nil {
		return false, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) > 0, nil
}

func (f *Fake) AllocMbuf(size int) (*Mbuf, error) {
	return NewMbuf(size), nil
}

func (f *Fake) BuildMbuf(buf []byte) (*Mbuf, error) {
	return WrapShared(buf), nil
}

func (f *Fake) FreeMbuf(m *Mbuf) error {
	m.Free()
	return nil
}

func (f *Fake) Malloc(size int) (DevPtr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextDevPtr += DevPtr(size) + 1
	p := f.nextDevPtr
	f.mem[p] = make([]byte, size)
	return p, nil
}

func (f *Fake) Free(p DevPtr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.mem, p)
	return nil
}

func (f *Fake) Memcpy(dst DevPtr, src []byte) error {
	f.mu.Lock()
	buf, ok := f.mem[dst]
	f.mu.Unlock()
	if !ok {
		return errors.Wrapf(errDriverFatal, "memcpy to unknown device pointer %d", dst)
	}
	copy(buf, src)
	return nil
}

func (f *Fake) Memset(dst DevPtr, val byte, size int) error {
	f.mu.Lock()
	buf, ok := f.mem[dst]
	f.mu.Unlock()
	if !ok {
		return errors.Wrapf(errDriverFatal, "memset on unknown device pointer %d", dst)
	}
	for i := 0; i < size && i < len(buf); i++ {
		buf[i] = val
	}
	return nil
}

func (f *Fake) LaunchCPUKernel(streamID uint32, kernelName string, argBlock DevPtr) error {
	f.mu.Lock()
	f.kernelLog = append(f.kernelLog, LaunchedKernel{StreamID: streamID, Name: kernelName, ArgBlock: argBlock})
	f.mu.Unlock()
	return nil
}

// Kernels returns the recorded kernel launches, in emission order.
func (f *Fake) Kernels() []LaunchedKernel {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]LaunchedKernel, len(f.kernelLog))
	copy(out, f.kernelLog)
	return out
}

func (f *Fake) CreateStream(deviceID int32, flags uint32) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextStream++
	return f.nextStream, nil
}

func (f *Fake) Subscribe(ctx context.Context, deviceID int32, groupID uint32) (<-chan Event, error) {
	ch := make(chan Event, 16)
	f.mu.Lock()
	f.subs[deviceID] = append(f.subs[deviceID], ch)
	f.mu.Unlock()
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		subs := f.subs[deviceID]
		for i, c := range subs {
			if c == ch {
				f.subs[deviceID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		f.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (f *Fake) SubmitEvent(deviceID int32, ev Event) error {
	f.publish(deviceID, ev)
	return nil
}

func (f *Fake) SetDevice(deviceID int32) error { return nil }

func (f *Fake) publish(deviceID int32, ev Event) {
	f.mu.Lock()
	subs := append([]chan Event(nil), f.subs[deviceID]...)
	f.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

var (
	errParamInvalid = fmt.Errorf("param invalid")
	errDriverFatal  = fmt.Errorf("driver fatal")
)
