// Package mbufqueue implements MbufExchangeService (spec.md §4.B): a
// mutex/condvar-guarded façade over driver message queues, generalized from
// the teacher's per-queue CPU-pinned io_uring loop
// (internal/queue/runner.go in ehrlich-b/go-ublk) to a per-device event
// thread driving N queues instead of one thread per queue.
package mbufqueue

import (
	"context"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dflow-rt/hetexec/internal/abi"
	"github.com/dflow-rt/hetexec/internal/driver"
	"github.com/dflow-rt/hetexec/internal/logging"
	"github.com/dflow-rt/hetexec/internal/transid"
)

const (
	maxQueueNameLen    = 127
	queueCreateTimeout = 10 * time.Minute
	enqueueWaitSlice   = 100 * time.Millisecond
	dequeueWaitSlice   = 1 * time.Second
)

// FillFunc fills a freshly allocated buffer for the copy-from-callback
// enqueue overload.
type FillFunc func(buf []byte)

// BuffInfo is one element of a scatter-gather enqueue payload.
type BuffInfo struct {
	Data []byte // nil/empty entries are skipped, per §4.B scatter-gather rule
}

type queueState struct {
	attr          abi.MemQueueAttr
	isClient      bool
	subscribedEnq bool
	subscribedDeq bool
	enqCond       *sync.Cond
	deqCond       *sync.Cond
}

// Service is a single process's MbufExchangeService. Unlike the spec's C++
// singleton, callers construct one explicitly and thread it through
// dependents — the Design Notes' preferred dependency-injection style — and
// a single process-wide instance can still be obtained via GetDefault for
// call sites that want the teacher's singleton ergonomics.
type Service struct {
	drv    driver.Driver
	logger *logging.Logger
	trans  *transid.Registry

	mu             sync.Mutex // guards queues, clientQueueIDs
	queues         map[queueKey]*queueState
	clientQueueIDs map[queueKey]struct{}

	eventMu     sync.Mutex // guards events map + device init
	devicesInit map[int32]context.CancelFunc
	wg          sync.WaitGroup
}

type queueKey struct {
	deviceID int32
	queueID  uint32
}

// New constructs a Service over the given driver.
func New(drv driver.Driver, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		drv:            drv,
		logger:         logger,
		trans:          transid.NewRegistry(),
		queues:         make(map[queueKey]*queueState),
		clientQueueIDs: make(map[queueKey]struct{}),
		devicesInit:    make(map[int32]context.CancelFunc),
	}
}

var (
	defaultMu  sync.Mutex
	defaultSvc *Service
)

// GetDefault returns the process-wide default Service, constructing one
// over drv on first use. Subsequent calls ignore drv — same one-time-init
// shape as the teacher's logging.Default().
func GetDefault(drv driver.Driver) *Service {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSvc == nil {
		defaultSvc = New(drv, logging.Default())
	}
	return defaultSvc
}

// Initialize enables event-driven wait for deviceID. Idempotent: a second
// call for an already-initialized device is a no-op success (testable
// property, round-trip/idempotence).
func (s *Service) Initialize(ctx context.Context, deviceID int32) error {
	s.eventMu.Lock()
	if _, ok := s.devicesInit[deviceID]; ok {
		s.eventMu.Unlock()
		return nil
	}
	evCtx, cancel := context.WithCancel(ctx)
	s.devicesInit[deviceID] = cancel
	s.eventMu.Unlock()

	events, err := s.drv.Subscribe(evCtx, deviceID, 3) // group_id=3 per §4.B.1
	if err != nil {
		cancel()
		s.eventMu.Lock()
		delete(s.devicesInit, deviceID)
		s.eventMu.Unlock()
		return &OpError{Op: "Initialize", DeviceID: deviceID, Status: StatusDriverError, Inner: err}
	}

	started := make(chan struct{})
	s.wg.Add(1)
	go s.eventLoop(deviceID, events, started)
	<-started // cv handshake: Initialize returns only once the thread has subscribed
	return nil
}

// eventLoop is the dedicated per-device event thread (§4.B.1): pinned to CPU
// device_id*8, translating E2NE/F2NF driver events into condvar notifies on
// the matching queue's wait state.
func (s *Service) eventLoop(deviceID int32, events <-chan driver.Event, started chan<- struct{}) {
	defer s.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var mask unix.CPUSet
	if err := mask.Set(int(deviceID) * 8); err == nil {
		_ = unix.SchedSetaffinity(0, &mask)
	}

	close(started)

	for ev := range events {
		switch ev.Kind {
		case driver.EventQueueEmptyToNotEmpty:
			s.notifyDequeue(deviceID, ev.QueueID)
		case driver.EventQueueFullToNotFull:
			s.notifyEnqueue(deviceID, ev.QueueID)
		}
	}
}

func (s *Service) notifyDequeue(deviceID int32, queueID uint32) {
	s.mu.Lock()
	q, ok := s.queues[queueKey{deviceID, queueID}]
	s.mu.Unlock()
	if !ok {
		return
	}
	q.deqCond.L.Lock()
	q.subscribedDeq = true
	q.deqCond.Broadcast()
	q.deqCond.L.Unlock()
}

func (s *Service) notifyEnqueue(deviceID int32, queueID uint32) {
	s.mu.Lock()
	q, ok := s.queues[queueKey{deviceID, queueID}]
	s.mu.Unlock()
	if !ok {
		return
	}
	q.enqCond.L.Lock()
	q.subscribedEnq = true
	q.enqCond.Broadcast()
	q.enqCond.L.Unlock()
}

// Finalize stops every event thread (joined) and clears subscription state.
// Trans-id entries are removed per queue by DestroyQueue, not here.
func (s *Service) Finalize() {
	s.eventMu.Lock()
	for dev, cancel := range s.devicesInit {
		cancel()
		delete(s.devicesInit, dev)
	}
	s.eventMu.Unlock()
	s.wg.Wait()
}

// CreateQueue creates a queue bounded to the 127-char name limit and 10-min
// driver timeout, local or client deploy type per attr.IsClient.
func (s *Service) CreateQueue(deviceID int32, name string, attr abi.MemQueueAttr) (uint32, error) {
	if len(name) > maxQueueNameLen {
		return 0, &OpError{Op: "CreateQueue", DeviceID: deviceID, Status: StatusParamInvalid}
	}
	_ = queueCreateTimeout // documents the 10-minute driver-level bound; the fake driver is synchronous

	id, err := s.drv.CreateQueue(deviceID, name, attr)
	if err != nil {
		return 0, &OpError{Op: "CreateQueue", DeviceID: deviceID, Status: StatusDriverError, Inner: err}
	}

	s.mu.Lock()
	key := queueKey{deviceID, id}
	s.queues[key] = &queueState{
		attr:     attr,
		isClient: attr.IsClient,
		enqCond:  sync.NewCond(&sync.Mutex{}),
		deqCond:  sync.NewCond(&sync.Mutex{}),
	}
	if attr.IsClient {
		s.clientQueueIDs[key] = struct{}{}
	}
	s.mu.Unlock()
	return id, nil
}

// DestroyQueue destroys a queue and evicts its trans-id entry.
func (s *Service) DestroyQueue(deviceID int32, queueID uint32) error {
	if err := s.drv.DestroyQueue(deviceID, queueID); err != nil {
		return &OpError{Op: "DestroyQueue", DeviceID: deviceID, QueueID: queueID, Status: StatusDriverError, Inner: err}
	}
	key := queueKey{deviceID, queueID}
	s.mu.Lock()
	delete(s.queues, key)
	delete(s.clientQueueIDs, key)
	s.mu.Unlock()
	s.trans.Evict(deviceID, queueID)
	return nil
}

func (s *Service) isClientQueue(deviceID int32, queueID uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.clientQueueIDs[queueKey{deviceID, queueID}]
	return ok
}

func (s *Service) queueState(deviceID int32, queueID uint32) *queueState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queues[queueKey{deviceID, queueID}]
}
