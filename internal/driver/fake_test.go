package driver

import (
	"context"
	"testing"
	"time"

	"github.com/dflow-rt/hetexec/internal/abi"
)

func TestFakeQueueFIFO(t *testing.T) {
	f := NewFake()
	id, err := f.CreateQueue(0, "q0", abi.MemQueueAttr{Depth: 4})
	if err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}

	for i := byte(0); i < 3; i++ {
		m := NewMbuf(1)
		m.Payload[0] = i
		if err := f.EnqueueMbuf(0, id, m); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	for i := byte(0); i < 3; i++ {
		m, err := f.DequeueMbuf(0, id)
		if err != nil {
			t.Fatalf("Dequeue %d: %v", i, err)
		}
		if m.Payload[0] != i {
			t.Errorf("Dequeue %d payload = %d, want %d", i, m.Payload[0], i)
		}
	}
}

func TestFakeQueueNameTooLong(t *testing.T) {
	f := NewFake()
	name := make([]byte, 128)
	if _, err := f.CreateQueue(0, string(name), abi.MemQueueAttr{}); err == nil {
		t.Error("CreateQueue with 128-byte name should fail")
	}

	name127 := make([]byte, 127)
	if _, err := f.CreateQueue(0, string(name127), abi.MemQueueAttr{}); err != nil {
		t.Errorf("CreateQueue with 127-byte name should succeed, got %v", err)
	}
}

func TestFakeQueueFullEmpty(t *testing.T) {
	f := NewFake()
	id, _ := f.CreateQueue(0, "q", abi.MemQueueAttr{Depth: 1})

	if err := f.EnqueueMbuf(0, id, NewMbuf(1)); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	err := f.EnqueueMbuf(0, id, NewMbuf(1))
	if _, ok := err.(*QueueFullError); !ok {
		t.Errorf("second enqueue err = %v, want *QueueFullError", err)
	}

	if _, err := f.DequeueMbuf(0, id); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	_, err = f.DequeueMbuf(0, id)
	if _, ok := err.(*QueueEmptyError); !ok {
		t.Errorf("dequeue on empty queue err = %v, want *QueueEmptyError", err)
	}
}

func TestFakeEventsOnFullEmptyTransitions(t *testing.T) {
	f := NewFake()
	id, _ := f.CreateQueue(0, "q", abi.MemQueueAttr{Depth: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := f.Subscribe(ctx, 0, 3)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := f.EnqueueMbuf(0, id, NewMbuf(1)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Kind != EventQueueEmptyToNotEmpty {
			t.Errorf("first event kind = %v, want EventQueueEmptyToNotEmpty", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for E2NE event")
	}

	if _, err := f.DequeueMbuf(0, id); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Kind != EventQueueFullToNotFull {
			t.Errorf("second event kind = %v, want EventQueueFullToNotFull", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for F2NF event")
	}
}

func TestFakeMallocMemcpyMemset(t *testing.T) {
	f := NewFake()
	p, err := f.Malloc(8)
	if err != nil {
		t.Fatalf("Malloc: %v", err)
	}
	if err := f.Memcpy(p, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Memcpy: %v", err)
	}
	if err := f.Memset(p, 0xFF, 2); err != nil {
		t.Fatalf("Memset: %v", err)
	}

	if err := f.Free(p); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := f.Memcpy(p, []byte{0}); err == nil {
		t.Error("Memcpy after Free should fail")
	}
}

func TestFakeLaunchCPUKernelRecordsInOrder(t *testing.T) {
	f := NewFake()
	p, _ := f.Malloc(4)

	names := []string{"modelDequeue", "markStep", "activeModel", "modelWaitEndGraph", "modelEnqueue", "modelRepeat"}
	for _, n := range names {
		if err := f.LaunchCPUKernel(1, n, p); err != nil {
			t.Fatalf("LaunchCPUKernel(%s): %v", n, err)
		}
	}

	got := f.Kernels()
	if len(got) != len(names) {
		t.Fatalf("Kernels() len = %d, want %d", len(got), len(names))
	}
	for i, n := range names {
		if got[i].Name != n {
			t.Errorf("Kernels()[%d].Name = %s, want %s", i, got[i].Name, n)
		}
	}
}

func TestWrapSharedNeverCopies(t *testing.T) {
	buf := []byte{1, 2, 3}
	m := WrapShared(buf)
	if &m.Payload[0] != &buf[0] {
		t.Error("WrapShared must alias the caller's backing array")
	}
}

func TestMsgInfoRoundTrip(t *testing.T) {
	m := NewMbuf(1)
	mi := &abi.MsgInfo{TransID: 42, RetCode: -1, DataFlag: abi.NullDataFlagBit, MsgType: 7, StartTime: 100, EndTime: 200, Flags: 3}
	m.SetMsgInfo(mi)
	got := m.MsgInfo()
	if *got != *mi {
		t.Errorf("MsgInfo round-trip = %+v, want %+v", got, mi)
	}
}

func TestUserDataRoundTrip(t *testing.T) {
	m := NewMbuf(1)
	d := []byte{0xAA, 0xBB, 0xCC}
	m.SetUserData(d, 10)
	if got := m.UserData()[10:13]; string(got) != string(d) {
		t.Errorf("UserData round-trip = %v, want %v", got, d)
	}
}

func TestEOSRoundTrip(t *testing.T) {
	m := NewMbuf(1)
	if m.IsEOS() {
		t.Error("fresh Mbuf should not be EOS")
	}
	m.SetEOS()
	if !m.IsEOS() {
		t.Error("Mbuf should report EOS after SetEOS")
	}
}
