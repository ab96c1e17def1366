package transid

import (
	"math"
	"sync"
	"testing"

	"github.com/dflow-rt/hetexec/internal/abi"
)

func TestGenFreshStreamStartsAtOne(t *testing.T) {
	r := NewRegistry()

	for i, want := range []uint64{1, 2, 3} {
		got, err := r.Gen(0, 0, 0)
		if err != nil {
			t.Fatalf("Gen call %d: unexpected error: %v", i, err)
		}
		if got != want {
			t.Errorf("Gen call %d = %d, want %d", i, got, want)
		}
	}
}

func TestGenUserAssignedPersistsAndMonotonic(t *testing.T) {
	r := NewRegistry()

	got, err := r.Gen(0, 1, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 10 {
		t.Errorf("Gen(user=10) = %d, want 10", got)
	}

	if got := r.Current(0, 1); got != 10 {
		t.Errorf("Current = %d, want 10", got)
	}

	// Equal to last is allowed and persists.
	got, err = r.Gen(0, 1, 10)
	if err != nil {
		t.Fatalf("unexpected error on equal user-assigned id: %v", err)
	}
	if got != 10 {
		t.Errorf("Gen(user=10) second call = %d, want 10", got)
	}

	// Less than last must fail.
	if _, err := r.Gen(0, 1, 9); err != ErrNotMonotonic {
		t.Errorf("Gen(user=9) err = %v, want ErrNotMonotonic", err)
	}

	// Subsequent auto-gen continues from the user-assigned high-water mark.
	got, err = r.Gen(0, 1, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 11 {
		t.Errorf("Gen(user=0) after user-assigned 10 = %d, want 11", got)
	}
}

func TestGenReservedSentinelRejected(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Gen(0, 0, math.MaxUint64); err != ErrReservedSentinel {
		t.Errorf("Gen(user=MaxUint64) err = %v, want ErrReservedSentinel", err)
	}
}

func TestGenExhaustion(t *testing.T) {
	r := NewRegistry()
	r.table[Key{0, 0}] = math.MaxUint64 - 1

	if _, err := r.Gen(0, 0, 0); err != ErrExhausted {
		t.Errorf("Gen at ceiling err = %v, want ErrExhausted", err)
	}
}

func TestCurrentAbsentEntry(t *testing.T) {
	r := NewRegistry()
	if got := r.Current(3, 4); got != abi.InvalidTransID {
		t.Errorf("Current on fresh (dev,queue) = %d, want InvalidTransID", got)
	}
}

func TestEvictRemovesEntry(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Gen(0, 0, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.Evict(0, 0)
	if got := r.Current(0, 0); got != abi.InvalidTransID {
		t.Errorf("Current after Evict = %d, want InvalidTransID", got)
	}
	// A fresh Gen after eviction must restart at 1.
	got, err := r.Gen(0, 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1 {
		t.Errorf("Gen after Evict = %d, want 1", got)
	}
}

// TestGenIndependentStreams checks that different (device,queue) keys do not
// interfere with one another, and is safe for -race.
func TestGenIndependentStreams(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	const streams = 8
	const perStream = 50

	for q := 0; q < streams; q++ {
		wg.Add(1)
		go func(queueID uint32) {
			defer wg.Done()
			for i := 0; i < perStream; i++ {
				if _, err := r.Gen(0, queueID, 0); err != nil {
					t.Errorf("queue %d: unexpected error: %v", queueID, err)
				}
			}
		}(uint32(q))
	}
	wg.Wait()

	for q := 0; q < streams; q++ {
		if got := r.Current(0, uint32(q)); got != perStream {
			t.Errorf("queue %d: Current = %d, want %d", q, got, perStream)
		}
	}
}
