// virtqueue_test.go - Tests for the split-ring virtqueue engine

package virtqueue

import (
	"testing"
	"time"

	"github.com/trustos/hwdrivers/mmio"
)

type arenaBackend struct{ mem []byte }

func (a *arenaBackend) Map(phys uintptr, length int) ([]byte, error) {
	if len(a.mem) < length {
		a.mem = make([]byte, length)
	}
	return a.mem[:length], nil
}

func newTestQueue(t *testing.T, size uint16) *Queue {
	t.Helper()
	mmio.SetBackend(&arenaBackend{})
	t.Cleanup(func() { mmio.SetBackend(nil) })

	notify, err := mmio.MapMMIO(0, 4096)
	if err != nil {
		t.Fatalf("MapMMIO notify region: %v", err)
	}
	q, err := New(size, notify, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q
}

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	mmio.SetBackend(&arenaBackend{})
	defer mmio.SetBackend(nil)
	notify, _ := mmio.MapMMIO(0, 64)
	if _, err := New(3, notify, 0); err == nil {
		t.Fatal("expected error for non-power-of-two size")
	}
}

func TestFreeListConservation(t *testing.T) {
	q := newTestQueue(t, 8)
	if got := q.NumFree(); got != 8 {
		t.Fatalf("initial NumFree = %d, want 8", got)
	}

	var held []uint16
	for i := 0; i < 5; i++ {
		idx, err := q.AllocDesc()
		if err != nil {
			t.Fatalf("AllocDesc: %v", err)
		}
		held = append(held, idx)
	}
	if got := q.NumFree(); got != 3 {
		t.Fatalf("NumFree after 5 allocs = %d, want 3", got)
	}

	for _, idx := range held {
		q.FreeDesc(idx)
	}
	if got := q.NumFree(); got != 8 {
		t.Fatalf("NumFree after freeing all = %d, want 8", got)
	}
}

func TestQueueSizeTwoExhaustsOnThirdDescriptor(t *testing.T) {
	q := newTestQueue(t, 2)

	a, err := q.AllocDesc()
	if err != nil {
		t.Fatalf("first AllocDesc: %v", err)
	}
	b, err := q.AllocDesc()
	if err != nil {
		t.Fatalf("second AllocDesc: %v", err)
	}
	if _, err := q.AllocDesc(); err == nil {
		t.Fatal("expected third AllocDesc on a size-2 queue to fail")
	}

	q.FreeDesc(a)
	q.FreeDesc(b)
	if _, err := q.AllocDesc(); err != nil {
		t.Fatalf("AllocDesc after freeing should succeed: %v", err)
	}
}

func TestSubmitPollUsedRoundTrip(t *testing.T) {
	q := newTestQueue(t, 4)

	head, err := q.AllocDesc()
	if err != nil {
		t.Fatalf("AllocDesc: %v", err)
	}
	q.SetDesc(head, 0x1000, 16, 0, 0)
	q.Submit(head)

	// Simulate the device: write a used-ring entry and bump used.Idx.
	q.usedRing[0] = usedElem{ID: uint32(head), Len: 16}
	q.used.Idx = 1

	id, length, err := q.PollUsed(100 * time.Millisecond)
	if err != nil {
		t.Fatalf("PollUsed: %v", err)
	}
	if id != head {
		t.Errorf("PollUsed id = %d, want %d", id, head)
	}
	if length != 16 {
		t.Errorf("PollUsed len = %d, want 16", length)
	}
	q.FreeDesc(head)
}

func TestPollUsedTimesOut(t *testing.T) {
	q := newTestQueue(t, 2)
	if _, _, err := q.PollUsed(10 * time.Millisecond); err == nil {
		t.Fatal("expected PollUsed to time out with no completion posted")
	}
}
