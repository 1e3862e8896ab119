// virtqueue.go - Split-ring virtqueue engine
//
// Layout, free-list, submit/notify/complete semantics are grounded on
// iansmith-mazarin/src/go/mazarin/virtqueue.go (virtqueueInit,
// virtqueueAddDesc, virtqueueAddToAvailable's dsb() fence,
// virtqueueGetUsed's dsb() before reading Used.Idx) and
// original_source/kernel/src/drivers/virtio_gpu.rs's GpuVirtqueue.

package virtqueue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/trustos/hwdrivers/mmio"
)

const (
	DescFlagNext  uint16 = 1
	DescFlagWrite uint16 = 2

	freeListEnd uint16 = 0xFFFF
)

type Kind int

const (
	ErrAllocFailed Kind = iota
	ErrTimeout
)

func (k Kind) String() string {
	switch k {
	case ErrAllocFailed:
		return "AllocFailed"
	case ErrTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

type Error struct {
	Op      string
	Kind    Kind
	Details string
}

func (e *Error) Error() string {
	return fmt.Sprintf("virtqueue %s failed (%s): %s", e.Op, e.Kind, e.Details)
}

// Desc is the wire-level 16-byte virtqueue descriptor.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

type availHeader struct {
	Flags uint16
	Idx   uint16
}

type usedElem struct {
	ID  uint32
	Len uint32
}

type usedHeader struct {
	Flags uint16
	Idx   uint16
}

// Queue is a software split-ring virtqueue over a contiguous, page-aligned
// DMA region: descriptor table, then available ring, then (page-padded)
// used ring.
type Queue struct {
	mu sync.Mutex

	size uint16

	mem        []byte
	descs      []Desc
	avail      *availHeader
	availRing  []uint16
	used       *usedHeader
	usedRing   []usedElem

	freeHead    uint16
	numFree     uint16
	lastUsedIdx uint16

	notify    mmio.Region
	notifyOff uint16
}

func descTableBytes(size uint16) int  { return int(size) * 16 }
func availBytes(size uint16) int      { return 4 + int(size)*2 }
func usedBytes(size uint16) int       { return 4 + int(size)*8 }

// layoutSize returns the total byte size of the virtqueue region: the
// descriptor table and available ring packed together, then the used ring
// rounded up to start on a page boundary (grounded on
// original_source/virtio_gpu.rs's GpuVirtqueue::new page-rounding of the
// used-ring offset).
func layoutSize(size uint16) (usedOffset, total int) {
	head := descTableBytes(size) + availBytes(size)
	usedOffset = (head + mmio.PageSize - 1) &^ (mmio.PageSize - 1)
	total = usedOffset + usedBytes(size)
	return
}

// New allocates and initializes a virtqueue of the given power-of-two
// size, wiring its notification region/offset for later Notify calls.
func New(size uint16, notify mmio.Region, notifyOff uint16) (*Queue, error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, &Error{Op: "New", Kind: ErrAllocFailed, Details: fmt.Sprintf("queue size %d is not a power of two", size)}
	}

	usedOffset, total := layoutSize(size)
	mem, _, err := mmio.AllocPageAligned(total)
	if err != nil {
		return nil, &Error{Op: "New", Kind: ErrAllocFailed, Details: err.Error()}
	}

	q := &Queue{
		size:      size,
		mem:       mem,
		notify:    notify,
		notifyOff: notifyOff,
	}

	descBytes := descTableBytes(size)
	q.descs = unsafe.Slice((*Desc)(unsafe.Pointer(&mem[0])), size)
	q.avail = (*availHeader)(unsafe.Pointer(&mem[descBytes]))
	q.availRing = unsafe.Slice((*uint16)(unsafe.Pointer(&mem[descBytes+4])), size)
	q.used = (*usedHeader)(unsafe.Pointer(&mem[usedOffset]))
	q.usedRing = unsafe.Slice((*usedElem)(unsafe.Pointer(&mem[usedOffset+4])), size)

	// Build the free list: 0 -> 1 -> ... -> size-1 -> freeListEnd.
	for i := uint16(0); i < size; i++ {
		if i == size-1 {
			q.descs[i].Next = freeListEnd
		} else {
			q.descs[i].Next = i + 1
		}
	}
	q.freeHead = 0
	q.numFree = size

	return q, nil
}

func (q *Queue) PhysAddr() uintptr { return uintptr(unsafe.Pointer(&q.mem[0])) }

// AvailPhysAddr and UsedPhysAddr report the available-ring and used-ring
// addresses within the queue's single contiguous allocation, for drivers
// that must program them as separate device registers (e.g. VirtIO PCI's
// QUEUE_DRIVER/QUEUE_DEVICE).
func (q *Queue) AvailPhysAddr() uintptr {
	return q.PhysAddr() + uintptr(descTableBytes(q.size))
}

func (q *Queue) UsedPhysAddr() uintptr {
	usedOffset, _ := layoutSize(q.size)
	return q.PhysAddr() + uintptr(usedOffset)
}

// AllocDesc pops the head of the free list.
func (q *Queue) AllocDesc() (uint16, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.numFree == 0 {
		return 0, &Error{Op: "AllocDesc", Kind: ErrAllocFailed, Details: "descriptor free list exhausted"}
	}
	idx := q.freeHead
	q.freeHead = q.descs[idx].Next
	q.numFree--
	return idx, nil
}

// FreeDesc pushes idx back onto the free list head.
func (q *Queue) FreeDesc(idx uint16) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.descs[idx].Next = q.freeHead
	q.freeHead = idx
	q.numFree++
}

// NumFree reports the current free-list length (test/diagnostic use).
func (q *Queue) NumFree() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.numFree
}

// SetDesc programs descriptor idx's fields directly.
func (q *Queue) SetDesc(idx uint16, addr uint64, length uint32, flags uint16, next uint16) {
	q.descs[idx] = Desc{Addr: addr, Len: length, Flags: flags, Next: next}
}

// Submit places head into the next available-ring slot and makes it
// visible to the device. The descriptor-table writes are ordered before
// the avail.Idx store via an atomic (sequentially-consistent) store,
// which on every architecture Go targets subsumes the release-fence the
// source obtains via dsb().
func (q *Queue) Submit(head uint16) {
	q.mu.Lock()
	idx := q.avail.Idx
	q.availRing[idx%q.size] = head
	q.mu.Unlock()

	atomic.StoreUint16(&q.avail.Idx, idx+1)
}

// Notify writes to the queue's notification MMIO slot.
func (q *Queue) Notify() {
	q.notify.Write16(uintptr(q.notifyOff), q.size)
}

// HasUsed reports whether a new used-ring entry is available, observed
// with an acquire-equivalent atomic load pairing with the device's
// release-store of used.Idx.
func (q *Queue) HasUsed() bool {
	return atomic.LoadUint16(&q.used.Idx) != q.lastUsedIdx
}

// PollUsed blocks (busy-polls) until a used-ring entry appears or timeout
// elapses, returning the completed descriptor's head id and written
// length.
func (q *Queue) PollUsed(timeout time.Duration) (id uint16, writtenLen uint32, err error) {
	deadline := time.Now().Add(timeout)
	for !q.HasUsed() {
		if time.Now().After(deadline) {
			return 0, 0, &Error{Op: "PollUsed", Kind: ErrTimeout, Details: fmt.Sprintf("no completion within %s", timeout)}
		}
	}
	elem := q.usedRing[q.lastUsedIdx%q.size]
	q.lastUsedIdx++
	return uint16(elem.ID), elem.Len, nil
}
