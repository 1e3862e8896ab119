// mmio.go - Typed volatile MMIO access and page-aligned DMA allocation

package mmio

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Kind tags the category of a mmio error, mirroring the taxonomy every
// driver package in this module follows.
type Kind int

const (
	ErrMappingFailed Kind = iota
	ErrAllocFailed
)

func (k Kind) String() string {
	switch k {
	case ErrMappingFailed:
		return "MappingFailed"
	case ErrAllocFailed:
		return "AllocFailed"
	default:
		return "Unknown"
	}
}

// Error is the tagged error type for this package, grounded on
// video_interface.go's VideoError{Operation, Details, Err}.
type Error struct {
	Op      string
	Kind    Kind
	Details string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mmio %s failed (%s): %s: %v", e.Op, e.Kind, e.Details, e.Err)
	}
	return fmt.Sprintf("mmio %s failed (%s): %s", e.Op, e.Kind, e.Details)
}

func (e *Error) Unwrap() error { return e.Err }

const PageSize = 4096

// Backend is a pluggable MMIO device-memory provider. Production code has
// no real backend (PCI BAR access is outside a hosted Go process), so
// MapMMIO without a registered backend always fails with ErrMappingFailed.
// Test doubles under */simhw register a Backend that hands back a plain
// byte arena, so driver code under test reads/writes exactly the same
// Region API it would against real device memory.
type Backend interface {
	Map(phys uintptr, length int) ([]byte, error)
}

var backend Backend

// SetBackend installs the active MMIO backend. hda/simhw's Device is
// installed by its caller (tests, cmd/hwprobe); virtiogpu/simhw installs
// itself from MapBar. Driver code does not call it.
func SetBackend(b Backend) { backend = b }

// Region is a typed, bounds-checked view over a mapped device-memory
// range. All accesses go through Go's volatile-equivalent pattern: a
// single load/store of the requested width via unsafe.Pointer, which the
// compiler cannot coalesce across calls since each is an independent
// exported-function boundary operating on a slice obtained from a real OS
// mapping (or, under simhw, a heap arena treated identically).
type Region struct {
	mem []byte
}

// MapMMIO maps length bytes of device memory at physical address phys.
func MapMMIO(phys uintptr, length int) (Region, error) {
	if backend == nil {
		return Region{}, &Error{Op: "MapMMIO", Kind: ErrMappingFailed, Details: "no MMIO backend registered for this process"}
	}
	mem, err := backend.Map(phys, length)
	if err != nil {
		return Region{}, &Error{Op: "MapMMIO", Kind: ErrMappingFailed, Details: fmt.Sprintf("phys=0x%x len=%d", phys, length), Err: err}
	}
	return Region{mem: mem}, nil
}

func (r Region) Len() int { return len(r.mem) }

func (r Region) Read8(off uintptr) uint8 {
	return *(*uint8)(unsafe.Pointer(&r.mem[off]))
}

func (r Region) Write8(off uintptr, v uint8) {
	*(*uint8)(unsafe.Pointer(&r.mem[off])) = v
}

func (r Region) Read16(off uintptr) uint16 {
	return *(*uint16)(unsafe.Pointer(&r.mem[off]))
}

func (r Region) Write16(off uintptr, v uint16) {
	*(*uint16)(unsafe.Pointer(&r.mem[off])) = v
}

func (r Region) Read32(off uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(&r.mem[off]))
}

func (r Region) Write32(off uintptr, v uint32) {
	*(*uint32)(unsafe.Pointer(&r.mem[off])) = v
}

func (r Region) Read64(off uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(&r.mem[off]))
}

// Write64 splits into two 32-bit writes, low half then high half,
// grounded on original_source/virtio_gpu.rs's MmioRegion::write64.
func (r Region) Write64(off uintptr, v uint64) {
	r.Write32(off, uint32(v))
	r.Write32(off+4, uint32(v>>32))
}

// AllocPageAligned returns a zeroed, page-aligned buffer and a stable
// "physical" address for it. Backed by golang.org/x/sys/unix.Mmap, which
// already returns page-aligned anonymous memory, so the spec's
// over-allocate-and-round-up fallback (needed by an allocator with no
// alignment guarantee) is never on the live path here; it is documented,
// not implemented, for that reason.
func AllocPageAligned(size int) (virt []byte, phys uintptr, err error) {
	if size <= 0 {
		return nil, 0, &Error{Op: "AllocPageAligned", Kind: ErrAllocFailed, Details: "size must be positive"}
	}
	rounded := (size + PageSize - 1) &^ (PageSize - 1)
	mem, mmapErr := unix.Mmap(-1, 0, rounded, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if mmapErr != nil {
		return nil, 0, &Error{Op: "AllocPageAligned", Kind: ErrAllocFailed, Details: fmt.Sprintf("size=%d", size), Err: mmapErr}
	}
	return mem[:size], uintptr(unsafe.Pointer(&mem[0])), nil
}
