// mmio_test.go - Tests for typed MMIO access and page-aligned allocation

package mmio

import "testing"

type arenaBackend struct{ mem []byte }

func (a *arenaBackend) Map(phys uintptr, length int) ([]byte, error) {
	if len(a.mem) < length {
		a.mem = make([]byte, length)
	}
	return a.mem[:length], nil
}

func TestRegionReadWriteWidths(t *testing.T) {
	SetBackend(&arenaBackend{})
	defer SetBackend(nil)

	r, err := MapMMIO(0, 64)
	if err != nil {
		t.Fatalf("MapMMIO: %v", err)
	}

	r.Write8(0, 0xAB)
	if got := r.Read8(0); got != 0xAB {
		t.Errorf("Read8 = %#x, want 0xAB", got)
	}

	r.Write16(8, 0xBEEF)
	if got := r.Read16(8); got != 0xBEEF {
		t.Errorf("Read16 = %#x, want 0xBEEF", got)
	}

	r.Write32(16, 0xDEADBEEF)
	if got := r.Read32(16); got != 0xDEADBEEF {
		t.Errorf("Read32 = %#x, want 0xDEADBEEF", got)
	}

	r.Write64(24, 0x0102030405060708)
	if got := r.Read64(24); got != 0x0102030405060708 {
		t.Errorf("Read64 = %#x, want 0x0102030405060708", got)
	}
	// Write64 splits low/high as two 32-bit writes.
	if lo := r.Read32(24); lo != 0x05060708 {
		t.Errorf("low half = %#x, want 0x05060708", lo)
	}
	if hi := r.Read32(28); hi != 0x01020304 {
		t.Errorf("high half = %#x, want 0x01020304", hi)
	}
}

func TestMapMMIOWithoutBackendFails(t *testing.T) {
	SetBackend(nil)
	if _, err := MapMMIO(0x1000, 16); err == nil {
		t.Fatal("expected MapMMIO without a backend to fail")
	}
}

func TestAllocPageAlignedIsPageAligned(t *testing.T) {
	mem, phys, err := AllocPageAligned(100)
	if err != nil {
		t.Fatalf("AllocPageAligned: %v", err)
	}
	if len(mem) != 100 {
		t.Errorf("len(mem) = %d, want 100", len(mem))
	}
	if phys%PageSize != 0 {
		t.Errorf("phys = %#x not page-aligned", phys)
	}
	for _, b := range mem {
		if b != 0 {
			t.Fatal("expected zeroed buffer")
		}
	}
}

func TestAllocPageAlignedRejectsNonPositiveSize(t *testing.T) {
	if _, _, err := AllocPageAligned(0); err == nil {
		t.Fatal("expected error for zero size")
	}
}
