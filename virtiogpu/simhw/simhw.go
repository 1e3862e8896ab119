// Package simhw is an in-memory VirtIO-GPU device double used by
// virtiogpu package tests in place of a real VirtIO-GPU PCI device. It
// exposes a Capabilities()/MapBar() pair matching virtiogpu.Config and
// runs a background responder that walks the driver's own control
// virtqueue (built with the real virtqueue package) and answers GPU
// commands the way a single-scanout 2D-only device would.
//
// Grounded on the same "background goroutine driving hosted state" shape
// as audio_backend_oto.go / hda/simhw.
package simhw

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/trustos/hwdrivers/mmio"
	"github.com/trustos/hwdrivers/virtiogpu"
)

const (
	ccDeviceFeatureSelect = 0x00
	ccDeviceFeature       = 0x04
	ccDeviceStatus        = 0x14
	ccQueueSize           = 0x18
	ccQueueNotifyOff      = 0x1E
	ccQueueDesc           = 0x20
	ccQueueDriver         = 0x28
	ccQueueDevice         = 0x30

	gpuCfgNumScanouts = 0x08
	gpuCfgNumCapsets  = 0x0C

	descFlagNext = 1
)

// Device is a fake single-scanout VirtIO-GPU. Bar 0 is COMMON_CFG, bar 1
// NOTIFY_CFG, bar 2 DEVICE_CFG — a convention private to this test double.
type Device struct {
	mu sync.Mutex

	common []byte
	notify []byte
	device []byte

	width, height uint32

	lastAvailIdx uint16

	stop chan struct{}
	done chan struct{}
}

func NewDevice(width, height uint32) *Device {
	d := &Device{
		common: make([]byte, 0x40),
		notify: make([]byte, 16),
		device: make([]byte, 16),
		width:  width,
		height: height,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	binary.LittleEndian.PutUint32(d.device[gpuCfgNumScanouts:], 1)
	binary.LittleEndian.PutUint32(d.device[gpuCfgNumCapsets:], 0)
	binary.LittleEndian.PutUint16(d.common[ccQueueSize:], 64)
	return d
}

// Capabilities describes this double's three config windows using the
// bar convention documented on Device.
func (d *Device) Capabilities() []virtiogpu.PCICapability {
	return []virtiogpu.PCICapability{
		{CfgType: virtiogpu.CapCommonCfg, Bar: 0, Offset: 0, Length: uint32(len(d.common))},
		{CfgType: virtiogpu.CapNotifyCfg, Bar: 1, Offset: 0, Length: uint32(len(d.notify)), NotifyOffMultiplier: 4},
		{CfgType: virtiogpu.CapDeviceCfg, Bar: 2, Offset: 0, Length: uint32(len(d.device))},
	}
}

// barBase synthesizes a distinct "physical" base per BAR index so the
// shared mmio.Backend can disambiguate which arena a MapBar call targets;
// there is no real PCI BAR address space behind this test double.
func barBase(bar uint8) uintptr { return uintptr(bar+1) << 40 }

// MapBar implements virtiogpu.BarMapper by registering itself as the
// active mmio.Backend and routing through mmio.MapMMIO, so driver code
// exercises the exact same Region API it would against real device
// memory.
func (d *Device) MapBar(bar uint8, offset, length uint32) (mmio.Region, error) {
	mmio.SetBackend(d)
	return mmio.MapMMIO(barBase(bar)+uintptr(offset), int(length))
}

// Map implements mmio.Backend.
func (d *Device) Map(phys uintptr, length int) ([]byte, error) {
	for bar, arena := range [][]byte{d.common, d.notify, d.device} {
		base := barBase(uint8(bar))
		if phys >= base && phys < base+uintptr(len(arena)) {
			off := int(phys - base)
			return arena[off : off+length], nil
		}
	}
	return nil, fmt.Errorf("simhw: no arena backs phys=0x%x len=%d", phys, length)
}

func (d *Device) Start() { go d.run() }

func (d *Device) Stop() {
	close(d.stop)
	<-d.done
}

func (d *Device) run() {
	defer close(d.done)
	ticker := time.NewTicker(25 * time.Microsecond)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

func (d *Device) tick() {
	d.mu.Lock()
	defer d.mu.Unlock()

	sel := binary.LittleEndian.Uint32(d.common[ccDeviceFeatureSelect:])
	if sel == 0 {
		binary.LittleEndian.PutUint32(d.common[ccDeviceFeature:], 0x2) // EDID bit
	} else {
		binary.LittleEndian.PutUint32(d.common[ccDeviceFeature:], 0x1) // VERSION_1 (bit 32 overall)
	}

	d.serviceControlq()
}

func (d *Device) serviceControlq() {
	descPhys := getU64(d.common, ccQueueDesc)
	availPhys := getU64(d.common, ccQueueDriver)
	usedPhys := getU64(d.common, ccQueueDevice)
	if descPhys == 0 || availPhys == 0 || usedPhys == 0 {
		return
	}
	size := binary.LittleEndian.Uint16(d.common[ccQueueSize:])
	if size == 0 {
		return
	}

	availMem := physSlice(availPhys, 4+int(size)*2)
	availIdx := binary.LittleEndian.Uint16(availMem[2:])
	if availIdx == d.lastAvailIdx {
		return
	}

	descMem := physSlice(descPhys, int(size)*16)
	usedMem := physSlice(usedPhys, 4+int(size)*8)
	usedIdx := binary.LittleEndian.Uint16(usedMem[2:])

	for d.lastAvailIdx != availIdx {
		slot := binary.LittleEndian.Uint16(availMem[4+int(d.lastAvailIdx%size)*2:])
		d.lastAvailIdx++

		cmdAddr, cmdLen, flags, next := readDesc(descMem, slot)
		if flags&descFlagNext == 0 {
			continue // malformed chain, nothing we can respond to
		}
		respAddr, respLen, _, _ := readDesc(descMem, next)

		cmdMem := physSlice(cmdAddr, int(cmdLen))
		respMem := physSlice(respAddr, int(respLen))
		d.respond(cmdMem, respMem)

		putUsedElem(usedMem, usedIdx%size, uint32(slot), respLen)
		usedIdx++
		binary.LittleEndian.PutUint16(usedMem[2:], usedIdx)
	}
}

// respond implements the minimal GPU personality: one enabled display at
// the device's fixed resolution, and unconditional success for every
// resource/scanout/transfer/flush command.
func (d *Device) respond(cmd, resp []byte) {
	ctrlType := binary.LittleEndian.Uint32(cmd)

	const (
		cmdGetDisplayInfo = 0x0100
		respOkNodata      = 0x1100
		respOkDisplayInfo = 0x1101
	)

	switch ctrlType {
	case cmdGetDisplayInfo:
		binary.LittleEndian.PutUint32(resp, respOkDisplayInfo)
		for i := 4; i < 24 && i < len(resp); i++ {
			resp[i] = 0
		}
		entry := resp[24:48]
		binary.LittleEndian.PutUint32(entry[0:], 0)      // x
		binary.LittleEndian.PutUint32(entry[4:], 0)      // y
		binary.LittleEndian.PutUint32(entry[8:], d.width)
		binary.LittleEndian.PutUint32(entry[12:], d.height)
		binary.LittleEndian.PutUint32(entry[16:], 1) // enabled
		binary.LittleEndian.PutUint32(entry[20:], 0) // flags
		for i := 48; i < len(resp); i++ {
			resp[i] = 0
		}
	default:
		binary.LittleEndian.PutUint32(resp, respOkNodata)
		for i := 4; i < len(resp); i++ {
			resp[i] = 0
		}
	}
}

func readDesc(mem []byte, idx uint16) (addr uint64, length uint32, flags, next uint16) {
	off := int(idx) * 16
	addr = binary.LittleEndian.Uint64(mem[off:])
	length = binary.LittleEndian.Uint32(mem[off+8:])
	flags = binary.LittleEndian.Uint16(mem[off+12:])
	next = binary.LittleEndian.Uint16(mem[off+14:])
	return
}

func putUsedElem(usedMem []byte, slot uint16, id uint32, length uint32) {
	off := 4 + int(slot)*8
	binary.LittleEndian.PutUint32(usedMem[off:], id)
	binary.LittleEndian.PutUint32(usedMem[off+4:], length)
}

func physSlice(addr uint64, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), length)
}

func getU64(mem []byte, loOff int) uint64 {
	lo := binary.LittleEndian.Uint32(mem[loOff:])
	hi := binary.LittleEndian.Uint32(mem[loOff+4:])
	return uint64(lo) | uint64(hi)<<32
}
