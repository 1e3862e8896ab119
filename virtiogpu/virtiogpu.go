// virtiogpu.go - VirtIO-GPU modern-PCI-transport controller: capability
// walk, feature negotiation, control virtqueue, resource/scanout
// lifecycle, and batched present.
//
// Grounded method-for-method on
// original_source/kernel/src/drivers/virtio_gpu.rs; code shape (mutex-
// guarded controller, log.Logger field) grounded on
// video_chip.go/video_backend_opengl.go.

package virtiogpu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"
	"unsafe"

	"github.com/trustos/hwdrivers/mmio"
	"github.com/trustos/hwdrivers/virtqueue"
)

// BarMapper resolves one capability's (bar, offset, length) into a mapped
// MMIO region; the caller owns the actual PCI BAR address resolution
// (out of scope, see SPEC_FULL.md §1), this controller only consumes the
// resulting windows.
type BarMapper func(bar uint8, offset, length uint32) (mmio.Region, error)

// Config parameters for bring-up: the resolved VirtIO capability list and
// a BarMapper to turn each into a live MMIO region.
type Config struct {
	Capabilities []PCICapability
	MapBar       BarMapper
	Logger       *log.Logger
}

// Controller owns one VirtIO-GPU device's common/notify/device config
// windows, its control virtqueue, DMA command buffer, and current
// scanout resource.
type Controller struct {
	mu sync.Mutex

	logger *log.Logger

	commonCfg mmio.Region
	notifyCfg mmio.Region
	deviceCfg mmio.Region
	notifyOffMultiplier uint32

	controlq *virtqueue.Queue

	dmaBuf  []byte
	dmaPhys uintptr

	displayWidth, displayHeight uint32
	numScanouts                 uint32
	nextResourceID              uint32
	scanoutResourceID           uint32

	backing     []uint32
	backingPhys uintptr

	has3D       bool
	initialized bool
}

// InitFromPCI performs the full VirtIO 1.0+ handshake: capability walk,
// reset, feature negotiation, controlq setup, DRIVER_OK, then reads GPU
// config and display info.
func InitFromPCI(cfg Config) (*Controller, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	c := &Controller{logger: logger, nextResourceID: 1}

	if err := c.walkCapabilities(cfg.Capabilities, cfg.MapBar); err != nil {
		return nil, err
	}

	c.commonWrite8(ccDeviceStatus, 0)
	time.Sleep(100 * time.Microsecond)

	c.commonWrite8(ccDeviceStatus, statusAcknowledge)
	c.commonWrite8(ccDeviceStatus, statusAcknowledge|statusDriver)

	c.commonWrite32(ccDeviceFeatureSelect, 0)
	featLo := c.commonRead32(ccDeviceFeature)
	c.commonWrite32(ccDeviceFeatureSelect, 1)
	featHi := c.commonRead32(ccDeviceFeature)
	deviceFeatures := uint64(featLo) | uint64(featHi)<<32
	c.has3D = deviceFeatures&featureVirgl != 0

	driverFeatures := featureVersion1
	if deviceFeatures&featureEDID != 0 {
		driverFeatures |= featureEDID
	}
	c.commonWrite32(ccDriverFeatureSelect, 0)
	c.commonWrite32(ccDriverFeature, uint32(driverFeatures))
	c.commonWrite32(ccDriverFeatureSelect, 1)
	c.commonWrite32(ccDriverFeature, uint32(driverFeatures>>32))

	c.commonWrite8(ccDeviceStatus, statusAcknowledge|statusDriver|statusFeaturesOK)
	if c.commonRead8(ccDeviceStatus)&statusFeaturesOK == 0 {
		c.commonWrite8(ccDeviceStatus, statusFailed)
		return nil, &Error{Op: "InitFromPCI", Kind: ErrFeatureRejected, Details: "device rejected FEATURES_OK"}
	}

	if err := c.setupControlQ(); err != nil {
		return nil, err
	}

	c.commonWrite8(ccDeviceStatus, statusAcknowledge|statusDriver|statusFeaturesOK|statusDriverOK)

	dmaBuf, dmaPhys, err := mmio.AllocPageAligned(dmaBufSize)
	if err != nil {
		return nil, &Error{Op: "InitFromPCI", Kind: ErrAllocFailed, Details: "DMA command buffer", Err: err}
	}
	c.dmaBuf, c.dmaPhys = dmaBuf, dmaPhys

	c.numScanouts = c.deviceRead32(gpuCfgNumScanouts)
	_ = c.deviceRead32(gpuCfgNumCapsets)

	if err := c.getDisplayInfo(); err != nil {
		return nil, err
	}

	c.initialized = true
	logger.Printf("virtiogpu: initialized %dx%d scanouts=%d 3d=%v", c.displayWidth, c.displayHeight, c.numScanouts, c.has3D)
	return c, nil
}

func (c *Controller) walkCapabilities(caps []PCICapability, mapBar BarMapper) error {
	if mapBar == nil {
		return &Error{Op: "walkCapabilities", Kind: ErrNotConfigured, Details: "no BAR mapper provided"}
	}
	for _, pciCap := range caps {
		region, err := mapBar(pciCap.Bar, pciCap.Offset, pciCap.Length)
		if err != nil {
			return &Error{Op: "walkCapabilities", Kind: ErrMappingFailed, Details: "BAR map failed", Err: err}
		}
		switch pciCap.CfgType {
		case CapCommonCfg:
			c.commonCfg = region
		case CapNotifyCfg:
			c.notifyCfg = region
			c.notifyOffMultiplier = pciCap.NotifyOffMultiplier
		case CapDeviceCfg:
			c.deviceCfg = region
		}
	}
	if c.commonCfg.Len() == 0 {
		return &Error{Op: "walkCapabilities", Kind: ErrProtocol, Details: "missing COMMON_CFG capability"}
	}
	if c.notifyCfg.Len() == 0 {
		return &Error{Op: "walkCapabilities", Kind: ErrProtocol, Details: "missing NOTIFY_CFG capability"}
	}
	if c.deviceCfg.Len() == 0 {
		return &Error{Op: "walkCapabilities", Kind: ErrProtocol, Details: "missing DEVICE_CFG capability"}
	}
	return nil
}

func (c *Controller) commonWrite8(off uintptr, v uint8)   { c.commonCfg.Write8(off, v) }
func (c *Controller) commonWrite16(off uintptr, v uint16) { c.commonCfg.Write16(off, v) }
func (c *Controller) commonWrite32(off uintptr, v uint32) { c.commonCfg.Write32(off, v) }
func (c *Controller) commonRead8(off uintptr) uint8       { return c.commonCfg.Read8(off) }
func (c *Controller) commonRead16(off uintptr) uint16     { return c.commonCfg.Read16(off) }
func (c *Controller) commonRead32(off uintptr) uint32     { return c.commonCfg.Read32(off) }
func (c *Controller) deviceRead32(off uintptr) uint32     { return c.deviceCfg.Read32(off) }

func (c *Controller) setupControlQ() error {
	c.commonWrite16(ccQueueSelect, 0)
	maxSize := c.commonRead16(ccQueueSize)
	if maxSize == 0 {
		return &Error{Op: "setupControlQ", Kind: ErrProtocol, Details: "controlq not available"}
	}
	queueSize := maxSize
	if queueSize > maxControlqSize {
		queueSize = maxControlqSize
	}
	c.commonWrite16(ccQueueSize, queueSize)

	notifyOff := c.commonRead16(ccQueueNotifyOff)
	notifyByteOff := uint16(uint32(notifyOff) * c.notifyOffMultiplier)

	q, err := virtqueue.New(queueSize, c.notifyCfg, notifyByteOff)
	if err != nil {
		return &Error{Op: "setupControlQ", Kind: ErrAllocFailed, Details: err.Error()}
	}

	descPhys := uint64(q.PhysAddr())
	availPhys := uint64(q.AvailPhysAddr())
	usedPhys := uint64(q.UsedPhysAddr())
	c.commonWrite32(ccQueueDesc, uint32(descPhys))
	c.commonWrite32(ccQueueDesc+4, uint32(descPhys>>32))
	c.commonWrite32(ccQueueDriver, uint32(availPhys))
	c.commonWrite32(ccQueueDriver+4, uint32(availPhys>>32))
	c.commonWrite32(ccQueueDevice, uint32(usedPhys))
	c.commonWrite32(ccQueueDevice+4, uint32(usedPhys>>32))
	c.commonWrite16(ccQueueMSIXVector, 0xFFFF)
	c.commonWrite16(ccQueueEnable, 1)

	c.controlq = q
	return nil
}

// sendCommand writes a pre-built command at cmdOffset, submits a two-
// descriptor chain (command + writable response), notifies, and blocks
// for the response, returning its ctrl_type.
func (c *Controller) sendCommand(cmdOffset int, cmdLen uint32, respOffset int, respLen uint32) (CtrlType, error) {
	dHead, err := c.controlq.AllocDesc()
	if err != nil {
		return 0, &Error{Op: "sendCommand", Kind: ErrAllocFailed, Details: "cmd descriptor", Err: err}
	}
	dResp, err := c.controlq.AllocDesc()
	if err != nil {
		c.controlq.FreeDesc(dHead)
		return 0, &Error{Op: "sendCommand", Kind: ErrAllocFailed, Details: "response descriptor", Err: err}
	}

	c.controlq.SetDesc(dHead, uint64(c.dmaPhys)+uint64(cmdOffset), cmdLen, virtqueue.DescFlagNext, dResp)
	c.controlq.SetDesc(dResp, uint64(c.dmaPhys)+uint64(respOffset), respLen, virtqueue.DescFlagWrite, 0)

	c.controlq.Submit(dHead)
	c.controlq.Notify()

	id, _, err := c.controlq.PollUsed(2 * time.Second)
	c.controlq.FreeDesc(dHead)
	c.controlq.FreeDesc(dResp)
	if err != nil {
		return 0, &Error{Op: "sendCommand", Kind: ErrTimeout, Details: "no control response", Err: err}
	}
	_ = id

	return CtrlType(binary.LittleEndian.Uint32(c.dmaBuf[respOffset:])), nil
}

// writeWire serializes v (a pointer to one of this package's wire-format
// structs) into buf at off, matching the source's dma.write_at(off, &cmd).
func writeWire(buf []byte, off int, v any) {
	var b bytes.Buffer
	b.Grow(binary.Size(v))
	if err := binary.Write(&b, binary.LittleEndian, v); err != nil {
		panic(fmt.Sprintf("virtiogpu: wire struct %T failed to serialize: %v", v, err))
	}
	copy(buf[off:], b.Bytes())
}

func (c *Controller) getDisplayInfo() error {
	hdr := GpuCtrlHdr{CtrlType: CmdGetDisplayInfo}
	writeWire(c.dmaBuf, cmdSlotOffset, &hdr)

	resp, err := c.sendCommand(cmdSlotOffset, uint32(binary.Size(hdr)), respSlotOffset, uint32(binary.Size(GpuRespDisplayInfo{})))
	if err != nil {
		return err
	}
	if resp != RespOkDisplayInfo {
		return &Error{Op: "getDisplayInfo", Kind: ErrProtocol, Details: "unexpected response type"}
	}

	var info GpuRespDisplayInfo
	if err := binary.Read(bytes.NewReader(c.dmaBuf[respSlotOffset:]), binary.LittleEndian, &info); err != nil {
		return &Error{Op: "getDisplayInfo", Kind: ErrProtocol, Details: "malformed display info response", Err: err}
	}
	for _, pmode := range info.Pmodes {
		if pmode.Enabled != 0 {
			c.displayWidth = pmode.R.Width
			c.displayHeight = pmode.R.Height
			break
		}
	}
	if c.displayWidth == 0 {
		c.displayWidth, c.displayHeight = 1280, 800
	}
	return nil
}

// CreateResource2D allocates a new 2D host resource of the given size.
func (c *Controller) CreateResource2D(width, height uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextResourceID
	c.nextResourceID++

	cmd := GpuResourceCreate2D{
		Hdr:        GpuCtrlHdr{CtrlType: CmdResourceCreate2D},
		ResourceID: id,
		Format:     uint32(FormatB8G8R8X8Unorm),
		Width:      width,
		Height:     height,
	}
	writeWire(c.dmaBuf, cmdSlotOffset, &cmd)

	resp, err := c.sendCommand(cmdSlotOffset, uint32(binary.Size(cmd)), respSlotOffset, 24)
	if err != nil {
		return 0, err
	}
	if resp != RespOkNodata {
		return 0, &Error{Op: "CreateResource2D", Kind: ErrProtocol, Details: "device refused resource create"}
	}
	return id, nil
}

func (c *Controller) attachBacking(resourceID uint32, bufPhys uintptr, bufLen uint32) error {
	hdr := GpuResourceAttachBacking{
		Hdr:        GpuCtrlHdr{CtrlType: CmdResourceAttachBacking},
		ResourceID: resourceID,
		NrEntries:  1,
	}
	writeWire(c.dmaBuf, cmdSlotOffset, &hdr)

	entry := GpuMemEntry{Addr: uint64(bufPhys), Length: bufLen}
	entryOff := cmdSlotOffset + binary.Size(hdr)
	writeWire(c.dmaBuf, entryOff, &entry)

	resp, err := c.sendCommand(cmdSlotOffset, uint32(entryOff+binary.Size(entry)-cmdSlotOffset), respSlotOffset, 24)
	if err != nil {
		return err
	}
	if resp != RespOkNodata {
		return &Error{Op: "attachBacking", Kind: ErrProtocol, Details: "device refused attach_backing"}
	}
	return nil
}

func (c *Controller) setScanout(scanoutID, resourceID, w, h uint32) error {
	cmd := GpuSetScanout{
		Hdr:        GpuCtrlHdr{CtrlType: CmdSetScanout},
		R:          GpuRect{X: 0, Y: 0, Width: w, Height: h},
		ScanoutID:  scanoutID,
		ResourceID: resourceID,
	}
	writeWire(c.dmaBuf, cmdSlotOffset, &cmd)

	resp, err := c.sendCommand(cmdSlotOffset, uint32(binary.Size(cmd)), respSlotOffset, 24)
	if err != nil {
		return err
	}
	if resp != RespOkNodata {
		return &Error{Op: "setScanout", Kind: ErrProtocol, Details: "device refused set_scanout"}
	}
	c.scanoutResourceID = resourceID
	return nil
}

// SetupScanout creates a display-sized resource, attaches a CPU-visible
// backing buffer, and binds it as scanout 0. RenderFrame/PresentFrame
// operate on that backing buffer thereafter.
func (c *Controller) SetupScanout() error {
	if !c.initialized {
		return &Error{Op: "SetupScanout", Kind: ErrNotConfigured, Details: "controller not initialized"}
	}
	w, h := c.displayWidth, c.displayHeight

	resourceID, err := c.CreateResource2D(w, h)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	bufBytes := int(w) * int(h) * 4
	raw, phys, err := mmio.AllocPageAligned(bufBytes)
	if err != nil {
		return &Error{Op: "SetupScanout", Kind: ErrAllocFailed, Details: "backing buffer", Err: err}
	}
	c.backing = unsafe.Slice((*uint32)(unsafe.Pointer(&raw[0])), len(raw)/4)
	c.backingPhys = phys

	if err := c.attachBacking(resourceID, phys, uint32(bufBytes)); err != nil {
		return err
	}
	if err := c.setScanout(0, resourceID, w, h); err != nil {
		return err
	}
	return nil
}

// Surface returns a GpuSurface view over the controller's backing buffer
// for the caller to render into before Present.
func (c *Controller) Surface() *GpuSurface {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &GpuSurface{ResourceID: c.scanoutResourceID, Width: c.displayWidth, Height: c.displayHeight, Data: c.backing}
}

// GetDimensions reports the bound scanout's resolution.
func (c *Controller) GetDimensions() (uint32, uint32) { return c.displayWidth, c.displayHeight }

// RenderFrame invokes fn with the backing buffer then presents it.
func (c *Controller) RenderFrame(fn func(buf []uint32, w, h uint32)) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return &Error{Op: "RenderFrame", Kind: ErrNotConfigured, Details: "controller not initialized"}
	}
	fn(c.backing, c.displayWidth, c.displayHeight)
	c.mu.Unlock()
	return c.PresentFrame()
}

// PresentFrame implements the source's batched present: one
// transfer_to_host_2d and one resource_flush submitted as two
// independent chains with a single notify and a two-completion poll.
func (c *Controller) PresentFrame() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rid := c.scanoutResourceID
	if rid == 0 {
		return &Error{Op: "PresentFrame", Kind: ErrNotConfigured, Details: "no scanout bound"}
	}
	w, h := c.displayWidth, c.displayHeight
	dmaPhys := uint64(c.dmaPhys)

	transferCmd := GpuTransferToHost2D{
		Hdr:        GpuCtrlHdr{CtrlType: CmdTransferToHost2D},
		R:          GpuRect{X: 0, Y: 0, Width: w, Height: h},
		Offset:     0,
		ResourceID: rid,
	}
	writeWire(c.dmaBuf, cmdSlotOffset, &transferCmd)
	transferLen := uint32(binary.Size(transferCmd))

	flushCmd := GpuResourceFlush{
		Hdr:        GpuCtrlHdr{CtrlType: CmdResourceFlush},
		R:          GpuRect{X: 0, Y: 0, Width: w, Height: h},
		ResourceID: rid,
	}
	writeWire(c.dmaBuf, flushCmdOffset, &flushCmd)
	flushLen := uint32(binary.Size(flushCmd))

	d0, err := c.controlq.AllocDesc()
	if err != nil {
		return &Error{Op: "PresentFrame", Kind: ErrAllocFailed, Details: "desc 0", Err: err}
	}
	d1, err := c.controlq.AllocDesc()
	if err != nil {
		c.controlq.FreeDesc(d0)
		return &Error{Op: "PresentFrame", Kind: ErrAllocFailed, Details: "desc 1", Err: err}
	}
	d2, err := c.controlq.AllocDesc()
	if err != nil {
		c.controlq.FreeDesc(d0)
		c.controlq.FreeDesc(d1)
		return &Error{Op: "PresentFrame", Kind: ErrAllocFailed, Details: "desc 2", Err: err}
	}
	d3, err := c.controlq.AllocDesc()
	if err != nil {
		c.controlq.FreeDesc(d0)
		c.controlq.FreeDesc(d1)
		c.controlq.FreeDesc(d2)
		return &Error{Op: "PresentFrame", Kind: ErrAllocFailed, Details: "desc 3", Err: err}
	}

	c.controlq.SetDesc(d0, dmaPhys+cmdSlotOffset, transferLen, virtqueue.DescFlagNext, d1)
	c.controlq.SetDesc(d1, dmaPhys+respSlotOffset, 24, virtqueue.DescFlagWrite, 0)
	c.controlq.SetDesc(d2, dmaPhys+flushCmdOffset, flushLen, virtqueue.DescFlagNext, d3)
	c.controlq.SetDesc(d3, dmaPhys+flushRespOffset, 24, virtqueue.DescFlagWrite, 0)

	c.controlq.Submit(d0)
	c.controlq.Submit(d2)
	c.controlq.Notify()

	deadline := time.Now().Add(2 * time.Second)
	completed := 0
	for completed < 2 {
		if _, _, err := c.controlq.PollUsed(deadline.Sub(time.Now())); err == nil {
			completed++
			continue
		}
		c.controlq.FreeDesc(d0)
		c.controlq.FreeDesc(d1)
		c.controlq.FreeDesc(d2)
		c.controlq.FreeDesc(d3)
		return &Error{Op: "PresentFrame", Kind: ErrTimeout, Details: "batched present timeout"}
	}
	c.controlq.FreeDesc(d0)
	c.controlq.FreeDesc(d1)
	c.controlq.FreeDesc(d2)
	c.controlq.FreeDesc(d3)

	tResp := CtrlType(binary.LittleEndian.Uint32(c.dmaBuf[respSlotOffset:]))
	fResp := CtrlType(binary.LittleEndian.Uint32(c.dmaBuf[flushRespOffset:]))
	if tResp != RespOkNodata {
		return &Error{Op: "PresentFrame", Kind: ErrProtocol, Details: "transfer_to_host_2d failed"}
	}
	if fResp != RespOkNodata {
		return &Error{Op: "PresentFrame", Kind: ErrProtocol, Details: "resource_flush failed"}
	}
	return nil
}

func (c *Controller) IsInitialized() bool { return c.initialized }
func (c *Controller) Has3DSupport() bool  { return c.has3D }

// InfoString reports a human-readable summary, a SUPPLEMENTED feature
// grounded on the source's info_string().
func (c *Controller) InfoString() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return "virtio-gpu: not available"
	}
	threeD := "no"
	if c.has3D {
		threeD = "virgl"
	}
	return fmt.Sprintf("virtio-gpu: %dx%d 2d (3d=%s)", c.displayWidth, c.displayHeight, threeD)
}
