// virtiogpu_constants.go - VirtIO-GPU PCI/transport constants
//
// Grounded on original_source/kernel/src/drivers/virtio_gpu.rs's
// virtio_cap/dev_status/features/common_cfg/gpu_cfg modules.

package virtiogpu

// PCI capability types (module virtio_cap in the source).
const (
	CapCommonCfg uint8 = 1
	CapNotifyCfg uint8 = 2
	CapISRCfg    uint8 = 3
	CapDeviceCfg uint8 = 4
	CapPCICfg    uint8 = 5
)

// VirtIO device status bits (module dev_status).
const (
	statusAcknowledge uint8 = 1
	statusDriver      uint8 = 2
	statusDriverOK    uint8 = 4
	statusFeaturesOK  uint8 = 8
	statusFailed      uint8 = 128
)

// VirtIO GPU feature bits (module features).
const (
	featureVirgl       uint64 = 1 << 0
	featureEDID        uint64 = 1 << 1
	featureVersion1    uint64 = 1 << 32
)

// GpuCtrlType command/response codes.
type CtrlType uint32

const (
	CmdGetDisplayInfo        CtrlType = 0x0100
	CmdResourceCreate2D      CtrlType = 0x0101
	CmdResourceUnref         CtrlType = 0x0102
	CmdSetScanout            CtrlType = 0x0103
	CmdResourceFlush         CtrlType = 0x0104
	CmdTransferToHost2D      CtrlType = 0x0105
	CmdResourceAttachBacking CtrlType = 0x0106
	CmdResourceDetachBacking CtrlType = 0x0107
	CmdGetCapsetInfo         CtrlType = 0x0108
	CmdGetCapset             CtrlType = 0x0109
	CmdGetEDID               CtrlType = 0x010a

	RespOkNodata          CtrlType = 0x1100
	RespOkDisplayInfo     CtrlType = 0x1101
	RespOkCapsetInfo      CtrlType = 0x1102
	RespOkCapset          CtrlType = 0x1103
	RespOkEDID            CtrlType = 0x1104
	RespErrUnspec         CtrlType = 0x1200
	RespErrOutOfMemory    CtrlType = 0x1201
	RespErrInvalidScanout CtrlType = 0x1202
)

// GpuFormat pixel formats.
type Format uint32

const (
	FormatB8G8R8A8Unorm Format = 1
	FormatB8G8R8X8Unorm Format = 2
)

// Common config offsets (VirtIO PCI modern transport).
const (
	ccDeviceFeatureSelect = 0x00
	ccDeviceFeature       = 0x04
	ccDriverFeatureSelect = 0x08
	ccDriverFeature       = 0x0C
	ccDeviceStatus        = 0x14
	ccQueueSelect         = 0x16
	ccQueueSize           = 0x18
	ccQueueMSIXVector     = 0x1A
	ccQueueEnable         = 0x1C
	ccQueueNotifyOff      = 0x1E
	ccQueueDesc           = 0x20
	ccQueueDriver         = 0x28
	ccQueueDevice         = 0x30
)

// GPU device config offsets.
const (
	gpuCfgNumScanouts = 0x08
	gpuCfgNumCapsets  = 0x0C
)

// respSlotOffset/flushRespOffset/controlq sizing: the command buffer layout
// used for every synchronous request and for the batched present (which
// needs two independent command+response slots live at once).
const (
	dmaBufSize       = 8192
	cmdSlotOffset    = 0
	respSlotOffset   = 512
	flushCmdOffset   = 256
	flushRespOffset  = 768
	maxControlqSize  = 64
	commandTimeout   = 5_000_000 // spin-loop iterations, mirrors original_source's budget
)
