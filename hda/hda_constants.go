// hda_constants.go - Intel HDA register offsets, bit fields and verb IDs
//
// Grounded on original_source/kernel/src/drivers/hda.rs's reg/sd/gctl/
// sctl/ssts/verb modules.

package hda

// Controller-wide register offsets (module reg in the source).
const (
	regGCAP     = 0x00
	regVMIN     = 0x02
	regVMAJ     = 0x03
	regGCTL     = 0x08
	regSTATESTS = 0x0E
	regCORBLBASE = 0x40
	regCORBUBASE = 0x44
	regCORBWP    = 0x48
	regCORBRP    = 0x4A
	regCORBCTL   = 0x4C
	regCORBSIZE  = 0x4E
	regRIRBLBASE = 0x50
	regRIRBUBASE = 0x54
	regRIRBWP    = 0x58
	regRINTCNT   = 0x5A
	regRIRBCTL   = 0x5C
	regRIRBSIZE  = 0x5E

	sdBase = 0x80
	sdSize = 0x20
)

// Stream-descriptor-relative offsets (module sd in the source).
const (
	sdCTL   = 0x00
	sdSTS   = 0x03
	sdLPIB  = 0x04
	sdCBL   = 0x08
	sdLVI   = 0x0C
	sdFIFOS = 0x10
	sdFMT   = 0x12
	sdBDLPL = 0x18
	sdBDLPU = 0x1C
)

// GCTL bits.
const (
	gctlCRST  uint32 = 1 << 0
	gctlUNSOL uint32 = 1 << 8
)

// Stream control bits (module sctl in the source).
const (
	sctlRUN  uint32 = 1 << 1
	sctlIOCE uint32 = 1 << 2
	sctlSRST uint32 = 1 << 0
)

// Stream status bits (module ssts in the source).
const (
	sstsBCIS uint8 = 1 << 2
	sstsFIFOE uint8 = 1 << 3
	sstsDESE  uint8 = 1 << 4
)

// CORB/RIRB ring-control bits.
const (
	corbctlRun uint8 = 1 << 1
	rirbctlRun uint8 = 1 << 1

	corbRPReset uint16 = 1 << 15
)

// Codec-verb constants (module verb in the source).
const (
	verbGetParameter      = 0xF00
	verbGetConnList       = 0xF02
	verbGetConnSelect     = 0x701
	verbSetConnSelect     = 0x701
	verbSetPinControl     = 0x707
	verbGetPinControl     = 0x707
	verbSetAmpGainMute    = 0x3
	verbSetChannelStream  = 0x706
	verbSetStreamFormat   = 0x2
	verbGetConfigDefault  = 0xF1C
	verbSetPowerState     = 0x705
	verbGetEAPD           = 0xF0C
	verbSetEAPD           = 0x70C

	paramVendorID    = 0x00
	paramNodeCount   = 0x04
	paramFuncGrpType = 0x05
	paramAudioWcap   = 0x09
	paramAmpInCap    = 0x0D
	paramAmpOutCap   = 0x12
)

// Widget capability bits (bits 23:20 select the widget type nibble).
const (
	wcapTypeShift = 20
	wcapTypeMask  = 0xF
)

// Pin default-device codes (config-default bits 23:20).
const (
	devLineOut  = 0
	devSpeaker  = 1
	devHPOut    = 2
	devSPDIFOut = 5
)

// Pin connectivity (config-default bits 31:30); 1 == "no physical
// connection".
const connNone = 1

// ampGainMuteOutput selects the output-amp side of SET_AMP_GAIN_MUTE's
// payload (bit 15).
const ampGainMuteOutput uint16 = 1 << 15
const ampGainMuteLeft uint16 = 1 << 13
const ampGainMuteRight uint16 = 1 << 12
const ampGainMaxGain uint16 = 0x7F

// streamFormat48kHz16bitStereo is the wire value for 48 kHz, 16-bit,
// 2-channel PCM (base rate=0, mult=x1, div=/1, bits=001, chans=0001).
const streamFormat48kHz16bitStereo uint16 = 0x0011

const eapdEnableBit uint8 = 1 << 1

const pinControlOutputHPEnable uint8 = 0xC0

// Timing budgets (generous, bounded; exact counts are implementation-
// defined per spec.md §9).
const (
	resetPollIterations = 1000
	resetPollDelay      = 10 // microseconds
	codecWaitDelay       = 600 // microseconds
	rirbPollIterations   = 10000
	rirbPollDelay        = 10 // microseconds
)

const maxCodecs = 15 // STATESTS carries bits 0..14
