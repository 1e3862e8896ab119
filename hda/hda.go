// hda.go - Intel HDA controller bring-up, CORB/RIRB transport, widget
// discovery, output-path discovery and stream-descriptor DMA playback.
//
// Grounded method-for-method on original_source/kernel/src/drivers/hda.rs;
// code shape (mutex-guarded controller struct, log.Logger field, atomic
// status flags) grounded on audio_chip.go / audio_backend_oto.go.

package hda

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trustos/hwdrivers/mmio"
)

const (
	defaultFragSize  = 16 * 1024
	defaultNumFrags  = 2
	bdlAlignment     = 128
	sampleRateHz     = 48000
	bytesPerFrame    = 4 // 16-bit stereo
)

// Config parameters for a single controller's bring-up.
type Config struct {
	MMIOBase uintptr
	MMIOLen  int
	Logger   *log.Logger
}

// Controller exclusively owns one HDA controller's MMIO window, CORB/RIRB
// rings, one output audio buffer, one BDL, and the widget graph it
// discovers. All public methods are serialized by mu.
type Controller struct {
	mu sync.Mutex

	logger *log.Logger
	reg    mmio.Region

	numOSS, numISS, numBSS int
	addr64                 bool

	corbEntries int
	corbMem     []byte
	corbPhys    uintptr
	rirbEntries int
	rirbMem     []byte
	rirbPhys    uintptr
	rirbRP      uint16

	codecs      []uint8
	widgets     []Widget
	outputPaths []AudioPath

	streamTag uint8
	audioBuf  []byte
	audioPhys uintptr
	bdlMem    []byte
	bdlPhys   uintptr
	numFrags  int
	fragSize  int

	playing    atomic.Bool
	initialized atomic.Bool
}

// Init brings up a controller from a mapped BAR0, following
// original_source/hda.rs::init: enable handled by caller's PCI layer (out
// of scope, see SPEC_FULL.md §1); this function starts at BAR mapping.
func Init(cfg Config) (*Controller, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}

	reg, err := mmio.MapMMIO(cfg.MMIOBase, cfg.MMIOLen)
	if err != nil {
		return nil, &Error{Op: "Init", Kind: ErrMappingFailed, Details: "BAR0 map failed", Err: err}
	}

	c := &Controller{logger: logger, reg: reg}

	gcap := reg.Read16(regGCAP)
	c.numOSS = int((gcap >> 12) & 0xF)
	c.numISS = int((gcap >> 8) & 0xF)
	c.numBSS = int((gcap >> 3) & 0x1F)
	c.addr64 = gcap&0x1 != 0

	if c.numOSS < 1 {
		return nil, &Error{Op: "Init", Kind: ErrProtocol, Details: "controller reports zero output streams"}
	}

	if err := c.reset(); err != nil {
		return nil, err
	}
	if err := c.setupCorbRirb(); err != nil {
		return nil, err
	}
	if err := c.discoverCodecs(); err != nil {
		return nil, err
	}
	if err := c.findOutputPaths(); err != nil {
		return nil, err
	}
	if err := c.setupOutputStream(); err != nil {
		return nil, err
	}

	c.initialized.Store(true)
	logger.Printf("hda: initialized, oss=%d codecs=%d paths=%d", c.numOSS, len(c.codecs), len(c.outputPaths))
	return c, nil
}

func (c *Controller) IsInitialized() bool { return c.initialized.Load() }

// reset implements spec.md §4.3.1 step 4.
func (c *Controller) reset() error {
	c.reg.Write16(regSTATESTS, 0xFFFF)

	gctl := c.reg.Read32(regGCTL)
	c.reg.Write32(regGCTL, gctl&^gctlCRST)
	if !c.pollUntil(resetPollIterations, func() bool { return c.reg.Read32(regGCTL)&gctlCRST == 0 }) {
		return &Error{Op: "reset", Kind: ErrResetTimeout, Details: "CRST did not clear"}
	}

	gctl = c.reg.Read32(regGCTL)
	c.reg.Write32(regGCTL, gctl|gctlCRST)
	if !c.pollUntil(resetPollIterations, func() bool { return c.reg.Read32(regGCTL)&gctlCRST != 0 }) {
		return &Error{Op: "reset", Kind: ErrResetTimeout, Details: "CRST did not set"}
	}

	delayMicros(codecWaitDelay)

	gctl = c.reg.Read32(regGCTL)
	c.reg.Write32(regGCTL, gctl|gctlUNSOL)
	return nil
}

func (c *Controller) pollUntil(iterations int, cond func() bool) bool {
	for i := 0; i < iterations; i++ {
		if cond() {
			return true
		}
		delayMicros(resetPollDelay)
	}
	return cond()
}

var delayMicros = func(us int) {
	time.Sleep(time.Duration(us) * time.Microsecond)
}

// setupCorbRirb implements spec.md §4.3.2.
func (c *Controller) setupCorbRirb() error {
	corbCap := c.reg.Read8(regCORBSIZE)
	corbSel, corbEntries := sizeFromCap(corbCap)
	c.reg.Write8(regCORBSIZE, corbSel)
	c.corbEntries = corbEntries

	rirbCap := c.reg.Read8(regRIRBSIZE)
	rirbSel, rirbEntries := sizeFromCap(rirbCap)
	c.reg.Write8(regRIRBSIZE, rirbSel)
	c.rirbEntries = rirbEntries

	corbMem, corbPhys, err := mmio.AllocPageAligned(c.corbEntries * 4)
	if err != nil {
		return &Error{Op: "setupCorbRirb", Kind: ErrAllocFailed, Details: "CORB alloc", Err: err}
	}
	rirbMem, rirbPhys, err := mmio.AllocPageAligned(c.rirbEntries * 8)
	if err != nil {
		return &Error{Op: "setupCorbRirb", Kind: ErrAllocFailed, Details: "RIRB alloc", Err: err}
	}
	c.corbMem, c.corbPhys = corbMem, corbPhys
	c.rirbMem, c.rirbPhys = rirbMem, rirbPhys

	c.reg.Write32(regCORBLBASE, uint32(corbPhys))
	c.reg.Write32(regCORBUBASE, uint32(corbPhys>>32))
	c.reg.Write32(regRIRBLBASE, uint32(rirbPhys))
	c.reg.Write32(regRIRBUBASE, uint32(rirbPhys>>32))

	c.reg.Write16(regCORBRP, corbRPReset)
	c.reg.Write16(regCORBWP, 0)
	c.reg.Write16(regRIRBWP, 0)
	c.reg.Write16(regRINTCNT, 1)

	c.reg.Write8(regCORBCTL, corbctlRun)
	c.reg.Write8(regRIRBCTL, rirbctlRun)

	c.rirbRP = 0
	return nil
}

// sizeFromCap picks the largest ring size CORBSIZE/RIRBSIZE's capability
// bits [7:4] advertise (spec.md §4.3.2), returning both the selector to
// write back into bits [1:0] and the resulting entry count.
func sizeFromCap(cap uint8) (sel uint8, entries int) {
	switch {
	case cap&0x40 != 0:
		return 2, 256
	case cap&0x20 != 0:
		return 1, 16
	default:
		return 0, 2
	}
}

// sendVerb implements spec.md §4.3.3: submit a 32-bit command word and
// poll for its response.
func (c *Controller) sendVerb(cmd uint32) (uint32, error) {
	wp := c.reg.Read16(regCORBWP)
	nextWP := (wp + 1) % uint16(c.corbEntries)
	writeCorbSlot(c.corbMem, int(nextWP), cmd)
	c.reg.Write16(regCORBWP, nextWP)

	for i := 0; i < rirbPollIterations; i++ {
		rirbWP := c.reg.Read16(regRIRBWP)
		if rirbWP != c.rirbRP {
			next := (c.rirbRP + 1) % uint16(c.rirbEntries)
			resp, respEx := readRirbSlot(c.rirbMem, int(next))
			c.rirbRP = next
			_ = respEx // status byte available for unsol/valid-response checks
			return resp, nil
		}
		delayMicros(rirbPollDelay)
	}
	return 0, &Error{Op: "sendVerb", Kind: ErrTimeout, Details: "no RIRB response"}
}

func writeCorbSlot(mem []byte, idx int, v uint32) {
	off := idx * 4
	mem[off] = byte(v)
	mem[off+1] = byte(v >> 8)
	mem[off+2] = byte(v >> 16)
	mem[off+3] = byte(v >> 24)
}

func readRirbSlot(mem []byte, idx int) (resp uint32, respEx uint32) {
	off := idx * 8
	resp = uint32(mem[off]) | uint32(mem[off+1])<<8 | uint32(mem[off+2])<<16 | uint32(mem[off+3])<<24
	respEx = uint32(mem[off+4]) | uint32(mem[off+5])<<8 | uint32(mem[off+6])<<16 | uint32(mem[off+7])<<24
	return
}

// codecCmd builds and sends a 12-bit-verb command word:
// [31:28]=codec, [27:20]=nid, [19:8]=verb, [7:0]=payload.
func (c *Controller) codecCmd(codec uint8, nid uint16, verb uint16, payload uint8) (uint32, error) {
	cmd := uint32(codec&0xF)<<28 | uint32(nid&0xFF)<<20 | uint32(verb&0xFFF)<<8 | uint32(payload)
	return c.sendVerb(cmd)
}

// setVerb16 builds and sends a 4-bit-verb command carrying a 16-bit
// payload: [19:16]=verb, [15:0]=payload. See DESIGN.md Open Question #1:
// this builds the 20-bit word directly instead of the source's
// set_verb_16 two-step quirk.
func (c *Controller) setVerb16(codec uint8, nid uint16, verb uint8, payload uint16) (uint32, error) {
	cmd := uint32(codec&0xF)<<28 | uint32(nid&0xFF)<<20 | uint32(verb&0xF)<<16 | uint32(payload)
	return c.sendVerb(cmd)
}

func (c *Controller) getParam(codec uint8, nid uint16, param uint8) (uint32, error) {
	return c.codecCmd(codec, nid, verbGetParameter, param)
}

// discoverCodecs implements spec.md §4.3.1 step 5 + §4.3.4.
func (c *Controller) discoverCodecs() error {
	statests := c.reg.Read16(regSTATESTS)
	for addr := uint8(0); addr < maxCodecs; addr++ {
		if statests&(1<<addr) == 0 {
			continue
		}
		c.codecs = append(c.codecs, addr)
		if err := c.walkCodec(addr); err != nil {
			return err
		}
	}
	if len(c.codecs) == 0 {
		return &Error{Op: "discoverCodecs", Kind: ErrProtocol, Details: "no codec present bits set in STATESTS"}
	}
	return nil
}

func (c *Controller) walkCodec(addr uint8) error {
	nodeCountWord, err := c.getParam(addr, 0, paramNodeCount)
	if err != nil {
		return err
	}
	fgStart := uint16(nodeCountWord >> 16)
	fgCount := uint16(nodeCountWord & 0xFF)

	for fg := fgStart; fg < fgStart+fgCount; fg++ {
		fgType, err := c.getParam(addr, fg, paramFuncGrpType)
		if err != nil {
			return err
		}
		if fgType&0xFF != 1 { // Audio function group
			continue
		}
		if _, err := c.codecCmd(addr, fg, verbSetPowerState, 0); err != nil {
			return err
		}

		wcWord, err := c.getParam(addr, fg, paramNodeCount)
		if err != nil {
			return err
		}
		wStart := uint16(wcWord >> 16)
		wCount := uint16(wcWord & 0xFF)

		for nid := wStart; nid < wStart+wCount; nid++ {
			w, err := c.readWidget(addr, nid)
			if err != nil {
				return err
			}
			c.widgets = append(c.widgets, w)
		}
	}
	return nil
}

func (c *Controller) readWidget(addr uint8, nid uint16) (Widget, error) {
	caps, err := c.getParam(addr, nid, paramAudioWcap)
	if err != nil {
		return Widget{}, err
	}
	w := Widget{CodecAddr: addr, NID: nid, Caps: caps, Type: widgetTypeFromCaps(caps)}

	connResp, err := c.codecCmd(addr, nid, verbGetConnList, 0)
	if err == nil {
		for i := 0; i < 4; i++ {
			entry := uint16(connResp>>(8*uint(i))) & 0xFF
			if entry != 0 {
				w.Connections = append(w.Connections, entry)
			}
		}
	}

	if w.Type == WidgetPinComplex {
		if cfgWord, err := c.codecCmd(addr, nid, verbGetConfigDefault, 0); err == nil {
			w.PinConfig = cfgWord
		}
	}

	if caps&(1<<1) != 0 { // has output amp, per AUDIO_WIDGET_CAP_OUT_AMP bit
		if ampCaps, err := c.getParam(addr, nid, paramAmpOutCap); err == nil {
			w.AmpOutCaps = ampCaps
		}
	}
	if caps&(1<<2) != 0 { // has input amp
		if ampCaps, err := c.getParam(addr, nid, paramAmpInCap); err == nil {
			w.AmpInCaps = ampCaps
		}
	}

	return w, nil
}

// findOutputPaths implements spec.md §4.3.5: DFS with cycle detection from
// every eligible output pin to the first reachable AudioOut widget.
func (c *Controller) findOutputPaths() error {
	byNID := make(map[uint16]*Widget, len(c.widgets))
	for i := range c.widgets {
		byNID[c.widgets[i].NID] = &c.widgets[i]
	}

	for _, w := range c.widgets {
		if !w.isEligibleOutputPin() {
			continue
		}
		visited := map[uint16]bool{w.NID: true}
		if dac, path, ok := traceToDAC(byNID, w.Connections, visited); ok {
			c.outputPaths = append(c.outputPaths, AudioPath{
				PinNID:       w.NID,
				DACNID:       dac,
				Intermediate: path,
				DeviceLabel:  w.pinDeviceLabel(),
			})
		}
	}

	if len(c.outputPaths) == 0 {
		return &Error{Op: "findOutputPaths", Kind: ErrNoOutputPath, Details: "no pin reaches an AudioOut widget"}
	}
	return nil
}

func traceToDAC(byNID map[uint16]*Widget, candidates []uint16, visited map[uint16]bool) (dac uint16, path []uint16, ok bool) {
	for _, nid := range candidates {
		if visited[nid] {
			continue
		}
		visited[nid] = true
		w, found := byNID[nid]
		if !found {
			continue
		}
		if w.Type == WidgetAudioOut {
			return nid, []uint16{nid}, true
		}
		if d, p, found := traceToDAC(byNID, w.Connections, visited); found {
			return d, append([]uint16{nid}, p...), true
		}
	}
	return 0, nil, false
}

// setupOutputStream implements spec.md §4.3.6.
func (c *Controller) setupOutputStream() error {
	path := c.outputPaths[0]
	codec := c.codecs[0]
	c.streamTag = 1

	allNIDs := append([]uint16{path.PinNID}, path.Intermediate...)
	for _, nid := range allNIDs {
		if _, err := c.codecCmd(codec, nid, verbSetPowerState, 0); err != nil {
			return err
		}
	}

	if _, err := c.codecCmd(codec, path.PinNID, verbSetPinControl, pinControlOutputHPEnable); err != nil {
		return err
	}
	eapdResp, err := c.codecCmd(codec, path.PinNID, verbGetEAPD, 0)
	if err == nil {
		newEAPD := uint8(eapdResp) | eapdEnableBit
		if _, err := c.codecCmd(codec, path.PinNID, verbSetEAPD, newEAPD); err != nil {
			return err
		}
	}

	if err := c.setStreamFormat(codec, path.DACNID); err != nil {
		return err
	}
	if _, err := c.codecCmd(codec, path.DACNID, verbSetChannelStream, c.streamTag<<4); err != nil {
		return err
	}

	for _, nid := range allNIDs {
		w := c.findWidget(nid)
		if w == nil || !w.hasOutputAmp() {
			continue
		}
		leftPayload := ampGainMuteOutput | ampGainMuteLeft | ampGainMaxGain
		rightPayload := ampGainMuteOutput | ampGainMuteRight | ampGainMaxGain
		if _, err := c.setVerb16(codec, nid, verbSetAmpGainMute, leftPayload); err != nil {
			return err
		}
		if _, err := c.setVerb16(codec, nid, verbSetAmpGainMute, rightPayload); err != nil {
			return err
		}
	}

	return c.setupStreamDescriptor()
}

// setStreamFormat builds the 20-bit SET_STREAM_FORMAT command word
// directly: DESIGN.md Open Question #1.
func (c *Controller) setStreamFormat(codec uint8, dacNID uint16) error {
	cmd := uint32(codec&0xF)<<28 | uint32(dacNID&0xFF)<<20 | uint32(verbSetStreamFormat)<<16 | uint32(streamFormat48kHz16bitStereo)
	_, err := c.sendVerb(cmd)
	return err
}

func (c *Controller) findWidget(nid uint16) *Widget {
	for i := range c.widgets {
		if c.widgets[i].NID == nid {
			return &c.widgets[i]
		}
	}
	return nil
}

// setupStreamDescriptor implements the DMA-ring half of spec.md §4.3.6.
func (c *Controller) setupStreamDescriptor() error {
	sd := uintptr(sdBase) // stream 0
	ctl := c.reg.Read32(sd + sdCTL)
	c.reg.Write32(sd+sdCTL, ctl|sctlSRST)
	c.pollUntil(resetPollIterations, func() bool { return c.reg.Read32(sd+sdCTL)&sctlSRST != 0 })
	c.reg.Write32(sd+sdCTL, ctl&^sctlSRST)
	c.pollUntil(resetPollIterations, func() bool { return c.reg.Read32(sd+sdCTL)&sctlSRST == 0 })

	c.numFrags = defaultNumFrags
	c.fragSize = defaultFragSize
	totalSize := c.numFrags * c.fragSize

	audioBuf, audioPhys, err := mmio.AllocPageAligned(totalSize)
	if err != nil {
		return &Error{Op: "setupStreamDescriptor", Kind: ErrAllocFailed, Details: "audio buffer alloc", Err: err}
	}
	c.audioBuf, c.audioPhys = audioBuf, audioPhys

	bdlMem, bdlPhys, err := mmio.AllocPageAligned(c.numFrags * 16)
	if err != nil {
		return &Error{Op: "setupStreamDescriptor", Kind: ErrAllocFailed, Details: "BDL alloc", Err: err}
	}
	c.bdlMem, c.bdlPhys = bdlMem, bdlPhys

	for i := 0; i < c.numFrags; i++ {
		entryAddr := uint64(audioPhys) + uint64(i*c.fragSize)
		writeBDLEntry(bdlMem, i, entryAddr, uint32(c.fragSize), 1)
	}

	cbl := uint32(totalSize)
	lvi := uint16(c.numFrags - 1)
	c.reg.Write32(sd+sdCBL, cbl)
	c.reg.Write16(sd+sdLVI, lvi)
	c.reg.Write16(sd+sdFMT, streamFormat48kHz16bitStereo)
	c.reg.Write32(sd+sdBDLPL, uint32(bdlPhys))
	c.reg.Write32(sd+sdBDLPU, uint32(uint64(bdlPhys)>>32))

	ctl = c.reg.Read32(sd + sdCTL)
	ctl = (ctl &^ (0xF << 20)) | uint32(c.streamTag)<<20
	c.reg.Write32(sd+sdCTL, ctl)
	return nil
}

func writeBDLEntry(mem []byte, idx int, addr uint64, length uint32, ioc uint32) {
	off := idx * 16
	putU64(mem, off, addr)
	putU32(mem, off+8, length)
	putU32(mem, off+12, ioc)
}

func putU32(mem []byte, off int, v uint32) {
	mem[off] = byte(v)
	mem[off+1] = byte(v >> 8)
	mem[off+2] = byte(v >> 16)
	mem[off+3] = byte(v >> 24)
}

func putU64(mem []byte, off int, v uint64) {
	putU32(mem, off, uint32(v))
	putU32(mem, off+4, uint32(v>>32))
}

// fillTone implements spec.md §4.3.7's fill_tone: a deterministic
// triangle-approximated sine at freqHz, stereo-duplicated 16-bit.
func (c *Controller) fillTone(freqHz float64, durationMS int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	totalSamples := len(c.audioBuf) / bytesPerFrame
	period := float64(sampleRateHz) / freqHz
	half := period / 2
	quarter := period / 4

	for i := 0; i < totalSamples; i++ {
		phase := float64(i)
		var sample float64
		m := mod(phase, period)
		switch {
		case m < quarter:
			sample = m / quarter
		case m < half+quarter:
			sample = 1 - (m-quarter)/quarter
		default:
			sample = -1 + (m-half-quarter)/quarter
		}
		v := int16(sample * 32767)
		off := i * bytesPerFrame
		putI16(c.audioBuf, off, v)
		putI16(c.audioBuf, off+2, v)
	}
}

func mod(a, b float64) float64 {
	m := a
	for m >= b {
		m -= b
	}
	return m
}

func putI16(mem []byte, off int, v int16) {
	mem[off] = byte(v)
	mem[off+1] = byte(v >> 8)
}

// PlayTone fills the buffer with a tone and plays it for durationMS,
// blocking until playback completes.
func (c *Controller) PlayTone(freqHz float64, durationMS int) error {
	if !c.IsInitialized() {
		return &Error{Op: "PlayTone", Kind: ErrNotConfigured, Details: "controller not initialized"}
	}
	c.fillTone(freqHz, durationMS)
	return c.playAndWait(durationMS)
}

// WriteSamplesAndPlay copies interleaved stereo samples into the audio
// buffer, zeroes the remainder, and plays for durationMS.
func (c *Controller) WriteSamplesAndPlay(samples []int16, durationMS int) error {
	if !c.IsInitialized() {
		return &Error{Op: "WriteSamplesAndPlay", Kind: ErrNotConfigured, Details: "controller not initialized"}
	}
	c.mu.Lock()
	n := copy(c.audioBuf, asBytes(samples))
	for i := n; i < len(c.audioBuf); i++ {
		c.audioBuf[i] = 0
	}
	c.mu.Unlock()
	return c.playAndWait(durationMS)
}

func asBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		putI16(out, i*2, s)
	}
	return out
}

func (c *Controller) playAndWait(durationMS int) error {
	if err := c.play(true); err != nil {
		return err
	}
	targetBytes := uint32(durationMS) * sampleRateHz * bytesPerFrame / 1000
	deadline := time.Now().Add(time.Duration(durationMS) * time.Millisecond * 2)
	for c.streamPosition() < targetBytes && time.Now().Before(deadline) {
		time.Sleep(100 * time.Microsecond)
	}
	return c.play(false)
}

// play implements spec.md §4.3.7's start/stop.
func (c *Controller) play(start bool) error {
	sd := uintptr(sdBase)
	if start {
		c.reg.Write8(sd+sdSTS, sstsBCIS|sstsFIFOE|sstsDESE)
		ctl := c.reg.Read32(sd + sdCTL)
		c.reg.Write32(sd+sdCTL, ctl|sctlRUN|sctlIOCE)
		c.playing.Store(true)
	} else {
		ctl := c.reg.Read32(sd + sdCTL)
		c.reg.Write32(sd+sdCTL, ctl&^sctlRUN)
		c.playing.Store(false)
	}
	return nil
}

func (c *Controller) Stop() error {
	if !c.IsInitialized() {
		return &Error{Op: "Stop", Kind: ErrNotConfigured, Details: "controller not initialized"}
	}
	return c.play(false)
}

func (c *Controller) IsPlaying() bool { return c.playing.Load() }

// streamPosition reads LPIB, the link position in the DMA buffer.
func (c *Controller) streamPosition() uint32 {
	return c.reg.Read32(uintptr(sdBase) + sdLPIB)
}

// Status reports a human-readable bring-up summary.
func (c *Controller) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := "uninitialized"
	if c.initialized.Load() {
		state = "ready"
	}
	playState := "stopped"
	if c.playing.Load() {
		playState = "playing"
	}
	return fmt.Sprintf("hda: %s, codecs=%d widgets=%d paths=%d stream=%s",
		state, len(c.codecs), len(c.widgets), len(c.outputPaths), playState)
}
