//go:build !headless

// playback_host.go - hosted audio sink for demo/manual use, grounded on
// audio_backend_oto.go's OtoPlayer. Real HDA output happens over PCI DMA
// that this process cannot reach directly; HostSink instead lets the
// buffer this driver programs actually be heard on the development
// machine.

package hda

import (
	"sync"

	"github.com/ebitengine/oto/v3"
)

// HostSink mirrors the controller's DMA audio buffer out through the
// host's speakers so PlayTone/WriteSamplesAndPlay are audible without
// real HDA hardware underneath.
type HostSink struct {
	mu     sync.Mutex
	ctx    *oto.Context
	player *oto.Player
	c      *Controller
	pos    int
}

// NewHostSink opens a host audio context at the driver's fixed sample
// rate and wires it to read c's DMA buffer.
func NewHostSink(c *Controller) (*HostSink, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   sampleRateHz,
		ChannelCount: 2,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   4096,
	}
	ctx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, &Error{Op: "NewHostSink", Kind: ErrAllocFailed, Details: "oto context", Err: err}
	}
	<-ready

	hs := &HostSink{ctx: ctx, c: c}
	hs.player = ctx.NewPlayer(hs)
	return hs, nil
}

// Read implements io.Reader, streaming the controller's current DMA
// buffer contents on a loop.
func (hs *HostSink) Read(p []byte) (int, error) {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	hs.c.mu.Lock()
	buf := hs.c.audioBuf
	hs.c.mu.Unlock()

	if len(buf) == 0 {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}
	for i := 0; i < len(p); i++ {
		p[i] = buf[(hs.pos+i)%len(buf)]
	}
	hs.pos = (hs.pos + len(p)) % len(buf)
	return len(p), nil
}

func (hs *HostSink) Start() {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.player.Play()
}

func (hs *HostSink) Close() error {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.player.Close()
}
