//go:build !headless

// present_host.go - ebiten-backed hosted scanout preview window
//
// Grounded on video_backend_ebiten.go's EbitenOutput: a background
// ebiten.RunGame goroutine reading a shared, mutex-guarded frame buffer on
// every Draw call. Unlike the teacher's backend this one is a passive
// viewer over a Controller's own backing buffer, not a render target the
// emulated core writes into — PresentFrame still drives the actual device
// protocol, this window only mirrors what landed in the resource.
package virtiogpu

import (
	"sync"

	"github.com/hajimehoshi/ebiten/v2"
)

// PreviewWindow mirrors a Controller's bound scanout in a hosted window,
// for interactive use outside a guest/headless test harness.
type PreviewWindow struct {
	mu      sync.RWMutex
	c       *Controller
	img     *ebiten.Image
	running bool
}

func NewPreviewWindow(c *Controller) *PreviewWindow {
	return &PreviewWindow{c: c}
}

// Start launches the ebiten run loop in a background goroutine. It
// returns once the first Draw call has happened, matching the teacher's
// "wait for first Draw" startup handshake.
func (p *PreviewWindow) Start() error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	w, h := p.c.GetDimensions()
	ebiten.SetWindowSize(int(w), int(h))
	ebiten.SetWindowTitle("virtio-gpu scanout preview")
	ebiten.SetWindowResizable(true)
	p.running = true
	p.mu.Unlock()

	ready := make(chan struct{}, 1)
	go func() {
		_ = ebiten.RunGame(&previewGame{p: p, ready: ready})
	}()
	<-ready
	return nil
}

func (p *PreviewWindow) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

func (p *PreviewWindow) isRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

type previewGame struct {
	p       *PreviewWindow
	ready   chan struct{}
	started bool
}

func (g *previewGame) Update() error {
	if !g.p.isRunning() {
		return ebiten.Termination
	}
	return nil
}

func (g *previewGame) Draw(screen *ebiten.Image) {
	surf := g.p.c.Surface()

	g.p.mu.Lock()
	if g.p.img == nil {
		g.p.img = ebiten.NewImage(int(surf.Width), int(surf.Height))
	}
	g.p.img.WritePixels(argbToRGBA(surf.Data, surf.Width, surf.Height))
	g.p.mu.Unlock()

	screen.DrawImage(g.p.img, nil)

	if !g.started {
		g.started = true
		select {
		case g.ready <- struct{}{}:
		default:
		}
	}
}

func (g *previewGame) Layout(_, _ int) (int, int) {
	w, h := g.p.c.GetDimensions()
	return int(w), int(h)
}

// argbToRGBA converts a GpuSurface's packed 0xAARRGGBB pixels into the
// straight RGBA byte order ebiten.Image.WritePixels expects.
func argbToRGBA(data []uint32, w, h uint32) []byte {
	out := make([]byte, int(w)*int(h)*4)
	for i, px := range data {
		a := byte(px >> 24)
		r := byte(px >> 16)
		g := byte(px >> 8)
		b := byte(px)
		out[i*4+0] = r
		out[i*4+1] = g
		out[i*4+2] = b
		out[i*4+3] = a
	}
	return out
}
