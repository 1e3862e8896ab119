//go:build headless

// present_headless.go - no-op scanout preview stub
//
// Grounded on video_backend_headless.go's HeadlessVideoOutput.
package virtiogpu

type PreviewWindow struct {
	running bool
}

func NewPreviewWindow(c *Controller) *PreviewWindow { return &PreviewWindow{} }

func (p *PreviewWindow) Start() error {
	p.running = true
	return nil
}

func (p *PreviewWindow) Stop() {
	p.running = false
}
