//go:build headless

// playback_headless.go - no-op HostSink for headless builds (CI, servers
// without an audio device), grounded on audio_backend_headless.go.

package hda

// HostSink is a no-op stand-in when built with -tags headless.
type HostSink struct{}

func NewHostSink(c *Controller) (*HostSink, error) {
	return &HostSink{}, nil
}

func (hs *HostSink) Start()       {}
func (hs *HostSink) Close() error { return nil }
