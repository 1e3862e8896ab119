package virtiogpu_test

import (
	"testing"

	"github.com/trustos/hwdrivers/virtiogpu"
	"github.com/trustos/hwdrivers/virtiogpu/simhw"
)

func newTestController(t *testing.T) (*virtiogpu.Controller, *simhw.Device) {
	t.Helper()
	dev := simhw.NewDevice(640, 480)
	dev.Start()
	t.Cleanup(dev.Stop)

	c, err := virtiogpu.InitFromPCI(virtiogpu.Config{
		Capabilities: dev.Capabilities(),
		MapBar:       dev.MapBar,
	})
	if err != nil {
		t.Fatalf("InitFromPCI: %v", err)
	}
	return c, dev
}

func TestInitFromPCINegotiatesAndReadsDisplayInfo(t *testing.T) {
	c, _ := newTestController(t)
	if !c.IsInitialized() {
		t.Fatal("expected controller to be initialized")
	}
	w, h := c.GetDimensions()
	if w != 640 || h != 480 {
		t.Fatalf("got dimensions %dx%d, want 640x480", w, h)
	}
	if c.Has3DSupport() {
		t.Fatal("test device does not advertise virgl, Has3DSupport should be false")
	}
}

func TestSetupScanoutAndRenderFrame(t *testing.T) {
	c, _ := newTestController(t)

	if err := c.SetupScanout(); err != nil {
		t.Fatalf("SetupScanout: %v", err)
	}

	surf := c.Surface()
	if surf.Width != 640 || surf.Height != 480 {
		t.Fatalf("surface dims %dx%d, want 640x480", surf.Width, surf.Height)
	}

	const fillColor = 0xFF102030
	err := c.RenderFrame(func(buf []uint32, w, h uint32) {
		surface := virtiogpu.GpuSurface{Width: w, Height: h, Data: buf}
		surface.Clear(fillColor)
	})
	if err != nil {
		t.Fatalf("RenderFrame: %v", err)
	}

	got := c.Surface().GetPixel(10, 10)
	if got != fillColor {
		t.Fatalf("pixel after render = 0x%08x, want 0x%08x", got, fillColor)
	}
}

func TestPresentFrameBatchesTransferAndFlush(t *testing.T) {
	c, _ := newTestController(t)
	if err := c.SetupScanout(); err != nil {
		t.Fatalf("SetupScanout: %v", err)
	}

	c.Surface().FillRect(0, 0, 640, 480, 0xFFFFFFFF)
	if err := c.PresentFrame(); err != nil {
		t.Fatalf("PresentFrame: %v", err)
	}
	// A second present exercises descriptor reuse (AllocDesc/FreeDesc cycling).
	if err := c.PresentFrame(); err != nil {
		t.Fatalf("second PresentFrame: %v", err)
	}
}

func TestPresentFrameRejectsUnboundScanout(t *testing.T) {
	c, _ := newTestController(t)
	if err := c.PresentFrame(); err == nil {
		t.Fatal("expected error presenting before SetupScanout")
	}
}

func TestRenderFrameRejectsUninitializedController(t *testing.T) {
	var c virtiogpu.Controller
	err := c.RenderFrame(func(buf []uint32, w, h uint32) {})
	if err == nil {
		t.Fatal("expected error on zero-value controller")
	}
}

func TestInfoStringReflectsState(t *testing.T) {
	c, _ := newTestController(t)
	if s := c.InfoString(); s == "" {
		t.Fatal("expected non-empty info string")
	}
}
