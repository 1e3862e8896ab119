// main.go - hwprobe: a bring-up / smoke-test CLI for the HDA and
// VirtIO-GPU driver packages, mirroring cmd/ie32to64's role as a
// standalone tool built on top of the library packages.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trustos/hwdrivers/hda"
	hdasim "github.com/trustos/hwdrivers/hda/simhw"
	"github.com/trustos/hwdrivers/mmio"
	"github.com/trustos/hwdrivers/virtiogpu"
	gpusim "github.com/trustos/hwdrivers/virtiogpu/simhw"
)

func main() {
	interactive := flag.Bool("interactive", false, "drop into a status console after bring-up")
	script := flag.String("script", "", "path to a Lua scenario script to run after bring-up")
	tone := flag.Float64("tone", 440.0, "test tone frequency in Hz, played during bring-up")
	width := flag.Uint("width", 640, "simulated scanout width")
	height := flag.Uint("height", 480, "simulated scanout height")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: hwprobe [options]\n\nBrings up simulated HDA audio and VirtIO-GPU display controllers\nconcurrently and reports their status.\n\nOptions:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger := log.New(os.Stderr, "hwprobe: ", log.LstdFlags)

	rig, err := bringUp(logger, *width, *height)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bring-up failed: %v\n", err)
		os.Exit(1)
	}
	defer rig.Close()

	if err := rig.hda.PlayTone(*tone, 200); err != nil {
		logger.Printf("test tone failed: %v", err)
	}

	fmt.Println(rig.hda.Status())
	fmt.Println(rig.gpu.InfoString())

	if *script != "" {
		if err := runScript(*script, rig); err != nil {
			fmt.Fprintf(os.Stderr, "script error: %v\n", err)
			os.Exit(1)
		}
	}

	if *interactive {
		if err := runConsole(rig); err != nil {
			fmt.Fprintf(os.Stderr, "console error: %v\n", err)
			os.Exit(1)
		}
	}
}

// rig holds one bring-up session's live controllers and their device
// doubles, together for a single teardown path.
type rig struct {
	hda    *hda.Controller
	hdaDev *hdasim.Device
	sink   *hda.HostSink
	gpu    *virtiogpu.Controller
	gpuDev *gpusim.Device
	win    *virtiogpu.PreviewWindow
}

func (r *rig) Close() {
	if r.win != nil {
		r.win.Stop()
	}
	if r.sink != nil {
		_ = r.sink.Close()
	}
	if r.hdaDev != nil {
		r.hdaDev.Stop()
	}
	if r.gpuDev != nil {
		r.gpuDev.Stop()
	}
}

// bringUp initializes the HDA and VirtIO-GPU controllers concurrently
// against their in-memory device doubles — per spec.md §2, neither
// driver depends on the other, so there is no ordering requirement
// between them.
func bringUp(logger *log.Logger, width, height uint) (*rig, error) {
	r := &rig{}

	g, _ := errgroup.WithContext(context.Background())

	g.Go(func() error {
		dev := hdasim.NewDevice(0x200)
		dev.Start()
		mmio.SetBackend(dev)

		c, err := hda.Init(hda.Config{MMIOBase: 0, MMIOLen: 0x200, Logger: logger})
		if err != nil {
			dev.Stop()
			return fmt.Errorf("hda bring-up: %w", err)
		}
		sink, err := hda.NewHostSink(c)
		if err != nil {
			logger.Printf("hda: no host playback sink available: %v", err)
		} else {
			sink.Start()
		}
		r.hda = c
		r.hdaDev = dev
		r.sink = sink
		return nil
	})

	g.Go(func() error {
		dev := gpusim.NewDevice(uint32(width), uint32(height))
		dev.Start()

		c, err := virtiogpu.InitFromPCI(virtiogpu.Config{
			Capabilities: dev.Capabilities(),
			MapBar:       dev.MapBar,
			Logger:       logger,
		})
		if err != nil {
			dev.Stop()
			return fmt.Errorf("virtio-gpu bring-up: %w", err)
		}
		if err := c.SetupScanout(); err != nil {
			dev.Stop()
			return fmt.Errorf("virtio-gpu scanout: %w", err)
		}
		r.gpu = c
		r.gpuDev = dev
		r.win = virtiogpu.NewPreviewWindow(c)
		return nil
	})

	if err := g.Wait(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// waitForQuiesce gives the background device-double goroutines time to
// settle before the caller probes status registers, used by the
// interactive console's "status" command and the script's status().
func waitForQuiesce() {
	time.Sleep(2 * time.Millisecond)
}
