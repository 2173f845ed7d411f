// Package daemon wires the mailbox, the device registry and every
// declared device's back-end together and runs the dispatch loop until
// asked to stop.
//
// The three-phase Init/Run/Shutdown lifecycle mirrors bobuhiro11-gokvm's
// vmm.VMM (Init builds the machine, Setup/Boot load and run it); this
// daemon collapses Setup into Init since there is no kernel image to load,
// and Boot becomes Run. Debug-endpoint wiring (fgprof, net/http/pprof,
// mkevac/debugcharts) and github.com/pkg/profile-driven CPU/heap profiling
// are new ambient concerns the boot path has no analog for, added here
// because spec.md's own Non-goals only exclude guest-visible metrics, not
// operator-facing ones.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof" // self-registers its handlers on http.DefaultServeMux
	"os"

	"github.com/felixge/fgprof"
	_ "github.com/mkevac/debugcharts" // self-registers /debug/charts/ on http.DefaultServeMux
	"github.com/pkg/profile"
	"golang.org/x/sync/errgroup"

	"github.com/hvisor-tool/virtiod/backend/blk"
	"github.com/hvisor-tool/virtiod/backend/console"
	"github.com/hvisor-tool/virtiod/backend/net"
	"github.com/hvisor-tool/virtiod/bridge"
	"github.com/hvisor-tool/virtiod/config"
	"github.com/hvisor-tool/virtiod/device"
	"github.com/hvisor-tool/virtiod/dispatch"
	"github.com/hvisor-tool/virtiod/gpa"
	"github.com/hvisor-tool/virtiod/internal/xlog"
)

// queueLayout gives each device class its conventional queue count and
// per-queue maximum size, matching what a Linux guest driver for that
// class negotiates.
var queueLayout = map[device.Type]struct {
	numQueues int
	queueMax  uint32
}{
	device.TypeBlock:   {numQueues: 1, queueMax: 256},
	device.TypeNet:     {numQueues: 2, queueMax: 256},
	device.TypeConsole: {numQueues: 2, queueMax: 128},
}

// Daemon owns the mailbox, the registry and the dispatcher for one run of
// the process.
type Daemon struct {
	cli *config.CLI

	bridge     *bridge.Bridge
	registry   *device.Registry
	dispatcher *dispatch.Dispatcher

	stopProfile func()
	debugSrv    *http.Server
}

// New constructs a Daemon from parsed configuration; Init does the actual
// opening of host resources.
func New(cli *config.CLI) *Daemon {
	return &Daemon{cli: cli}
}

// Init opens the mailbox, maps the guest window, builds every declared
// device and its back-end, and publishes their MMIO addresses, in the
// same order virtio_start takes in original_source: every address is
// written to mmio_addrs before mmio_avail is flipped.
func (d *Daemon) Init(specs []config.DeviceSpec) error {
	if d.cli.LogFile != "" {
		f, err := os.OpenFile(d.cli.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("daemon: open log file: %w", err)
		}

		xlog.AddFile(f, xlog.LevelWarn)
	}

	xlog.SetLevel(xlog.ParseLevel(d.cli.LogLevel))

	b, err := bridge.Open()
	if err != nil {
		return err
	}

	d.bridge = b

	mem := gpa.New(bridge.NonRootPhysStart, b.Window())
	reg := device.NewRegistry()
	disp := dispatch.New(b, reg)

	for i, spec := range specs {
		dev, err := d.buildDevice(uint32(i), spec, mem)
		if err != nil {
			reg.Close()
			b.Close()

			return fmt.Errorf("daemon: device %d (%s): %w", i, spec.Type, err)
		}

		dev.SetIRQInjector(disp)
		idx := reg.Add(dev)

		d.bridge.PublishMMIOAddr(uint32(idx), dev.Base)

		xlog.Info("registered %s device zone=%d base=%#x len=%#x irq=%d", spec.Type, spec.ZoneID, spec.Addr, spec.Len, spec.IRQ)
	}

	d.bridge.SetMMIOAvail()

	d.registry = reg
	d.dispatcher = disp

	return nil
}

func (d *Daemon) buildDevice(idx uint32, spec config.DeviceSpec, mem *gpa.Window) (*device.VirtIODevice, error) {
	layout, ok := queueLayout[spec.Type]
	if !ok {
		return nil, device.ErrUnknownDevice
	}

	dev := device.New(spec.Type, spec.ZoneID, spec.Addr, spec.Len, spec.IRQ, layout.numQueues, layout.queueMax, mem, nil)

	var (
		backend device.Backend
		err     error
	)

	switch spec.Type {
	case device.TypeBlock:
		backend, err = blk.Open(spec.Img)
	case device.TypeNet:
		backend, err = net.Open(spec.Tap, macFor(idx), dev)
	case device.TypeConsole:
		var cb *console.Backend

		cb, err = console.Open(dev)
		if err == nil {
			xlog.Info("console %d: guest terminal at %s", idx, cb.SlavePath())
		}

		backend = cb
	default:
		return nil, device.ErrUnknownDevice
	}

	if err != nil {
		return nil, err
	}

	dev.SetBackend(backend)

	return dev, nil
}

// macFor derives a locally-administered MAC address from a device index,
// since nothing in the declaration grammar lets an operator pin one down.
func macFor(idx uint32) [6]byte {
	return [6]byte{0x52, 0x54, 0x00, byte(idx >> 16), byte(idx >> 8), byte(idx)}
}

// Run starts the debug endpoints (if enabled), the profiler (if
// requested), and blocks on the dispatch loop until ctx is canceled or a
// fatal error occurs.
func (d *Daemon) Run(ctx context.Context) error {
	if d.cli.Profile != "" {
		d.stopProfile = startProfile(d.cli.Profile)
	}

	g, gctx := errgroup.WithContext(ctx)

	if d.cli.Debug {
		d.debugSrv = d.startDebugServer()

		g.Go(func() error {
			<-gctx.Done()

			return d.debugSrv.Close()
		})
	}

	g.Go(func() error {
		return d.dispatcher.Run(gctx)
	})

	return g.Wait()
}

// startDebugServer exposes net/http/pprof and mkevac/debugcharts (both
// self-registered on http.DefaultServeMux by their blank imports above)
// plus fgprof, on a listener meant for an operator's own loopback or
// bastion access rather than the guest-facing surface.
func (d *Daemon) startDebugServer() *http.Server {
	http.Handle("/debug/fgprof", fgprof.Handler())

	srv := &http.Server{Addr: d.cli.DebugAddr, Handler: http.DefaultServeMux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			xlog.Error("debug server: %v", err)
		}
	}()

	xlog.Info("debug endpoints listening on %s", d.cli.DebugAddr)

	return srv
}

func startProfile(mode string) func() {
	var opt func(*profile.Profile)

	switch mode {
	case "cpu":
		opt = profile.CPUProfile
	case "mem":
		opt = profile.MemProfile
	case "trace":
		opt = profile.TraceProfile
	case "block":
		opt = profile.BlockProfile
	case "goroutine":
		opt = profile.GoroutineProfile
	default:
		return func() {}
	}

	p := profile.Start(opt, profile.NoShutdownHook)

	return p.Stop
}

// Shutdown releases every device's back-end resources and tears the
// mailbox down, in that order so no back-end goroutine is left writing to
// an unmapped window.
func (d *Daemon) Shutdown() error {
	if d.stopProfile != nil {
		d.stopProfile()
	}

	var firstErr error

	if d.registry != nil {
		if err := d.registry.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if d.bridge != nil {
		if err := d.bridge.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
