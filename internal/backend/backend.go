// Package backend wires the whole host process together: the event
// loop, the three vhost-user devices, the scripting engine, the
// harness control channel, and the UML child.
package backend

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/vwax/roadtest/internal/config"
	"github.com/vwax/roadtest/internal/control"
	"github.com/vwax/roadtest/internal/device"
	"github.com/vwax/roadtest/internal/eventloop"
	"github.com/vwax/roadtest/internal/guestmem"
	"github.com/vwax/roadtest/internal/script"
	"github.com/vwax/roadtest/internal/supervisor"
	"github.com/vwax/roadtest/internal/vhost"
)

// Options carries everything main parses.
type Options struct {
	MainScript string
	I2CSocket  string
	GPIOSocket string
	PCISocket  string
	WorkDir    string
	Board      *config.Board

	UMLBinary string
	UMLArgs   []string
}

// Backend owns the devices, the script engine, and the loop. The
// reference implementation kept these as static singletons; bundling
// them keeps every reference explicit.
type Backend struct {
	opts Options

	loop    *eventloop.Loop
	engine  *script.Engine
	gpio    *device.GPIO
	devices []*vhost.Device
	control *control.Channel
}

// platformModel adapts the engine's platform surface to the device
// package interface; the engine's Read/Write names are taken by the
// i2c surface.
type platformModel struct {
	engine *script.Engine
}

func (m platformModel) Read(addr uint64, size int) (uint32, error) {
	return m.engine.PlatformRead(addr, size)
}

func (m platformModel) Write(addr uint64, size int, value uint32) error {
	return m.engine.PlatformWrite(addr, size, value)
}

// New builds the backend: loads the main script, creates the device
// personalities on top of it, and binds the vhost-user listeners.
func New(opts Options) (*Backend, error) {
	if opts.Board == nil {
		opts.Board = config.Default()
	}
	b := &Backend{opts: opts}

	loop, err := eventloop.New()
	if err != nil {
		return nil, err
	}
	b.loop = loop

	engine, err := script.Load(opts.MainScript, b)
	if err != nil {
		loop.Close()
		return nil, err
	}
	b.engine = engine

	b.gpio = device.NewGPIO(engine, opts.Board.NGPIO)

	type binding struct {
		handler vhost.Handler
		path    string
	}
	bindings := []binding{
		{device.NewI2C(engine), opts.I2CSocket},
		{b.gpio, opts.GPIOSocket},
	}
	if opts.PCISocket != "" {
		bindings = append(bindings, binding{device.NewPlatform(platformModel{engine}), opts.PCISocket})
	}

	for _, bind := range bindings {
		dev := vhost.NewDevice(bind.handler, loop)
		if err := dev.Listen(bind.path); err != nil {
			loop.Close()
			return nil, err
		}
		b.devices = append(b.devices, dev)
	}

	ctl, err := control.Open(filepath.Join(opts.WorkDir, control.FIFOName), engine.ProcessControl)
	if err != nil {
		loop.Close()
		return nil, err
	}
	b.control = ctl

	// The watch only wakes the loop; the drain itself runs in the
	// pre-dispatch hook so control commands always precede device
	// handlers.
	if err := loop.AddCallback(ctl.FD(), b, func() error { return nil }); err != nil {
		loop.Close()
		return nil, err
	}

	loop.SetPreDispatch(ctl.Drain)
	loop.SetDone(b.allQuit)

	return b, nil
}

func (b *Backend) allQuit() bool {
	for _, dev := range b.devices {
		if !dev.Quit() {
			return false
		}
	}
	return true
}

// umlArgs builds the child command line: caller args, then generated
// virtio_uml.device parameters, then board extras.
func (b *Backend) umlArgs() []string {
	args := append([]string{}, b.opts.UMLArgs...)
	args = append(args,
		supervisor.DeviceArg(b.opts.I2CSocket, supervisor.VirtioIDI2C),
		supervisor.DeviceArg(b.opts.GPIOSocket, supervisor.VirtioIDGPIO),
	)
	if b.opts.PCISocket != "" {
		args = append(args, supervisor.DeviceArg(b.opts.PCISocket, b.opts.Board.PCIDeviceID))
	}
	args = append(args, b.opts.Board.UMLArgs...)
	return args
}

// Run starts the UML child (when configured) and drives the event loop
// until every peer has disconnected.
func (b *Backend) Run() error {
	var g errgroup.Group
	var uml *supervisor.UML

	if b.opts.UMLBinary != "" {
		var err error
		uml, err = supervisor.Start(b.opts.WorkDir, b.opts.UMLBinary, b.umlArgs())
		if err != nil {
			return err
		}
		g.Go(uml.Wait)
	}

	loopErr := b.loop.Run()

	if uml != nil {
		uml.Kill()
	}
	if err := g.Wait(); err != nil {
		slog.Error("backend: reap failed", "err", err)
	}
	b.control.Close()
	b.loop.Close()
	return loopErr
}

// TriggerGPIOIRQ implements script.Host.
func (b *Backend) TriggerGPIOIRQ(pin uint16) error {
	return b.gpio.TriggerIRQ(pin)
}

// dmaTable picks a live memory table for script DMA. The peers all
// share one guest, so the first device with mapped memory serves.
func (b *Backend) dmaTable() (*guestmem.Table, error) {
	for _, dev := range b.devices {
		if !dev.Mapper().Empty() {
			return dev.Mapper().Table(), nil
		}
	}
	return nil, fmt.Errorf("backend: no guest memory mapped")
}

// DMARead implements script.Host.
func (b *Backend) DMARead(gpa uint64, length int) ([]byte, error) {
	table, err := b.dmaTable()
	if err != nil {
		return nil, err
	}
	src, err := table.Slice(gpa, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, src)
	return out, nil
}

// DMAWrite implements script.Host.
func (b *Backend) DMAWrite(gpa uint64, data []byte) error {
	table, err := b.dmaTable()
	if err != nil {
		return err
	}
	dst, err := table.Slice(gpa, len(data))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}
