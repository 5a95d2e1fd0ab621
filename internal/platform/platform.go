package platform

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/vpsim/vpsim/internal/arm/gic"
	"github.com/vpsim/vpsim/internal/netback"
	"github.com/vpsim/vpsim/internal/sim"
	"github.com/vpsim/vpsim/internal/virtio"
)

const devicePollInterval = 10 * time.Millisecond

type mmioWindow struct {
	base      uint64
	transport *virtio.MMIOTransport
}

// Platform is an assembled machine.
type Platform struct {
	Sched *sim.Scheduler
	GIC   *gic.GIC

	Console *virtio.Console
	RNG     *virtio.RNG
	Input   *virtio.Input
	Net     *virtio.Net

	ram     []byte
	ramBase uint64

	windows  []mmioWindow
	throttle *sim.Throttle
	backend  *netback.Backend

	pollers []func()
}

// Options carries host-side bindings for the devices.
type Options struct {
	// ConsoleOutput receives guest console output. Defaults to io.Discard.
	ConsoleOutput io.Writer
}

// Build assembles the machine described by cfg.
func Build(cfg Config, opts Options) (*Platform, error) {
	p := &Platform{
		Sched:   sim.New(cfg.Quantum),
		GIC:     gic.New(cfg.CPUs, cfg.SPIs),
		ram:     make([]byte, cfg.RAMSize),
		ramBase: cfg.RAMBase,
	}

	if cfg.RTF > 0 {
		p.throttle = sim.NewThrottle(p.Sched, devicePollInterval, cfg.RTF)
	}

	out := opts.ConsoleOutput
	if out == nil {
		out = io.Discard
	}

	for _, dc := range cfg.Devices {
		var dev virtio.Device
		switch dc.Type {
		case "console":
			p.Console = virtio.NewConsole(out)
			dev = p.Console
		case "rng":
			p.RNG = virtio.NewRNG()
			dev = p.RNG
		case "input":
			p.Input = virtio.NewInput(dc.Keyboard, dc.Tablet)
			dev = p.Input
		case "net":
			mac, err := parseMAC(dc.MAC)
			if err != nil {
				return nil, err
			}
			p.Net = virtio.NewNet(mac, nil)
			backend, err := netback.New(nil, netback.DefaultConfig(), p.Net.EnqueueRx)
			if err != nil {
				return nil, err
			}
			p.backend = backend
			p.Net.SetBackend(backend)
			dev = p.Net
		}

		spi := dc.IRQ
		transport := virtio.NewMMIO(dev, p.dmi, func(level bool) {
			p.GIC.SetSPI(spi, level)
		})
		switch d := dev.(type) {
		case *virtio.Console:
			d.Bind(transport)
		case *virtio.RNG:
			d.Bind(transport)
		case *virtio.Input:
			d.Bind(transport)
		case *virtio.Net:
			d.Bind(transport)
		}
		p.windows = append(p.windows, mmioWindow{base: dc.MMIOBase, transport: transport})
	}

	if p.Console != nil {
		p.pollers = append(p.pollers, p.Console.Poll)
	}
	if p.Input != nil {
		p.pollers = append(p.pollers, p.Input.Update)
	}
	if p.Net != nil {
		p.pollers = append(p.pollers, p.Net.Poll)
	}
	if len(p.pollers) > 0 {
		p.Sched.ScheduleAfter(devicePollInterval, p.pollDevices)
	}

	return p, nil
}

func parseMAC(s string) ([6]byte, error) {
	var mac [6]byte
	if s == "" {
		return [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}, nil
	}
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return mac, fmt.Errorf("platform: bad mac %q: %w", s, err)
	}
	copy(mac[:], hw)
	return mac, nil
}

// pollDevices is the periodic device update handler.
func (p *Platform) pollDevices() {
	for _, poll := range p.pollers {
		poll()
	}
	p.Sched.ScheduleAfter(devicePollInterval, p.pollDevices)
}

// dmi resolves guest-physical RAM spans for the virtio engine.
func (p *Platform) dmi(addr, length uint64, acc virtio.Access) []byte {
	if addr < p.ramBase || length > uint64(len(p.ram)) {
		return nil
	}
	off := addr - p.ramBase
	if off+length > uint64(len(p.ram)) {
		return nil
	}
	return p.ram[off : off+length]
}

// RAM exposes the guest memory backing store.
func (p *Platform) RAM() []byte { return p.ram }

// MMIORead routes a guest load to the owning device window.
func (p *Platform) MMIORead(addr uint64, data []byte) error {
	for _, w := range p.windows {
		if addr >= w.base && addr+uint64(len(data)) <= w.base+mmioWindowSize {
			return w.transport.Read(addr-w.base, data)
		}
	}
	return fmt.Errorf("platform: no device at %#x", addr)
}

// MMIOWrite routes a guest store to the owning device window.
func (p *Platform) MMIOWrite(addr uint64, data []byte) error {
	for _, w := range p.windows {
		if addr >= w.base && addr+uint64(len(data)) <= w.base+mmioWindowSize {
			return w.transport.Write(addr-w.base, data)
		}
	}
	return fmt.Errorf("platform: no device at %#x", addr)
}

// Close releases host resources.
func (p *Platform) Close() error {
	if p.backend != nil {
		return p.backend.Close()
	}
	return nil
}
