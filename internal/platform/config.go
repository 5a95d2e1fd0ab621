// Package platform describes and assembles a simulated machine: scheduler,
// guest RAM, GIC and virtio devices, from a yaml machine description.
package platform

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DeviceConfig describes one virtio device binding.
type DeviceConfig struct {
	// Type is one of console, rng, input, net.
	Type string `yaml:"type"`

	// IRQ is the SPI index the device's interrupt line feeds.
	IRQ int `yaml:"irq"`

	// MMIOBase is the guest-physical base of the 0x200-byte register window.
	MMIOBase uint64 `yaml:"mmio_base"`

	// MAC configures the net device's hardware address.
	MAC string `yaml:"mac,omitempty"`

	// Keyboard and Tablet select the input device's capabilities.
	Keyboard bool `yaml:"keyboard,omitempty"`
	Tablet   bool `yaml:"tablet,omitempty"`
}

// Config is the machine description.
type Config struct {
	CPUs    int           `yaml:"cpus"`
	SPIs    int           `yaml:"spis"`
	RAMBase uint64        `yaml:"ram_base"`
	RAMSize uint64        `yaml:"ram_size"`
	Quantum time.Duration `yaml:"quantum"`

	// RTF throttles the simulation to the given real-time factor; zero runs
	// unthrottled.
	RTF float64 `yaml:"rtf"`

	Devices []DeviceConfig `yaml:"devices"`
}

const mmioWindowSize = 0x200

// Parse decodes and validates a machine description.
func Parse(data []byte) (Config, error) {
	cfg := Config{
		CPUs:    1,
		SPIs:    64,
		RAMBase: 0x40000000,
		RAMSize: 64 << 20,
		Quantum: time.Millisecond,
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("platform: parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads a machine description from a file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("platform: read config: %w", err)
	}
	return Parse(data)
}

func (c Config) validate() error {
	if c.CPUs < 1 || c.CPUs > 8 {
		return fmt.Errorf("platform: cpus %d out of range 1..8", c.CPUs)
	}
	if c.RAMSize == 0 {
		return fmt.Errorf("platform: ram_size must be nonzero")
	}
	if c.Quantum <= 0 {
		return fmt.Errorf("platform: quantum must be positive")
	}

	irqs := make(map[int]string)
	bases := make(map[uint64]string)
	for i, d := range c.Devices {
		switch d.Type {
		case "console", "rng", "input", "net":
		default:
			return fmt.Errorf("platform: device %d: unknown type %q", i, d.Type)
		}
		if d.IRQ < 0 || d.IRQ >= c.SPIs {
			return fmt.Errorf("platform: device %q: irq %d out of range 0..%d", d.Type, d.IRQ, c.SPIs-1)
		}
		if prev, ok := irqs[d.IRQ]; ok {
			return fmt.Errorf("platform: devices %q and %q share irq %d", prev, d.Type, d.IRQ)
		}
		irqs[d.IRQ] = d.Type
		if d.MMIOBase == 0 {
			return fmt.Errorf("platform: device %q: mmio_base is required", d.Type)
		}
		if prev, ok := bases[d.MMIOBase]; ok {
			return fmt.Errorf("platform: devices %q and %q share mmio base %#x", prev, d.Type, d.MMIOBase)
		}
		bases[d.MMIOBase] = d.Type
	}
	return nil
}
