package platform

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const sampleConfig = `
cpus: 2
spis: 96
ram_base: 0x40000000
ram_size: 0x800000
quantum: 1ms
devices:
  - type: console
    irq: 2
    mmio_base: 0xd0000000
  - type: rng
    irq: 3
    mmio_base: 0xd0000200
`

func TestParseConfig(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	want := Config{
		CPUs:    2,
		SPIs:    96,
		RAMBase: 0x40000000,
		RAMSize: 0x800000,
		Quantum: time.Millisecond,
		Devices: []DeviceConfig{
			{Type: "console", IRQ: 2, MMIOBase: 0xd0000000},
			{Type: "rng", IRQ: 3, MMIOBase: 0xd0000200},
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.CPUs != 1 || cfg.SPIs != 64 || cfg.RAMSize == 0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestParseConfigRejects(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"unknown-device", `
devices:
  - type: floppy
    irq: 1
    mmio_base: 0xd0000000
`},
		{"duplicate-irq", `
devices:
  - type: console
    irq: 1
    mmio_base: 0xd0000000
  - type: rng
    irq: 1
    mmio_base: 0xd0000200
`},
		{"duplicate-mmio", `
devices:
  - type: console
    irq: 1
    mmio_base: 0xd0000000
  - type: rng
    irq: 2
    mmio_base: 0xd0000000
`},
		{"irq-out-of-range", `
spis: 4
devices:
  - type: console
    irq: 9
    mmio_base: 0xd0000000
`},
		{"too-many-cpus", "cpus: 12"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.doc)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
