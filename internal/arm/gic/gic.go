// Package gic models the ARM GIC-400 interrupt controller: the distributor,
// the per-CPU interfaces, and the virtualization interface with its list
// registers. All blocks live on one owning aggregate; register windows are
// exposed per block with the initiating CPU passed explicitly.
package gic

import "log/slog"

const (
	NumSGI  = 16
	NumPPI  = 16
	NumPriv = NumSGI + NumPPI
	MaxIRQ  = 1020
	MaxCPU  = 8
	NumLR   = 4

	// Spurious is returned by IAR when no interrupt is deliverable.
	Spurious uint32 = 1023

	// IdlePrio sorts above every valid priority.
	IdlePrio uint32 = 0x100

	// AllCPU addresses every CPU in a target mask.
	AllCPU uint8 = 0xff

	virtMinBPR = 2

	ambaPCID uint32 = 0xb105f00d
	ambaIFID uint32 = 0x0202143b
)

// Trigger is an interrupt line's sensitivity.
type Trigger uint8

const (
	Edge Trigger = iota
	Level
)

// Model selects how acknowledge clears pending across CPUs.
type Model uint8

const (
	ModelNN Model = iota // N-to-N: per-CPU pending
	ModelN1              // N-to-1: acknowledge clears everywhere
)

type irqState struct {
	enabled  uint8
	pending  uint8
	active   uint8
	level    uint8
	signaled uint8
	model    Model
	trigger  Trigger
}

// GIC is the owning aggregate. Sub-blocks hold a back reference to it and
// nothing else; shared interrupt state lives here.
type GIC struct {
	numCPU int
	numIRQ int

	irqs []irqState

	Distif  Distif
	CPUIf   CPUIf
	VIfCtrl VIfCtrl
	VCPUIf  VCPUIf

	irqOut  [MaxCPU]func(level bool)
	virqOut [MaxCPU]func(level bool)

	irqLevel  [MaxCPU]bool
	virqLevel [MaxCPU]bool
}

// New builds a GIC serving the given number of CPUs and shared peripheral
// interrupts.
func New(cpus, spis int) *GIC {
	if cpus < 1 {
		cpus = 1
	}
	if cpus > MaxCPU {
		cpus = MaxCPU
	}
	numIRQ := NumPriv + spis
	if numIRQ > MaxIRQ {
		numIRQ = MaxIRQ
	}

	g := &GIC{
		numCPU: cpus,
		numIRQ: numIRQ,
		irqs:   make([]irqState, numIRQ),
	}
	g.Distif.init(g)
	g.CPUIf.init(g)
	g.VIfCtrl.init(g)
	g.VCPUIf.init(g)

	// SGIs are enabled by default and cannot be disabled.
	for irq := 0; irq < NumSGI; irq++ {
		g.irqs[irq].enabled = AllCPU
	}
	return g
}

func (g *GIC) NumCPU() int { return g.numCPU }
func (g *GIC) NumIRQ() int { return g.numIRQ }

// OnIRQ registers the physical interrupt output line for a CPU.
func (g *GIC) OnIRQ(cpu int, fn func(level bool)) {
	if cpu >= 0 && cpu < g.numCPU {
		g.irqOut[cpu] = fn
	}
}

// OnVIRQ registers the virtual interrupt output line for a CPU.
func (g *GIC) OnVIRQ(cpu int, fn func(level bool)) {
	if cpu >= 0 && cpu < g.numCPU {
		g.virqOut[cpu] = fn
	}
}

// IRQLevel reports the current state of a CPU's interrupt output.
func (g *GIC) IRQLevel(cpu int) bool  { return g.irqLevel[g.checkCPU(cpu)] }
func (g *GIC) VIRQLevel(cpu int) bool { return g.virqLevel[g.checkCPU(cpu)] }

func (g *GIC) checkCPU(cpu int) int {
	if cpu < 0 || cpu >= g.numCPU {
		slog.Warn("gic: invalid cpu, assuming 0", "cpu", cpu)
		return 0
	}
	return cpu
}

func (g *GIC) validIRQ(irq int) bool {
	return irq >= 0 && irq < g.numIRQ
}

// SetSPI drives a shared peripheral interrupt input line.
func (g *GIC) SetSPI(idx int, state bool) {
	irq := NumPriv + idx
	if !g.validIRQ(irq) {
		slog.Warn("gic: spi out of range", "spi", idx)
		return
	}
	targets := g.Distif.itargetsSPI[idx]
	g.setLevel(irq, state, AllCPU)
	g.setSignaled(irq, false, AllCPU)
	if g.irqs[irq].trigger == Edge && state {
		g.setPending(irq, true, targets)
	}
	g.update(false)
}

// SetPPI drives a private peripheral interrupt input line of one CPU.
func (g *GIC) SetPPI(cpu, idx int, state bool) {
	cpu = g.checkCPU(cpu)
	if idx < 0 || idx >= NumPPI {
		slog.Warn("gic: ppi out of range", "ppi", idx)
		return
	}
	irq := NumSGI + idx
	mask := uint8(1) << cpu
	g.setLevel(irq, state, mask)
	g.setSignaled(irq, false, AllCPU)
	if g.irqs[irq].trigger == Edge && state {
		g.setPending(irq, true, mask)
	}
	g.update(false)
}

func (g *GIC) enableIRQ(irq int, mask uint8)  { g.irqs[irq].enabled |= mask }
func (g *GIC) disableIRQ(irq int, mask uint8) { g.irqs[irq].enabled &^= mask }

func (g *GIC) isEnabled(irq int, mask uint8) bool {
	return g.irqs[irq].enabled&mask != 0
}

func (g *GIC) setPending(irq int, state bool, mask uint8) {
	if state {
		g.irqs[irq].pending |= mask
	} else {
		g.irqs[irq].pending &^= mask
	}
}

// testPending reports whether the IRQ is deliverable-pending for any CPU in
// mask. A level-triggered line held high counts as pending regardless of the
// stored bit.
func (g *GIC) testPending(irq int, mask uint8) bool {
	s := &g.irqs[irq]
	if s.pending&mask != 0 {
		return true
	}
	return s.trigger == Level && s.level&mask != 0
}

func (g *GIC) setActive(irq int, state bool, mask uint8) {
	if state {
		g.irqs[irq].active |= mask
	} else {
		g.irqs[irq].active &^= mask
	}
}

func (g *GIC) isActive(irq int, mask uint8) bool {
	return g.irqs[irq].active&mask != 0
}

func (g *GIC) setLevel(irq int, state bool, mask uint8) {
	if state {
		g.irqs[irq].level |= mask
	} else {
		g.irqs[irq].level &^= mask
	}
}

func (g *GIC) setSignaled(irq int, state bool, mask uint8) {
	if state {
		g.irqs[irq].signaled |= mask
	} else {
		g.irqs[irq].signaled &^= mask
	}
}

// priority returns the configured priority of an IRQ as seen by a CPU.
func (g *GIC) priority(cpu, irq int) uint32 {
	switch {
	case irq < NumSGI:
		return uint32(g.Distif.prioSGI[cpu][irq])
	case irq < NumPriv:
		return uint32(g.Distif.prioPPI[cpu][irq-NumSGI])
	case irq < g.numIRQ:
		return uint32(g.Distif.prioSPI[irq-NumPriv])
	}
	slog.Warn("gic: priority of invalid irq", "irq", irq)
	return 0
}

// update recomputes each CPU's highest-priority pending interrupt and drives
// the interrupt output lines. One call covers either the physical or the
// virtual side.
func (g *GIC) update(virt bool) {
	for cpu := 0; cpu < g.numCPU; cpu++ {
		mask := uint8(1) << cpu
		bestIRQ := Spurious
		bestPrio := IdlePrio

		if !virt {
			g.CPUIf.hppir[cpu] = Spurious
			if g.Distif.ctlr == 0 || g.CPUIf.ctlr[cpu] == 0 {
				g.driveIRQ(cpu, false)
				continue
			}
		} else {
			g.VCPUIf.hppir[cpu] = Spurious
			if g.VIfCtrl.hcr[cpu] == 0 {
				g.driveVIRQ(cpu, false)
				continue
			}
		}

		if !virt {
			for irq := 0; irq < NumSGI; irq++ {
				if g.isEnabled(irq, mask) && g.testPending(irq, mask) && !g.isActive(irq, mask) {
					if prio := uint32(g.Distif.prioSGI[cpu][irq]); prio < bestPrio {
						bestPrio = prio
						bestIRQ = uint32(irq)
					}
				}
			}
			for irq := NumSGI; irq < NumPriv; irq++ {
				if g.isEnabled(irq, mask) && g.testPending(irq, mask) && !g.isActive(irq, mask) {
					if prio := uint32(g.Distif.prioPPI[cpu][irq-NumSGI]); prio < bestPrio {
						bestPrio = prio
						bestIRQ = uint32(irq)
					}
				}
			}
			for irq := NumPriv; irq < g.numIRQ; irq++ {
				idx := irq - NumPriv
				if g.isEnabled(irq, mask) && g.testPending(irq, mask) &&
					g.Distif.itargetsSPI[idx]&mask != 0 && !g.isActive(irq, mask) {
					if prio := uint32(g.Distif.prioSPI[idx]); prio < bestPrio {
						bestPrio = prio
						bestIRQ = uint32(irq)
					}
				}
			}
		} else {
			for i := 0; i < NumLR; i++ {
				if !g.VIfCtrl.state[cpu][i].pending {
					continue
				}
				prio := uint32(g.VIfCtrl.state[cpu][i].prio) << 3
				if prio < bestPrio {
					bestPrio = prio
					bestIRQ = uint32(g.VIfCtrl.state[cpu][i].virtualID)
				}
			}
		}

		level := false
		if !virt {
			if bestPrio < g.CPUIf.pmr[cpu] {
				g.CPUIf.hppir[cpu] = bestIRQ
				if bestPrio < g.CPUIf.rpr[cpu] {
					level = true
				}
			}
			g.driveIRQ(cpu, level)
		} else {
			if bestPrio < g.VCPUIf.pmr[cpu] {
				g.VCPUIf.hppir[cpu] = bestIRQ
				if bestPrio < g.VCPUIf.rpr[cpu] {
					level = true
				}
			}
			g.driveVIRQ(cpu, level)
		}
	}
}

func (g *GIC) driveIRQ(cpu int, level bool) {
	if g.irqLevel[cpu] != level {
		g.irqLevel[cpu] = level
		if g.irqOut[cpu] != nil {
			g.irqOut[cpu](level)
		}
	}
}

func (g *GIC) driveVIRQ(cpu int, level bool) {
	if g.virqLevel[cpu] != level {
		g.virqLevel[cpu] = level
		if g.virqOut[cpu] != nil {
			g.virqOut[cpu](level)
		}
	}
}
