package gic

import (
	"log/slog"
	"math/bits"
)

// CPU interface register offsets.
const (
	cpuCTLR  = 0x00
	cpuPMR   = 0x04
	cpuBPR   = 0x08
	cpuIAR   = 0x0c
	cpuEOIR  = 0x10
	cpuRPR   = 0x14
	cpuHPPIR = 0x18
	cpuABPR  = 0x1c
	cpuAPR   = 0xd0
	cpuIIDR  = 0xfc
	cpuDIR   = 0x1000
)

// CPUIf is the banked physical CPU interface: acknowledge, end-of-interrupt,
// priority masking and the per-CPU preemption stack.
type CPUIf struct {
	gic *GIC

	ctlr  [MaxCPU]uint32
	pmr   [MaxCPU]uint32
	bpr   [MaxCPU]uint32
	abpr  [MaxCPU]uint32
	rpr   [MaxCPU]uint32
	hppir [MaxCPU]uint32
	iar   [MaxCPU]uint32
	apr   [MaxCPU]uint32

	// curr is the running IRQ per CPU; prev[irq][cpu] links each acknowledged
	// IRQ to the one that was running before it, forming a LIFO chain ending
	// in Spurious.
	curr [MaxCPU]uint32
	prev [][MaxCPU]uint32
}

func (c *CPUIf) init(g *GIC) {
	c.gic = g
	c.prev = make([][MaxCPU]uint32, g.numIRQ)
	for irq := range c.prev {
		for cpu := 0; cpu < MaxCPU; cpu++ {
			c.prev[irq][cpu] = Spurious
		}
	}
	for cpu := 0; cpu < MaxCPU; cpu++ {
		c.curr[cpu] = Spurious
		c.rpr[cpu] = IdlePrio
		c.hppir[cpu] = Spurious
	}
}

// RunningIRQ returns the IRQ currently being serviced by the CPU.
func (c *CPUIf) RunningIRQ(cpu int) uint32 {
	return c.curr[c.gic.checkCPU(cpu)]
}

// Read handles a load from the CPU interface window by the given CPU.
func (c *CPUIf) Read(cpu int, offset uint32) uint32 {
	cpu = c.gic.checkCPU(cpu)
	switch offset {
	case cpuCTLR:
		return c.ctlr[cpu]
	case cpuPMR:
		return c.pmr[cpu]
	case cpuBPR:
		return c.bpr[cpu]
	case cpuIAR:
		return c.acknowledge(cpu)
	case cpuRPR:
		return c.rpr[cpu]
	case cpuHPPIR:
		return c.hppir[cpu]
	case cpuABPR:
		return c.abpr[cpu]
	case cpuAPR:
		return c.apr[cpu]
	case cpuIIDR:
		return ambaIFID
	default:
		return 0
	}
}

// Write handles a store to the CPU interface window by the given CPU.
func (c *CPUIf) Write(cpu int, offset uint32, value uint32) {
	cpu = c.gic.checkCPU(cpu)
	switch offset {
	case cpuCTLR:
		c.ctlr[cpu] = value & 1
		c.gic.update(false)
	case cpuPMR:
		c.pmr[cpu] = value & 0xff
		c.gic.update(false)
	case cpuBPR:
		c.abpr[cpu] = value & 0x7
		c.bpr[cpu] = c.abpr[cpu]
	case cpuEOIR:
		c.endOfInterrupt(cpu, value)
	case cpuABPR:
		c.abpr[cpu] = value & 0x7
	case cpuAPR:
		c.apr[cpu] = value
	case cpuDIR:
		c.deactivate(cpu, value)
	}
}

// setCurrent makes irq the running interrupt and refreshes RPR.
func (c *CPUIf) setCurrent(cpu int, irq uint32) {
	c.curr[cpu] = irq
	if irq == Spurious {
		c.rpr[cpu] = IdlePrio
	} else {
		c.rpr[cpu] = c.gic.priority(cpu, int(irq))
	}
	c.gic.update(false)
}

// acknowledge is the IAR read: hand out the highest-priority pending
// interrupt, clear its pending state, and push it onto the preemption stack.
func (c *CPUIf) acknowledge(cpu int) uint32 {
	g := c.gic

	irq := c.hppir[cpu]
	if irq == Spurious || g.priority(cpu, int(irq)) >= c.rpr[cpu] {
		return Spurious
	}

	cpuMask := uint8(1) << cpu
	if g.irqs[irq].model == ModelN1 {
		cpuMask = AllCPU
	}

	if irq < NumSGI {
		pending := g.Distif.sgiPending[cpu][irq]
		src := 0
		if pending != 0 {
			src = bits.TrailingZeros8(pending)
		}
		g.Distif.setSGIPending(1<<src, int(irq), cpu, false)
		// the SGI stays pending while other sources remain
		if g.Distif.sgiPending[cpu][irq] == 0 {
			g.setPending(int(irq), false, cpuMask)
		}
		c.iar[cpu] = uint32(src&0x7)<<10 | irq
	} else {
		g.setPending(int(irq), false, cpuMask)
		c.iar[cpu] = irq
	}

	c.prev[irq][cpu] = c.curr[cpu]
	c.setCurrent(cpu, irq)
	g.setActive(int(irq), true, cpuMask)
	g.setSignaled(int(irq), true, cpuMask)
	return c.iar[cpu]
}

// endOfInterrupt is the EOIR write. Completing the running IRQ pops the
// preemption stack; completing a preempted IRQ unlinks it without popping.
func (c *CPUIf) endOfInterrupt(cpu int, value uint32) {
	g := c.gic

	if c.curr[cpu] == Spurious {
		return // no active IRQ
	}

	irq := value & 0x3ff
	if int(irq) >= g.numIRQ {
		slog.Warn("gic: eoi of invalid irq ignored", "irq", irq)
		return
	}

	if irq == c.curr[cpu] {
		c.setCurrent(cpu, c.prev[irq][cpu])
		c.prev[irq][cpu] = Spurious
		g.setActive(int(irq), false, 1<<cpu)
		g.update(false)
		return
	}

	iter := c.curr[cpu]
	for c.prev[iter][cpu] != Spurious {
		if c.prev[iter][cpu] == irq {
			c.prev[iter][cpu] = c.prev[irq][cpu]
			c.prev[irq][cpu] = Spurious
			g.setActive(int(irq), false, 1<<cpu)
			break
		}
		iter = c.prev[iter][cpu]
	}
	g.update(false)
}

// deactivate is the DIR write: drop the active state without touching the
// running priority.
func (c *CPUIf) deactivate(cpu int, value uint32) {
	irq := value & 0x3ff
	if int(irq) >= c.gic.numIRQ {
		slog.Warn("gic: dir of invalid irq ignored", "irq", irq)
		return
	}
	c.gic.setActive(int(irq), false, 1<<cpu)
	c.gic.update(false)
}
