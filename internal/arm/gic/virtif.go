package gic

import (
	"log/slog"
	"math/bits"
)

// Virtual interface control register offsets.
const (
	vifHCR  = 0x000
	vifVTR  = 0x004
	vifVMCR = 0x008
	vifAPR  = 0x0f0
	vifLR   = 0x100
)

// List register bit layout.
const (
	lrPendingBit = 1 << 28
	lrActiveBit  = 1 << 29
	lrHWBit      = 1 << 31
	lrEOIBit     = 1 << 19
)

type listEntry struct {
	pending    bool
	active     bool
	hw         bool
	prio       uint8
	virtualID  uint16
	physicalID uint16
	cpuID      uint8
}

// VIfCtrl is the hypervisor-facing virtual interface control block: the list
// register table a hypervisor writes to inject virtual interrupts.
type VIfCtrl struct {
	gic *GIC

	hcr   [MaxCPU]uint32
	apr   [MaxCPU]uint32
	lr    [MaxCPU][NumLR]uint32
	state [MaxCPU][NumLR]listEntry
}

func (v *VIfCtrl) init(g *GIC) {
	v.gic = g
}

// Read handles a load from the virtual interface control window.
func (v *VIfCtrl) Read(cpu int, offset uint32) uint32 {
	cpu = v.gic.checkCPU(cpu)
	switch {
	case offset == vifHCR:
		return v.hcr[cpu]
	case offset == vifVTR:
		return 0x90000000 | (NumLR - 1)
	case offset == vifVMCR:
		pmask := v.gic.VCPUIf.pmr[cpu] >> 3 & 0x1f
		bpr := v.gic.VCPUIf.bpr[cpu] & 0x3
		ctlr := v.gic.VCPUIf.ctlr[cpu] & 0x1ff
		return pmask<<27 | bpr<<21 | ctlr
	case offset == vifAPR:
		return v.apr[cpu]
	case offset >= vifLR && offset < vifLR+4*NumLR:
		return v.readLR(cpu, int(offset-vifLR)/4)
	default:
		return 0
	}
}

// Write handles a store to the virtual interface control window.
func (v *VIfCtrl) Write(cpu int, offset uint32, value uint32) {
	cpu = v.gic.checkCPU(cpu)
	switch {
	case offset == vifHCR:
		v.hcr[cpu] = value
		v.gic.update(true)
	case offset == vifVMCR:
		v.gic.VCPUIf.pmr[cpu] = value >> 27 & 0x1f << 3
		v.gic.VCPUIf.bpr[cpu] = value >> 21 & 0x3
		v.gic.VCPUIf.ctlr[cpu] = value & 0x1ff
	case offset == vifAPR:
		v.writeAPR(cpu, value)
	case offset >= vifLR && offset < vifLR+4*NumLR:
		v.writeLR(cpu, int(offset-vifLR)/4, value)
	}
}

func (v *VIfCtrl) readLR(cpu, idx int) uint32 {
	// refresh the state bits before handing the raw value back
	if v.state[cpu][idx].pending {
		v.lr[cpu][idx] |= lrPendingBit
	} else {
		v.lr[cpu][idx] &^= lrPendingBit
	}
	if v.state[cpu][idx].active {
		v.lr[cpu][idx] |= lrActiveBit
	} else {
		v.lr[cpu][idx] &^= lrActiveBit
	}
	return v.lr[cpu][idx]
}

func (v *VIfCtrl) writeLR(cpu, idx int, value uint32) {
	e := &v.state[cpu][idx]

	if value&lrHWBit == 0 {
		if value&lrEOIBit != 0 {
			slog.Warn("gic: maintenance irq not implemented")
		}
		e.hw = false
		e.cpuID = uint8(value >> 10 & 0x7)
		e.physicalID = 0
	} else {
		e.hw = true
		e.cpuID = 0
		e.physicalID = uint16(value >> 10 & 0x1ff)
	}

	e.pending = value&lrPendingBit != 0
	e.active = value&lrActiveBit != 0
	e.prio = uint8(value >> 23 & 0x1f)
	e.virtualID = uint16(value & 0x1ff)

	v.lr[cpu][idx] = value
	v.gic.update(true)
}

func (v *VIfCtrl) writeAPR(cpu int, value uint32) {
	prio := IdlePrio
	if value != 0 {
		prio = uint32(fls(value)) << (virtMinBPR + 1)
	}
	v.gic.VCPUIf.rpr[cpu] = prio
	v.apr[cpu] = value
}

// findLR locates the list register carrying the given virtual IRQ.
func (v *VIfCtrl) findLR(irq uint32, cpu int) (int, bool) {
	for i := 0; i < NumLR; i++ {
		e := &v.state[cpu][i]
		if uint32(e.virtualID) == irq && (e.active || e.pending) {
			return i, true
		}
	}
	return 0, false
}

// lrPriority returns the injected priority of a virtual IRQ.
func (v *VIfCtrl) lrPriority(cpu int, irq uint32) (uint8, bool) {
	if i, ok := v.findLR(irq, cpu); ok {
		return v.state[cpu][i].prio, true
	}
	return 0, false
}

// fls returns the bit position of the highest set bit.
func fls(v uint32) int {
	return 31 - bits.LeadingZeros32(v)
}

// Virtual CPU interface register offsets mirror the physical ones.

// VCPUIf is the guest-facing virtual CPU interface. It mirrors the
// acknowledge/EOI logic of the physical interface but arbitrates over the
// list register table.
type VCPUIf struct {
	gic *GIC

	ctlr  [MaxCPU]uint32
	pmr   [MaxCPU]uint32
	bpr   [MaxCPU]uint32
	rpr   [MaxCPU]uint32
	hppir [MaxCPU]uint32
	eoir  [MaxCPU]uint32
}

func (c *VCPUIf) init(g *GIC) {
	c.gic = g
	for cpu := 0; cpu < MaxCPU; cpu++ {
		c.bpr[cpu] = virtMinBPR
		c.rpr[cpu] = IdlePrio
		c.hppir[cpu] = Spurious
	}
}

// Read handles a load from the virtual CPU interface window.
func (c *VCPUIf) Read(cpu int, offset uint32) uint32 {
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
	case cpuAPR:
		return c.gic.VIfCtrl.apr[cpu]
	case cpuIIDR:
		return ambaIFID
	default:
		return 0
	}
}

// Write handles a store to the virtual CPU interface window.
func (c *VCPUIf) Write(cpu int, offset uint32, value uint32) {
	cpu = c.gic.checkCPU(cpu)
	switch offset {
	case cpuCTLR:
		if value > 1 {
			slog.Warn("gic: unimplemented vcpuif ctlr bits", "value", value)
		}
		c.ctlr[cpu] = value
		c.gic.update(true)
	case cpuPMR:
		c.pmr[cpu] = value & 0xff
		c.gic.update(true)
	case cpuBPR:
		v := value & 0x7
		if v < virtMinBPR {
			v = virtMinBPR
		}
		c.bpr[cpu] = v
	case cpuEOIR:
		c.endOfInterrupt(cpu, value)
	}
}

// acknowledge is the virtual IAR read: hand out the pending list register
// with the best priority and flip it to active.
func (c *VCPUIf) acknowledge(cpu int) uint32 {
	g := c.gic
	ctrl := &g.VIfCtrl

	irq := c.hppir[cpu]
	if irq == Spurious {
		return Spurious
	}
	rawPrio, ok := ctrl.lrPriority(cpu, irq)
	if !ok || uint32(rawPrio)<<3 >= c.rpr[cpu] {
		return Spurious
	}

	prio := uint32(rawPrio) << 3
	mask := ^uint32(0) << (c.bpr[cpu]&0x7 + 1)
	c.rpr[cpu] = prio & mask

	preemptLvl := prio >> (virtMinBPR + 1)
	ctrl.apr[cpu] |= 1 << (preemptLvl % 32)

	lr, _ := ctrl.findLR(irq, cpu)
	ctrl.state[cpu][lr].active = true
	ctrl.state[cpu][lr].pending = false

	g.update(true)
	cpuID := uint32(ctrl.state[cpu][lr].cpuID)
	return cpuID&0x7<<10 | irq
}

// endOfInterrupt is the virtual EOIR write: drop priority, deactivate the
// list register, and deactivate the physical IRQ for hardware-backed entries.
func (c *VCPUIf) endOfInterrupt(cpu int, value uint32) {
	g := c.gic
	ctrl := &g.VIfCtrl

	irq := value & 0x1ff
	if int(irq) >= g.numIRQ {
		slog.Warn("gic: virtual eoi of invalid irq ignored", "irq", irq)
		return
	}

	// drop one preemption level and recompute the running priority
	ctrl.apr[cpu] &= ctrl.apr[cpu] - 1
	if apr := ctrl.apr[cpu]; apr != 0 {
		c.rpr[cpu] = uint32(fls(apr)) << (virtMinBPR + 1)
	} else {
		c.rpr[cpu] = IdlePrio
	}

	lr, ok := ctrl.findLR(irq, cpu)
	if !ok {
		slog.Warn("gic: virtual eoi without list register", "irq", irq, "cpu", cpu)
		return
	}
	ctrl.state[cpu][lr].active = false
	if ctrl.state[cpu][lr].hw {
		physID := ctrl.state[cpu][lr].physicalID
		if int(physID) >= NumSGI && int(physID) < g.numIRQ {
			g.setActive(int(physID), false, 1<<cpu)
			g.update(false)
		} else {
			slog.Warn("gic: unexpected physical id in list register",
				"physid", physID, "cpu", cpu, "lr", lr)
		}
	}

	g.update(true)
	c.eoir[cpu] = value
}
