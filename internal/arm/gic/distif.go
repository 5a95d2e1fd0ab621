package gic

import "log/slog"

// Distributor register offsets.
const (
	distCTLR      = 0x000
	distTYPER     = 0x004
	distIIDR      = 0x008
	distIGROUPR   = 0x080
	distISENABLER = 0x100
	distICENABLER = 0x180
	distISPENDR   = 0x200
	distICPENDR   = 0x280
	distISACTIVER = 0x300
	distICACTIVER = 0x380
	distIPRIORITY = 0x400
	distITARGETSR = 0x800
	distICFGR     = 0xc00
	distSGIR      = 0xf00
	distCPENDSGIR = 0xf10
	distSPENDSGIR = 0xf20
	distCIDR      = 0xff0
)

// Distif is the GIC distributor: per-IRQ enable/pending/active/config
// bookkeeping and the pending arbitration input to the CPU interfaces.
type Distif struct {
	gic *GIC

	ctlr    uint32
	igroupr [32]uint32

	prioSGI [MaxCPU][NumSGI]uint8
	prioPPI [MaxCPU][NumPPI]uint8
	prioSPI []uint8

	itargetsSPI []uint8

	icfgrPPI uint32
	icfgrSPI []uint32

	// sgiPending[cpu][sgi] is the mask of source CPUs with this SGI raised.
	sgiPending [MaxCPU][NumSGI]uint8
}

func (d *Distif) init(g *GIC) {
	d.gic = g
	spis := g.numIRQ - NumPriv
	d.prioSPI = make([]uint8, spis)
	d.itargetsSPI = make([]uint8, spis)
	d.icfgrSPI = make([]uint32, (spis+15)/16)
	d.icfgrPPI = 0xaaaaaaaa
}

// Read handles a load from the distributor window by the given CPU.
func (d *Distif) Read(cpu int, offset uint32) uint32 {
	g := d.gic
	cpu = g.checkCPU(cpu)

	switch {
	case offset == distCTLR:
		return d.ctlr
	case offset == distTYPER:
		itlines := uint32((g.numIRQ+31)/32-1) & 0x1f
		cpus := uint32(g.numCPU-1) & 0x7
		return cpus<<5 | itlines
	case offset == distIIDR:
		return 0
	case offset >= distIGROUPR && offset < distISENABLER:
		return d.igroupr[(offset-distIGROUPR)/4]
	case offset == distISENABLER, offset == distICENABLER:
		return uint32(d.ppiEnabledMask(cpu))<<16 | 0xffff // SGIs always enabled
	case offset > distISENABLER && offset < distICENABLER:
		return d.spiEnabledMask(int(offset-distISENABLER)/4 - 1)
	case offset > distICENABLER && offset < distISPENDR:
		return d.spiEnabledMask(int(offset-distICENABLER)/4 - 1)
	case offset == distISPENDR, offset == distICPENDR:
		return d.privPendingMask(cpu)
	case offset > distISPENDR && offset < distICPENDR:
		return d.spiPendingMask(int(offset-distISPENDR)/4 - 1)
	case offset > distICPENDR && offset < distISACTIVER:
		return d.spiPendingMask(int(offset-distICPENDR)/4 - 1)
	case offset == distISACTIVER:
		return d.privActiveMask(cpu)
	case offset > distISACTIVER && offset < distICACTIVER:
		return d.spiActiveMask(int(offset-distISACTIVER)/4 - 1)
	case offset >= distIPRIORITY && offset < distIPRIORITY+0x400:
		return d.readPriority(cpu, int(offset-distIPRIORITY))
	case offset >= distITARGETSR && offset < distITARGETSR+0x400:
		return d.readTargets(cpu, int(offset-distITARGETSR))
	case offset == distICFGR:
		return 0xaaaaaaaa // SGIs are always edge triggered
	case offset == distICFGR+4:
		return d.icfgrPPI
	case offset > distICFGR+4 && offset < distSGIR:
		idx := int(offset-distICFGR)/4 - 2
		if idx < len(d.icfgrSPI) {
			return d.icfgrSPI[idx]
		}
		return 0
	case offset >= distCPENDSGIR && offset < distSPENDSGIR:
		return d.readSGIPending(cpu, int(offset-distCPENDSGIR))
	case offset >= distSPENDSGIR && offset < distSPENDSGIR+0x10:
		return d.readSGIPending(cpu, int(offset-distSPENDSGIR))
	case offset >= distCIDR && offset < distCIDR+0x10:
		return ambaPCID >> (8 * ((offset - distCIDR) / 4)) & 0xff
	default:
		return 0
	}
}

// Write handles a store to the distributor window by the given CPU.
func (d *Distif) Write(cpu int, offset uint32, value uint32) {
	g := d.gic
	cpu = g.checkCPU(cpu)

	switch {
	case offset == distCTLR:
		d.ctlr = value & 0x3
		g.update(false)
	case offset >= distIGROUPR && offset < distISENABLER:
		d.igroupr[(offset-distIGROUPR)/4] = value
	case offset == distISENABLER:
		d.writeEnablerPriv(cpu, value, true)
	case offset > distISENABLER && offset < distICENABLER:
		d.writeEnablerSPI(int(offset-distISENABLER)/4-1, value, true)
	case offset == distICENABLER:
		d.writeEnablerPriv(cpu, value, false)
	case offset > distICENABLER && offset < distISPENDR:
		d.writeEnablerSPI(int(offset-distICENABLER)/4-1, value, false)
	case offset == distISPENDR:
		d.writePendingPriv(cpu, value, true)
	case offset > distISPENDR && offset < distICPENDR:
		d.writePendingSPI(int(offset-distISPENDR)/4-1, value, true)
	case offset == distICPENDR:
		d.writePendingPriv(cpu, value, false)
	case offset > distICPENDR && offset < distISACTIVER:
		d.writePendingSPI(int(offset-distICPENDR)/4-1, value, false)
	case offset == distICACTIVER:
		mask := uint8(1) << cpu
		for irq := 0; irq < NumPriv; irq++ {
			if value&(1<<irq) != 0 {
				g.setActive(irq, false, mask)
			}
		}
	case offset > distICACTIVER && offset < distIPRIORITY:
		base := NumPriv + (int(offset-distICACTIVER)/4-1)*32
		for i := 0; i < 32; i++ {
			if value&(1<<i) != 0 && g.validIRQ(base+i) {
				g.setActive(base+i, false, AllCPU)
			}
		}
	case offset >= distIPRIORITY && offset < distIPRIORITY+0x400:
		d.writePriority(cpu, int(offset-distIPRIORITY), value)
	case offset >= distITARGETSR && offset < distITARGETSR+0x400:
		d.writeTargets(int(offset-distITARGETSR), value)
	case offset == distICFGR+4:
		d.writeICFGRPPI(value)
	case offset > distICFGR+4 && offset < distSGIR:
		d.writeICFGRSPI(int(offset-distICFGR)/4-2, value)
	case offset == distSGIR:
		d.writeSGIR(cpu, value)
	case offset >= distCPENDSGIR && offset < distSPENDSGIR:
		d.writeSGIPending(cpu, int(offset-distCPENDSGIR), value, false)
	case offset >= distSPENDSGIR && offset < distSPENDSGIR+0x10:
		d.writeSGIPending(cpu, int(offset-distSPENDSGIR), value, true)
	}
}

func (d *Distif) ppiEnabledMask(cpu int) uint16 {
	var mask uint16
	cpuMask := uint8(1) << cpu
	for i := 0; i < NumPPI; i++ {
		if d.gic.isEnabled(NumSGI+i, cpuMask) {
			mask |= 1 << i
		}
	}
	return mask
}

func (d *Distif) spiEnabledMask(idx int) uint32 {
	var value uint32
	base := NumPriv + idx*32
	for i := 0; i < 32; i++ {
		if d.gic.validIRQ(base+i) && d.gic.isEnabled(base+i, AllCPU) {
			value |= 1 << i
		}
	}
	return value
}

func (d *Distif) privPendingMask(cpu int) uint32 {
	var value uint32
	mask := uint8(1) << cpu
	for irq := 0; irq < NumPriv; irq++ {
		if d.gic.testPending(irq, mask) {
			value |= 1 << irq
		}
	}
	return value
}

func (d *Distif) spiPendingMask(idx int) uint32 {
	var value uint32
	base := NumPriv + idx*32
	for i := 0; i < 32; i++ {
		if d.gic.validIRQ(base+i) && d.gic.testPending(base+i, AllCPU) {
			value |= 1 << i
		}
	}
	return value
}

func (d *Distif) privActiveMask(cpu int) uint32 {
	var value uint32
	mask := uint8(1) << cpu
	for irq := 0; irq < NumPriv; irq++ {
		if d.gic.isActive(irq, mask) {
			value |= 1 << irq
		}
	}
	return value
}

func (d *Distif) spiActiveMask(idx int) uint32 {
	var value uint32
	base := NumPriv + idx*32
	for i := 0; i < 32; i++ {
		if d.gic.validIRQ(base+i) && d.gic.isActive(base+i, AllCPU) {
			value |= 1 << i
		}
	}
	return value
}

func (d *Distif) writeEnablerPriv(cpu int, value uint32, enable bool) {
	g := d.gic
	mask := uint8(1) << cpu
	for irq := NumSGI; irq < NumPriv; irq++ {
		if value&(1<<irq) == 0 {
			continue
		}
		if enable {
			g.enableIRQ(irq, mask)
			if g.irqs[irq].level&mask != 0 && g.irqs[irq].trigger == Level {
				g.setPending(irq, true, mask)
			}
		} else {
			g.disableIRQ(irq, mask)
		}
	}
	g.update(false)
}

func (d *Distif) writeEnablerSPI(idx int, value uint32, enable bool) {
	g := d.gic
	base := NumPriv + idx*32
	for i := 0; i < 32; i++ {
		if value&(1<<i) == 0 || !g.validIRQ(base+i) {
			continue
		}
		irq := base + i
		if enable {
			g.enableIRQ(irq, AllCPU)
			if g.irqs[irq].level != 0 && g.irqs[irq].trigger == Level {
				g.setPending(irq, true, AllCPU)
			}
		} else {
			g.disableIRQ(irq, AllCPU)
		}
	}
	g.update(false)
}

func (d *Distif) writePendingPriv(cpu int, value uint32, state bool) {
	g := d.gic
	mask := uint8(1) << cpu
	for irq := NumSGI; irq < NumPriv; irq++ {
		if value&(1<<irq) != 0 {
			g.setPending(irq, state, mask)
		}
	}
	g.update(false)
}

func (d *Distif) writePendingSPI(idx int, value uint32, state bool) {
	g := d.gic
	base := NumPriv + idx*32
	for i := 0; i < 32; i++ {
		if value&(1<<i) == 0 || !g.validIRQ(base+i) {
			continue
		}
		if state {
			// Pending is asserted only for the CPUs currently targeted.
			g.setPending(base+i, true, d.itargetsSPI[base+i-NumPriv])
		} else {
			g.setPending(base+i, false, AllCPU)
		}
	}
	g.update(false)
}

func (d *Distif) readPriority(cpu int, byteOff int) uint32 {
	var value uint32
	for lane := 0; lane < 4; lane++ {
		irq := byteOff + lane
		var prio uint8
		switch {
		case irq < NumSGI:
			prio = d.prioSGI[cpu][irq]
		case irq < NumPriv:
			prio = d.prioPPI[cpu][irq-NumSGI]
		case irq < d.gic.numIRQ:
			prio = d.prioSPI[irq-NumPriv]
		}
		value |= uint32(prio) << (8 * lane)
	}
	return value
}

func (d *Distif) writePriority(cpu int, byteOff int, value uint32) {
	for lane := 0; lane < 4; lane++ {
		irq := byteOff + lane
		prio := uint8(value >> (8 * lane))
		switch {
		case irq < NumSGI:
			d.prioSGI[cpu][irq] = prio
		case irq < NumPriv:
			d.prioPPI[cpu][irq-NumSGI] = prio
		case irq < d.gic.numIRQ:
			d.prioSPI[irq-NumPriv] = prio
		}
	}
	d.gic.update(false)
}

func (d *Distif) readTargets(cpu int, byteOff int) uint32 {
	if byteOff < NumPriv {
		// The local CPU is always the target of its own SGIs and PPIs.
		return 0x01010101 << cpu
	}
	var value uint32
	for lane := 0; lane < 4; lane++ {
		irq := byteOff + lane
		if irq >= NumPriv && irq < d.gic.numIRQ {
			value |= uint32(d.itargetsSPI[irq-NumPriv]) << (8 * lane)
		}
	}
	return value
}

func (d *Distif) writeTargets(byteOff int, value uint32) {
	if byteOff < NumPriv {
		return // banked targets are read-only
	}
	cpuMask := uint8(1)<<d.gic.numCPU - 1
	for lane := 0; lane < 4; lane++ {
		irq := byteOff + lane
		if irq >= NumPriv && irq < d.gic.numIRQ {
			d.itargetsSPI[irq-NumPriv] = uint8(value>>(8*lane)) & cpuMask
		}
	}
	d.gic.update(false)
}

func (d *Distif) writeICFGRPPI(value uint32) {
	d.icfgrPPI = value & 0xaaaaaaaa // bit 0 of each field is reserved
	for i := 0; i < NumPPI; i++ {
		irq := NumSGI + i
		if value&(2<<(i*2)) != 0 {
			d.gic.irqs[irq].trigger = Edge
		} else {
			d.gic.irqs[irq].trigger = Level
		}
	}
	d.gic.update(false)
}

func (d *Distif) writeICFGRSPI(idx int, value uint32) {
	if idx < 0 || idx >= len(d.icfgrSPI) {
		return
	}
	d.icfgrSPI[idx] = value & 0xaaaaaaaa
	base := NumPriv + idx*16
	for i := 0; i < 16; i++ {
		if !d.gic.validIRQ(base + i) {
			break
		}
		if value&(2<<(i*2)) != 0 {
			d.gic.irqs[base+i].trigger = Edge
		} else {
			d.gic.irqs[base+i].trigger = Level
		}
	}
	d.gic.update(false)
}

func (d *Distif) writeSGIR(cpu int, value uint32) {
	g := d.gic
	sgi := int(value & 0x0f)
	targets := uint8(value >> 16)
	filter := value >> 24 & 0x3

	switch filter {
	case 0:
		// forward to the CPUs in the target list
	case 1:
		targets = AllCPU &^ (1 << cpu)
	case 2:
		targets = 1 << cpu
	default:
		slog.Warn("gic: bad sgi target filter", "filter", filter)
	}

	g.setPending(sgi, true, targets)
	for target := 0; target < g.numCPU; target++ {
		if targets&(1<<target) != 0 {
			d.setSGIPending(1<<cpu, sgi, target, true)
		}
	}
	g.setSignaled(sgi, false, targets)
	g.update(false)
}

// setSGIPending adds or removes source CPUs from an SGI's pending set.
func (d *Distif) setSGIPending(sources uint8, sgi, cpu int, set bool) {
	if set {
		d.sgiPending[cpu][sgi] |= sources
	} else {
		d.sgiPending[cpu][sgi] &^= sources
	}
}

func (d *Distif) readSGIPending(cpu int, byteOff int) uint32 {
	var value uint32
	for lane := 0; lane < 4; lane++ {
		sgi := byteOff + lane
		if sgi < NumSGI {
			value |= uint32(d.sgiPending[cpu][sgi]) << (8 * lane)
		}
	}
	return value
}

func (d *Distif) writeSGIPending(cpu int, byteOff int, value uint32, set bool) {
	g := d.gic
	mask := uint8(1) << cpu
	for lane := 0; lane < 4; lane++ {
		sgi := byteOff + lane
		sources := uint8(value >> (8 * lane))
		if sgi >= NumSGI || sources == 0 {
			continue
		}
		d.setSGIPending(sources, sgi, cpu, set)
		if set {
			g.setPending(sgi, true, mask)
			g.setSignaled(sgi, false, mask)
		} else if d.sgiPending[cpu][sgi] == 0 {
			g.setPending(sgi, false, mask)
		}
	}
	g.update(false)
}
