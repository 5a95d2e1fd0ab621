package virtio

import (
	"encoding/binary"
	"testing"
)

// stubDevice is a minimal transport peer recording what the transport tells
// it.
type stubDevice struct {
	features   uint64
	accepted   []uint64
	notified   []uint32
	config     [8]byte
	configMods int
}

func (d *stubDevice) Identify(desc *DeviceDesc) {
	desc.DeviceID = DeviceRNG
	desc.VendorID = VendorVPSim
	desc.RequestQueue(0, 8)
}

func (d *stubDevice) Notify(vqid uint32) bool {
	d.notified = append(d.notified, vqid)
	return vqid == 0
}

func (d *stubDevice) ReadFeatures() uint64 { return d.features }

func (d *stubDevice) WriteFeatures(features uint64) bool {
	d.accepted = append(d.accepted, features)
	return features&^d.features == 0
}

func (d *stubDevice) ReadConfig(offset uint32, data []byte) bool {
	for i := range data {
		pos := int(offset) + i
		if pos < len(d.config) {
			data[i] = d.config[pos]
		}
	}
	return true
}

func (d *stubDevice) WriteConfig(offset uint32, data []byte) bool {
	d.configMods++
	for i := range data {
		pos := int(offset) + i
		if pos < len(d.config) {
			d.config[pos] = data[i]
		}
	}
	return true
}

type mmioHarness struct {
	mem      *guestMem
	dev      *stubDevice
	tr       *MMIOTransport
	irqLevel bool
}

func newMMIOHarness(t *testing.T, features uint64) *mmioHarness {
	t.Helper()
	h := &mmioHarness{
		mem: newGuestMem(0x10000),
		dev: &stubDevice{features: features},
	}
	h.tr = NewMMIO(h.dev, h.mem.dmi, func(level bool) { h.irqLevel = level })
	return h
}

func (h *mmioHarness) read32(t *testing.T, offset uint64) uint32 {
	t.Helper()
	var buf [4]byte
	if err := h.tr.Read(offset, buf[:]); err != nil {
		t.Fatalf("read %#x: %v", offset, err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

func (h *mmioHarness) write32(t *testing.T, offset uint64, value uint32) {
	t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	if err := h.tr.Write(offset, buf[:]); err != nil {
		t.Fatalf("write %#x: %v", offset, err)
	}
}

// negotiate runs the driver side of feature negotiation.
func (h *mmioHarness) negotiate(t *testing.T, driverFeatures uint64) uint32 {
	t.Helper()
	h.write32(t, regStatus, 0x1|0x2) // ACKNOWLEDGE|DRIVER
	h.write32(t, regDriverFeaturesSel, 0)
	h.write32(t, regDriverFeatures, uint32(driverFeatures))
	h.write32(t, regDriverFeaturesSel, 1)
	h.write32(t, regDriverFeatures, uint32(driverFeatures>>32))
	h.write32(t, regStatus, 0x1|0x2|statusFeaturesOK)
	return h.read32(t, regStatus)
}

// program sets up queue 0 over the guest memory rings used by the split
// harness addresses.
func (h *mmioHarness) program(t *testing.T, size uint32) {
	t.Helper()
	h.write32(t, regQueueSel, 0)
	h.write32(t, regQueueNum, size)
	h.write32(t, regQueueDescLow, testDescBase)
	h.write32(t, regQueueDescHigh, 0)
	h.write32(t, regQueueAvailLow, testAvailBase)
	h.write32(t, regQueueAvailHigh, 0)
	h.write32(t, regQueueUsedLow, testUsedBase)
	h.write32(t, regQueueUsedHigh, 0)
	h.write32(t, regQueueReady, 1)
	if h.read32(t, regQueueReady) != 1 {
		t.Fatalf("queue did not become ready")
	}
}

func TestMMIOIdentity(t *testing.T) {
	h := newMMIOHarness(t, FeatVersion1)
	if magic := h.read32(t, regMagicValue); magic != mmioMagic {
		t.Fatalf("magic = %#x", magic)
	}
	if version := h.read32(t, regVersion); version != 2 {
		t.Fatalf("version = %d, want 2", version)
	}
	if id := h.read32(t, regDeviceID); id != DeviceRNG {
		t.Fatalf("device id = %d, want %d", id, DeviceRNG)
	}
	if max := h.read32(t, regQueueNumMax); max != 8 {
		t.Fatalf("queue max = %d, want 8", max)
	}
}

func TestMMIOFeatureNegotiationSubset(t *testing.T) {
	h := newMMIOHarness(t, FeatVersion1|FeatRingEventIdx)

	status := h.negotiate(t, FeatVersion1)
	if status&statusFeaturesOK == 0 {
		t.Fatalf("subset negotiation rejected, status=%#x", status)
	}
	if len(h.dev.accepted) != 1 || h.dev.accepted[0] != FeatVersion1 {
		t.Fatalf("device saw features %#x", h.dev.accepted)
	}
}

func TestMMIOFeatureNegotiationRejectsSuperset(t *testing.T) {
	h := newMMIOHarness(t, FeatVersion1)

	status := h.negotiate(t, FeatVersion1|FeatRingPacked)
	if status&statusFeaturesOK != 0 {
		t.Fatalf("superset negotiation accepted, status=%#x", status)
	}
}

func TestMMIOQueueNotifyDispatch(t *testing.T) {
	h := newMMIOHarness(t, FeatVersion1)
	h.negotiate(t, FeatVersion1)
	h.program(t, 8)

	h.write32(t, regQueueNotify, 0)
	if len(h.dev.notified) != 1 || h.dev.notified[0] != 0 {
		t.Fatalf("notify calls = %v", h.dev.notified)
	}
}

func TestMMIOGetPutInterrupt(t *testing.T) {
	h := newMMIOHarness(t, FeatVersion1)
	h.negotiate(t, FeatVersion1)
	h.program(t, 8)

	h.mem.writeSplitDesc(testDescBase, 0, 0x4000, 16, descFWrite, 0)
	h.mem.put16(testAvailBase+4, 0)
	h.mem.put16(testAvailBase+2, 1)

	var msg Message
	if !h.tr.Get(0, &msg) {
		t.Fatalf("get failed: %v", msg.Status)
	}
	if !h.tr.Put(0, &msg) {
		t.Fatalf("put failed: %v", msg.Status)
	}

	if !h.irqLevel {
		t.Fatalf("interrupt line not asserted after put")
	}
	if status := h.read32(t, regInterruptStatus); status&intVRing == 0 {
		t.Fatalf("interrupt status = %#x", status)
	}

	h.write32(t, regInterruptAck, intVRing)
	if h.irqLevel {
		t.Fatalf("interrupt line still high after ack")
	}
}

func TestMMIOConfigSpace(t *testing.T) {
	h := newMMIOHarness(t, FeatVersion1)

	gen := h.read32(t, regConfigGeneration)
	h.write32(t, regConfig+4, 0xdeadbeef)
	if h.dev.configMods != 1 {
		t.Fatalf("config writes = %d, want 1", h.dev.configMods)
	}
	if got := h.read32(t, regConfig+4); got != 0xdeadbeef {
		t.Fatalf("config readback = %#x", got)
	}
	if h.read32(t, regConfigGeneration) == gen {
		t.Fatalf("config generation did not advance")
	}
}

func TestMMIOResetClearsState(t *testing.T) {
	h := newMMIOHarness(t, FeatVersion1)
	h.negotiate(t, FeatVersion1)
	h.program(t, 8)

	h.write32(t, regStatus, 0)
	if h.read32(t, regStatus) != 0 {
		t.Fatalf("status not cleared")
	}
	if h.read32(t, regQueueReady) != 0 {
		t.Fatalf("queue still ready after reset")
	}
	if h.irqLevel {
		t.Fatalf("interrupt line high after reset")
	}
}
