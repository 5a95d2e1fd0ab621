package virtio

import (
	"crypto/rand"
	"log/slog"
)

// VendorVPSim is the vendor id stamped on built-in devices ("vpsm").
const VendorVPSim uint32 = 'v' | 'p'<<8 | 's'<<16 | 'm'<<24

const rngQueueSize = 8

// RNG is a virtio entropy source. Every request buffer is filled from the
// host's CSPRNG.
type RNG struct {
	ctrl Controller
}

func NewRNG() *RNG { return &RNG{} }

// Bind attaches the controller. Must be called before traffic.
func (r *RNG) Bind(ctrl Controller) { r.ctrl = ctrl }

func (r *RNG) Identify(desc *DeviceDesc) {
	desc.DeviceID = DeviceRNG
	desc.VendorID = VendorVPSim
	desc.RequestQueue(0, rngQueueSize)
}

func (r *RNG) ReadFeatures() uint64 { return FeatVersion1 }

func (r *RNG) WriteFeatures(features uint64) bool {
	return features&^r.ReadFeatures() == 0
}

func (r *RNG) ReadConfig(offset uint32, data []byte) bool  { return false }
func (r *RNG) WriteConfig(offset uint32, data []byte) bool { return false }

func (r *RNG) Notify(vqid uint32) bool {
	if vqid != 0 {
		return false
	}
	var msg Message
	for r.ctrl.Get(0, &msg) {
		buf := make([]byte, msg.LengthIn)
		if _, err := rand.Read(buf); err != nil {
			slog.Warn("virtio-rng: entropy source failed", "err", err)
			buf = buf[:0]
		}
		n := msg.CopyIn(buf, 0)
		msg.LengthIn = uint32(n)
		r.ctrl.Put(0, &msg)
	}
	return true
}
