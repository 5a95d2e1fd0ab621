package virtio

import (
	"io"
	"log/slog"
	"sync"
)

const (
	consoleQueueRx   = 0
	consoleQueueTx   = 1
	consoleQueueSize = 256
)

// Console is a virtio console. Guest transmit data is written to out; host
// input is injected with InjectInput and delivered through the receive queue.
type Console struct {
	ctrl Controller
	out  io.Writer

	mu      sync.Mutex
	pending []byte
}

func NewConsole(out io.Writer) *Console {
	return &Console{out: out}
}

func (c *Console) Bind(ctrl Controller) { c.ctrl = ctrl }

func (c *Console) Identify(desc *DeviceDesc) {
	desc.DeviceID = DeviceConsole
	desc.VendorID = VendorVPSim
	desc.RequestQueue(consoleQueueRx, consoleQueueSize)
	desc.RequestQueue(consoleQueueTx, consoleQueueSize)
}

func (c *Console) ReadFeatures() uint64 { return FeatVersion1 }

func (c *Console) WriteFeatures(features uint64) bool {
	return features&^c.ReadFeatures() == 0
}

func (c *Console) ReadConfig(offset uint32, data []byte) bool  { return false }
func (c *Console) WriteConfig(offset uint32, data []byte) bool { return false }

func (c *Console) Notify(vqid uint32) bool {
	switch vqid {
	case consoleQueueTx:
		c.drainTx()
	case consoleQueueRx:
		c.flushRx()
	default:
		return false
	}
	return true
}

func (c *Console) drainTx() {
	var msg Message
	for c.ctrl.Get(consoleQueueTx, &msg) {
		data := make([]byte, msg.LengthOut)
		n := msg.CopyOut(data, 0)
		if c.out != nil && n > 0 {
			if _, err := c.out.Write(data[:n]); err != nil {
				slog.Warn("virtio-console: output write failed", "err", err)
			}
		}
		msg.LengthIn = 0
		c.ctrl.Put(consoleQueueTx, &msg)
	}
}

// InjectInput queues host input for the guest. Safe to call from any thread;
// delivery happens on the caller of flushRx (queue notify or Poll).
func (c *Console) InjectInput(data []byte) {
	c.mu.Lock()
	c.pending = append(c.pending, data...)
	c.mu.Unlock()
}

// Poll delivers any pending input. Intended to be called from a simulator
// handler.
func (c *Console) Poll() {
	c.flushRx()
}

func (c *Console) flushRx() {
	c.mu.Lock()
	data := c.pending
	c.pending = nil
	c.mu.Unlock()
	if len(data) == 0 {
		return
	}

	var msg Message
	for len(data) > 0 && c.ctrl.Get(consoleQueueRx, &msg) {
		n := msg.CopyIn(data, 0)
		msg.LengthIn = uint32(n)
		c.ctrl.Put(consoleQueueRx, &msg)
		data = data[n:]
	}

	if len(data) > 0 {
		// No receive buffers left; keep the rest for the next notify.
		c.mu.Lock()
		c.pending = append(data, c.pending...)
		c.mu.Unlock()
	}
}
