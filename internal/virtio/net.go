package virtio

import (
	"log/slog"
	"sync"
)

const (
	netQueueRx   = 0
	netQueueTx   = 1
	netQueueSize = 256

	// virtio_net_hdr with num_buffers, prepended to every frame.
	netHdrBytes = 12

	featNetMAC    uint64 = 1 << 5
	featNetStatus uint64 = 1 << 16

	netStatusLinkUp = 1
)

// NetBackend carries guest frames to the host network.
type NetBackend interface {
	Transmit(frame []byte) error
}

// Net is a virtio network device. Frames from the backend are enqueued with
// EnqueueRx (any thread) and delivered from a simulator handler.
type Net struct {
	ctrl    Controller
	backend NetBackend
	mac     [6]byte

	mu sync.Mutex
	rx [][]byte
}

func NewNet(mac [6]byte, backend NetBackend) *Net {
	return &Net{backend: backend, mac: mac}
}

func (n *Net) Bind(ctrl Controller) { n.ctrl = ctrl }

// SetBackend attaches the host network backend.
func (n *Net) SetBackend(backend NetBackend) { n.backend = backend }

func (n *Net) Identify(desc *DeviceDesc) {
	desc.DeviceID = DeviceNet
	desc.VendorID = VendorVPSim
	desc.RequestQueue(netQueueRx, netQueueSize)
	desc.RequestQueue(netQueueTx, netQueueSize)
}

func (n *Net) ReadFeatures() uint64 {
	return FeatVersion1 | featNetMAC | featNetStatus
}

func (n *Net) WriteFeatures(features uint64) bool {
	return features&^n.ReadFeatures() == 0
}

func (n *Net) ReadConfig(offset uint32, data []byte) bool {
	image := make([]byte, 8)
	copy(image, n.mac[:])
	image[6] = netStatusLinkUp
	for i := range data {
		pos := int(offset) + i
		if pos < len(image) {
			data[i] = image[pos]
		} else {
			data[i] = 0
		}
	}
	return true
}

func (n *Net) WriteConfig(offset uint32, data []byte) bool { return false }

func (n *Net) Notify(vqid uint32) bool {
	switch vqid {
	case netQueueTx:
		n.drainTx()
	case netQueueRx:
		n.flushRx()
	default:
		return false
	}
	return true
}

func (n *Net) drainTx() {
	var msg Message
	for n.ctrl.Get(netQueueTx, &msg) {
		data := make([]byte, msg.LengthOut)
		cnt := msg.CopyOut(data, 0)
		if cnt > netHdrBytes && n.backend != nil {
			if err := n.backend.Transmit(data[netHdrBytes:cnt]); err != nil {
				slog.Warn("virtio-net: transmit failed", "err", err)
			}
		}
		msg.LengthIn = 0
		n.ctrl.Put(netQueueTx, &msg)
	}
}

// EnqueueRx queues a frame for the guest. Safe to call from backend threads.
func (n *Net) EnqueueRx(frame []byte) {
	n.mu.Lock()
	n.rx = append(n.rx, append([]byte(nil), frame...))
	n.mu.Unlock()
}

// Poll delivers pending receive frames. Called from a simulator handler.
func (n *Net) Poll() {
	n.flushRx()
}

func (n *Net) flushRx() {
	n.mu.Lock()
	frames := n.rx
	n.rx = nil
	n.mu.Unlock()

	var msg Message
	for i, frame := range frames {
		if !n.ctrl.Get(netQueueRx, &msg) {
			n.mu.Lock()
			n.rx = append(frames[i:], n.rx...)
			n.mu.Unlock()
			return
		}
		buf := make([]byte, netHdrBytes+len(frame))
		buf[10] = 1 // num_buffers
		copy(buf[netHdrBytes:], frame)
		cnt := msg.CopyIn(buf, 0)
		if cnt < len(buf) {
			slog.Warn("virtio-net: rx frame truncated", "frame", len(buf), "copied", cnt)
		}
		msg.LengthIn = uint32(cnt)
		n.ctrl.Put(netQueueRx, &msg)
	}
}
