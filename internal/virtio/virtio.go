// Package virtio implements the virtio transport core: scatter/gather
// messages, split and packed virtqueues walked over guest memory, and the
// device/controller contract that binds a device model to its transport.
package virtio

// Status is the outcome of a queue operation. Values above zero are
// successes, values below zero are errors, zero means no work available.
type Status int

const (
	Incomplete  Status = 0
	OK          Status = 1
	ErrIndirect Status = -1
	ErrNoDMI    Status = -2
	ErrChain    Status = -3
	ErrDesc     Status = -4
)

func (s Status) Success() bool { return s > 0 }
func (s Status) Failed() bool  { return s < 0 }

func (s Status) String() string {
	switch s {
	case Incomplete:
		return "INCOMPLETE"
	case OK:
		return "OK"
	case ErrIndirect:
		return "ERR_INDIRECT"
	case ErrNoDMI:
		return "ERR_NODMI"
	case ErrChain:
		return "ERR_CHAIN"
	case ErrDesc:
		return "ERR_DESC"
	default:
		return "UNKNOWN"
	}
}

// Access is the direction of a guest memory access.
type Access int

const (
	AccessRead Access = iota
	AccessWrite
)

// DMAFunc resolves a guest-physical range to host memory. A nil return means
// the range is not accessible for the requested direction. The returned slice
// is a borrow; holders must drop it when the owning region is invalidated.
type DMAFunc func(addr, length uint64, acc Access) []byte

// Range is a half-open guest-physical address range [Lo, Hi).
type Range struct {
	Lo, Hi uint64
}

func (r Range) Overlaps(o Range) bool {
	return r.Lo < o.Hi && o.Lo < r.Hi
}

// Virtio device type identifiers.
const (
	DeviceNone    uint32 = 0
	DeviceNet     uint32 = 1
	DeviceBlock   uint32 = 2
	DeviceConsole uint32 = 3
	DeviceRNG     uint32 = 4
	DeviceGPU     uint32 = 16
	DeviceInput   uint32 = 18
)

// Device-independent feature bits.
const (
	FeatRingIndirectDesc uint64 = 1 << 28
	FeatRingEventIdx     uint64 = 1 << 29
	FeatVersion1         uint64 = 1 << 32
	FeatAccessPlatform   uint64 = 1 << 33
	FeatRingPacked       uint64 = 1 << 34
	FeatInOrder          uint64 = 1 << 35
	FeatOrderPlatform    uint64 = 1 << 36
	FeatSRIOV            uint64 = 1 << 37
	FeatNotificationData uint64 = 1 << 38
)

// QueueDesc is the configuration of one virtqueue. Size stays zero until the
// driver programs it; Limit is the largest size the device accepts.
type QueueDesc struct {
	ID          uint32
	Limit       uint32
	Size        uint32
	Desc        uint64
	Driver      uint64
	Device      uint64
	HasEventIdx bool
}

// DeviceDesc is filled in by a device during Identify.
type DeviceDesc struct {
	DeviceID   uint32
	VendorID   uint32
	Virtqueues map[uint32]QueueDesc
}

// RequestQueue registers a virtqueue with the given maximum size.
func (d *DeviceDesc) RequestQueue(id, limit uint32) {
	if d.Virtqueues == nil {
		d.Virtqueues = make(map[uint32]QueueDesc)
	}
	d.Virtqueues[id] = QueueDesc{ID: id, Limit: limit}
}

func (d *DeviceDesc) Reset() {
	d.DeviceID = 0
	d.VendorID = 0
	d.Virtqueues = nil
}

// Device is the forward half of the transport contract, implemented by device
// models and driven by their controller.
type Device interface {
	// Identify populates the device id, vendor id and requested virtqueues.
	Identify(desc *DeviceDesc)

	// Notify signals that the driver has made descriptors available on the
	// given queue. Returns false if the queue id is unknown.
	Notify(vqid uint32) bool

	// ReadFeatures returns the feature bits the device supports.
	ReadFeatures() uint64

	// WriteFeatures offers the driver's feature selection. The device accepts
	// it iff it is a subset of its own features.
	WriteFeatures(features uint64) bool

	// ReadConfig and WriteConfig access the device configuration space over
	// [offset, offset+len(data)).
	ReadConfig(offset uint32, data []byte) bool
	WriteConfig(offset uint32, data []byte) bool
}

// Controller is the backward half of the transport contract, implemented by
// the transport that owns the virtqueues.
type Controller interface {
	// Get fetches the next available message from the queue. Returns false if
	// nothing is available or the walk failed; the failure is on msg.Status.
	Get(vqid uint32, msg *Message) bool

	// Put completes a message back to the driver.
	Put(vqid uint32, msg *Message) bool

	// Notify raises an interrupt toward the driver.
	Notify() bool
}
