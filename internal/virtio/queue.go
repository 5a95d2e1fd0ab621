package virtio

import "log/slog"

// Queue is one virtqueue. The set of ring formats is closed: NewQueue returns
// either a SplitQueue or a PackedQueue.
type Queue interface {
	ID() uint32
	Size() uint32

	// Validate resolves the queue's guest memory through the DMI callback.
	// A queue that fails validation serves no traffic.
	Validate() bool

	// Invalidate drops cached guest memory spans overlapping r and forces
	// re-validation on the next access.
	Invalidate(r Range)

	// Get fetches the next available message. Returns false when no work is
	// available or the walk failed; failures are recorded on msg.Status and
	// logged, INCOMPLETE is silent.
	Get(msg *Message) bool

	// Put completes a message and records whether the driver asked to be
	// notified, readable via NeedsNotify.
	Put(msg *Message) bool

	// NeedsNotify reports the notification decision of the last Put.
	NeedsNotify() bool
}

// NewQueue builds a queue for the given configuration. The ring format is
// selected by the negotiated RING_PACKED feature.
func NewQueue(desc QueueDesc, dmi DMAFunc, packed bool) Queue {
	if packed {
		return newPackedQueue(desc, dmi)
	}
	return newSplitQueue(desc, dmi)
}

func wrapGet(name string, msg *Message, st Status) bool {
	msg.Status = st
	if st.Failed() {
		slog.Warn("virtio: get failed", "queue", name, "status", st.String())
	}
	return st.Success()
}

func wrapPut(name string, msg *Message, st Status) bool {
	msg.Status = st
	if st.Failed() {
		slog.Warn("virtio: put failed", "queue", name, "status", st.String())
	}
	return st.Success()
}
