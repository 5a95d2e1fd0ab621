package virtio

import (
	"encoding/binary"
	"fmt"
)

// Split ring descriptor flags.
const (
	descFNext     uint16 = 1 << 0
	descFWrite    uint16 = 1 << 1
	descFIndirect uint16 = 1 << 2

	availFNoInterrupt uint16 = 1 << 0
	usedFNoNotify     uint16 = 1 << 0
)

const splitDescBytes = 16

// SplitQueue implements the classic three-ring layout: descriptor table,
// available ring and used ring, with optional event-index suppression.
type SplitQueue struct {
	name string
	desc QueueDesc
	dmi  DMAFunc

	lastAvailIdx uint16

	// Cached DMI spans; nil until Validate succeeds.
	descTable []byte
	avail     []byte
	used      []byte

	notify bool
}

func newSplitQueue(desc QueueDesc, dmi DMAFunc) *SplitQueue {
	return &SplitQueue{
		name: fmt.Sprintf("virtqueue%d(split)", desc.ID),
		desc: desc,
		dmi:  dmi,
	}
}

func (q *SplitQueue) ID() uint32        { return q.desc.ID }
func (q *SplitQueue) Size() uint32      { return q.desc.Size }
func (q *SplitQueue) NeedsNotify() bool { return q.notify }

func (q *SplitQueue) descSize() uint64 {
	return splitDescBytes * uint64(q.desc.Size)
}

func (q *SplitQueue) driverSize() uint64 {
	sz := 4 + 2*uint64(q.desc.Size)
	if q.desc.HasEventIdx {
		sz += 2
	}
	return sz
}

func (q *SplitQueue) deviceSize() uint64 {
	sz := 4 + 8*uint64(q.desc.Size)
	if q.desc.HasEventIdx {
		sz += 2
	}
	return sz
}

func (q *SplitQueue) Validate() bool {
	q.descTable = q.dmi(q.desc.Desc, q.descSize(), AccessRead)
	q.avail = q.dmi(q.desc.Driver, q.driverSize(), AccessRead)
	q.used = q.dmi(q.desc.Device, q.deviceSize(), AccessWrite)
	if q.descTable == nil || q.avail == nil || q.used == nil {
		q.descTable, q.avail, q.used = nil, nil, nil
		return false
	}
	return true
}

func (q *SplitQueue) Invalidate(r Range) {
	regions := []Range{
		{q.desc.Desc, q.desc.Desc + q.descSize()},
		{q.desc.Driver, q.desc.Driver + q.driverSize()},
		{q.desc.Device, q.desc.Device + q.deviceSize()},
	}
	for _, reg := range regions {
		if r.Overlaps(reg) {
			q.descTable, q.avail, q.used = nil, nil, nil
			return
		}
	}
}

func (q *SplitQueue) Get(msg *Message) bool {
	return wrapGet(q.name, msg, q.doGet(msg))
}

func (q *SplitQueue) Put(msg *Message) bool {
	return wrapPut(q.name, msg, q.doPut(msg))
}

func (q *SplitQueue) readDesc(idx uint16) (addr uint64, length uint32, flags, next uint16) {
	d := q.descTable[int(idx)*splitDescBytes:]
	addr = binary.LittleEndian.Uint64(d[0:8])
	length = binary.LittleEndian.Uint32(d[8:12])
	flags = binary.LittleEndian.Uint16(d[12:14])
	next = binary.LittleEndian.Uint16(d[14:16])
	return
}

func (q *SplitQueue) availIdx() uint16 {
	return binary.LittleEndian.Uint16(q.avail[2:4])
}

func (q *SplitQueue) availRing(slot uint16) uint16 {
	return binary.LittleEndian.Uint16(q.avail[4+2*int(slot):])
}

// usedEvent is the driver's event index, valid only with HasEventIdx.
func (q *SplitQueue) usedEvent() uint16 {
	return binary.LittleEndian.Uint16(q.avail[4+2*int(q.desc.Size):])
}

// setAvailEvent publishes how far the device has consumed the available ring.
func (q *SplitQueue) setAvailEvent(v uint16) {
	binary.LittleEndian.PutUint16(q.used[4+8*int(q.desc.Size):], v)
}

func (q *SplitQueue) doGet(msg *Message) Status {
	if q.descTable == nil && !q.Validate() {
		return ErrNoDMI
	}

	if q.availIdx() == q.lastAvailIdx {
		return Incomplete
	}

	head := q.availRing(q.lastAvailIdx % uint16(q.desc.Size))
	idx := head
	for chain := uint32(0); ; chain++ {
		if chain >= q.desc.Size {
			return ErrChain
		}
		if uint32(idx) >= q.desc.Size {
			return ErrDesc
		}

		addr, length, flags, next := q.readDesc(idx)
		if flags&descFIndirect != 0 {
			return ErrIndirect
		}

		acc := AccessRead
		if flags&descFWrite != 0 {
			acc = AccessWrite
		}
		if q.dmi(addr, uint64(length), acc) == nil {
			return ErrNoDMI
		}

		msg.Append(addr, length, flags&descFWrite != 0)
		if flags&descFNext == 0 {
			break
		}
		idx = next
	}

	msg.Index = uint32(head)
	q.lastAvailIdx++
	if q.desc.HasEventIdx {
		q.setAvailEvent(q.lastAvailIdx)
	}
	return OK
}

func (q *SplitQueue) doPut(msg *Message) Status {
	if q.used == nil && !q.Validate() {
		return ErrNoDMI
	}

	oldIdx := binary.LittleEndian.Uint16(q.used[2:4])
	slot := oldIdx % uint16(q.desc.Size)
	elem := q.used[4+8*int(slot):]
	binary.LittleEndian.PutUint32(elem[0:4], msg.Index)
	binary.LittleEndian.PutUint32(elem[4:8], msg.LengthIn)

	// The element must be visible before the index moves past it.
	newIdx := oldIdx + 1
	binary.LittleEndian.PutUint16(q.used[2:4], newIdx)

	if q.desc.HasEventIdx {
		q.notify = needEvent(q.usedEvent(), newIdx, oldIdx)
	} else {
		flags := binary.LittleEndian.Uint16(q.avail[0:2])
		q.notify = flags&availFNoInterrupt == 0
	}
	return OK
}

// needEvent is the vring_need_event inequality with 16-bit wraparound: the
// driver asked to be notified once the used index moves past event.
func needEvent(event, newIdx, oldIdx uint16) bool {
	return newIdx-event-1 < newIdx-oldIdx
}
