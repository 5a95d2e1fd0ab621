package virtio

import (
	"encoding/binary"
	"fmt"
)

// Packed ring descriptor flag bits, in addition to NEXT/WRITE/INDIRECT.
const (
	packedFAvail uint16 = 1 << 7
	packedFUsed  uint16 = 1 << 15
)

// Driver/device event suppression structure flags.
const (
	eventFlagEnable  uint16 = 0
	eventFlagDisable uint16 = 1
	eventFlagDesc    uint16 = 2
)

const packedDescBytes = 16

// PackedQueue implements the single-ring packed layout with wrap counters.
// The driver and device areas each hold a 4-byte event suppression structure.
type PackedQueue struct {
	name string
	desc QueueDesc
	dmi  DMAFunc

	lastAvailIdx uint16
	lastPutIdx   uint16
	wrapGet      bool
	wrapPut      bool

	descTable []byte
	driverEv  []byte
	deviceEv  []byte

	notify bool
}

func newPackedQueue(desc QueueDesc, dmi DMAFunc) *PackedQueue {
	return &PackedQueue{
		name:    fmt.Sprintf("virtqueue%d(packed)", desc.ID),
		desc:    desc,
		dmi:     dmi,
		wrapGet: true,
		wrapPut: true,
	}
}

func (q *PackedQueue) ID() uint32        { return q.desc.ID }
func (q *PackedQueue) Size() uint32      { return q.desc.Size }
func (q *PackedQueue) NeedsNotify() bool { return q.notify }

func (q *PackedQueue) descSize() uint64 {
	return packedDescBytes * uint64(q.desc.Size)
}

func (q *PackedQueue) Validate() bool {
	// The device rewrites descriptor id/len/flags on completion.
	q.descTable = q.dmi(q.desc.Desc, q.descSize(), AccessWrite)
	q.driverEv = q.dmi(q.desc.Driver, 4, AccessRead)
	q.deviceEv = q.dmi(q.desc.Device, 4, AccessWrite)
	if q.descTable == nil || q.driverEv == nil || q.deviceEv == nil {
		q.descTable, q.driverEv, q.deviceEv = nil, nil, nil
		return false
	}
	return true
}

func (q *PackedQueue) Invalidate(r Range) {
	regions := []Range{
		{q.desc.Desc, q.desc.Desc + q.descSize()},
		{q.desc.Driver, q.desc.Driver + 4},
		{q.desc.Device, q.desc.Device + 4},
	}
	for _, reg := range regions {
		if r.Overlaps(reg) {
			q.descTable, q.driverEv, q.deviceEv = nil, nil, nil
			return
		}
	}
}

func (q *PackedQueue) Get(msg *Message) bool {
	return wrapGet(q.name, msg, q.doGet(msg))
}

func (q *PackedQueue) Put(msg *Message) bool {
	return wrapPut(q.name, msg, q.doPut(msg))
}

func (q *PackedQueue) readDesc(idx uint16) (addr uint64, length uint32, flags uint16) {
	d := q.descTable[int(idx)*packedDescBytes:]
	addr = binary.LittleEndian.Uint64(d[0:8])
	length = binary.LittleEndian.Uint32(d[8:12])
	flags = binary.LittleEndian.Uint16(d[14:16])
	return
}

// available reports whether a descriptor's AVAIL/USED flag pair marks it as
// offered by the driver relative to the given wrap counter.
func available(flags uint16, wrap bool) bool {
	avail := (flags&packedFAvail != 0) == wrap
	used := (flags&packedFUsed != 0) == wrap
	return avail && !used
}

func (q *PackedQueue) advanceGet() {
	q.lastAvailIdx++
	if q.lastAvailIdx == uint16(q.desc.Size) {
		q.lastAvailIdx = 0
		q.wrapGet = !q.wrapGet
	}
}

func (q *PackedQueue) doGet(msg *Message) Status {
	if q.descTable == nil && !q.Validate() {
		return ErrNoDMI
	}

	head := q.lastAvailIdx
	_, _, flags := q.readDesc(head)
	if !available(flags, q.wrapGet) {
		return Incomplete
	}

	idx := head
	for chain := uint32(0); ; chain++ {
		if chain >= q.desc.Size {
			return ErrChain
		}

		addr, length, flags := q.readDesc(idx)
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
		q.advanceGet()
		if flags&descFNext == 0 {
			break
		}
		idx = q.lastAvailIdx
	}

	msg.Index = uint32(head)
	return OK
}

func (q *PackedQueue) doPut(msg *Message) Status {
	if q.descTable == nil && !q.Validate() {
		return ErrNoDMI
	}

	slot := q.lastPutIdx
	d := q.descTable[int(slot)*packedDescBytes:]
	binary.LittleEndian.PutUint32(d[8:12], msg.LengthIn)
	binary.LittleEndian.PutUint16(d[12:14], uint16(msg.Index))

	// Publish id/len before flags; the flag store commits the element, with
	// AVAIL and USED both encoding the current wrap counter.
	var flags uint16
	if q.wrapPut {
		flags = packedFAvail | packedFUsed
	}
	binary.LittleEndian.PutUint16(d[14:16], flags)

	q.lastPutIdx++
	if q.lastPutIdx == uint16(q.desc.Size) {
		q.lastPutIdx = 0
		q.wrapPut = !q.wrapPut
	}

	offWrap := binary.LittleEndian.Uint16(q.driverEv[0:2])
	switch binary.LittleEndian.Uint16(q.driverEv[2:4]) {
	case eventFlagEnable:
		q.notify = true
	case eventFlagDisable:
		q.notify = false
	case eventFlagDesc:
		q.notify = uint16(slot) == offWrap&0x7fff
	default:
		q.notify = true
	}
	return OK
}
