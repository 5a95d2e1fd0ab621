package virtio

import (
	"encoding/binary"
	"sync"
)

// Virtio input config selectors.
const (
	inputCfgUnset    = 0x00
	inputCfgIDName   = 0x01
	inputCfgIDSerial = 0x02
	inputCfgIDDevids = 0x03
	inputCfgPropBits = 0x10
	inputCfgEvBits   = 0x11
	inputCfgAbsInfo  = 0x12
)

// Linux input event types and codes used by the device.
const (
	evSyn = 0x00
	evKey = 0x01
	evAbs = 0x03

	synReport = 0x00

	btnTouch         = 0x14a
	btnToolFinger    = 0x145
	btnToolDoubleTap = 0x14d
	btnToolTripleTap = 0x14e

	absX = 0x00
	absY = 0x01
)

const (
	inputQueueEvent  = 0
	inputQueueStatus = 1
	inputQueueSize   = 128

	inputEventBytes = 8
)

// InputEvent is one event record in the layout the guest expects.
type InputEvent struct {
	Type  uint16
	Code  uint16
	Value uint32
}

// Input is a virtio input device: a keyboard, a tablet, or both. Events are
// pushed from UI threads and drained into the event queue from a simulator
// handler.
type Input struct {
	ctrl Controller

	Keyboard bool
	Tablet   bool
	MaxX     uint32
	MaxY     uint32

	mu     sync.Mutex
	events []InputEvent

	cfgSel    uint8
	cfgSubsel uint8
	cfgSize   uint8
	cfgData   [128]byte
}

func NewInput(keyboard, tablet bool) *Input {
	return &Input{Keyboard: keyboard, Tablet: tablet, MaxX: 1024, MaxY: 768}
}

func (in *Input) Bind(ctrl Controller) { in.ctrl = ctrl }

func (in *Input) Identify(desc *DeviceDesc) {
	desc.DeviceID = DeviceInput
	desc.VendorID = VendorVPSim
	desc.RequestQueue(inputQueueEvent, inputQueueSize)
	desc.RequestQueue(inputQueueStatus, inputQueueSize)
}

func (in *Input) ReadFeatures() uint64 { return FeatVersion1 }

func (in *Input) WriteFeatures(features uint64) bool {
	return features&^in.ReadFeatures() == 0
}

// PushEvent queues an event followed by no synchronization marker; callers
// push SYN_REPORT themselves when a report is complete. Safe to call from UI
// threads; the lock is released before any simulator interaction.
func (in *Input) PushEvent(ev InputEvent) {
	in.mu.Lock()
	in.events = append(in.events, ev)
	in.mu.Unlock()
}

// PushKey queues a key press or release with its report marker.
func (in *Input) PushKey(code uint16, down bool) {
	var val uint32
	if down {
		val = 1
	}
	in.mu.Lock()
	in.events = append(in.events,
		InputEvent{Type: evKey, Code: code, Value: val},
		InputEvent{Type: evSyn, Code: synReport})
	in.mu.Unlock()
}

// PushPointer queues an absolute pointer move with its report marker.
func (in *Input) PushPointer(x, y uint32) {
	in.mu.Lock()
	in.events = append(in.events,
		InputEvent{Type: evAbs, Code: absX, Value: x},
		InputEvent{Type: evAbs, Code: absY, Value: y},
		InputEvent{Type: evSyn, Code: synReport})
	in.mu.Unlock()
}

// Update drains queued events into the guest. Called periodically from a
// simulator handler and on event-queue notify.
func (in *Input) Update() {
	in.mu.Lock()
	events := in.events
	in.events = nil
	in.mu.Unlock()

	var msg Message
	for i, ev := range events {
		if !in.ctrl.Get(inputQueueEvent, &msg) {
			// Out of buffers; requeue the rest in order.
			in.mu.Lock()
			in.events = append(events[i:], in.events...)
			in.mu.Unlock()
			return
		}
		var buf [inputEventBytes]byte
		binary.LittleEndian.PutUint16(buf[0:2], ev.Type)
		binary.LittleEndian.PutUint16(buf[2:4], ev.Code)
		binary.LittleEndian.PutUint32(buf[4:8], ev.Value)
		n := msg.CopyIn(buf[:], 0)
		msg.LengthIn = uint32(n)
		in.ctrl.Put(inputQueueEvent, &msg)
	}
}

func (in *Input) Notify(vqid uint32) bool {
	switch vqid {
	case inputQueueEvent:
		in.Update()
	case inputQueueStatus:
		// LED and similar status reports; consume and complete.
		var msg Message
		for in.ctrl.Get(inputQueueStatus, &msg) {
			msg.LengthIn = 0
			in.ctrl.Put(inputQueueStatus, &msg)
		}
	default:
		return false
	}
	return true
}

func (in *Input) ReadConfig(offset uint32, data []byte) bool {
	image := make([]byte, 8+len(in.cfgData))
	image[0] = in.cfgSel
	image[1] = in.cfgSubsel
	image[2] = in.cfgSize
	copy(image[8:], in.cfgData[:])
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

func (in *Input) WriteConfig(offset uint32, data []byte) bool {
	changed := false
	for i := range data {
		switch offset + uint32(i) {
		case 0:
			in.cfgSel = data[i]
			changed = true
		case 1:
			in.cfgSubsel = data[i]
			changed = true
		}
	}
	if changed {
		in.updateConfig()
	}
	return changed
}

func (in *Input) updateConfig() {
	in.cfgSize = 0
	for i := range in.cfgData {
		in.cfgData[i] = 0
	}

	switch in.cfgSel {
	case inputCfgIDName:
		in.cfgSize = uint8(copy(in.cfgData[:], "vpsim virtio input"))
	case inputCfgIDSerial:
		in.cfgSize = uint8(copy(in.cfgData[:], "0000000001"))
	case inputCfgIDDevids:
		// bustype, vendor, product, version
		binary.LittleEndian.PutUint16(in.cfgData[0:2], 1)
		binary.LittleEndian.PutUint16(in.cfgData[2:4], 2)
		binary.LittleEndian.PutUint16(in.cfgData[4:6], 3)
		binary.LittleEndian.PutUint16(in.cfgData[6:8], 4)
		in.cfgSize = 8
	case inputCfgPropBits:
		in.cfgSize = uint8(len(in.cfgData))
	case inputCfgEvBits:
		in.updateEvBits()
	case inputCfgAbsInfo:
		in.updateAbsInfo()
	}
}

func (in *Input) setEvBit(code uint16) {
	in.cfgData[code/8] |= 1 << (code % 8)
}

func (in *Input) updateEvBits() {
	switch uint16(in.cfgSubsel) {
	case evSyn:
		in.setEvBit(synReport)
	case evKey:
		if in.Keyboard {
			for code := uint16(1); code < 0xff; code++ {
				in.setEvBit(code)
			}
		}
		if in.Tablet {
			in.setEvBit(btnTouch)
			in.setEvBit(btnToolFinger)
			in.setEvBit(btnToolDoubleTap)
			in.setEvBit(btnToolTripleTap)
		}
	case evAbs:
		if in.Tablet {
			in.setEvBit(absX)
			in.setEvBit(absY)
		}
	default:
		return
	}
	in.cfgSize = uint8(len(in.cfgData))
}

func (in *Input) updateAbsInfo() {
	if !in.Tablet {
		return
	}
	var max uint32
	switch uint16(in.cfgSubsel) {
	case absX:
		max = in.MaxX - 1
	case absY:
		max = in.MaxY - 1
	default:
		return
	}
	// min, max, fuzz, flat, res
	binary.LittleEndian.PutUint32(in.cfgData[0:4], 0)
	binary.LittleEndian.PutUint32(in.cfgData[4:8], max)
	in.cfgSize = 20
}
