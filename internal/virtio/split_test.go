package virtio

import (
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// guestMem is a flat guest memory with optional denied ranges, standing in
// for the platform DMI callback.
type guestMem struct {
	data []byte
	deny []Range
}

func newGuestMem(size int) *guestMem {
	return &guestMem{data: make([]byte, size)}
}

func (m *guestMem) dmi(addr, length uint64, acc Access) []byte {
	for _, r := range m.deny {
		if (Range{addr, addr + length}).Overlaps(r) {
			return nil
		}
	}
	if addr+length > uint64(len(m.data)) {
		return nil
	}
	return m.data[addr : addr+length]
}

func (m *guestMem) put16(addr uint64, v uint16) {
	binary.LittleEndian.PutUint16(m.data[addr:], v)
}

func (m *guestMem) put32(addr uint64, v uint32) {
	binary.LittleEndian.PutUint32(m.data[addr:], v)
}

func (m *guestMem) get16(addr uint64) uint16 {
	return binary.LittleEndian.Uint16(m.data[addr:])
}

func (m *guestMem) get32(addr uint64) uint32 {
	return binary.LittleEndian.Uint32(m.data[addr:])
}

// writeSplitDesc stores a descriptor into the table at descBase.
func (m *guestMem) writeSplitDesc(descBase uint64, idx uint16, addr uint64, length uint32, flags, next uint16) {
	base := descBase + uint64(idx)*16
	binary.LittleEndian.PutUint64(m.data[base:], addr)
	m.put32(base+8, length)
	m.put16(base+12, flags)
	m.put16(base+14, next)
}

const (
	testDescBase  = 0x1000
	testAvailBase = 0x2000
	testUsedBase  = 0x3000
)

type splitHarness struct {
	mem *guestMem
	q   *SplitQueue
}

func newSplitHarness(t *testing.T, size uint32, eventIdx bool) *splitHarness {
	t.Helper()
	mem := newGuestMem(0x10000)
	q := newSplitQueue(QueueDesc{
		ID:          0,
		Limit:       size,
		Size:        size,
		Desc:        testDescBase,
		Driver:      testAvailBase,
		Device:      testUsedBase,
		HasEventIdx: eventIdx,
	}, mem.dmi)
	if !q.Validate() {
		t.Fatalf("queue validation failed")
	}
	return &splitHarness{mem: mem, q: q}
}

// pushAvail publishes a descriptor head on the available ring.
func (h *splitHarness) pushAvail(head uint16) {
	idx := h.mem.get16(testAvailBase + 2)
	h.mem.put16(testAvailBase+4+uint64(idx%uint16(h.q.desc.Size))*2, head)
	h.mem.put16(testAvailBase+2, idx+1)
}

func TestSplitGetChainOfTwo(t *testing.T) {
	h := newSplitHarness(t, 8, false)
	h.mem.writeSplitDesc(testDescBase, 0, 0x1000, 16, descFNext, 1)
	h.mem.writeSplitDesc(testDescBase, 1, 0x2000, 32, descFWrite, 0)
	h.pushAvail(0)

	var msg Message
	if !h.q.Get(&msg) {
		t.Fatalf("get failed: %v", msg.Status)
	}
	if msg.Status != OK {
		t.Fatalf("status = %v, want OK", msg.Status)
	}
	if diff := cmp.Diff([]Buffer{{0x1000, 16}}, msg.Out); diff != "" {
		t.Fatalf("out buffers mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Buffer{{0x2000, 32}}, msg.In); diff != "" {
		t.Fatalf("in buffers mismatch (-want +got):\n%s", diff)
	}
	if msg.Index != 0 {
		t.Fatalf("index = %d, want 0", msg.Index)
	}
	if msg.LengthOut != 16 || msg.LengthIn != 32 {
		t.Fatalf("lengths = out %d in %d, want 16/32", msg.LengthOut, msg.LengthIn)
	}
}

func TestSplitGetIncomplete(t *testing.T) {
	h := newSplitHarness(t, 8, false)

	var msg Message
	if h.q.Get(&msg) {
		t.Fatalf("expected no work")
	}
	if msg.Status != Incomplete {
		t.Fatalf("status = %v, want INCOMPLETE", msg.Status)
	}
}

func TestSplitGetChainTooLong(t *testing.T) {
	h := newSplitHarness(t, 4, false)
	// five descriptors, each chained to the next
	for i := uint16(0); i < 5; i++ {
		h.mem.writeSplitDesc(testDescBase, i, 0x1000+uint64(i)*0x100, 16, descFNext, i+1)
	}
	h.pushAvail(0)

	var msg Message
	if h.q.Get(&msg) {
		t.Fatalf("expected failure")
	}
	if msg.Status != ErrChain {
		t.Fatalf("status = %v, want ERR_CHAIN", msg.Status)
	}
}

func TestSplitGetBadNextIndex(t *testing.T) {
	h := newSplitHarness(t, 8, false)
	h.mem.writeSplitDesc(testDescBase, 0, 0x1000, 16, descFNext, 12)
	h.pushAvail(0)

	var msg Message
	if h.q.Get(&msg) {
		t.Fatalf("expected failure")
	}
	if msg.Status != ErrDesc {
		t.Fatalf("status = %v, want ERR_DESC", msg.Status)
	}
}

func TestSplitGetIndirectRejected(t *testing.T) {
	h := newSplitHarness(t, 8, false)
	h.mem.writeSplitDesc(testDescBase, 0, 0x1000, 16, descFIndirect, 0)
	h.pushAvail(0)

	var msg Message
	if h.q.Get(&msg) {
		t.Fatalf("expected failure")
	}
	if msg.Status != ErrIndirect {
		t.Fatalf("status = %v, want ERR_INDIRECT", msg.Status)
	}
}

func TestSplitGetNoDMI(t *testing.T) {
	h := newSplitHarness(t, 8, false)
	h.mem.writeSplitDesc(testDescBase, 0, 0x8000, 16, 0, 0)
	h.mem.deny = []Range{{0x8000, 0x8010}}
	h.pushAvail(0)

	var msg Message
	if h.q.Get(&msg) {
		t.Fatalf("expected failure")
	}
	if msg.Status != ErrNoDMI {
		t.Fatalf("status = %v, want ERR_NODMI", msg.Status)
	}
}

func TestSplitCursorAdvance(t *testing.T) {
	h := newSplitHarness(t, 8, false)
	const k = 20
	for i := 0; i < k; i++ {
		h.mem.writeSplitDesc(testDescBase, uint16(i%8), 0x1000, 16, 0, 0)
		h.pushAvail(uint16(i % 8))
		var msg Message
		if !h.q.Get(&msg) {
			t.Fatalf("get %d failed: %v", i, msg.Status)
		}
	}
	if h.q.lastAvailIdx != k {
		t.Fatalf("last_avail_idx = %d, want %d", h.q.lastAvailIdx, k)
	}
}

func TestSplitPutUsedRing(t *testing.T) {
	h := newSplitHarness(t, 8, false)
	h.mem.writeSplitDesc(testDescBase, 3, 0x2000, 64, descFWrite, 0)
	h.pushAvail(3)

	var msg Message
	if !h.q.Get(&msg) {
		t.Fatalf("get failed: %v", msg.Status)
	}
	msg.LengthIn = 40
	if !h.q.Put(&msg) {
		t.Fatalf("put failed: %v", msg.Status)
	}

	if idx := h.mem.get16(testUsedBase + 2); idx != 1 {
		t.Fatalf("used.idx = %d, want 1", idx)
	}
	if id := h.mem.get32(testUsedBase + 4); id != 3 {
		t.Fatalf("used id = %d, want 3", id)
	}
	if length := h.mem.get32(testUsedBase + 8); length != 40 {
		t.Fatalf("used len = %d, want 40", length)
	}
	if !h.q.NeedsNotify() {
		t.Fatalf("expected notify with avail flags clear")
	}
}

func TestSplitPutNoInterruptFlag(t *testing.T) {
	h := newSplitHarness(t, 8, false)
	h.mem.put16(testAvailBase, availFNoInterrupt)
	h.mem.writeSplitDesc(testDescBase, 0, 0x2000, 16, descFWrite, 0)
	h.pushAvail(0)

	var msg Message
	if !h.q.Get(&msg) {
		t.Fatalf("get failed: %v", msg.Status)
	}
	if !h.q.Put(&msg) {
		t.Fatalf("put failed: %v", msg.Status)
	}
	if h.q.NeedsNotify() {
		t.Fatalf("notify set despite NO_INTERRUPT")
	}
}

func TestSplitEventIndexNotify(t *testing.T) {
	cases := []struct {
		name  string
		event uint16
		old   uint16
		want  bool
	}{
		{"crossed", 0, 0, true},
		{"not-crossed", 5, 0, false},
		{"exact", 1, 1, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newSplitHarness(t, 8, true)
			h.mem.put16(testAvailBase+4+2*8, tc.event) // used_event
			h.mem.put16(testUsedBase+2, tc.old)
			h.mem.writeSplitDesc(testDescBase, 0, 0x2000, 16, descFWrite, 0)
			// advance the device cursor to match the ring state
			h.q.lastAvailIdx = tc.old
			h.mem.put16(testAvailBase+2, tc.old)
			h.pushAvail(0)

			var msg Message
			if !h.q.Get(&msg) {
				t.Fatalf("get failed: %v", msg.Status)
			}
			if !h.q.Put(&msg) {
				t.Fatalf("put failed: %v", msg.Status)
			}

			newIdx := tc.old + 1
			want := newIdx-tc.event-1 < newIdx-tc.old
			if want != tc.want {
				t.Fatalf("test case self-check failed")
			}
			if h.q.NeedsNotify() != want {
				t.Fatalf("notify = %t, want %t (event=%d old=%d)", h.q.NeedsNotify(), want, tc.event, tc.old)
			}
		})
	}
}

func TestSplitAvailEventPublished(t *testing.T) {
	h := newSplitHarness(t, 8, true)
	h.mem.writeSplitDesc(testDescBase, 0, 0x2000, 16, descFWrite, 0)
	h.pushAvail(0)

	var msg Message
	if !h.q.Get(&msg) {
		t.Fatalf("get failed: %v", msg.Status)
	}
	if ev := h.mem.get16(testUsedBase + 4 + 8*8); ev != 1 {
		t.Fatalf("avail_event = %d, want 1", ev)
	}
}

func TestSplitInvalidateForcesRevalidation(t *testing.T) {
	h := newSplitHarness(t, 8, false)
	h.mem.writeSplitDesc(testDescBase, 0, 0x2000, 16, descFWrite, 0)
	h.pushAvail(0)

	h.q.Invalidate(Range{testDescBase, testDescBase + 1})
	if h.q.descTable != nil {
		t.Fatalf("spans not dropped")
	}

	var msg Message
	if !h.q.Get(&msg) {
		t.Fatalf("get after invalidate failed: %v", msg.Status)
	}

	// A non-overlapping invalidate leaves the spans cached.
	h.q.Invalidate(Range{0x9000, 0x9100})
	if h.q.descTable == nil {
		t.Fatalf("spans dropped for unrelated range")
	}
}

func TestSplitBufferDirections(t *testing.T) {
	h := newSplitHarness(t, 8, false)
	h.mem.writeSplitDesc(testDescBase, 0, 0x1000, 8, descFNext, 1)
	h.mem.writeSplitDesc(testDescBase, 1, 0x1100, 8, descFNext|descFWrite, 2)
	h.mem.writeSplitDesc(testDescBase, 2, 0x1200, 8, descFWrite, 0)
	h.pushAvail(0)

	var msg Message
	if !h.q.Get(&msg) {
		t.Fatalf("get failed: %v", msg.Status)
	}
	if len(msg.Out) != 1 || len(msg.In) != 2 {
		t.Fatalf("buffers = %d out, %d in, want 1/2", len(msg.Out), len(msg.In))
	}
}
