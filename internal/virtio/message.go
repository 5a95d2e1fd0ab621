package virtio

// Buffer is one guest-physical span of a descriptor chain.
type Buffer struct {
	Addr uint64
	Size uint32
}

// Message is one request assembled from a descriptor chain. In holds the
// device-writable buffers, Out the device-readable ones, both in chain order.
type Message struct {
	DMI    DMAFunc
	Status Status

	// Index is the head descriptor index used to complete the message.
	Index uint32

	LengthIn  uint32
	LengthOut uint32

	In  []Buffer
	Out []Buffer
}

// Reset prepares the message for reuse with the given DMI callback.
func (m *Message) Reset(dmi DMAFunc) {
	m.DMI = dmi
	m.Status = Incomplete
	m.Index = 0
	m.LengthIn = 0
	m.LengthOut = 0
	m.In = m.In[:0]
	m.Out = m.Out[:0]
}

// Append records a buffer. Device-writable buffers go to In, device-readable
// ones to Out.
func (m *Message) Append(addr uint64, size uint32, write bool) {
	if write {
		m.In = append(m.In, Buffer{addr, size})
		m.LengthIn += size
	} else {
		m.Out = append(m.Out, Buffer{addr, size})
		m.LengthOut += size
	}
}

func (m *Message) NumDescs() int  { return len(m.In) + len(m.Out) }
func (m *Message) Length() uint32 { return m.LengthIn + m.LengthOut }

// CopyIn scatters src into the message's device-writable buffers, starting at
// the given byte offset into the In chain. It returns the number of bytes
// copied, stopping short at the end of the buffers or on a DMI failure.
func (m *Message) CopyIn(src []byte, offset int) int {
	return m.copy(m.In, src, offset, AccessWrite, func(span, data []byte) {
		copy(span, data)
	})
}

// CopyOut gathers from the message's device-readable buffers into dst,
// starting at the given byte offset into the Out chain. It returns the number
// of bytes copied, stopping short at the end of the buffers or on a DMI
// failure.
func (m *Message) CopyOut(dst []byte, offset int) int {
	return m.copy(m.Out, dst, offset, AccessRead, func(span, data []byte) {
		copy(data, span)
	})
}

func (m *Message) copy(bufs []Buffer, data []byte, offset int, acc Access, xfer func(span, data []byte)) int {
	done := 0
	for _, b := range bufs {
		if len(data) == done {
			break
		}
		if offset >= int(b.Size) {
			offset -= int(b.Size)
			continue
		}
		addr := b.Addr + uint64(offset)
		length := int(b.Size) - offset
		offset = 0
		if length > len(data)-done {
			length = len(data) - done
		}
		span := m.DMI(addr, uint64(length), acc)
		if span == nil {
			break
		}
		xfer(span[:length], data[done:done+length])
		done += length
	}
	return done
}
