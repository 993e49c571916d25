package homa

import (
	"github.com/homa-transport/homa-go/pkg/driver"
	"github.com/homa-transport/homa-go/pkg/wire"
)

// InboundMessage reassembles one message from DATA packets. All fields are
// guarded by the owning Receiver's lock.
//
// Invariants: bytesReceived <= bytesGranted <= length, bytesGranted is
// non-decreasing.
type InboundMessage struct {
	id     wire.MessageID
	source driver.Address

	length      uint32
	payloadSize uint32
	totalPkts   int

	present      []bool
	packets      []*driver.Packet
	pktsReceived int

	bytesReceived uint32
	bytesGranted  uint32

	noAck  bool
	status MessageStatus

	delivered bool
	acked     bool
}

func newInboundMessage(hdr wire.DataHeader, source driver.Address, payloadSize uint32) *InboundMessage {
	totalPkts := 1
	if hdr.TotalLength > 0 {
		totalPkts = int((hdr.TotalLength + payloadSize - 1) / payloadSize)
	}

	granted := alignToPacket(hdr.Unscheduled, payloadSize, hdr.TotalLength)

	return &InboundMessage{
		id:           hdr.ID,
		source:       source,
		length:       hdr.TotalLength,
		payloadSize:  payloadSize,
		totalPkts:    totalPkts,
		present:      make([]bool, totalPkts),
		packets:      make([]*driver.Packet, totalPkts),
		bytesGranted: granted,
		noAck:        hdr.Flags&wire.FlagNoAck != 0,
		status:       StatusInProgress,
	}
}

// complete reports whether every byte of the message has arrived.
func (m *InboundMessage) complete() bool {
	return m.pktsReceived == m.totalPkts
}

// remaining is the SRPT sort key: bytes still missing.
func (m *InboundMessage) remaining() uint32 {
	return m.length - m.bytesReceived
}

// firstGap returns the first missing byte range below the granted limit.
func (m *InboundMessage) firstGap() (offset, length uint32, ok bool) {
	limit := m.bytesGranted
	if limit > m.length {
		limit = m.length
	}

	for idx := 0; idx < m.totalPkts; idx++ {
		start := uint32(idx) * m.payloadSize
		if start >= limit {
			return 0, 0, false
		}
		if m.present[idx] {
			continue
		}

		end := start
		for j := idx; j < m.totalPkts && !m.present[j]; j++ {
			end += m.payloadSize
		}
		if end > limit {
			end = limit
		}

		return start, end - start, true
	}

	return 0, 0, false
}

// read copies message bytes starting at offset into buf and returns the
// number of bytes copied.
func (m *InboundMessage) read(offset uint32, buf []byte) int {
	n := 0
	for offset < m.length && n < len(buf) {
		idx := offset / m.payloadSize
		if !m.present[idx] {
			break
		}

		pkt := m.packets[idx]
		payload := pkt.Buffer()[wire.DataHeaderLen:pkt.Length]

		within := offset % m.payloadSize
		c := copy(buf[n:], payload[within:])
		if c == 0 {
			break
		}
		n += c
		offset += uint32(c)
	}

	return n
}

// releasePackets drops the message's packet references.
func (m *InboundMessage) releasePackets() {
	driver.ReleaseAll(m.packets)
	m.packets = nil
	m.present = nil
}
