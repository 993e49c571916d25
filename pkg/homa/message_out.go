package homa

import (
	"github.com/homa-transport/homa-go/pkg/driver"
	"github.com/homa-transport/homa-go/pkg/wire"
)

// MaxMessageLength bounds the size of a single message.
const MaxMessageLength = 1 << 20

// OutboundMessage tracks one message from allocation to its terminal state.
// All fields are guarded by the owning Sender's lock.
//
// Invariant: bytesSent <= max(unscheduled, grantOffset) <= length.
type OutboundMessage struct {
	id    wire.MessageID
	dest  driver.Address
	flags SendFlag

	// payloadSize is the payload capacity of one packet; every packet but
	// the last carries exactly this many bytes.
	payloadSize uint32
	packets     []*driver.Packet
	appended    uint32

	// length is frozen once Send is called.
	length uint32
	queued bool

	status        MessageStatus
	bytesSent     uint32
	unscheduled   uint32
	grantOffset   uint32
	grantPriority uint8

	// Pending retransmission range [resendFrom, resendTo), packet aligned
	// at the front.
	hasResend      bool
	resendFrom     uint32
	resendTo       uint32
	resendPriority uint8

	retries  int
	zeroSent bool
}

// sendLimit is the exclusive upper bound of bytes currently allowed out.
func (m *OutboundMessage) sendLimit() uint32 {
	limit := m.unscheduled
	if m.grantOffset > limit {
		limit = m.grantOffset
	}
	if limit > m.length {
		limit = m.length
	}

	return limit
}

// append copies p to the end of the message, allocating packets as needed.
func (m *OutboundMessage) append(drv driver.Driver, p []byte) error {
	if m.queued {
		return ErrAlreadySent
	}
	if m.appended+uint32(len(p)) > MaxMessageLength {
		return ErrMessageTooLong
	}

	for len(p) > 0 {
		idx := int(m.appended / m.payloadSize)
		if idx == len(m.packets) {
			pkt, err := drv.AllocPacket()
			if err != nil {
				return err
			}
			pkt.Length = wire.DataHeaderLen
			m.packets = append(m.packets, pkt)
		}

		pkt := m.packets[idx]
		off := m.appended % m.payloadSize
		n := copy(pkt.Buffer()[wire.DataHeaderLen+off:wire.DataHeaderLen+m.payloadSize], p)
		pkt.Length = int(wire.DataHeaderLen + off + uint32(n))

		m.appended += uint32(n)
		p = p[n:]
	}

	return nil
}

// read copies message bytes starting at offset into buf and returns the
// number of bytes copied.
func (m *OutboundMessage) read(offset uint32, buf []byte) int {
	end := m.appended
	n := 0
	for offset < end && n < len(buf) {
		idx := offset / m.payloadSize
		pkt := m.packets[idx]
		payload := pkt.Buffer()[wire.DataHeaderLen:pkt.Length]

		within := offset % m.payloadSize
		c := copy(buf[n:], payload[within:])
		n += c
		offset += uint32(c)
	}

	return n
}

// releasePackets drops the message's packet references.
func (m *OutboundMessage) releasePackets() {
	driver.ReleaseAll(m.packets)
	m.packets = nil
}
