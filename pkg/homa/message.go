package homa

import (
	"github.com/homa-transport/homa-go/pkg/driver"
	"github.com/homa-transport/homa-go/pkg/wire"
)

// Message is the application's handle to one transport message, outbound or
// inbound. A handle stays valid after its message reached a terminal state,
// but only Status can still be asked then.
type Message struct {
	t   *Transport
	out *OutboundMessage
	in  *InboundMessage
}

// ID returns the message's wire identifier.
func (m *Message) ID() wire.MessageID {
	if m.out != nil {
		return m.out.id
	}

	return m.in.id
}

// Length returns the message's total length in bytes. For an outbound message
// not yet sent, this is the number of bytes appended so far.
func (m *Message) Length() uint32 {
	if m.out != nil {
		m.t.snd.mu.Lock()
		defer m.t.snd.mu.Unlock()
		if m.out.queued {
			return m.out.length
		}
		return m.out.appended
	}

	m.t.rcv.mu.Lock()
	defer m.t.rcv.mu.Unlock()

	return m.in.length
}

// Remote returns the peer address: the destination of an outbound message or
// the source of an inbound one. Nil for an outbound message not yet sent.
func (m *Message) Remote() driver.Address {
	if m.out != nil {
		m.t.snd.mu.Lock()
		defer m.t.snd.mu.Unlock()
		return m.out.dest
	}

	return m.in.source
}

// Status returns the message's life-cycle state.
func (m *Message) Status() MessageStatus {
	if m.out != nil {
		return m.t.snd.status(m.out)
	}

	return m.t.rcv.status(m.in)
}

// Append adds payload bytes to an outbound message before it is sent.
func (m *Message) Append(p []byte) error {
	if m.out == nil {
		return ErrNotSendable
	}
	if m.t.isClosed() {
		return ErrClosed
	}

	return m.t.snd.append(m.out, p)
}

// Get copies payload bytes of an inbound message, starting at offset, into
// buf. It returns the number of bytes copied, which is short only at the end
// of the message.
func (m *Message) Get(offset uint32, buf []byte) (int, error) {
	if m.in == nil {
		return 0, ErrNotReceived
	}

	return m.t.rcv.read(m.in, offset, buf), nil
}

// Cancel stops the message: an outbound message stops transmitting, an
// inbound one is rejected towards its sender. No-op on terminal messages.
func (m *Message) Cancel() {
	if m.out != nil {
		m.t.snd.cancel(m.out)
		return
	}

	m.t.rcv.fail(m.in)
}

// Acknowledge confirms delivery of an inbound message to its sender and
// releases the message's resources. Idempotent.
func (m *Message) Acknowledge() error {
	if m.in == nil {
		return ErrNotReceived
	}

	m.t.rcv.acknowledge(m.in)

	return nil
}
