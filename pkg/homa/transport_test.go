package homa

import (
	"bytes"
	"testing"
	"time"

	"github.com/homa-transport/homa-go/pkg/driver"
	"github.com/homa-transport/homa-go/pkg/driver/channel"
	"github.com/homa-transport/homa-go/pkg/wire"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.TickInterval = 100 * time.Microsecond

	return cfg
}

func newTestPair(t *testing.T, cfg Config) (t1, t2 *Transport, e1, e2 *channel.Endpoint) {
	t.Helper()

	net := channel.NewNetwork(0)

	e1, err := net.Endpoint("alpha")
	if err != nil {
		t.Fatal(err)
	}
	e2, err = net.Endpoint("beta")
	if err != nil {
		t.Fatal(err)
	}

	if t1, err = NewTransport(e1, 1, cfg); err != nil {
		t.Fatal(err)
	}
	if t2, err = NewTransport(e2, 2, cfg); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		_ = t1.Close()
		_ = t2.Close()
	})

	return
}

// pollUntil drives both transports until cond holds or two seconds passed.
func pollUntil(t1, t2 *Transport, cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		t1.Poll()
		t2.Poll()

		if cond() {
			return true
		}
		time.Sleep(50 * time.Microsecond)
	}

	return false
}

func testPayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i * 7)
	}

	return p
}

func sendTo(t *testing.T, src *Transport, dest string, payload []byte, flags SendFlag) *Message {
	t.Helper()

	msg, err := src.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if err := msg.Append(payload); err != nil {
		t.Fatal(err)
	}

	addr, err := src.Address(dest)
	if err != nil {
		t.Fatal(err)
	}
	if err := src.Send(msg, addr, flags); err != nil {
		t.Fatal(err)
	}

	return msg
}

func awaitDelivery(t *testing.T, t1, t2 *Transport) *Message {
	t.Helper()

	var received *Message
	ok := pollUntil(t1, t2, func() bool {
		if received == nil {
			received = t2.Receive()
		}
		return received != nil
	})
	if !ok {
		t.Fatal("Message was not delivered in time")
	}

	return received
}

func verifyPayload(t *testing.T, msg *Message, expected []byte) {
	t.Helper()

	buf := make([]byte, msg.Length())
	n, err := msg.Get(0, buf)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(expected) || !bytes.Equal(buf[:n], expected) {
		t.Fatalf("Received %d bytes, expected the %d sent ones", n, len(expected))
	}
}

func TestShortRoundTrip(t *testing.T) {
	t1, t2, _, _ := newTestPair(t, testConfig())

	payload := testPayload(2000)
	sent := sendTo(t, t1, "beta", payload, SendNoFlags)

	received := awaitDelivery(t, t1, t2)
	verifyPayload(t, received, payload)

	if remote := received.Remote().String(); remote != "alpha" {
		t.Fatalf("Remote is %s, expected alpha", remote)
	}

	if err := received.Acknowledge(); err != nil {
		t.Fatal(err)
	}
	if !pollUntil(t1, t2, func() bool { return sent.Status() == StatusCompleted }) {
		t.Fatalf("Sender stuck in %v, expected completed", sent.Status())
	}

	// Everything fit into the unscheduled allowance.
	if grants := t2.Stats().GrantsSent; grants != 0 {
		t.Fatalf("Receiver sent %d grants for an unscheduled message", grants)
	}
}

func TestLargeMessageGrants(t *testing.T) {
	t1, t2, _, _ := newTestPair(t, testConfig())

	payload := testPayload(100_000)
	sent := sendTo(t, t1, "beta", payload, SendNoFlags)

	received := awaitDelivery(t, t1, t2)
	verifyPayload(t, received, payload)

	_ = received.Acknowledge()
	if !pollUntil(t1, t2, func() bool { return sent.Status() == StatusCompleted }) {
		t.Fatalf("Sender stuck in %v, expected completed", sent.Status())
	}

	if grants := t2.Stats().GrantsSent; grants == 0 {
		t.Fatal("A message beyond the unscheduled allowance completed without grants")
	}
}

func TestUnscheduledBoundary(t *testing.T) {
	cfg := testConfig()
	t1, t2, e1, _ := newTestPair(t, cfg)

	// The unscheduled allowance is quantized to whole packets. One byte past
	// it needs exactly one grant round.
	payloadSize := uint32(e1.MaxPayloadSize() - wire.DataHeaderLen)
	allowance := ((cfg.RTTBytes + payloadSize - 1) / payloadSize) * payloadSize
	payload := testPayload(int(allowance) + 1)
	sendTo(t, t1, "beta", payload, SendNoFlags)

	received := awaitDelivery(t, t1, t2)
	verifyPayload(t, received, payload)
	_ = received.Acknowledge()

	if grants := t2.Stats().GrantsSent; grants == 0 {
		t.Fatal("No grant was sent for the scheduled tail")
	}
}

func TestZeroLengthMessage(t *testing.T) {
	t1, t2, _, _ := newTestPair(t, testConfig())

	sent := sendTo(t, t1, "beta", nil, SendNoFlags)

	received := awaitDelivery(t, t1, t2)
	if received.Length() != 0 {
		t.Fatalf("Received %d bytes, expected an empty message", received.Length())
	}

	_ = received.Acknowledge()
	if !pollUntil(t1, t2, func() bool { return sent.Status() == StatusCompleted }) {
		t.Fatalf("Sender stuck in %v, expected completed", sent.Status())
	}
}

func TestLossRecovery(t *testing.T) {
	t1, t2, e1, _ := newTestPair(t, testConfig())

	// Swallow the first DATA packet on the wire.
	dropped := false
	e1.SetDropFunc(func(p *driver.Packet) bool {
		if !dropped && p.Length > wire.PrefixLen && wire.Opcode(p.Payload()[1]) == wire.OpData {
			dropped = true
			return true
		}
		return false
	})

	payload := testPayload(30_000)
	sent := sendTo(t, t1, "beta", payload, SendNoFlags)

	received := awaitDelivery(t, t1, t2)
	verifyPayload(t, received, payload)
	_ = received.Acknowledge()

	if !dropped {
		t.Fatal("Loss hook never fired")
	}
	if !pollUntil(t1, t2, func() bool { return sent.Status() == StatusCompleted }) {
		t.Fatalf("Sender stuck in %v, expected completed", sent.Status())
	}
	if t1.Stats().Retransmissions == 0 {
		t.Fatal("Recovery happened without a recorded retransmission")
	}
}

func TestNoAckCompletesOnTransmit(t *testing.T) {
	t1, t2, _, _ := newTestPair(t, testConfig())

	sent := sendTo(t, t1, "beta", testPayload(2000), SendNoAck)

	if !pollUntil(t1, t2, func() bool { return sent.Status() == StatusCompleted }) {
		t.Fatalf("Sender stuck in %v, expected completion on last byte", sent.Status())
	}

	received := awaitDelivery(t, t1, t2)
	if err := received.Acknowledge(); err != nil {
		t.Fatal(err)
	}
}

func TestCancelMidFlight(t *testing.T) {
	t1, t2, _, _ := newTestPair(t, testConfig())

	sent := sendTo(t, t1, "beta", testPayload(500_000), SendNoFlags)
	t1.Poll()

	sent.Cancel()
	if sent.Status() != StatusCanceled {
		t.Fatalf("Status is %v, expected canceled", sent.Status())
	}

	// The receiver learns through UNKNOWN responses that the message died.
	if !pollUntil(t1, t2, func() bool { return t2.rcv.activeCount() == 0 }) {
		t.Fatal("Receiver still tracks the canceled message")
	}
}

func TestSRPTOrder(t *testing.T) {
	cfg := testConfig()
	cfg.SendBatch = 1
	t1, _, _, _ := newTestPair(t, cfg)

	dest, err := t1.Address("beta")
	if err != nil {
		t.Fatal(err)
	}

	big, _ := t1.Alloc()
	small, _ := t1.Alloc()
	if err := big.Append(testPayload(50_000)); err != nil {
		t.Fatal(err)
	}
	if err := small.Append(testPayload(2000)); err != nil {
		t.Fatal(err)
	}

	if err := t1.Send(big, dest, SendNoFlags); err != nil {
		t.Fatal(err)
	}
	if err := t1.Send(small, dest, SendNoFlags); err != nil {
		t.Fatal(err)
	}

	t1.snd.trySend(0)

	t1.snd.mu.Lock()
	defer t1.snd.mu.Unlock()
	if small.out.bytesSent == 0 {
		t.Fatal("Shortest message did not transmit first")
	}
	if big.out.bytesSent != 0 {
		t.Fatal("Longer message transmitted ahead of the shorter one")
	}
}

func TestSenderInvariant(t *testing.T) {
	t1, t2, _, _ := newTestPair(t, testConfig())

	sent := sendTo(t, t1, "beta", testPayload(80_000), SendNoFlags)

	ok := pollUntil(t1, t2, func() bool {
		t1.snd.mu.Lock()
		m := sent.out
		limit := m.unscheduled
		if m.grantOffset > limit {
			limit = m.grantOffset
		}
		if limit > m.length {
			limit = m.length
		}
		violated := m.bytesSent > limit
		done := m.status != StatusInProgress
		t1.snd.mu.Unlock()

		if violated {
			t.Fatalf("bytesSent %d exceeds the send limit %d", m.bytesSent, limit)
		}
		return done
	})
	if !ok {
		t.Fatal("Message did not finish transmitting")
	}
}

func TestAPIMisuse(t *testing.T) {
	t1, t2, _, _ := newTestPair(t, testConfig())

	msg := sendTo(t, t1, "beta", testPayload(100), SendNoFlags)

	if err := msg.Append([]byte("late")); err != ErrAlreadySent {
		t.Fatalf("Append after send returned %v, expected ErrAlreadySent", err)
	}

	dest, _ := t1.Address("beta")
	if err := t1.Send(msg, dest, SendNoFlags); err != ErrAlreadySent {
		t.Fatalf("Double send returned %v, expected ErrAlreadySent", err)
	}

	if _, err := msg.Get(0, make([]byte, 16)); err != ErrNotReceived {
		t.Fatalf("Get on an outbound message returned %v, expected ErrNotReceived", err)
	}

	fresh, err := t1.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if err := t1.Send(fresh, nil, SendNoFlags); err != ErrEmptyDestination {
		t.Fatalf("Send without destination returned %v, expected ErrEmptyDestination", err)
	}

	received := awaitDelivery(t, t1, t2)
	if err := received.Append([]byte("nope")); err != ErrNotSendable {
		t.Fatalf("Append on a received message returned %v, expected ErrNotSendable", err)
	}
	_ = received.Acknowledge()
}

func TestClosedTransport(t *testing.T) {
	t1, _, _, _ := newTestPair(t, testConfig())

	if err := t1.Close(); err != nil {
		t.Fatal(err)
	}

	if _, err := t1.Alloc(); err != ErrClosed {
		t.Fatalf("Alloc on closed transport returned %v, expected ErrClosed", err)
	}
	if err := t1.Close(); err != ErrClosed {
		t.Fatalf("Second close returned %v, expected ErrClosed", err)
	}
	if msg := t1.Receive(); msg != nil {
		t.Fatal("Receive on a closed transport returned a message")
	}
}

func TestStatsRoundTrip(t *testing.T) {
	t1, t2, _, _ := newTestPair(t, testConfig())

	sent := sendTo(t, t1, "beta", testPayload(5000), SendNoFlags)
	received := awaitDelivery(t, t1, t2)
	_ = received.Acknowledge()
	if !pollUntil(t1, t2, func() bool { return sent.Status() == StatusCompleted }) {
		t.Fatal("Round trip did not complete")
	}

	s1, s2 := t1.Stats(), t2.Stats()
	if s1.MessagesSent != 1 || s1.MessagesCompleted != 1 {
		t.Fatalf("Sender counted %d sent / %d completed, expected 1 / 1",
			s1.MessagesSent, s1.MessagesCompleted)
	}
	if s2.MessagesReceived != 1 || s2.MessagesCompleted != 1 {
		t.Fatalf("Receiver counted %d received / %d completed, expected 1 / 1",
			s2.MessagesReceived, s2.MessagesCompleted)
	}
	if s1.PacketsSent == 0 || s2.PacketsReceived == 0 {
		t.Fatal("Packet counters stayed zero over a round trip")
	}
	if s1.ActiveOutbound != 0 || s2.ActiveInbound != 0 {
		t.Fatal("Active counters stayed nonzero after completion")
	}
}
