package homa

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/homa-transport/homa-go/pkg/driver"
	"github.com/homa-transport/homa-go/pkg/wire"
	log "github.com/sirupsen/logrus"
)

// Transport is one endpoint of the message protocol, bound to a Driver and
// identified by a fabric-unique id. All methods are safe for concurrent use;
// progress is made only by Poll, which the application must call regularly,
// directly or through Run.
type Transport struct {
	drv    driver.Driver
	cfg    Config
	policy *Policy
	logger *log.Entry

	id    uint64
	epoch time.Time

	snd *Sender
	rcv *Receiver
	st  *stats

	// pollMu serializes polls; concurrent callers skip instead of queueing.
	pollMu sync.Mutex
	rxBuf  []*driver.Packet

	closed int32
}

// NewTransport creates a Transport over drv. id must be unique among all
// transports reachable through the driver's network.
func NewTransport(drv driver.Driver, id uint64, cfg Config) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	policy := NewPolicy(cfg)
	st := &stats{}
	logger := log.WithField("transport", id)

	t := &Transport{
		drv:    drv,
		cfg:    cfg,
		policy: policy,
		logger: logger,
		id:     id,
		epoch:  time.Now(),
		st:     st,
		rxBuf:  make([]*driver.Packet, cfg.InboundBatch),
	}
	t.snd = newSender(drv, policy, cfg, st, id, logger)
	t.rcv = newReceiver(drv, policy, cfg, st, logger)

	logger.WithFields(log.Fields{
		"address":   drv.LocalAddress(),
		"mtu":       drv.MaxPayloadSize(),
		"bandwidth": drv.Bandwidth(),
	}).Info("Transport started")

	return t, nil
}

// ID returns the transport's fabric-unique identifier.
func (t *Transport) ID() uint64 {
	return t.id
}

// LocalAddress returns the driver address peers reach this transport at.
func (t *Transport) LocalAddress() driver.Address {
	return t.drv.LocalAddress()
}

// Address parses a peer address in the underlying driver's format.
func (t *Transport) Address(s string) (driver.Address, error) {
	return t.drv.Address(s)
}

// Alloc creates an empty outbound message. The message occupies no transport
// state until it is sent.
func (t *Transport) Alloc() (*Message, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}

	return &Message{t: t, out: t.snd.alloc()}, nil
}

// Send queues an outbound message for transmission to dest. Messages listed
// in completes are acknowledged first, so their DONEs precede the new
// message's DATA on the wire.
func (t *Transport) Send(m *Message, dest driver.Address, flags SendFlag, completes ...*Message) error {
	if t.isClosed() {
		return ErrClosed
	}
	if m.out == nil {
		return ErrNotSendable
	}

	for _, c := range completes {
		if c != nil && c.in != nil {
			t.rcv.acknowledge(c.in)
		}
	}

	return t.snd.send(m.out, dest, flags, t.tick())
}

// Receive returns the next fully reassembled inbound message, or nil when
// none is pending. The caller owns the message until it acknowledges or
// cancels it.
func (t *Transport) Receive() *Message {
	if t.isClosed() {
		return nil
	}

	in := t.rcv.receive()
	if in == nil {
		return nil
	}

	return &Message{t: t, in: in}
}

// Poll performs one unit of transport work: drain received packets, issue
// grants, transmit and fire due timers. It never blocks; when another poll is
// already running it returns immediately.
func (t *Transport) Poll() {
	if t.isClosed() {
		return
	}
	if !t.pollMu.TryLock() {
		return
	}
	defer t.pollMu.Unlock()

	tick := t.tick()

	t.drainInbound(tick)
	t.rcv.grantPass(tick)
	t.snd.trySend(tick)
	t.snd.advance(tick)
	t.rcv.advance(tick)
}

// Run polls the transport every tick until ctx is canceled.
func (t *Transport) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Poll()
		}
	}
}

func (t *Transport) drainInbound(tick uint64) {
	n, err := t.drv.ReceivePackets(t.cfg.InboundBatch, t.rxBuf)
	if err != nil {
		t.logger.WithField("error", err).Warn("Driver receive failed")
		return
	}

	for _, pkt := range t.rxBuf[:n] {
		t.st.add(&t.st.packetsReceived, 1)

		prefix, err := wire.ParsePrefix(pkt.Payload())
		if err != nil {
			pkt.Release()
			continue
		}

		if prefix.Opcode == wire.OpData {
			t.rcv.handleData(pkt, tick)
			continue
		}

		id, err := wire.ParseControl(pkt.Payload())
		if err != nil {
			pkt.Release()
			continue
		}

		// Control packets about our own messages go to the sender,
		// everything else concerns a peer's message we are receiving.
		if id.TransportID == t.id {
			t.snd.handlePacket(prefix.Opcode, pkt.Payload(), pkt.Addr, tick)
		} else {
			t.rcv.handlePacket(prefix.Opcode, pkt.Payload(), pkt.Addr, tick)
		}

		pkt.Release()
	}
}

// Stats returns a snapshot of the transport's counters.
func (t *Transport) Stats() Stats {
	return t.st.snapshot(t.snd.activeCount(), t.rcv.activeCount())
}

// MessageSummary describes one active message for introspection.
type MessageSummary struct {
	ID        string `json:"id"`
	Direction string `json:"direction"`
	Remote    string `json:"remote"`
	Length    uint32 `json:"length"`
	Progress  uint32 `json:"progress"`
	Status    string `json:"status"`
}

// ActiveMessages lists every message the transport currently tracks.
func (t *Transport) ActiveMessages() []MessageSummary {
	var out []MessageSummary

	t.snd.mu.Lock()
	for _, m := range t.snd.messages {
		out = append(out, MessageSummary{
			ID:        m.id.String(),
			Direction: "outbound",
			Remote:    m.dest.String(),
			Length:    m.length,
			Progress:  m.bytesSent,
			Status:    m.status.String(),
		})
	}
	t.snd.mu.Unlock()

	t.rcv.mu.Lock()
	for _, m := range t.rcv.messages {
		out = append(out, MessageSummary{
			ID:        m.id.String(),
			Direction: "inbound",
			Remote:    m.source.String(),
			Length:    m.length,
			Progress:  m.bytesReceived,
			Status:    m.status.String(),
		})
	}
	t.rcv.mu.Unlock()

	return out
}

// Close shuts the transport down. In-flight messages are abandoned without
// notice; peers recover through their own timeouts.
func (t *Transport) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return ErrClosed
	}

	t.pollMu.Lock()
	defer t.pollMu.Unlock()

	var errs *multierror.Error

	t.snd.mu.Lock()
	for _, m := range t.snd.messages {
		m.status = StatusFailed
		m.releasePackets()
	}
	t.snd.messages = make(map[wire.MessageID]*OutboundMessage)
	t.snd.mu.Unlock()

	t.rcv.mu.Lock()
	for _, m := range t.rcv.messages {
		m.status = StatusFailed
		m.releasePackets()
	}
	t.rcv.messages = make(map[wire.MessageID]*InboundMessage)
	t.rcv.ready = nil
	t.rcv.mu.Unlock()

	if c, ok := t.drv.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	t.logger.Info("Transport closed")

	return errs.ErrorOrNil()
}

func (t *Transport) isClosed() bool {
	return atomic.LoadInt32(&t.closed) != 0
}

// tick converts wall-clock time since transport start into timer ticks.
func (t *Transport) tick() uint64 {
	return uint64(time.Since(t.epoch) / t.cfg.TickInterval)
}
