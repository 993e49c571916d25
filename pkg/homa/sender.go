package homa

import (
	"sort"
	"sync"

	"github.com/homa-transport/homa-go/pkg/driver"
	"github.com/homa-transport/homa-go/pkg/wire"
	log "github.com/sirupsen/logrus"
)

// Sender owns every outbound message of a transport, from allocation to its
// terminal state. It emits DATA packets within the unscheduled allowance and
// the receiver's grants, retransmits on RESEND, and retires messages on DONE.
type Sender struct {
	mu sync.Mutex

	drv    driver.Driver
	policy *Policy
	cfg    Config
	st     *stats
	logger *log.Entry

	transportID uint64
	nextSeq     uint64
	payloadSize uint32

	messages map[wire.MessageID]*OutboundMessage
	wheel    *timerWheel
}

func newSender(drv driver.Driver, policy *Policy, cfg Config, st *stats, transportID uint64, logger *log.Entry) *Sender {
	return &Sender{
		drv:         drv,
		policy:      policy,
		cfg:         cfg,
		st:          st,
		logger:      logger,
		transportID: transportID,
		payloadSize: uint32(drv.MaxPayloadSize() - wire.DataHeaderLen),
		messages:    make(map[wire.MessageID]*OutboundMessage),
		wheel:       newTimerWheel(cfg.TimeoutTicks + 1),
	}
}

// alloc creates a fresh outbound message bound to a new MessageID.
func (s *Sender) alloc() *OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++

	return &OutboundMessage{
		id:          wire.MessageID{TransportID: s.transportID, Sequence: s.nextSeq},
		payloadSize: s.payloadSize,
		status:      StatusInProgress,
	}
}

func (s *Sender) append(m *OutboundMessage, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return m.append(s.drv, p)
}

// send freezes the message and queues it for transmission.
func (s *Sender) send(m *OutboundMessage, dest driver.Address, flags SendFlag, tick uint64) error {
	if dest == nil {
		return ErrEmptyDestination
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if m.queued {
		return ErrAlreadySent
	}

	m.length = m.appended
	m.dest = dest
	m.flags = flags
	m.unscheduled = alignToPacket(s.policy.UnscheduledBytes(m.length), m.payloadSize, m.length)
	m.queued = true

	if m.length == 0 {
		// A zero-length message still needs one DATA packet on the wire.
		pkt, err := s.drv.AllocPacket()
		if err != nil {
			return err
		}
		pkt.Length = wire.DataHeaderLen
		m.packets = append(m.packets, pkt)
	}

	s.messages[m.id] = m
	s.st.add(&s.st.messagesSent, 1)

	s.wheel.schedule(m.id, timerResend, tick+s.cfg.ResendTicks)
	s.wheel.schedule(m.id, timerTimeout, tick+s.cfg.TimeoutTicks)

	s.logger.WithFields(log.Fields{
		"message": m.id,
		"dest":    dest,
		"length":  m.length,
	}).Debug("Queued outbound message")

	return nil
}

// cancel cooperatively stops a message; pending packets are dropped by
// subsequent polls.
func (s *Sender) cancel(m *OutboundMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.status.terminal() {
		return
	}

	m.status = StatusCanceled
	s.retire(m)
}

func (s *Sender) status(m *OutboundMessage) MessageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	return m.status
}

func (s *Sender) read(m *OutboundMessage, offset uint32, buf []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return m.read(offset, buf)
}

func (s *Sender) activeCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return uint64(len(s.messages))
}

// trySend is the transmission pass of one poll: walk sendable messages in
// SRPT order and emit packets up to the send budget.
func (s *Sender) trySend(tick uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []*OutboundMessage
	for _, m := range s.messages {
		if m.hasResend || s.sendable(m) {
			active = append(active, m)
		}
	}

	sort.Slice(active, func(i, j int) bool {
		ri := active[i].length - active[i].bytesSent
		rj := active[j].length - active[j].bytesSent
		if ri != rj {
			return ri < rj
		}
		return active[i].id.Sequence < active[j].id.Sequence
	})

	budget := s.cfg.SendBatch
	for _, m := range active {
		if budget <= 0 {
			break
		}
		budget -= s.pump(m, budget)
	}
}

func (s *Sender) sendable(m *OutboundMessage) bool {
	if m.status != StatusInProgress {
		return false
	}
	if m.length == 0 {
		return !m.zeroSent
	}

	return m.bytesSent < m.sendLimit()
}

// pump emits packets for one message and returns how many went out.
func (s *Sender) pump(m *OutboundMessage, budget int) int {
	sent := 0

	for sent < budget {
		if m.hasResend {
			idx := m.resendFrom / m.payloadSize
			if !s.emitData(m, idx, m.resendPriority, true) {
				return sent
			}
			sent++
			s.st.add(&s.st.retransmissions, 1)

			next := (idx + 1) * m.payloadSize
			if next >= m.resendTo {
				m.hasResend = false
			} else {
				m.resendFrom = next
			}
			continue
		}

		if m.status != StatusInProgress {
			break
		}

		if m.length == 0 {
			if !m.zeroSent {
				if !s.emitData(m, 0, s.policy.UnscheduledPriority(0), false) {
					return sent
				}
				sent++
				m.zeroSent = true
				s.finishTransmit(m)
			}
			break
		}

		if m.bytesSent >= m.sendLimit() {
			break
		}

		idx := m.bytesSent / m.payloadSize
		prio := m.grantPriority
		if m.bytesSent < m.unscheduled {
			prio = s.policy.UnscheduledPriority(m.length)
		}
		if !s.emitData(m, idx, prio, false) {
			return sent
		}
		sent++

		m.bytesSent = (idx + 1) * m.payloadSize
		if m.bytesSent >= m.length {
			m.bytesSent = m.length
			s.finishTransmit(m)
			break
		}
	}

	return sent
}

// emitData writes the DATA header into packet idx and hands it to the
// driver. Returns false when the message died on a driver failure.
func (s *Sender) emitData(m *OutboundMessage, idx uint32, priority uint8, retransmit bool) bool {
	pkt := m.packets[idx]

	var flags uint8
	if retransmit {
		flags |= wire.FlagRetransmission
	}
	if m.flags.Has(SendNoAck) {
		flags |= wire.FlagNoAck
	}

	wire.DataHeader{
		ID:          m.id,
		TotalLength: m.length,
		Offset:      idx * m.payloadSize,
		Unscheduled: m.unscheduled,
		Priority:    priority,
		Flags:       flags,
	}.Put(pkt.Buffer())
	pkt.Addr = m.dest

	if err := s.drv.SendPacket(pkt); err != nil {
		s.logger.WithFields(log.Fields{
			"message": m.id,
			"error":   err,
		}).Warn("Driver rejected DATA packet")

		m.status = StatusFailed
		s.st.add(&s.st.messagesFailed, 1)
		s.retire(m)
		return false
	}

	s.st.add(&s.st.packetsSent, 1)
	return true
}

// finishTransmit runs once the last byte went out.
func (s *Sender) finishTransmit(m *OutboundMessage) {
	if m.flags.Has(SendNoAck) {
		s.complete(m)
		return
	}

	m.status = StatusSent
}

func (s *Sender) complete(m *OutboundMessage) {
	if m.status.terminal() {
		return
	}

	m.status = StatusCompleted
	s.st.add(&s.st.messagesCompleted, 1)
	s.retire(m)

	s.logger.WithFields(log.Fields{
		"message": m.id,
	}).Debug("Outbound message completed")
}

func (s *Sender) fail(m *OutboundMessage, reason string) {
	if m.status.terminal() {
		return
	}

	m.status = StatusFailed
	s.st.add(&s.st.messagesFailed, 1)
	s.retire(m)

	s.logger.WithFields(log.Fields{
		"message": m.id,
		"reason":  reason,
	}).Warn("Outbound message failed")
}

// retire drops a terminal message's packets, timers and table entry. The
// application handle stays valid for Status.
func (s *Sender) retire(m *OutboundMessage) {
	m.hasResend = false
	m.releasePackets()
	s.wheel.cancelAll(m.id)
	delete(s.messages, m.id)
}

// handlePacket processes a control packet addressed to this sender. from is
// the packet's source address.
func (s *Sender) handlePacket(op wire.Opcode, payload []byte, from driver.Address, tick uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch op {
	case wire.OpGrant:
		hdr, err := wire.ParseGrant(payload)
		if err != nil {
			return
		}
		s.handleGrant(hdr, tick)

	case wire.OpResend:
		hdr, err := wire.ParseResend(payload)
		if err != nil {
			return
		}
		s.handleResend(hdr, from, tick)

	default:
		id, err := wire.ParseControl(payload)
		if err != nil {
			return
		}

		switch op {
		case wire.OpDone:
			if m, ok := s.messages[id]; ok {
				s.complete(m)
			}
		case wire.OpBusy:
			s.handleBusy(id, tick)
		case wire.OpPing:
			s.handlePing(id, from)
		case wire.OpUnknown:
			s.handleUnknown(id, tick)
		case wire.OpError:
			if m, ok := s.messages[id]; ok {
				s.fail(m, "peer reported an error")
			}
		}
	}
}

func (s *Sender) handleGrant(hdr wire.GrantHeader, tick uint64) {
	m, ok := s.messages[hdr.ID]
	if !ok || m.status.terminal() {
		return
	}

	offset := alignToPacket(hdr.Offset, m.payloadSize, m.length)
	if offset > m.grantOffset {
		m.grantOffset = offset
	}
	m.grantPriority = hdr.Priority

	s.progress(m, tick)
}

func (s *Sender) handleResend(hdr wire.ResendHeader, from driver.Address, tick uint64) {
	m, ok := s.messages[hdr.ID]
	if !ok {
		s.sendControl(wire.OpUnknown, hdr.ID, from)
		return
	}
	if m.status.terminal() {
		return
	}

	start := (hdr.Offset / m.payloadSize) * m.payloadSize
	to := hdr.Offset + hdr.Length
	if to > m.length {
		to = m.length
	}

	// Bytes past bytesSent cannot be retransmitted, but the request
	// implies the receiver authorized them.
	if granted := alignToPacket(to, m.payloadSize, m.length); granted > m.grantOffset {
		m.grantOffset = granted
	}
	resendTo := to
	if resendTo > m.bytesSent {
		resendTo = m.bytesSent
	}

	if resendTo > start {
		if m.hasResend {
			if start < m.resendFrom {
				m.resendFrom = start
			}
			if resendTo > m.resendTo {
				m.resendTo = resendTo
			}
		} else {
			m.hasResend = true
			m.resendFrom = start
			m.resendTo = resendTo
		}
		m.resendPriority = hdr.Priority
	}

	s.progress(m, tick)
}

func (s *Sender) handleBusy(id wire.MessageID, tick uint64) {
	m, ok := s.messages[id]
	if !ok || m.status.terminal() {
		return
	}

	// The receiver is alive but occupied: extend our patience.
	s.wheel.schedule(id, timerTimeout, tick+s.cfg.TimeoutTicks)
	s.progress(m, tick)
}

func (s *Sender) handlePing(id wire.MessageID, from driver.Address) {
	if m, ok := s.messages[id]; ok && !m.status.terminal() {
		s.sendControl(wire.OpBusy, id, from)
		return
	}

	s.sendControl(wire.OpUnknown, id, from)
}

// handleUnknown restarts a message the receiver has no state for.
func (s *Sender) handleUnknown(id wire.MessageID, tick uint64) {
	m, ok := s.messages[id]
	if !ok || m.status.terminal() {
		return
	}

	s.logger.WithFields(log.Fields{
		"message": m.id,
	}).Debug("Receiver lost message state, restarting transmission")

	m.bytesSent = 0
	m.grantOffset = 0
	m.hasResend = false
	m.zeroSent = false
	m.status = StatusInProgress

	s.progress(m, tick)
}

// progress re-arms the resend timer after any progress signal.
func (s *Sender) progress(m *OutboundMessage, tick uint64) {
	s.wheel.schedule(m.id, timerResend, tick+s.cfg.ResendTicks)
}

// advance drives the sender's timers to the current tick.
func (s *Sender) advance(tick uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.wheel.advance(tick, func(id wire.MessageID, kind timerKind) {
		m, ok := s.messages[id]
		if !ok || m.status.terminal() {
			return
		}

		switch kind {
		case timerResend:
			m.retries++
			s.onResendExpiry(m, tick)
			s.wheel.schedule(id, timerResend, tick+s.cfg.ResendTicks)

		case timerTimeout:
			s.fail(m, "no response from receiver")
		}
	})
}

// onResendExpiry recovers a stalled message: ping when everything went out,
// retransmit the earliest possibly-lost range otherwise.
func (s *Sender) onResendExpiry(m *OutboundMessage, tick uint64) {
	if m.status == StatusSent || (m.length > 0 && m.bytesSent == m.length) || (m.length == 0 && m.zeroSent) {
		s.sendControl(wire.OpPing, m.id, m.dest)
		return
	}

	if m.bytesSent == 0 {
		return
	}

	// Stalled mid-message: the receiver has acknowledged nothing beyond
	// what its grants imply. Retransmit from that floor.
	floor := uint32(0)
	if m.grantOffset > s.policy.Window() {
		floor = m.grantOffset - s.policy.Window()
		floor = (floor / m.payloadSize) * m.payloadSize
	}

	if floor < m.bytesSent {
		m.hasResend = true
		m.resendFrom = floor
		m.resendTo = m.bytesSent
		if floor < m.unscheduled {
			m.resendPriority = s.policy.UnscheduledPriority(m.length)
		} else {
			m.resendPriority = m.grantPriority
		}
	}
}

// sendControl emits an id-only control packet.
func (s *Sender) sendControl(op wire.Opcode, id wire.MessageID, to driver.Address) {
	pkt, err := s.drv.AllocPacket()
	if err != nil {
		return
	}

	pkt.Length = wire.PutControl(pkt.Buffer(), op, id)
	pkt.Addr = to

	if err := s.drv.SendPacket(pkt); err != nil {
		s.logger.WithFields(log.Fields{
			"opcode":  op,
			"message": id,
			"error":   err,
		}).Warn("Driver rejected control packet")
	} else {
		s.st.add(&s.st.packetsSent, 1)
	}

	pkt.Release()
}
