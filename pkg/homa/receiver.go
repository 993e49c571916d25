package homa

import (
	"sort"
	"sync"

	"github.com/homa-transport/homa-go/pkg/driver"
	"github.com/homa-transport/homa-go/pkg/wire"
	log "github.com/sirupsen/logrus"
)

// Receiver reassembles inbound messages from DATA packets, issues grants to
// the shortest remaining messages and requests retransmission of lost ranges.
type Receiver struct {
	mu sync.Mutex

	drv    driver.Driver
	policy *Policy
	cfg    Config
	st     *stats
	logger *log.Entry

	payloadSize uint32

	messages map[wire.MessageID]*InboundMessage
	ready    []*InboundMessage
	wheel    *timerWheel
}

func newReceiver(drv driver.Driver, policy *Policy, cfg Config, st *stats, logger *log.Entry) *Receiver {
	return &Receiver{
		drv:         drv,
		policy:      policy,
		cfg:         cfg,
		st:          st,
		logger:      logger,
		payloadSize: uint32(drv.MaxPayloadSize() - wire.DataHeaderLen),
		messages:    make(map[wire.MessageID]*InboundMessage),
		wheel:       newTimerWheel(cfg.TimeoutTicks + 1),
	}
}

// handleData ingests one DATA packet. Ownership of pkt transfers to the
// receiver; duplicates are released immediately.
func (r *Receiver) handleData(pkt *driver.Packet, tick uint64) {
	hdr, err := wire.ParseData(pkt.Buffer()[:pkt.Length])
	if err != nil {
		pkt.Release()
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[hdr.ID]
	if !ok {
		m = newInboundMessage(hdr, pkt.Addr, r.payloadSize)
		r.messages[hdr.ID] = m

		r.wheel.schedule(m.id, timerResend, tick+r.cfg.ResendTicks)
		r.wheel.schedule(m.id, timerTimeout, tick+r.cfg.TimeoutTicks)

		r.logger.WithFields(log.Fields{
			"message": m.id,
			"source":  m.source,
			"length":  m.length,
		}).Debug("New inbound message")
	}

	idx := int(hdr.Offset / r.payloadSize)
	if idx >= m.totalPkts || m.present[idx] {
		pkt.Release()
		return
	}

	m.present[idx] = true
	m.packets[idx] = pkt
	m.pktsReceived++
	m.bytesReceived += uint32(pkt.Length - wire.DataHeaderLen)

	r.wheel.schedule(m.id, timerResend, tick+r.cfg.ResendTicks)

	if m.complete() {
		r.wheel.cancelAll(m.id)
		r.ready = append(r.ready, m)

		r.logger.WithFields(log.Fields{
			"message": m.id,
			"length":  m.length,
		}).Debug("Inbound message complete")
	}
}

// receive pops the next fully reassembled message, or nil.
func (r *Receiver) receive() *InboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.ready) == 0 {
		return nil
	}

	m := r.ready[0]
	r.ready = r.ready[1:]
	m.delivered = true
	r.st.add(&r.st.messagesReceived, 1)

	return m
}

// acknowledge completes a delivered message and emits its DONE. Idempotent.
func (r *Receiver) acknowledge(m *InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.acked {
		return
	}
	m.acked = true
	m.status = StatusCompleted

	if !m.noAck {
		r.sendControl(wire.OpDone, m.id, m.source)
	}
	r.st.add(&r.st.messagesCompleted, 1)
	r.drop(m)
}

// fail rejects a message and notifies the peer.
func (r *Receiver) fail(m *InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.status.terminal() {
		return
	}
	m.status = StatusFailed

	r.sendControl(wire.OpError, m.id, m.source)
	r.st.add(&r.st.messagesFailed, 1)
	r.drop(m)
}

func (r *Receiver) status(m *InboundMessage) MessageStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	return m.status
}

func (r *Receiver) read(m *InboundMessage, offset uint32, buf []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return m.read(offset, buf)
}

func (r *Receiver) activeCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return uint64(len(r.messages))
}

// drop releases a message's resources and table entry. The application
// handle stays valid for Status.
func (r *Receiver) drop(m *InboundMessage) {
	m.releasePackets()
	r.wheel.cancelAll(m.id)
	delete(r.messages, m.id)
}

// grantPass is the scheduling half of one poll: grant the shortest remaining
// messages, a window of bytes each, at rank-based priorities.
func (r *Receiver) grantPass(tick uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*InboundMessage
	for _, m := range r.messages {
		if m.status == StatusInProgress && m.bytesGranted < m.length {
			candidates = append(candidates, m)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		ri := candidates[i].remaining()
		rj := candidates[j].remaining()
		if ri != rj {
			return ri < rj
		}
		return candidates[i].id.Sequence < candidates[j].id.Sequence
	})

	limit := r.policy.Overcommit()
	if limit > len(candidates) {
		limit = len(candidates)
	}

	for rank := 0; rank < limit; rank++ {
		m := candidates[rank]

		offset := alignToPacket(m.bytesReceived+r.policy.Window(), r.payloadSize, m.length)
		if offset <= m.bytesGranted {
			continue
		}
		m.bytesGranted = offset

		r.emitGrant(m, offset, r.policy.GrantPriority(rank))
	}
}

func (r *Receiver) emitGrant(m *InboundMessage, offset uint32, priority uint8) {
	pkt, err := r.drv.AllocPacket()
	if err != nil {
		return
	}

	pkt.Length = wire.GrantHeader{
		ID:       m.id,
		Offset:   offset,
		Priority: priority,
	}.Put(pkt.Buffer())
	pkt.Addr = m.source

	if err := r.drv.SendPacket(pkt); err != nil {
		r.logger.WithFields(log.Fields{
			"message": m.id,
			"error":   err,
		}).Warn("Driver rejected GRANT packet")
	} else {
		r.st.add(&r.st.packetsSent, 1)
		r.st.add(&r.st.grantsSent, 1)
	}

	pkt.Release()
}

func (r *Receiver) emitResend(m *InboundMessage, offset, length uint32) {
	pkt, err := r.drv.AllocPacket()
	if err != nil {
		return
	}

	pkt.Length = wire.ResendHeader{
		ID:       m.id,
		Offset:   offset,
		Length:   length,
		Priority: r.policy.GrantPriority(0),
	}.Put(pkt.Buffer())
	pkt.Addr = m.source

	if err := r.drv.SendPacket(pkt); err != nil {
		r.logger.WithFields(log.Fields{
			"message": m.id,
			"error":   err,
		}).Warn("Driver rejected RESEND packet")
	} else {
		r.st.add(&r.st.packetsSent, 1)
		r.st.add(&r.st.resendsSent, 1)
	}

	pkt.Release()
}

// handlePacket processes a control packet addressed to this receiver.
func (r *Receiver) handlePacket(op wire.Opcode, payload []byte, from driver.Address, tick uint64) {
	id, err := wire.ParseControl(payload)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	switch op {
	case wire.OpBusy:
		// The sender is alive but has nothing for us yet.
		if m, ok := r.messages[id]; ok && m.status == StatusInProgress {
			r.wheel.schedule(m.id, timerResend, tick+r.cfg.ResendTicks)
			r.wheel.schedule(m.id, timerTimeout, tick+r.cfg.TimeoutTicks)
		}

	case wire.OpUnknown:
		// The sender no longer knows this message; it will never be
		// completed.
		if m, ok := r.messages[id]; ok && m.status == StatusInProgress && !m.complete() {
			m.status = StatusFailed
			r.st.add(&r.st.messagesFailed, 1)
			r.drop(m)
		}

	case wire.OpPing:
		m, ok := r.messages[id]
		if !ok {
			r.sendControl(wire.OpUnknown, id, from)
			return
		}
		if m.complete() {
			r.sendControl(wire.OpBusy, id, from)
			return
		}
		if offset, length, ok := m.firstGap(); ok {
			r.emitResend(m, offset, length)
		} else {
			r.sendControl(wire.OpBusy, id, from)
		}
	}
}

// advance drives the receiver's timers to the current tick.
func (r *Receiver) advance(tick uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.wheel.advance(tick, func(id wire.MessageID, kind timerKind) {
		m, ok := r.messages[id]
		if !ok || m.status != StatusInProgress {
			return
		}

		switch kind {
		case timerResend:
			if offset, length, ok := m.firstGap(); ok {
				r.emitResend(m, offset, length)
			} else {
				// Nothing below the granted limit is missing; the
				// sender may have lost our last GRANT.
				r.sendControl(wire.OpPing, m.id, m.source)
			}
			r.wheel.schedule(id, timerResend, tick+r.cfg.ResendTicks)

		case timerTimeout:
			r.logger.WithFields(log.Fields{
				"message": m.id,
				"source":  m.source,
				"got":     m.bytesReceived,
				"length":  m.length,
			}).Warn("Inbound message timed out")

			m.status = StatusFailed
			r.st.add(&r.st.messagesFailed, 1)
			r.drop(m)
		}
	})
}

// sendControl emits an id-only control packet.
func (r *Receiver) sendControl(op wire.Opcode, id wire.MessageID, to driver.Address) {
	pkt, err := r.drv.AllocPacket()
	if err != nil {
		return
	}

	pkt.Length = wire.PutControl(pkt.Buffer(), op, id)
	pkt.Addr = to

	if err := r.drv.SendPacket(pkt); err != nil {
		r.logger.WithFields(log.Fields{
			"opcode":  op,
			"message": id,
			"error":   err,
		}).Warn("Driver rejected control packet")
	} else {
		r.st.add(&r.st.packetsSent, 1)
	}

	pkt.Release()
}
