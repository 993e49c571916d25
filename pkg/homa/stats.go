package homa

import "sync/atomic"

// Stats is a snapshot of transport counters.
type Stats struct {
	PacketsSent     uint64 `json:"packets_sent"`
	PacketsReceived uint64 `json:"packets_received"`

	MessagesSent      uint64 `json:"messages_sent"`
	MessagesReceived  uint64 `json:"messages_received"`
	MessagesCompleted uint64 `json:"messages_completed"`
	MessagesFailed    uint64 `json:"messages_failed"`

	GrantsSent      uint64 `json:"grants_sent"`
	ResendsSent     uint64 `json:"resends_sent"`
	Retransmissions uint64 `json:"retransmissions"`

	ActiveOutbound uint64 `json:"active_outbound"`
	ActiveInbound  uint64 `json:"active_inbound"`
}

// stats is the live, atomically updated counterpart of Stats, shared between
// Sender and Receiver.
type stats struct {
	packetsSent     uint64
	packetsReceived uint64

	messagesSent      uint64
	messagesReceived  uint64
	messagesCompleted uint64
	messagesFailed    uint64

	grantsSent      uint64
	resendsSent     uint64
	retransmissions uint64
}

func (s *stats) add(counter *uint64, delta uint64) {
	atomic.AddUint64(counter, delta)
}

func (s *stats) snapshot(activeOut, activeIn uint64) Stats {
	return Stats{
		PacketsSent:       atomic.LoadUint64(&s.packetsSent),
		PacketsReceived:   atomic.LoadUint64(&s.packetsReceived),
		MessagesSent:      atomic.LoadUint64(&s.messagesSent),
		MessagesReceived:  atomic.LoadUint64(&s.messagesReceived),
		MessagesCompleted: atomic.LoadUint64(&s.messagesCompleted),
		MessagesFailed:    atomic.LoadUint64(&s.messagesFailed),
		GrantsSent:        atomic.LoadUint64(&s.grantsSent),
		ResendsSent:       atomic.LoadUint64(&s.resendsSent),
		Retransmissions:   atomic.LoadUint64(&s.retransmissions),
		ActiveOutbound:    activeOut,
		ActiveInbound:     activeIn,
	}
}
