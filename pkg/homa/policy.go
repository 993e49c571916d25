package homa

// Policy holds the pure scheduling decisions of the protocol: how many bytes
// a message may send without grants, which priority its packets carry, and
// how far ahead of reception the receiver grants.
//
// Priorities run from 0 (lowest) to PriorityLevels-1 (highest). The top
// len(UnscheduledBands)+1 levels form the unscheduled bands, shorter messages
// mapping to higher levels. Scheduled (granted) packets use the disjoint
// range below, ordered by SRPT rank.
type Policy struct {
	rttBytes   uint32
	levels     uint8
	cutoffs    []uint32
	overcommit int
}

// NewPolicy derives a Policy from a validated Config.
func NewPolicy(cfg Config) *Policy {
	return &Policy{
		rttBytes:   cfg.RTTBytes,
		levels:     cfg.PriorityLevels,
		cutoffs:    cfg.UnscheduledBands,
		overcommit: cfg.OvercommitDegree,
	}
}

// UnscheduledBytes returns how many bytes of a message of the given length
// may be sent without waiting for a grant.
func (p *Policy) UnscheduledBytes(length uint32) uint32 {
	if length < p.rttBytes {
		return length
	}

	return p.rttBytes
}

// UnscheduledPriority maps a message length to its unscheduled priority band.
func (p *Policy) UnscheduledPriority(length uint32) uint8 {
	top := p.levels - 1
	for i, cutoff := range p.cutoffs {
		if length <= cutoff {
			return top - uint8(i)
		}
	}

	return top - uint8(len(p.cutoffs))
}

// GrantPriority returns the priority for a grant to the message of the given
// SRPT rank, rank 0 being the shortest remaining message.
func (p *Policy) GrantPriority(rank int) uint8 {
	top := int(p.levels) - len(p.cutoffs) - 2
	if prio := top - rank; prio > 0 {
		return uint8(prio)
	}

	return 0
}

// alignToPacket rounds limit up to the next multiple of payloadSize, clamped
// to length. Every unscheduled or granted limit ends on a packet boundary.
func alignToPacket(limit, payloadSize, length uint32) uint32 {
	if rem := limit % payloadSize; rem != 0 {
		limit += payloadSize - rem
	}
	if limit > length {
		limit = length
	}

	return limit
}

// Window is the grant window: the receiver grants up to this many bytes past
// those received. Grant offsets are rounded up to a whole packet, so up to one
// packet less a byte beyond the window may be granted and not yet received.
func (p *Policy) Window() uint32 {
	return p.rttBytes
}

// Overcommit is the number of inbound messages granted concurrently.
func (p *Policy) Overcommit() int {
	return p.overcommit
}
