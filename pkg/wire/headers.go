package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Encoded header lengths, including the common prefix.
const (
	PrefixLen        = 2
	DataHeaderLen    = PrefixLen + MessageIDLen + 4 + 4 + 4 + 1 + 1
	GrantHeaderLen   = PrefixLen + MessageIDLen + 4 + 1
	ResendHeaderLen  = PrefixLen + MessageIDLen + 4 + 4 + 1
	ControlHeaderLen = PrefixLen + MessageIDLen
)

// DATA header flag bits.
const (
	// FlagRetransmission marks a DATA packet repeating already sent bytes.
	FlagRetransmission uint8 = 1 << 0

	// FlagNoAck tells the receiver that no DONE acknowledgement is expected.
	FlagNoAck uint8 = 1 << 1
)

var (
	// ErrTruncated is returned when a buffer is too short for its record.
	ErrTruncated = errors.New("wire: buffer too short")

	// ErrVersion is returned for packets of an unsupported protocol version.
	ErrVersion = errors.New("wire: unsupported protocol version")
)

// Prefix is the two byte header common to all packets.
type Prefix struct {
	Version uint8
	Opcode  Opcode
}

// ParsePrefix decodes and validates the common prefix.
func ParsePrefix(b []byte) (Prefix, error) {
	if len(b) < PrefixLen {
		return Prefix{}, ErrTruncated
	}

	p := Prefix{Version: b[0], Opcode: Opcode(b[1])}
	if p.Version != Version {
		return Prefix{}, fmt.Errorf("%w: %d", ErrVersion, p.Version)
	}
	if p.Opcode > OpError {
		return Prefix{}, fmt.Errorf("wire: unknown opcode %d", b[1])
	}

	return p, nil
}

func putPrefix(b []byte, op Opcode) {
	b[0] = Version
	b[1] = uint8(op)
}

// DataHeader describes a DATA packet. The payload follows the header
// immediately; its length is implied by the packet length.
type DataHeader struct {
	ID          MessageID
	TotalLength uint32
	Offset      uint32
	Unscheduled uint32
	Priority    uint8
	Flags       uint8
}

// Put encodes the header into b and returns the number of bytes written.
// b must hold at least DataHeaderLen bytes.
func (h DataHeader) Put(b []byte) int {
	putPrefix(b, OpData)
	h.ID.put(b[PrefixLen:])
	binary.BigEndian.PutUint32(b[18:], h.TotalLength)
	binary.BigEndian.PutUint32(b[22:], h.Offset)
	binary.BigEndian.PutUint32(b[26:], h.Unscheduled)
	b[30] = h.Priority
	b[31] = h.Flags

	return DataHeaderLen
}

// ParseData decodes a DATA header. b starts at the common prefix.
func ParseData(b []byte) (DataHeader, error) {
	if len(b) < DataHeaderLen {
		return DataHeader{}, ErrTruncated
	}

	return DataHeader{
		ID:          messageIDFrom(b[PrefixLen:]),
		TotalLength: binary.BigEndian.Uint32(b[18:]),
		Offset:      binary.BigEndian.Uint32(b[22:]),
		Unscheduled: binary.BigEndian.Uint32(b[26:]),
		Priority:    b[30],
		Flags:       b[31],
	}, nil
}

// GrantHeader authorizes transmission of message bytes up to Offset at the
// given priority.
type GrantHeader struct {
	ID       MessageID
	Offset   uint32
	Priority uint8
}

func (h GrantHeader) Put(b []byte) int {
	putPrefix(b, OpGrant)
	h.ID.put(b[PrefixLen:])
	binary.BigEndian.PutUint32(b[18:], h.Offset)
	b[22] = h.Priority

	return GrantHeaderLen
}

func ParseGrant(b []byte) (GrantHeader, error) {
	if len(b) < GrantHeaderLen {
		return GrantHeader{}, ErrTruncated
	}

	return GrantHeader{
		ID:       messageIDFrom(b[PrefixLen:]),
		Offset:   binary.BigEndian.Uint32(b[18:]),
		Priority: b[22],
	}, nil
}

// ResendHeader requests retransmission of Length bytes starting at Offset.
type ResendHeader struct {
	ID       MessageID
	Offset   uint32
	Length   uint32
	Priority uint8
}

func (h ResendHeader) Put(b []byte) int {
	putPrefix(b, OpResend)
	h.ID.put(b[PrefixLen:])
	binary.BigEndian.PutUint32(b[18:], h.Offset)
	binary.BigEndian.PutUint32(b[22:], h.Length)
	b[26] = h.Priority

	return ResendHeaderLen
}

func ParseResend(b []byte) (ResendHeader, error) {
	if len(b) < ResendHeaderLen {
		return ResendHeader{}, ErrTruncated
	}

	return ResendHeader{
		ID:       messageIDFrom(b[PrefixLen:]),
		Offset:   binary.BigEndian.Uint32(b[18:]),
		Length:   binary.BigEndian.Uint32(b[22:]),
		Priority: b[26],
	}, nil
}

// PutControl encodes one of the id-only records: DONE, BUSY, PING, UNKNOWN
// or ERROR.
func PutControl(b []byte, op Opcode, id MessageID) int {
	putPrefix(b, op)
	id.put(b[PrefixLen:])

	return ControlHeaderLen
}

// ParseControl decodes the MessageID of an id-only record.
func ParseControl(b []byte) (MessageID, error) {
	if len(b) < ControlHeaderLen {
		return MessageID{}, ErrTruncated
	}

	return messageIDFrom(b[PrefixLen:]), nil
}
