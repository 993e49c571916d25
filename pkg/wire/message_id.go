package wire

import (
	"encoding/binary"
	"fmt"
)

// MessageIDLen is the encoded size of a MessageID.
const MessageIDLen = 16

// MessageID identifies a message across the fabric. TransportID is unique to
// the sending transport instance, Sequence increases monotonically within it.
// The zero value is never assigned to a live message.
type MessageID struct {
	TransportID uint64
	Sequence    uint64
}

func (id MessageID) String() string {
	return fmt.Sprintf("%d:%d", id.TransportID, id.Sequence)
}

// IsZero reports whether id is the unassigned MessageID.
func (id MessageID) IsZero() bool {
	return id.TransportID == 0 && id.Sequence == 0
}

func (id MessageID) put(b []byte) {
	binary.BigEndian.PutUint64(b[0:], id.TransportID)
	binary.BigEndian.PutUint64(b[8:], id.Sequence)
}

func messageIDFrom(b []byte) MessageID {
	return MessageID{
		TransportID: binary.BigEndian.Uint64(b[0:]),
		Sequence:    binary.BigEndian.Uint64(b[8:]),
	}
}
