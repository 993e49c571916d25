// Package discovery finds other transports on the local network through UDP
// multicast announcements.
package discovery

import (
	"fmt"

	"github.com/ugorji/go/codec"
)

const (
	// Address4 is the default multicast IPv4 address used for discovery.
	Address4 = "239.23.5.5"

	// Address6 is the default multicast IPv6 address used for discovery.
	Address6 = "ff02::23:5:5"

	// Port is the default multicast port used for discovery.
	Port = 35040
)

// Announcement is the payload a transport multicasts: who it is and where
// its driver listens.
type Announcement struct {
	_struct struct{} `codec:",toarray"`

	TransportID uint64
	Address     string
}

// AnnouncementsFromCbor decodes an array of Announcements from a CBOR byte
// string.
func AnnouncementsFromCbor(buff []byte) (ans []Announcement, err error) {
	var dec = codec.NewDecoderBytes(buff, new(codec.CborHandle))
	err = dec.Decode(&ans)

	return
}

// AnnouncementsToCbor returns a CBOR byte string representation of this array
// of Announcements.
func AnnouncementsToCbor(ans []Announcement) (buff []byte, err error) {
	var enc = codec.NewEncoderBytes(&buff, new(codec.CborHandle))
	err = enc.Encode(ans)

	return
}

func (an Announcement) String() string {
	return fmt.Sprintf("Announcement(%d,%s)", an.TransportID, an.Address)
}
