package discovery

import (
	"reflect"
	"testing"
)

func TestAnnouncementCbor(t *testing.T) {
	var tests = []Announcement{
		{
			TransportID: 1,
			Address:     "192.0.2.1:4711",
		},
		{
			TransportID: 42,
			Address:     "[2001:db8::1]:4711",
		},
		{
			TransportID: 1 << 60,
			Address:     "alpha",
		},
	}

	for _, anIn := range tests {
		buff, err := AnnouncementsToCbor([]Announcement{anIn})
		if err != nil {
			t.Fatalf("Encoding failed: %v", err)
		}

		ansOut, err := AnnouncementsFromCbor(buff)
		if err != nil {
			t.Fatalf("Decoding failed: %v", err)
		}

		if l := len(ansOut); l != 1 {
			t.Fatalf("Length of decoded Announcements is %d != 1", l)
		}

		if !reflect.DeepEqual(anIn, ansOut[0]) {
			t.Fatalf("Decoded Announcement differs: %v became %v", anIn, ansOut[0])
		}
	}
}
