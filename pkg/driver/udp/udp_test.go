package udp

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/homa-transport/homa-go/pkg/driver"
	"github.com/howeyc/crc16"
)

func receiveOne(t *testing.T, d *Driver) *driver.Packet {
	t.Helper()

	out := make([]*driver.Packet, 1)
	for i := 0; i < 100; i++ {
		if n, err := d.ReceivePackets(1, out); err != nil {
			t.Fatal(err)
		} else if n == 1 {
			return out[0]
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("No packet arrived")
	return nil
}

func TestRoundTrip(t *testing.T) {
	a, err := NewDriver("127.0.0.1:0", DefaultBandwidthForTest)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	b, err := NewDriver("127.0.0.1:0", DefaultBandwidthForTest)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	payload := []byte("over the wire")

	pkt, _ := a.AllocPacket()
	pkt.Addr, err = a.Address(b.LocalAddress().String())
	if err != nil {
		t.Fatal(err)
	}
	pkt.Length = copy(pkt.Buffer(), payload)

	if err := a.SendPacket(pkt); err != nil {
		t.Fatal(err)
	}
	pkt.Release()

	in := receiveOne(t, b)
	if !bytes.Equal(in.Payload(), payload) {
		t.Fatalf("Payload mismatch: %q", in.Payload())
	}

	b.ReleasePackets([]*driver.Packet{in})
}

func TestCorruptDatagramDropped(t *testing.T) {
	d, err := NewDriver("127.0.0.1:0", DefaultBandwidthForTest)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	conn, err := net.Dial("udp", d.LocalAddress().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// A frame with a broken checksum, followed by a valid one.
	bad := []byte{1, 2, 3, 0xFF, 0xFF}
	if _, err := conn.Write(bad); err != nil {
		t.Fatal(err)
	}

	good := []byte("ok")
	frame := make([]byte, len(good)+2)
	copy(frame, good)
	binary.BigEndian.PutUint16(frame[len(good):], crc16.Checksum(good, crcTable))
	if _, err := conn.Write(frame); err != nil {
		t.Fatal(err)
	}

	in := receiveOne(t, d)
	if !bytes.Equal(in.Payload(), good) {
		t.Fatalf("Corrupt frame was delivered: %q", in.Payload())
	}

	d.ReleasePackets([]*driver.Packet{in})
}

// DefaultBandwidthForTest keeps the test drivers' reported link speed in one
// place.
const DefaultBandwidthForTest = 1000 * 1000 * 1000
