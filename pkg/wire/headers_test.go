package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestDataHeader(t *testing.T) {
	tests := []DataHeader{
		{
			ID:          MessageID{TransportID: 23, Sequence: 42},
			TotalLength: 1 << 20,
			Offset:      1400,
			Unscheduled: 10000,
			Priority:    7,
			Flags:       FlagRetransmission | FlagNoAck,
		},
		{ID: MessageID{TransportID: 1, Sequence: 1}},
	}

	for _, test := range tests {
		var buff [DataHeaderLen]byte
		if n := test.Put(buff[:]); n != DataHeaderLen {
			t.Fatalf("Put returned %d, expected %d", n, DataHeaderLen)
		}

		prefix, err := ParsePrefix(buff[:])
		if err != nil {
			t.Fatal(err)
		}
		if prefix.Opcode != OpData {
			t.Fatalf("Opcode is %v", prefix.Opcode)
		}

		hdr, err := ParseData(buff[:])
		if err != nil {
			t.Fatal(err)
		}
		if hdr != test {
			t.Fatalf("%v != %v", hdr, test)
		}
	}
}

func TestGrantHeader(t *testing.T) {
	in := GrantHeader{
		ID:       MessageID{TransportID: 99, Sequence: 3},
		Offset:   56000,
		Priority: 3,
	}

	var buff [GrantHeaderLen]byte
	in.Put(buff[:])

	out, err := ParseGrant(buff[:])
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatalf("%v != %v", out, in)
	}
}

func TestResendHeader(t *testing.T) {
	in := ResendHeader{
		ID:       MessageID{TransportID: 7, Sequence: 11},
		Offset:   2800,
		Length:   1400,
		Priority: 5,
	}

	var buff [ResendHeaderLen]byte
	in.Put(buff[:])

	out, err := ParseResend(buff[:])
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatalf("%v != %v", out, in)
	}
}

func TestControlHeaders(t *testing.T) {
	id := MessageID{TransportID: 5, Sequence: 8}

	for _, op := range []Opcode{OpDone, OpBusy, OpPing, OpUnknown, OpError} {
		var buff [ControlHeaderLen]byte
		PutControl(buff[:], op, id)

		prefix, err := ParsePrefix(buff[:])
		if err != nil {
			t.Fatal(err)
		}
		if prefix.Opcode != op {
			t.Fatalf("Opcode is %v, expected %v", prefix.Opcode, op)
		}

		outID, err := ParseControl(buff[:])
		if err != nil {
			t.Fatal(err)
		}
		if outID != id {
			t.Fatalf("%v != %v", outID, id)
		}
	}
}

func TestParsePrefixErrors(t *testing.T) {
	if _, err := ParsePrefix([]byte{Version}); !errors.Is(err, ErrTruncated) {
		t.Fatalf("Expected ErrTruncated, got %v", err)
	}

	if _, err := ParsePrefix([]byte{Version + 1, byte(OpData)}); !errors.Is(err, ErrVersion) {
		t.Fatalf("Expected ErrVersion, got %v", err)
	}

	if _, err := ParsePrefix([]byte{Version, 0xFF}); err == nil {
		t.Fatal("Expected an error for an unknown opcode")
	}
}

func TestParseTruncated(t *testing.T) {
	var buff [DataHeaderLen]byte
	DataHeader{ID: MessageID{TransportID: 1, Sequence: 2}}.Put(buff[:])

	if _, err := ParseData(buff[:DataHeaderLen-1]); !errors.Is(err, ErrTruncated) {
		t.Fatalf("Expected ErrTruncated, got %v", err)
	}
	if _, err := ParseGrant(buff[:GrantHeaderLen-1]); !errors.Is(err, ErrTruncated) {
		t.Fatalf("Expected ErrTruncated, got %v", err)
	}
	if _, err := ParseControl(buff[:ControlHeaderLen-1]); !errors.Is(err, ErrTruncated) {
		t.Fatalf("Expected ErrTruncated, got %v", err)
	}
}

func TestMessageIDString(t *testing.T) {
	id := MessageID{TransportID: 23, Sequence: 42}
	if id.String() != "23:42" {
		t.Fatalf("Unexpected representation: %s", id)
	}
	if id.IsZero() {
		t.Fatal("Non-zero id reported as zero")
	}
	if !(MessageID{}).IsZero() {
		t.Fatal("Zero id not reported as zero")
	}
}

func TestHeaderEncodingIsBigEndian(t *testing.T) {
	var buff [GrantHeaderLen]byte
	GrantHeader{
		ID:     MessageID{TransportID: 0x0102030405060708, Sequence: 0x090A0B0C0D0E0F10},
		Offset: 0x11121314,
	}.Put(buff[:])

	expected := []byte{
		Version, byte(OpGrant),
		0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
		0x09, 0x0A, 0x0B, 0x0C, 0x0D, 0x0E, 0x0F, 0x10,
		0x11, 0x12, 0x13, 0x14,
		0x00,
	}
	if !bytes.Equal(buff[:], expected) {
		t.Fatalf("Encoding mismatch:\n%x\n%x", buff[:], expected)
	}
}
