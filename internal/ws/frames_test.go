package ws

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"
)

// writeMasked emulates the client side of the wire: frames sent by peers are
// always masked.
func writeMasked(t *testing.T, conn net.Conn, opcode byte, payload []byte) {
	t.Helper()

	header := []byte{0x80 | opcode}
	length := len(payload)
	switch {
	case length < 126:
		header = append(header, 0x80|byte(length))
	case length <= 0xFFFF:
		header = append(header, 0x80|126)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(length))
		header = append(header, ext[:]...)
	default:
		header = append(header, 0x80|127)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(length))
		header = append(header, ext[:]...)
	}

	mask := [4]byte{0x1a, 0x2b, 0x3c, 0x4d}
	header = append(header, mask[:]...)

	masked := make([]byte, length)
	for i, b := range payload {
		masked[i] = b ^ mask[i%4]
	}

	if _, err := conn.Write(append(header, masked...)); err != nil {
		t.Errorf("write frame: %v", err)
	}
}

func TestReadFrameUnmasksPayload(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	want := []byte(`{"type":"ping"}`)
	go writeMasked(t, client, opcodeText, want)

	opcode, payload, err := readFrame(server, 1<<20)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if opcode != opcodeText {
		t.Fatalf("opcode = %d, want text", opcode)
	}
	if string(payload) != string(want) {
		t.Fatalf("payload = %q, want %q", payload, want)
	}
}

func TestReadFrameRejectsUnmasked(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		// fin+text, unmasked, zero length
		client.Write([]byte{0x81, 0x00})
	}()

	if _, _, err := readFrame(server, 1<<20); err == nil {
		t.Fatal("unmasked frame accepted")
	}
}

func TestReadFrameEnforcesSizeLimit(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	payload := make([]byte, 256)
	go writeMasked(t, client, opcodeText, payload)

	_, _, err := readFrame(server, 128)
	if !errors.Is(err, errFrameTooLarge) {
		t.Fatalf("err = %v, want errFrameTooLarge", err)
	}
}

func TestWriteFrameRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	want := []byte("hello frame")
	go func() {
		if err := writeFrame(server, opcodeText, want, time.Second); err != nil {
			t.Errorf("writeFrame: %v", err)
		}
	}()

	header := make([]byte, 2)
	if _, err := client.Read(header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	if header[0] != 0x80|opcodeText {
		t.Fatalf("header byte = %x", header[0])
	}
	length := int(header[1] & 0x7F)
	if length != len(want) {
		t.Fatalf("length = %d, want %d", length, len(want))
	}
	payload := make([]byte, length)
	if _, err := client.Read(payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if string(payload) != string(want) {
		t.Fatalf("payload = %q", payload)
	}
}

func TestEncodeClosePayload(t *testing.T) {
	payload := encodeClosePayload(closeGoingAway, "Connection timeout")
	code := int(payload[0])<<8 | int(payload[1])
	if code != 1001 {
		t.Fatalf("close code = %d, want 1001", code)
	}
	if string(payload[2:]) != "Connection timeout" {
		t.Fatalf("close reason = %q", payload[2:])
	}

	long := encodeClosePayload(closeNormalClosure, string(make([]byte, 200)))
	if len(long) != 2+123 {
		t.Fatalf("long reason not truncated: %d", len(long))
	}
}
