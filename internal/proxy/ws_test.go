package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"testing"
)

func TestRelayFrameMaskedTruncatedRecord(t *testing.T) {
	payload := []byte("hello-world!")
	key := []byte{1, 2, 3, 4}
	frame := []byte{0x81, 0x80 | byte(len(payload))}
	frame = append(frame, key...)
	for i, b := range payload {
		frame = append(frame, b^key[i&3])
	}

	var dst bytes.Buffer
	f, err := relayWSFrame(bufio.NewReader(bytes.NewReader(frame)), &dst, 5)
	if err != nil {
		t.Fatalf("relayWSFrame: %v", err)
	}
	if f.opcode != 0x1 || f.size != uint64(len(payload)) {
		t.Fatalf("opcode=%#x size=%d", f.opcode, f.size)
	}
	// record holds the unmasked prefix only
	if !bytes.Equal(f.payload, []byte("hello")) {
		t.Fatalf("recorded payload %q", f.payload)
	}
	// the wire sees every byte untouched
	if !bytes.Equal(dst.Bytes(), frame) {
		t.Fatalf("relayed bytes differ from input")
	}
}

// A frame header declaring a few exabytes must not drive a matching
// allocation: the record stays capped and the read fails when the
// peer cannot actually supply the bytes.
func TestRelayFrameHugeDeclaredLength(t *testing.T) {
	frame := []byte{0x82, 0x7F, 0x40, 0, 0, 0, 0, 0, 0, 0} // 1<<62
	frame = append(frame, "only this much"...)

	var dst bytes.Buffer
	f, err := relayWSFrame(bufio.NewReader(bytes.NewReader(frame)), &dst, 1<<20)
	if err == nil {
		t.Fatalf("expected read error, got frame size %d", f.size)
	}
}

func TestRelayFrameLengthOutsideRange(t *testing.T) {
	frame := []byte{0x82, 0x7F, 0x80, 0, 0, 0, 0, 0, 0, 0}

	var dst bytes.Buffer
	_, err := relayWSFrame(bufio.NewReader(bytes.NewReader(frame)), &dst, 1<<20)
	if !errors.Is(err, errFrameLength) {
		t.Fatalf("err = %v, want errFrameLength", err)
	}
	if dst.Len() != 0 {
		t.Fatalf("malformed header forwarded downstream")
	}
}

func TestRelayFrameUnmaskedPassthrough(t *testing.T) {
	frame := []byte{0x89, 0x03, 'p', 'n', 'g'} // ping, server to client
	var dst bytes.Buffer
	f, err := relayWSFrame(bufio.NewReader(bytes.NewReader(frame)), &dst, 1<<20)
	if err != nil {
		t.Fatalf("relayWSFrame: %v", err)
	}
	if opcodeName(f.opcode) != "ping" || !bytes.Equal(f.payload, []byte("png")) {
		t.Fatalf("opcode=%#x payload=%q", f.opcode, f.payload)
	}
	if !bytes.Equal(dst.Bytes(), frame) {
		t.Fatalf("relayed bytes differ from input")
	}
}
