package protocol

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeHeader_RoundTrip(t *testing.T) {
	buf := EncodeHeader(HeaderSize+4, TypeRequest)
	length, typ, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader() error = %v", err)
	}
	if length != HeaderSize+4 {
		t.Errorf("length = %d, want %d", length, HeaderSize+4)
	}
	if typ != TypeRequest {
		t.Errorf("type = %v, want %v", typ, TypeRequest)
	}
}

func TestEncodeHeader_ExactWireBytes(t *testing.T) {
	// A PLAIN_REQUEST packet with 4-byte payload "ping" must produce
	// exactly: 00 00 00 0C 00 00 00 01 followed by "ping".
	buf := EncodeHeader(HeaderSize+4, TypePlainRequest)
	want := []byte{0x00, 0x00, 0x00, 0x0C, 0x00, 0x00, 0x00, 0x01}
	if !bytes.Equal(buf, want) {
		t.Errorf("EncodeHeader() = % x, want % x", buf, want)
	}
}

func TestDecodeHeader_RejectsOversizedLength(t *testing.T) {
	buf := EncodeHeader(HeaderSize+MaxPayloadSize+1, TypeRequest)
	if _, _, err := DecodeHeader(buf); err == nil {
		t.Fatal("DecodeHeader() expected error for oversized length")
	}
}

func TestDecodeHeader_ShortBuffer(t *testing.T) {
	if _, _, err := DecodeHeader([]byte{0, 0, 0}); err == nil {
		t.Fatal("DecodeHeader() expected error for short buffer")
	}
}

func TestType_IsPlaintext(t *testing.T) {
	cases := map[Type]bool{
		TypePlainRequest:  true,
		TypePlainResponse: true,
		TypeRequest:       false,
		TypeResponse:      false,
	}
	for typ, want := range cases {
		if got := typ.IsPlaintext(); got != want {
			t.Errorf("%v.IsPlaintext() = %v, want %v", typ, got, want)
		}
	}
}

func TestPacket_RequestID_GenerateAndAttach(t *testing.T) {
	p := NewPacket(TypeRequest, []byte("hello"))
	if _, ok := p.RequestID(); ok {
		t.Fatal("fresh packet should not have a request id")
	}

	id, err := GenerateRequestID()
	if err != nil {
		t.Fatalf("GenerateRequestID() error = %v", err)
	}
	if len(id) != RequestIDLength {
		t.Errorf("len(id) = %d, want %d", len(id), RequestIDLength)
	}
	for _, c := range []byte(id) {
		if c < 0x21 || c > 0x7E {
			t.Fatalf("request id contains out-of-range byte 0x%02x", c)
		}
	}

	p.AddTLVString(TLVTypeRequestID, id)
	got, ok := p.RequestID()
	if !ok {
		t.Fatal("RequestID() missing after AddTLVString")
	}
	if got != id {
		t.Errorf("RequestID() = %q, want %q", got, id)
	}
}

func TestPacket_AddTLVString_PreservesBody(t *testing.T) {
	p := NewPacket(TypeRequest, []byte("application body"))
	p.AddTLVString(TLVTypeRequestID, "abc")

	_, body, err := parseTLVPrefix(p.Payload)
	if err != nil {
		t.Fatalf("parseTLVPrefix() error = %v", err)
	}
	if string(body) != "application body" {
		t.Errorf("body = %q, want %q", body, "application body")
	}
}

func TestPacket_Body_NoMetadata(t *testing.T) {
	p := NewPacket(TypeRequest, []byte("raw body"))
	body, err := p.Body()
	if err != nil {
		t.Fatalf("Body() error = %v", err)
	}
	if string(body) != "raw body" {
		t.Errorf("Body() = %q, want %q", body, "raw body")
	}
}

func TestPacket_Body_WithMetadata(t *testing.T) {
	p := NewPacket(TypeRequest, []byte("raw body"))
	p.AddTLVString(TLVTypeRequestID, "req-1")

	body, err := p.Body()
	if err != nil {
		t.Fatalf("Body() error = %v", err)
	}
	if string(body) != "raw body" {
		t.Errorf("Body() = %q, want %q", body, "raw body")
	}
}

func TestPacket_AddTLVString_ReplacesExisting(t *testing.T) {
	p := NewPacket(TypeRequest, []byte("body"))
	p.AddTLVString(TLVTypeRequestID, "first")
	p.AddTLVString(TLVTypeRequestID, "second")

	records, _, err := parseTLVPrefix(p.Payload)
	if err != nil {
		t.Fatalf("parseTLVPrefix() error = %v", err)
	}
	count := 0
	for _, r := range records {
		if r.typ == TLVTypeRequestID {
			count++
		}
	}
	if count != 1 {
		t.Errorf("found %d request-id records, want 1", count)
	}

	got, _ := p.RequestID()
	if got != "second" {
		t.Errorf("RequestID() = %q, want %q", got, "second")
	}
}

func TestParseTLVPrefix_TruncatedRecord(t *testing.T) {
	// Magic + count=1, but not enough bytes for the declared record.
	bad := []byte{0x54, 0x4c, 0x56, 0x31, 0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 100}
	if _, _, err := parseTLVPrefix(bad); err == nil {
		t.Fatal("parseTLVPrefix() expected error for truncated record")
	}
}
