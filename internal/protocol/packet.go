// Package protocol defines the wire packet format used by the rcagent
// transport: an 8-byte length+type header followed by an optionally
// TLV-encoded payload.
package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrFrameTooLarge is returned when a packet's payload exceeds MaxPayloadSize.
	ErrFrameTooLarge = errors.New("protocol: payload exceeds maximum size")

	// ErrInvalidHeader is returned when a header cannot be decoded.
	ErrInvalidHeader = errors.New("protocol: invalid packet header")

	// ErrTLVTruncated is returned when a TLV record is cut short.
	ErrTLVTruncated = errors.New("protocol: truncated TLV record")

	// ErrTLVNotFound is returned by GetTLVString when the type is absent.
	ErrTLVNotFound = errors.New("protocol: TLV not found")
)

// Type identifies a packet's payload kind. PLAIN_REQUEST and PLAIN_RESPONSE
// are never encrypted; everything else is cipher-eligible when a session
// cipher is installed (see internal/transport/codec.go).
type Type uint32

const (
	// TypeRequest is an encrypted command request.
	TypeRequest Type = 0

	// TypePlainRequest is a request sent without encryption, regardless of
	// whether a cipher is installed (used for the handshake/hello exchange).
	TypePlainRequest Type = 1

	// TypeResponse is an encrypted command response.
	TypeResponse Type = 2

	// TypePlainResponse is the plaintext counterpart of TypePlainRequest.
	TypePlainResponse Type = 3
)

// IsPlaintext reports whether packets of this type are exempt from
// encryption even when a session cipher is active.
func (t Type) IsPlaintext() bool {
	return t == TypePlainRequest || t == TypePlainResponse
}

// String returns a human-readable name for the type.
func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "REQUEST"
	case TypeResponse:
		return "RESPONSE"
	case TypePlainRequest:
		return "PLAIN_REQUEST"
	case TypePlainResponse:
		return "PLAIN_RESPONSE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
	}
}

const (
	// HeaderSize is the size in bytes of the wire header: a uint32 total
	// length (including this header) followed by a uint32 type, both
	// network byte order.
	HeaderSize = 8

	// MaxPayloadSize bounds the payload a single packet may carry. The
	// original C implementation trusts the on-wire length field up to
	// SIZE_MAX; Go must bound the make([]byte, payloadLength) allocation
	// or a corrupt/hostile header can force unbounded memory use.
	MaxPayloadSize = 16 * 1024 * 1024

	// RequestIDLength is the length in bytes of a generated request id.
	RequestIDLength = 31
)

// TLV type identifiers used within a Packet's metadata section.
const (
	TLVTypeRequestID uint32 = 1
)

// EncodeHeader serializes a packet header: total length (header + payload)
// and type, both network byte order.
func EncodeHeader(totalLength uint32, t Type) []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], totalLength)
	binary.BigEndian.PutUint32(buf[4:8], uint32(t))
	return buf
}

// DecodeHeader parses a HeaderSize-byte buffer into a total length and type.
// The returned length is the full on-wire length, header included.
func DecodeHeader(buf []byte) (totalLength uint32, t Type, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidHeader, HeaderSize, len(buf))
	}
	totalLength = binary.BigEndian.Uint32(buf[0:4])
	t = Type(binary.BigEndian.Uint32(buf[4:8]))
	if totalLength < HeaderSize {
		return 0, 0, fmt.Errorf("%w: length %d smaller than header", ErrInvalidHeader, totalLength)
	}
	if totalLength-HeaderSize > MaxPayloadSize {
		return 0, 0, ErrFrameTooLarge
	}
	return totalLength, t, nil
}

// Packet is a decoded transport packet: a type tag plus a metadata-bearing
// payload. Payload is the raw bytes that travel on the wire (after any
// decryption on receive, before any encryption on transmit); metadata TLVs
// such as the request id are encoded as a short prefix within it.
type Packet struct {
	Type    Type
	Payload []byte
}

// NewPacket creates a packet of the given type carrying body as its
// application payload (no TLV metadata attached yet).
func NewPacket(t Type, body []byte) *Packet {
	return &Packet{Type: t, Payload: body}
}

// String returns a debug representation of the packet.
func (p *Packet) String() string {
	return fmt.Sprintf("Packet{Type=%s, PayloadLen=%d}", p.Type, len(p.Payload))
}

// tlvRecord is type(4) | length(4) | value, all network byte order,
// prepended to a packet's application body to carry transport metadata.
// AddTLVString is idempotent per type: it replaces any existing record of
// the same type rather than appending a duplicate.

// GetTLVString scans the packet's metadata section for a TLV of the given
// type and returns its string value.
func (p *Packet) GetTLVString(tlvType uint32) (string, error) {
	records, _, err := parseTLVPrefix(p.Payload)
	if err != nil {
		return "", err
	}
	for _, rec := range records {
		if rec.typ == tlvType {
			return string(rec.value), nil
		}
	}
	return "", ErrTLVNotFound
}

// AddTLVString attaches (or replaces) a string TLV of the given type to the
// packet's metadata section, leaving the application body untouched.
func (p *Packet) AddTLVString(tlvType uint32, value string) {
	records, body, err := parseTLVPrefix(p.Payload)
	if err != nil {
		// Payload predates any metadata section (or is malformed); treat the
		// whole thing as application body and start a fresh metadata set.
		records = nil
		body = p.Payload
	}

	replaced := false
	for i := range records {
		if records[i].typ == tlvType {
			records[i].value = []byte(value)
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, tlvRecord{typ: tlvType, value: []byte(value)})
	}

	p.Payload = encodeTLVPrefix(records, body)
}

// Body returns the packet's application payload with any metadata TLV
// prefix (request id, etc.) stripped off.
func (p *Packet) Body() ([]byte, error) {
	_, body, err := parseTLVPrefix(p.Payload)
	if err != nil {
		return nil, err
	}
	return body, nil
}

// RequestID returns the packet's request id TLV, if present.
func (p *Packet) RequestID() (string, bool) {
	id, err := p.GetTLVString(TLVTypeRequestID)
	if err != nil {
		return "", false
	}
	return id, true
}

// GenerateRequestID returns a 31-byte printable identifier using characters
// in the range [0x21, 0x7E], matching the original transport's scheme.
func GenerateRequestID() (string, error) {
	raw := make([]byte, RequestIDLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate request id: %w", err)
	}
	const span = 0x7E - 0x21 + 1
	out := make([]byte, RequestIDLength)
	for i, b := range raw {
		out[i] = 0x21 + b%span
	}
	return string(out), nil
}

type tlvRecord struct {
	typ   uint32
	value []byte
}

const tlvRecordHeaderSize = 8 // type(4) + length(4)
const tlvMagic = 0x544c5631   // "TLV1"

// parseTLVPrefix reads a metadata section (if present) from the front of
// payload. The section starts with a 4-byte magic and a uint32 record
// count; absence of the magic means the payload carries no metadata yet.
func parseTLVPrefix(payload []byte) ([]tlvRecord, []byte, error) {
	if len(payload) < 8 || binary.BigEndian.Uint32(payload[0:4]) != tlvMagic {
		return nil, payload, nil
	}
	count := binary.BigEndian.Uint32(payload[4:8])
	offset := 8
	records := make([]tlvRecord, 0, count)
	for i := uint32(0); i < count; i++ {
		if offset+tlvRecordHeaderSize > len(payload) {
			return nil, nil, ErrTLVTruncated
		}
		typ := binary.BigEndian.Uint32(payload[offset:])
		length := binary.BigEndian.Uint32(payload[offset+4:])
		offset += tlvRecordHeaderSize
		if offset+int(length) > len(payload) {
			return nil, nil, ErrTLVTruncated
		}
		value := make([]byte, length)
		copy(value, payload[offset:offset+int(length)])
		offset += int(length)
		records = append(records, tlvRecord{typ: typ, value: value})
	}
	return records, payload[offset:], nil
}

// encodeTLVPrefix re-serializes records and body into a single payload.
func encodeTLVPrefix(records []tlvRecord, body []byte) []byte {
	if len(records) == 0 {
		return body
	}
	size := 8
	for _, rec := range records {
		size += tlvRecordHeaderSize + len(rec.value)
	}
	buf := make([]byte, size+len(body))
	binary.BigEndian.PutUint32(buf[0:4], tlvMagic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(records)))
	offset := 8
	for _, rec := range records {
		binary.BigEndian.PutUint32(buf[offset:], rec.typ)
		binary.BigEndian.PutUint32(buf[offset+4:], uint32(len(rec.value)))
		offset += tlvRecordHeaderSize
		copy(buf[offset:], rec.value)
		offset += len(rec.value)
	}
	copy(buf[offset:], body)
	return buf
}
