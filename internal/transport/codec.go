package transport

import (
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/duskline/rcagent/internal/crypto"
	"github.com/duskline/rcagent/internal/metrics"
	"github.com/duskline/rcagent/internal/protocol"
)

// CompletionHandler is invoked when a response packet carrying a
// previously-registered request id is received. It is the Go expression of
// the original's packet_add_completion_handler collaborator.
type CompletionHandler func(*protocol.Packet)

// Codec reads and writes length-prefixed, optionally-encrypted packets over
// a single stream. Receive, Transmit, SetCipher and SetMetrics acquire mu
// for their entire duration, so a receive and a transmit never interleave
// on the stream. Flush and NegotiateTLS run before the Codec exists and are
// serialized by the owning Transport's lock instead; Complete and the byte
// counters do not take mu.
type Codec struct {
	conn    net.Conn
	mu      sync.Mutex
	cipher  crypto.Cipher
	metrics *metrics.Metrics

	complMu     sync.Mutex
	completions map[string]CompletionHandler

	bytesSent     uint64
	bytesReceived uint64
}

// NewCodec wraps conn for framed packet I/O. No cipher is installed until
// SetCipher is called; until then all packets travel in plaintext
// regardless of type.
func NewCodec(conn net.Conn) *Codec {
	return &Codec{
		conn:        conn,
		completions: make(map[string]CompletionHandler),
	}
}

// SetCipher installs (or clears, with nil) the session's payload cipher.
// PLAIN_REQUEST/PLAIN_RESPONSE packets remain unencrypted regardless.
func (c *Codec) SetCipher(cipher crypto.Cipher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cipher = cipher
}

// SetMetrics installs the metrics collector packet counts and wire byte
// totals are recorded against. A nil collector (the default) disables
// recording.
func (c *Codec) SetMetrics(m *metrics.Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// Receive reads one packet from the stream, decrypting its payload if a
// cipher is installed and the packet type is cipher-eligible.
func (c *Codec) Receive() (*protocol.Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	header := make([]byte, protocol.HeaderSize)
	if _, err := io.ReadFull(c.conn, header); err != nil {
		// Double-wrap: callers that only care about framing check
		// errors.Is(err, ErrFrameShort); the dispatch loop additionally
		// needs errors.As(err, &netErr) to survive to distinguish a
		// poll-timeout read deadline from a genuinely closed stream.
		return nil, fmt.Errorf("%w: %w", ErrFrameShort, err)
	}

	totalLength, typ, err := protocol.DecodeHeader(header)
	if err != nil {
		return nil, err
	}

	payloadLength := totalLength - protocol.HeaderSize
	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFrameShort, err)
		}
	}

	if c.cipher != nil && !typ.IsPlaintext() {
		plain, err := c.cipher.Decrypt(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
		}
		payload = plain
	}

	if c.metrics != nil {
		c.metrics.RecordPacketReceived(typ.String(), int(totalLength))
	}
	atomic.AddUint64(&c.bytesReceived, uint64(totalLength))

	return &protocol.Packet{Type: typ, Payload: payload}, nil
}

// Transmit writes p to the stream, encrypting the payload if a cipher is
// installed and p's type is cipher-eligible. A request id is only attached
// (generating one if p does not already carry one) when completion is
// non-nil, since the id exists solely to correlate a future response back
// to its handler; fire-and-forget packets travel with whatever payload the
// caller built, unmodified.
func (c *Codec) Transmit(p *protocol.Packet, completion CompletionHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if completion != nil {
		id, ok := p.RequestID()
		if !ok {
			generated, err := protocol.GenerateRequestID()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrCrypto, err)
			}
			p.AddTLVString(protocol.TLVTypeRequestID, generated)
			id = generated
		}
		c.registerCompletion(id, completion)
	}

	payload := p.Payload
	if c.cipher != nil && !p.Type.IsPlaintext() {
		cipherText, err := c.cipher.Encrypt(payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCrypto, err)
		}
		payload = cipherText
	}

	wireLength := protocol.HeaderSize + len(payload)
	header := protocol.EncodeHeader(uint32(wireLength), p.Type)
	if _, err := c.conn.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}

	if c.metrics != nil {
		c.metrics.RecordPacketSent(p.Type.String(), wireLength)
	}
	atomic.AddUint64(&c.bytesSent, uint64(wireLength))

	return nil
}

// BytesSent returns the cumulative count of wire bytes (header + payload)
// written by Transmit over this codec's lifetime.
func (c *Codec) BytesSent() uint64 {
	return atomic.LoadUint64(&c.bytesSent)
}

// BytesReceived returns the cumulative count of wire bytes (header +
// payload) read by Receive over this codec's lifetime.
func (c *Codec) BytesReceived() uint64 {
	return atomic.LoadUint64(&c.bytesReceived)
}

// registerCompletion records handler under id for later dispatch by
// Complete.
func (c *Codec) registerCompletion(id string, handler CompletionHandler) {
	c.complMu.Lock()
	defer c.complMu.Unlock()
	c.completions[id] = handler
}

// Complete looks up and invokes (then forgets) the completion handler
// registered for p's request id, if any. Receive never calls it
// implicitly: response routing is left to the code that handles received
// packets, not a framing concern.
func (c *Codec) Complete(p *protocol.Packet) bool {
	id, ok := p.RequestID()
	if !ok {
		return false
	}

	c.complMu.Lock()
	handler, ok := c.completions[id]
	if ok {
		delete(c.completions, id)
	}
	c.complMu.Unlock()

	if !ok {
		return false
	}
	handler(p)
	return true
}
