// Package transport implements the agent's TCP/TLS control channel: URL
// resolution into an establishment directive, the connect/bind state
// machine with retry and expiry budgets, the staged-socket inheritance
// probe, the pre-TLS flush, the TLS handshake and cover traffic, the
// framed packet codec, and the dispatch loop that ties them together.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/duskline/rcagent/internal/crypto"
	"github.com/duskline/rcagent/internal/identity"
	"github.com/duskline/rcagent/internal/metrics"
	"github.com/duskline/rcagent/internal/protocol"
)

// Timeouts mirrors the transport's timeouts record: retry/wait budgets for
// establishment and the comms/expiry budgets the dispatch loop enforces.
type Timeouts struct {
	RetryTotal time.Duration
	RetryWait  time.Duration
	Comms      time.Duration
	Expiry     time.Duration

	// MaxAttemptRate caps reconnect attempts per second during reverse
	// connect retry loops, independent of RetryWait. Zero disables the
	// cap (the default).
	MaxAttemptRate float64
}

// Scheduler is the external worker-scheduling collaborator the dispatch
// loop starts before its poll loop and tears down on exit. See
// internal/scheduler for the concrete implementation.
type Scheduler interface {
	Initialize() error
	Destroy()
	Join()
}

// CommandHandler decodes and acts on a received packet, returning whether
// the dispatch loop should keep running.
type CommandHandler interface {
	Handle(t *Transport, p *protocol.Packet) (cont bool, err error)
}

// Capability is the set of operations a transport kind must implement.
// TCP/TLS (*Transport) is presently the only implementation; the interface
// exists so callers select behavior by kind tag rather than by concrete
// type, matching the original's function-table dispatch.
type Capability interface {
	Init(ctx context.Context) error
	Deinit() error
	Reset() error
	Destroy() error
	Dispatch(ctx context.Context, sched Scheduler, handler CommandHandler, terminate <-chan struct{}) DispatchResult
	Transmit(p *protocol.Packet, completion CompletionHandler) error
	Socket() net.Conn
}

var _ Capability = (*Transport)(nil)

// tcpContext is the TCP Transport Context: the live stream and codec, the
// installed cipher (if any), and the captured reconnect address recording
// whether the last live connection was a bind or a reverse connect.
type tcpContext struct {
	conn         net.Conn
	codec        *Codec
	cipher       crypto.Cipher
	captured     CapturedAddress
	haveCaptured bool
}

// Transport is the value type bundling a configured channel's URL,
// timeouts, lifecycle timestamps, and live context. One Transport belongs
// to exactly one session; Init/Deinit/Reset/Destroy/Dispatch are called
// only by that session's goroutine. Transmit may additionally be called by
// Command Handler worker goroutines concurrently with Dispatch — the
// Codec's own lock serializes those calls against the dispatcher's.
type Transport struct {
	URL       string
	Timeouts  Timeouts
	SessionID identity.SessionID

	StartTime       time.Time
	CommsLastPacket time.Time
	ExpirationEnd   time.Time

	logger  *slog.Logger
	metrics *metrics.Metrics

	mu  sync.Mutex
	ctx *tcpContext
}

// New builds a Transport for url, stamping its lifecycle timestamps and
// establishing its session id. If dataDir is non-empty, the session id is
// loaded from dataDir if one was persisted by a prior run, or generated and
// persisted there if not — so a restarted agent reports the same identity
// to the control API across a process restart. An empty dataDir always
// generates a fresh, unpersisted session id.
func New(url string, timeouts Timeouts, logger *slog.Logger, dataDir string) (*Transport, error) {
	sid, err := sessionIdentity(dataDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSocketInit, err)
	}
	now := time.Now()
	// A zero Expiry means no expiry: ExpirationEnd stays the zero time,
	// which the establishment budget and the dispatch loop both skip.
	var expirationEnd time.Time
	if timeouts.Expiry > 0 {
		expirationEnd = now.Add(timeouts.Expiry)
	}
	return &Transport{
		URL:             url,
		Timeouts:        timeouts,
		SessionID:       sid,
		StartTime:       now,
		CommsLastPacket: now,
		ExpirationEnd:   expirationEnd,
		logger:          logger,
		ctx:             &tcpContext{},
	}, nil
}

// sessionIdentity resolves the session id per New's dataDir contract.
func sessionIdentity(dataDir string) (identity.SessionID, error) {
	if dataDir == "" {
		return identity.NewSessionID()
	}
	sid, _, err := identity.LoadOrCreate(dataDir)
	return sid, err
}

// SetCipher installs the session's payload cipher, to be applied to every
// cipher-eligible packet the codec transmits or receives from this point
// on.
func (t *Transport) SetCipher(cipher crypto.Cipher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ctx.cipher = cipher
	if t.ctx.codec != nil {
		t.ctx.codec.SetCipher(cipher)
	}
}

// SetMetrics installs the collector that establishment, handshake, and
// packet-level counters are recorded against. Call before Init so
// establishment metrics are captured too; a nil collector disables
// recording.
func (t *Transport) SetMetrics(m *metrics.Metrics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics = m
	if t.ctx.codec != nil {
		t.ctx.codec.SetMetrics(m)
	}
}

// Init resolves the transport's URL into a directive and establishes a
// live, TLS-negotiated connection. Use InitFromStage instead when the
// process was handed an already-open socket with no URL to resolve.
func (t *Transport) Init(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	directive, err := Resolve(t.URL, t.ctx.haveCaptured)
	if err != nil {
		return err
	}

	budget := Budget{
		RetryTotal:    t.Timeouts.RetryTotal,
		RetryWait:     t.Timeouts.RetryWait,
		ExpirationEnd: t.ExpirationEnd,
	}
	if t.Timeouts.MaxAttemptRate > 0 {
		budget.AttemptLimiter = rate.NewLimiter(rate.Limit(t.Timeouts.MaxAttemptRate), 1)
	}

	var conn net.Conn
	var bound bool

	if t.metrics != nil {
		t.metrics.RecordConnectAttempt(directiveKindName(directive.Kind))
	}

	switch directive.Kind {
	case DirectiveReverseV4:
		conn, err = ReverseV4(ctx, directive.Host, directive.Port, budget)
		bound = false
	case DirectiveReverseV6:
		conn, err = ReverseV6(ctx, directive.Host, directive.Service, directive.ScopeID, budget)
		bound = false
	case DirectiveBindV4:
		conn, err = BindV4(ctx, directive.Port)
		bound = true
	case DirectiveInherit:
		if t.ctx.captured.Bound {
			conn, err = ReconnectBind(ctx, uint16(t.ctx.captured.Port))
			bound = true
		} else {
			network, address := networkAndAddress(t.ctx.captured)
			conn, err = ReconnectReverse(ctx, network, address, budget)
			bound = false
		}
	case DirectiveFromStage:
		return fmt.Errorf("%w: no captured address and no staged socket; call InitFromStage", ErrResolve)
	}
	if err != nil {
		return err
	}

	return t.finishInit(conn, bound)
}

// directiveKindName maps a DirectiveKind to the label value used by the
// connect-attempts counter.
func directiveKindName(kind DirectiveKind) string {
	switch kind {
	case DirectiveReverseV4:
		return "reverse_v4"
	case DirectiveReverseV6:
		return "reverse_v6"
	case DirectiveBindV4:
		return "bind_v4"
	case DirectiveInherit:
		return "inherit"
	default:
		return "unknown"
	}
}

// InitFromStage initializes the transport from a raw, already-connected
// socket descriptor handed in by a previous loader stage, probing it via
// the Inheritance Prober to determine its establishment mode.
func (t *Transport) InitFromStage(sock int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	captured, err := ProbeInherited(sock)
	if err != nil {
		return err
	}

	conn, err := fdToConn(sock)
	if err != nil {
		return err
	}

	t.ctx.captured = captured
	t.ctx.haveCaptured = true
	return t.finishInit(conn, captured.Bound)
}

// finishInit drains residual bytes, negotiates TLS, wires the codec, and
// records the reconnect address derived from the live connection.
func (t *Transport) finishInit(conn net.Conn, bound bool) error {
	if err := Flush(conn); err != nil {
		conn.Close()
		return err
	}

	handshakeStart := time.Now()
	tlsConn, err := NegotiateTLS(conn, t.logger)
	if err != nil {
		conn.Close()
		if t.metrics != nil {
			t.metrics.RecordHandshakeError()
		}
		return err
	}
	if t.metrics != nil {
		t.metrics.RecordHandshake(time.Since(handshakeStart).Seconds())
	}

	t.ctx.conn = tlsConn
	t.ctx.codec = NewCodec(tlsConn)
	if t.ctx.cipher != nil {
		t.ctx.codec.SetCipher(t.ctx.cipher)
	}
	if t.metrics != nil {
		t.ctx.codec.SetMetrics(t.metrics)
	}
	t.ctx.captured = captureFromConn(tlsConn, bound)
	t.ctx.haveCaptured = true

	t.CommsLastPacket = time.Now()
	return nil
}

// Deinit closes the live connection without discarding the captured
// reconnect address, leaving the Transport ready for Init to be called
// again.
func (t *Transport) Deinit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

// Reset closes any current stream and clears it, preserving the captured
// address so the Establisher can reconnect in the same mode.
func (t *Transport) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *Transport) closeLocked() error {
	if t.ctx.conn == nil {
		return nil
	}
	err := t.ctx.conn.Close()
	t.ctx.conn = nil
	t.ctx.codec = nil
	if t.metrics != nil {
		t.metrics.RecordDisconnected()
	}
	return err
}

// Destroy releases the transport's resources. After Destroy the Transport
// must not be reused.
func (t *Transport) Destroy() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx.cipher != nil {
		if zeroer, ok := t.ctx.cipher.(interface{ Zero() }); ok {
			zeroer.Zero()
		}
	}
	return t.closeLocked()
}

// Transmit writes p through the session's codec. Safe to call
// concurrently with Dispatch and with other Transmit calls.
func (t *Transport) Transmit(p *protocol.Packet, completion CompletionHandler) error {
	t.mu.Lock()
	codec := t.ctx.codec
	t.mu.Unlock()

	if codec == nil {
		return ErrNotBound
	}
	return codec.Transmit(p, completion)
}

// SetConn wires an already-established connection into the transport,
// bypassing URL resolution, the establishment state machine, and TLS
// negotiation. Intended for callers (and tests) that perform their own
// connection setup and only need the transport's codec and dispatch loop.
func (t *Transport) SetConn(conn net.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ctx.conn = conn
	t.ctx.codec = NewCodec(conn)
	if t.ctx.cipher != nil {
		t.ctx.codec.SetCipher(t.ctx.cipher)
	}
	if t.metrics != nil {
		t.ctx.codec.SetMetrics(t.metrics)
	}
}

// Socket returns the transport's live connection, or nil if not
// established.
func (t *Transport) Socket() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctx.conn
}

// IsBound reports whether the transport's captured reconnect address is a
// local listen address (true) or a remote peer address (false).
func (t *Transport) IsBound() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctx.captured.Bound
}

// ID returns the transport's session identity, satisfying
// control.TransportInfo.
func (t *Transport) ID() identity.SessionID {
	return t.SessionID
}

// Connected reports whether the transport currently has a live connection,
// satisfying control.TransportInfo.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctx.conn != nil
}

// Bound reports whether the current or last connection was a bind rather
// than a reverse connect, satisfying control.TransportInfo.
func (t *Transport) Bound() bool {
	return t.IsBound()
}

// LastPacketAge returns the time elapsed since the last packet was
// received over the dispatch loop, satisfying control.TransportInfo.
func (t *Transport) LastPacketAge() time.Duration {
	t.mu.Lock()
	last := t.CommsLastPacket
	t.mu.Unlock()
	if last.IsZero() {
		return 0
	}
	return time.Since(last)
}

// ExpiresIn returns the time remaining before the transport's session
// expiry budget elapses, satisfying control.TransportInfo.
func (t *Transport) ExpiresIn() time.Duration {
	t.mu.Lock()
	end := t.ExpirationEnd
	t.mu.Unlock()
	if end.IsZero() {
		return 0
	}
	return time.Until(end)
}

// Target returns the transport's configured connection URL, satisfying
// control.TransportInfo.
func (t *Transport) Target() string {
	return t.URL
}

// BytesSent returns the cumulative wire bytes written over the current (or
// most recent) codec, satisfying control.TransportInfo. It is 0 before the
// first connection is established.
func (t *Transport) BytesSent() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx.codec == nil {
		return 0
	}
	return t.ctx.codec.BytesSent()
}

// BytesReceived returns the cumulative wire bytes read over the current (or
// most recent) codec, satisfying control.TransportInfo. It is 0 before the
// first connection is established.
func (t *Transport) BytesReceived() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx.codec == nil {
		return 0
	}
	return t.ctx.codec.BytesReceived()
}

// captureFromConn derives a CapturedAddress from a live connection: the
// local address when bound (listen mode), the remote peer address
// otherwise.
func captureFromConn(conn net.Conn, bound bool) CapturedAddress {
	var addr net.Addr
	if bound {
		addr = conn.LocalAddr()
	} else {
		addr = conn.RemoteAddr()
	}

	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return CapturedAddress{Bound: bound}
	}
	port, _ := strconv.Atoi(portStr)
	return CapturedAddress{Bound: bound, IP: net.ParseIP(host), Port: port}
}

// networkAndAddress turns a captured peer address back into dial
// parameters for ReconnectReverse.
func networkAndAddress(c CapturedAddress) (network, address string) {
	network = "tcp4"
	if c.IP != nil && c.IP.To4() == nil {
		network = "tcp6"
	}
	address = net.JoinHostPort(c.IP.String(), strconv.Itoa(c.Port))
	return network, address
}
