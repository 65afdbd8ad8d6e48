package transport

import "errors"

// Sentinel errors surfaced by the establishment state machine, the TLS
// session, and the packet codec. Callers should use errors.Is against
// these rather than matching error strings.
var (
	// ErrSocketInit is returned when the underlying socket library could
	// not be initialized for a new attempt.
	ErrSocketInit = errors.New("transport: socket initialization failed")

	// ErrResolve is returned when the Endpoint Resolver could not make
	// sense of a transport URL, or name resolution of its host failed.
	ErrResolve = errors.New("transport: endpoint resolution failed")

	// ErrConnect is returned when a reverse-connect attempt failed at the
	// OS level (refused, unreachable, etc).
	ErrConnect = errors.New("transport: connect failed")

	// ErrBind is returned when binding the listen socket failed.
	ErrBind = errors.New("transport: bind failed")

	// ErrListen is returned when marking the bound socket as listening
	// failed.
	ErrListen = errors.New("transport: listen failed")

	// ErrAccept is returned when accepting an inbound connection failed.
	ErrAccept = errors.New("transport: accept failed")

	// ErrTimeout is returned when the retry budget (retry_total or
	// expiration_end) was exhausted before establishment succeeded. The
	// dispatch loop reports its comms/expiry timeouts through
	// DispatchResult.Reason with a nil error, not through ErrTimeout.
	ErrTimeout = errors.New("transport: retry budget exhausted")

	// ErrHandshakeFailed is returned when the TLS handshake did not
	// complete successfully.
	ErrHandshakeFailed = errors.New("transport: TLS handshake failed")

	// ErrFrameShort is returned when the stream closed before a full
	// header or payload was received.
	ErrFrameShort = errors.New("transport: short frame read")

	// ErrCrypto is returned when the Crypto Context's encrypt or decrypt
	// operation failed.
	ErrCrypto = errors.New("transport: crypto operation failed")

	// ErrNoCapturedAddress is returned by the resolver when an inherit
	// directive is requested but the context has no captured address and
	// no staged socket was supplied.
	ErrNoCapturedAddress = errors.New("transport: no captured address to reconnect from")

	// ErrNotBound is returned when transmit or dispatch is invoked on a
	// transport that has no live stream handle. Reset on such a transport
	// is a no-op and returns nil.
	ErrNotBound = errors.New("transport: no live stream handle")

	// ErrUnsupportedProbe is returned by the Inheritance Prober when the
	// address it captures belongs to neither the IPv4 nor the IPv6 family.
	ErrUnsupportedProbe = errors.New("transport: inherited-socket probe not supported on this platform")
)
