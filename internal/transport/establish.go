package transport

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// Budget bounds a single establishment attempt: the caller retries until
// either retryTotal has elapsed since the first attempt or the wall clock
// passes expirationEnd, whichever fires first.
type Budget struct {
	RetryTotal    time.Duration
	RetryWait     time.Duration
	ExpirationEnd time.Time

	// AttemptLimiter, when set, caps the rate of reconnect attempts
	// independently of RetryWait. It guards against a misconfigured or
	// zero RetryWait turning a flaky target into a tight reconnect loop.
	AttemptLimiter *rate.Limiter
}

// expired reports whether the budget is exhausted as of now, given the
// time the first attempt started.
func (b Budget) expired(start, now time.Time) bool {
	if !b.ExpirationEnd.IsZero() && now.After(b.ExpirationEnd) {
		return true
	}
	if b.RetryTotal > 0 && now.Sub(start) >= b.RetryTotal {
		return true
	}
	return false
}

// ReverseV4 dials host:port over IPv4, retrying per budget until connected
// or the budget is exhausted.
func ReverseV4(ctx context.Context, host string, port uint16, budget Budget) (net.Conn, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	return reverseLoop(ctx, budget, func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp4", addr)
	})
}

// ReverseV6 dials host:service over IPv6. Every candidate address returned
// by resolving host is tried each round, with scopeID applied as the zone
// for link-local addresses, matching the original's per-round re-resolution
// and per-address scope assignment.
func ReverseV6(ctx context.Context, host, service string, scopeID uint32, budget Budget) (net.Conn, error) {
	zone := ""
	if scopeID != 0 {
		ifi, err := net.InterfaceByIndex(int(scopeID))
		if err != nil {
			return nil, fmt.Errorf("%w: resolve scope id %d: %v", ErrResolve, scopeID, err)
		}
		zone = ifi.Name
	}

	return reverseLoop(ctx, budget, func(ctx context.Context) (net.Conn, error) {
		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrResolve, err)
		}

		var lastErr error
		for _, ip := range ips {
			addr := ip
			if zone != "" && addr.IP.IsLinkLocalUnicast() {
				addr.Zone = zone
			}
			target := net.JoinHostPort(addr.String(), service)
			var d net.Dialer
			conn, derr := d.DialContext(ctx, "tcp6", target)
			if derr == nil {
				return conn, nil
			}
			lastErr = derr
		}
		if lastErr == nil {
			lastErr = fmt.Errorf("no addresses resolved for %s", host)
		}
		return nil, lastErr
	})
}

// reverseLoop drives the shared reverse-connect retry semantics: attempt,
// and on failure sleep retryWait unless the budget (retry_total or
// expiration_end) has been exhausted or ctx was canceled.
func reverseLoop(ctx context.Context, budget Budget, attempt func(context.Context) (net.Conn, error)) (net.Conn, error) {
	start := time.Now()
	var lastErr error

	for {
		if budget.AttemptLimiter != nil {
			if err := budget.AttemptLimiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrConnect, err)
			}
		}

		conn, err := attempt(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		now := time.Now()
		if budget.expired(start, now) {
			return nil, fmt.Errorf("%w: %v", ErrTimeout, lastErr)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrConnect, ctx.Err())
		case <-time.After(budget.RetryWait):
		}
	}
}

// BindV4 creates a listen socket, preferring a dual-stack IPv6 socket (with
// IPV6_V6ONLY disabled) and falling back to a plain IPv4 socket if dual-stack
// setup fails. It listens with a backlog of 1, accepts exactly one
// connection, and closes the listening socket on every exit path.
func BindV4(ctx context.Context, port uint16) (net.Conn, error) {
	lfd, err := bindListenSocket(port)
	if err != nil {
		return nil, err
	}
	defer unix.Close(lfd)

	return acceptOnce(ctx, lfd)
}

// bindListenSocket creates, binds, and listens on a socket for port,
// returning its raw file descriptor. Dual-stack v6 is attempted first; on
// any failure the v6 socket is closed and a v4 socket is tried instead.
func bindListenSocket(port uint16) (int, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, 0)
	if err == nil {
		if serr := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); serr == nil {
			if berr := unix.Bind(fd, &unix.SockaddrInet6{Port: int(port)}); berr == nil {
				if lerr := unix.Listen(fd, 1); lerr == nil {
					return fd, nil
				}
			}
		}
		unix.Close(fd)
	}

	fd, err = unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("%w: %v", ErrBind, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: int(port)}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("%w: %v", ErrBind, err)
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("%w: %v", ErrListen, err)
	}
	return fd, nil
}

// acceptOnce blocks for a single inbound connection on the listening
// descriptor lfd and wraps it as a net.Conn.
func acceptOnce(ctx context.Context, lfd int) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)

	go func() {
		connFd, _, err := unix.Accept(lfd)
		if err != nil {
			done <- result{err: fmt.Errorf("%w: %v", ErrAccept, err)}
			return
		}
		conn, err := fdToConn(connFd)
		done <- result{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrAccept, ctx.Err())
	}
}

// fdToConn wraps a raw connected socket descriptor as a net.Conn.
// net.FileConn duplicates fd; the original is closed exactly once, by the
// deferred close of the wrapping os.File, on success and on failure.
func fdToConn(fd int) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), "")
	defer f.Close()

	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAccept, err)
	}
	return conn, nil
}

// ReconnectBind repeats the bind flow on the port of a previously captured
// local address (used when the Inheritance Prober determined bound == true).
// Only the port is reused: the new listen socket binds the wildcard
// address, not the captured IP.
func ReconnectBind(ctx context.Context, port uint16) (net.Conn, error) {
	return BindV4(ctx, port)
}

// ReconnectReverse drives the reverse-connect loop against a previously
// captured peer address (used when bound == false).
func ReconnectReverse(ctx context.Context, network, address string, budget Budget) (net.Conn, error) {
	return reverseLoop(ctx, budget, func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, address)
	})
}
