package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// probeCandidateWindow and probeHandleSpacing match the original's
// descriptor-spacing heuristic: on the platforms it targeted, sibling
// descriptors left behind by a loader stage tend to sit a small, constant
// distance below the handle the stage handed off.
const (
	probeCandidateWindow = 16
	probeHandleSpacing   = 4
)

// CapturedAddress is the reconnect address recorded by the Inheritance
// Prober (or by a later live connection): a local listen address when
// Bound is true, a remote peer address when Bound is false.
type CapturedAddress struct {
	Bound bool
	IP    net.IP
	Port  int
}

// ProbeInherited infers whether a socket handed in by a previous loader
// stage came from a bind (listen+accept) or reverse (connect) path. It
// returns the capture needed to reconnect in the same shape later.
//
// This implementation relies on the file-descriptor-spacing heuristic
// described for the Linux/BSD raw-socket case: it is not portable to
// platforms without a stable handle-spacing convention between a listener
// and the socket it accepted. Such a platform
// should replace probeSiblings with an enumerator over the process's open
// descriptors.
func ProbeInherited(sock int) (CapturedAddress, error) {
	localSA, err := unix.Getsockname(sock)
	if err != nil {
		return CapturedAddress{}, err
	}
	local, err := sockaddrToCaptured(localSA, false)
	if err != nil {
		return CapturedAddress{}, err
	}

	if listenFD, ok := findListenSibling(sock, localSA); ok {
		listenSA, err := unix.Getsockname(listenFD)
		if err == nil {
			if captured, cerr := sockaddrToCaptured(listenSA, true); cerr == nil {
				unix.Close(listenFD)
				return captured, nil
			}
		}
		unix.Close(listenFD)
	}

	peerSA, err := unix.Getpeername(sock)
	if err != nil {
		// Neither a listen sibling nor a connected peer: fall back to the
		// local address captured in step 2, tagged as a reverse-mode peer
		// since that is the best information available.
		return local, nil
	}
	return sockaddrToCaptured(peerSA, false)
}

// findListenSibling scans the descriptor-spacing window below sock for a
// listening socket (SO_ACCEPTCONN set) sharing localSA's address family and
// port.
func findListenSibling(sock int, localSA unix.Sockaddr) (int, bool) {
	localPort, localFamily, ok := portAndFamily(localSA)
	if !ok {
		return 0, false
	}

	for i := 1; i <= probeCandidateWindow; i++ {
		candidate := sock - i*probeHandleSpacing
		if candidate < 0 {
			continue
		}

		accepting, err := unix.GetsockoptInt(candidate, unix.SOL_SOCKET, unix.SO_ACCEPTCONN)
		if err != nil || accepting == 0 {
			continue
		}

		candidateSA, err := unix.Getsockname(candidate)
		if err != nil {
			continue
		}
		candidatePort, candidateFamily, ok := portAndFamily(candidateSA)
		if !ok || candidateFamily != localFamily {
			continue
		}
		if candidatePort == localPort {
			return candidate, true
		}
	}
	return 0, false
}

// portAndFamily extracts the port and a family tag (for comparison
// purposes only) from a Sockaddr.
func portAndFamily(sa unix.Sockaddr) (port int, family int, ok bool) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, unix.AF_INET, true
	case *unix.SockaddrInet6:
		return a.Port, unix.AF_INET6, true
	default:
		return 0, 0, false
	}
}

func sockaddrToCaptured(sa unix.Sockaddr, bound bool) (CapturedAddress, error) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, a.Addr[:])
		return CapturedAddress{Bound: bound, IP: ip, Port: a.Port}, nil
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, a.Addr[:])
		return CapturedAddress{Bound: bound, IP: ip, Port: a.Port}, nil
	default:
		return CapturedAddress{}, ErrUnsupportedProbe
	}
}
