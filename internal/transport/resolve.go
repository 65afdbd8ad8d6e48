package transport

import (
	"fmt"
	"strconv"
	"strings"
)

// DirectiveKind identifies which establishment path the Endpoint Resolver
// selected for a given URL and context state.
type DirectiveKind int

const (
	// DirectiveReverseV4 dials out to host:port over IPv4 (or unscoped
	// hostname resolution).
	DirectiveReverseV4 DirectiveKind = iota

	// DirectiveReverseV6 dials out to host:service over IPv6, with an
	// optional scope id for link-local addresses.
	DirectiveReverseV6

	// DirectiveBindV4 listens on :port and accepts a single inbound
	// connection.
	DirectiveBindV4

	// DirectiveInherit reconnects using a captured address recorded on a
	// prior connection, replaying whichever mode (bind or reverse) that
	// connection used.
	DirectiveInherit

	// DirectiveFromStage indicates no URL-derived directive was possible
	// and no captured address exists; the caller already holds a raw
	// inherited stream handle that must be run through the Inheritance
	// Prober instead.
	DirectiveFromStage
)

// Directive is the resolved establishment instruction produced from a
// transport URL (and, for the inherit/staged paths, from context state the
// resolver cannot see — see Resolve's hasCapturedAddress parameter).
type Directive struct {
	Kind DirectiveKind

	// Host/Port are populated for DirectiveReverseV4.
	Host string
	Port uint16

	// Service/ScopeID are populated for DirectiveReverseV6, alongside Host.
	Service string
	ScopeID uint32
}

// Resolve parses a transport URL into an establishment Directive. When the
// URL matches neither the reverse nor bind grammar, hasCapturedAddress
// decides between DirectiveInherit (a previous connection recorded a
// reconnect address) and DirectiveFromStage (nothing recorded; the caller
// must probe a raw inherited socket instead).
func Resolve(rawURL string, hasCapturedAddress bool) (Directive, error) {
	switch {
	case strings.HasPrefix(rawURL, "tcp6://"):
		return resolveReverseV6(rawURL)
	case strings.HasPrefix(rawURL, "tcp://"):
		return resolveTCP4(rawURL)
	default:
		if hasCapturedAddress {
			return Directive{Kind: DirectiveInherit}, nil
		}
		return Directive{Kind: DirectiveFromStage}, nil
	}
}

// resolveTCP4 handles the `tcp://` grammar: a non-empty host portion means
// reverse-connect, an empty host (authority of the form `:PORT`) means bind.
func resolveTCP4(rawURL string) (Directive, error) {
	authority := strings.TrimPrefix(rawURL, "tcp://")
	authority = strings.TrimSuffix(authority, "/")

	host, portStr, err := splitHostPort(authority)
	if err != nil {
		return Directive{}, fmt.Errorf("%w: %v", ErrResolve, err)
	}

	port, err := parsePort(portStr)
	if err != nil {
		return Directive{}, fmt.Errorf("%w: %v", ErrResolve, err)
	}

	if host == "" {
		return Directive{Kind: DirectiveBindV4, Port: port}, nil
	}
	return Directive{Kind: DirectiveReverseV4, Host: host, Port: port}, nil
}

// resolveReverseV6 handles `tcp6://HOST:SERVICE?SCOPEID`.
func resolveReverseV6(rawURL string) (Directive, error) {
	rest := strings.TrimPrefix(rawURL, "tcp6://")

	var scopeRaw string
	if idx := strings.IndexByte(rest, '?'); idx >= 0 {
		scopeRaw = rest[idx+1:]
		rest = rest[:idx]
	}

	host, service, err := splitHostPort(rest)
	if err != nil {
		return Directive{}, fmt.Errorf("%w: %v", ErrResolve, err)
	}
	if host == "" {
		return Directive{}, fmt.Errorf("%w: tcp6 URL requires a host", ErrResolve)
	}

	var scopeID uint32
	if scopeRaw != "" {
		v, err := strconv.ParseUint(scopeRaw, 10, 32)
		if err != nil {
			return Directive{}, fmt.Errorf("%w: invalid scope id %q: %v", ErrResolve, scopeRaw, err)
		}
		scopeID = uint32(v)
	}

	return Directive{
		Kind:    DirectiveReverseV6,
		Host:    host,
		Service: service,
		ScopeID: scopeID,
	}, nil
}

// splitHostPort splits "host:port" honoring bracketed IPv6 literals
// ("[::1]:4444") without requiring the port to be numeric yet.
func splitHostPort(authority string) (host, port string, err error) {
	if authority == "" {
		return "", "", fmt.Errorf("empty authority")
	}

	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", "", fmt.Errorf("unterminated IPv6 literal in %q", authority)
		}
		host = authority[1:end]
		rest := authority[end+1:]
		rest = strings.TrimPrefix(rest, ":")
		return host, rest, nil
	}

	idx := strings.LastIndexByte(authority, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("missing port in %q", authority)
	}
	return authority[:idx], authority[idx+1:], nil
}

func parsePort(s string) (uint16, error) {
	if s == "" {
		return 0, fmt.Errorf("empty port")
	}
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q: %w", s, err)
	}
	return uint16(v), nil
}
