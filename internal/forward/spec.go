package forward

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Microck/UndyingTerminal/internal/protocol"
)

var ErrBadForwardSpec = errors.New("forward: invalid forward specification")

// ParseForwards parses a comma-separated list of forwards:
//
//	8080:80                     local port 8080 to remote port 80
//	8000-8010:9000-9010         equal-length port ranges
//	SSH_AUTH_SOCK:/tmp/agent    environment variable to remote name
//	5432:db.internal:5432       port:host:hostport
//	127.0.0.1:5432:[::1]:5432   bind:port:host:hostport, IPv6 in brackets
func ParseForwards(input string) ([]protocol.PortForwardSourceRequest, error) {
	var out []protocol.PortForwardSourceRequest
	for _, item := range strings.Split(input, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		reqs, err := parseForward(item)
		if err != nil {
			return nil, err
		}
		out = append(out, reqs...)
	}
	return out, nil
}

func parseForward(item string) ([]protocol.PortForwardSourceRequest, error) {
	parts, err := splitEndpoints(item)
	if err != nil {
		return nil, err
	}

	switch len(parts) {
	case 2:
		return parsePair(item, parts[0], parts[1])

	case 3:
		src, err := parsePort(parts[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrBadForwardSpec, item, err)
		}
		dst, err := parsePort(parts[2])
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrBadForwardSpec, item, err)
		}
		return []protocol.PortForwardSourceRequest{{
			Source:      protocol.SocketEndpoint{Port: src},
			Destination: protocol.SocketEndpoint{Name: parts[1], Port: dst},
		}}, nil

	case 4:
		src, err := parsePort(parts[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrBadForwardSpec, item, err)
		}
		dst, err := parsePort(parts[3])
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrBadForwardSpec, item, err)
		}
		return []protocol.PortForwardSourceRequest{{
			Source:      protocol.SocketEndpoint{Name: parts[0], Port: src},
			Destination: protocol.SocketEndpoint{Name: parts[2], Port: dst},
		}}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrBadForwardSpec, item)
}

// parsePair handles the two-part forms: ports, port ranges, or an
// environment variable mapped to a remote name.
func parsePair(item, src, dst string) ([]protocol.PortForwardSourceRequest, error) {
	srcNumeric, dstNumeric := isNumericSpec(src), isNumericSpec(dst)
	switch {
	case !srcNumeric && !dstNumeric:
		return []protocol.PortForwardSourceRequest{{
			EnvironmentVariable: src,
			Destination:         protocol.SocketEndpoint{Name: dst},
		}}, nil
	case srcNumeric != dstNumeric:
		return nil, fmt.Errorf("%w: %q mixes a port and a name", ErrBadForwardSpec, item)
	}

	srcLo, srcHi, err := parseRange(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrBadForwardSpec, item, err)
	}
	dstLo, dstHi, err := parseRange(dst)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrBadForwardSpec, item, err)
	}
	if srcHi-srcLo != dstHi-dstLo {
		return nil, fmt.Errorf("%w: %q: source and destination ranges differ in size", ErrBadForwardSpec, item)
	}

	out := make([]protocol.PortForwardSourceRequest, 0, srcHi-srcLo+1)
	for i := 0; i <= srcHi-srcLo; i++ {
		out = append(out, protocol.PortForwardSourceRequest{
			Source:      protocol.SocketEndpoint{Port: srcLo + i},
			Destination: protocol.SocketEndpoint{Port: dstLo + i},
		})
	}
	return out, nil
}

// splitEndpoints splits on ':' outside square brackets and strips the
// brackets from IPv6 hosts.
func splitEndpoints(s string) ([]string, error) {
	var parts []string
	var cur strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '[':
			depth++
			if depth > 1 {
				return nil, fmt.Errorf("%w: %q: nested brackets", ErrBadForwardSpec, s)
			}
		case r == ']':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("%w: %q: unbalanced brackets", ErrBadForwardSpec, s)
			}
		case r == ':' && depth == 0:
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("%w: %q: unbalanced brackets", ErrBadForwardSpec, s)
	}
	parts = append(parts, cur.String())
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("%w: %q: empty field", ErrBadForwardSpec, s)
		}
	}
	return parts, nil
}

func isNumericSpec(s string) bool {
	for _, r := range s {
		if (r < '0' || r > '9') && r != '-' {
			return false
		}
	}
	return s != ""
}

func parseRange(s string) (lo, hi int, err error) {
	first, last, isRange := strings.Cut(s, "-")
	if lo, err = parsePort(first); err != nil {
		return 0, 0, err
	}
	if !isRange {
		return lo, lo, nil
	}
	if hi, err = parsePort(last); err != nil {
		return 0, 0, err
	}
	if hi < lo {
		return 0, 0, fmt.Errorf("range %q is descending", s)
	}
	return lo, hi, nil
}

func parsePort(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return n, nil
}
