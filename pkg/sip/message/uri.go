package message

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// ParseTarget parses a user supplied address into a SIP URI.
// Accepted forms are "sip:user@host[:port]", "user@host[:port]" and a bare
// "host". The scheme defaults to sip.
func ParseTarget(target string) (sip.Uri, error) {
	var uri sip.Uri

	target = strings.TrimSpace(target)
	if target == "" {
		return uri, fmt.Errorf("%w: empty target", ErrInvalidURI)
	}

	lower := strings.ToLower(target)
	if !strings.HasPrefix(lower, "sip:") && !strings.HasPrefix(lower, "sips:") {
		target = "sip:" + target
	}

	if err := sip.ParseUri(target, &uri); err != nil {
		return uri, fmt.Errorf("%w: %q: %v", ErrInvalidURI, target, err)
	}
	if uri.Host == "" {
		return uri, fmt.Errorf("%w: %q has no host", ErrInvalidURI, target)
	}
	return uri, nil
}

// HostPort returns the host and port to send to for uri.
// A missing port means DefaultPort.
func HostPort(uri sip.Uri) (string, int) {
	port := uri.Port
	if port == 0 {
		port = DefaultPort
	}
	return uri.Host, port
}

// SplitHostPort splits "host[:port]" as given for a registrar or proxy.
// A missing port means DefaultPort.
func SplitHostPort(hostport string) (string, int, error) {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return "", 0, fmt.Errorf("%w: empty host", ErrInvalidURI)
	}

	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		// Without port; IPv6 literal may come in brackets
		return strings.Trim(hostport, "[]"), DefaultPort, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("%w: invalid port %q", ErrInvalidURI, portStr)
	}
	return host, port, nil
}
