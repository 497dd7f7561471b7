package wire

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ParseURI splits `<scheme>://<host>:<port>`.
func ParseURI(uri string) (scheme, host string, port int, err error) {
	scheme, hostPort, ok := strings.Cut(uri, "://")
	if !ok || scheme == "" {
		return "", "", 0, fmt.Errorf("%w: uri %q has no scheme", ErrMalformed, uri)
	}

	host, rawPort, err := net.SplitHostPort(hostPort)
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	port, err = strconv.Atoi(rawPort)
	if err != nil || port < 0 || port > 65535 {
		return "", "", 0, fmt.Errorf("%w: invalid port in %q", ErrMalformed, uri)
	}
	return scheme, host, port, nil
}

// FormatURI is the inverse of ParseURI.
func FormatURI(scheme, host string, port int) string {
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// HostPort strips the scheme of an uri.
func HostPort(uri string) (string, error) {
	_, host, port, err := ParseURI(uri)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}
