// Package netutil provides host identity helpers used by the dashboard
// and by log context.
package netutil

import (
	"fmt"
	"net"
	"os"
	"strings"
)

// LocalIP returns the machine's preferred outbound IPv4 address. No
// packet is sent; the UDP dial only asks the kernel which interface
// would route to a public address.
func LocalIP() (string, error) {
	conn, err := net.Dial("udp4", "8.8.8.8:80")
	if err != nil {
		return "", fmt.Errorf("resolve local address: %w", err)
	}
	defer func() { _ = conn.Close() }()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address type %T", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}

// Hostname returns the machine name, or "unknown" when the OS will not
// say.
func Hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}

// FixUpURI normalises a dashboard address: ensures a scheme and strips
// any trailing slash.
func FixUpURI(uri string) string {
	uri = strings.TrimRight(strings.TrimSpace(uri), "/")
	if uri == "" {
		return ""
	}
	if !strings.Contains(uri, "://") {
		uri = "http://" + uri
	}
	return uri
}
