package utils

import (
	"fmt"
	"net"
	"strconv"
)

// ListenAddress joins host and a numeric port. IPv6 hosts are bracketed.
func ListenAddress(host, port string) (string, error) {
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return "", fmt.Errorf("invalid port number %q: %w", port, err)
	}
	if portNum < 0 || portNum > 65535 {
		return "", fmt.Errorf("port %d out of range", portNum)
	}
	return net.JoinHostPort(host, strconv.Itoa(portNum)), nil
}

// BindListener claims the server address before anything else starts, so a
// taken port fails startup rather than the serve goroutine.
func BindListener(host, port string) (net.Listener, error) {
	addr, err := ListenAddress(host, port)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("address %s is not available: %w", addr, err)
	}
	return ln, nil
}
