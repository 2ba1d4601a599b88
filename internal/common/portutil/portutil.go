// Package portutil provides TCP port allocation helpers.
package portutil

import (
	"fmt"
	"net"
)

// AllocatePort asks the OS for a currently free TCP port. The port is
// released before returning, so a small race window exists; callers that
// need an atomic reservation should listen on :0 themselves.
func AllocatePort() (int, error) {
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.Port, nil
}

// IsAvailable reports whether a TCP port can currently be bound.
func IsAvailable(port int) bool {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}
