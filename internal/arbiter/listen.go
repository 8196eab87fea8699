package arbiter

import (
	"fmt"
	"net"
	"strconv"
)

// ListenWithRetry binds the first free port in [base, base+attempts). It
// returns the listener and the port actually bound.
func ListenWithRetry(host string, base, attempts int) (net.Listener, int, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(base+i)))
		if err != nil {
			lastErr = err
			continue
		}
		return ln, ln.Addr().(*net.TCPAddr).Port, nil
	}
	return nil, 0, fmt.Errorf("ports %d-%d unavailable: %w", base, base+attempts-1, lastErr)
}

// dialHost maps a wildcard bind address to one a local client can reach.
func dialHost(host string) string {
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		return "localhost"
	}
	return host
}
