package netutil

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
)

// Listen binds the preferred address, or the first free candidate when
// autoFallback is set. The returned listener is already bound, so the chosen
// address cannot be taken between selection and serving.
func Listen(preferred string, candidates []string, autoFallback bool) (net.Listener, error) {
	if preferred != "" {
		ln, err := net.Listen("tcp", preferred)
		if err == nil {
			return ln, nil
		}
		if !autoFallback {
			return nil, fmt.Errorf("preferred bind address in use: %s: %w", preferred, err)
		}
		slog.Warn("Preferred bind address unavailable, trying fallbacks", "addr", preferred, "error", err)
	}

	for _, addr := range candidates {
		if addr == preferred {
			continue
		}
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
	}

	return nil, errors.New("no available bind addresses")
}
