package protocol

import (
	"fmt"
	"net/url"
	"strings"
)

// EndpointPath is the path the server mounts its realtime endpoint on.
const EndpointPath = "/ws"

// EndpointFromOrigin derives the websocket endpoint from the origin of the
// hosting page. The transport scheme mirrors the page scheme (https -> wss,
// http -> ws) and the host is kept as-is.
func EndpointFromOrigin(origin string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil {
		return "", fmt.Errorf("protocol: invalid origin %q: %w", origin, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("protocol: origin %q has no host", origin)
	}

	scheme := "ws"
	switch strings.ToLower(u.Scheme) {
	case "https", "wss":
		scheme = "wss"
	case "http", "ws":
	default:
		return "", fmt.Errorf("protocol: unsupported origin scheme %q", u.Scheme)
	}

	return (&url.URL{Scheme: scheme, Host: u.Host, Path: EndpointPath}).String(), nil
}
