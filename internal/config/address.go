package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

const (
	DefaultPort       = "8123"
	WebSocketEndpoint = "/api/websocket"
)

// target derives whether the hub should be reached over TLS and the
// host:port to dial. An explicit scheme wins; otherwise only the host
// "localhost" is assumed to be plain text.
func (h HubConfig) target() (secure bool, hostport string, err error) {
	addr := strings.TrimSpace(h.Address)
	if addr == "" {
		return false, "", ErrMissingAddress
	}

	scheme := ""
	if i := strings.Index(addr, "://"); i >= 0 {
		scheme = strings.ToLower(addr[:i])
		addr = addr[i+3:]
	}

	u, err := url.Parse("//" + addr)
	if err != nil || u.Hostname() == "" {
		return false, "", fmt.Errorf("%w: %q", ErrInvalidAddress, h.Address)
	}

	switch scheme {
	case "https", "wss":
		secure = true
	case "http", "ws":
		secure = false
	case "":
		secure = !strings.EqualFold(u.Hostname(), "localhost")
	default:
		return false, "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidAddress, scheme)
	}

	port := u.Port()
	if port == "" {
		port = DefaultPort
	}
	return secure, net.JoinHostPort(u.Hostname(), port), nil
}

// BaseURL is the http(s) origin of the hub, for REST calls.
func (h HubConfig) BaseURL() (string, error) {
	secure, hostport, err := h.target()
	if err != nil {
		return "", err
	}
	if secure {
		return "https://" + hostport, nil
	}
	return "http://" + hostport, nil
}

// WebSocketURL is the URL the wire client dials.
func (h HubConfig) WebSocketURL() (string, error) {
	secure, hostport, err := h.target()
	if err != nil {
		return "", err
	}
	if secure {
		return "wss://" + hostport + WebSocketEndpoint, nil
	}
	return "ws://" + hostport + WebSocketEndpoint, nil
}
