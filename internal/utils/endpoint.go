package utils

import (
	"fmt"
	"net/url"
	"strings"
)

// HubWebsocketURL derives the hub WebSocket endpoint from its base URL:
// http/https become ws/wss and the websocket path is appended. Supervisor
// style embedded endpoints (host path containing supervisor/core) already
// namespace the API, so they take /websocket instead of /api/websocket.
func HubWebsocketURL(base string) (string, error) {
	u, err := toWebsocketScheme(base)
	if err != nil {
		return "", err
	}

	if strings.Contains(u.Host+u.Path, "supervisor/core") {
		u.Path = strings.TrimRight(u.Path, "/") + "/websocket"
	} else {
		u.Path = strings.TrimRight(u.Path, "/") + "/api/websocket"
	}
	return u.String(), nil
}

// CloudWebsocketURL derives the cloud WebSocket endpoint: scheme swapped to
// ws/wss, path /ws/bridge.
func CloudWebsocketURL(base string) (string, error) {
	u, err := toWebsocketScheme(base)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/bridge"
	return u.String(), nil
}

func toWebsocketScheme(base string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", base, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q in base URL %q", u.Scheme, base)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("base URL %q has no host", base)
	}
	return u, nil
}
