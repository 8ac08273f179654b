package core

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"noded/internal/peer"
)

// wsPath is where the peer websocket endpoint is mounted (§6).
const wsPath = "/api/nodes/ws"

// dialWebsocket is the peer.Dialer used to open outbound connections: it
// turns a bare "host:port" endpoint into the ws://.../api/nodes/ws URL
// and dials it with gorilla/websocket's default dialer.
func dialWebsocket(ctx context.Context, endpoint string) (peer.Transport, error) {
	url := fmt.Sprintf("ws://%s%s", endpoint, wsPath)
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("core: dial %s: %w", url, err)
	}
	return peer.NewOutgoing(conn), nil
}
