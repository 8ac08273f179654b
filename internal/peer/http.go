package peer

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// statusTryAgainLater is the websocket close code used when a peer
// connects before the Connection Manager has started (§6: "NotStarted →
// websocket close code 1013").
const statusTryAgainLater = 1013

// UpgradeHandler returns the HTTP handler mounted at /api/nodes/ws
// (§6). It upgrades the request, and — mirroring the on_connect /
// on_receive / on_disconnect lifecycle of §4.1 — registers the resulting
// Incoming peer and spawns its read loop, exactly like the teacher
// daemon's websocket monitor: upgrade, register, read in a goroutine
// until the socket errors out.
func (m *Manager) UpgradeHandler(upgrader *websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.log.Printf("peer: upgrade error: %v", err)
			return
		}

		if !m.Started() {
			closeMsg := websocket.FormatCloseMessage(statusTryAgainLater, "connection manager not started, try again later")
			conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
			conn.Close()
			return
		}

		endpoint := conn.RemoteAddr().String()
		t := NewIncoming(conn)
		p, err := m.Register(endpoint, t, KindPassive)
		if err != nil {
			m.log.Printf("peer: register failed for %s: %v", endpoint, err)
			conn.Close()
			return
		}
		m.StartReadLoop(p)
	}
}
