// Package peer implements the bidirectional framed message channel over
// websocket (the Peer Transport) and the registry of active peers (the
// Connection Manager).
package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"noded/internal/wire"
)

// ErrGone is returned by Send/Receive once the underlying socket has
// closed, whichever side closed it.
var ErrGone = errors.New("peer: gone")

// Transport is the capability set shared by Incoming (accepted) and
// Outgoing (dialed) connections. Both variants are backed by the same
// websocket.Conn plumbing; Kind (tracked by the Manager, not here) is
// what tells handlers how the connection was acquired.
type Transport interface {
	Send(msg wire.Message) error
	Receive() (wire.Message, error)
	Close() error
}

// wsTransport adapts a *websocket.Conn to Transport. A single text frame
// per Send/Receive call, matching the wire contract of §4.1: one
// envelope, one frame.
type wsTransport struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// NewIncoming wraps a server-accepted connection.
func NewIncoming(conn *websocket.Conn) Transport { return &wsTransport{conn: conn} }

// NewOutgoing wraps a client-dialed connection.
func NewOutgoing(conn *websocket.Conn) Transport { return &wsTransport{conn: conn} }

func (t *wsTransport) Send(msg wire.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || t.conn == nil {
		return ErrGone
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrGone, err)
	}
	return nil
}

func (t *wsTransport) Receive() (wire.Message, error) {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()
	if closed || conn == nil {
		return wire.Message{}, ErrGone
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return wire.Message{}, fmt.Errorf("%w: %v", ErrGone, err)
	}
	var msg wire.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return wire.Message{}, err
	}
	return msg, nil
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	conn := t.conn
	t.conn = nil
	if conn != nil {
		return conn.Close()
	}
	return nil
}
