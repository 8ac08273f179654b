package core

import (
	"context"
	"fmt"
	"time"

	"noded/internal/node"
	"noded/internal/peer"
	"noded/internal/wire"
)

// peerDialer bridges node.Dialer to the Connection Manager: it asks C2
// to dial, drives the resulting Peer directly through the synchronous
// JOIN/WELCOME request-response (§2's data-flow note — "C2 returns a
// peer that C4 drives directly for a request/response (join) before
// reverting to queue-driven processing"), then hands the peer back to
// C2's ordinary read loop.
type peerDialer struct {
	peers   *peer.Manager
	timeout time.Duration
}

func newPeerDialer(peers *peer.Manager, timeout time.Duration) *peerDialer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &peerDialer{peers: peers, timeout: timeout}
}

func (d *peerDialer) Join(endpoint string, req node.JoinRequest) (node.JoinResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	p, err := d.peers.Connect(ctx, endpoint)
	if err != nil {
		return node.JoinResponse{}, err
	}

	if err := p.Send(wire.NewJoin(req.UUID, req.Hostname, req.Address, req.Token)); err != nil {
		return node.JoinResponse{}, fmt.Errorf("core: send join: %w", err)
	}

	msg, err := p.Receive()
	if err != nil {
		return node.JoinResponse{}, fmt.Errorf("core: receive welcome: %w", err)
	}
	if msg.Type != wire.MessageWelcome || msg.Welcome == nil {
		p.Close()
		return node.JoinResponse{}, fmt.Errorf("core: expected WELCOME, got %s", msg.Type)
	}

	// The handshake is done; this peer reverts to queue-driven
	// processing for whatever it sends next.
	d.peers.StartReadLoop(p)

	return node.JoinResponse{ClusterUUID: msg.Welcome.ClusterUUID, PubKey: msg.Welcome.PubKey}, nil
}
