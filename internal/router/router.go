// Package router implements the Message Router (C6): the single
// long-running consumer that dequeues inbound messages from the
// Connection Manager and dispatches them to handlers.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"

	"noded/internal/node"
	"noded/internal/peer"
	"noded/internal/provisioner"
	"noded/internal/store"
	"noded/internal/wire"
)

// ErrWrongStageForJoin is returned (and logged, never propagated to the
// peer as a typed reply — §4.6 calls this "future work: typed reject")
// when a JOIN arrives while the local node isn't at a stage that can
// welcome anyone.
var ErrWrongStageForJoin = errors.New("router: local stage cannot accept a join")

// ErrTokenMismatch is returned when a JOIN's token does not match the
// leader's stored token — the fix for the §9 "token never checked" bug.
var ErrTokenMismatch = errors.New("router: token mismatch")

// Router dequeues (peer, msg) pairs from a peer.Manager and dispatches
// them on msg.Type, exactly mirroring the dispatch table of §4.6.
type Router struct {
	peers *peer.Manager
	node  *node.Manager
	prov  provisioner.Provisioner
	log   *log.Logger
}

func New(peers *peer.Manager, nodeMgr *node.Manager, prov provisioner.Provisioner, logger *log.Logger) *Router {
	return &Router{peers: peers, node: nodeMgr, prov: prov, log: logger}
}

// Run is the single long-running consumer loop: pop the next message,
// dispatch it, and keep going until ctx is done. A panicking handler is
// recovered and logged so one misbehaving peer never takes the router
// down, mirroring the teacher's "log and continue" policy for per-client
// websocket errors.
func (r *Router) Run(ctx context.Context) {
	for {
		p, msg, err := r.peers.WaitIncoming(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Printf("router: wait_incoming: %v", err)
			return
		}
		r.dispatchSafely(ctx, p, msg)
	}
}

func (r *Router) dispatchSafely(ctx context.Context, p *peer.Peer, msg wire.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Printf("router: recovered from panic dispatching %s from %s: %v", msg.Type, p.Endpoint(), rec)
		}
	}()
	if err := r.dispatch(ctx, p, msg); err != nil {
		r.log.Printf("router: dispatch %s from %s: %v", msg.Type, p.Endpoint(), err)
	}
}

func (r *Router) dispatch(ctx context.Context, p *peer.Peer, msg wire.Message) error {
	switch msg.Type {
	case wire.MessageJoin:
		return r.handleJoin(ctx, p, msg.Join)
	case wire.MessageWelcome:
		// Handled synchronously by the join initiator on its own
		// connection; if it reaches the router at all, it's stray.
		r.log.Printf("router: ignoring WELCOME from %s (handled synchronously elsewhere)", p.Endpoint())
		return nil
	case wire.MessageReadyToAdd:
		// Reserved, unimplemented in this core.
		r.log.Printf("router: dropping READY_TO_ADD from %s (reserved)", p.Endpoint())
		return nil
	default:
		return fmt.Errorf("router: unhandled message type %s", msg.Type)
	}
}

// handleJoin is the leader-side algorithm of §4.6: validate stage and
// token, fetch a pubkey from the Provisioner, and reply with WELCOME
// carrying the cluster id generated at finish_bootstrap — never the
// leader's own node uuid (§9).
func (r *Router) handleJoin(ctx context.Context, p *peer.Peer, join *wire.JoinPayload) error {
	if join == nil {
		return fmt.Errorf("%w: nil join payload", wire.ErrMalformedMessage)
	}

	stage := r.node.Stage()
	if stage != store.StageBootstrapped && stage != store.StageReady {
		p.Close()
		return fmt.Errorf("%w: local stage=%s", ErrWrongStageForJoin, stage)
	}

	if !r.node.CheckToken(join.Token) {
		p.Close()
		return fmt.Errorf("%w: from %s", ErrTokenMismatch, p.Endpoint())
	}

	pubkey, err := r.prov.GetPublicKey(ctx)
	if err != nil {
		p.Close()
		return fmt.Errorf("router: get_public_key: %w", err)
	}

	clusterUUID := r.node.ClusterUUID()
	if clusterUUID == nil {
		p.Close()
		return fmt.Errorf("router: no cluster uuid known at stage=%s", stage)
	}

	return p.Send(wire.NewWelcome(*clusterUUID, pubkey))
}
