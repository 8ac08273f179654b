// Package core wires the Node Manager, Connection Manager, Bootstrap
// Driver, and Message Router into a single owned value. There is no
// package-level singleton anywhere in this tree (§9): cmd/noded
// constructs exactly one Core and threads it explicitly to the HTTP
// handler and the router goroutine.
package core

import (
	"context"
	"fmt"
	"log"
	"time"

	"noded/internal/audit"
	"noded/internal/bootstrap"
	"noded/internal/node"
	"noded/internal/peer"
	"noded/internal/provisioner"
	"noded/internal/router"
	"noded/internal/store"
)

// Config bundles everything Core needs to construct its components.
type Config struct {
	ConfigDir          string
	AuthorizedKeysPath string
	AuditLogPath       string
	Provisioner        provisioner.Provisioner
	Logger             *log.Logger
	JoinDialTimeout    time.Duration
}

// Core is the single owned value wiring C1-C6, the Provisioner, and the
// Node Store together.
type Core struct {
	Store     *store.Store
	Node      *node.Manager
	Peers     *peer.Manager
	Router    *router.Router
	Bootstrap *bootstrap.Driver
	Audit     *audit.Logger

	logger *log.Logger

	routerCancel context.CancelFunc
	routerDone   chan struct{}
}

// New constructs Core: loads Node Store state (creating a fresh identity
// on first run, per §4.4's startup protocol), then wires the Connection
// Manager, Node Manager, Bootstrap Driver, and Message Router around it.
func New(cfg Config) (*Core, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	st := store.New(cfg.ConfigDir)
	auditLog, err := audit.New(cfg.AuditLogPath)
	if err != nil {
		return nil, fmt.Errorf("core: audit log: %w", err)
	}

	peers := peer.NewManager(dialWebsocket, cfg.Logger)
	dialer := newPeerDialer(peers, cfg.JoinDialTimeout)

	nodeMgr, err := node.Load(node.Config{
		Store:              st,
		Dialer:             dialer,
		AuthorizedKeysPath: cfg.AuthorizedKeysPath,
	})
	if err != nil {
		return nil, fmt.Errorf("core: node manager: %w", err)
	}

	bootstrapDriver := bootstrap.New(nodeMgr, cfg.Provisioner, cfg.Logger)
	msgRouter := router.New(peers, nodeMgr, cfg.Provisioner, cfg.Logger)

	return &Core{
		Store:     st,
		Node:      nodeMgr,
		Peers:     peers,
		Router:    msgRouter,
		Bootstrap: bootstrapDriver,
		Audit:     auditLog,
		logger:    cfg.Logger,
	}, nil
}

// Start brings the Connection Manager up and launches the Message
// Router. The router is started unconditionally here, not only when
// stage=Ready at process init as the original startup protocol reads
// literally: handle_join already accepts joins at stage=Bootstrapped, so
// gating the router on Ready alone would leave a freshly-bootstrapped
// leader unable to welcome anyone until its next restart. Starting the
// router always and relying on handle_join's own stage guard closes that
// gap without weakening the guard.
func (c *Core) Start(ctx context.Context) {
	c.Peers.Start()

	routerCtx, cancel := context.WithCancel(ctx)
	c.routerCancel = cancel
	c.routerDone = make(chan struct{})
	go func() {
		defer close(c.routerDone)
		c.Router.Run(routerCtx)
	}()
}

// Shutdown closes every peer transport, stops the router, and waits
// (bounded by ctx) for it to settle.
func (c *Core) Shutdown(ctx context.Context) error {
	c.Peers.Shutdown()
	if c.routerCancel != nil {
		c.routerCancel()
	}
	if c.routerDone != nil {
		select {
		case <-c.routerDone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.Audit.Close()
}
