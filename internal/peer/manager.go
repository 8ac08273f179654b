package peer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"noded/internal/wire"
)

// ErrNotStarted is returned by every public Manager operation before
// Start has been called.
var ErrNotStarted = errors.New("peer: connection manager not started")

// ErrDialFailed wraps a transport-level failure to open an outbound
// connection.
var ErrDialFailed = errors.New("peer: dial failed")

// Kind records how a Peer was acquired.
type Kind string

const (
	KindPassive Kind = "passive" // accepted
	KindActive  Kind = "active"  // dialed
)

// Peer is an in-memory handle to one remote endpoint. It is owned
// exclusively by the Manager for its lifetime; handlers borrow it to
// reply. Peer never references the Manager back — breaking the cyclic
// reference the original source had between connections and their owner
// (§9).
type Peer struct {
	endpoint  string
	transport Transport
	kind      Kind
}

func (p *Peer) Endpoint() string { return p.endpoint }
func (p *Peer) Kind() Kind       { return p.kind }

func (p *Peer) Send(msg wire.Message) error     { return p.transport.Send(msg) }
func (p *Peer) Receive() (wire.Message, error)  { return p.transport.Receive() }
func (p *Peer) Close() error                    { return p.transport.Close() }

// Dialer opens an outbound transport to endpoint. Manager.Connect calls
// this exactly once per new endpoint.
type Dialer func(ctx context.Context, endpoint string) (Transport, error)

// Manager is the Connection Manager (C2): registry of active peers keyed
// by endpoint, plus the single inbound-message queue.
type Manager struct {
	mu         sync.RWMutex
	started    bool
	byEndpoint map[string]*Peer
	passive    []*Peer
	active     []*Peer

	inbox *inbox
	dial  Dialer
	log   *log.Logger
}

// NewManager constructs an unstarted Connection Manager. dial is used by
// Connect to open new outbound sockets.
func NewManager(dial Dialer, logger *log.Logger) *Manager {
	return &Manager{
		byEndpoint: make(map[string]*Peer),
		inbox:      newInbox(),
		dial:       dial,
		log:        logger,
	}
}

// Start transitions Unstarted → Started. There is no Stopped state;
// shutdown is process-wide (§4.2).
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
}

func (m *Manager) Started() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.started
}

// Register adds peer to the main registry and its kind-specific list.
// Policy on a duplicate endpoint is last-write-wins: the prior peer
// entry is dropped from the registry without closing its transport,
// since the transport is assumed already dead (§4.2, §9 decision).
func (m *Manager) Register(endpoint string, t Transport, kind Kind) (*Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil, ErrNotStarted
	}

	p := &Peer{endpoint: endpoint, transport: t, kind: kind}
	if _, exists := m.byEndpoint[endpoint]; exists {
		m.log.Printf("peer: endpoint %s already registered, replacing (last-write-wins)", endpoint)
		m.dropFromKindLists(endpoint)
	}
	m.byEndpoint[endpoint] = p
	switch kind {
	case KindPassive:
		m.passive = append(m.passive, p)
	case KindActive:
		m.active = append(m.active, p)
	}
	return p, nil
}

func (m *Manager) dropFromKindLists(endpoint string) {
	m.passive = removeByEndpoint(m.passive, endpoint)
	m.active = removeByEndpoint(m.active, endpoint)
}

func removeByEndpoint(list []*Peer, endpoint string) []*Peer {
	out := list[:0]
	for _, p := range list {
		if p.endpoint != endpoint {
			out = append(out, p)
		}
	}
	return out
}

// Unregister removes a peer that has disconnected.
func (m *Manager) Unregister(endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byEndpoint, endpoint)
	m.dropFromKindLists(endpoint)
}

// OnIncomingReceive enqueues (peer, msg) on the inbound FIFO. It never
// drops a message.
func (m *Manager) OnIncomingReceive(p *Peer, msg wire.Message) error {
	if !m.Started() {
		return ErrNotStarted
	}
	m.inbox.push(inboxEntry{peer: p, msg: msg})
	return nil
}

// WaitIncoming pops the next (peer, msg) pair in FIFO order, blocking
// until one is available or ctx is done. Single consumer expected (the
// Message Router); multiple consumers are undefined per §4.2.
func (m *Manager) WaitIncoming(ctx context.Context) (*Peer, wire.Message, error) {
	if !m.Started() {
		return nil, wire.Message{}, ErrNotStarted
	}
	e, ok := m.inbox.pop(ctx)
	if !ok {
		if err := ctx.Err(); err != nil {
			return nil, wire.Message{}, err
		}
		return nil, wire.Message{}, fmt.Errorf("peer: inbox closed")
	}
	return e.peer, e.msg, nil
}

// Connect is an idempotent outbound dial: if an outgoing peer for
// endpoint is already registered, it is returned as-is; otherwise a new
// socket is opened, wrapped, and registered as Active.
func (m *Manager) Connect(ctx context.Context, endpoint string) (*Peer, error) {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil, ErrNotStarted
	}
	if p, ok := m.byEndpoint[endpoint]; ok && p.kind == KindActive {
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()

	t, err := m.dial(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDialFailed, endpoint, err)
	}
	return m.Register(endpoint, t, KindActive)
}

// StartReadLoop spawns the goroutine that continuously feeds p's
// incoming frames into the inbound queue until p disconnects. Used both
// for accepted connections (right after upgrade) and for a dialed join
// connection once its synchronous request/response handshake is done
// and it "reverts to queue-driven processing" (§4.2 data flow).
func (m *Manager) StartReadLoop(p *Peer) {
	go m.readLoop(p)
}

func (m *Manager) readLoop(p *Peer) {
	for {
		msg, err := p.Receive()
		if err != nil {
			m.log.Printf("peer: %s disconnected: %v", p.Endpoint(), err)
			m.Unregister(p.Endpoint())
			return
		}
		if err := m.OnIncomingReceive(p, msg); err != nil {
			m.log.Printf("peer: enqueue failed for %s: %v", p.Endpoint(), err)
			return
		}
	}
}

// Shutdown closes every registered peer's transport and releases the
// inbox's blocked consumer. It does not flip started back to false —
// there is no Stopped state (§4.2) — but the queue refuses further
// waits once closed.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	peers := make([]*Peer, 0, len(m.byEndpoint))
	for _, p := range m.byEndpoint {
		peers = append(peers, p)
	}
	m.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
	m.inbox.close()
}
