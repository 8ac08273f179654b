// Package node implements the Node Manager (C4): the per-host lifecycle
// state machine and mediator between bootstrap, join, and message
// handling.
package node

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"noded/internal/store"
)

// Error kinds, matching the taxonomy of §7. Each is distinct and
// errors.Is-comparable — tests and callers depend on distinguishing
// them, not just on "join failed".
var (
	ErrCantBootstrap        = errors.New("node: cannot bootstrap")
	ErrAlreadyBootstrapping = errors.New("node: already bootstrapping")
	ErrAlreadyDeployed      = errors.New("node: already deployed")
	ErrAlreadyJoining       = errors.New("node: already joining")
	ErrAlreadyJoined        = errors.New("node: already joined")
	ErrNotBootstrapping     = errors.New("node: not bootstrapping")
	ErrNotBootstrapped      = errors.New("node: not bootstrapped")
	ErrTokenMismatch        = errors.New("node: token mismatch")
	ErrWrongStageForJoin    = errors.New("node: wrong stage for join")
)

// Dialer opens a connection to a leader endpoint and runs the JOIN/WELCOME
// handshake, returning the WELCOME payload. It is supplied by the caller
// (internal/core wires it to internal/peer.Manager.Connect plus a
// synchronous send/receive) so that Manager itself never imports the
// peer transport package — keeping the dependency direction one-way,
// matching §9's "no cyclic types" decision.
type Dialer interface {
	Join(endpoint string, req JoinRequest) (JoinResponse, error)
}

// JoinRequest is everything the Node Manager sends in the JOIN message.
type JoinRequest struct {
	UUID     uuid.UUID
	Hostname string
	Address  string
	Token    string
}

// JoinResponse is everything the Node Manager needs from a WELCOME reply.
type JoinResponse struct {
	ClusterUUID uuid.UUID
	PubKey      string
}

// Manager holds NodeState and serializes every mutating operation behind
// one mutex, per §4.4/§5 ("logical single-threadedness" over NodeState).
type Manager struct {
	mu sync.Mutex

	store *store.Store
	dial  Dialer

	state       store.NodeState
	clusterUUID *uuid.UUID // leader's or follower's known cluster id, set after finish/welcome
	token       string     // leader only; empty on a follower

	authorizedKeysPath string
}

// Config bundles Manager's external collaborators.
type Config struct {
	Store              *store.Store
	Dialer             Dialer
	AuthorizedKeysPath string // e.g. "~/.ssh/authorized_keys", already expanded
}

// Load implements the startup protocol of §4.4: read node.json (creating
// a fresh identity if absent), then manifest/token/cluster_uuid subject
// to the Store's cross-file invariants.
func Load(cfg Config) (*Manager, error) {
	loaded, err := cfg.Store.Load()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		store:              cfg.Store,
		dial:               cfg.Dialer,
		authorizedKeysPath: cfg.AuthorizedKeysPath,
	}

	if loaded.Node == nil {
		m.state = store.NodeState{UUID: uuid.New(), Role: store.RoleNone, Stage: store.StageNone}
		if err := m.store.WriteNode(m.state); err != nil {
			return nil, err
		}
	} else {
		m.state = *loaded.Node
	}

	if loaded.Manifest != nil {
		m.clusterUUID = &loaded.Manifest.ClusterUUID
	}
	if loaded.Token != nil {
		m.token = loaded.Token.Token
	}
	if loaded.ClusterUUID != nil {
		m.clusterUUID = loaded.ClusterUUID
	}

	return m, nil
}

// Observables. Each takes the lock briefly; none blocks on I/O.

func (m *Manager) Stage() store.Stage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Stage
}

func (m *Manager) Role() store.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Role
}

func (m *Manager) UUID() uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UUID
}

func (m *Manager) Bootstrapping() bool { return m.Stage() == store.StageBootstrapping }
func (m *Manager) Bootstrapped() bool  { return m.Stage().AtLeast(store.StageBootstrapped) }
func (m *Manager) Ready() bool         { return m.Stage() == store.StageReady }

// Token returns the leader's stored join token, or "" if this node never
// bootstrapped.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token
}

// ClusterUUID returns the known cluster id, or nil if none is known yet.
func (m *Manager) ClusterUUID() *uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clusterUUID
}

// PrepareBootstrap is the eligibility check of §4.5 step 1. It makes no
// state change, existing purely so a caller can reject early (before
// address selection) without touching disk.
func (m *Manager) PrepareBootstrap() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Stage != store.StageNone {
		return fmt.Errorf("%w: stage=%s", ErrCantBootstrap, m.state.Stage)
	}
	return nil
}

// StartBootstrap requires stage=None; sets stage=Bootstrapping, assigns
// address and hostname, and persists node.json.
func (m *Manager) StartBootstrap(addr, hostname string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Stage != store.StageNone {
		return fmt.Errorf("%w: stage=%s", ErrCantBootstrap, m.state.Stage)
	}
	next := m.state
	next.Stage = store.StageBootstrapping
	next.Address = addr
	next.Hostname = hostname
	if err := m.store.WriteNode(next); err != nil {
		return err
	}
	m.state = next
	return nil
}

// FinishBootstrap requires stage=Bootstrapping; generates cluster_uuid
// and token, writes manifest and token atomically, sets
// stage=Bootstrapped, role=Leader, and persists node.json.
func (m *Manager) FinishBootstrap() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Stage != store.StageBootstrapping {
		return fmt.Errorf("%w: stage=%s", ErrNotBootstrapping, m.state.Stage)
	}

	clusterUUID := uuid.New()
	token := generateToken()

	next := m.state
	next.Stage = store.StageBootstrapped
	next.Role = store.RoleLeader

	manifest := store.Manifest{
		ClusterUUID: clusterUUID,
		Version:     1,
		Modified:    timeNow(),
		Nodes:       []store.NodeState{next},
	}
	if err := m.store.WriteManifest(manifest); err != nil {
		return err
	}
	if err := m.store.WriteToken(store.Token{Token: token}); err != nil {
		return err
	}
	if err := m.store.WriteNode(next); err != nil {
		return err
	}

	m.state = next
	m.clusterUUID = &clusterUUID
	m.token = token
	return nil
}

// MarkReady requires stage=Bootstrapped; sets stage=Ready and persists.
func (m *Manager) MarkReady() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Stage != store.StageBootstrapped {
		return fmt.Errorf("%w: stage=%s", ErrNotBootstrapped, m.state.Stage)
	}
	next := m.state
	next.Stage = store.StageReady
	if err := m.store.WriteNode(next); err != nil {
		return err
	}
	m.state = next
	return nil
}

// Join requires stage=None and role=None; dials the leader, runs the
// JOIN/WELCOME handshake, appends the received pubkey to the trusted-keys
// file, persists cluster_uuid, and sets stage=Ready, role=Follower. Any
// protocol error aborts and leaves stage=None — no partial mutation of
// node.json (§4.4).
//
// The stage guard and the optimistic flip to an in-memory-only Joining
// stage happen under the lock; the lock is released before the blocking
// dial/handshake (a suspension point per §5) and re-acquired only to
// commit the final state or roll back to None. Joining is never
// persisted to disk, so a crash mid-handshake simply reverts to stage=None
// on restart.
func (m *Manager) Join(endpoint, token string) error {
	m.mu.Lock()
	switch {
	case m.state.Stage == store.StageBootstrapping:
		m.mu.Unlock()
		return fmt.Errorf("%w: stage=%s", ErrAlreadyBootstrapping, m.state.Stage)
	case m.state.Stage == store.StageBootstrapped:
		m.mu.Unlock()
		return fmt.Errorf("%w: stage=%s", ErrAlreadyDeployed, m.state.Stage)
	case m.state.Stage == store.StageJoining:
		m.mu.Unlock()
		return fmt.Errorf("%w: stage=%s", ErrAlreadyJoining, m.state.Stage)
	case m.state.Stage == store.StageReady:
		m.mu.Unlock()
		return fmt.Errorf("%w: stage=%s", ErrAlreadyJoined, m.state.Stage)
	case m.state.Stage != store.StageNone || m.state.Role != store.RoleNone:
		m.mu.Unlock()
		return fmt.Errorf("%w: stage=%s role=%s", ErrWrongStageForJoin, m.state.Stage, m.state.Role)
	}
	joiningUUID := m.state.UUID
	m.state.Stage = store.StageJoining
	m.mu.Unlock()

	committed := false
	defer func() {
		if !committed {
			m.mu.Lock()
			m.state.Stage = store.StageNone
			m.mu.Unlock()
		}
	}()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = ""
	}

	resp, err := m.dial.Join(endpoint, JoinRequest{
		UUID:     joiningUUID,
		Hostname: hostname,
		Token:    token,
	})
	if err != nil {
		// Only the in-memory stage changed; the deferred rollback
		// restores None.
		return err
	}

	if err := m.appendAuthorizedKey(resp.PubKey); err != nil {
		return err
	}
	if err := m.store.WriteClusterUUID(resp.ClusterUUID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.state
	next.Stage = store.StageReady
	next.Role = store.RoleFollower
	next.Hostname = hostname
	if err := m.store.WriteNode(next); err != nil {
		return err
	}
	m.state = next
	m.clusterUUID = &resp.ClusterUUID
	committed = true
	return nil
}

func (m *Manager) appendAuthorizedKey(pubkey string) error {
	path := m.authorizedKeysPath
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("node: authorized_keys dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("node: authorized_keys open: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(pubkey + "\n"); err != nil {
		return fmt.Errorf("node: authorized_keys write: %w", err)
	}
	return nil
}

// CheckToken compares candidate against the leader's stored token in
// constant time. Used by the Message Router's handle_join to close the
// "token never checked" bug.
func (m *Manager) CheckToken(candidate string) bool {
	m.mu.Lock()
	stored := m.token
	m.mu.Unlock()
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(candidate)) == 1
}

var timeNow = time.Now
