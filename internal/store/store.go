// Package store is the typed, atomic persistence layer for per-host
// identity and cluster manifest documents. It is the only component that
// reads or writes the config directory's JSON files.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/moby/sys/atomicwriter"
)

// ErrCorruptState means a document doesn't parse or doesn't pass its own
// schema checks (e.g. a malformed token), whether read from disk or
// about to be written.
var ErrCorruptState = errors.New("store: corrupt state document")

// ErrInconsistentState means the documents present on disk, taken
// together, violate one of the cross-file invariants in §4.3.
var ErrInconsistentState = errors.New("store: inconsistent state")

// ErrWriteFailed wraps any I/O error encountered while persisting a
// document; a read of an existing file that fails with an I/O error
// (anything other than "not found") is wrapped in it too.
var ErrWriteFailed = errors.New("store: write failed")

const (
	nodeFile        = "node.json"
	manifestFile    = "manifest.json"
	tokenFile       = "token.json"
	clusterUUIDFile = "cluster_uuid.json"
)

// Role is the persisted role of a node.
type Role string

const (
	RoleNone     Role = "none"
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

// Stage is the persisted lifecycle stage of a node.
type Stage string

const (
	StageNone          Stage = "none"
	StageBootstrapping Stage = "bootstrapping"
	StageBootstrapped  Stage = "bootstrapped"
	StageJoining       Stage = "joining"
	StageReady         Stage = "ready"
)

var stageOrder = map[Stage]int{
	StageNone:          0,
	StageBootstrapping: 1,
	StageBootstrapped:  2,
	StageJoining:       3,
	StageReady:         4,
}

// AtLeast reports whether s is at or beyond min in the lifecycle.
// Joining and Bootstrapped aren't comparable on a single linear order in
// general, but every caller in this package only ever compares against
// Bootstrapped or Ready, where the ordering is unambiguous.
func (s Stage) AtLeast(min Stage) bool {
	return stageOrder[s] >= stageOrder[min]
}

// NodeState is the per-host document persisted to node.json.
type NodeState struct {
	UUID     uuid.UUID `json:"uuid"`
	Role     Role      `json:"role"`
	Stage    Stage     `json:"stage"`
	Address  string    `json:"address,omitempty"`
	Hostname string    `json:"hostname,omitempty"`
}

// Validate enforces the role/stage invariants from §3.
func (n NodeState) Validate() error {
	switch n.Role {
	case RoleNone:
		if n.Stage != StageNone && n.Stage != StageBootstrapping && n.Stage != StageJoining {
			return fmt.Errorf("%w: role=none requires stage in {none,bootstrapping,joining}, got %s", ErrCorruptState, n.Stage)
		}
	case RoleLeader:
		if !n.Stage.AtLeast(StageBootstrapped) {
			return fmt.Errorf("%w: role=leader requires stage>=bootstrapped, got %s", ErrCorruptState, n.Stage)
		}
	case RoleFollower:
		if n.Stage != StageReady {
			return fmt.Errorf("%w: role=follower requires stage=ready, got %s", ErrCorruptState, n.Stage)
		}
	default:
		return fmt.Errorf("%w: unknown role %q", ErrCorruptState, n.Role)
	}
	return nil
}

// Manifest is the per-cluster document persisted to manifest.json by the
// leader.
type Manifest struct {
	ClusterUUID uuid.UUID   `json:"cluster_uuid"`
	Version     int         `json:"version"`
	Modified    time.Time   `json:"modified"`
	Nodes       []NodeState `json:"nodes"`
}

func (m Manifest) Validate() error {
	if m.Version < 1 {
		return fmt.Errorf("%w: manifest version must be >= 1, got %d", ErrCorruptState, m.Version)
	}
	if len(m.Nodes) == 0 {
		return fmt.Errorf("%w: manifest must have at least one node", ErrCorruptState)
	}
	return nil
}

// Token is the shared secret document persisted to token.json.
type Token struct {
	Token string `json:"token"`
}

var tokenPattern = regexp.MustCompile(`^[0-9a-f]{4}(-[0-9a-f]{4}){3}$`)

func (t Token) Validate() error {
	if !tokenPattern.MatchString(t.Token) {
		return fmt.Errorf("%w: token %q doesn't match xxxx-xxxx-xxxx-xxxx", ErrCorruptState, t.Token)
	}
	return nil
}

// ClusterUUIDDoc is the document a follower writes to cluster_uuid.json
// when it is welcomed.
type ClusterUUIDDoc struct {
	ClusterUUID uuid.UUID `json:"cluster_uuid"`
}

func (c ClusterUUIDDoc) Validate() error {
	if c.ClusterUUID == uuid.Nil {
		return fmt.Errorf("%w: cluster_uuid must not be the nil uuid", ErrCorruptState)
	}
	return nil
}

// Store is a small typed key/value store over a single config directory.
type Store struct {
	dir string
}

// New returns a Store rooted at dir. dir is not created here; callers
// own directory provisioning the same way the teacher daemon owns its
// config-dir flag.
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

func readDoc[T interface{ Validate() error }](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	var doc T
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, path, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

func writeDoc(path string, doc interface{ Validate() error }) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	// atomicwriter writes to a sibling temp file, fsyncs, and renames into
	// place, so readers never observe a half-written document.
	if err := atomicwriter.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

func (s *Store) ReadNode() (*NodeState, error)   { return readDoc[NodeState](s.path(nodeFile)) }
func (s *Store) WriteNode(n NodeState) error     { return writeDoc(s.path(nodeFile), n) }
func (s *Store) ReadManifest() (*Manifest, error) {
	return readDoc[Manifest](s.path(manifestFile))
}
func (s *Store) WriteManifest(m Manifest) error { return writeDoc(s.path(manifestFile), m) }
func (s *Store) ReadToken() (*Token, error)     { return readDoc[Token](s.path(tokenFile)) }
func (s *Store) WriteToken(t Token) error       { return writeDoc(s.path(tokenFile), t) }
func (s *Store) ReadClusterUUID() (*ClusterUUIDDoc, error) {
	return readDoc[ClusterUUIDDoc](s.path(clusterUUIDFile))
}

// WriteClusterUUID atomically writes cluster_uuid.json. This is the fix
// for the original's no-op `_write_aquarium_uuid`: followers now actually
// persist the cluster id they were welcomed with.
func (s *Store) WriteClusterUUID(id uuid.UUID) error {
	return writeDoc(s.path(clusterUUIDFile), ClusterUUIDDoc{ClusterUUID: id})
}

// Loaded is everything read from disk at startup, already checked
// against the cross-file invariants of §4.3.
type Loaded struct {
	Node        *NodeState
	Manifest    *Manifest
	Token       *Token
	ClusterUUID *uuid.UUID
}

// Load reads all four documents and enforces the cross-file invariants.
// A missing file is not itself an error; only a violated invariant is.
func (s *Store) Load() (*Loaded, error) {
	node, err := s.ReadNode()
	if err != nil {
		return nil, err
	}
	manifest, err := s.ReadManifest()
	if err != nil {
		return nil, err
	}
	token, err := s.ReadToken()
	if err != nil {
		return nil, err
	}
	clusterDoc, err := s.ReadClusterUUID()
	if err != nil {
		return nil, err
	}

	if manifest != nil {
		if node == nil || !node.Stage.AtLeast(StageBootstrapped) {
			return nil, fmt.Errorf("%w: manifest present but node absent or not bootstrapped", ErrInconsistentState)
		}
	}
	if (token != nil) != (manifest != nil) {
		return nil, fmt.Errorf("%w: token present iff manifest present", ErrInconsistentState)
	}
	if clusterDoc != nil {
		if node == nil || node.Stage != StageReady {
			return nil, fmt.Errorf("%w: cluster_uuid present but node isn't a ready follower", ErrInconsistentState)
		}
	}

	loaded := &Loaded{Node: node, Manifest: manifest, Token: token}
	if clusterDoc != nil {
		u := clusterDoc.ClusterUUID
		loaded.ClusterUUID = &u
	}
	return loaded, nil
}
