package store

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNodeWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	want := NodeState{UUID: uuid.New(), Role: RoleNone, Stage: StageNone}
	if err := s.WriteNode(want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := s.ReadNode()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got == nil || got.UUID != want.UUID || got.Role != want.Role || got.Stage != want.Stage {
		t.Fatalf("round trip mismatch: want %+v got %+v", want, got)
	}
}

func TestMissingFilesAreNotErrors(t *testing.T) {
	s := New(t.TempDir())
	node, err := s.ReadNode()
	if err != nil || node != nil {
		t.Fatalf("expected nil,nil for missing node file, got %v, %v", node, err)
	}
}

func TestCorruptDocument(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	if err := s.WriteToken(Token{Token: "not-a-valid-token"}); err == nil {
		t.Fatal("expected validation error writing malformed token")
	}
}

func TestLoadInvariantManifestRequiresNode(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	manifest := Manifest{
		ClusterUUID: uuid.New(),
		Version:     1,
		Modified:    time.Now(),
		Nodes:       []NodeState{{UUID: uuid.New(), Role: RoleLeader, Stage: StageBootstrapped}},
	}
	if err := s.WriteManifest(manifest); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	_, err := s.Load()
	if !errors.Is(err, ErrInconsistentState) {
		t.Fatalf("expected ErrInconsistentState, got %v", err)
	}
}

func TestLoadInvariantTokenRequiresManifest(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	node := NodeState{UUID: uuid.New(), Role: RoleLeader, Stage: StageBootstrapped}
	if err := s.WriteNode(node); err != nil {
		t.Fatalf("write node: %v", err)
	}
	if err := s.WriteToken(Token{Token: "a1b2-c3d4-e5f6-0011"}); err != nil {
		t.Fatalf("write token: %v", err)
	}
	_, err := s.Load()
	if !errors.Is(err, ErrInconsistentState) {
		t.Fatalf("expected ErrInconsistentState, got %v", err)
	}
}

func TestLoadNormalShapes(t *testing.T) {
	// stage=none, no manifest: normal, not an error (closes the "both None
	// is unreachable" open question — absence of manifest at early stages
	// is the expected shape, not a corrupted one).
	dir := t.TempDir()
	s := New(dir)
	node := NodeState{UUID: uuid.New(), Role: RoleNone, Stage: StageNone}
	if err := s.WriteNode(node); err != nil {
		t.Fatalf("write node: %v", err)
	}
	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.Manifest != nil || loaded.Token != nil || loaded.ClusterUUID != nil {
		t.Fatalf("expected no manifest/token/cluster_uuid at stage=none")
	}
}

func TestClusterUUIDWriteRead(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	node := NodeState{UUID: uuid.New(), Role: RoleFollower, Stage: StageReady}
	if err := s.WriteNode(node); err != nil {
		t.Fatalf("write node: %v", err)
	}
	id := uuid.New()
	if err := s.WriteClusterUUID(id); err != nil {
		t.Fatalf("write cluster uuid: %v", err)
	}
	loaded, err := s.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ClusterUUID == nil || *loaded.ClusterUUID != id {
		t.Fatalf("cluster uuid not round-tripped: %+v", loaded.ClusterUUID)
	}
}
