package core

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"noded/internal/provisioner"
	"noded/internal/store"
)

type fakeProvisioner struct{}

func (fakeProvisioner) GatherFacts(ctx context.Context) (provisioner.Facts, error) {
	return provisioner.Facts{}, nil
}
func (fakeProvisioner) Bootstrap(ctx context.Context, addr string) ([]byte, []byte, error) {
	return nil, nil, nil
}
func (fakeProvisioner) GetPublicKey(ctx context.Context) (string, error) {
	return "ssh-ed25519 AAAA test", nil
}

func newTestCore(t *testing.T) *Core {
	t.Helper()
	dir := t.TempDir()
	c, err := New(Config{
		ConfigDir:          dir,
		AuthorizedKeysPath: filepath.Join(dir, "authorized_keys"),
		AuditLogPath:       filepath.Join(dir, "audit.jsonl"),
		Provisioner:        fakeProvisioner{},
		Logger:             log.New(io.Discard, "", 0),
		JoinDialTimeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewWiresFreshIdentity(t *testing.T) {
	c := newTestCore(t)
	if c.Node.Stage() != store.StageNone {
		t.Fatalf("expected fresh stage=none, got %s", c.Node.Stage())
	}
}

func TestStartAndShutdownRouterLifecycle(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	c.Start(ctx)

	if !c.Peers.Started() {
		t.Fatal("expected connection manager to be started")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
