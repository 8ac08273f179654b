package bootstrap

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"noded/internal/node"
	"noded/internal/provisioner"
	"noded/internal/store"
)

type fakeProvisioner struct {
	facts       provisioner.Facts
	factsErr    error
	returncode  int
	bootstrapErr error
	pubkey      string
}

func (f *fakeProvisioner) GatherFacts(ctx context.Context) (provisioner.Facts, error) {
	return f.facts, f.factsErr
}

func (f *fakeProvisioner) Bootstrap(ctx context.Context, addr string) ([]byte, []byte, error) {
	if f.bootstrapErr != nil {
		return nil, []byte("boom"), f.bootstrapErr
	}
	if f.returncode != 0 {
		return nil, []byte("nonzero exit"), errors.New("exit status")
	}
	return []byte("ok"), nil, nil
}

func (f *fakeProvisioner) GetPublicKey(ctx context.Context) (string, error) {
	return f.pubkey, nil
}

type noDialer struct{}

func (noDialer) Join(endpoint string, req node.JoinRequest) (node.JoinResponse, error) {
	return node.JoinResponse{}, errors.New("not used in bootstrap tests")
}

func newTestDriver(t *testing.T, prov provisioner.Provisioner) (*Driver, *node.Manager, string) {
	t.Helper()
	dir := t.TempDir()
	nodeMgr, err := node.Load(node.Config{
		Store:              store.New(dir),
		Dialer:             noDialer{},
		AuthorizedKeysPath: filepath.Join(dir, "authorized_keys"),
	})
	if err != nil {
		t.Fatalf("node.Load: %v", err)
	}
	d := New(nodeMgr, prov, log.New(io.Discard, "", 0))
	return d, nodeMgr, dir
}

// TestBootstrapHappyPath covers S1: fresh host, one non-loopback
// interface, bootstrap succeeds.
func TestBootstrapHappyPath(t *testing.T) {
	prov := &fakeProvisioner{
		facts: provisioner.Facts{Interfaces: []provisioner.Interface{
			{Name: "eth0", IfType: "ethernet", IPv4Address: "10.0.0.5/24"},
		}},
		pubkey: "ssh-ed25519 AAAA test",
	}
	d, nodeMgr, dir := newTestDriver(t, prov)

	h, err := d.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if h.Stage() != StageRunning {
		t.Fatalf("expected stage=running immediately after dispatch, got %s", h.Stage())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("bootstrap run failed: %v", err)
	}
	if h.Stage() != StageDone {
		t.Fatalf("expected stage=done, got %s", h.Stage())
	}
	if nodeMgr.Stage() != store.StageBootstrapped {
		t.Fatalf("expected node stage=bootstrapped, got %s", nodeMgr.Stage())
	}

	for _, f := range []string{"node.json", "manifest.json", "token.json"} {
		if _, statErr := os.Stat(filepath.Join(dir, f)); statErr != nil {
			t.Fatalf("expected %s to exist: %v", f, statErr)
		}
	}
	if err := (store.Token{Token: nodeMgr.Token()}).Validate(); err != nil {
		t.Fatalf("token shape invalid: %v", err)
	}
}

// TestBootstrapProvisionFailure covers S2: Provisioner returns a
// failure; driver stage=Error, manifest/token never written, node left
// at stage=Bootstrapping.
func TestBootstrapProvisionFailure(t *testing.T) {
	prov := &fakeProvisioner{
		facts: provisioner.Facts{Interfaces: []provisioner.Interface{
			{Name: "eth0", IfType: "ethernet", IPv4Address: "10.0.0.5/24"},
		}},
		returncode: 2,
	}
	d, nodeMgr, dir := newTestDriver(t, prov)

	h, err := d.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Wait(ctx); err == nil {
		t.Fatal("expected bootstrap run to fail")
	}
	if h.Stage() != StageError {
		t.Fatalf("expected stage=error, got %s", h.Stage())
	}
	if nodeMgr.Stage() != store.StageBootstrapping {
		t.Fatalf("expected node to remain at stage=bootstrapping (known partial state), got %s", nodeMgr.Stage())
	}
	for _, f := range []string{"manifest.json", "token.json"} {
		if _, statErr := os.Stat(filepath.Join(dir, f)); statErr == nil {
			t.Fatalf("expected %s to NOT exist after a failed bootstrap", f)
		}
	}
}

// TestAddressSelectionLoopbackOnly covers §8 boundary behavior 9.
func TestAddressSelectionLoopbackOnly(t *testing.T) {
	facts := provisioner.Facts{Interfaces: []provisioner.Interface{
		{Name: "lo", IfType: "loopback", IPv4Address: "127.0.0.1/8"},
	}}
	if _, err := selectAddress(facts); !errors.Is(err, ErrNetworkAddressNotFound) {
		t.Fatalf("expected ErrNetworkAddressNotFound, got %v", err)
	}
}

func TestAddressSelectionStripsMask(t *testing.T) {
	facts := provisioner.Facts{Interfaces: []provisioner.Interface{
		{Name: "eth0", IfType: "ethernet", IPv4Address: "10.0.0.5/24"},
	}}
	addr, err := selectAddress(facts)
	if err != nil {
		t.Fatalf("selectAddress: %v", err)
	}
	if addr != "10.0.0.5" {
		t.Fatalf("expected 10.0.0.5, got %s", addr)
	}
}

func TestBootstrapRejectsSecondCallAfterCompletion(t *testing.T) {
	prov := &fakeProvisioner{
		facts: provisioner.Facts{Interfaces: []provisioner.Interface{
			{Name: "eth0", IfType: "ethernet", IPv4Address: "10.0.0.5/24"},
		}},
	}
	d, _, _ := newTestDriver(t, prov)

	h, err := d.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("bootstrap run failed: %v", err)
	}

	if _, err := d.Bootstrap(context.Background()); !errors.Is(err, node.ErrCantBootstrap) {
		t.Fatalf("expected second bootstrap to fail with ErrCantBootstrap, got %v", err)
	}
}
