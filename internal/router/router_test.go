package router

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"noded/internal/node"
	"noded/internal/peer"
	"noded/internal/provisioner"
	"noded/internal/store"
	"noded/internal/wire"
)

type fakeTransport struct {
	sent   []wire.Message
	recvCh chan wire.Message
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{recvCh: make(chan wire.Message, 1)}
}

func (f *fakeTransport) Send(msg wire.Message) error {
	if f.closed {
		return peer.ErrGone
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Receive() (wire.Message, error) {
	msg, ok := <-f.recvCh
	if !ok {
		return wire.Message{}, peer.ErrGone
	}
	return msg, nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

type fakeProvisioner struct {
	pubkey string
}

func (f *fakeProvisioner) GatherFacts(ctx context.Context) (provisioner.Facts, error) {
	return provisioner.Facts{}, nil
}
func (f *fakeProvisioner) Bootstrap(ctx context.Context, addr string) ([]byte, []byte, error) {
	return nil, nil, nil
}
func (f *fakeProvisioner) GetPublicKey(ctx context.Context) (string, error) {
	return f.pubkey, nil
}

type noDialer struct{}

func (noDialer) Join(endpoint string, req node.JoinRequest) (node.JoinResponse, error) {
	return node.JoinResponse{}, errors.New("not used")
}

func newLeader(t *testing.T) (*node.Manager, string) {
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
	if err := nodeMgr.StartBootstrap("10.0.0.5", "leader"); err != nil {
		t.Fatalf("StartBootstrap: %v", err)
	}
	if err := nodeMgr.FinishBootstrap(); err != nil {
		t.Fatalf("FinishBootstrap: %v", err)
	}
	return nodeMgr, dir
}

// TestHandleJoinSendsWelcome covers S3: a leader in stage=Bootstrapped
// replies to a well-formed, correctly-tokened JOIN with WELCOME carrying
// the generated cluster uuid and the Provisioner's pubkey.
func TestHandleJoinSendsWelcome(t *testing.T) {
	nodeMgr, _ := newLeader(t)
	prov := &fakeProvisioner{pubkey: "ssh-ed25519 AAAA leader"}
	peers := peer.NewManager(nil, log.New(io.Discard, "", 0))
	peers.Start()

	transport := newFakeTransport()
	p, err := peers.Register("follower:1", transport, peer.KindPassive)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	r := New(peers, nodeMgr, prov, log.New(io.Discard, "", 0))
	join := &wire.JoinPayload{
		UUID:     uuid.New(),
		Hostname: "f1",
		Address:  "10.0.0.6",
		Token:    nodeMgr.Token(),
	}
	if err := r.handleJoin(context.Background(), p, join); err != nil {
		t.Fatalf("handleJoin: %v", err)
	}

	if len(transport.sent) != 1 {
		t.Fatalf("expected exactly one reply, got %d", len(transport.sent))
	}
	reply := transport.sent[0]
	if reply.Type != wire.MessageWelcome {
		t.Fatalf("expected WELCOME, got %s", reply.Type)
	}
	if reply.Welcome.PubKey != "ssh-ed25519 AAAA leader" {
		t.Fatalf("unexpected pubkey: %s", reply.Welcome.PubKey)
	}
	if got := *nodeMgr.ClusterUUID(); reply.Welcome.ClusterUUID != got {
		t.Fatalf("expected cluster uuid %s, got %s", got, reply.Welcome.ClusterUUID)
	}
}

func TestHandleJoinRejectsBadToken(t *testing.T) {
	nodeMgr, _ := newLeader(t)
	prov := &fakeProvisioner{pubkey: "ssh-ed25519 AAAA leader"}
	peers := peer.NewManager(nil, log.New(io.Discard, "", 0))
	peers.Start()
	transport := newFakeTransport()
	p, err := peers.Register("follower:1", transport, peer.KindPassive)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	r := New(peers, nodeMgr, prov, log.New(io.Discard, "", 0))
	join := &wire.JoinPayload{UUID: uuid.New(), Hostname: "f1", Token: "deadbeef-0000-0000-0000"}
	if err := r.handleJoin(context.Background(), p, join); !errors.Is(err, ErrTokenMismatch) {
		t.Fatalf("expected ErrTokenMismatch, got %v", err)
	}
	if len(transport.sent) != 0 {
		t.Fatal("expected no reply on token mismatch")
	}
	if !transport.closed {
		t.Fatal("expected peer to be closed on token mismatch")
	}
}

func TestHandleJoinRejectsWrongStage(t *testing.T) {
	dir := t.TempDir()
	nodeMgr, err := node.Load(node.Config{
		Store:              store.New(dir),
		Dialer:             noDialer{},
		AuthorizedKeysPath: filepath.Join(dir, "authorized_keys"),
	})
	if err != nil {
		t.Fatalf("node.Load: %v", err)
	}
	prov := &fakeProvisioner{}
	peers := peer.NewManager(nil, log.New(io.Discard, "", 0))
	peers.Start()
	transport := newFakeTransport()
	p, err := peers.Register("follower:1", transport, peer.KindPassive)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	r := New(peers, nodeMgr, prov, log.New(io.Discard, "", 0))
	join := &wire.JoinPayload{UUID: uuid.New(), Token: "whatever"}
	if err := r.handleJoin(context.Background(), p, join); !errors.Is(err, ErrWrongStageForJoin) {
		t.Fatalf("expected ErrWrongStageForJoin, got %v", err)
	}
}

// TestRunContinuesAfterMalformedMessage ensures a single bad message
// (here, a JOIN with a nil payload) doesn't stall the router loop; it
// must keep consuming the queue and process the next message.
func TestRunContinuesAfterMalformedMessage(t *testing.T) {
	nodeMgr, _ := newLeader(t)
	prov := &fakeProvisioner{pubkey: "k"}
	peers := peer.NewManager(nil, log.New(io.Discard, "", 0))
	peers.Start()

	r := New(peers, nodeMgr, prov, log.New(io.Discard, "", 0))

	transport := newFakeTransport()
	p, err := peers.Register("follower:1", transport, peer.KindPassive)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	// A JOIN with a nil payload is rejected cleanly (not a crash); the
	// loop must still process the next, well-formed JOIN after it.
	if err := peers.OnIncomingReceive(p, wire.Message{Type: wire.MessageJoin, Join: nil}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := peers.OnIncomingReceive(p, wire.Message{Type: wire.MessageJoin, Join: &wire.JoinPayload{
		UUID: uuid.New(), Token: nodeMgr.Token(),
	}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if len(transport.sent) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for router to process the second JOIN")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
