// Package bootstrap implements the Bootstrap Driver (C5): the one-shot
// procedure that brings a fresh host up as the cluster leader.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"noded/internal/node"
	"noded/internal/provisioner"
)

// ErrNetworkAddressNotFound means address selection (§4.5 step 2) found
// no usable non-loopback interface.
var ErrNetworkAddressNotFound = errors.New("bootstrap: no usable network address found")

// ErrBootstrapFailed wraps any Provisioner failure during bring-up,
// including a nonzero exit code.
var ErrBootstrapFailed = errors.New("bootstrap: provisioning failed")

// Stage is the driver's own externally observable stage, distinct from
// the Node Manager's stage.
type Stage string

const (
	StageNone    Stage = "none"
	StageRunning Stage = "running"
	StageDone    Stage = "done"
	StageError   Stage = "error"
)

// Driver orchestrates the local cluster bring-up using a Provisioner. It
// holds no durable state of its own (§3: "Bootstrap Driver holds no
// durable state; it transitions Node Manager's state machine").
type Driver struct {
	node   *node.Manager
	prov   provisioner.Provisioner
	logger *log.Logger
}

func New(nodeMgr *node.Manager, prov provisioner.Provisioner, logger *log.Logger) *Driver {
	return &Driver{node: nodeMgr, prov: prov, logger: logger}
}

// Handle observes a single in-flight (or completed) bootstrap run. It
// closes the §9 "background task cancellation" design note: the task
// itself still runs to completion once started (cancellation remains
// unsupported), but its completion and outcome are now observable
// instead of being truly fire-and-forget.
type Handle struct {
	mu    sync.Mutex
	stage Stage
	err   error
	done  chan struct{}
}

func newHandle() *Handle {
	return &Handle{stage: StageRunning, done: make(chan struct{})}
}

func (h *Handle) setResult(stage Stage, err error) {
	h.mu.Lock()
	h.stage = stage
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

func (h *Handle) Stage() Stage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stage
}

// Wait blocks until the background bring-up settles or ctx is done,
// returning the terminal error (nil on success).
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Bootstrap runs §4.5 steps 1-2 synchronously (eligibility and address
// selection both fail fast, before anything is dispatched in the
// background), then launches steps 3-6 as a background goroutine and
// returns a Handle immediately. A nil Handle plus non-nil error means
// bootstrap never started.
func (d *Driver) Bootstrap(ctx context.Context) (*Handle, error) {
	// Step 1: eligibility.
	if err := d.node.PrepareBootstrap(); err != nil {
		return nil, err
	}

	// Step 2: address selection.
	facts, err := d.prov.GatherFacts(ctx)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: gather facts: %w", err)
	}
	addr, err := selectAddress(facts)
	if err != nil {
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = ""
	}

	h := newHandle()
	go d.run(context.WithoutCancel(ctx), h, addr, hostname)
	return h, nil
}

func (d *Driver) run(ctx context.Context, h *Handle, addr, hostname string) {
	// Step 4.
	if err := d.node.StartBootstrap(addr, hostname); err != nil {
		d.logger.Printf("bootstrap: start_bootstrap failed: %v", err)
		h.setResult(StageError, err)
		return
	}

	// Step 5. A nonzero return and a thrown error are both
	// BootstrapFailed; the driver does not roll back node.json on
	// failure (§4.5 step 6 — recovery is manual).
	_, stderr, err := d.prov.Bootstrap(ctx, addr)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v: %s", ErrBootstrapFailed, err, strings.TrimSpace(string(stderr)))
		d.logger.Printf("bootstrap: provisioning failed for %s: %v", addr, wrapped)
		h.setResult(StageError, wrapped)
		return
	}

	// Step 6.
	if err := d.node.FinishBootstrap(); err != nil {
		d.logger.Printf("bootstrap: finish_bootstrap failed: %v", err)
		h.setResult(StageError, err)
		return
	}

	h.setResult(StageDone, nil)
}

// selectAddress implements §4.5 step 2: filter out loopback interfaces;
// if what remains is empty, or its first element (in the exact order
// Facts.Interfaces was decoded in — see provisioner.Facts.UnmarshalJSON)
// lacks an IPv4 address, fail with ErrNetworkAddressNotFound. Otherwise
// take that first candidate and strip any "/mask" suffix.
func selectAddress(facts provisioner.Facts) (string, error) {
	var candidates []provisioner.Interface
	for _, iface := range facts.Interfaces {
		if iface.IfType == "loopback" {
			continue
		}
		candidates = append(candidates, iface)
	}
	if len(candidates) == 0 || candidates[0].IPv4Address == "" {
		return "", ErrNetworkAddressNotFound
	}
	addr := candidates[0].IPv4Address
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		addr = addr[:i]
	}
	return addr, nil
}
