// Package provisioner defines the external collaborator that performs
// real cluster bring-up and key management (§6), and ships one concrete,
// exec(1)-backed implementation so the daemon runs end to end without a
// real Ceph-grade provisioning agent on hand.
package provisioner

import (
	"context"
)

// Provisioner is the narrow interface the core consumes. The actual
// provisioning agent runs out-of-process (§1 non-goals): this interface
// is the seam, never the agent itself.
type Provisioner interface {
	// GatherFacts enumerates network interfaces for address selection
	// (§4.5 step 2).
	GatherFacts(ctx context.Context) (Facts, error)
	// Bootstrap performs the actual cluster bring-up against addr,
	// returning its captured stdout/stderr. A non-nil error (including a
	// nonzero exit code) is the caller's cue to treat this as
	// BootstrapFailed.
	Bootstrap(ctx context.Context, addr string) (stdout, stderr []byte, err error)
	// GetPublicKey returns a single-line OpenSSH authorized-keys entry.
	GetPublicKey(ctx context.Context) (string, error)
}

// Interface describes one network interface as reported by GatherFacts.
type Interface struct {
	Name        string
	IfType      string
	IPv4Address string // may carry a "/mask" suffix
}

// Facts is the address-selection input of §4.5 step 2. Interfaces
// preserves the exact order GatherFacts returned them — this is not
// incidental: address selection is specified as "pick the first
// candidate in enumeration order", and the only way to make that
// deterministic in Go is to decode the wire object's keys in document
// order instead of through an unordered Go map (see UnmarshalJSON).
type Facts struct {
	Interfaces []Interface
}
