package provisioner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"noded/internal/cmdutil"
)

// ExecProvisioner implements Provisioner by shelling out to three
// externally configured commands. GatherFacts and GetPublicKey are
// quick, read-only probes, so they run through cmdutil.RunFast
// (cmdutil's fixed 10s timeout-bounded exec.CommandContext helper);
// Bootstrap can run
// for a while (Timeout is configurable per instance) and must report
// stdout/stderr separately, so it uses its own runner below instead
// of cmdutil's CombinedOutput.
type ExecProvisioner struct {
	FactsCmd     []string // argv; stdout must be a Facts JSON document
	BootstrapCmd []string // argv; addr is appended as the final argument
	PubKeyCmd    []string // argv; stdout (trimmed) is the single-line pubkey
	Timeout      time.Duration
}

func (p *ExecProvisioner) timeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return 60 * time.Second
}

func (p *ExecProvisioner) run(ctx context.Context, argv []string) ([]byte, []byte, error) {
	if len(argv) == 0 {
		return nil, nil, fmt.Errorf("provisioner: empty command")
	}
	runCtx, cancel := context.WithTimeout(ctx, p.timeout())
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("provisioner: command timed out after %v: %s", p.timeout(), strings.Join(argv, " "))
	}
	if err != nil {
		return stdout.Bytes(), stderr.Bytes(), fmt.Errorf("provisioner: %s: %w", strings.Join(argv, " "), err)
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

// GatherFacts ignores the incoming ctx's deadline in favor of
// cmdutil's own fixed TimeoutFast: facts gathering is a quick,
// read-only probe.
func (p *ExecProvisioner) GatherFacts(ctx context.Context) (Facts, error) {
	if len(p.FactsCmd) == 0 {
		return Facts{}, fmt.Errorf("provisioner: empty facts-cmd")
	}
	out, err := cmdutil.RunFast(p.FactsCmd[0], p.FactsCmd[1:]...)
	if err != nil {
		return Facts{}, fmt.Errorf("provisioner: %s: %w", strings.Join(p.FactsCmd, " "), err)
	}
	var facts Facts
	if err := json.Unmarshal(out, &facts); err != nil {
		return Facts{}, fmt.Errorf("provisioner: parsing facts-cmd output: %w", err)
	}
	return facts, nil
}

func (p *ExecProvisioner) Bootstrap(ctx context.Context, addr string) ([]byte, []byte, error) {
	argv := make([]string, 0, len(p.BootstrapCmd)+1)
	argv = append(argv, p.BootstrapCmd...)
	argv = append(argv, addr)
	return p.run(ctx, argv)
}

func (p *ExecProvisioner) GetPublicKey(ctx context.Context) (string, error) {
	if len(p.PubKeyCmd) == 0 {
		return "", fmt.Errorf("provisioner: empty pubkey-cmd")
	}
	out, err := cmdutil.RunFast(p.PubKeyCmd[0], p.PubKeyCmd[1:]...)
	if err != nil {
		return "", fmt.Errorf("provisioner: %s: %w", strings.Join(p.PubKeyCmd, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}
