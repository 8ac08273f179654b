package cmdutil

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// TimeoutFast is the timeout class for quick, read-only probes: status
// checks, list operations, stat.
const TimeoutFast = 10 * time.Second

// Run executes a command with the given timeout, returns (output, error).
// If the command exceeds the timeout, it is killed and an error is returned.
// This prevents the Go daemon from hanging when hardware is unresponsive.
func Run(timeout time.Duration, name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()

	if ctx.Err() == context.DeadlineExceeded {
		return output, fmt.Errorf("command timed out after %v: %s %v", timeout, name, args)
	}

	return output, err
}

// RunFast executes a command with TimeoutFast (10s).
// Use for: status checks, list operations, stat.
func RunFast(name string, args ...string) ([]byte, error) {
	return Run(TimeoutFast, name, args...)
}
