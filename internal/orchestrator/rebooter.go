package orchestrator

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
)

// Rebooter requests a system reboot. The call returning nil means the
// reboot was accepted, not that it has happened; the process is expected to
// be terminated shortly after.
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// SystemdRebooter reboots through systemctl.
type SystemdRebooter struct {
	run func(ctx context.Context, name string, args ...string) error
}

var _ Rebooter = (*SystemdRebooter)(nil)

func NewSystemdRebooter() *SystemdRebooter {
	return &SystemdRebooter{run: execRun}
}

func (r *SystemdRebooter) Reboot(ctx context.Context) error {
	log.Printf("INFO: orchestrator: requesting system reboot")
	if err := r.run(context.WithoutCancel(ctx), "systemctl", "reboot"); err != nil {
		return fmt.Errorf("reboot request: %w", err)
	}
	return nil
}

func execRun(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			if i := strings.IndexByte(msg, '\n'); i > 0 {
				msg = msg[:i]
			}
			return fmt.Errorf("%s: %s", name, msg)
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// NoopRebooter refuses to reboot. Used when no rebooter is configured.
type NoopRebooter struct{}

var _ Rebooter = NoopRebooter{}

func (NoopRebooter) Reboot(ctx context.Context) error {
	return fmt.Errorf("orchestrator: rebooter not configured")
}
