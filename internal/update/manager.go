package update

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
)

// PackageSystem is the package-manager collaborator. The orchestrator only
// inspects release identifiers and success/failure; how the upgrade is
// performed stays behind this interface.
type PackageSystem interface {
	// AvailableTarget returns the next release the system can upgrade to,
	// or "" when the current release is the end of the configured path.
	AvailableTarget(ctx context.Context, current string) (string, error)

	// Upgrade moves the system to the target release. Blocking and opaque:
	// no partial-progress model is exposed. For the final step the package
	// system's own offline flow carries the reboot.
	Upgrade(ctx context.Context, target string) error
}

type runCmd func(ctx context.Context, name string, args ...string) (string, error)

func execRun(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			if i := strings.IndexByte(msg, '\n'); i > 0 {
				msg = msg[:i]
			}
			return "", fmt.Errorf("%s: %s", name, msg)
		}
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Manager drives dnf along a fixed stepped release path.
type Manager struct {
	binary string
	steps  []string
	run    runCmd
}

var _ PackageSystem = (*Manager)(nil)

// NewManager builds a package system stepping through the given releases in
// order. The binary defaults to dnf.
func NewManager(binary string, steps []string) *Manager {
	if binary == "" {
		binary = "dnf"
	}
	return &Manager{binary: binary, steps: steps, run: execRun}
}

func (m *Manager) AvailableTarget(ctx context.Context, current string) (string, error) {
	for i, s := range m.steps {
		if s == current {
			if i == len(m.steps)-1 {
				return "", nil
			}
			return m.steps[i+1], nil
		}
	}
	if len(m.steps) > 0 {
		// Not on the path yet: the first step is the entry point.
		return m.steps[0], nil
	}
	return "", nil
}

func (m *Manager) Upgrade(ctx context.Context, target string) error {
	log.Printf("INFO: update: starting distro-sync to release %s", target)
	// Long-running and destructive; must not be torn down by a cancelled
	// request context.
	opCtx := context.WithoutCancel(ctx)
	if _, err := m.run(opCtx, m.binary, "-y", "--releasever="+target, "distro-sync"); err != nil {
		return fmt.Errorf("update: upgrade to %s: %w", target, err)
	}
	log.Printf("INFO: update: distro-sync to release %s finished", target)
	return nil
}

// Noop is a package system that refuses to act, for dry runs and tests.
type Noop struct{}

var _ PackageSystem = Noop{}

func (Noop) AvailableTarget(ctx context.Context, current string) (string, error) { return "", nil }

func (Noop) Upgrade(ctx context.Context, target string) error {
	return fmt.Errorf("update: package system not configured")
}
