package bootcfg

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
)

// BootConfigurator is the boot-entry collaborator. Sync failures block the
// phase but are never fatal to the whole run.
type BootConfigurator interface {
	Sync(ctx context.Context) error
}

// Manager regenerates boot entries with the configured helper
// (generate-zbm by default).
type Manager struct {
	binary string
	run    func(ctx context.Context, name string, args ...string) error
}

var _ BootConfigurator = (*Manager)(nil)

func NewManager(binary string) *Manager {
	if binary == "" {
		binary = "generate-zbm"
	}
	return &Manager{binary: binary, run: execRun}
}

func (m *Manager) Sync(ctx context.Context) error {
	log.Printf("INFO: bootcfg: regenerating boot entries via %s", m.binary)
	if err := m.run(context.WithoutCancel(ctx), m.binary); err != nil {
		return fmt.Errorf("bootcfg: sync: %w", err)
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

// Noop is a boot configurator that refuses to act.
type Noop struct{}

var _ BootConfigurator = Noop{}

func (Noop) Sync(ctx context.Context) error {
	return fmt.Errorf("bootcfg: boot configurator not configured")
}
