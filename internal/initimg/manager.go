package initimg

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
)

// Generator names this system knows how to probe for.
const (
	GeneratorMkinitcpio = "mkinitcpio"
	GeneratorDracut     = "dracut"
)

// InitImageSystem is the init-image collaborator. The orchestrator uses it
// to run the generator migration and to decide whether the phase's
// postcondition holds.
type InitImageSystem interface {
	// Regenerate rebuilds the init image for the given kernel version using
	// the currently active generator.
	Regenerate(ctx context.Context, kernel string) error

	// ListInstalledGenerators reports which known generators are installed.
	ListInstalledGenerators(ctx context.Context) ([]string, error)

	// Migrate swaps generator A for generator B and rebuilds the init
	// image. Mechanics (package swaps, config carry-over) stay behind the
	// interface.
	Migrate(ctx context.Context, kernel string) error
}

type runCmd func(ctx context.Context, name string, args ...string) error

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

// Manager migrates the system from mkinitcpio to dracut.
type Manager struct {
	pkgBinary string
	run       runCmd
	lookPath  func(string) (string, error)
}

var _ InitImageSystem = (*Manager)(nil)

// NewManager builds the init-image system. pkgBinary is the package manager
// used for the generator swap, defaulting to dnf.
func NewManager(pkgBinary string) *Manager {
	if pkgBinary == "" {
		pkgBinary = "dnf"
	}
	return &Manager{pkgBinary: pkgBinary, run: execRun, lookPath: exec.LookPath}
}

func (m *Manager) Regenerate(ctx context.Context, kernel string) error {
	args := []string{"-f"}
	if kernel != "" {
		args = append(args, "--kver", kernel)
	}
	if err := m.run(context.WithoutCancel(ctx), GeneratorDracut, args...); err != nil {
		return fmt.Errorf("initimg: regenerate: %w", err)
	}
	return nil
}

func (m *Manager) ListInstalledGenerators(ctx context.Context) ([]string, error) {
	var out []string
	for _, gen := range []string{GeneratorMkinitcpio, GeneratorDracut} {
		if _, err := m.lookPath(gen); err == nil {
			out = append(out, gen)
		}
	}
	return out, nil
}

func (m *Manager) Migrate(ctx context.Context, kernel string) error {
	log.Printf("INFO: initimg: migrating init image generator %s -> %s", GeneratorMkinitcpio, GeneratorDracut)
	opCtx := context.WithoutCancel(ctx)
	if err := m.run(opCtx, m.pkgBinary, "-y", "swap", GeneratorMkinitcpio, GeneratorDracut); err != nil {
		return fmt.Errorf("initimg: generator swap: %w", err)
	}
	if err := m.Regenerate(opCtx, kernel); err != nil {
		return err
	}
	log.Printf("INFO: initimg: generator migration finished")
	return nil
}

// Noop is an init-image system that refuses to act.
type Noop struct{}

var _ InitImageSystem = Noop{}

func (Noop) Regenerate(ctx context.Context, kernel string) error {
	return fmt.Errorf("initimg: init image system not configured")
}

func (Noop) ListInstalledGenerators(ctx context.Context) ([]string, error) { return nil, nil }

func (Noop) Migrate(ctx context.Context, kernel string) error {
	return fmt.Errorf("initimg: init image system not configured")
}
