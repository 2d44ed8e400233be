package initimg

import (
	"context"
	"fmt"
	"strings"
	"testing"
)

func TestMigrateSwapsThenRegenerates(t *testing.T) {
	m := NewManager("dnf")
	var calls []string
	m.run = func(ctx context.Context, name string, args ...string) error {
		calls = append(calls, name+" "+strings.Join(args, " "))
		return nil
	}

	if err := m.Migrate(context.Background(), "6.11.4-301.fc41.x86_64"); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("calls = %v", calls)
	}
	if !strings.Contains(calls[0], "swap mkinitcpio dracut") {
		t.Fatalf("first call = %q", calls[0])
	}
	if !strings.HasPrefix(calls[1], "dracut -f --kver 6.11.4") {
		t.Fatalf("second call = %q", calls[1])
	}
}

func TestMigrateStopsOnSwapFailure(t *testing.T) {
	m := NewManager("dnf")
	var calls int
	m.run = func(ctx context.Context, name string, args ...string) error {
		calls++
		return fmt.Errorf("package conflict")
	}

	if err := m.Migrate(context.Background(), ""); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("regenerate ran after failed swap (%d calls)", calls)
	}
}

func TestListInstalledGenerators(t *testing.T) {
	m := NewManager("")
	m.lookPath = func(name string) (string, error) {
		if name == GeneratorDracut {
			return "/usr/bin/dracut", nil
		}
		return "", fmt.Errorf("not found")
	}

	gens, err := m.ListInstalledGenerators(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(gens) != 1 || gens[0] != GeneratorDracut {
		t.Fatalf("generators = %v", gens)
	}
}
