package config

import (
	"os"
	"path/filepath"
	"testing"
)

const minimal = `
plan:
  start_release: "40"
  step_releases: ["41", "42"]
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ListenPort != defaultListenPort {
		t.Errorf("ListenPort = %d, want %d", cfg.ListenPort, defaultListenPort)
	}
	if cfg.Pool != "zroot" || cfg.RootDataset != "zroot" {
		t.Errorf("pool defaults wrong: %q %q", cfg.Pool, cfg.RootDataset)
	}
	if cfg.Tools.PackageManager != "dnf" || cfg.Tools.BootSync != "generate-zbm" {
		t.Errorf("tool defaults wrong: %+v", cfg.Tools)
	}
	if cfg.Tools.OSReleasePath != "/etc/os-release" {
		t.Errorf("os-release default wrong: %q", cfg.Tools.OSReleasePath)
	}
}

func TestParseOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
listen_port: 8099
pool: tank
root_dataset: tank/os
plan:
  start_release: "40"
  step_releases: ["41", "42"]
tools:
  package_manager: dnf5
`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.ListenPort != 8099 {
		t.Errorf("ListenPort = %d", cfg.ListenPort)
	}
	if cfg.RootDataset != "tank/os" {
		t.Errorf("RootDataset = %q", cfg.RootDataset)
	}
	if cfg.Tools.PackageManager != "dnf5" {
		t.Errorf("PackageManager = %q", cfg.Tools.PackageManager)
	}
}

func TestParseRejectsMissingPlan(t *testing.T) {
	if _, err := Parse([]byte(`listen_port: 8099`)); err == nil {
		t.Fatal("expected error for missing plan")
	}
	if _, err := Parse([]byte("plan:\n  start_release: \"40\"\n")); err == nil {
		t.Fatal("expected error for missing step releases")
	}
}

func TestParseRejectsBadYAML(t *testing.T) {
	if _, err := Parse([]byte("plan: [")); err == nil {
		t.Fatal("expected YAML error")
	}
}

func TestLoadReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "zmigrated.yaml")
	if err := os.WriteFile(path, []byte(minimal), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Plan.StartRelease != "40" {
		t.Errorf("StartRelease = %q", cfg.Plan.StartRelease)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
