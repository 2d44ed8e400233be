package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"zmigrated/internal/state/paths"
)

const defaultListenPort = 9280

// Config is the daemon configuration loaded at startup. Every field has a
// default except the release plan, which must be stated explicitly: guessing
// the target of an OS migration is not acceptable.
type Config struct {
	ListenPort int    `yaml:"listen_port"`
	StateDir   string `yaml:"state_dir"`

	// Pool is the storage pool whose health gates destructive transitions.
	Pool string `yaml:"pool"`
	// RootDataset is the dataset tree checkpoints are captured under.
	RootDataset string `yaml:"root_dataset"`

	Plan  PlanConfig  `yaml:"plan"`
	Tools ToolsConfig `yaml:"tools"`
}

// PlanConfig fixes the release path of the migration.
type PlanConfig struct {
	StartRelease string   `yaml:"start_release"`
	StepReleases []string `yaml:"step_releases"`
}

// ToolsConfig overrides the external binaries the daemon shells out to.
type ToolsConfig struct {
	PackageManager string `yaml:"package_manager"`
	BootSync       string `yaml:"boot_sync"`
	OSReleasePath  string `yaml:"os_release_path"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(content)
}

// Parse parses YAML content into a Config with defaults applied and
// validation run.
func Parse(content []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse YAML: %w", err)
	}
	setDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.ListenPort == 0 {
		cfg.ListenPort = defaultListenPort
	}
	if cfg.StateDir == "" {
		cfg.StateDir = paths.Root()
	}
	if cfg.Pool == "" {
		cfg.Pool = "zroot"
	}
	if cfg.RootDataset == "" {
		cfg.RootDataset = cfg.Pool
	}
	if cfg.Tools.PackageManager == "" {
		cfg.Tools.PackageManager = "dnf"
	}
	if cfg.Tools.BootSync == "" {
		cfg.Tools.BootSync = "generate-zbm"
	}
	if cfg.Tools.OSReleasePath == "" {
		cfg.Tools.OSReleasePath = "/etc/os-release"
	}
}

func validate(cfg *Config) error {
	if cfg.ListenPort < 1 || cfg.ListenPort > 65535 {
		return fmt.Errorf("config: listen_port %d out of range", cfg.ListenPort)
	}
	if cfg.Plan.StartRelease == "" {
		return fmt.Errorf("config: plan.start_release is required")
	}
	if len(cfg.Plan.StepReleases) == 0 {
		return fmt.Errorf("config: plan.step_releases is required")
	}
	for i, s := range cfg.Plan.StepReleases {
		if s == "" {
			return fmt.Errorf("config: plan.step_releases[%d] is empty", i)
		}
	}
	return nil
}
