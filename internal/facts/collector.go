package facts

import (
	"bytes"
	"context"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

const defaultOSReleasePath = "/etc/os-release"

// Tool names probed for phase preconditions and postconditions.
const (
	ToolMkinitcpio = "mkinitcpio"
	ToolDracut     = "dracut"
	ToolBootSync   = "generate-zbm"
)

// Options captures construction parameters for the collector.
type Options struct {
	// Pool is the ZFS pool whose health is reported. Required.
	Pool string
	// OSReleasePath overrides /etc/os-release, mainly for tests.
	OSReleasePath string
}

// Collector reads ground-truth system state without side effects.
type Collector struct {
	pool          string
	osReleasePath string

	// Probes are swappable so tests never touch the host.
	kernelRelease func() (string, error)
	poolHealth    func(ctx context.Context, pool string) (string, error)
	lookPath      func(name string) (string, error)
}

// NewCollector builds a collector for the given pool.
func NewCollector(opts Options) *Collector {
	path := opts.OSReleasePath
	if path == "" {
		path = defaultOSReleasePath
	}
	return &Collector{
		pool:          opts.Pool,
		osReleasePath: path,
		kernelRelease: unameRelease,
		poolHealth:    zpoolHealth,
		lookPath:      exec.LookPath,
	}
}

// Collect gathers SystemFacts. It never fails fatally: every probe that
// errors is represented as an absent fact and logged.
func (c *Collector) Collect(ctx context.Context) SystemFacts {
	f := SystemFacts{Pool: PoolAbsent, CollectedAt: time.Now().UTC()}

	if id, err := c.readReleaseID(); err != nil {
		log.Printf("WARN: facts: release identifier unavailable: %v", err)
	} else {
		f.ReleaseID = id
	}

	if release, err := c.kernelRelease(); err != nil {
		log.Printf("WARN: facts: kernel release unavailable: %v", err)
	} else {
		f.KernelRelease = release
		if kv, err := ParseKernelVersion(release); err != nil {
			log.Printf("WARN: facts: %v", err)
		} else {
			f.Kernel = kv
		}
	}

	if c.pool != "" {
		f.PoolName = c.pool
		if health, err := c.poolHealth(ctx, c.pool); err != nil {
			log.Printf("WARN: facts: pool %s health unavailable: %v", c.pool, err)
		} else {
			f.Pool = mapPoolHealth(health)
		}
	}

	f.HasMkinitcpio = c.present(ToolMkinitcpio)
	f.HasDracut = c.present(ToolDracut)
	f.HasBootSync = c.present(ToolBootSync)
	return f
}

func (c *Collector) present(tool string) bool {
	_, err := c.lookPath(tool)
	return err == nil
}

func (c *Collector) readReleaseID() (string, error) {
	data, err := os.ReadFile(c.osReleasePath)
	if err != nil {
		return "", err
	}
	return ParseOSRelease(data), nil
}

// ParseOSRelease extracts VERSION_ID from os-release content. Returns ""
// when the field is missing.
func ParseOSRelease(data []byte) string {
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		value, ok := strings.CutPrefix(line, "VERSION_ID=")
		if !ok {
			continue
		}
		return strings.Trim(value, `"'`)
	}
	return ""
}

func mapPoolHealth(health string) PoolHealth {
	switch strings.ToUpper(strings.TrimSpace(health)) {
	case "ONLINE":
		return PoolHealthy
	case "DEGRADED":
		return PoolDegraded
	case "FAULTED", "UNAVAIL", "REMOVED", "OFFLINE":
		return PoolFaulted
	default:
		return PoolAbsent
	}
}

func unameRelease() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(uts.Release[:], "\x00")), nil
}

func zpoolHealth(ctx context.Context, pool string) (string, error) {
	cmd := exec.CommandContext(ctx, "zpool", "list", "-H", "-o", "health", pool)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", &poolProbeError{pool: pool, msg: msg}
		}
		return "", err
	}
	return strings.TrimSpace(stdout.String()), nil
}

type poolProbeError struct {
	pool string
	msg  string
}

func (e *poolProbeError) Error() string { return "zpool list " + e.pool + ": " + e.msg }
