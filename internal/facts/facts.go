package facts

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PoolHealth is the coarse health of the storage pool backing the dataset
// tree. Absent means the pool could not be queried at all.
type PoolHealth string

const (
	PoolHealthy  PoolHealth = "healthy"
	PoolDegraded PoolHealth = "degraded"
	PoolFaulted  PoolHealth = "faulted"
	PoolAbsent   PoolHealth = "absent"
)

// KernelVersion is the running kernel parsed as major.minor. The zero value
// means the version could not be determined.
type KernelVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

func (k KernelVersion) IsZero() bool { return k.Major == 0 && k.Minor == 0 }

func (k KernelVersion) String() string {
	return fmt.Sprintf("%d.%d", k.Major, k.Minor)
}

// AtLeast reports whether k is the same as or newer than other.
func (k KernelVersion) AtLeast(other KernelVersion) bool {
	if k.Major != other.Major {
		return k.Major > other.Major
	}
	return k.Minor >= other.Minor
}

// ParseKernelVersion extracts major.minor from a kernel release string such
// as "6.11.4-301.fc41.x86_64".
func ParseKernelVersion(release string) (KernelVersion, error) {
	parts := strings.SplitN(release, ".", 3)
	if len(parts) < 2 {
		return KernelVersion{}, fmt.Errorf("facts: unparsable kernel release %q", release)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return KernelVersion{}, fmt.Errorf("facts: unparsable kernel release %q", release)
	}
	minorStr := parts[1]
	if i := strings.IndexFunc(minorStr, func(r rune) bool { return r < '0' || r > '9' }); i >= 0 {
		minorStr = minorStr[:i]
	}
	minor, err := strconv.Atoi(minorStr)
	if err != nil {
		return KernelVersion{}, fmt.Errorf("facts: unparsable kernel release %q", release)
	}
	return KernelVersion{Major: major, Minor: minor}, nil
}

// SystemFacts is a side-effect-free reading of ground-truth system state.
// Absence of a fact is represented, never thrown: phase detection has to
// cope with partial information after crashes and mid-upgrade reboots.
type SystemFacts struct {
	ReleaseID string        `json:"release_id"`
	Kernel    KernelVersion `json:"kernel"`
	// KernelRelease is the full uname -r string, kept for tools that
	// address images by exact kernel version.
	KernelRelease string     `json:"kernel_release,omitempty"`
	Pool          PoolHealth `json:"pool"`
	// PoolName is the pool whose health Pool reports.
	PoolName string `json:"pool_name,omitempty"`

	// Tool presence relevant to individual phases.
	HasMkinitcpio bool `json:"has_mkinitcpio"`
	HasDracut     bool `json:"has_dracut"`
	HasBootSync   bool `json:"has_boot_sync"`

	CollectedAt time.Time `json:"collected_at"`
}

// ReleaseKnown reports whether the active release identifier was readable.
func (f SystemFacts) ReleaseKnown() bool { return f.ReleaseID != "" }
