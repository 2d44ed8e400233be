package checkpoint

import (
	"fmt"
	"strings"
	"time"
)

// StorageUnit is an independently snapshottable unit of persistent state,
// identified by its hierarchical path within the pool (e.g. "tank/ROOT/os").
// The unit set is discovered by walking the tree at checkpoint time, never
// configured.
type StorageUnit struct {
	Path string `json:"path"`
}

// Contains reports whether other sits strictly below the unit in the
// containment tree.
func (u StorageUnit) Contains(other StorageUnit) bool {
	return other.Path != u.Path && strings.HasPrefix(other.Path, u.Path+"/")
}

// Checkpoint is an immutable point-in-time capture of one storage unit.
// Once Complete is true the checkpoint is never mutated, only destroyed.
type Checkpoint struct {
	Unit      StorageUnit `json:"unit"`
	Name      string      `json:"name"`
	Label     string      `json:"label"`
	CreatedAt time.Time   `json:"created_at"`
	Complete  bool        `json:"complete"`
}

// Group is the set of checkpoints across all units sharing the same
// label+createdAt pair.
type Group struct {
	Label       string       `json:"label"`
	CreatedAt   time.Time    `json:"created_at"`
	Checkpoints []Checkpoint `json:"checkpoints"`

	// Consistent is true only when every unit known at creation time has
	// exactly one complete checkpoint in the group. Inconsistent groups are
	// never offered for rollback.
	Consistent bool `json:"consistent"`
}

// Ref returns the persistable reference for the group.
func (g Group) Ref() GroupRef {
	return GroupRef{Label: g.Label, CreatedAt: g.CreatedAt}
}

// Units lists the storage units captured in the group.
func (g Group) Units() []StorageUnit {
	units := make([]StorageUnit, 0, len(g.Checkpoints))
	for _, cp := range g.Checkpoints {
		units = append(units, cp.Unit)
	}
	return units
}

// RollbackReport states which units a rollback attempt actually restored.
// Leaving the tree half rolled back is the most dangerous outcome this
// subsystem guards against, so the report is exact.
type RollbackReport struct {
	RolledBack []StorageUnit `json:"rolled_back"`
	Destroyed  []StorageUnit `json:"destroyed"`
}

// snapshotName renders the display name for a capture. The name is for
// operators only; grouping always goes through the metadata properties.
func snapshotName(label string, createdAt time.Time) string {
	return fmt.Sprintf("%s-%s", label, createdAt.UTC().Format("20060102T150405Z"))
}
