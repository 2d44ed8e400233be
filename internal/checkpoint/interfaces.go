package checkpoint

import (
	"context"
	"time"
)

// Store creates, lists, and restores named checkpoint groups across the
// dataset tree. Group membership is derived from structured metadata
// attached to each snapshot, never from display-name parsing.
type Store interface {
	// Create enumerates all storage units and captures each one. If any
	// single capture fails the whole group fails and partial captures are
	// destroyed; a group is returned only when every unit succeeded.
	Create(ctx context.Context, label string) (Group, error)

	// List clusters existing checkpoints into groups keyed by
	// label+createdAt. Checkpoints whose label does not carry a recognized
	// prefix, or whose metadata is missing or unparsable, are excluded.
	List(ctx context.Context) ([]Group, error)

	// RollbackGroup restores every unit in the group. The rollback surface
	// is the containment tree rooted at each checkpointed unit: sub-units
	// created after the checkpoint are destroyed. A failure on any unit
	// aborts the rollback; the report states exactly which units were
	// already restored.
	RollbackGroup(ctx context.Context, group Group) (RollbackReport, error)

	// Destroy removes all checkpoints in a group. Refused while the group
	// is still referenced by the persisted migration state unless forced.
	Destroy(ctx context.Context, group Group, force bool) error
}

// Snapshotter is the storage substrate adapter the store drives. The ZFS
// implementation shells out to the zfs CLI; tests supply an in-memory fake.
type Snapshotter interface {
	// ListUnits walks the dataset tree rooted at the configured dataset and
	// returns every independently snapshottable unit, parents first.
	ListUnits(ctx context.Context) ([]StorageUnit, error)

	// Snapshot captures a unit under the given snapshot name with the
	// supplied metadata properties attached atomically.
	Snapshot(ctx context.Context, unit StorageUnit, name string, props map[string]string) error

	// MarkComplete flags a snapshot as fully captured. Only snapshots
	// marked complete participate in grouping.
	MarkComplete(ctx context.Context, unit StorageUnit, name string) error

	// ListSnapshots returns every snapshot in the tree with its metadata
	// properties. Unset properties are reported as empty strings.
	ListSnapshots(ctx context.Context) ([]SnapshotInfo, error)

	// Rollback restores a unit to the named snapshot, discarding all
	// changes made to the unit since the capture.
	Rollback(ctx context.Context, unit StorageUnit, name string) error

	// DestroySnapshot removes a single snapshot.
	DestroySnapshot(ctx context.Context, unit StorageUnit, name string) error

	// DestroyUnit removes a unit and everything it contains.
	DestroyUnit(ctx context.Context, unit StorageUnit) error
}

// SnapshotInfo is one substrate snapshot plus its attached metadata.
type SnapshotInfo struct {
	Unit  StorageUnit
	Name  string
	Props map[string]string
}

// Metadata property keys attached to every checkpoint snapshot.
const (
	PropLabel     = "zmigrate:label"
	PropCreatedAt = "zmigrate:created_at"
	PropUnits     = "zmigrate:units"
	PropComplete  = "zmigrate:complete"
)

// GroupRef is a persistable reference to a checkpoint group.
type GroupRef struct {
	Label     string    `json:"label"`
	CreatedAt time.Time `json:"created_at"`
}

// Matches reports whether the reference identifies the given group.
func (r GroupRef) Matches(g Group) bool {
	return r.Label == g.Label && r.CreatedAt.Equal(g.CreatedAt)
}

// IsZero reports whether the reference is unset.
func (r GroupRef) IsZero() bool {
	return r.Label == "" && r.CreatedAt.IsZero()
}
