package checkpoint

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"zmigrated/internal/events"
)

// Recognized checkpoint label prefixes. Anything else found on the substrate
// (operator snapshots, replication bookkeeping) is not ours and is ignored.
const (
	LabelPrefixBeforeUpgrade       = "before-upgrade"
	LabelPrefixBeforeInitMigration = "before-init-migration"
	LabelPrefixRollbackSafety      = "rollback-safety"
)

// DefaultLabelPrefixes is the prefix set used when none is configured.
func DefaultLabelPrefixes() []string {
	return []string{LabelPrefixBeforeUpgrade, LabelPrefixBeforeInitMigration, LabelPrefixRollbackSafety}
}

var nowFn = time.Now

// Options captures construction parameters for the checkpoint store.
type Options struct {
	Snapshotter Snapshotter
	// Prefixes restricts grouping to labels carrying one of these prefixes.
	// Defaults to DefaultLabelPrefixes.
	Prefixes []string
	// Referenced reports whether the persisted migration state still points
	// at a group; Destroy refuses such groups unless forced.
	Referenced func(GroupRef) bool
	Events     *events.Bus
}

// Module implements Store on top of a Snapshotter.
type Module struct {
	snap       Snapshotter
	prefixes   []string
	referenced func(GroupRef) bool
	events     *events.Bus
}

var _ Store = (*Module)(nil)

// NewStore builds a checkpoint store. The snapshotter is required.
func NewStore(opts Options) (*Module, error) {
	if opts.Snapshotter == nil {
		return nil, fmt.Errorf("checkpoint: snapshotter required")
	}
	prefixes := opts.Prefixes
	if len(prefixes) == 0 {
		prefixes = DefaultLabelPrefixes()
	}
	return &Module{
		snap:       opts.Snapshotter,
		prefixes:   prefixes,
		referenced: opts.Referenced,
		events:     opts.Events,
	}, nil
}

// Create captures every storage unit under a shared label+createdAt pair.
// The substrate has no multi-unit transaction primitive, so atomicity is by
// compensation: any failure destroys the partial captures already made.
func (m *Module) Create(ctx context.Context, label string) (Group, error) {
	if !m.recognized(label) {
		return Group{}, fmt.Errorf("checkpoint: label %q does not carry a recognized prefix", label)
	}
	units, err := m.snap.ListUnits(ctx)
	if err != nil {
		return Group{}, fmt.Errorf("checkpoint: enumerate units: %w", err)
	}
	if len(units) == 0 {
		return Group{}, fmt.Errorf("checkpoint: no storage units discovered")
	}

	createdAt := nowFn().UTC().Truncate(time.Second)
	name := snapshotName(label, createdAt)
	props := map[string]string{
		PropLabel:     label,
		PropCreatedAt: strconv.FormatInt(createdAt.Unix(), 10),
		PropUnits:     strconv.Itoa(len(units)),
	}

	// Capture and completion marking run on a detached context: cancelling
	// mid-capture would leave exactly the partial group this method exists
	// to prevent.
	opCtx := context.WithoutCancel(ctx)

	group := Group{Label: label, CreatedAt: createdAt, Consistent: true}
	for _, unit := range units {
		if err := m.snap.Snapshot(opCtx, unit, name, props); err != nil {
			m.compensate(opCtx, group, name)
			return Group{}, &CaptureError{Label: label, Unit: unit, Err: err}
		}
		if err := m.snap.MarkComplete(opCtx, unit, name); err != nil {
			// The snapshot exists but was never marked complete; destroy it
			// along with the rest of the partial group.
			group.Checkpoints = append(group.Checkpoints, Checkpoint{Unit: unit, Name: name})
			m.compensate(opCtx, group, name)
			return Group{}, &CaptureError{Label: label, Unit: unit, Err: err}
		}
		group.Checkpoints = append(group.Checkpoints, Checkpoint{
			Unit:      unit,
			Name:      name,
			Label:     label,
			CreatedAt: createdAt,
			Complete:  true,
		})
	}

	if m.events != nil {
		m.events.Publish(events.Event{
			Topic:   events.TopicCheckpointCreated,
			Payload: events.CheckpointCreated{Label: label, CreatedAt: createdAt, Units: len(group.Checkpoints)},
		})
	}
	return group, nil
}

func (m *Module) compensate(ctx context.Context, partial Group, name string) {
	for _, cp := range partial.Checkpoints {
		if err := m.snap.DestroySnapshot(ctx, cp.Unit, name); err != nil {
			log.Printf("WARN: checkpoint compensation failed to destroy %s@%s: %v", cp.Unit.Path, name, err)
		}
	}
}

// List groups complete checkpoints by their structured label+createdAt
// metadata. Side-effect free and restartable.
func (m *Module) List(ctx context.Context) ([]Group, error) {
	infos, err := m.snap.ListSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list snapshots: %w", err)
	}

	type key struct {
		label     string
		createdAt int64
	}
	grouped := make(map[key]*Group)
	expected := make(map[key]int)

	for _, info := range infos {
		label := info.Props[PropLabel]
		if label == "" || !m.recognized(label) {
			continue
		}
		ts, err := strconv.ParseInt(info.Props[PropCreatedAt], 10, 64)
		if err != nil {
			// Orphaned capture with mangled metadata; never offered.
			continue
		}
		k := key{label: label, createdAt: ts}
		g, ok := grouped[k]
		if !ok {
			g = &Group{Label: label, CreatedAt: time.Unix(ts, 0).UTC()}
			grouped[k] = g
		}
		if n, err := strconv.Atoi(info.Props[PropUnits]); err == nil && n > expected[k] {
			expected[k] = n
		}
		g.Checkpoints = append(g.Checkpoints, Checkpoint{
			Unit:      info.Unit,
			Name:      info.Name,
			Label:     label,
			CreatedAt: g.CreatedAt,
			Complete:  info.Props[PropComplete] == "on",
		})
	}

	groups := make([]Group, 0, len(grouped))
	for k, g := range grouped {
		g.Consistent = m.consistent(*g, expected[k])
		sort.Slice(g.Checkpoints, func(i, j int) bool {
			return g.Checkpoints[i].Unit.Path < g.Checkpoints[j].Unit.Path
		})
		groups = append(groups, *g)
	}
	sort.Slice(groups, func(i, j int) bool {
		if !groups[i].CreatedAt.Equal(groups[j].CreatedAt) {
			return groups[i].CreatedAt.After(groups[j].CreatedAt)
		}
		return groups[i].Label < groups[j].Label
	})
	return groups, nil
}

func (m *Module) consistent(g Group, expected int) bool {
	if expected == 0 || len(g.Checkpoints) != expected {
		return false
	}
	seen := make(map[string]bool, len(g.Checkpoints))
	for _, cp := range g.Checkpoints {
		if !cp.Complete || seen[cp.Unit.Path] {
			return false
		}
		seen[cp.Unit.Path] = true
	}
	return true
}

// RollbackGroup restores each unit in the group to its checkpoint. Units
// created after the capture inside a checkpointed subtree are destroyed
// first, since the rollback surface is the containment tree, not the
// checkpoint set. Any failure aborts the remainder.
func (m *Module) RollbackGroup(ctx context.Context, group Group) (RollbackReport, error) {
	var report RollbackReport
	if len(group.Checkpoints) == 0 {
		return report, fmt.Errorf("checkpoint: empty group")
	}

	current, err := m.snap.ListUnits(ctx)
	if err != nil {
		return report, fmt.Errorf("checkpoint: enumerate units: %w", err)
	}
	inGroup := make(map[string]bool, len(group.Checkpoints))
	for _, cp := range group.Checkpoints {
		inGroup[cp.Unit.Path] = true
	}

	// Destructive from here on; detach from caller cancellation.
	opCtx := context.WithoutCancel(ctx)

	// Deepest first so nested latecomers go before their parents.
	strays := make([]StorageUnit, 0)
	for _, unit := range current {
		if inGroup[unit.Path] {
			continue
		}
		for _, cp := range group.Checkpoints {
			if cp.Unit.Contains(unit) {
				strays = append(strays, unit)
				break
			}
		}
	}
	sort.Slice(strays, func(i, j int) bool { return len(strays[i].Path) > len(strays[j].Path) })
	for _, unit := range strays {
		if err := m.snap.DestroyUnit(opCtx, unit); err != nil {
			return report, &RollbackError{Unit: unit, Report: report, Err: err}
		}
		report.Destroyed = append(report.Destroyed, unit)
	}

	for _, cp := range group.Checkpoints {
		if err := m.snap.Rollback(opCtx, cp.Unit, cp.Name); err != nil {
			return report, &RollbackError{Unit: cp.Unit, Report: report, Err: err}
		}
		report.RolledBack = append(report.RolledBack, cp.Unit)
	}
	return report, nil
}

// Destroy removes every checkpoint in the group.
func (m *Module) Destroy(ctx context.Context, group Group, force bool) error {
	if !force && m.referenced != nil && m.referenced(group.Ref()) {
		return ErrGroupReferenced
	}
	opCtx := context.WithoutCancel(ctx)
	for _, cp := range group.Checkpoints {
		if err := m.snap.DestroySnapshot(opCtx, cp.Unit, cp.Name); err != nil {
			return fmt.Errorf("checkpoint: destroy %s@%s: %w", cp.Unit.Path, cp.Name, err)
		}
	}
	if m.events != nil {
		m.events.Publish(events.Event{
			Topic:   events.TopicCheckpointDestroyed,
			Payload: events.CheckpointDestroyed{Label: group.Label, CreatedAt: group.CreatedAt, Forced: force},
		})
	}
	return nil
}

func (m *Module) recognized(label string) bool {
	for _, p := range m.prefixes {
		if len(label) >= len(p) && label[:len(p)] == p {
			return true
		}
	}
	return false
}
