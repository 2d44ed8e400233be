package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// failingSnapshotter wraps a substrate and fails selected operations.
type failingSnapshotter struct {
	Snapshotter
	failSnapshotOn string
	failRollbackOn string
}

func (f *failingSnapshotter) Snapshot(ctx context.Context, unit StorageUnit, name string, props map[string]string) error {
	if unit.Path == f.failSnapshotOn {
		return fmt.Errorf("injected snapshot failure on %s", unit.Path)
	}
	return f.Snapshotter.Snapshot(ctx, unit, name, props)
}

func (f *failingSnapshotter) Rollback(ctx context.Context, unit StorageUnit, name string) error {
	if unit.Path == f.failRollbackOn {
		return fmt.Errorf("injected rollback failure on %s", unit.Path)
	}
	return f.Snapshotter.Rollback(ctx, unit, name)
}

func newTestStore(t *testing.T, snap Snapshotter) *Module {
	t.Helper()
	store, err := NewStore(Options{Snapshotter: snap})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestCreateCapturesEveryUnit(t *testing.T) {
	mem := NewMemorySnapshotter("tank/ROOT", "tank/ROOT/os", "tank/ROOT/os/var", "tank/home")
	store := newTestStore(t, mem)

	group, err := store.Create(context.Background(), "before-upgrade-to-41")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(group.Checkpoints) != 4 {
		t.Fatalf("got %d checkpoints, want 4", len(group.Checkpoints))
	}
	if !group.Consistent {
		t.Fatal("freshly created group must be consistent")
	}
	for _, cp := range group.Checkpoints {
		if !cp.Complete {
			t.Fatalf("checkpoint for %s not marked complete", cp.Unit.Path)
		}
	}
}

// Capture succeeds for 3 of 4 units then fails; afterwards List must show
// zero groups for that label.
func TestCreatePartialFailureLeavesNothingBehind(t *testing.T) {
	mem := NewMemorySnapshotter("tank/a", "tank/b", "tank/c", "tank/d")
	snap := &failingSnapshotter{Snapshotter: mem, failSnapshotOn: "tank/d"}
	store := newTestStore(t, snap)

	_, err := store.Create(context.Background(), "before-upgrade-to-41")
	var capErr *CaptureError
	if !errors.As(err, &capErr) {
		t.Fatalf("want CaptureError, got %v", err)
	}
	if capErr.Unit.Path != "tank/d" {
		t.Fatalf("failing unit = %s, want tank/d", capErr.Unit.Path)
	}

	groups, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("partial group survived: %+v", groups)
	}
	for _, unit := range []string{"tank/a", "tank/b", "tank/c"} {
		if snaps := mem.Snapshots(unit); len(snaps) != 0 {
			t.Fatalf("compensation left snapshots on %s: %v", unit, snaps)
		}
	}
}

func TestCreateRejectsUnrecognizedLabel(t *testing.T) {
	store := newTestStore(t, NewMemorySnapshotter("tank/a"))
	if _, err := store.Create(context.Background(), "nightly-backup"); err == nil {
		t.Fatal("expected error for unrecognized label prefix")
	}
}

func TestListGroupsByMetadataNotName(t *testing.T) {
	mem := NewMemorySnapshotter("tank/a", "tank/b")
	ctx := context.Background()

	// Operator snapshot without our metadata must be excluded even though
	// its display name resembles a checkpoint.
	if err := mem.Snapshot(ctx, StorageUnit{Path: "tank/a"}, "before-upgrade-20250101T000000Z", nil); err != nil {
		t.Fatal(err)
	}

	store := newTestStore(t, mem)
	if _, err := store.Create(ctx, "before-upgrade-to-41"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	groups, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	if got := groups[0].Label; got != "before-upgrade-to-41" {
		t.Fatalf("label = %q", got)
	}
	if !groups[0].Consistent {
		t.Fatal("group should be consistent")
	}
}

func TestListOrdersNewestFirst(t *testing.T) {
	mem := NewMemorySnapshotter("tank/a")
	store := newTestStore(t, mem)
	ctx := context.Background()

	base := time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC)
	defer func() { nowFn = time.Now }()

	nowFn = func() time.Time { return base }
	if _, err := store.Create(ctx, "before-upgrade-to-41"); err != nil {
		t.Fatal(err)
	}
	nowFn = func() time.Time { return base.Add(time.Hour) }
	if _, err := store.Create(ctx, "before-init-migration"); err != nil {
		t.Fatal(err)
	}

	groups, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if groups[0].Label != "before-init-migration" {
		t.Fatalf("newest group first: got %q", groups[0].Label)
	}
}

func TestListFlagsIncompleteGroupInconsistent(t *testing.T) {
	mem := NewMemorySnapshotter("tank/a", "tank/b")
	store := newTestStore(t, mem)
	ctx := context.Background()

	group, err := store.Create(ctx, "before-upgrade-to-41")
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a crash artifact: one member vanished out from under us.
	if err := mem.DestroySnapshot(ctx, StorageUnit{Path: "tank/b"}, group.Checkpoints[0].Name); err != nil {
		t.Fatal(err)
	}

	groups, err := store.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	if groups[0].Consistent {
		t.Fatal("short group must be flagged inconsistent")
	}
}

func TestRollbackGroupRestoresAllUnits(t *testing.T) {
	mem := NewMemorySnapshotter("tank/a", "tank/b")
	store := newTestStore(t, mem)
	ctx := context.Background()

	group, err := store.Create(ctx, "before-upgrade-to-41")
	if err != nil {
		t.Fatal(err)
	}
	report, err := store.RollbackGroup(ctx, group)
	if err != nil {
		t.Fatalf("RollbackGroup: %v", err)
	}
	if len(report.RolledBack) != 2 {
		t.Fatalf("rolled back %d units, want 2", len(report.RolledBack))
	}

	// Idempotence: repeating with no intervening change succeeds as a no-op.
	report, err = store.RollbackGroup(ctx, group)
	if err != nil {
		t.Fatalf("second RollbackGroup: %v", err)
	}
	if len(report.RolledBack) != 2 {
		t.Fatalf("second rollback restored %d units, want 2", len(report.RolledBack))
	}
}

func TestRollbackGroupDestroysLatecomerSubUnits(t *testing.T) {
	mem := NewMemorySnapshotter("tank/ROOT", "tank/ROOT/os")
	store := newTestStore(t, mem)
	ctx := context.Background()

	group, err := store.Create(ctx, "before-upgrade-to-41")
	if err != nil {
		t.Fatal(err)
	}

	// A dataset created after the checkpoint inside the captured subtree.
	mem.AddUnit("tank/ROOT/os/containers")

	report, err := store.RollbackGroup(ctx, group)
	if err != nil {
		t.Fatalf("RollbackGroup: %v", err)
	}
	if len(report.Destroyed) != 1 || report.Destroyed[0].Path != "tank/ROOT/os/containers" {
		t.Fatalf("destroyed = %+v, want the latecomer sub-unit", report.Destroyed)
	}
	units, _ := mem.ListUnits(ctx)
	for _, u := range units {
		if u.Path == "tank/ROOT/os/containers" {
			t.Fatal("latecomer sub-unit survived rollback")
		}
	}
}

func TestRollbackGroupAbortsOnUnitFailure(t *testing.T) {
	mem := NewMemorySnapshotter("tank/a", "tank/b", "tank/c")
	snap := &failingSnapshotter{Snapshotter: mem, failRollbackOn: "tank/b"}
	store := newTestStore(t, snap)
	ctx := context.Background()

	group, err := store.Create(ctx, "before-upgrade-to-41")
	if err != nil {
		t.Fatal(err)
	}

	_, err = store.RollbackGroup(ctx, group)
	var rbErr *RollbackError
	if !errors.As(err, &rbErr) {
		t.Fatalf("want RollbackError, got %v", err)
	}
	if rbErr.Unit.Path != "tank/b" {
		t.Fatalf("failing unit = %s, want tank/b", rbErr.Unit.Path)
	}
	// tank/a (sorted first) was restored before the failure, tank/c was not.
	if len(rbErr.Report.RolledBack) != 1 || rbErr.Report.RolledBack[0].Path != "tank/a" {
		t.Fatalf("report = %+v, want exactly tank/a restored", rbErr.Report.RolledBack)
	}
}

func TestDestroyRefusesReferencedGroup(t *testing.T) {
	mem := NewMemorySnapshotter("tank/a")
	ctx := context.Background()

	var referenced GroupRef
	store, err := NewStore(Options{
		Snapshotter: mem,
		Referenced:  func(ref GroupRef) bool { return ref == referenced },
	})
	if err != nil {
		t.Fatal(err)
	}

	group, err := store.Create(ctx, "before-upgrade-to-41")
	if err != nil {
		t.Fatal(err)
	}
	referenced = group.Ref()

	if err := store.Destroy(ctx, group, false); !errors.Is(err, ErrGroupReferenced) {
		t.Fatalf("want ErrGroupReferenced, got %v", err)
	}
	if err := store.Destroy(ctx, group, true); err != nil {
		t.Fatalf("forced destroy: %v", err)
	}
	if snaps := mem.Snapshots("tank/a"); len(snaps) != 0 {
		t.Fatalf("snapshots remain after forced destroy: %v", snaps)
	}
}
