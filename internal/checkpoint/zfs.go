package checkpoint

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// runZFS executes one zfs invocation and returns trimmed stdout. On failure
// the first stderr line is folded into the error, since zfs prints usage
// noise after the actual message.
type runZFS func(ctx context.Context, args ...string) (string, error)

func execZFS(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "zfs", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := firstLine(stderr.String()); msg != "" {
			return "", fmt.Errorf("zfs %s: %s", args[0], msg)
		}
		return "", fmt.Errorf("zfs %s: %w", args[0], err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

// zfsSnapshotter drives the zfs CLI for one dataset tree. Checkpoint
// metadata lives in user properties on each snapshot, so grouping survives
// renames and never depends on the display name.
type zfsSnapshotter struct {
	root string
	run  runZFS
}

var _ Snapshotter = (*zfsSnapshotter)(nil)

// NewZFSSnapshotter returns a Snapshotter walking the dataset tree rooted
// at root (e.g. "tank/ROOT").
func NewZFSSnapshotter(root string) Snapshotter {
	return &zfsSnapshotter{root: root, run: execZFS}
}

func (z *zfsSnapshotter) ListUnits(ctx context.Context) ([]StorageUnit, error) {
	out, err := z.run(ctx, "list", "-H", "-o", "name", "-r", "-t", "filesystem,volume", z.root)
	if err != nil {
		return nil, err
	}
	var units []StorageUnit
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			units = append(units, StorageUnit{Path: line})
		}
	}
	return units, nil
}

func (z *zfsSnapshotter) Snapshot(ctx context.Context, unit StorageUnit, name string, props map[string]string) error {
	args := []string{"snapshot"}
	for k, v := range props {
		args = append(args, "-o", k+"="+v)
	}
	args = append(args, unit.Path+"@"+name)
	_, err := z.run(ctx, args...)
	return err
}

func (z *zfsSnapshotter) MarkComplete(ctx context.Context, unit StorageUnit, name string) error {
	_, err := z.run(ctx, "set", PropComplete+"=on", unit.Path+"@"+name)
	return err
}

func (z *zfsSnapshotter) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	fields := strings.Join([]string{"name", PropLabel, PropCreatedAt, PropUnits, PropComplete}, ",")
	out, err := z.run(ctx, "list", "-H", "-t", "snapshot", "-o", fields, "-r", z.root)
	if err != nil {
		return nil, err
	}
	var infos []SnapshotInfo
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		cols := strings.Split(line, "\t")
		if len(cols) != 5 {
			continue
		}
		dataset, snap, ok := strings.Cut(cols[0], "@")
		if !ok {
			continue
		}
		props := make(map[string]string, 4)
		for i, key := range []string{PropLabel, PropCreatedAt, PropUnits, PropComplete} {
			if v := cols[i+1]; v != "-" {
				props[key] = v
			}
		}
		infos = append(infos, SnapshotInfo{Unit: StorageUnit{Path: dataset}, Name: snap, Props: props})
	}
	return infos, nil
}

func (z *zfsSnapshotter) Rollback(ctx context.Context, unit StorageUnit, name string) error {
	// -r discards snapshots newer than the target so the rollback cannot
	// fail on intermediate captures.
	_, err := z.run(ctx, "rollback", "-r", unit.Path+"@"+name)
	return err
}

func (z *zfsSnapshotter) DestroySnapshot(ctx context.Context, unit StorageUnit, name string) error {
	_, err := z.run(ctx, "destroy", unit.Path+"@"+name)
	return err
}

func (z *zfsSnapshotter) DestroyUnit(ctx context.Context, unit StorageUnit) error {
	_, err := z.run(ctx, "destroy", "-r", unit.Path)
	return err
}
