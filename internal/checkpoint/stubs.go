package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemorySnapshotter is an in-memory substrate used by tests and by dry runs
// on hosts without ZFS. Semantics mirror the zfs CLI closely enough for the
// store's compensation and rollback logic to be exercised: rollback discards
// newer snapshots, destroy of a unit takes its subtree with it.
type MemorySnapshotter struct {
	mu    sync.Mutex
	units map[string][]memorySnap
}

type memorySnap struct {
	name  string
	props map[string]string
}

var _ Snapshotter = (*MemorySnapshotter)(nil)

// NewMemorySnapshotter seeds the substrate with the given unit paths.
func NewMemorySnapshotter(unitPaths ...string) *MemorySnapshotter {
	m := &MemorySnapshotter{units: make(map[string][]memorySnap)}
	for _, p := range unitPaths {
		m.units[p] = nil
	}
	return m
}

// AddUnit creates a new unit, as if a dataset were created on the live tree.
func (m *MemorySnapshotter) AddUnit(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.units[path]; !ok {
		m.units[path] = nil
	}
}

// Snapshots returns the snapshot names currently held for a unit.
func (m *MemorySnapshotter) Snapshots(path string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.units[path]))
	for _, s := range m.units[path] {
		names = append(names, s.name)
	}
	return names
}

func (m *MemorySnapshotter) ListUnits(ctx context.Context) ([]StorageUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.units))
	for p := range m.units {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	units := make([]StorageUnit, 0, len(paths))
	for _, p := range paths {
		units = append(units, StorageUnit{Path: p})
	}
	return units, nil
}

func (m *MemorySnapshotter) Snapshot(ctx context.Context, unit StorageUnit, name string, props map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snaps, ok := m.units[unit.Path]
	if !ok {
		return fmt.Errorf("dataset does not exist: %s", unit.Path)
	}
	for _, s := range snaps {
		if s.name == name {
			return fmt.Errorf("snapshot already exists: %s@%s", unit.Path, name)
		}
	}
	copied := make(map[string]string, len(props))
	for k, v := range props {
		copied[k] = v
	}
	m.units[unit.Path] = append(snaps, memorySnap{name: name, props: copied})
	return nil
}

func (m *MemorySnapshotter) MarkComplete(ctx context.Context, unit StorageUnit, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, s := range m.units[unit.Path] {
		if s.name == name {
			m.units[unit.Path][i].props[PropComplete] = "on"
			return nil
		}
	}
	return fmt.Errorf("snapshot not found: %s@%s", unit.Path, name)
}

func (m *MemorySnapshotter) ListSnapshots(ctx context.Context) ([]SnapshotInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.units))
	for p := range m.units {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	var infos []SnapshotInfo
	for _, p := range paths {
		for _, s := range m.units[p] {
			props := make(map[string]string, len(s.props))
			for k, v := range s.props {
				props[k] = v
			}
			infos = append(infos, SnapshotInfo{Unit: StorageUnit{Path: p}, Name: s.name, Props: props})
		}
	}
	return infos, nil
}

func (m *MemorySnapshotter) Rollback(ctx context.Context, unit StorageUnit, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snaps, ok := m.units[unit.Path]
	if !ok {
		return fmt.Errorf("dataset does not exist: %s", unit.Path)
	}
	for i, s := range snaps {
		if s.name == name {
			m.units[unit.Path] = snaps[:i+1]
			return nil
		}
	}
	return fmt.Errorf("snapshot not found: %s@%s", unit.Path, name)
}

func (m *MemorySnapshotter) DestroySnapshot(ctx context.Context, unit StorageUnit, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snaps := m.units[unit.Path]
	for i, s := range snaps {
		if s.name == name {
			m.units[unit.Path] = append(snaps[:i], snaps[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("snapshot not found: %s@%s", unit.Path, name)
}

func (m *MemorySnapshotter) DestroyUnit(ctx context.Context, unit StorageUnit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.units[unit.Path]; !ok {
		return fmt.Errorf("dataset does not exist: %s", unit.Path)
	}
	delete(m.units, unit.Path)
	for p := range m.units {
		if (StorageUnit{Path: unit.Path}).Contains(StorageUnit{Path: p}) {
			delete(m.units, p)
		}
	}
	return nil
}
