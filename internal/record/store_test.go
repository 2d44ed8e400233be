package record

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"zmigrated/internal/checkpoint"
	"zmigrated/internal/facts"
	"zmigrated/internal/machine"
	"zmigrated/internal/phase"
)

func testPlan() machine.Plan {
	return machine.Plan{StartRelease: "40", StepReleases: []string{"41", "42"}}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "migration.json"))

	state := NewMigrationState(testPlan())
	state.CurrentPhase = phase.Checkpointed
	ref := checkpoint.GroupRef{Label: "before-upgrade-to-41", CreatedAt: time.Now().UTC().Truncate(time.Second)}
	state.LastCheckpointGroup = &ref
	state.Append(HistoryEntry{
		From:    phase.PreflightVerified,
		To:      phase.Checkpointed,
		Outcome: machine.OutcomeSuccess,
		Facts:   facts.SystemFacts{ReleaseID: "40", Pool: facts.PoolHealthy},
	})

	if err := store.Save(state); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.RunID != state.RunID {
		t.Fatalf("RunID = %q, want %q", loaded.RunID, state.RunID)
	}
	if loaded.CurrentPhase != phase.Checkpointed {
		t.Fatalf("CurrentPhase = %v", loaded.CurrentPhase)
	}
	if loaded.LastCheckpointGroup == nil || !loaded.LastCheckpointGroup.Matches(checkpoint.Group{Label: ref.Label, CreatedAt: ref.CreatedAt}) {
		t.Fatalf("LastCheckpointGroup = %+v", loaded.LastCheckpointGroup)
	}
	if len(loaded.History) != 1 || loaded.History[0].Outcome != machine.OutcomeSuccess {
		t.Fatalf("History = %+v", loaded.History)
	}
}

func TestLoadMissingRecord(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "migration.json"))
	if _, err := store.Load(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestLoadRejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migration.json")
	data, _ := json.Marshal(map[string]any{"schema_version": SchemaVersion + 1})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewStore(path).Load(); err == nil || !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("err = %v", err)
	}
}

func TestSaveIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "migration.json")
	store := NewStore(path)

	state := NewMigrationState(testPlan())
	if err := store.Save(state); err != nil {
		t.Fatal(err)
	}
	state.CurrentPhase = phase.PackagesUpgraded
	if err := store.Save(state); err != nil {
		t.Fatal(err)
	}

	// No stray temp files after a completed save.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "migration.json" {
			t.Fatalf("leftover file %q", e.Name())
		}
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if loaded.CurrentPhase != phase.PackagesUpgraded {
		t.Fatalf("CurrentPhase = %v", loaded.CurrentPhase)
	}
}

func TestSaveRefusesReadOnlyStateDir(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "migration.json"))
	orig := detectReadOnlyMount
	detectReadOnlyMount = func(string) (bool, error) { return true, nil }
	defer func() { detectReadOnlyMount = orig }()

	if err := store.Save(NewMigrationState(testPlan())); err == nil || !strings.Contains(err.Error(), "read-only") {
		t.Fatalf("err = %v", err)
	}
}

func TestReferences(t *testing.T) {
	state := NewMigrationState(testPlan())
	ref := checkpoint.GroupRef{Label: "before-upgrade-to-41", CreatedAt: time.Unix(1754049600, 0).UTC()}
	if state.References(ref) {
		t.Fatal("empty record claims a reference")
	}
	state.LastCheckpointGroup = &ref
	if !state.References(ref) {
		t.Fatal("reference not reported")
	}
}
