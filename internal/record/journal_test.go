package record

import (
	"context"
	"path/filepath"
	"testing"

	"zmigrated/internal/facts"
	"zmigrated/internal/machine"
	"zmigrated/internal/phase"
)

func TestJournalAppendAndReadBack(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	defer j.Close()

	ctx := context.Background()
	entries := []HistoryEntry{
		{From: phase.NotStarted, To: phase.PreflightVerified, Outcome: machine.OutcomeSuccess,
			Facts: facts.SystemFacts{ReleaseID: "40"}},
		{From: phase.Checkpointed, To: phase.PackagesUpgraded, Action: string(machine.ActionUpgradePackages),
			Target: "41", Outcome: machine.OutcomeFailure, Detail: "dnf exited 1",
			Facts: facts.SystemFacts{ReleaseID: "40"}},
	}
	for _, e := range entries {
		if err := j.Append(ctx, "run-1", e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := j.Append(ctx, "run-2", entries[0]); err != nil {
		t.Fatal(err)
	}

	rows, err := j.Entries(ctx, "run-1")
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].To != "preflight_verified" || rows[1].Outcome != "failure" {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[1].Target != "41" || rows[1].Detail != "dnf exited 1" {
		t.Fatalf("row detail lost: %+v", rows[1])
	}
	if rows[0].At.IsZero() {
		t.Fatal("timestamp not persisted")
	}
}

func TestJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	j, err := OpenJournal(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Append(ctx, "run-1", HistoryEntry{From: phase.NotStarted, To: phase.PreflightVerified, Outcome: machine.OutcomeSuccess}); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	j, err = OpenJournal(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	rows, err := j.Entries(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows after reopen, want 1", len(rows))
	}
}
