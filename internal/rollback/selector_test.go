package rollback

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"zmigrated/internal/checkpoint"
)

// seedGroup plants a checkpoint group directly on the substrate so tests can
// control creation timestamps precisely.
func seedGroup(t *testing.T, mem *checkpoint.MemorySnapshotter, label string, createdAt time.Time, units []string, complete bool) {
	t.Helper()
	ctx := context.Background()
	name := label + "-" + createdAt.UTC().Format("20060102T150405Z")
	for _, u := range units {
		props := map[string]string{
			checkpoint.PropLabel:     label,
			checkpoint.PropCreatedAt: strconv.FormatInt(createdAt.Unix(), 10),
			checkpoint.PropUnits:     strconv.Itoa(len(units)),
		}
		unit := checkpoint.StorageUnit{Path: u}
		if err := mem.Snapshot(ctx, unit, name, props); err != nil {
			t.Fatalf("seed snapshot: %v", err)
		}
		if complete {
			if err := mem.MarkComplete(ctx, unit, name); err != nil {
				t.Fatalf("seed mark complete: %v", err)
			}
		}
	}
}

func newSelectorStore(t *testing.T, mem *checkpoint.MemorySnapshotter) checkpoint.Store {
	t.Helper()
	store, err := checkpoint.NewStore(checkpoint.Options{Snapshotter: mem})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func TestCandidatesExcludeInconsistentAndSafetyGroups(t *testing.T) {
	mem := checkpoint.NewMemorySnapshotter("pool/root", "pool/home")
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	seedGroup(t, mem, "before-upgrade-to-41", base, []string{"pool/root", "pool/home"}, true)
	// Claims two units, captured only one.
	seedGroup(t, mem, "before-upgrade-to-42", base.Add(time.Hour), []string{"pool/root"}, true)
	seedGroup(t, mem, "before-upgrade-to-42", base.Add(time.Hour), []string{"pool/home"}, false)
	seedGroup(t, mem, "rollback-safety", base.Add(2*time.Hour), []string{"pool/root", "pool/home"}, true)

	sel := NewSelector(newSelectorStore(t, mem))
	got, err := sel.Candidates(context.Background())
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	if got[0].Label != "before-upgrade-to-41" {
		t.Fatalf("unexpected candidate %q", got[0].Label)
	}
}

func TestSelectDefaultsToMostRecent(t *testing.T) {
	mem := checkpoint.NewMemorySnapshotter("pool/root")
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	seedGroup(t, mem, "before-upgrade-to-41", base, []string{"pool/root"}, true)
	seedGroup(t, mem, "before-upgrade-to-42", base.Add(time.Hour), []string{"pool/root"}, true)

	sel := NewSelector(newSelectorStore(t, mem))

	g, err := sel.Select(context.Background(), Criterion{})
	if err != nil {
		t.Fatalf("Select default: %v", err)
	}
	if g.Label != "before-upgrade-to-42" {
		t.Fatalf("default selection should be newest, got %q", g.Label)
	}

	g, err = sel.Select(context.Background(), Criterion{Index: 1})
	if err != nil {
		t.Fatalf("Select index 1: %v", err)
	}
	if g.Label != "before-upgrade-to-41" {
		t.Fatalf("index 1 should be the older group, got %q", g.Label)
	}
}

func TestSelectWithNoCandidatesFails(t *testing.T) {
	mem := checkpoint.NewMemorySnapshotter("pool/root")
	sel := NewSelector(newSelectorStore(t, mem))

	_, err := sel.Select(context.Background(), Criterion{})
	if !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}

func TestSelectIndexOutOfRange(t *testing.T) {
	mem := checkpoint.NewMemorySnapshotter("pool/root")
	seedGroup(t, mem, "before-upgrade-to-41", time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC), []string{"pool/root"}, true)
	sel := NewSelector(newSelectorStore(t, mem))

	_, err := sel.Select(context.Background(), Criterion{Index: 3})
	if !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange, got %v", err)
	}
	_, err = sel.Select(context.Background(), Criterion{Index: -1})
	if !errors.Is(err, ErrIndexOutOfRange) {
		t.Fatalf("expected ErrIndexOutOfRange for negative index, got %v", err)
	}
}
