package phase

import (
	"testing"
	"time"

	"zmigrated/internal/facts"
)

func planInput(current Phase) DetectInput {
	return DetectInput{
		CurrentPhase: current,
		StartRelease: "40",
		StepReleases: []string{"41", "42"},
	}
}

func factsOn(release string) facts.SystemFacts {
	return facts.SystemFacts{
		ReleaseID:     release,
		Kernel:        facts.KernelVersion{Major: 6, Minor: 11},
		Pool:          facts.PoolHealthy,
		HasMkinitcpio: true,
		HasDracut:     true,
		HasBootSync:   true,
		CollectedAt:   time.Now().UTC(),
	}
}

func TestDetectPrefersPersistedPhase(t *testing.T) {
	f := factsOn("40")
	got := Detect(f, planInput(Checkpointed))
	if got != Checkpointed {
		t.Fatalf("Detect = %v, want persisted Checkpointed", got)
	}
}

// The release identifier already advanced beyond the persisted phase;
// Detect returns the phase corresponding to the facts.
func TestDetectOverridesStaleRecord(t *testing.T) {
	f := factsOn("41")
	got := Detect(f, planInput(PreflightVerified))
	if got != PackagesUpgraded {
		t.Fatalf("Detect = %v, want PackagesUpgraded from facts", got)
	}
}

func TestDetectFactsNeverRegressPhase(t *testing.T) {
	// Record says the interim reboot happened; facts can only prove the
	// upgrade landed, which is earlier. The record wins.
	f := factsOn("41")
	got := Detect(f, planInput(RebootedStep1))
	if got != RebootedStep1 {
		t.Fatalf("Detect = %v, want RebootedStep1", got)
	}
}

func TestDetectFinalReleaseImpliesBothSteps(t *testing.T) {
	f := factsOn("42")
	got := Detect(f, planInput(Checkpointed))
	if got != RebootedStep2 {
		t.Fatalf("Detect = %v, want RebootedStep2", got)
	}
}

func TestDetectInitMigrationVisibleInTooling(t *testing.T) {
	f := factsOn("42")
	f.HasMkinitcpio = false
	got := Detect(f, planInput(RebootedStep2))
	if got != InitSystemMigrated {
		t.Fatalf("Detect = %v, want InitSystemMigrated", got)
	}
}

func TestDetectUnknownReleaseLeavesRecordAlone(t *testing.T) {
	f := factsOn("")
	got := Detect(f, planInput(Checkpointed))
	if got != Checkpointed {
		t.Fatalf("Detect = %v, want Checkpointed", got)
	}
}

func TestDetectTerminalPhasesAreSticky(t *testing.T) {
	f := factsOn("42")
	for _, p := range []Phase{Complete, RolledBack} {
		if got := Detect(f, planInput(p)); got != p {
			t.Fatalf("Detect(%v) = %v, want unchanged", p, got)
		}
	}
}

func TestDetectIsIdempotent(t *testing.T) {
	f := factsOn("41")
	in := planInput(PreflightVerified)
	first := Detect(f, in)
	for i := 0; i < 5; i++ {
		if got := Detect(f, in); got != first {
			t.Fatalf("call %d: Detect = %v, want %v", i, got, first)
		}
	}
}

func TestPhaseRoundTripJSON(t *testing.T) {
	for p := range phaseToString {
		data, err := p.MarshalJSON()
		if err != nil {
			t.Fatalf("marshal %v: %v", p, err)
		}
		var back Phase
		if err := back.UnmarshalJSON(data); err != nil {
			t.Fatalf("unmarshal %v: %v", p, err)
		}
		if back != p {
			t.Fatalf("round trip %v -> %v", p, back)
		}
	}
	var bad Phase
	if err := bad.UnmarshalJSON([]byte(`"nonsense"`)); err == nil {
		t.Fatal("expected error for unknown token")
	}
}
