package phase

import "zmigrated/internal/facts"

// DetectInput couples the persisted phase with the release plan the
// migration is following.
type DetectInput struct {
	CurrentPhase Phase
	// StartRelease is the release identifier the migration began on.
	StartRelease string
	// StepReleases are the stepped upgrade targets in order; the last entry
	// is the final release of the migration.
	StepReleases []string
}

// Detect reconciles persisted state with ground-truth facts and returns the
// phase the orchestrator should resume from. Pure and idempotent.
//
// The persisted phase is the source of truth. Facts only override it when
// they prove the record is stale: a prior attempt advanced further than was
// recorded before a crash. Facts are a lower bound on progress, never a
// reason to regress: a missing or unreadable fact leaves the persisted
// phase untouched.
func Detect(f facts.SystemFacts, in DetectInput) Phase {
	if in.CurrentPhase.Terminal() {
		return in.CurrentPhase
	}
	floor := factFloor(f, in)
	if in.CurrentPhase.Before(floor) {
		return floor
	}
	return in.CurrentPhase
}

// factFloor derives the minimum phase the facts prove was reached.
func factFloor(f facts.SystemFacts, in DetectInput) Phase {
	if !f.ReleaseKnown() || len(in.StepReleases) == 0 {
		return NotStarted
	}

	step := releaseStep(f.ReleaseID, in.StepReleases)
	if step < 0 {
		// Still on the starting release, or on something the plan does not
		// know about; the facts prove nothing beyond the record.
		return NotStarted
	}

	final := step == len(in.StepReleases)-1
	if !final {
		// An interim release is active, so its package upgrade completed;
		// whether the interim reboot happened is not derivable from the
		// release identifier alone.
		return PackagesUpgraded
	}

	// Final release active: both upgrade steps landed.
	floor := RebootedStep2
	if f.HasDracut && !f.HasMkinitcpio {
		// Generator A is gone and B installed, so the init system migration
		// ran to completion as well.
		floor = InitSystemMigrated
	}
	return floor
}

func releaseStep(release string, steps []string) int {
	for i, s := range steps {
		if s == release {
			return i
		}
	}
	return -1
}
