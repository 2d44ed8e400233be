package machine

import (
	"fmt"

	"zmigrated/internal/checkpoint"
	"zmigrated/internal/facts"
	"zmigrated/internal/phase"
)

// ActionKind names the external action a transition requests. The machine
// never performs actions itself; the orchestrator hands them to the right
// collaborator and reports the outcome back.
type ActionKind string

const (
	ActionNone              ActionKind = "none"
	ActionUpgradePackages   ActionKind = "upgrade_packages"
	ActionReboot            ActionKind = "reboot"
	ActionMigrateInitSystem ActionKind = "migrate_init_system"
	ActionSyncBootConfig    ActionKind = "sync_boot_config"
)

// Action describes one requested external operation.
type Action struct {
	Kind ActionKind `json:"kind"`
	// Target is the release identifier for upgrade actions.
	Target string `json:"target,omitempty"`
}

// Plan fixes the release path of a migration attempt. The number of interim
// steps is bounded and small, so the two upgrade steps are distinct phases
// rather than a loop counter.
type Plan struct {
	StartRelease string   `json:"start_release"`
	StepReleases []string `json:"step_releases"`
}

// Final is the last release of the plan.
func (p Plan) Final() string {
	if len(p.StepReleases) == 0 {
		return ""
	}
	return p.StepReleases[len(p.StepReleases)-1]
}

func (p Plan) validate() error {
	if p.StartRelease == "" {
		return fmt.Errorf("machine: plan start release required")
	}
	if len(p.StepReleases) != 2 {
		return fmt.Errorf("machine: plan requires exactly two upgrade steps, got %d", len(p.StepReleases))
	}
	for i, s := range p.StepReleases {
		if s == "" {
			return fmt.Errorf("machine: empty release in step %d", i+1)
		}
	}
	return nil
}

// Transition describes the next legal step out of a phase: the checkpoint
// that must exist before the action runs, the action itself, and the
// predicates guarding entry and confirming completion.
type Transition struct {
	From phase.Phase
	To   phase.Phase
	// CheckpointLabel is the label of the group that must be created before
	// the action runs; empty when the transition is not destructive.
	CheckpointLabel string
	Action          Action

	pre  predicate
	post predicate
}

type predicate func(facts.SystemFacts) error

// Precondition checks the transition's entry condition against facts.
// A failure means abort with no state change.
func (t Transition) Precondition(f facts.SystemFacts) error {
	if t.pre == nil {
		return nil
	}
	if err := t.pre(f); err != nil {
		return &PreconditionError{Phase: t.From, Reason: err.Error()}
	}
	return nil
}

// Postcondition re-verifies facts after the action reported success. A
// failure is the Unverified variant of an action failure: the phase must
// not advance.
func (t Transition) Postcondition(f facts.SystemFacts) error {
	if t.post == nil {
		return nil
	}
	return t.post(f)
}

// Machine is the central orchestration authority: the phase graph, its
// legal transitions, and their guards. It holds no I/O and no mutable
// state, which keeps it trivially testable.
type Machine struct {
	plan Plan
	rows map[phase.Phase]Transition
}

// New builds the transition table for a plan.
func New(plan Plan) (*Machine, error) {
	if err := plan.validate(); err != nil {
		return nil, err
	}
	m := &Machine{plan: plan, rows: make(map[phase.Phase]Transition)}
	step1, step2 := plan.StepReleases[0], plan.StepReleases[1]

	m.add(Transition{
		From: phase.NotStarted,
		To:   phase.PreflightVerified,
		pre: all(
			releaseIs(plan.StartRelease),
			poolHealthy,
			toolPresent("boot-entry sync helper", func(f facts.SystemFacts) bool { return f.HasBootSync }),
		),
	})
	m.add(Transition{
		From:            phase.PreflightVerified,
		To:              phase.Checkpointed,
		CheckpointLabel: UpgradeLabel(step1),
		pre:             poolHealthy,
	})
	m.add(Transition{
		From:   phase.Checkpointed,
		To:     phase.PackagesUpgraded,
		Action: Action{Kind: ActionUpgradePackages, Target: step1},
		pre:    poolHealthy,
		post:   releaseIs(step1),
	})
	m.add(Transition{
		From:   phase.PackagesUpgraded,
		To:     phase.RebootedStep1,
		Action: Action{Kind: ActionReboot},
		pre:    releaseIs(step1),
	})
	// The second upgrade step runs offline: the package system's own flow
	// carries the reboot, so a single action spans both.
	m.add(Transition{
		From:            phase.RebootedStep1,
		To:              phase.RebootedStep2,
		CheckpointLabel: UpgradeLabel(step2),
		Action:          Action{Kind: ActionUpgradePackages, Target: step2},
		pre:             all(releaseIs(step1), poolHealthy),
		post:            releaseIs(step2),
	})
	m.add(Transition{
		From:            phase.RebootedStep2,
		To:              phase.InitSystemMigrated,
		CheckpointLabel: InitMigrationLabel(),
		Action:          Action{Kind: ActionMigrateInitSystem},
		pre: all(
			releaseIs(step2),
			poolHealthy,
			toolPresent("dracut", func(f facts.SystemFacts) bool { return f.HasDracut }),
		),
		post: func(f facts.SystemFacts) error {
			if !f.HasDracut {
				return fmt.Errorf("dracut missing after init system migration")
			}
			if f.HasMkinitcpio {
				return fmt.Errorf("mkinitcpio still installed after init system migration")
			}
			return nil
		},
	})
	m.add(Transition{
		From:   phase.InitSystemMigrated,
		To:     phase.BootConfigSynced,
		Action: Action{Kind: ActionSyncBootConfig},
		pre:    toolPresent("boot-entry sync helper", func(f facts.SystemFacts) bool { return f.HasBootSync }),
	})
	m.add(Transition{
		From: phase.BootConfigSynced,
		To:   phase.Validated,
		pre: all(
			releaseIs(step2),
			poolHealthy,
			toolPresent("dracut", func(f facts.SystemFacts) bool { return f.HasDracut }),
		),
	})
	m.add(Transition{
		From: phase.Validated,
		To:   phase.Complete,
	})
	return m, nil
}

func (m *Machine) add(t Transition) {
	if _, exists := m.rows[t.From]; exists {
		panic("machine: duplicate transition from " + t.From.String())
	}
	if t.Action.Kind == "" {
		t.Action.Kind = ActionNone
	}
	m.rows[t.From] = t
}

// Plan returns the release plan the machine was built for.
func (m *Machine) Plan() Plan { return m.plan }

// Advance returns the next legal transition out of the current phase. It
// performs no I/O and mutates nothing.
func (m *Machine) Advance(current phase.Phase) (Transition, error) {
	if current.Terminal() {
		return Transition{}, &TerminalError{Phase: current}
	}
	t, ok := m.rows[current]
	if !ok {
		return Transition{}, fmt.Errorf("machine: no transition defined from %s", current)
	}
	return t, nil
}

// PhaseForLabel maps a checkpoint label back to the phase its rollback
// restores, together with the release identifier expected to be active
// after the restore.
func (m *Machine) PhaseForLabel(label string) (phase.Phase, string, bool) {
	step1, step2 := m.plan.StepReleases[0], m.plan.StepReleases[1]
	switch label {
	case UpgradeLabel(step1):
		// Rolling back the first upgrade lands on the prior release with
		// preflight already proven.
		return phase.PreflightVerified, m.plan.StartRelease, true
	case UpgradeLabel(step2):
		return phase.RebootedStep1, step1, true
	case InitMigrationLabel():
		return phase.RebootedStep2, step2, true
	}
	return phase.NotStarted, "", false
}

// UpgradeLabel is the checkpoint label guarding an upgrade to target.
func UpgradeLabel(target string) string {
	return checkpoint.LabelPrefixBeforeUpgrade + "-to-" + target
}

// InitMigrationLabel is the checkpoint label guarding the init system
// migration.
func InitMigrationLabel() string {
	return checkpoint.LabelPrefixBeforeInitMigration
}

// Predicate helpers -----------------------------------------------------

func all(preds ...predicate) predicate {
	return func(f facts.SystemFacts) error {
		for _, p := range preds {
			if err := p(f); err != nil {
				return err
			}
		}
		return nil
	}
}

func releaseIs(want string) predicate {
	return func(f facts.SystemFacts) error {
		if !f.ReleaseKnown() {
			return fmt.Errorf("release identifier unknown, want %s", want)
		}
		if f.ReleaseID != want {
			return fmt.Errorf("release is %s, want %s", f.ReleaseID, want)
		}
		return nil
	}
}

func poolHealthy(f facts.SystemFacts) error {
	if f.Pool != facts.PoolHealthy {
		return fmt.Errorf("storage pool is %s, want %s", f.Pool, facts.PoolHealthy)
	}
	return nil
}

func toolPresent(name string, has func(facts.SystemFacts) bool) predicate {
	return func(f facts.SystemFacts) error {
		if !has(f) {
			return fmt.Errorf("%s not installed", name)
		}
		return nil
	}
}
