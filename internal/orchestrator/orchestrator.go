package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"zmigrated/internal/bootcfg"
	"zmigrated/internal/checkpoint"
	"zmigrated/internal/events"
	"zmigrated/internal/facts"
	"zmigrated/internal/health"
	"zmigrated/internal/initimg"
	"zmigrated/internal/machine"
	"zmigrated/internal/phase"
	"zmigrated/internal/record"
	"zmigrated/internal/rollback"
	"zmigrated/internal/update"
)

// FactSource provides ground-truth system facts on demand.
type FactSource interface {
	Collect(ctx context.Context) facts.SystemFacts
}

// Options captures every collaborator the orchestrator drives. Machine,
// Facts, Checkpoints, and State are required; collaborators left nil are
// replaced with refusing stubs so a partially configured daemon fails
// loudly instead of acting.
type Options struct {
	Machine     *machine.Machine
	Facts       FactSource
	Checkpoints checkpoint.Store
	State       *record.Store
	Journal     *record.Journal
	Events      *events.Bus
	Health      *health.Tracker

	Packages   update.PackageSystem
	InitImages initimg.InitImageSystem
	BootConfig bootcfg.BootConfigurator
	Rebooter   Rebooter

	// LockPath guards against a second orchestrator process on the same
	// host. Empty disables locking.
	LockPath string
}

// Orchestrator is the single sequencing authority: it loads the persisted
// record, reconciles it with facts, asks the machine for the next
// transition, runs it through the collaborators, and commits the result.
// All operations are serialized; there is never more than one in-flight
// transition.
type Orchestrator struct {
	mu   sync.Mutex
	opts Options

	selector *rollback.Selector
	executor *rollback.Executor
	lock     *flock.Flock
}

// New wires an orchestrator and takes the host-wide run lock.
func New(opts Options) (*Orchestrator, error) {
	if opts.Machine == nil || opts.Facts == nil || opts.Checkpoints == nil || opts.State == nil {
		return nil, fmt.Errorf("orchestrator: machine, facts, checkpoints, and state are all required")
	}
	if opts.Packages == nil {
		opts.Packages = update.Noop{}
	}
	if opts.InitImages == nil {
		opts.InitImages = initimg.Noop{}
	}
	if opts.BootConfig == nil {
		opts.BootConfig = bootcfg.Noop{}
	}
	if opts.Rebooter == nil {
		opts.Rebooter = NoopRebooter{}
	}

	o := &Orchestrator{opts: opts}

	exec, err := rollback.NewExecutor(rollback.Options{
		Store:   opts.Checkpoints,
		Facts:   opts.Facts,
		Machine: opts.Machine,
		State:   opts.State,
		Journal: opts.Journal,
		Events:  opts.Events,
	})
	if err != nil {
		return nil, err
	}
	o.selector = rollback.NewSelector(opts.Checkpoints)
	o.executor = exec

	if opts.LockPath != "" {
		o.lock = flock.New(opts.LockPath)
		held, err := o.lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("orchestrator: acquire run lock: %w", err)
		}
		if !held {
			return nil, fmt.Errorf("orchestrator: another instance holds %s", opts.LockPath)
		}
	}
	return o, nil
}

// Close releases the run lock.
func (o *Orchestrator) Close() error {
	if o.lock != nil {
		return o.lock.Unlock()
	}
	return nil
}

// Status is a read-only view of the migration for operators. DetectedPhase
// is what fact reconciliation would resume from; it differs from Phase only
// while a stale record has not yet been committed.
type Status struct {
	RunID         string               `json:"run_id"`
	Plan          machine.Plan         `json:"plan"`
	Phase         phase.Phase          `json:"phase"`
	DetectedPhase phase.Phase          `json:"detected_phase"`
	NextAction    *machine.Action      `json:"next_action,omitempty"`
	Checkpoint    *checkpoint.GroupRef `json:"last_checkpoint_group,omitempty"`
	Facts         facts.SystemFacts    `json:"facts"`
	Generators    []string             `json:"generators,omitempty"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// StepResult reports one attempted transition. A result is returned for
// action and verification failures too; Outcome tells them apart.
type StepResult struct {
	From       phase.Phase          `json:"from"`
	To         phase.Phase          `json:"to"`
	Action     machine.Action       `json:"action"`
	Outcome    machine.Outcome      `json:"outcome"`
	Checkpoint *checkpoint.GroupRef `json:"checkpoint,omitempty"`
	Detail     string               `json:"detail,omitempty"`
}

// Status reports the current phase, the facts, and the next pending action
// without changing anything.
func (o *Orchestrator) Status(ctx context.Context) (Status, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, err := o.loadOrInit()
	if err != nil {
		return Status{}, err
	}
	f := o.collect(ctx)
	detected := phase.Detect(f, o.detectInput(st))

	s := Status{
		RunID:         st.RunID,
		Plan:          st.Plan,
		Phase:         st.CurrentPhase,
		DetectedPhase: detected,
		Checkpoint:    st.LastCheckpointGroup,
		Facts:         f,
		UpdatedAt:     st.UpdatedAt,
	}
	if gens, err := o.opts.InitImages.ListInstalledGenerators(ctx); err != nil {
		log.Printf("WARN: orchestrator: listing init image generators failed: %v", err)
	} else {
		s.Generators = gens
	}
	if !detected.Terminal() {
		if t, err := o.opts.Machine.Advance(detected); err == nil && t.Action.Kind != machine.ActionNone {
			a := t.Action
			s.NextAction = &a
		}
	}
	return s, nil
}

// PlanPreview describes what the next Step would do without executing any
// of it.
type PlanPreview struct {
	Phase              phase.Phase    `json:"phase"`
	Next               phase.Phase    `json:"next"`
	CheckpointLabel    string         `json:"checkpoint_label,omitempty"`
	Action             machine.Action `json:"action"`
	PreconditionOK     bool           `json:"precondition_ok"`
	PreconditionReason string         `json:"precondition_reason,omitempty"`
	// AvailableTarget is the release the package system itself offers from
	// the current release; TargetWarning is set when it disagrees with the
	// planned upgrade target.
	AvailableTarget string `json:"available_target,omitempty"`
	TargetWarning   string `json:"target_warning,omitempty"`
}

// Plan previews the next transition against current facts. Nothing is
// persisted and no action runs.
func (o *Orchestrator) Plan(ctx context.Context) (PlanPreview, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, err := o.loadOrInit()
	if err != nil {
		return PlanPreview{}, err
	}
	f := o.collect(ctx)
	detected := phase.Detect(f, o.detectInput(st))

	t, err := o.opts.Machine.Advance(detected)
	if err != nil {
		return PlanPreview{}, err
	}
	p := PlanPreview{
		Phase:           detected,
		Next:            t.To,
		CheckpointLabel: t.CheckpointLabel,
		Action:          t.Action,
		PreconditionOK:  true,
	}
	if err := t.Precondition(f); err != nil {
		p.PreconditionOK = false
		p.PreconditionReason = err.Error()
	}
	if t.Action.Kind == machine.ActionUpgradePackages {
		avail, err := o.opts.Packages.AvailableTarget(ctx, f.ReleaseID)
		switch {
		case err != nil:
			log.Printf("WARN: orchestrator: querying available upgrade target failed: %v", err)
			p.TargetWarning = fmt.Sprintf("querying available upgrade target failed: %v", err)
		case avail != t.Action.Target:
			p.AvailableTarget = avail
			p.TargetWarning = fmt.Sprintf("package system offers release %q, plan expects %q", avail, t.Action.Target)
		default:
			p.AvailableTarget = avail
		}
	}
	return p, nil
}

// Step executes exactly one phase transition: reconcile, guard, checkpoint,
// act, verify, commit. Each call is one crash-safe unit of progress.
func (o *Orchestrator) Step(ctx context.Context) (StepResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	st, err := o.loadOrInit()
	if err != nil {
		return StepResult{}, err
	}

	f := o.collect(ctx)
	detected := phase.Detect(f, o.detectInput(st))
	if detected != st.CurrentPhase {
		log.Printf("INFO: orchestrator: facts prove phase %s, record said %s", detected, st.CurrentPhase)
		st.CurrentPhase = detected
		if err := o.save(st); err != nil {
			return StepResult{}, err
		}
	}

	t, err := o.opts.Machine.Advance(st.CurrentPhase)
	if err != nil {
		return StepResult{}, err
	}
	res := StepResult{From: t.From, To: t.To, Action: t.Action}

	if err := t.Precondition(f); err != nil {
		res.Outcome = machine.OutcomeFailure
		res.Detail = err.Error()
		return res, err
	}

	if t.CheckpointLabel != "" {
		group, err := o.opts.Checkpoints.Create(ctx, t.CheckpointLabel)
		if err != nil {
			o.setHealth(health.ComponentCheckpointStore, health.LevelError, err.Error())
			res.Outcome = machine.OutcomeFailure
			res.Detail = err.Error()
			return res, err
		}
		o.setHealth(health.ComponentCheckpointStore, health.LevelOK, "checkpoint created")
		ref := group.Ref()
		res.Checkpoint = &ref
		st.LastCheckpointGroup = &ref
		// Persist the reference before the destructive action so a crash
		// mid-action still knows which group guards it.
		if err := o.save(st); err != nil {
			return res, err
		}
	}

	// A reboot that succeeds never returns control, so the phase advance
	// has to be durable before the request goes out.
	if t.Action.Kind == machine.ActionReboot {
		return o.commitThenReboot(ctx, st, t, f, res)
	}

	if err := o.runAction(ctx, t.Action, f); err != nil {
		actErr := &machine.ActionError{Action: t.Action, Err: err}
		res.Outcome = machine.OutcomeFailure
		res.Detail = actErr.Error()
		o.record(ctx, st, t, f, res)
		return res, actErr
	}

	if t.Action.Kind != machine.ActionNone {
		f = o.collect(ctx)
	}
	if err := t.Postcondition(f); err != nil {
		actErr := &machine.ActionError{Action: t.Action, Unverified: true, Err: err}
		res.Outcome = machine.OutcomeUnverified
		res.Detail = actErr.Error()
		o.record(ctx, st, t, f, res)
		return res, actErr
	}

	res.Outcome = machine.OutcomeSuccess
	st.CurrentPhase = t.To
	o.record(ctx, st, t, f, res)
	log.Printf("INFO: orchestrator: %s -> %s (%s)", t.From, t.To, res.Outcome)
	return res, nil
}

// RollbackResult pairs the executor's result with the group that was chosen.
type RollbackResult = rollback.Result

// Rollback selects a checkpoint group per the criterion and restores it.
func (o *Orchestrator) Rollback(ctx context.Context, c rollback.Criterion) (RollbackResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := o.loadOrInit(); err != nil {
		return RollbackResult{}, err
	}
	group, err := o.selector.Select(ctx, c)
	if err != nil {
		return RollbackResult{}, err
	}
	return o.executor.Execute(ctx, group)
}

// Candidates lists the groups a rollback could restore, newest first.
func (o *Orchestrator) Candidates(ctx context.Context) ([]checkpoint.Group, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.selector.Candidates(ctx)
}

// Checkpoints lists every checkpoint group, including inconsistent ones and
// rollback safety captures.
func (o *Orchestrator) Checkpoints(ctx context.Context) ([]checkpoint.Group, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opts.Checkpoints.List(ctx)
}

// DestroyCheckpoint removes the group identified by ref.
func (o *Orchestrator) DestroyCheckpoint(ctx context.Context, ref checkpoint.GroupRef, force bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	groups, err := o.opts.Checkpoints.List(ctx)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if ref.Matches(g) {
			return o.opts.Checkpoints.Destroy(ctx, g, force)
		}
	}
	return fmt.Errorf("orchestrator: no checkpoint group %q at %s", ref.Label, ref.CreatedAt.Format(time.RFC3339))
}

// commitThenReboot makes the phase advance durable, then asks for the
// reboot. If the request itself is refused the advance is undone.
func (o *Orchestrator) commitThenReboot(ctx context.Context, st *record.MigrationState, t machine.Transition, f facts.SystemFacts, res StepResult) (StepResult, error) {
	prior := st.CurrentPhase
	res.Outcome = machine.OutcomeSuccess
	st.CurrentPhase = t.To
	o.record(ctx, st, t, f, res)

	if err := o.opts.Rebooter.Reboot(ctx); err != nil {
		st.CurrentPhase = prior
		st.Append(record.HistoryEntry{
			From:    t.To,
			To:      prior,
			Action:  "reboot_revert",
			Outcome: machine.OutcomeFailure,
			Detail:  err.Error(),
			Facts:   f,
		})
		if saveErr := o.save(st); saveErr != nil {
			log.Printf("WARN: orchestrator: reverting reboot advance failed: %v", saveErr)
		}
		res.Outcome = machine.OutcomeFailure
		res.Detail = err.Error()
		return res, &machine.ActionError{Action: t.Action, Err: err}
	}
	return res, nil
}

func (o *Orchestrator) runAction(ctx context.Context, a machine.Action, f facts.SystemFacts) error {
	switch a.Kind {
	case machine.ActionNone:
		return nil
	case machine.ActionUpgradePackages:
		return o.opts.Packages.Upgrade(ctx, a.Target)
	case machine.ActionMigrateInitSystem:
		return o.opts.InitImages.Migrate(ctx, f.KernelRelease)
	case machine.ActionSyncBootConfig:
		return o.opts.BootConfig.Sync(ctx)
	default:
		return fmt.Errorf("orchestrator: unhandled action %q", a.Kind)
	}
}

// record appends a history entry for the attempt and persists everything.
// Persistence failures after a successful action are logged and surfaced
// through health rather than undoing the action.
func (o *Orchestrator) record(ctx context.Context, st *record.MigrationState, t machine.Transition, f facts.SystemFacts, res StepResult) {
	entry := record.HistoryEntry{
		From:    t.From,
		To:      t.To,
		Action:  string(t.Action.Kind),
		Target:  t.Action.Target,
		Outcome: res.Outcome,
		Detail:  res.Detail,
		Facts:   f,
	}
	st.Append(entry)
	if err := o.save(st); err != nil {
		log.Printf("WARN: orchestrator: persisting transition %s -> %s failed: %v", t.From, t.To, err)
	}
	if o.opts.Journal != nil {
		if err := o.opts.Journal.Append(ctx, st.RunID, entry); err != nil {
			o.setHealth(health.ComponentJournal, health.LevelWarn, err.Error())
			log.Printf("WARN: orchestrator: journal append failed: %v", err)
		} else {
			o.setHealth(health.ComponentJournal, health.LevelOK, "journal up to date")
		}
	}
	if o.opts.Events != nil {
		o.opts.Events.Publish(events.Event{Topic: events.TopicPhaseChanged, Payload: events.PhaseChanged{
			RunID:   st.RunID,
			From:    t.From.String(),
			To:      t.To.String(),
			Outcome: string(res.Outcome),
			At:      time.Now().UTC(),
		}})
	}
}

// loadOrInit loads the persisted record, creating a fresh one on first run.
// A record written for a different plan is rejected rather than silently
// reinterpreted.
func (o *Orchestrator) loadOrInit() (*record.MigrationState, error) {
	st, err := o.opts.State.Load()
	if errors.Is(err, record.ErrNotFound) {
		st = record.NewMigrationState(o.opts.Machine.Plan())
		if err := o.save(st); err != nil {
			return nil, err
		}
		log.Printf("INFO: orchestrator: started run %s", st.RunID)
		return st, nil
	}
	if err != nil {
		o.setHealth(health.ComponentStateStore, health.LevelError, err.Error())
		return nil, err
	}
	if !planEqual(st.Plan, o.opts.Machine.Plan()) {
		return nil, fmt.Errorf("orchestrator: persisted record is for plan %v, configured plan is %v", st.Plan, o.opts.Machine.Plan())
	}
	return st, nil
}

func (o *Orchestrator) save(st *record.MigrationState) error {
	if err := o.opts.State.Save(st); err != nil {
		o.setHealth(health.ComponentStateStore, health.LevelError, err.Error())
		return err
	}
	o.setHealth(health.ComponentStateStore, health.LevelOK, "record persisted")
	return nil
}

func (o *Orchestrator) collect(ctx context.Context) facts.SystemFacts {
	f := o.opts.Facts.Collect(ctx)
	switch f.Pool {
	case facts.PoolHealthy:
		o.setHealth(health.ComponentPool, health.LevelOK, "pool online")
	case facts.PoolDegraded:
		o.setHealth(health.ComponentPool, health.LevelWarn, "pool degraded")
	default:
		o.setHealth(health.ComponentPool, health.LevelError, "pool "+string(f.Pool))
	}
	if o.opts.Events != nil {
		o.opts.Events.Publish(events.Event{Topic: events.TopicPoolHealth, Payload: events.PoolHealth{
			Pool:   f.PoolName,
			Health: string(f.Pool),
			At:     f.CollectedAt,
		}})
	}
	return f
}

func (o *Orchestrator) setHealth(name string, level health.Level, msg string) {
	if o.opts.Health != nil {
		o.opts.Health.Setf(name, level, msg)
	}
}

func (o *Orchestrator) detectInput(st *record.MigrationState) phase.DetectInput {
	return phase.DetectInput{
		CurrentPhase: st.CurrentPhase,
		StartRelease: st.Plan.StartRelease,
		StepReleases: st.Plan.StepReleases,
	}
}

func planEqual(a, b machine.Plan) bool {
	if a.StartRelease != b.StartRelease || len(a.StepReleases) != len(b.StepReleases) {
		return false
	}
	for i := range a.StepReleases {
		if a.StepReleases[i] != b.StepReleases[i] {
			return false
		}
	}
	return true
}
