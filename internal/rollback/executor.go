package rollback

import (
	"context"
	"fmt"
	"log"
	"time"

	"zmigrated/internal/checkpoint"
	"zmigrated/internal/events"
	"zmigrated/internal/facts"
	"zmigrated/internal/machine"
	"zmigrated/internal/phase"
	"zmigrated/internal/record"
)

// FactSource re-collects system facts after a restore so the executor can
// verify the system actually landed where the checkpoint says it should.
type FactSource interface {
	Collect(ctx context.Context) facts.SystemFacts
}

// Result describes a completed rollback attempt. Outcome distinguishes a
// verified restore from one whose post-restore facts did not match the
// release the checkpoint was taken on.
//
// SafetyGroup is the checkpoint captured immediately before the restore. A
// recursive rollback discards every snapshot newer than its target, so on a
// completed restore the safety capture is consumed along with the state it
// guarded; it outlives the attempt only when the restore aborts before
// reaching its units. SafetyRetained reports what actually happened.
type Result struct {
	Outcome        machine.Outcome           `json:"outcome"`
	Group          checkpoint.GroupRef       `json:"group"`
	SafetyGroup    checkpoint.GroupRef       `json:"safety_group"`
	SafetyRetained bool                      `json:"safety_retained"`
	RestoredPhase  phase.Phase               `json:"restored_phase"`
	Report         checkpoint.RollbackReport `json:"report"`
	Detail         string                    `json:"detail,omitempty"`
}

// Options configures an Executor. Store, Facts, Machine, and State are
// required; Journal and Events are optional.
type Options struct {
	Store   checkpoint.Store
	Facts   FactSource
	Machine *machine.Machine
	State   *record.Store
	Journal *record.Journal
	Events  *events.Bus
}

// Executor restores a checkpoint group and records the result. The restore
// itself is never interrupted by context cancellation: a half-rolled-back
// system is worse than a slow one.
type Executor struct {
	opts Options
}

func NewExecutor(opts Options) (*Executor, error) {
	if opts.Store == nil || opts.Facts == nil || opts.Machine == nil || opts.State == nil {
		return nil, fmt.Errorf("rollback: store, facts, machine, and state are all required")
	}
	return &Executor{opts: opts}, nil
}

// Execute rolls the system back to group. It first captures a safety
// checkpoint of the current (possibly broken) state; if that capture fails
// the rollback is aborted before anything is touched. The safety capture
// guards the window up to the restore: should the restore abort partway,
// units it never reached still hold their pre-rollback snapshot. The
// restore itself discards snapshots newer than its target, so a completed
// restore consumes the safety capture with the rest of the abandoned state.
func (e *Executor) Execute(ctx context.Context, group checkpoint.Group) (Result, error) {
	if !group.Consistent {
		return Result{Outcome: machine.OutcomeFailure}, fmt.Errorf("%w: %q", ErrInconsistentGroup, group.Label)
	}

	restoredPhase, wantRelease, ok := e.opts.Machine.PhaseForLabel(group.Label)
	if !ok {
		return Result{Outcome: machine.OutcomeFailure}, fmt.Errorf("rollback: label %q does not map to a phase boundary", group.Label)
	}

	log.Printf("INFO: rollback: capturing safety checkpoint before restoring %q", group.Label)
	dctx := context.WithoutCancel(ctx)
	safety, err := e.opts.Store.Create(dctx, checkpoint.LabelPrefixRollbackSafety)
	if err != nil {
		return Result{Outcome: machine.OutcomeFailure}, fmt.Errorf("rollback aborted, safety checkpoint failed: %w", err)
	}

	report, err := e.opts.Store.RollbackGroup(dctx, group)
	if err != nil {
		return Result{
			Outcome:        machine.OutcomeFailure,
			Group:          group.Ref(),
			SafetyGroup:    safety.Ref(),
			SafetyRetained: e.safetyRetained(dctx, safety.Ref()),
			Report:         report,
		}, err
	}

	res := Result{
		Outcome:       machine.OutcomeSuccess,
		Group:         group.Ref(),
		SafetyGroup:   safety.Ref(),
		RestoredPhase: restoredPhase,
		Report:        report,
	}
	res.SafetyRetained = e.safetyRetained(dctx, safety.Ref())

	f := e.opts.Facts.Collect(dctx)
	if f.ReleaseID != wantRelease {
		res.Outcome = machine.OutcomeUnverified
		res.Detail = fmt.Sprintf("restored group was taken on release %q but system reports %q", wantRelease, f.ReleaseID)
		log.Printf("WARN: rollback: %s", res.Detail)
	}

	if err := e.record(dctx, res, f); err != nil {
		return res, err
	}
	if e.opts.Events != nil {
		rolled := make([]string, 0, len(report.RolledBack))
		for _, u := range report.RolledBack {
			rolled = append(rolled, u.Path)
		}
		e.opts.Events.Publish(events.Event{Topic: events.TopicRollbackCompleted, Payload: events.RollbackCompleted{
			Label:      group.Label,
			Outcome:    string(res.Outcome),
			RolledBack: rolled,
			At:         time.Now().UTC(),
		}})
	}
	log.Printf("INFO: rollback: restored %q, outcome %s", group.Label, res.Outcome)
	return res, nil
}

// safetyRetained reports whether the safety capture survived the restore.
func (e *Executor) safetyRetained(ctx context.Context, ref checkpoint.GroupRef) bool {
	groups, err := e.opts.Store.List(ctx)
	if err != nil {
		log.Printf("WARN: rollback: listing groups after restore failed: %v", err)
		return false
	}
	for _, g := range groups {
		if ref.Matches(g) {
			return true
		}
	}
	return false
}

// record updates the persisted migration state with the rollback outcome.
// A verified restore resets the current phase to the boundary the group was
// taken at; an unverified one leaves the phase alone for the operator to
// inspect, recording only the history entry.
func (e *Executor) record(ctx context.Context, res Result, f facts.SystemFacts) error {
	st, err := e.opts.State.Load()
	if err != nil {
		return fmt.Errorf("rollback succeeded but state update failed: %w", err)
	}
	entry := record.HistoryEntry{
		At:      time.Now().UTC(),
		From:    st.CurrentPhase,
		To:      phase.RolledBack,
		Action:  "rollback",
		Target:  res.Group.Label,
		Outcome: res.Outcome,
		Detail:  res.Detail,
		Facts:   f,
	}
	if res.Outcome == machine.OutcomeSuccess {
		st.CurrentPhase = res.RestoredPhase
	}
	// The restored group's own snapshots survive the rollback and describe
	// the state the system now sits at; the safety capture usually does not,
	// and a reference to a destroyed group would dangle.
	if res.SafetyRetained {
		st.LastCheckpointGroup = &res.SafetyGroup
	} else {
		st.LastCheckpointGroup = &res.Group
	}
	st.Append(entry)
	if err := e.opts.State.Save(st); err != nil {
		return fmt.Errorf("rollback succeeded but state update failed: %w", err)
	}
	if e.opts.Journal != nil {
		if err := e.opts.Journal.Append(ctx, st.RunID, entry); err != nil {
			log.Printf("WARN: rollback: journal append failed: %v", err)
		}
	}
	return nil
}
