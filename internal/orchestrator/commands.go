package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"zmigrated/internal/checkpoint"
	"zmigrated/internal/events"
	"zmigrated/internal/rollback"
	"zmigrated/internal/runtime/commands"
)

// Command names routed through the dispatcher.
const (
	CmdStatus            = "migration.status"
	CmdPlan              = "migration.plan"
	CmdStep              = "migration.step"
	CmdRollback          = "migration.rollback"
	CmdCandidates        = "migration.rollback.candidates"
	CmdCheckpoints       = "migration.checkpoints"
	CmdDestroyCheckpoint = "migration.checkpoints.destroy"
)

// StatusCommand requests the current migration status.
type StatusCommand struct{}

func (StatusCommand) Name() string { return CmdStatus }

// PlanCommand previews the next transition without executing it.
type PlanCommand struct{}

func (PlanCommand) Name() string { return CmdPlan }

// StepCommand requests exactly one phase transition.
type StepCommand struct{}

func (StepCommand) Name() string { return CmdStep }

// RollbackCommand requests a rollback to a selected checkpoint group.
type RollbackCommand struct {
	Criterion rollback.Criterion
}

func (RollbackCommand) Name() string { return CmdRollback }

// CandidatesCommand lists restorable checkpoint groups, newest first.
type CandidatesCommand struct{}

func (CandidatesCommand) Name() string { return CmdCandidates }

// CheckpointsCommand lists all checkpoint groups.
type CheckpointsCommand struct{}

func (CheckpointsCommand) Name() string { return CmdCheckpoints }

// DestroyCheckpointCommand removes one checkpoint group.
type DestroyCheckpointCommand struct {
	Ref   checkpoint.GroupRef
	Force bool
}

func (DestroyCheckpointCommand) Name() string { return CmdDestroyCheckpoint }

// RegisterCommands wires the orchestrator's operations into a dispatcher so
// transports stay decoupled from orchestration.
func (o *Orchestrator) RegisterCommands(d *commands.Dispatcher) {
	d.Register(CmdStatus, commands.HandlerFunc(func(ctx context.Context, cmd commands.Command) (commands.Response, error) {
		return o.Status(ctx)
	}))
	d.Register(CmdPlan, commands.HandlerFunc(func(ctx context.Context, cmd commands.Command) (commands.Response, error) {
		return o.Plan(ctx)
	}))
	d.Register(CmdStep, commands.HandlerFunc(func(ctx context.Context, cmd commands.Command) (commands.Response, error) {
		res, err := o.Step(ctx)
		if err != nil {
			// The result still carries the failed transition for callers
			// that render partial outcomes.
			return res, err
		}
		return res, nil
	}))
	d.Register(CmdRollback, commands.HandlerFunc(func(ctx context.Context, cmd commands.Command) (commands.Response, error) {
		rc, ok := cmd.(RollbackCommand)
		if !ok {
			return nil, fmt.Errorf("orchestrator: %s expects RollbackCommand", CmdRollback)
		}
		return o.Rollback(ctx, rc.Criterion)
	}))
	d.Register(CmdCandidates, commands.HandlerFunc(func(ctx context.Context, cmd commands.Command) (commands.Response, error) {
		return o.Candidates(ctx)
	}))
	d.Register(CmdCheckpoints, commands.HandlerFunc(func(ctx context.Context, cmd commands.Command) (commands.Response, error) {
		return o.Checkpoints(ctx)
	}))
	d.Register(CmdDestroyCheckpoint, commands.HandlerFunc(func(ctx context.Context, cmd commands.Command) (commands.Response, error) {
		dc, ok := cmd.(DestroyCheckpointCommand)
		if !ok {
			return nil, fmt.Errorf("orchestrator: %s expects DestroyCheckpointCommand", CmdDestroyCheckpoint)
		}
		return nil, o.DestroyCheckpoint(ctx, dc.Ref, dc.Force)
	}))
}

// AuditMiddleware logs every dispatched command and mirrors it onto the
// event bus for subscribers that keep an operator-visible trail.
func AuditMiddleware(bus *events.Bus) commands.Middleware {
	return func(ctx context.Context, cmd commands.Command, next commands.Handler) (commands.Response, error) {
		start := time.Now()
		resp, err := next.Handle(ctx, cmd)
		if err != nil {
			log.Printf("WARN: command %s failed after %s: %v", cmd.Name(), time.Since(start).Round(time.Millisecond), err)
		} else {
			log.Printf("INFO: command %s completed in %s", cmd.Name(), time.Since(start).Round(time.Millisecond))
		}
		if bus != nil {
			bus.Publish(events.Event{Topic: events.TopicAudit, Payload: events.AuditEvent{
				Kind:   cmd.Name(),
				Time:   time.Now().UTC(),
				Source: "dispatcher",
				Metadata: map[string]any{
					"duration_ms": time.Since(start).Milliseconds(),
					"error":       err != nil,
				},
			}})
		}
		return resp, err
	}
}
