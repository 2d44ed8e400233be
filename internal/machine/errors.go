package machine

import (
	"fmt"

	"zmigrated/internal/phase"
)

// Outcome is the disposition of a step or rollback. Unverified is distinct
// from both success and failure: the action reported success but the facts
// disagree, and a front end must never treat it as done.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeUnverified Outcome = "unverified"
	OutcomeFailure    Outcome = "failure"
)

// PreconditionError means a phase's entry condition is unmet. The operation
// aborts with no state change.
type PreconditionError struct {
	Phase  phase.Phase
	Reason string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("machine: precondition for leaving %s unmet: %s", e.Phase, e.Reason)
}

// ActionError means an external collaborator failed. With Unverified set,
// the collaborator reported success but the re-collected facts contradict it.
type ActionError struct {
	Action     Action
	Unverified bool
	Err        error
}

func (e *ActionError) Error() string {
	if e.Unverified {
		return fmt.Sprintf("machine: action %s reported success but facts disagree: %v", e.Action.Kind, e.Err)
	}
	return fmt.Sprintf("machine: action %s failed: %v", e.Action.Kind, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// TerminalError means Advance was called on a phase with no outgoing edges.
type TerminalError struct {
	Phase phase.Phase
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("machine: %s is terminal", e.Phase)
}
