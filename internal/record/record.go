package record

import (
	"time"

	"github.com/google/uuid"

	"zmigrated/internal/checkpoint"
	"zmigrated/internal/facts"
	"zmigrated/internal/machine"
	"zmigrated/internal/phase"
)

// SchemaVersion tags the persisted record so future layouts can migrate it
// forward on load.
const SchemaVersion = 1

// HistoryEntry is one phase-transition attempt with enough detail to
// reconstruct the decision later: the phase pair, the action, the outcome,
// and the facts snapshot that informed it.
type HistoryEntry struct {
	At      time.Time         `json:"at"`
	From    phase.Phase       `json:"from"`
	To      phase.Phase       `json:"to"`
	Action  string            `json:"action,omitempty"`
	Target  string            `json:"target,omitempty"`
	Outcome machine.Outcome   `json:"outcome"`
	Detail  string            `json:"detail,omitempty"`
	Facts   facts.SystemFacts `json:"facts"`
}

// MigrationState is the process-wide, durable record of one migration
// attempt. It is created on first run, updated at every transition
// boundary, and never deleted automatically: it is the audit trail and the
// crash-recovery anchor.
type MigrationState struct {
	SchemaVersion int          `json:"schema_version"`
	RunID         string       `json:"run_id"`
	Plan          machine.Plan `json:"plan"`

	CurrentPhase        phase.Phase          `json:"current_phase"`
	LastCheckpointGroup *checkpoint.GroupRef `json:"last_checkpoint_group,omitempty"`
	History             []HistoryEntry       `json:"history"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewMigrationState starts a fresh attempt for the given plan.
func NewMigrationState(plan machine.Plan) *MigrationState {
	now := time.Now().UTC()
	return &MigrationState{
		SchemaVersion: SchemaVersion,
		RunID:         uuid.NewString(),
		Plan:          plan,
		CurrentPhase:  phase.NotStarted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Append records a transition attempt and bumps the update timestamp.
func (s *MigrationState) Append(entry HistoryEntry) {
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	s.History = append(s.History, entry)
	s.UpdatedAt = entry.At
}

// References reports whether the record still points at the given group.
func (s *MigrationState) References(ref checkpoint.GroupRef) bool {
	return s.LastCheckpointGroup != nil && *s.LastCheckpointGroup == ref
}
