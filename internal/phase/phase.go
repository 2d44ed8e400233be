package phase

import (
	"encoding/json"
	"fmt"
)

// Phase is one position in the migration state machine. The order of the
// declarations is the order of the forward path; RolledBack is terminal and
// sits outside the linear progression.
type Phase uint8

const (
	NotStarted Phase = iota
	PreflightVerified
	Checkpointed
	PackagesUpgraded
	RebootedStep1
	RebootedStep2
	InitSystemMigrated
	BootConfigSynced
	Validated
	Complete
	RolledBack
)

var phaseToString = map[Phase]string{
	NotStarted:         "not_started",
	PreflightVerified:  "preflight_verified",
	Checkpointed:       "checkpointed",
	PackagesUpgraded:   "packages_upgraded",
	RebootedStep1:      "rebooted_step1",
	RebootedStep2:      "rebooted_step2",
	InitSystemMigrated: "init_system_migrated",
	BootConfigSynced:   "boot_config_synced",
	Validated:          "validated",
	Complete:           "complete",
	RolledBack:         "rolled_back",
}

var phaseFromString = func() map[string]Phase {
	m := make(map[string]Phase, len(phaseToString))
	for p, s := range phaseToString {
		m[s] = p
	}
	return m
}()

// String returns the token representation of the phase.
func (p Phase) String() string {
	if s, ok := phaseToString[p]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", uint8(p))
}

// Parse resolves a phase token. Unknown tokens are an error so a corrupted
// record is caught at load time rather than silently treated as NotStarted.
func Parse(s string) (Phase, error) {
	if p, ok := phaseFromString[s]; ok {
		return p, nil
	}
	return NotStarted, fmt.Errorf("phase: unknown phase %q", s)
}

// MarshalJSON converts the phase to its token.
func (p Phase) MarshalJSON() ([]byte, error) {
	s, ok := phaseToString[p]
	if !ok {
		return nil, fmt.Errorf("phase: cannot marshal unknown phase %d", uint8(p))
	}
	return json.Marshal(s)
}

// UnmarshalJSON resolves the phase from its token.
func (p *Phase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Terminal reports whether the migration can advance no further.
func (p Phase) Terminal() bool { return p == Complete || p == RolledBack }

// Before reports whether p precedes other on the forward path. Terminal
// phases precede nothing.
func (p Phase) Before(other Phase) bool {
	if p == RolledBack || other == RolledBack {
		return false
	}
	return p < other
}
