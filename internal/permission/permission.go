// Package permission defines the permission ladder shared by the skills loop,
// the delta governor, and subagent delegation.
package permission

import "fmt"

// Mode is a permission level for a run or subagent session.
//
// Modes form a strict ladder: Plan < AcceptEdits < BypassPermissions.
// Plan is read-only; AcceptEdits allows playbook mutation; BypassPermissions
// additionally skips interactive confirmation in outer tooling.
type Mode string

const (
	// ModePlan is read-only. Governor mutations are denied.
	ModePlan Mode = "plan"

	// ModeAcceptEdits allows playbook mutation through the governor.
	ModeAcceptEdits Mode = "acceptEdits"

	// ModeBypassPermissions allows mutation without interactive confirmation.
	ModeBypassPermissions Mode = "bypassPermissions"
)

// rank orders modes on the ladder. Unknown modes rank below Plan.
func (m Mode) rank() int {
	switch m {
	case ModePlan:
		return 1
	case ModeAcceptEdits:
		return 2
	case ModeBypassPermissions:
		return 3
	default:
		return 0
	}
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m.rank() > 0
}

// CanMutate reports whether the mode permits knowledge-base mutation.
func (m Mode) CanMutate() bool {
	return m.rank() >= ModeAcceptEdits.rank()
}

// Exceeds reports whether m grants more than parent. Used to reject
// permission escalation on delegation.
func (m Mode) Exceeds(parent Mode) bool {
	return m.rank() > parent.rank()
}

// Parse converts a string to a Mode, rejecting unknown values.
func Parse(s string) (Mode, error) {
	m := Mode(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown permission mode: %q", s)
	}
	return m, nil
}
