// Package autonomy maps a workspace's autonomy mode to the tools the agent
// may be offered and the behavioural instruction it is given. All functions
// are pure.
package autonomy

import (
	"slices"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/domain"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/tools"
)

// ConfirmationNotice is appended to proposing tools' descriptions in
// ORGANIZE mode.
const ConfirmationNotice = " The owner must confirm this before it takes effect; tell the customer it is pending confirmation."

const (
	executeInstruction = "MODE: EXECUTE (full autonomy). You may create jobs, schedule bookings, send messages and quote from the pricing glossary without asking the owner first. Stay within working hours and approved pricing."

	organizeInstruction = "MODE: ORGANIZE (liaison). You may gather details, check availability and draft bookings, but every booking, quote or outbound message requires the owner's confirmation. Tell the customer you will confirm with the owner and get back to them."

	receptionistInstruction = "MODE: RECEPTIONIST (receptionist only). Do not book, schedule, quote prices or send messages. Take the customer's name, contact details and a description of the job, record them, and tell the customer that someone will be in touch shortly."
)

// Permits reports whether mode allows def to be offered and executed.
func Permits(mode domain.AutonomyMode, def tools.Definition) bool {
	switch mode {
	case domain.ModeExecute:
		return true
	case domain.ModeOrganize:
		return !def.CommitsResource
	default:
		return !def.CommitsResource && def.InformationalOnly
	}
}

// FilterTools returns the tools mode allows, in input order. Under EXECUTE
// the result equals the input. Under ORGANIZE, proposing tools carry the
// owner-confirmation notice in their description. Unknown modes are
// treated as RECEPTIONIST.
func FilterTools(mode domain.AutonomyMode, defs []tools.Definition) []tools.Definition {
	if mode == domain.ModeExecute {
		return slices.Clone(defs)
	}
	var out []tools.Definition
	for _, d := range defs {
		if !Permits(mode, d) {
			continue
		}
		if mode == domain.ModeOrganize && d.Proposes {
			d.Description += ConfirmationNotice
		}
		out = append(out, d)
	}
	return out
}

// PermittedNames lists the names of defs.
func PermittedNames(defs []tools.Definition) []tools.Name {
	out := make([]tools.Name, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.Name)
	}
	return out
}

// ModeInstruction is the system-prompt paragraph for mode.
func ModeInstruction(mode domain.AutonomyMode) string {
	switch mode {
	case domain.ModeExecute:
		return executeInstruction
	case domain.ModeOrganize:
		return organizeInstruction
	default:
		return receptionistInstruction
	}
}

// RequiresHandoff reports whether replies in mode must promise a human
// follow-up.
func RequiresHandoff(mode domain.AutonomyMode) bool {
	return mode != domain.ModeExecute && mode != domain.ModeOrganize
}
