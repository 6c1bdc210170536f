package engine

import "github.com/marcoallegretti/karapace/pkg/types"

// ValidateTransition enforces the environment state machine:
//
//	Defined → Built
//	Built ↔ Running
//	Built → Frozen
//	Built, Frozen → Archived
//
// Built → Built is additionally permitted so rebuilding an unchanged
// manifest is idempotent. Destroy is not a transition; it is guarded
// separately and valid from any non-running state.
func ValidateTransition(from, to types.EnvState) error {
	valid := false
	switch to {
	case types.EnvStateBuilt:
		valid = from == types.EnvStateDefined ||
			from == types.EnvStateBuilt ||
			from == types.EnvStateRunning
	case types.EnvStateRunning:
		valid = from == types.EnvStateBuilt
	case types.EnvStateFrozen:
		valid = from == types.EnvStateBuilt
	case types.EnvStateArchived:
		valid = from == types.EnvStateBuilt || from == types.EnvStateFrozen
	}

	if !valid {
		return &InvalidTransitionError{From: string(from), To: string(to)}
	}
	return nil
}
