package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/marcoallegretti/karapace/pkg/types"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		from  types.EnvState
		to    types.EnvState
		valid bool
	}{
		{types.EnvStateDefined, types.EnvStateBuilt, true},
		{types.EnvStateBuilt, types.EnvStateBuilt, true}, // idempotent rebuild
		{types.EnvStateBuilt, types.EnvStateRunning, true},
		{types.EnvStateRunning, types.EnvStateBuilt, true},
		{types.EnvStateBuilt, types.EnvStateFrozen, true},
		{types.EnvStateBuilt, types.EnvStateArchived, true},
		{types.EnvStateFrozen, types.EnvStateArchived, true},

		{types.EnvStateDefined, types.EnvStateRunning, false},
		{types.EnvStateDefined, types.EnvStateFrozen, false},
		{types.EnvStateDefined, types.EnvStateArchived, false},
		{types.EnvStateFrozen, types.EnvStateRunning, false},
		{types.EnvStateFrozen, types.EnvStateFrozen, false},
		{types.EnvStateArchived, types.EnvStateRunning, false},
		{types.EnvStateArchived, types.EnvStateArchived, false},
		{types.EnvStateArchived, types.EnvStateBuilt, false},
		{types.EnvStateRunning, types.EnvStateFrozen, false},
		{types.EnvStateRunning, types.EnvStateArchived, false},
		{types.EnvStateRunning, types.EnvStateRunning, false},
	}
	for _, tt := range tests {
		err := ValidateTransition(tt.from, tt.to)
		if tt.valid {
			assert.NoError(t, err, "%s -> %s", tt.from, tt.to)
		} else {
			assert.Error(t, err, "%s -> %s", tt.from, tt.to)
		}
	}
}
