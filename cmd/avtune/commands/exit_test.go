package commands

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/avtune/avtune/pkg/engine"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"plain", errors.New("boom"), ExitGeneric},
		{"usage", usageError(errors.New("accepts 2 arg(s)")), ExitUsage},
		{"device not found", engine.NewDeviceNotFoundError("ghost.lan"), ExitNotFound},
		{"recipe not found", engine.NewRecipeNotFoundError("nope", nil), ExitNotFound},
		{"profile not found", engine.NewProfileNotFoundError("nope", nil), ExitNotFound},
		{"connectivity", engine.NewConnectivityError("foh.lan", errors.New("timeout")), ExitConnectivity},
		{"state write", engine.NewStateWriteError("foh.lan", errors.New("disk full")), ExitStateWrite},
		{"policy", engine.NewPolicyDeniedError("foh.lan", []string{"show day freeze"}), ExitPolicyDenied},
		{"locked", engine.NewSessionLockedError("foh.lan", "pid 42"), ExitBusy},
		{"wrapped", fmt.Errorf("run: %w", engine.NewSessionLockedError("foh.lan", "pid 42")), ExitBusy},
		{"validation", engine.NewValidationError("bad", nil), ExitGeneric},
		{"session", &ExitError{Code: ExitSessionFailed, Message: "session finished partial"}, ExitSessionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestExitError_Message(t *testing.T) {
	cause := errors.New("accepts 2 arg(s), received 1")

	assert.Equal(t, "accepts 2 arg(s), received 1", (&ExitError{Code: ExitUsage, Err: cause}).Error())
	assert.Equal(t, "bad input: accepts 2 arg(s), received 1", (&ExitError{Code: ExitUsage, Message: "bad input", Err: cause}).Error())
	assert.Equal(t, "exit status 6", (&ExitError{Code: ExitSessionFailed}).Error())
	assert.ErrorIs(t, &ExitError{Err: cause}, cause)
	assert.Nil(t, usageError(nil))
}
