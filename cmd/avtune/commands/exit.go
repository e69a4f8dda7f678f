package commands

import (
	"errors"
	"strconv"

	"github.com/avtune/avtune/pkg/engine"
)

// Process exit codes.
const (
	ExitOK            = 0
	ExitGeneric       = 1
	ExitUsage         = 2
	ExitNotFound      = 3
	ExitConnectivity  = 4
	ExitStateWrite    = 5
	ExitSessionFailed = 6
	ExitPolicyDenied  = 7
	ExitBusy          = 8
)

// ExitError carries an explicit exit code out of a command.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return e.Message + ": " + e.Err.Error()
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return "exit status " + strconv.Itoa(e.Code)
	}
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func usageError(err error) error {
	if err == nil {
		return nil
	}
	return &ExitError{Code: ExitUsage, Err: err}
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	switch engine.CodeOf(err) {
	case engine.ErrCodeDeviceNotFound, engine.ErrCodeRecipeNotFound, engine.ErrCodeProfileNotFound:
		return ExitNotFound
	case engine.ErrCodeConnectivity:
		return ExitConnectivity
	case engine.ErrCodeStateWrite:
		return ExitStateWrite
	case engine.ErrCodePolicyDenied:
		return ExitPolicyDenied
	case engine.ErrCodeSessionLocked:
		return ExitBusy
	default:
		return ExitGeneric
	}
}
