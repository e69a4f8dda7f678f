package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/avtune/avtune/pkg/engine"
)

var validate = validator.New()

// Scalar accepts a string, number or bool param and keeps its text form.
type Scalar string

// UnmarshalJSON implements json.Unmarshaler.
func (s *Scalar) UnmarshalJSON(b []byte) error {
	switch {
	case string(b) == "null":
		*s = ""
	case len(b) > 0 && b[0] == '"':
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*s = Scalar(str)
	default:
		*s = Scalar(b)
	}
	return nil
}

func (s Scalar) String() string { return string(s) }

// decodeParams copies spec params into a typed struct and validates its tags.
func decodeParams(spec *engine.ActionSpec, out any) error {
	raw, err := json.Marshal(spec.Params)
	if err != nil {
		return engine.NewValidationError(fmt.Sprintf("%s params", spec.Module), err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return engine.NewValidationError(fmt.Sprintf("%s params", spec.Module), err)
	}
	if err := validate.Struct(out); err != nil {
		return engine.NewValidationError(fmt.Sprintf("%s params", spec.Module), err)
	}
	return nil
}

// probe runs a read-only command. A transport failure yields an Indeterminate verification.
func probe(ctx context.Context, cmd engine.Commander, command string) (*engine.ExecResult, *engine.Verification) {
	res, err := cmd.Run(ctx, command)
	if err != nil {
		v := engine.Indeterminate(fmt.Sprintf("probe failed: %v", err))
		return nil, &v
	}
	return res, nil
}

// run executes a mutating command; a non-zero exit is an error.
func run(ctx context.Context, cmd engine.Commander, command string) (*engine.ExecResult, error) {
	res, err := cmd.Run(ctx, command)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return res, exitError(command, res)
	}
	return res, nil
}

func exitError(command string, res *engine.ExecResult) error {
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(res.Stdout)
	}
	name := command
	if f := strings.Fields(command); len(f) > 0 {
		name = f[0]
	}
	if msg == "" {
		return fmt.Errorf("%s: exit status %d", name, res.ExitCode)
	}
	return fmt.Errorf("%s: exit status %d: %s", name, res.ExitCode, msg)
}

func invalidParams(err error) engine.Verification {
	return engine.Indeterminate(err.Error())
}

func optimization(key, value string) engine.StateChange {
	return engine.StateChange{Kind: engine.ChangeOptimization, Key: key, Value: value}
}

func sh(s string) string { return engine.ShellQuote(s) }

func ps(s string) string { return engine.PowerShellQuote(s) }

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
