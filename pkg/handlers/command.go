package handlers

import (
	"context"
	"strings"

	"github.com/avtune/avtune/pkg/engine"
)

// CommandParams are the params of the command module.
type CommandParams struct {
	// Apply is the command that makes the change.
	Apply string `json:"apply" validate:"required"`

	// Check prints the current value; verify then compares it with Target.
	Check string `json:"check"`

	Target Scalar `json:"target"`

	// Key records the change in device state under this optimization key.
	Key string `json:"key"`
}

// CommandHandler runs arbitrary commands. Without a check command, the spec's
// verify field is itself a shell probe: exit 0 means satisfied.
type CommandHandler struct{}

// Verify implements engine.Handler.
func (h *CommandHandler) Verify(ctx context.Context, cmd engine.Commander, spec *engine.ActionSpec) engine.Verification {
	var p CommandParams
	if err := decodeParams(spec, &p); err != nil {
		return invalidParams(err)
	}

	switch {
	case p.Check != "":
		res, v := probe(ctx, cmd, p.Check)
		if v != nil {
			return *v
		}
		current := strings.TrimSpace(res.Stdout)
		if spec.Verify == "" && p.Target == "" {
			if res.OK() {
				return engine.Satisfied(current)
			}
			return engine.Unsatisfied(current, exitError(p.Check, res).Error())
		}
		return judge(spec, current, p.Target.String(), res)

	case spec.Verify != "":
		res, v := probe(ctx, cmd, spec.Verify)
		if v != nil {
			return *v
		}
		if res.OK() {
			return engine.Satisfied(strings.TrimSpace(res.Stdout))
		}
		return engine.Unsatisfied(strings.TrimSpace(res.Stdout), exitError(spec.Verify, res).Error())

	default:
		return engine.Indeterminate("no probe configured")
	}
}

// Apply implements engine.Handler.
func (h *CommandHandler) Apply(ctx context.Context, cmd engine.Commander, spec *engine.ActionSpec) (*engine.ApplyResult, error) {
	var p CommandParams
	if err := decodeParams(spec, &p); err != nil {
		return nil, err
	}

	res, err := run(ctx, cmd, p.Apply)
	if err != nil {
		return &engine.ApplyResult{Output: res.Combined()}, err
	}

	result := &engine.ApplyResult{Output: strings.TrimSpace(res.Stdout)}
	if p.Key != "" {
		value := p.Target.String()
		if value == "" {
			value = "applied"
		}
		result.Changes = []engine.StateChange{optimization(p.Key, value)}
	}
	return result, nil
}
