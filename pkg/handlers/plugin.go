package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/avtune/avtune/pkg/engine"
)

// PluginPhase selects the plugin entry point.
type PluginPhase string

const (
	PluginPhaseVerify PluginPhase = "verify"
	PluginPhaseApply  PluginPhase = "apply"
)

// PluginRequest is sent to a plugin as JSON.
type PluginRequest struct {
	Phase  PluginPhase     `json:"phase"`
	OS     engine.OSFamily `json:"os"`
	Params map[string]any  `json:"params,omitempty"`
}

// PluginResponse is what a plugin returns. Plugins never touch the device:
// they describe the command to run and the host runs it.
type PluginResponse struct {
	// Command is the probe (verify) or the mutation (apply).
	Command string `json:"command,omitempty"`

	// Target is the value the probe output should match.
	Target string `json:"target,omitempty"`

	// Changes declares the state established by a successful apply.
	Changes []engine.StateChange `json:"changes,omitempty"`

	Error string `json:"error,omitempty"`
}

// PluginRunner evaluates one loaded plugin.
type PluginRunner interface {
	Call(ctx context.Context, req *PluginRequest) (*PluginResponse, error)
}

// PluginSource looks up plugins by name.
type PluginSource interface {
	Plugin(ctx context.Context, name string) (PluginRunner, error)
}

// PluginParams select the plugin; every other param is passed through.
type PluginParams struct {
	Plugin string `json:"plugin" validate:"required"`
}

// PluginHandler delegates verify and apply planning to WASM plugins.
type PluginHandler struct {
	Plugins PluginSource
}

// Verify implements engine.Handler.
func (h *PluginHandler) Verify(ctx context.Context, cmd engine.Commander, spec *engine.ActionSpec) engine.Verification {
	resp, err := h.call(ctx, cmd, spec, PluginPhaseVerify)
	if err != nil {
		return engine.Indeterminate(err.Error())
	}
	if resp.Command == "" {
		return engine.Indeterminate("plugin returned no probe")
	}

	res, v := probe(ctx, cmd, resp.Command)
	if v != nil {
		return *v
	}
	if resp.Target == "" && spec.Verify == "" {
		if res.OK() {
			return engine.Satisfied(strings.TrimSpace(res.Stdout))
		}
		return engine.Unsatisfied(strings.TrimSpace(res.Stdout), exitError(resp.Command, res).Error())
	}
	return judge(spec, res.Stdout, resp.Target, res)
}

// Apply implements engine.Handler.
func (h *PluginHandler) Apply(ctx context.Context, cmd engine.Commander, spec *engine.ActionSpec) (*engine.ApplyResult, error) {
	resp, err := h.call(ctx, cmd, spec, PluginPhaseApply)
	if err != nil {
		return nil, err
	}
	if resp.Command == "" {
		return nil, fmt.Errorf("plugin %s returned no command", spec.StringParam("plugin"))
	}

	res, err := run(ctx, cmd, resp.Command)
	if err != nil {
		return &engine.ApplyResult{Output: res.Combined()}, err
	}

	changes := resp.Changes
	if len(changes) == 0 && resp.Target != "" {
		changes = []engine.StateChange{optimization("plugin:"+spec.StringParam("plugin"), resp.Target)}
	}
	return &engine.ApplyResult{Output: strings.TrimSpace(res.Stdout), Changes: changes}, nil
}

func (h *PluginHandler) call(ctx context.Context, cmd engine.Commander, spec *engine.ActionSpec, phase PluginPhase) (*PluginResponse, error) {
	var p PluginParams
	if err := decodeParams(spec, &p); err != nil {
		return nil, err
	}
	runner, err := h.Plugins.Plugin(ctx, p.Plugin)
	if err != nil {
		return nil, err
	}

	resp, err := runner.Call(ctx, &PluginRequest{Phase: phase, OS: cmd.OS(), Params: spec.Params})
	if err != nil {
		return nil, fmt.Errorf("plugin %s %s: %w", p.Plugin, phase, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("plugin %s %s: %s", p.Plugin, phase, resp.Error)
	}
	return resp, nil
}
