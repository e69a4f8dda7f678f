package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/avtune/avtune/pkg/engine"
)

// DefaultSysctlFile is where linux sysctl values are persisted.
const DefaultSysctlFile = "/etc/sysctl.d/99-avtune.conf"

// macOS reads /etc/sysctl.conf at boot.
const macSysctlFile = "/etc/sysctl.conf"

// SysctlParams are the params of the sysctl module.
type SysctlParams struct {
	Key   string `json:"key" validate:"required,max=256"`
	Value Scalar `json:"value" validate:"required"`

	// Persist writes the value to the boot-time sysctl file. Defaults to true.
	Persist *bool `json:"persist"`
}

func (p *SysctlParams) persist() bool {
	return p.Persist == nil || *p.Persist
}

// SysctlHandler sets kernel parameters with sysctl -w.
type SysctlHandler struct {
	PersistFile string
}

func (h *SysctlHandler) persistFile(os engine.OSFamily) string {
	if os == engine.OSMacOS {
		return macSysctlFile
	}
	if h.PersistFile != "" {
		return h.PersistFile
	}
	return DefaultSysctlFile
}

// Verify implements engine.Handler.
func (h *SysctlHandler) Verify(ctx context.Context, cmd engine.Commander, spec *engine.ActionSpec) engine.Verification {
	var p SysctlParams
	if err := decodeParams(spec, &p); err != nil {
		return invalidParams(err)
	}

	res, v := probe(ctx, cmd, "sysctl -n "+sh(p.Key))
	if v != nil {
		return *v
	}
	if !res.OK() {
		return engine.Indeterminate(exitError("sysctl", res).Error())
	}
	return judge(spec, res.Stdout, p.Value.String(), res)
}

// Apply implements engine.Handler.
func (h *SysctlHandler) Apply(ctx context.Context, cmd engine.Commander, spec *engine.ActionSpec) (*engine.ApplyResult, error) {
	var p SysctlParams
	if err := decodeParams(spec, &p); err != nil {
		return nil, err
	}

	assignment := fmt.Sprintf("%s=%s", p.Key, p.Value)
	res, err := run(ctx, cmd, "sysctl -w "+sh(assignment))
	if err != nil {
		return &engine.ApplyResult{Output: res.Combined()}, err
	}
	output := strings.TrimSpace(res.Stdout)

	if p.persist() {
		path := h.persistFile(cmd.OS())
		persisted, err := h.persistValue(ctx, cmd, path, p.Key, p.Value.String())
		if err != nil {
			return &engine.ApplyResult{Output: output}, fmt.Errorf("persist %s: %w", path, err)
		}
		if persisted {
			output += fmt.Sprintf("\npersisted to %s", path)
		}
	}

	return &engine.ApplyResult{
		Output:  output,
		Changes: []engine.StateChange{optimization(p.Key, normalize(p.Value.String()))},
	}, nil
}

func (h *SysctlHandler) persistValue(ctx context.Context, cmd engine.Commander, path, key, value string) (bool, error) {
	res, err := cmd.Run(ctx, fmt.Sprintf("cat %s 2>/dev/null", sh(path)))
	if err != nil {
		return false, err
	}
	current := ""
	if res.OK() {
		current = res.Stdout
	}
	if current == "" {
		current = "# Managed by avtune\n"
	}

	updated, changed := updateKVFile(current, key, value)
	if !changed {
		return false, nil
	}
	if _, err := run(ctx, cmd, fmt.Sprintf("mkdir -p %s", sh(dirOf(path)))); err != nil {
		return false, err
	}
	return true, cmd.WriteFile(ctx, path, []byte(updated), 0o644)
}

func dirOf(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/"
	}
	return path[:i]
}
