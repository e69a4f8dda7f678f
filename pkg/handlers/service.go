package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/avtune/avtune/pkg/engine"
)

// ServiceParams are the params of the service module.
type ServiceParams struct {
	Name    string `json:"name" validate:"required,excludesall= ;0x7C&$'"`
	State   string `json:"state" validate:"omitempty,oneof=running stopped"`
	Enabled *bool  `json:"enabled"`
}

func (p *ServiceParams) wantRunning() bool {
	return p.State == "" || p.State == "running"
}

// target renders the desired state the same way serviceState renders the observed one.
func (p *ServiceParams) target(current serviceState) string {
	want := serviceState{running: p.wantRunning(), enabled: current.enabled}
	if p.Enabled != nil {
		want.enabled = *p.Enabled
	}
	return want.String()
}

type serviceState struct {
	running bool
	enabled bool
}

func (s serviceState) String() string {
	run, enabled := "stopped", "disabled"
	if s.running {
		run = "running"
	}
	if s.enabled {
		enabled = "enabled"
	}
	return run + "," + enabled
}

// ServiceHandler starts, stops, enables and disables system services
// through systemd, the Windows service manager or launchd.
type ServiceHandler struct{}

// Verify implements engine.Handler.
func (h *ServiceHandler) Verify(ctx context.Context, cmd engine.Commander, spec *engine.ActionSpec) engine.Verification {
	var p ServiceParams
	if err := decodeParams(spec, &p); err != nil {
		return invalidParams(err)
	}

	current, res, err := h.status(ctx, cmd, p.Name)
	if err != nil {
		return engine.Indeterminate(err.Error())
	}
	return judge(spec, current.String(), p.target(current), res)
}

// Apply implements engine.Handler.
func (h *ServiceHandler) Apply(ctx context.Context, cmd engine.Commander, spec *engine.ActionSpec) (*engine.ApplyResult, error) {
	var p ServiceParams
	if err := decodeParams(spec, &p); err != nil {
		return nil, err
	}

	var commands []string
	switch cmd.OS() {
	case engine.OSWindows:
		commands = windowsServiceCommands(&p)
	case engine.OSMacOS:
		commands = launchdServiceCommands(&p)
	default:
		commands = systemdServiceCommands(&p)
	}

	var output []string
	for _, c := range commands {
		res, err := run(ctx, cmd, c)
		if err != nil {
			return &engine.ApplyResult{Output: strings.Join(output, "\n")}, fmt.Errorf("service %s: %w", p.Name, err)
		}
		if out := strings.TrimSpace(res.Combined()); out != "" {
			output = append(output, out)
		}
	}

	current, _, err := h.status(ctx, cmd, p.Name)
	if err != nil {
		current = serviceState{running: p.wantRunning()}
		if p.Enabled != nil {
			current.enabled = *p.Enabled
		}
	}
	return &engine.ApplyResult{
		Output:  strings.Join(output, "\n"),
		Changes: []engine.StateChange{optimization("service:"+p.Name, current.String())},
	}, nil
}

func (h *ServiceHandler) status(ctx context.Context, cmd engine.Commander, name string) (serviceState, *engine.ExecResult, error) {
	var command string
	switch cmd.OS() {
	case engine.OSWindows:
		command = fmt.Sprintf(`$s = Get-Service -Name %s -ErrorAction Stop; "$($s.Status),$($s.StartType)"`, ps(name))
	case engine.OSMacOS:
		command = fmt.Sprintf(`launchctl print system/%s >/dev/null 2>&1 && echo running || echo stopped; launchctl print-disabled system | grep -q '"%s" => disabled' && echo disabled || echo enabled`, name, name)
	default:
		command = fmt.Sprintf("systemctl is-active %s; systemctl is-enabled %s", sh(name), sh(name))
	}

	res, err := cmd.Run(ctx, command)
	if err != nil {
		return serviceState{}, nil, fmt.Errorf("service status: %w", err)
	}
	state, err := parseServiceStatus(cmd.OS(), res.Stdout)
	if err != nil {
		return serviceState{}, res, err
	}
	return state, res, nil
}

// parseServiceStatus reads the two-line (or Status,StartType) probe output.
func parseServiceStatus(os engine.OSFamily, out string) (serviceState, error) {
	out = strings.TrimSpace(out)
	if os == engine.OSWindows {
		status, start, ok := strings.Cut(out, ",")
		if !ok {
			return serviceState{}, fmt.Errorf("unrecognised service status %q", out)
		}
		return serviceState{
			running: strings.EqualFold(status, "Running"),
			enabled: strings.EqualFold(start, "Automatic"),
		}, nil
	}

	lines := strings.Fields(out)
	if len(lines) < 2 {
		return serviceState{}, fmt.Errorf("unrecognised service status %q", out)
	}
	active, enabled := lines[0], lines[1]
	if active == "unknown" || enabled == "not-found" {
		return serviceState{}, fmt.Errorf("service not found")
	}
	return serviceState{
		running: active == "active" || active == "running",
		enabled: enabled == "enabled" || enabled == "static",
	}, nil
}

func systemdServiceCommands(p *ServiceParams) []string {
	var out []string
	if p.Enabled != nil {
		if *p.Enabled {
			out = append(out, "systemctl enable "+sh(p.Name))
		} else {
			out = append(out, "systemctl disable "+sh(p.Name))
		}
	}
	if p.wantRunning() {
		out = append(out, "systemctl start "+sh(p.Name))
	} else {
		out = append(out, "systemctl stop "+sh(p.Name))
	}
	return out
}

func windowsServiceCommands(p *ServiceParams) []string {
	var out []string
	if p.Enabled != nil {
		startup := "Manual"
		if *p.Enabled {
			startup = "Automatic"
		}
		out = append(out, fmt.Sprintf("Set-Service -Name %s -StartupType %s", ps(p.Name), startup))
	}
	if p.wantRunning() {
		out = append(out, fmt.Sprintf("Start-Service -Name %s", ps(p.Name)))
	} else {
		out = append(out, fmt.Sprintf("Stop-Service -Name %s -Force", ps(p.Name)))
	}
	return out
}

func launchdServiceCommands(p *ServiceParams) []string {
	var out []string
	target := "system/" + p.Name
	if p.Enabled != nil {
		if *p.Enabled {
			out = append(out, "launchctl enable "+sh(target))
		} else {
			out = append(out, "launchctl disable "+sh(target))
		}
	}
	if p.wantRunning() {
		out = append(out, "launchctl kickstart "+sh(target))
	} else {
		out = append(out, "launchctl kill SIGTERM "+sh(target))
	}
	return out
}
