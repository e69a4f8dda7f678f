package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/avtune/avtune/pkg/engine"
)

// PackageParams are the params of the package module.
type PackageParams struct {
	Name    string `json:"name" validate:"required,excludesall= ;0x7C&$"`
	State   string `json:"state" validate:"omitempty,oneof=present absent latest"`
	Version string `json:"version" validate:"omitempty,excludesall= ;0x7C&$"`

	// Manager overrides detection: apt, dnf, yum, zypper, pacman, brew or winget.
	Manager string   `json:"manager" validate:"omitempty,oneof=apt dnf yum zypper pacman brew winget"`
	Options []string `json:"options" validate:"dive,excludesall=;0x7C&$"`
}

func (p *PackageParams) state() string {
	if p.State == "" {
		return "present"
	}
	return p.State
}

// PackageHandler installs and removes packages with the platform package manager.
type PackageHandler struct{}

// Verify implements engine.Handler.
func (h *PackageHandler) Verify(ctx context.Context, cmd engine.Commander, spec *engine.ActionSpec) engine.Verification {
	var p PackageParams
	if err := decodeParams(spec, &p); err != nil {
		return invalidParams(err)
	}
	manager, err := h.manager(ctx, cmd, &p)
	if err != nil {
		return engine.Indeterminate(err.Error())
	}

	installed, version, err := h.query(ctx, cmd, manager, p.Name)
	if err != nil {
		return engine.Indeterminate(err.Error())
	}

	switch p.state() {
	case "absent":
		if !installed {
			return engine.Satisfied("absent")
		}
		return engine.Unsatisfied(version, "installed")
	case "latest":
		if !installed {
			return engine.Unsatisfied("absent", "not installed")
		}
		return engine.Indeterminate("latest version cannot be checked without an upgrade")
	default:
		if !installed {
			return engine.Unsatisfied("absent", "not installed")
		}
		if p.Version != "" && !strings.HasPrefix(version, p.Version) {
			return engine.Unsatisfied(version, "want "+p.Version)
		}
		return engine.Satisfied(version)
	}
}

// Apply implements engine.Handler. It declares a software change with the resulting version.
func (h *PackageHandler) Apply(ctx context.Context, cmd engine.Commander, spec *engine.ActionSpec) (*engine.ApplyResult, error) {
	var p PackageParams
	if err := decodeParams(spec, &p); err != nil {
		return nil, err
	}
	manager, err := h.manager(ctx, cmd, &p)
	if err != nil {
		return nil, err
	}

	var command string
	switch p.state() {
	case "absent":
		command = removeCommand(manager, p.Name, p.Options)
	case "latest":
		installed, _, err := h.query(ctx, cmd, manager, p.Name)
		if err != nil {
			return nil, err
		}
		if installed {
			command = upgradeCommand(manager, p.Name, p.Options)
		} else {
			command = installCommand(manager, p.Name, "", p.Options)
		}
	default:
		command = installCommand(manager, p.Name, p.Version, p.Options)
	}

	res, err := run(ctx, cmd, command)
	if err != nil {
		return &engine.ApplyResult{Output: res.Combined()}, fmt.Errorf("%s %s: %w", manager, p.Name, err)
	}
	result := &engine.ApplyResult{Output: lastLines(res.Stdout, 5)}

	if p.state() == "absent" {
		result.Changes = []engine.StateChange{{Kind: engine.ChangeSoftware, Key: p.Name, Removed: true}}
		return result, nil
	}
	_, version, err := h.query(ctx, cmd, manager, p.Name)
	if err != nil || version == "" {
		version = p.Version
	}
	if version == "" {
		version = "unknown"
	}
	result.Changes = []engine.StateChange{{Kind: engine.ChangeSoftware, Key: p.Name, Value: version}}
	return result, nil
}

// manager returns the configured package manager or detects one on the target.
func (h *PackageHandler) manager(ctx context.Context, cmd engine.Commander, p *PackageParams) (string, error) {
	if p.Manager != "" {
		return p.Manager, nil
	}
	switch cmd.OS() {
	case engine.OSWindows:
		return "winget", nil
	case engine.OSMacOS:
		return "brew", nil
	}

	res, err := cmd.Run(ctx, `for m in apt-get dnf yum zypper pacman; do if command -v "$m" >/dev/null 2>&1; then echo "$m"; break; fi; done`)
	if err != nil {
		return "", fmt.Errorf("detect package manager: %w", err)
	}
	switch m := strings.TrimSpace(res.Stdout); m {
	case "apt-get":
		return "apt", nil
	case "dnf", "yum", "zypper", "pacman":
		return m, nil
	default:
		return "", fmt.Errorf("no supported package manager found")
	}
}

func (h *PackageHandler) query(ctx context.Context, cmd engine.Commander, manager, name string) (bool, string, error) {
	var command string
	switch manager {
	case "apt":
		command = fmt.Sprintf("dpkg-query -W -f='${Status}|${Version}' %s", sh(name))
	case "dnf", "yum", "zypper":
		command = fmt.Sprintf("rpm -q --queryformat '%%{VERSION}-%%{RELEASE}' %s", sh(name))
	case "pacman":
		command = "pacman -Q " + sh(name)
	case "brew":
		command = "brew list --versions " + sh(name)
	case "winget":
		command = fmt.Sprintf("winget list --id %s --exact --accept-source-agreements", ps(name))
	default:
		return false, "", fmt.Errorf("unsupported package manager: %s", manager)
	}

	res, err := cmd.Run(ctx, command)
	if err != nil {
		return false, "", err
	}
	if !res.OK() {
		return false, "", nil
	}
	installed, version := parsePackageQuery(manager, name, res.Stdout)
	return installed, version, nil
}

// parsePackageQuery reads the version out of a successful query.
func parsePackageQuery(manager, name, out string) (bool, string) {
	out = strings.TrimSpace(out)
	switch manager {
	case "apt":
		status, version, _ := strings.Cut(out, "|")
		if !strings.Contains(status, "installed") || strings.Contains(status, "not-installed") {
			return false, ""
		}
		return true, version
	case "pacman", "brew":
		fields := strings.Fields(out)
		if len(fields) < 2 {
			return out != "", ""
		}
		return true, fields[len(fields)-1]
	case "winget":
		for _, line := range strings.Split(out, "\n") {
			fields := strings.Fields(line)
			for i, f := range fields {
				if strings.EqualFold(f, name) && i+1 < len(fields) {
					return true, fields[i+1]
				}
			}
		}
		return false, ""
	default:
		if strings.Contains(out, "not installed") {
			return false, ""
		}
		return out != "", out
	}
}

func installCommand(manager, name, version string, options []string) string {
	opts := strings.Join(options, " ")
	switch manager {
	case "apt":
		spec := name
		if version != "" {
			spec = name + "=" + version
		}
		return joinArgs("DEBIAN_FRONTEND=noninteractive apt-get install -y", opts, sh(spec))
	case "dnf", "yum":
		spec := name
		if version != "" {
			spec = name + "-" + version
		}
		return joinArgs(manager+" install -y", opts, sh(spec))
	case "zypper":
		return joinArgs("zypper --non-interactive install", opts, sh(name))
	case "pacman":
		return joinArgs("pacman -S --noconfirm", opts, sh(name))
	case "brew":
		return joinArgs("brew install", opts, sh(name))
	case "winget":
		cmd := fmt.Sprintf("winget install --id %s --exact --silent --accept-package-agreements --accept-source-agreements", ps(name))
		if version != "" {
			cmd += " --version " + ps(version)
		}
		return cmd
	}
	return ""
}

func removeCommand(manager, name string, options []string) string {
	opts := strings.Join(options, " ")
	switch manager {
	case "apt":
		return joinArgs("DEBIAN_FRONTEND=noninteractive apt-get remove -y", opts, sh(name))
	case "dnf", "yum":
		return joinArgs(manager+" remove -y", opts, sh(name))
	case "zypper":
		return joinArgs("zypper --non-interactive remove", opts, sh(name))
	case "pacman":
		return joinArgs("pacman -R --noconfirm", opts, sh(name))
	case "brew":
		return "brew uninstall " + sh(name)
	case "winget":
		return fmt.Sprintf("winget uninstall --id %s --exact --silent", ps(name))
	}
	return ""
}

func upgradeCommand(manager, name string, options []string) string {
	opts := strings.Join(options, " ")
	switch manager {
	case "apt":
		return joinArgs("DEBIAN_FRONTEND=noninteractive apt-get install --only-upgrade -y", opts, sh(name))
	case "dnf", "yum":
		return joinArgs(manager+" upgrade -y", opts, sh(name))
	case "zypper":
		return joinArgs("zypper --non-interactive update", opts, sh(name))
	case "pacman":
		return joinArgs("pacman -S --noconfirm", opts, sh(name))
	case "brew":
		return "brew upgrade " + sh(name)
	case "winget":
		return fmt.Sprintf("winget upgrade --id %s --exact --silent --accept-package-agreements --accept-source-agreements", ps(name))
	}
	return ""
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// joinArgs joins the non-empty parts with single spaces.
func joinArgs(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}
